// SPDX-License-Identifier: Unlicense OR MIT

package ksync

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// ThreadHandle names a thread. The zero handle names no thread.
type ThreadHandle uint64

// Forever is a wait duration that never expires.
const Forever = time.Duration(math.MaxInt64)

// Signal is a signalling object: a single slot holding the thread
// waiting on it, if any. Signalling empties the slot and wakes the
// thread.
type Signal struct {
	slot atomic.Uint64
}

// Waiter is the part of a scheduler that blocking primitives use.
type Waiter interface {
	// Current returns the thread running in ctx.
	Current(ctx context.Context) ThreadHandle
	// WaitFor blocks the current thread until sig is signalled or d
	// elapses. A non-nil sig with an empty slot counts as already
	// signalled and WaitFor returns immediately.
	WaitFor(ctx context.Context, sig *Signal, d time.Duration)
	// Wake signals sig, waking the thread registered in it.
	Wake(sig *Signal)
}

func (s *Signal) Load() ThreadHandle {
	return ThreadHandle(s.slot.Load())
}

func (s *Signal) Swap(h ThreadHandle) ThreadHandle {
	return ThreadHandle(s.slot.Swap(uint64(h)))
}

func (s *Signal) CompareAndSwap(old, new ThreadHandle) bool {
	return s.slot.CompareAndSwap(uint64(old), uint64(new))
}

// Register stores h as the waiting thread.
func (s *Signal) Register(h ThreadHandle) {
	s.slot.Store(uint64(h))
}
