// SPDX-License-Identifier: Unlicense OR MIT

package ksync

import (
	"context"
	"sync/atomic"
	"time"
)

// Semaphore is a counting semaphore whose waiters block through a
// Waiter.
type Semaphore struct {
	value  atomic.Int64
	signal Signal
}

// maxBackoff bounds the sleep of a waiter that lost the race to
// register itself.
const maxBackoff = 7

func NewSemaphore(value int) *Semaphore {
	s := new(Semaphore)
	s.value.Store(int64(value))
	return s
}

// Value is an estimate of the count.
func (s *Semaphore) Value() int {
	return int(s.value.Load())
}

func (s *Semaphore) TryWait() bool {
	for {
		v := s.value.Load()
		if v < 1 {
			return false
		}
		if s.value.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

// Wait decrements the count, blocking while it is zero.
func (s *Semaphore) Wait(ctx context.Context, w Waiter) {
	delta := 0
	for !s.TryWait() {
		self := w.Current(ctx)
		if !s.signal.CompareAndSwap(0, self) {
			// Another thread is registered.
			w.WaitFor(ctx, nil, time.Millisecond<<delta)
			if delta < maxBackoff {
				delta++
			}
			continue
		}
		delta = 0
		// Check again now that a Signal cannot miss us.
		if s.TryWait() {
			s.signal.CompareAndSwap(self, 0)
			return
		}
		w.WaitFor(ctx, &s.signal, Forever)
	}
}

func (s *Semaphore) Signal(w Waiter) {
	s.value.Add(1)
	w.Wake(&s.signal)
}
