// SPDX-License-Identifier: Unlicense OR MIT

// Package ksync contains the synchronization primitives shared by the
// memory manager and the scheduler.
package ksync

import (
	"runtime"
	"sync/atomic"

	"eliasnaur.com/kcore/hal"
)

// Spinlock is a test-and-test-and-set lock. It must never be held
// across a blocking call.
type Spinlock struct {
	v atomic.Bool
}

// Guard is a held Spinlock together with the interrupt state to
// restore when it is released.
type Guard struct {
	l       *Spinlock
	intr    hal.Interrupts
	cpu     int
	enabled bool
}

func (l *Spinlock) TryLock() bool {
	return l.v.CompareAndSwap(false, true)
}

func (l *Spinlock) Lock() {
	for !l.TryLock() {
		var w SpinLoopWait
		for l.v.Load() {
			w.Wait()
		}
	}
}

func (l *Spinlock) Unlock() {
	l.v.Store(false)
}

// LockIRQ masks interrupts on cpu and acquires the lock.
func (l *Spinlock) LockIRQ(intr hal.Interrupts, cpu int) Guard {
	enabled := intr.DisableInterrupts(cpu)
	l.Lock()
	return Guard{l: l, intr: intr, cpu: cpu, enabled: enabled}
}

// Unlock releases the lock and restores the interrupt state.
func (g Guard) Unlock() {
	g.l.Unlock()
	g.intr.RestoreInterrupts(g.cpu, g.enabled)
}

// SpinLoopWait is an exponential backoff for busy loops.
type SpinLoopWait struct {
	n uint
}

const maxSpinShift = 6

func (w *SpinLoopWait) Reset() {
	w.n = 0
}

func (w *SpinLoopWait) Wait() {
	for i := 0; i < 1<<w.n; i++ {
		spinHint()
	}
	if w.n < maxSpinShift {
		w.n++
	} else {
		// Simulated cores share host threads; let the holder run.
		runtime.Gosched()
	}
}

var spinSink uint32

//go:noinline
func spinHint() {
	atomic.AddUint32(&spinSink, 0)
}

// RWSpinlock admits any number of readers or a single writer. A
// waiting writer keeps new readers out.
type RWSpinlock struct {
	// state counts readers in the low bits, plus the writer bits
	// below.
	state atomic.Uint32
}

const (
	rwHeld    = 1 << 31
	rwPending = 1 << 30
)

func (l *RWSpinlock) RLock() {
	var w SpinLoopWait
	for {
		s := l.state.Load()
		if s&(rwHeld|rwPending) == 0 && l.state.CompareAndSwap(s, s+1) {
			return
		}
		w.Wait()
	}
}

func (l *RWSpinlock) RUnlock() {
	l.state.Add(^uint32(0))
}

func (l *RWSpinlock) Lock() {
	var w SpinLoopWait
	for {
		s := l.state.Load()
		switch {
		case s&^rwPending == 0:
			// Free; clear the pending bit while taking the lock.
			if l.state.CompareAndSwap(s, rwHeld) {
				return
			}
			continue
		case s&rwPending == 0:
			l.state.CompareAndSwap(s, s|rwPending)
		}
		w.Wait()
	}
}

func (l *RWSpinlock) Unlock() {
	for {
		s := l.state.Load()
		if l.state.CompareAndSwap(s, s&^rwHeld) {
			return
		}
	}
}
