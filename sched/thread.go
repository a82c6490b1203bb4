// SPDX-License-Identifier: Unlicense OR MIT

package sched

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"eliasnaur.com/kcore/hal"
	"eliasnaur.com/kcore/ksync"
)

// ThreadHandle names a thread. Handles start at 1 and are never
// reused.
type ThreadHandle = ksync.ThreadHandle

// thread is the descriptor of a thread.
type thread struct {
	handle   ThreadHandle
	name     string
	priority Priority
	// quantum is only touched by the thread itself.
	quantum Quantum
	// deadline holds a Timer. The thread is not selected while the
	// deadline is ahead.
	deadline atomic.Int64

	hw    *hal.Context
	stack hal.VirtualAddress
	ctx   context.Context
	entry func(ctx context.Context)

	// cpu is the processor the thread last resumed on.
	cpu    atomic.Int32
	exited atomic.Bool

	ticks    atomic.Uint64
	switches atomic.Uint64
}

// pool owns every thread descriptor, indexed by handle-1.
type pool struct {
	threads []atomic.Pointer[thread]
	n       atomic.Uint64
}

func newPool(max int) *pool {
	return &pool{threads: make([]atomic.Pointer[thread], max)}
}

// add assigns t the next handle.
func (p *pool) add(t *thread) (ThreadHandle, error) {
	h := p.n.Add(1)
	if h > uint64(len(p.threads)) {
		return 0, ErrTooManyThreads
	}
	t.handle = ThreadHandle(h)
	p.threads[h-1].Store(t)
	return t.handle, nil
}

func (p *pool) get(h ThreadHandle) *thread {
	if h == 0 || uint64(h) > uint64(len(p.threads)) {
		return nil
	}
	return p.threads[h-1].Load()
}

// each calls f for every thread in handle order.
func (p *pool) each(f func(t *thread)) {
	n := p.n.Load()
	if n > uint64(len(p.threads)) {
		n = uint64(len(p.threads))
	}
	for i := uint64(0); i < n; i++ {
		if t := p.threads[i].Load(); t != nil {
			f(t)
		}
	}
}

func (t *thread) pending(c hal.Clock) bool {
	return Timer(t.deadline.Load()).Until(c)
}

func (t *thread) state(c hal.Clock) string {
	switch {
	case t.exited.Load():
		return "exited"
	case t.pending(c):
		return "waiting"
	default:
		return "ready"
	}
}

// dump formats the descriptor for a fatal error report.
func (t *thread) dump() string {
	fields := []struct {
		field string
		value uint64
	}{
		{"handle", uint64(t.handle)},
		{"cpu", uint64(t.cpu.Load())},
		{"priority", uint64(t.priority)},
		{"quantum", uint64(t.quantum.current)},
		{"deadline", uint64(t.deadline.Load())},
		{"stack", uint64(t.stack)},
		{"ticks", t.ticks.Load()},
		{"switches", t.switches.Load()},
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "thread %q:", t.name)
	for _, f := range fields {
		fmt.Fprintf(&sb, " %s: %#x", f.field, f.value)
	}
	return sb.String()
}
