// SPDX-License-Identifier: Unlicense OR MIT

// Package sched implements preemptive multitasking of kernel threads
// on every processor of a hal.Machine.
//
// Threads wait in three shared queues. The urgent queue holds runnable
// Realtime threads, the ready queue holds the threads of the current
// rotation and the retired queue collects threads that used up their
// quantum or wait for a deadline. When the ready queue runs dry the
// retired threads start the next rotation.
package sched

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"eliasnaur.com/kcore/hal"
	"eliasnaur.com/kcore/ksync"
)

// Error is an error type usable in kernel code.
type Error string

const (
	ErrTooManyThreads  Error = "sched: too many threads"
	ErrInvalidPriority Error = "sched: invalid priority"
)

const (
	DefaultMaxThreads = 256
	DefaultQueueSize  = 512
	DefaultStackSize  = 0x10000
)

type Options struct {
	// MaxThreads bounds the threads created over the lifetime of
	// the scheduler, idle threads included. Defaults to
	// DefaultMaxThreads.
	MaxThreads int
	// QueueSize is the capacity of each run queue. Defaults to
	// DefaultQueueSize.
	QueueSize int
	// StackSize is the size of thread stacks. Defaults to
	// DefaultStackSize.
	StackSize uint64
	// Logf receives progress messages. Nil discards them.
	Logf func(format string, args ...interface{})
}

// StackAllocator provides thread stacks.
type StackAllocator interface {
	Zalloc(ctx context.Context, size, align uint64) (hal.VirtualAddress, error)
	Zfree(ctx context.Context, va hal.VirtualAddress, size, align uint64) error
}

type Scheduler struct {
	hw     hal.Machine
	stacks StackAllocator
	opts   Options
	logf   func(format string, args ...interface{})

	pool    *pool
	urgent  *ksync.Fifo[ThreadHandle]
	ready   *ksync.Fifo[ThreadHandle]
	retired *ksync.Fifo[ThreadHandle]
	locals  []local

	enabled atomic.Bool
	frozen  atomic.Bool
}

type threadKey struct{}

// New creates a scheduler with an idle thread per processor and
// installs its timer interrupt handler. A nil stacks gives threads no
// stack memory of their own.
func New(hw hal.Machine, stacks StackAllocator, opts Options) (*Scheduler, error) {
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = DefaultMaxThreads
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.StackSize == 0 {
		opts.StackSize = DefaultStackSize
	}
	if opts.QueueSize < opts.MaxThreads {
		return nil, fmt.Errorf("sched: queue size %d below thread limit %d", opts.QueueSize, opts.MaxThreads)
	}
	s := &Scheduler{
		hw:      hw,
		stacks:  stacks,
		opts:    opts,
		logf:    opts.Logf,
		pool:    newPool(opts.MaxThreads),
		urgent:  ksync.NewFifo[ThreadHandle](opts.QueueSize),
		ready:   ksync.NewFifo[ThreadHandle](opts.QueueSize),
		retired: ksync.NewFifo[ThreadHandle](opts.QueueSize),
		locals:  make([]local, hw.NumCPUs()),
	}
	if s.logf == nil {
		s.logf = func(string, ...interface{}) {}
	}
	for cpu := range s.locals {
		t := &thread{
			name:     fmt.Sprintf("Idle #%d", cpu),
			priority: Idle,
			quantum:  NewQuantum(Idle),
		}
		if _, err := s.pool.add(t); err != nil {
			return nil, err
		}
		t.ctx = context.WithValue(context.Background(), threadKey{}, t.handle)
		t.hw = hw.NewContext(0, nil)
		t.cpu.Store(int32(cpu))
		s.locals[cpu].idle = t
		s.locals[cpu].current.Store(uint64(t.handle))
	}
	hw.SetTimerHandler(s.Reschedule)
	return s, nil
}

// Start enables thread switching.
func (s *Scheduler) Start() {
	s.enabled.Store(true)
	s.logf("scheduler started on %d cpus", len(s.locals))
}

func (s *Scheduler) Enabled() bool {
	return s.enabled.Load()
}

// Freeze stops selecting threads. Every processor drops to its idle
// thread at its next reschedule.
func (s *Scheduler) Freeze() {
	s.frozen.Store(true)
}

// Run turns the calling goroutine into the idle thread of cpu. It
// never returns.
func (s *Scheduler) Run(cpu int) {
	for {
		s.hw.Halt(cpu)
	}
}

// Spawn creates a thread that runs entry and exits when entry
// returns. The ctx passed to entry identifies the thread.
func (s *Scheduler) Spawn(ctx context.Context, p Priority, name string, entry func(ctx context.Context)) (ThreadHandle, error) {
	if !p.useful() {
		return 0, fmt.Errorf("sched: spawn %q: %w", name, ErrInvalidPriority)
	}
	t := &thread{
		name:     name,
		priority: p,
		quantum:  NewQuantum(p),
		entry:    entry,
	}
	if s.stacks != nil {
		stack, err := s.stacks.Zalloc(ctx, s.opts.StackSize, hal.PageSize)
		if err != nil {
			return 0, fmt.Errorf("sched: stack for %q: %w", name, err)
		}
		t.stack = stack
	}
	if _, err := s.pool.add(t); err != nil {
		s.freeStack(ctx, t)
		return 0, fmt.Errorf("sched: spawn %q: %w", name, err)
	}
	t.ctx = context.WithValue(context.Background(), threadKey{}, t.handle)
	t.hw = s.hw.NewContext(t.stack+hal.VirtualAddress(s.opts.StackSize), func(cpu int) {
		s.start(t, cpu)
	})
	if !s.push(t) {
		t.exited.Store(true)
		s.freeStack(ctx, t)
		return 0, fmt.Errorf("sched: spawn %q: %w", name, ksync.ErrQueueFull)
	}
	s.logf("spawned thread %d %q (%v)", t.handle, name, p)
	return t.handle, nil
}

// start is the first code a new thread runs.
func (s *Scheduler) start(t *thread, cpu int) {
	s.resumed(t, cpu)
	s.hw.RestoreInterrupts(cpu, true)
	t.entry(t.ctx)
	s.Exit(t.ctx)
}

func (s *Scheduler) self(ctx context.Context) *thread {
	h, _ := ctx.Value(threadKey{}).(ThreadHandle)
	return s.pool.get(h)
}

// Current returns the thread running in ctx, or 0 if ctx does not
// belong to a thread.
func (s *Scheduler) Current(ctx context.Context) ThreadHandle {
	if t := s.self(ctx); t != nil {
		return t.handle
	}
	return 0
}

// CPU returns the processor the thread of ctx runs on.
func (s *Scheduler) CPU(ctx context.Context) (int, bool) {
	t := s.self(ctx)
	if t == nil {
		return 0, false
	}
	return int(t.cpu.Load()), true
}

// Running returns the thread running on cpu.
func (s *Scheduler) Running(cpu int) ThreadHandle {
	return ThreadHandle(s.locals[cpu].current.Load())
}

// Reschedule is the timer interrupt handler. It charges the running
// thread a tick and switches away from it when its quantum runs out.
func (s *Scheduler) Reschedule(cpu int) int {
	if !s.enabled.Load() {
		return cpu
	}
	t := s.pool.get(s.Running(cpu))
	t.ticks.Add(1)
	if t.priority == Realtime || !t.quantum.consume() {
		return cpu
	}
	return s.switchAway(cpu, t)
}

// WaitFor blocks the thread of ctx until sig is signalled or d
// elapses. A zero d yields. A non-nil sig with an empty slot counts as
// signalled. Outside a thread, or before Start, WaitFor spins.
func (s *Scheduler) WaitFor(ctx context.Context, sig *ksync.Signal, d time.Duration) {
	t := s.self(ctx)
	if t == nil || !s.enabled.Load() {
		s.spin(sig, d)
		return
	}
	cpu := int(t.cpu.Load())
	enabled := s.hw.DisableInterrupts(cpu)
	t.deadline.Store(int64(NewTimer(s.hw, d)))
	// A Signal racing with us either sees the deadline above or
	// has emptied the slot.
	if sig != nil && sig.Load() == 0 {
		t.deadline.Store(int64(TimerNull))
		s.hw.RestoreInterrupts(cpu, enabled)
		return
	}
	cpu = s.switchAway(cpu, t)
	s.hw.RestoreInterrupts(cpu, enabled)
}

func (s *Scheduler) spin(sig *ksync.Signal, d time.Duration) {
	deadline := NewTimer(s.hw, d)
	var w ksync.SpinLoopWait
	for deadline.Until(s.hw) {
		if sig != nil && sig.Load() == 0 {
			return
		}
		w.Wait()
	}
}

// Signal empties sig and makes the thread registered in it, if any,
// eligible to run.
func (s *Scheduler) Signal(sig *ksync.Signal) {
	if t := s.pool.get(sig.Swap(0)); t != nil {
		t.deadline.Store(int64(TimerNull))
	}
}

// Wake is Signal.
func (s *Scheduler) Wake(sig *ksync.Signal) {
	s.Signal(sig)
}

func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) {
	s.WaitFor(ctx, nil, d)
}

// Yield gives up the processor to another runnable thread, if any.
func (s *Scheduler) Yield(ctx context.Context) {
	s.WaitFor(ctx, nil, 0)
}

// Checkpoint is an interrupt point: a pending timer interrupt is
// delivered and may switch threads. Long-running threads call it
// regularly.
func (s *Scheduler) Checkpoint(ctx context.Context) {
	if t := s.self(ctx); t != nil {
		s.hw.Poll(int(t.cpu.Load()))
	}
}

// Exit ends the thread of ctx. Outside a thread it does nothing.
func (s *Scheduler) Exit(ctx context.Context) {
	t := s.self(ctx)
	if t == nil {
		return
	}
	cpu := int(t.cpu.Load())
	s.hw.DisableInterrupts(cpu)
	if t.priority == Idle {
		s.fatal(cpu, t, "idle thread exit")
	}
	t.exited.Store(true)
	loc := &s.locals[cpu]
	next := s.next(cpu)
	if next == nil {
		next = loc.idle
	}
	loc.current.Store(uint64(next.handle))
	loc.retiring = t
	s.logf("thread %d %q exited", t.handle, t.name)
	s.hw.ExitContext(cpu, t.hw, next.hw)
}

// switchAway selects the next thread for cpu and switches to it. The
// running thread t keeps the processor if nothing else is runnable and
// it is not waiting. It returns the processor t runs on afterwards.
func (s *Scheduler) switchAway(cpu int, t *thread) int {
	if s.hw.InterruptsEnabled(cpu) {
		s.fatal(cpu, t, "thread switch with interrupts enabled")
	}
	loc := &s.locals[cpu]
	next := s.next(cpu)
	if next == nil {
		if !s.frozen.Load() && !t.pending(s.hw) {
			return cpu
		}
		next = loc.idle
	}
	if next == t {
		return cpu
	}
	loc.current.Store(uint64(next.handle))
	loc.retiring = t
	t.switches.Add(1)
	cpu = s.hw.SwitchContext(cpu, t.hw, next.hw)
	s.resumed(t, cpu)
	return cpu
}

// resumed finishes a switch to t on cpu: the thread switched away
// from is saved by now and can be retired.
func (s *Scheduler) resumed(t *thread, cpu int) {
	t.cpu.Store(int32(cpu))
	t.deadline.Store(int64(TimerNull))
	loc := &s.locals[cpu]
	if r := loc.retiring; r != nil {
		loc.retiring = nil
		s.retire(t.ctx, cpu, r)
	}
}

// next dequeues the next thread to run, or nil.
func (s *Scheduler) next(cpu int) *thread {
	if s.frozen.Load() {
		return nil
	}
	for attempt := 0; attempt < 2; attempt++ {
		if t := s.pop(cpu, s.urgent); t != nil {
			return t
		}
		if t := s.pop(cpu, s.ready); t != nil {
			return t
		}
		for {
			h, ok := s.retired.Dequeue()
			if !ok {
				break
			}
			if !s.ready.Enqueue(h) {
				s.fatal(cpu, s.pool.get(h), "ready queue overflow")
			}
		}
	}
	return nil
}

// pop dequeues the first runnable thread of q. Waiting threads move
// to the retired queue.
func (s *Scheduler) pop(cpu int, q *ksync.Fifo[ThreadHandle]) *thread {
	for i := 0; i <= q.Cap(); i++ {
		h, ok := q.Dequeue()
		if !ok {
			return nil
		}
		t := s.pool.get(h)
		if t == nil || t.exited.Load() {
			continue
		}
		if t.pending(s.hw) {
			if !s.retired.Enqueue(h) {
				s.fatal(cpu, t, "retired queue overflow")
			}
			continue
		}
		return t
	}
	return nil
}

// retire puts t back in rotation after it was switched away from.
func (s *Scheduler) retire(ctx context.Context, cpu int, t *thread) {
	switch {
	case t.exited.Load():
		s.freeStack(ctx, t)
		t.hw = nil
		t.entry = nil
	case t.priority == Idle:
	default:
		if !s.push(t) {
			s.fatal(cpu, t, "run queue overflow")
		}
	}
}

func (s *Scheduler) push(t *thread) bool {
	if t.priority == Realtime && !t.pending(s.hw) {
		return s.urgent.Enqueue(t.handle)
	}
	return s.retired.Enqueue(t.handle)
}

func (s *Scheduler) freeStack(ctx context.Context, t *thread) {
	if s.stacks == nil || t.stack == 0 {
		return
	}
	if err := s.stacks.Zfree(ctx, t.stack, s.opts.StackSize, hal.PageSize); err != nil {
		s.logf("free stack of %q: %v", t.name, err)
	}
}

func (s *Scheduler) fatal(cpu int, t *thread, msg string) {
	if t == nil {
		s.hw.Fatal(cpu, "sched: "+msg)
		return
	}
	s.hw.Fatal(cpu, fmt.Sprintf("sched: %s\n%s", msg, t.dump()))
}

func (e Error) Error() string {
	return string(e)
}

// Statistics describes the queues and every thread.
func (s *Scheduler) Statistics() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Queues urgent %d ready %d retired %d\n", s.urgent.Len(), s.ready.Len(), s.retired.Len())
	s.pool.each(func(t *thread) {
		fmt.Fprintf(&sb, "%3d %-16s %-8v %-7s cpu %d ticks %d switches %d\n",
			t.handle, t.name, t.priority, t.state(s.hw), t.cpu.Load(), t.ticks.Load(), t.switches.Load())
	})
	return sb.String()
}
