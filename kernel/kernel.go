// SPDX-License-Identifier: Unlicense OR MIT

// Package kernel ties the memory manager and the scheduler together
// and brings them up on a hal.Machine.
package kernel

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"eliasnaur.com/kcore/boot"
	"eliasnaur.com/kcore/hal"
	"eliasnaur.com/kcore/mem"
	"eliasnaur.com/kcore/sched"
)

// kernError is an error type usable in kernel code.
type kernError string

const (
	errBooted   kernError = "kernel: already booted"
	errNoMemory kernError = "kernel: no available memory"
)

type Options struct {
	// Console receives log output. Nil discards it.
	Console io.Writer
	Mem     mem.Options
	Sched   sched.Options
}

// Kernel is created once per machine. Boot runs on the boot processor;
// every processor then calls Run.
type Kernel struct {
	hw      hal.Machine
	console *Console
	opts    Options

	info   *boot.Info
	mem    *mem.Manager
	sched  *sched.Scheduler
	booted atomic.Bool
	ready  atomic.Bool
}

func New(hw hal.Machine, opts Options) *Kernel {
	k := &Kernel{
		hw:      hw,
		console: NewConsole(opts.Console),
		opts:    opts,
	}
	if k.opts.Mem.Logf == nil {
		k.opts.Mem.Logf = k.console.Logf("mem")
	}
	if k.opts.Sched.Logf == nil {
		k.opts.Sched.Logf = k.console.Logf("sched")
	}
	return k
}

// Boot brings the kernel up on cpu from the descriptor block the
// firmware handed over. The memory manager comes first and maps
// synchronously; once the scheduler exists the page worker takes over
// all mapping. Failures are fatal.
func (k *Kernel) Boot(ctx context.Context, cpu int, blob []byte) {
	if !k.booted.CompareAndSwap(false, true) {
		k.fatalError(cpu, errBooted)
	}
	if err := k.initMemory(cpu, blob); err != nil {
		k.fatalError(cpu, err)
	}
	if err := k.initThreads(ctx); err != nil {
		k.fatalError(cpu, err)
	}
	k.ready.Store(true)
}

func (k *Kernel) initMemory(cpu int, blob []byte) error {
	info, err := boot.Parse(blob)
	if err != nil {
		return err
	}
	k.info = info
	m, err := mem.NewManager(k.hw, cpu, info, k.opts.Mem)
	if err != nil {
		return err
	}
	if m.FreeList().Free() == 0 {
		return errNoMemory
	}
	k.mem = m
	io.WriteString(k.console, m.MemoryMap())
	return nil
}

func (k *Kernel) initThreads(ctx context.Context) error {
	s, err := sched.New(k.hw, k.mem, k.opts.Sched)
	if err != nil {
		return err
	}
	k.sched = s
	if err := k.mem.StartWorker(ctx, s); err != nil {
		return err
	}
	s.Start()
	return nil
}

// Run makes the calling goroutine the idle thread of cpu. Processors
// other than the boot processor may call Run before Boot completes;
// they idle until the scheduler hands them threads. Run never returns.
func (k *Kernel) Run(cpu int) {
	for {
		k.hw.Halt(cpu)
	}
}

// Ready reports whether Boot has completed.
func (k *Kernel) Ready() bool {
	return k.ready.Load()
}

// Spawn starts a kernel thread.
func (k *Kernel) Spawn(ctx context.Context, p sched.Priority, name string, entry func(ctx context.Context)) (sched.ThreadHandle, error) {
	return k.sched.Spawn(ctx, p, name, entry)
}

func (k *Kernel) Info() *boot.Info {
	return k.info
}

func (k *Kernel) Memory() *mem.Manager {
	return k.mem
}

func (k *Kernel) Scheduler() *sched.Scheduler {
	return k.sched
}

func (k *Kernel) Console() *Console {
	return k.console
}

// Statistics describes the memory manager and the scheduler.
func (k *Kernel) Statistics() string {
	var sb strings.Builder
	if k.mem != nil {
		sb.WriteString(k.mem.Statistics())
	}
	if k.sched != nil {
		sb.WriteString(k.sched.Statistics())
	}
	return sb.String()
}

func (k *Kernel) fatalError(cpu int, err error) {
	switch err := err.(type) {
	case kernError:
		k.fatal(cpu, string(err))
	default:
		k.fatal(cpu, fmt.Sprintf("boot: %v", err))
	}
}

func (k *Kernel) fatal(cpu int, msg string) {
	k.hw.Fatal(cpu, msg)
}

func (k kernError) Error() string {
	return string(k)
}
