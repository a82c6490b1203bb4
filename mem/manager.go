// SPDX-License-Identifier: Unlicense OR MIT

package mem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"eliasnaur.com/kcore/boot"
	"eliasnaur.com/kcore/hal"
	"eliasnaur.com/kcore/ksync"
	"eliasnaur.com/kcore/sched"
)

const (
	// DefaultQueueCapacity is the number of mapping requests that may
	// wait for the page worker.
	DefaultQueueCapacity = 100

	// realPages bounds the pages AllocReal hands out; the pages above
	// are claimed by the legacy BIOS area.
	realPages = 0xa0

	poison = 0xcc
)

type Options struct {
	// FreeListCapacity is the number of free ranges tracked. Defaults
	// to DefaultFreeListCapacity.
	FreeListCapacity int
	// QueueCapacity bounds the page worker queue. Defaults to
	// DefaultQueueCapacity.
	QueueCapacity int
	// Logf receives progress messages. Nil discards them.
	Logf func(format string, args ...interface{})
}

// Manager owns physical memory and the kernel page table. It comes up
// in two phases: NewManager makes the allocators and synchronous
// mapping available to the boot processor, and StartWorker moves every
// later page table change to a dedicated thread.
type Manager struct {
	hw      hal.Machine
	bootCPU int
	frames  *FreeList
	pages   *PageManager
	slab    *Slab
	real    boot.RealBitmap
	queue   *ksync.EventQueue[*asyncRequest]
	sched   atomic.Pointer[sched.Scheduler]
	logf    func(format string, args ...interface{})

	// tables serializes page table edits.
	tables ksync.Spinlock

	total    uint64
	reserved uint64
}

// NewManager builds the free list from the boot memory map and takes
// over the boot page table of cpu.
func NewManager(hw hal.Machine, cpu int, info *boot.Info, opts Options) (*Manager, error) {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	m := &Manager{
		hw:      hw,
		bootCPU: cpu,
		frames:  NewFreeList(opts.FreeListCapacity),
		real:    info.RealBitmap,
		queue:   ksync.NewEventQueue[*asyncRequest](opts.QueueCapacity),
		logf:    opts.Logf,
		total:   info.TotalMemorySize,
	}
	if m.logf == nil {
		m.logf = func(string, ...interface{}) {}
	}
	for _, d := range info.MemoryMap {
		if !d.Type.IsAvailable() {
			continue
		}
		if err := m.frames.Add(d.Base, d.Size()); err != nil {
			return nil, fmt.Errorf("mem: add %#x+%#x: %w", uint64(d.Base), d.Size(), err)
		}
	}
	if free := m.frames.Free(); free < m.total {
		m.reserved = m.total - free
	}
	m.pages = NewPageManager(hw, m.frames)
	if err := m.pages.Init(cpu); err != nil {
		return nil, err
	}
	m.slab = NewSlab(func() (hal.VirtualAddress, error) {
		pa, err := m.frames.Alloc(hal.PageSize)
		if err != nil {
			return 0, err
		}
		return DirectMap(pa), nil
	})
	m.logf("%d MB free of %d MB", m.frames.Free()>>20, m.total>>20)
	return m, nil
}

// StartWorker spawns the page worker on s. Afterwards Mmap must be
// called from threads of s.
func (m *Manager) StartWorker(ctx context.Context, s *sched.Scheduler) error {
	if !m.sched.CompareAndSwap(nil, s) {
		return fmt.Errorf("mem: page worker already started: %w", ErrUnexpected)
	}
	if _, err := s.Spawn(ctx, sched.Realtime, "Page Manager", m.worker); err != nil {
		m.sched.Store(nil)
		return fmt.Errorf("mem: start page worker: %w", err)
	}
	return nil
}

// worker carries out mapping requests one at a time.
func (m *Manager) worker(ctx context.Context) {
	s := m.sched.Load()
	m.logf("page worker started")
	for {
		r := m.queue.Wait(ctx, s)
		r.va, r.err = m.mapLocked(m.cpu(ctx), r.req)
		m.hw.BroadcastInvalidateTLB()
		r.done.Signal(s)
	}
}

// cpu returns the processor ctx runs on.
func (m *Manager) cpu(ctx context.Context) int {
	if s := m.sched.Load(); s != nil {
		if cpu, ok := s.CPU(ctx); ok {
			return cpu
		}
	}
	return m.bootCPU
}

// Mmap carries out req and returns the virtual address of the mapping.
// Once the page worker runs, the request is queued to it and Mmap
// blocks until it is done.
func (m *Manager) Mmap(ctx context.Context, req MappingRequest) (hal.VirtualAddress, error) {
	s := m.sched.Load()
	if s == nil {
		return m.mapLocked(m.bootCPU, req)
	}
	if s.Current(ctx) == 0 {
		return 0, fmt.Errorf("mem: mmap %v outside a thread: %w", req, ErrUnexpected)
	}
	r := &asyncRequest{req: req}
	if err := m.queue.Post(s, r); err != nil {
		return 0, fmt.Errorf("mem: mmap %v: %w", req, err)
	}
	r.done.Wait(ctx, s)
	return r.va, r.err
}

// mapLocked edits the page table with interrupts masked on cpu. It
// must not block.
func (m *Manager) mapLocked(cpu int, req MappingRequest) (hal.VirtualAddress, error) {
	g := m.tables.LockIRQ(m.hw, cpu)
	defer g.Unlock()
	return m.pages.Map(cpu, req)
}

// AllocPages returns size bytes of zeroed physical memory.
func (m *Manager) AllocPages(ctx context.Context, size uint64) (hal.PhysicalAddress, error) {
	return m.pages.allocZeroed(m.cpu(ctx), size)
}

// FreePages returns memory obtained from AllocPages.
func (m *Manager) FreePages(pa hal.PhysicalAddress, size uint64) {
	m.frames.Dealloc(pa, size)
}

// Zalloc returns zeroed kernel memory, from the slab for small sizes
// and whole pages otherwise.
func (m *Manager) Zalloc(ctx context.Context, size, align uint64) (hal.VirtualAddress, error) {
	if size == 0 || align&(align-1) != 0 {
		return 0, ErrInvalidArgument
	}
	cpu := m.cpu(ctx)
	va, err := m.slab.Alloc(size, align)
	switch {
	case err == nil:
		if err := m.hw.Fill(cpu, va, int(size), 0); err != nil {
			return 0, fmt.Errorf("mem: clear %#x: %w", uint64(va), err)
		}
		return va, nil
	case !errors.Is(err, ErrUnsupported):
		return 0, err
	case align > hal.PageSize:
		return 0, ErrUnsupported
	}
	pa, err := m.pages.allocZeroed(cpu, size)
	if err != nil {
		return 0, err
	}
	return DirectMap(pa), nil
}

// Zfree poisons and releases memory obtained from Zalloc with the
// same size and alignment.
func (m *Manager) Zfree(ctx context.Context, va hal.VirtualAddress, size, align uint64) error {
	if va == 0 || size == 0 {
		return ErrInvalidArgument
	}
	pa, ok := DirectUnmap(va)
	if !ok {
		return ErrInvalidArgument
	}
	cpu := m.cpu(ctx)
	if m.slab.Serves(size, align) {
		if err := m.hw.Fill(cpu, va, int(size), poison); err != nil {
			return fmt.Errorf("mem: poison %#x: %w", uint64(va), err)
		}
		return m.slab.Free(va, size, align)
	}
	if va != va.Align() {
		return ErrInvalidArgument
	}
	if err := m.hw.Fill(cpu, va, int(pageRound(size)), poison); err != nil {
		return fmt.Errorf("mem: poison %#x: %w", uint64(va), err)
	}
	m.frames.Dealloc(pa, size)
	return nil
}

// AllocReal claims a free page below 640 KiB for 16-bit code.
func (m *Manager) AllocReal() (hal.PhysicalAddress, error) {
	pa, ok := m.real.Claim(1, realPages)
	if !ok {
		return 0, ErrOutOfMemory
	}
	return pa, nil
}

// TotalMemorySize is the memory size reported by the firmware.
func (m *Manager) TotalMemorySize() uint64 {
	return m.total
}

// Reserved is the memory never entered in the free list.
func (m *Manager) Reserved() uint64 {
	return m.reserved
}

func (m *Manager) FreeList() *FreeList {
	return m.frames
}

func (m *Manager) PageManager() *PageManager {
	return m.pages
}

// Walk returns the page table entry translating va on the boot
// processor.
func (m *Manager) Walk(va hal.VirtualAddress) (PageTableEntry, Level, error) {
	return m.pages.Walk(m.bootCPU, va)
}

// Statistics describes the state of the allocators.
func (m *Manager) Statistics() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Total %d MB, Free Pages %d, Fragments %d, Max Free %d MB, Lost %d MB\n",
		m.total>>20,
		m.frames.Free()/hal.PageSize,
		m.frames.Fragments(),
		m.frames.MaxFree()>>20,
		(m.frames.Lost()+0xfffff)>>20,
	)
	stats := m.slab.Statistics()
	for len(stats) > 0 {
		n := 4
		if n > len(stats) {
			n = len(stats)
		}
		sb.WriteString("Slab")
		for _, s := range stats[:n] {
			fmt.Fprintf(&sb, " %4d: %4d/%4d", s.BlockSize, s.Used, s.Total)
		}
		sb.WriteString("\n")
		stats = stats[n:]
	}
	return sb.String()
}

// MemoryMap lists the free ranges.
func (m *Manager) MemoryMap() string {
	var sb strings.Builder
	for i, r := range m.frames.Ranges() {
		fmt.Fprintf(&sb, "MEM: %2d %08x-%08x (%08x)\n", i, uint64(r.Base), uint64(r.Base)+r.Size, r.Size)
	}
	return sb.String()
}
