// SPDX-License-Identifier: Unlicense OR MIT

// Package hal is the boundary between the kernel core and the
// processor. The memory manager and the scheduler reach the hardware
// only through these interfaces, never by issuing architecture
// specific instructions themselves.
package hal

import (
	"fmt"
	"time"
)

const PageSize = 1 << 12

type PhysicalAddress uint64

type VirtualAddress uint64

// Paging is the MMU side of a processor.
type Paging interface {
	// PageTableRoot returns the physical address of the active
	// top-level page table on cpu.
	PageTableRoot(cpu int) PhysicalAddress
	// SetPageTableRoot activates a page table on cpu and flushes
	// its TLB.
	SetPageTableRoot(cpu int, root PhysicalAddress)
	// InvalidateTLB drops the translation of the page containing va
	// from the TLB of cpu.
	InvalidateTLB(cpu int, va VirtualAddress)
	// BroadcastInvalidateTLB flushes the TLB of every processor.
	BroadcastInvalidateTLB()

	// Load64 reads the 64-bit word at va as translated by cpu.
	Load64(cpu int, va VirtualAddress) (uint64, error)
	// Store64 writes the 64-bit word at va as translated by cpu.
	Store64(cpu int, va VirtualAddress, v uint64) error
	// Fill sets n bytes starting at va to b.
	Fill(cpu int, va VirtualAddress, n int, b byte) error
}

// Interrupts controls interrupt delivery on a processor.
type Interrupts interface {
	// DisableInterrupts masks interrupts on cpu and reports whether
	// they were enabled before.
	DisableInterrupts(cpu int) bool
	// RestoreInterrupts sets the interrupt mask of cpu to enabled.
	RestoreInterrupts(cpu int, enabled bool)
	InterruptsEnabled(cpu int) bool
	// SetTimerHandler installs the periodic timer interrupt handler.
	// The handler runs on the interrupted thread with interrupts
	// masked. It may switch away; it returns the processor the
	// interrupted thread resumed on, where interrupts are unmasked
	// again.
	SetTimerHandler(h func(cpu int) int)
	// Poll delivers a timer interrupt that became pending on cpu
	// while the running thread was busy. It returns the processor the
	// caller runs on afterwards.
	Poll(cpu int) int
	// Halt idles cpu until the next interrupt and delivers it.
	Halt(cpu int) int
}

// Switcher saves and restores execution contexts.
type Switcher interface {
	// NewContext primes a context such that resuming it calls entry
	// with the index of the processor it runs on. The entry runs with
	// interrupts masked.
	NewContext(stackTop VirtualAddress, entry func(cpu int)) *Context
	// SwitchContext saves the running context into old and resumes
	// new on cpu. It returns once some processor resumes old, with
	// the index of that processor.
	SwitchContext(cpu int, old, new *Context) int
	// ExitContext resumes new on cpu and discards old for good. It
	// never returns to old.
	ExitContext(cpu int, old, new *Context)
}

// Clock is a monotonic time source.
type Clock interface {
	Monotonic() time.Duration
}

// Machine is everything the kernel core needs from the hardware.
type Machine interface {
	Paging
	Interrupts
	Switcher
	Clock

	NumCPUs() int
	// Fatal halts the kernel after printing msg. It does not return.
	Fatal(cpu int, msg string)
}

// Context is the opaque saved hardware state of a thread. Only the
// Switcher implementation looks inside.
type Context struct {
	StackTop VirtualAddress
	// Impl belongs to the Switcher.
	Impl interface{}
}

// PageFault is returned by virtual memory accesses that hit a
// non-present translation.
type PageFault struct {
	CPU  int
	Addr VirtualAddress
	// Level is the page table level whose entry was not present.
	Level int
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("hal: page fault at %#x on cpu %d (level %d entry not present)", uint64(f.Addr), f.CPU, f.Level)
}

// Align rounds a down to the page size.
func (a VirtualAddress) Align() VirtualAddress {
	return a &^ VirtualAddress(PageSize-1)
}

// AlignUp rounds a up to the page size.
func (a VirtualAddress) AlignUp() VirtualAddress {
	return (a + PageSize - 1) &^ VirtualAddress(PageSize-1)
}

func (a PhysicalAddress) Align() PhysicalAddress {
	return a &^ PhysicalAddress(PageSize-1)
}

func (a PhysicalAddress) AlignUp() PhysicalAddress {
	return (a + PageSize - 1) &^ PhysicalAddress(PageSize-1)
}
