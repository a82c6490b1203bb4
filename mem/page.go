// SPDX-License-Identifier: Unlicense OR MIT

package mem

import (
	"fmt"

	"eliasnaur.com/kcore/hal"
)

// Attributes are the flag bits of a page table entry.
type Attributes uint64

// PageTableEntry is the hardware representation of a page table
// entry.
type PageTableEntry uint64

// Avl is the value of the three software-available entry bits.
type Avl uint64

// Level is a page table level; Level1 tables hold the 4 KiB leaves.
type Level int

// Protection is the access a mapping grants.
type Protection int

const (
	Present   Attributes = 1 << 0
	Write     Attributes = 1 << 1
	User      Attributes = 1 << 2
	PWT       Attributes = 1 << 3
	PCD       Attributes = 1 << 4
	Accessed  Attributes = 1 << 5
	Dirty     Attributes = 1 << 6
	Large     Attributes = 1 << 7
	Global    Attributes = 1 << 8
	AvlMask   Attributes = 0x7 << avlShift
	NoExecute Attributes = 1 << 63

	avlShift = 9

	// Page attribute table selectors, with the PAT programmed
	// WB, WT, WC, UC.
	CacheWriteBack    Attributes = 0
	CacheWriteThrough            = PWT
	CacheWriteCombine            = PCD
	CacheUncached                = PCD | PWT

	accessRights = Write | User | NoExecute
)

const (
	AvlFree Avl = iota
	AvlReserved
)

const (
	Level1 Level = 1 + iota
	Level2
	Level3
	Level4
)

const (
	ProtNone Protection = iota
	ProtRead
	ProtReadWrite
	ProtReadExec
)

const (
	addressBits = 0x0000_ffff_ffff_f000
	maxVA       = 0x0000_ffff_ffff_ffff

	indexMask    = 0x1ff
	tableEntries = 512

	pageSize2M = 1 << 21
)

// Top-level page table slots.
const (
	SlotUserMin   = 0x000
	SlotUserMax   = 0x0ff
	SlotDirectMap = 0x140
	SlotHeapMin   = 0x1fc
	SlotHeapMax   = 0x1fd
	SlotRecursive = 0x1fe
)

var (
	// DirectBase is where all of physical memory appears in the
	// virtual address space.
	DirectBase = Level4.Addr(SlotDirectMap)
	// DirectMapSize is the extent of the direct map, one top-level
	// slot.
	DirectMapSize = Level4.PageSize()

	userBase = Level4.Addr(SlotUserMin)
	userEnd  = Level4.Addr(SlotUserMax) + hal.VirtualAddress(Level4.PageSize())
	heapBase = Level4.Addr(SlotHeapMin)
	heapEnd  = Level4.Addr(SlotHeapMax)

	recursiveLV1 = Level4.Addr(SlotRecursive)
	recursiveLV2 = recursiveLV1 + Level3.Addr(SlotRecursive)
	recursiveLV3 = recursiveLV2 + Level2.Addr(SlotRecursive)
	recursiveLV4 = recursiveLV3 + Level1.Addr(SlotRecursive)
)

// Canonical reports whether bits 48-63 of va copy bit 47.
func Canonical(va hal.VirtualAddress) bool {
	top := va >> 47
	return top == 0 || top == 0x1_ffff
}

// DirectMap returns the virtual address of pa in the direct map.
func DirectMap(pa hal.PhysicalAddress) hal.VirtualAddress {
	return DirectBase + hal.VirtualAddress(pa)
}

// DirectUnmap is the inverse of DirectMap.
func DirectUnmap(va hal.VirtualAddress) (hal.PhysicalAddress, bool) {
	if va < DirectBase || uint64(va-DirectBase) >= DirectMapSize {
		return 0, false
	}
	return hal.PhysicalAddress(va - DirectBase), true
}

// RecursiveEntry returns the virtual address through which the level
// entry translating va is visible, courtesy of the recursive slot.
func RecursiveEntry(level Level, va hal.VirtualAddress) hal.VirtualAddress {
	base := [...]hal.VirtualAddress{
		Level1: recursiveLV1,
		Level2: recursiveLV2,
		Level3: recursiveLV3,
		Level4: recursiveLV4,
	}[level]
	return base + (va&maxVA)>>level.Shift()<<3
}

func (l Level) Shift() uint {
	return 12 + 9*uint(l-1)
}

// PageSize is the extent covered by one entry of a level table.
func (l Level) PageSize() uint64 {
	return 1 << l.Shift()
}

// Index returns the table index of va at level l.
func (l Level) Index(va hal.VirtualAddress) int {
	return int(va>>l.Shift()) & indexMask
}

// Addr returns the address selected by index at level l, sign
// extended for the upper half.
func (l Level) Addr(index int) hal.VirtualAddress {
	va := hal.VirtualAddress(index&indexMask) << l.Shift()
	if l == Level4 && index >= 0x100 {
		va |= 0xffff_0000_0000_0000
	}
	return va
}

func NewEntry(pa hal.PhysicalAddress, attr Attributes) PageTableEntry {
	return PageTableEntry(uint64(pa)&addressBits | uint64(attr))
}

func (e PageTableEntry) Present() bool {
	return e.Contains(Present)
}

func (e PageTableEntry) Contains(attr Attributes) bool {
	return Attributes(e)&attr == attr
}

func (e PageTableEntry) Address() hal.PhysicalAddress {
	return hal.PhysicalAddress(uint64(e) & addressBits)
}

func (e PageTableEntry) Attributes() Attributes {
	return Attributes(e) &^ addressBits
}

func (e PageTableEntry) AccessRights() Attributes {
	return Attributes(e) & accessRights
}

func (e PageTableEntry) Avl() Avl {
	return Avl(Attributes(e) & AvlMask >> avlShift)
}

// Advance moves the frame address of e forward by n bytes.
func (e PageTableEntry) Advance(n uint64) PageTableEntry {
	pa := uint64(e.Address()) + n
	return PageTableEntry(pa&addressBits | uint64(e)&^addressBits)
}

// Accept widens e so that it admits what attr admits: it clears
// NoExecute and sets Write when attr asks for it. Accept reports
// whether e changed.
func (e *PageTableEntry) Accept(attr Attributes) bool {
	changed := false
	if e.Contains(NoExecute) && attr&NoExecute == 0 {
		*e &^= PageTableEntry(NoExecute)
		changed = true
	}
	if !e.Contains(Write) && attr&Write != 0 {
		*e |= PageTableEntry(Write)
		changed = true
	}
	return changed
}

// SetAccessRights copies Present, Write and NoExecute from attr.
func (e *PageTableEntry) SetAccessRights(attr Attributes) {
	for _, flag := range []Attributes{Present, Write, NoExecute} {
		if attr&flag != 0 {
			*e |= PageTableEntry(flag)
		} else {
			*e &^= PageTableEntry(flag)
		}
	}
}

func (a Attributes) WithAvl(avl Avl) Attributes {
	return a&^AvlMask | Attributes(avl)<<avlShift&AvlMask
}

// Attributes returns the leaf attributes granting p.
func (p Protection) Attributes() Attributes {
	switch p {
	case ProtRead:
		return Present | NoExecute
	case ProtReadWrite:
		return Present | Write | NoExecute
	case ProtReadExec:
		return Present
	default:
		return 0
	}
}

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "none"
	case ProtRead:
		return "r"
	case ProtReadWrite:
		return "rw"
	case ProtReadExec:
		return "rx"
	default:
		return fmt.Sprintf("prot(%d)", int(p))
	}
}

func (e PageTableEntry) String() string {
	flags := []byte("-------")
	for i, f := range []struct {
		a Attributes
		c byte
	}{{Present, 'P'}, {Write, 'W'}, {User, 'U'}, {PCD, 'C'}, {Large, 'L'}, {Global, 'G'}, {NoExecute, 'X'}} {
		if e.Contains(f.a) {
			flags[i] = f.c
		}
	}
	return fmt.Sprintf("%#012x %s avl=%d", uint64(e.Address()), flags, e.Avl())
}
