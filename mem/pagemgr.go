// SPDX-License-Identifier: Unlicense OR MIT

package mem

import (
	"fmt"

	"eliasnaur.com/kcore/hal"
)

// PageManager edits the active 4-level page table. Entries are read
// and written through the recursive slot; new tables are cleared
// through the direct map. A PageManager is not safe for concurrent
// use: at most one mapping may be in flight.
type PageManager struct {
	hw     hal.Paging
	frames *FreeList
}

func NewPageManager(hw hal.Paging, frames *FreeList) *PageManager {
	return &PageManager{hw: hw, frames: frames}
}

// Init installs the recursive slot and the direct map in the boot page
// table of cpu. The boot table must identity map its own page.
func (pm *PageManager) Init(cpu int) error {
	root := pm.hw.PageTableRoot(cpu)
	slot := func(i int) hal.VirtualAddress {
		return hal.VirtualAddress(root) + hal.VirtualAddress(i*8)
	}
	recursive := NewEntry(root, NoExecute|Write|Present)
	if err := pm.hw.Store64(cpu, slot(SlotRecursive), uint64(recursive)); err != nil {
		return fmt.Errorf("mem: install recursive entry: %w", err)
	}
	// The direct map shares the tables of the identity map.
	identity, err := pm.hw.Load64(cpu, slot(0))
	if err != nil {
		return fmt.Errorf("mem: read identity map: %w", err)
	}
	if !PageTableEntry(identity).Present() {
		return fmt.Errorf("mem: boot page table has no identity map: %w", ErrUnexpected)
	}
	direct := PageTableEntry(identity) | PageTableEntry(NoExecute|Write|Present)
	if err := pm.hw.Store64(cpu, slot(SlotDirectMap), uint64(direct)); err != nil {
		return fmt.Errorf("mem: install direct map: %w", err)
	}
	pm.hw.BroadcastInvalidateTLB()
	return nil
}

// Map carries out a mapping request and returns the virtual address
// of the result.
func (pm *PageManager) Map(cpu int, req MappingRequest) (hal.VirtualAddress, error) {
	if req.Len == 0 {
		return 0, ErrInvalidArgument
	}
	switch req.Kind {
	case MapMmio:
		va := DirectMap(req.PA)
		attr := NoExecute | CacheUncached | Write | Present
		return va, pm.mapRange(cpu, va, req.Len, NewEntry(req.PA, attr))
	case MapFramebuffer:
		va := DirectMap(req.PA)
		attr := NoExecute | Large | CacheWriteCombine | Write | User | Present
		return va, pm.mapRange(cpu, va, req.Len, NewEntry(req.PA, attr))
	case MapKernel:
		if !inWindow(req.VA, req.Len, heapBase, heapEnd) {
			return 0, ErrInvalidArgument
		}
		return pm.mapFresh(cpu, req.VA, req.Len, req.Prot.Attributes())
	case MapUser:
		if !inWindow(req.VA, req.Len, userBase, userEnd) {
			return 0, ErrInvalidArgument
		}
		attr := (req.Prot.Attributes() | User).WithAvl(AvlReserved)
		return pm.mapFresh(cpu, req.VA, req.Len, attr)
	case Protect:
		if !canonicalRange(req.VA, req.Len) {
			return 0, ErrInvalidArgument
		}
		return req.VA, pm.protect(cpu, req.VA, req.Len, req.Prot)
	default:
		return 0, ErrUnsupported
	}
}

// inWindow reports whether [va, va+n) lies within [lo, hi).
func inWindow(va hal.VirtualAddress, n uint64, lo, hi hal.VirtualAddress) bool {
	end := va + hal.VirtualAddress(n)
	return va >= lo && end > va && end <= hi
}

// canonicalRange reports whether [va, va+n) lies within one canonical
// half of the address space.
func canonicalRange(va hal.VirtualAddress, n uint64) bool {
	last := va + hal.VirtualAddress(n) - 1
	return n > 0 && last >= va && Canonical(va) && Canonical(last) && va>>47 == last>>47
}

// mapFresh backs [va, va+n) with newly allocated zeroed pages.
func (pm *PageManager) mapFresh(cpu int, va hal.VirtualAddress, n uint64, attr Attributes) (hal.VirtualAddress, error) {
	pa, err := pm.allocZeroed(cpu, n)
	if err != nil {
		return 0, err
	}
	if err := pm.mapRange(cpu, va, n, NewEntry(pa, attr)); err != nil {
		pm.frames.Dealloc(pa, n)
		return 0, err
	}
	return va, nil
}

// allocZeroed allocates physical pages and clears them through the
// direct map.
func (pm *PageManager) allocZeroed(cpu int, n uint64) (hal.PhysicalAddress, error) {
	pa, err := pm.frames.Alloc(n)
	if err != nil {
		return 0, err
	}
	if err := pm.hw.Fill(cpu, DirectMap(pa), int(pageRound(n)), 0); err != nil {
		pm.frames.Dealloc(pa, n)
		return 0, fmt.Errorf("mem: clear %#x: %w", uint64(pa), err)
	}
	return pa, nil
}

// mapRange maps n bytes at va to consecutive frames starting with the
// frame of template, using 2 MiB pages if template is Large.
func (pm *PageManager) mapRange(cpu int, va hal.VirtualAddress, n uint64, template PageTableEntry) error {
	leaf, size := Level1, uint64(hal.PageSize)
	if template.Contains(Large) {
		leaf, size = Level2, pageSize2M
	}
	if uint64(va)&(size-1) != 0 {
		return fmt.Errorf("mem: map %#x: unaligned: %w", uint64(va), ErrInvalidArgument)
	}
	count := (n + size - 1) / size
	for i := uint64(0); i < count; i++ {
		parent := template.Attributes() | Present | Write
		for level := Level4; level > leaf; level-- {
			if level == Level2 {
				pde, err := pm.load(cpu, RecursiveEntry(Level2, va))
				if err != nil {
					return err
				}
				if pde.Contains(Large) {
					return fmt.Errorf("mem: map %#x: 2 MiB page in the way (%v): %w", uint64(va), pde, ErrUnexpected)
				}
			}
			if err := pm.mapTable(cpu, va, level, parent); err != nil {
				return err
			}
		}
		entry := RecursiveEntry(leaf, va)
		if leaf == Level2 {
			pde, err := pm.load(cpu, entry)
			if err != nil {
				return err
			}
			if pde.Present() && !pde.Contains(Large) {
				return fmt.Errorf("mem: map %#x: page table in the way (%v): %w", uint64(va), pde, ErrUnexpected)
			}
		}
		if err := pm.store(cpu, entry, template); err != nil {
			return err
		}
		pm.hw.InvalidateTLB(cpu, va)
		va += hal.VirtualAddress(size)
		template = template.Advance(size)
	}
	return nil
}

// mapTable makes sure the level entry for va points to a table that
// admits attr, allocating the table if necessary.
func (pm *PageManager) mapTable(cpu int, va hal.VirtualAddress, level Level, attr Attributes) error {
	ptr := RecursiveEntry(level, va)
	e, err := pm.load(cpu, ptr)
	if err != nil {
		return err
	}
	if e.Present() {
		if e.Accept(attr & accessRights) {
			if err := pm.store(cpu, ptr, e); err != nil {
				return err
			}
			pm.hw.InvalidateTLB(cpu, va)
		}
		return nil
	}
	pa, err := pm.allocZeroed(cpu, hal.PageSize)
	if err != nil {
		return err
	}
	if err := pm.store(cpu, ptr, NewEntry(pa, Present|attr&accessRights)); err != nil {
		return err
	}
	pm.hw.InvalidateTLB(cpu, va)
	return nil
}

// protect changes the access rights of the 4 KiB leaves in
// [va, va+n). Nothing changes unless every page is mapped.
func (pm *PageManager) protect(cpu int, va hal.VirtualAddress, n uint64, prot Protection) error {
	n = pageRound(n)
	for p := va; p < va+hal.VirtualAddress(n); p += hal.PageSize {
		for level := Level4; level >= Level1; level-- {
			e, err := pm.load(cpu, RecursiveEntry(level, p))
			if err != nil {
				return err
			}
			// Leaves made inaccessible keep their frame.
			if (level > Level1 && !e.Present()) || e == 0 {
				return &UnmappedError{VA: p}
			}
			if level > Level1 && e.Contains(Large) {
				return fmt.Errorf("mem: protect %#x: large page: %w", uint64(p), ErrUnsupported)
			}
		}
	}
	attr := prot.Attributes() &^ Large
	parent := attr | Write
	for p := va; p < va+hal.VirtualAddress(n); p += hal.PageSize {
		for level := Level4; level > Level1; level-- {
			ptr := RecursiveEntry(level, p)
			e, err := pm.load(cpu, ptr)
			if err != nil {
				return err
			}
			if e.Accept(parent) {
				if err := pm.store(cpu, ptr, e); err != nil {
					return err
				}
			}
			pm.hw.InvalidateTLB(cpu, p)
		}
		ptr := RecursiveEntry(Level1, p)
		e, err := pm.load(cpu, ptr)
		if err != nil {
			return err
		}
		e.SetAccessRights(attr)
		if err := pm.store(cpu, ptr, e); err != nil {
			return err
		}
		pm.hw.InvalidateTLB(cpu, p)
	}
	return nil
}

// Walk returns the entry translating va and its level. The walk stops
// at the first entry that is not present or maps a large page.
func (pm *PageManager) Walk(cpu int, va hal.VirtualAddress) (PageTableEntry, Level, error) {
	for level := Level4; ; level-- {
		e, err := pm.load(cpu, RecursiveEntry(level, va))
		if err != nil {
			return 0, level, err
		}
		if level == Level1 || !e.Present() || (level <= Level3 && e.Contains(Large)) {
			return e, level, nil
		}
	}
}

func (pm *PageManager) load(cpu int, ptr hal.VirtualAddress) (PageTableEntry, error) {
	v, err := pm.hw.Load64(cpu, ptr)
	if err != nil {
		return 0, fmt.Errorf("mem: read page table entry: %w", err)
	}
	return PageTableEntry(v), nil
}

func (pm *PageManager) store(cpu int, ptr hal.VirtualAddress, e PageTableEntry) error {
	if err := pm.hw.Store64(cpu, ptr, uint64(e)); err != nil {
		return fmt.Errorf("mem: write page table entry: %w", err)
	}
	return nil
}
