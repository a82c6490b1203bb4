// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"io"

	"golang.org/x/exp/slices"

	"eliasnaur.com/kcore/hal"
	"eliasnaur.com/kcore/mem"
)

type pageTableRange struct {
	vaddr hal.VirtualAddress
	paddr hal.PhysicalAddress
	size  uint64
}

// Verify checks the page table of cpu. Outside the identity and direct
// maps no two pages may share a frame, and no mapped frame may be on
// the free list.
func (k *Kernel) Verify(cpu int) error {
	entries, err := k.dumpPageTable(cpu)
	if err != nil {
		return err
	}
	return verifyPageTable(entries, k.mem.FreeList().Ranges())
}

// DumpPageTable writes the mappings of cpu, merging runs that are
// contiguous in both address spaces.
func (k *Kernel) DumpPageTable(w io.Writer, cpu int) error {
	entries, err := k.dumpPageTable(cpu)
	if err != nil {
		return err
	}
	var run pageTableRange
	for _, e := range entries {
		if run.size > 0 &&
			run.vaddr+hal.VirtualAddress(run.size) == e.vaddr &&
			run.paddr+hal.PhysicalAddress(run.size) == e.paddr {
			run.size += e.size
			continue
		}
		if run.size > 0 {
			dumpPageEntry(w, run)
		}
		run = e
	}
	if run.size > 0 {
		dumpPageEntry(w, run)
	}
	return nil
}

func verifyPageTable(entries []pageTableRange, free []mem.Range) error {
	type addrRange struct {
		start uint64
		end   uint64
		r     pageTableRange
		free  bool
	}
	var pranges []addrRange
	for _, e := range entries {
		// The identity and direct maps alias every frame.
		if uint64(e.vaddr) == uint64(e.paddr) || mem.Level4.Index(e.vaddr) == mem.SlotDirectMap {
			continue
		}
		pranges = append(pranges, addrRange{
			start: uint64(e.paddr),
			end:   uint64(e.paddr) + e.size,
			r:     e,
		})
	}
	for _, f := range free {
		if f.Size == 0 {
			continue
		}
		pranges = append(pranges, addrRange{
			start: uint64(f.Base),
			end:   uint64(f.Base) + f.Size,
			free:  true,
		})
	}
	slices.SortFunc(pranges, func(r1, r2 addrRange) int {
		switch {
		case r1.start < r2.start:
			return -1
		case r1.start > r2.start:
			return 1
		case r1.end < r2.end:
			return -1
		case r1.end > r2.end:
			return 1
		}
		return 0
	})
	for i := 0; i < len(pranges)-1; i++ {
		r1, r2 := pranges[i], pranges[i+1]
		if r1.end <= r2.start {
			continue
		}
		switch {
		case r1.free:
			return fmt.Errorf("kernel: free frames %#x-%#x mapped at %#x", r1.start, r1.end, uint64(r2.r.vaddr))
		case r2.free:
			return fmt.Errorf("kernel: free frames %#x-%#x mapped at %#x", r2.start, r2.end, uint64(r1.r.vaddr))
		default:
			return fmt.Errorf("kernel: overlapping range: %#x and %#x both map %#x", uint64(r1.r.vaddr), uint64(r2.r.vaddr), r2.start)
		}
	}
	return nil
}

// dumpPageTable lists the pages mapped by the active page table of
// cpu in address order. Tables are read through the direct map; the
// recursive slot and the direct map itself are skipped.
func (k *Kernel) dumpPageTable(cpu int) ([]pageTableRange, error) {
	var entries []pageTableRange
	var walk func(table hal.PhysicalAddress, level mem.Level, base hal.VirtualAddress) error
	walk = func(table hal.PhysicalAddress, level mem.Level, base hal.VirtualAddress) error {
		for i := 0; i < 512; i++ {
			if level == mem.Level4 && (i == mem.SlotRecursive || i == mem.SlotDirectMap) {
				continue
			}
			v, err := k.hw.Load64(cpu, mem.DirectMap(table+hal.PhysicalAddress(i*8)))
			if err != nil {
				return err
			}
			e := mem.PageTableEntry(v)
			if !e.Present() {
				continue
			}
			vaddr := base + level.Addr(i)
			if level == mem.Level1 || (level <= mem.Level3 && e.Contains(mem.Large)) {
				size := level.PageSize()
				paddr := e.Address() &^ hal.PhysicalAddress(size-1)
				entries = append(entries, pageTableRange{vaddr, paddr, size})
				continue
			}
			if err := walk(e.Address(), level-1, vaddr); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(k.hw.PageTableRoot(cpu), mem.Level4, 0); err != nil {
		return nil, err
	}
	return entries, nil
}

func dumpPageEntry(w io.Writer, r pageTableRange) {
	fmt.Fprintf(w, "mapping vaddr: %#x paddr: %#x size %#x\n", uint64(r.vaddr), uint64(r.paddr), r.size)
}
