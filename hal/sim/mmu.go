// SPDX-License-Identifier: Unlicense OR MIT

package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"eliasnaur.com/kcore/hal"
)

const (
	ptePresent = 1 << 0
	pteLarge   = 1 << 7

	pteAddrMask = 0x0000_ffff_ffff_f000

	// Physical addresses above RAM are device memory, backed on
	// demand.
	maxPhys = 1 << 46
)

var (
	errUnaligned = errors.New("sim: unaligned word access")
	errClosed    = errors.New("sim: machine closed")
)

// tlb caches 4 KiB-granular translations of a core.
type tlb struct {
	mu      sync.Mutex
	entries map[hal.VirtualAddress]hal.PhysicalAddress
}

func (m *Machine) PageTableRoot(cpu int) hal.PhysicalAddress {
	return hal.PhysicalAddress(m.cores[cpu].root.Load())
}

func (m *Machine) SetPageTableRoot(cpu int, root hal.PhysicalAddress) {
	c := &m.cores[cpu]
	c.root.Store(uint64(root.Align()))
	c.tlb.flush()
}

func (m *Machine) InvalidateTLB(cpu int, va hal.VirtualAddress) {
	t := &m.cores[cpu].tlb
	t.mu.Lock()
	delete(t.entries, va.Align())
	t.mu.Unlock()
}

func (m *Machine) BroadcastInvalidateTLB() {
	for i := range m.cores {
		m.cores[i].tlb.flush()
	}
}

func (t *tlb) flush() {
	t.mu.Lock()
	for va := range t.entries {
		delete(t.entries, va)
	}
	t.mu.Unlock()
}

// Translate maps va to a physical address the way the MMU of cpu
// would, consulting its TLB first.
func (m *Machine) Translate(cpu int, va hal.VirtualAddress) (hal.PhysicalAddress, error) {
	c := &m.cores[cpu]
	page := va.Align()
	off := hal.PhysicalAddress(va - page)
	c.tlb.mu.Lock()
	pa, ok := c.tlb.entries[page]
	c.tlb.mu.Unlock()
	if ok {
		return pa + off, nil
	}
	pa, err := m.walk(cpu, page)
	if err != nil {
		return 0, err
	}
	c.tlb.mu.Lock()
	c.tlb.entries[page] = pa
	c.tlb.mu.Unlock()
	return pa + off, nil
}

func (m *Machine) walk(cpu int, va hal.VirtualAddress) (hal.PhysicalAddress, error) {
	// Non-canonical addresses fault at the top.
	if hi := int64(va) >> 47; hi != 0 && hi != -1 {
		return 0, &hal.PageFault{CPU: cpu, Addr: va, Level: 4}
	}
	table := hal.PhysicalAddress(m.cores[cpu].root.Load())
	for level := 4; level >= 1; level-- {
		shift := 12 + 9*uint(level-1)
		idx := uint64(va>>shift) & 511
		e, err := m.PhysLoad64(table + hal.PhysicalAddress(idx*8))
		if err != nil {
			return 0, err
		}
		if e&ptePresent == 0 {
			return 0, &hal.PageFault{CPU: cpu, Addr: va, Level: level}
		}
		if level == 1 || (level <= 3 && e&pteLarge != 0) {
			size := uint64(1) << shift
			base := e & pteAddrMask &^ (size - 1)
			return hal.PhysicalAddress(base + uint64(va)&(size-1)), nil
		}
		table = hal.PhysicalAddress(e & pteAddrMask)
	}
	panic("unreachable")
}

func (m *Machine) Load64(cpu int, va hal.VirtualAddress) (uint64, error) {
	if va&7 != 0 {
		return 0, errUnaligned
	}
	pa, err := m.Translate(cpu, va)
	if err != nil {
		return 0, err
	}
	return m.PhysLoad64(pa)
}

func (m *Machine) Store64(cpu int, va hal.VirtualAddress, v uint64) error {
	if va&7 != 0 {
		return errUnaligned
	}
	pa, err := m.Translate(cpu, va)
	if err != nil {
		return err
	}
	return m.PhysStore64(pa, v)
}

func (m *Machine) Fill(cpu int, va hal.VirtualAddress, n int, b byte) error {
	for n > 0 {
		pa, err := m.Translate(cpu, va)
		if err != nil {
			return err
		}
		chunk := int(va.Align() + hal.PageSize - va)
		if chunk > n {
			chunk = n
		}
		err = m.physAccess(pa, chunk, func(mem []byte) {
			for i := range mem {
				mem[i] = b
			}
		})
		if err != nil {
			return err
		}
		va += hal.VirtualAddress(chunk)
		n -= chunk
	}
	return nil
}

// PhysLoad64 reads physical memory directly, bypassing the MMU.
func (m *Machine) PhysLoad64(pa hal.PhysicalAddress) (uint64, error) {
	var v uint64
	err := m.physWord(pa, func(w *uint64) {
		v = atomic.LoadUint64(w)
	})
	return v, err
}

// PhysStore64 writes physical memory directly, bypassing the MMU.
func (m *Machine) PhysStore64(pa hal.PhysicalAddress, v uint64) error {
	return m.physWord(pa, func(w *uint64) {
		atomic.StoreUint64(w, v)
	})
}

func (m *Machine) physWord(pa hal.PhysicalAddress, f func(w *uint64)) error {
	if pa&7 != 0 {
		return errUnaligned
	}
	return m.physAccess(pa, 8, func(b []byte) {
		f((*uint64)(unsafe.Pointer(&b[0])))
	})
}

// physAccess calls f with the n bytes at pa. RAM stays mapped until f
// returns.
func (m *Machine) physAccess(pa hal.PhysicalAddress, n int, f func(b []byte)) error {
	m.ramMu.RLock()
	defer m.ramMu.RUnlock()
	if m.ram == nil {
		return errClosed
	}
	b, err := m.physBytes(pa, n)
	if err != nil {
		return err
	}
	f(b)
	return nil
}

// physBytes returns the n bytes at pa. The range must not cross a
// page boundary. The caller holds ramMu.
func (m *Machine) physBytes(pa hal.PhysicalAddress, n int) ([]byte, error) {
	if pa.Align() != (pa + hal.PhysicalAddress(n) - 1).Align() {
		return nil, fmt.Errorf("sim: physical access %#x+%d crosses a page", uint64(pa), n)
	}
	if uint64(pa) < uint64(len(m.ram)) {
		return m.ram[pa : int(pa)+n], nil
	}
	if pa >= maxPhys {
		return nil, fmt.Errorf("sim: physical address %#x out of range", uint64(pa))
	}
	m.devMu.Lock()
	page, ok := m.device[pa.Align()]
	if !ok {
		page = make([]byte, hal.PageSize)
		m.device[pa.Align()] = page
	}
	m.devMu.Unlock()
	off := int(pa - pa.Align())
	return page[off : off+n], nil
}
