// SPDX-License-Identifier: Unlicense OR MIT

package sim

import (
	"fmt"

	"eliasnaur.com/kcore/boot"
	"eliasnaur.com/kcore/hal"
)

// Physical layout established by the firmware.
const (
	KernelBase hal.VirtualAddress = 0xffff_8000_0000_0000

	realTop        = 0x9_f000
	kernelPhys     = 0x10_0000
	kernelSize     = 1 << 20
	loaderDataPhys = 0x20_0000
	loaderDataSize = 2 << 20
	firmwareSize   = 1 << 20

	FramebufferBase hal.PhysicalAddress = 0x8000_0000
	ScreenWidth                         = 1024
	ScreenHeight                        = 768

	IOAPICBase hal.PhysicalAddress = 0xfec0_0000
)

const (
	fwPresent = 1 << 0
	fwWrite   = 1 << 1
	fwLarge   = 1 << 7

	largePageSize = 2 << 20
)

// LoadFirmware plays the boot loader: it builds the boot page table,
// activates it on every core and returns the encoded boot descriptor
// block.
//
// The identity map covers RAM only, with 2 MiB pages. Device ranges
// are left unmapped so that the kernel can map them at 4 KiB
// granularity.
func (m *Machine) LoadFirmware() ([]byte, error) {
	ram := m.RAMSize()
	next := hal.PhysicalAddress(loaderDataPhys)
	allocTable := func() (hal.PhysicalAddress, error) {
		if next >= loaderDataPhys+loaderDataSize {
			return 0, fmt.Errorf("sim: firmware page table area exhausted")
		}
		pa := next
		next += hal.PageSize
		for off := hal.PhysicalAddress(0); off < hal.PageSize; off += 8 {
			if err := m.PhysStore64(pa+off, 0); err != nil {
				return 0, err
			}
		}
		return pa, nil
	}
	// table returns the table an entry points to, creating it when the
	// entry is empty.
	table := func(parent hal.PhysicalAddress, idx uint64) (hal.PhysicalAddress, error) {
		slot := parent + hal.PhysicalAddress(idx*8)
		e, err := m.PhysLoad64(slot)
		if err != nil {
			return 0, err
		}
		if e&fwPresent != 0 {
			return hal.PhysicalAddress(e & pteAddrMask), nil
		}
		t, err := allocTable()
		if err != nil {
			return 0, err
		}
		return t, m.PhysStore64(slot, uint64(t)|fwPresent|fwWrite)
	}
	index := func(va uint64, level uint) uint64 {
		return va >> (12 + 9*(level-1)) & 511
	}

	root, err := allocTable()
	if err != nil {
		return nil, err
	}
	for pa := uint64(0); pa < ram; pa += largePageSize {
		pdpt, err := table(root, index(pa, 4))
		if err != nil {
			return nil, err
		}
		pd, err := table(pdpt, index(pa, 3))
		if err != nil {
			return nil, err
		}
		if err := m.PhysStore64(pd+hal.PhysicalAddress(index(pa, 2)*8), pa|fwPresent|fwWrite|fwLarge); err != nil {
			return nil, err
		}
	}
	for off := uint64(0); off < kernelSize; off += hal.PageSize {
		va := uint64(KernelBase) + off
		t := root
		for level := uint(4); level > 1; level-- {
			if t, err = table(t, index(va, level)); err != nil {
				return nil, err
			}
		}
		if err := m.PhysStore64(t+hal.PhysicalAddress(index(va, 1)*8), (kernelPhys+off)|fwPresent|fwWrite); err != nil {
			return nil, err
		}
	}
	for cpu := range m.cores {
		m.SetPageTableRoot(cpu, root)
	}

	info := &boot.Info{
		KernelBase:        KernelBase,
		PageTableRoot:     root,
		FramebufferBase:   FramebufferBase,
		FramebufferStride: ScreenWidth,
		ScreenWidth:       ScreenWidth,
		ScreenHeight:      ScreenHeight,
	}
	info.RealBitmap.Free(0, realTop/hal.PageSize)
	pages := func(n uint64) uint32 { return uint32(n / hal.PageSize) }
	info.AddRegion(realTop, pages(kernelPhys-realTop), boot.Reserved)
	info.AddRegion(kernelPhys, pages(kernelSize), boot.OsLoaderCode)
	info.AddRegion(loaderDataPhys, pages(loaderDataSize), boot.OsLoaderData)
	// Available memory is reported in 1 MiB pieces, as firmware tends
	// to; AddRegion coalesces them.
	firmware := hal.PhysicalAddress(ram - firmwareSize)
	for pa := hal.PhysicalAddress(loaderDataPhys + loaderDataSize); pa < firmware; pa += 1 << 20 {
		info.AddRegion(pa, pages(1<<20), boot.Available)
	}
	info.AddRegion(firmware, pages(firmwareSize), boot.FirmwareData)
	info.AddRegion(IOAPICBase, 1, boot.Mmio)
	for _, d := range info.MemoryMap {
		if d.Type.IsCountable() {
			info.TotalMemorySize += d.Size()
		}
	}
	info.TotalMemorySize += realTop
	return info.MarshalBinary()
}
