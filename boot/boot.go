// SPDX-License-Identifier: Unlicense OR MIT

// Package boot decodes the descriptor block the boot loader hands to
// the kernel: the physical memory map, a few scalar facts about the
// machine and the real-mode page bitmap.
package boot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"eliasnaur.com/kcore/hal"
)

const (
	// Magic is "KCBI" in little endian.
	Magic   = 0x4942434b
	Version = 1

	headerSize     = 88
	descriptorSize = 16

	maxDescriptors = 4096
)

// MemoryType classifies a physical memory region.
type MemoryType uint32

const (
	Available MemoryType = iota
	OsLoaderCode
	OsLoaderData
	AcpiReclaim
	AcpiNonVolatile
	Mmio
	MmioPortSpace
	Reserved
	Unavailable
	FirmwareCode
	FirmwareData
)

var (
	ErrShortBuffer   = errors.New("boot: descriptor block too short")
	ErrBadMagic      = errors.New("boot: bad descriptor block magic")
	ErrVersion       = errors.New("boot: unsupported descriptor block version")
	ErrTooMany       = errors.New("boot: too many memory map descriptors")
	ErrUnalignedBase = errors.New("boot: memory map descriptor base not page aligned")
)

// Descriptor is one entry of the boot memory map.
type Descriptor struct {
	Base      hal.PhysicalAddress
	PageCount uint32
	Type      MemoryType
}

// Info is the decoded descriptor block.
type Info struct {
	TotalMemorySize   uint64
	KernelBase        hal.VirtualAddress
	PageTableRoot     hal.PhysicalAddress
	FramebufferBase   hal.PhysicalAddress
	FramebufferStride uint32
	ScreenWidth       uint16
	ScreenHeight      uint16
	// RealBitmap marks the free pages below 1 MiB.
	RealBitmap RealBitmap
	MemoryMap  []Descriptor
}

// header is the wire layout of the fixed part of the block.
type header struct {
	Magic             uint32
	Version           uint32
	TotalMemorySize   uint64
	KernelBase        uint64
	PageTableRoot     uint64
	FramebufferBase   uint64
	FramebufferStride uint32
	ScreenWidth       uint16
	ScreenHeight      uint16
	RealBitmap        [8]uint32
	MmapCount         uint32
	Flags             uint32
}

// Parse decodes a descriptor block.
func Parse(b []byte) (*Info, error) {
	if len(b) < headerSize {
		return nil, ErrShortBuffer
	}
	var h header
	if err := binary.Read(bytes.NewReader(b[:headerSize]), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("boot: header: %w", err)
	}
	if h.Magic != Magic {
		return nil, ErrBadMagic
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if h.MmapCount > maxDescriptors {
		return nil, ErrTooMany
	}
	n := int(h.MmapCount)
	if len(b)-headerSize < n*descriptorSize {
		return nil, ErrShortBuffer
	}
	info := &Info{
		TotalMemorySize:   h.TotalMemorySize,
		KernelBase:        hal.VirtualAddress(h.KernelBase),
		PageTableRoot:     hal.PhysicalAddress(h.PageTableRoot),
		FramebufferBase:   hal.PhysicalAddress(h.FramebufferBase),
		FramebufferStride: h.FramebufferStride,
		ScreenWidth:       h.ScreenWidth,
		ScreenHeight:      h.ScreenHeight,
		MemoryMap:         make([]Descriptor, n),
	}
	info.RealBitmap.words = h.RealBitmap
	r := bytes.NewReader(b[headerSize : headerSize+n*descriptorSize])
	if err := binary.Read(r, binary.LittleEndian, info.MemoryMap); err != nil {
		return nil, fmt.Errorf("boot: memory map: %w", err)
	}
	for i, d := range info.MemoryMap {
		if d.Base != d.Base.Align() {
			return nil, fmt.Errorf("%w: entry %d at %#x", ErrUnalignedBase, i, uint64(d.Base))
		}
	}
	return info, nil
}

// MarshalBinary encodes the block in the layout Parse reads.
func (info *Info) MarshalBinary() ([]byte, error) {
	if len(info.MemoryMap) > maxDescriptors {
		return nil, ErrTooMany
	}
	h := header{
		Magic:             Magic,
		Version:           Version,
		TotalMemorySize:   info.TotalMemorySize,
		KernelBase:        uint64(info.KernelBase),
		PageTableRoot:     uint64(info.PageTableRoot),
		FramebufferBase:   uint64(info.FramebufferBase),
		FramebufferStride: info.FramebufferStride,
		ScreenWidth:       info.ScreenWidth,
		ScreenHeight:      info.ScreenHeight,
		RealBitmap:        info.RealBitmap.snapshot(),
		MmapCount:         uint32(len(info.MemoryMap)),
	}
	var buf bytes.Buffer
	buf.Grow(headerSize + len(info.MemoryMap)*descriptorSize)
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, info.MemoryMap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AddRegion appends a region to the memory map, extending the last
// entry instead when both are Available and contiguous.
func (info *Info) AddRegion(base hal.PhysicalAddress, pages uint32, t MemoryType) {
	d := Descriptor{Base: base, PageCount: pages, Type: t}
	if n := len(info.MemoryMap); n > 0 {
		last := &info.MemoryMap[n-1]
		if last.Type == Available && t == Available && last.End() == base {
			last.PageCount += pages
			return
		}
	}
	info.MemoryMap = append(info.MemoryMap, d)
}

// End returns the first address past the region.
func (d Descriptor) End() hal.PhysicalAddress {
	return d.Base + hal.PhysicalAddress(d.Size())
}

func (d Descriptor) Size() uint64 {
	return uint64(d.PageCount) * hal.PageSize
}

// IsAvailable reports whether the region is conventional memory the
// kernel may use at runtime.
func (t MemoryType) IsAvailable() bool {
	return t == Available
}

// IsCountable reports whether the region counts towards the total
// memory size.
func (t MemoryType) IsCountable() bool {
	switch t {
	case Available, OsLoaderCode, OsLoaderData, AcpiReclaim, FirmwareCode, FirmwareData:
		return true
	default:
		return false
	}
}

func (t MemoryType) String() string {
	switch t {
	case Available:
		return "available"
	case OsLoaderCode:
		return "loader code"
	case OsLoaderData:
		return "loader data"
	case AcpiReclaim:
		return "ACPI reclaim"
	case AcpiNonVolatile:
		return "ACPI NVS"
	case Mmio:
		return "MMIO"
	case MmioPortSpace:
		return "MMIO port space"
	case Reserved:
		return "reserved"
	case Unavailable:
		return "unavailable"
	case FirmwareCode:
		return "firmware code"
	case FirmwareData:
		return "firmware data"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}
