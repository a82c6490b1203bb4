// SPDX-License-Identifier: Unlicense OR MIT

package mem

import (
	"fmt"

	"eliasnaur.com/kcore/hal"
	"eliasnaur.com/kcore/ksync"
)

// RequestKind selects what a MappingRequest maps.
type RequestKind int

const (
	// MapMmio maps device registers uncached into the direct map.
	MapMmio RequestKind = iota
	// MapFramebuffer maps a framebuffer write-combined into the
	// direct map with 2 MiB pages.
	MapFramebuffer
	// MapKernel backs a kernel heap range with fresh pages.
	MapKernel
	// MapUser backs a user range with fresh pages.
	MapUser
	// Protect changes the protection of mapped pages.
	Protect
)

// MappingRequest describes a change to the page tables.
type MappingRequest struct {
	Kind RequestKind
	// PA is the physical base of MapMmio and MapFramebuffer requests.
	PA hal.PhysicalAddress
	// VA is the virtual base of the other kinds.
	VA   hal.VirtualAddress
	Len  uint64
	Prot Protection
}

// asyncRequest is a MappingRequest in flight to the page worker.
type asyncRequest struct {
	req  MappingRequest
	va   hal.VirtualAddress
	err  error
	done ksync.Semaphore
}

func MmioRequest(pa hal.PhysicalAddress, n uint64) MappingRequest {
	return MappingRequest{Kind: MapMmio, PA: pa, Len: n}
}

func FramebufferRequest(pa hal.PhysicalAddress, n uint64) MappingRequest {
	return MappingRequest{Kind: MapFramebuffer, PA: pa, Len: n}
}

func KernelRequest(va hal.VirtualAddress, n uint64, prot Protection) MappingRequest {
	return MappingRequest{Kind: MapKernel, VA: va, Len: n, Prot: prot}
}

func UserRequest(va hal.VirtualAddress, n uint64, prot Protection) MappingRequest {
	return MappingRequest{Kind: MapUser, VA: va, Len: n, Prot: prot}
}

func ProtectRequest(va hal.VirtualAddress, n uint64, prot Protection) MappingRequest {
	return MappingRequest{Kind: Protect, VA: va, Len: n, Prot: prot}
}

func (k RequestKind) String() string {
	switch k {
	case MapMmio:
		return "mmio"
	case MapFramebuffer:
		return "framebuffer"
	case MapKernel:
		return "kernel"
	case MapUser:
		return "user"
	case Protect:
		return "mprotect"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (r MappingRequest) String() string {
	switch r.Kind {
	case MapMmio, MapFramebuffer:
		return fmt.Sprintf("%v %#x+%#x", r.Kind, uint64(r.PA), r.Len)
	default:
		return fmt.Sprintf("%v %#x+%#x %v", r.Kind, uint64(r.VA), r.Len, r.Prot)
	}
}
