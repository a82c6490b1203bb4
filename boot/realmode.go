// SPDX-License-Identifier: Unlicense OR MIT

package boot

import (
	"sync/atomic"

	"eliasnaur.com/kcore/hal"
)

// RealLimit is the end of the memory tracked by RealBitmap.
const RealLimit = 1 << 20

// RealBitmap tracks the free pages below 1 MiB, one bit per page, set
// when free. Those pages are never entered in the regular allocator so
// that they stay reachable by 16-bit code.
type RealBitmap struct {
	words [8]uint32
}

// Free marks the pages of [base, base+pages*PageSize) below RealLimit
// as free.
func (b *RealBitmap) Free(base hal.PhysicalAddress, pages uint32) {
	for i := uint32(0); i < pages; i++ {
		pa := base + hal.PhysicalAddress(i)*hal.PageSize
		if pa >= RealLimit {
			return
		}
		n := uint32(pa / hal.PageSize)
		w := &b.words[n/32]
		for {
			old := atomic.LoadUint32(w)
			if atomic.CompareAndSwapUint32(w, old, old|1<<(n%32)) {
				break
			}
		}
	}
}

// Claim atomically clears the lowest set bit in [first, limit) and
// returns the address of its page.
func (b *RealBitmap) Claim(first, limit int) (hal.PhysicalAddress, bool) {
	for n := first; n < limit && n < 256; n++ {
		w := &b.words[n/32]
		bit := uint32(1) << (n % 32)
		for {
			old := atomic.LoadUint32(w)
			if old&bit == 0 {
				break
			}
			if atomic.CompareAndSwapUint32(w, old, old&^bit) {
				return hal.PhysicalAddress(n) * hal.PageSize, true
			}
		}
	}
	return 0, false
}

// IsFree reports whether the page at pa is marked free.
func (b *RealBitmap) IsFree(pa hal.PhysicalAddress) bool {
	if pa >= RealLimit {
		return false
	}
	n := pa / hal.PageSize
	return atomic.LoadUint32(&b.words[n/32])&(1<<(n%32)) != 0
}

func (b *RealBitmap) snapshot() [8]uint32 {
	var s [8]uint32
	for i := range s {
		s[i] = atomic.LoadUint32(&b.words[i])
	}
	return s
}
