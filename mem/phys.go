// SPDX-License-Identifier: Unlicense OR MIT

package mem

import (
	"sync/atomic"

	"golang.org/x/exp/slices"

	"eliasnaur.com/kcore/hal"
	"eliasnaur.com/kcore/ksync"
)

// DefaultFreeListCapacity is the number of free ranges a FreeList
// tracks.
const DefaultFreeListCapacity = 1024

// freePair packs a free range in a word: the page number in the low
// 32 bits, the page count in the high 32 bits. A zero count is an
// empty slot.
type freePair uint64

// Range is a free physical memory range.
type Range struct {
	Base hal.PhysicalAddress
	Size uint64
}

// FreeList is the physical page allocator: a fixed table of free
// ranges, each updated by compare-and-swap. Allocations only share
// the table, so concurrent allocators race on the individual entries
// and never receive overlapping memory. Deallocation reorganizes the
// table and excludes everyone else.
type FreeList struct {
	lock  ksync.RWSpinlock
	pairs []atomic.Uint64
	// n is the number of slots in use, empty or not.
	n int

	free      atomic.Uint64
	lost      atomic.Uint64
	fragments atomic.Int64
}

func newPair(base hal.PhysicalAddress, size uint64) freePair {
	return freePair(uint64(base)/hal.PageSize | size/hal.PageSize<<32)
}

func (p freePair) base() hal.PhysicalAddress {
	return hal.PhysicalAddress(uint64(p)&0xffff_ffff) * hal.PageSize
}

func (p freePair) size() uint64 {
	return uint64(p) >> 32 * hal.PageSize
}

func (p freePair) end() hal.PhysicalAddress {
	return p.base() + hal.PhysicalAddress(p.size())
}

// alloc bumps size bytes off the low end of p.
func (p freePair) alloc(size uint64) (freePair, bool) {
	if p.size() < size {
		return p, false
	}
	return newPair(p.base()+hal.PhysicalAddress(size), p.size()-size), true
}

// merge joins p and q if they are adjacent.
func (p freePair) merge(q freePair) (freePair, bool) {
	switch {
	case p.size() == 0:
		return p, false
	case p.end() == q.base():
		return newPair(p.base(), p.size()+q.size()), true
	case q.end() == p.base():
		return newPair(q.base(), p.size()+q.size()), true
	default:
		return p, false
	}
}

func NewFreeList(capacity int) *FreeList {
	if capacity <= 0 {
		capacity = DefaultFreeListCapacity
	}
	return &FreeList{pairs: make([]atomic.Uint64, capacity)}
}

func pageRound(size uint64) uint64 {
	return (size + hal.PageSize - 1) &^ (hal.PageSize - 1)
}

// Add enters a free range while the table is built at boot. Unlike
// Dealloc it fails instead of losing the range when the table is full.
func (l *FreeList) Add(base hal.PhysicalAddress, size uint64) error {
	if base != base.Align() || size%hal.PageSize != 0 {
		return ErrInvalidArgument
	}
	if size == 0 {
		return nil
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.n == len(l.pairs) {
		return ErrOutOfMemory
	}
	l.pairs[l.n].Store(uint64(newPair(base, size)))
	l.n++
	l.fragments.Store(int64(l.n))
	l.free.Add(size)
	return nil
}

// Alloc returns size bytes, rounded up to the page size, from the
// first range large enough.
func (l *FreeList) Alloc(size uint64) (hal.PhysicalAddress, error) {
	size = pageRound(size)
	if size == 0 {
		return 0, ErrInvalidArgument
	}
	l.lock.RLock()
	defer l.lock.RUnlock()
	for i := 0; i < l.n; i++ {
		e := &l.pairs[i]
		for {
			old := freePair(e.Load())
			nw, ok := old.alloc(size)
			if !ok {
				break
			}
			if e.CompareAndSwap(uint64(old), uint64(nw)) {
				l.free.Add(-size)
				return old.base(), nil
			}
		}
	}
	return 0, ErrOutOfMemory
}

// Dealloc returns a range to the table. It merges with an adjacent
// range or takes a new slot; when the table is full the range is
// counted as lost and never reused.
func (l *FreeList) Dealloc(base hal.PhysicalAddress, size uint64) {
	size = pageRound(size)
	if size == 0 {
		return
	}
	pair := newPair(base.Align(), size)

	l.lock.Lock()
	defer l.lock.Unlock()
	merged := false
	for i := 0; i < l.n && !merged; i++ {
		e := &l.pairs[i]
		for {
			old := freePair(e.Load())
			nw, ok := old.merge(pair)
			if !ok {
				break
			}
			if e.CompareAndSwap(uint64(old), uint64(nw)) {
				merged = true
				break
			}
		}
	}
	switch {
	case merged:
		l.free.Add(size)
	case l.n < len(l.pairs):
		l.pairs[l.n].Store(uint64(pair))
		l.n++
		l.free.Add(size)
	default:
		l.lost.Add(size)
	}
	l.compact()
	l.fragments.Store(int64(l.n))
}

// compact sorts the table by base with empty slots last, joins
// neighbours a merge made adjacent and trims the empty tail. The
// caller holds the table exclusively.
func (l *FreeList) compact() {
	pairs := make([]freePair, l.n)
	for i := range pairs {
		pairs[i] = freePair(l.pairs[i].Load())
	}
	byBase := func(a, b freePair) int {
		switch {
		case a.size() == 0 && b.size() == 0:
			return 0
		case a.size() == 0:
			return 1
		case b.size() == 0:
			return -1
		case a.base() < b.base():
			return -1
		case a.base() > b.base():
			return 1
		default:
			return 0
		}
	}
	slices.SortFunc(pairs, byBase)
	joined := false
	for i, j := 0, 1; j < len(pairs); j++ {
		if pairs[j].size() == 0 {
			break
		}
		if m, ok := pairs[i].merge(pairs[j]); ok {
			pairs[i], pairs[j] = m, 0
			joined = true
			continue
		}
		i = j
	}
	if joined {
		slices.SortFunc(pairs, byBase)
	}
	n := len(pairs)
	for n > 0 && pairs[n-1].size() == 0 {
		n--
	}
	for i := range pairs {
		l.pairs[i].Store(uint64(pairs[i]))
	}
	l.n = n
}

// Free returns the number of free bytes.
func (l *FreeList) Free() uint64 {
	return l.free.Load()
}

// Lost returns the number of bytes dropped because the table was full.
func (l *FreeList) Lost() uint64 {
	return l.lost.Load()
}

// Fragments returns the number of table slots in use.
func (l *FreeList) Fragments() int {
	return int(l.fragments.Load())
}

// Ranges returns a snapshot of the table, empty slots included.
func (l *FreeList) Ranges() []Range {
	l.lock.RLock()
	defer l.lock.RUnlock()
	r := make([]Range, l.n)
	for i := range r {
		p := freePair(l.pairs[i].Load())
		r[i] = Range{Base: p.base(), Size: p.size()}
	}
	return r
}

// MaxFree returns the size of the largest free range.
func (l *FreeList) MaxFree() uint64 {
	var max uint64
	for _, r := range l.Ranges() {
		if r.Size > max {
			max = r.Size
		}
	}
	return max
}
