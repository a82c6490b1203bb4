// SPDX-License-Identifier: Unlicense OR MIT

package mem

import (
	"sync/atomic"

	"eliasnaur.com/kcore/hal"
)

// slabClasses are the block sizes of the slab caches.
var slabClasses = [...]uint64{16, 32, 64, 128, 256, 512, 1024, 2048}

// Slab serves small kernel allocations from per-size caches of
// blocks carved out of whole pages.
type Slab struct {
	caches [len(slabClasses)]slabCache
	// pages returns a direct-mapped page for a cache to carve up.
	pages func() (hal.VirtualAddress, error)
}

// slabCache is a lock-free stack of free blocks of one size.
type slabCache struct {
	blockSize uint64
	total     atomic.Int64
	free      atomic.Int64
	head      atomic.Pointer[slabNode]
}

type slabNode struct {
	next *slabNode
	va   hal.VirtualAddress
}

// SlabStat describes the occupancy of one cache.
type SlabStat struct {
	BlockSize uint64
	Used      int
	Total     int
}

func NewSlab(pages func() (hal.VirtualAddress, error)) *Slab {
	s := &Slab{pages: pages}
	for i := range s.caches {
		s.caches[i].blockSize = slabClasses[i]
	}
	return s
}

// cache returns the cache serving blocks of size bytes aligned to
// align.
func (s *Slab) cache(size, align uint64) *slabCache {
	if align > size {
		size = align
	}
	for i := range s.caches {
		if size <= s.caches[i].blockSize {
			return &s.caches[i]
		}
	}
	return nil
}

// Serves reports whether blocks of size and align come from a cache.
func (s *Slab) Serves(size, align uint64) bool {
	return s.cache(size, align) != nil
}

// Alloc returns a block, or ErrUnsupported if the size is not served
// by any cache.
func (s *Slab) Alloc(size, align uint64) (hal.VirtualAddress, error) {
	c := s.cache(size, align)
	if c == nil {
		return 0, ErrUnsupported
	}
	for {
		n := c.head.Load()
		if n == nil {
			if err := c.expand(s.pages); err != nil {
				return 0, err
			}
			continue
		}
		if c.head.CompareAndSwap(n, n.next) {
			c.free.Add(-1)
			return n.va, nil
		}
	}
}

// Free returns a block to its cache.
func (s *Slab) Free(va hal.VirtualAddress, size, align uint64) error {
	c := s.cache(size, align)
	if c == nil {
		return ErrUnsupported
	}
	if va == 0 || uint64(va)%c.blockSize != 0 {
		return ErrInvalidArgument
	}
	c.push(va)
	return nil
}

func (c *slabCache) push(va hal.VirtualAddress) {
	n := &slabNode{va: va}
	for {
		old := c.head.Load()
		n.next = old
		if c.head.CompareAndSwap(old, n) {
			c.free.Add(1)
			return
		}
	}
}

// expand carves a fresh page into blocks.
func (c *slabCache) expand(pages func() (hal.VirtualAddress, error)) error {
	page, err := pages()
	if err != nil {
		return err
	}
	count := hal.PageSize / c.blockSize
	c.total.Add(int64(count))
	for i := uint64(0); i < count; i++ {
		c.push(page + hal.VirtualAddress(i*c.blockSize))
	}
	return nil
}

// Statistics reports the occupancy of every cache.
func (s *Slab) Statistics() []SlabStat {
	stats := make([]SlabStat, len(s.caches))
	for i := range s.caches {
		c := &s.caches[i]
		total := int(c.total.Load())
		stats[i] = SlabStat{BlockSize: c.blockSize, Used: total - int(c.free.Load()), Total: total}
	}
	return stats
}

// FreeBytes returns the bytes held by free blocks.
func (s *Slab) FreeBytes() uint64 {
	var n uint64
	for i := range s.caches {
		n += uint64(s.caches[i].free.Load()) * s.caches[i].blockSize
	}
	return n
}
