// SPDX-License-Identifier: Unlicense OR MIT

package mem

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"eliasnaur.com/kcore/hal"
)

func TestFreeListExample(t *testing.T) {
	l := NewFreeList(0)
	if err := l.Add(0x1000, 0x3000); err != nil {
		t.Fatal(err)
	}
	for _, want := range []hal.PhysicalAddress{0x1000, 0x2000, 0x3000} {
		got, err := l.Alloc(0x1000)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Alloc = %#x, want %#x", got, want)
		}
	}
	if _, err := l.Alloc(0x1000); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Alloc from an empty list: %v", err)
	}
	l.Dealloc(0x2000, 0x1000)
	l.Dealloc(0x1000, 0x1000)
	l.Dealloc(0x3000, 0x1000)
	want := []Range{{Base: 0x1000, Size: 0x3000}}
	if got := l.Ranges(); !equalRanges(got, want) {
		t.Errorf("ranges %v, want %v", got, want)
	}
	if l.Free() != 0x3000 || l.Fragments() != 1 {
		t.Errorf("free %#x in %d fragments", l.Free(), l.Fragments())
	}
}

func TestFreeListRounding(t *testing.T) {
	l := NewFreeList(0)
	if err := l.Add(0x10000, 0x10000); err != nil {
		t.Fatal(err)
	}
	a, err := l.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.Alloc(0x1001)
	if err != nil {
		t.Fatal(err)
	}
	if a != 0x10000 || b != 0x11000 {
		t.Errorf("allocations at %#x, %#x", a, b)
	}
	if _, err := l.Alloc(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero allocation: %v", err)
	}
	if err := l.Add(0x1234, 0x1000); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unaligned Add: %v", err)
	}
}

func TestFreeListLost(t *testing.T) {
	l := NewFreeList(2)
	for _, base := range []hal.PhysicalAddress{0x1000, 0x10000} {
		if err := l.Add(base, 0x1000); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Add(0x20000, 0x1000); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Add to a full table: %v", err)
	}
	l.Dealloc(0x30000, 0x2000)
	if l.Lost() != 0x2000 {
		t.Errorf("lost %#x, want 0x2000", l.Lost())
	}
	if l.Free() != 0x2000 {
		t.Errorf("free %#x, want 0x2000", l.Free())
	}
	// Adjacent ranges still merge into a full table.
	l.Dealloc(0x2000, 0x1000)
	if l.Lost() != 0x2000 || l.Free() != 0x3000 {
		t.Errorf("after merge: lost %#x free %#x", l.Lost(), l.Free())
	}
}

// TestFreeListInvariants interleaves random allocations and
// deallocations and checks conservation and coalescing after each
// step.
func TestFreeListInvariants(t *testing.T) {
	const total = 0x100000
	l := NewFreeList(0)
	if err := l.Add(0x100000, total); err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	var live []Range
	outstanding := uint64(0)
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			j := rng.Intn(len(live))
			r := live[j]
			live = append(live[:j], live[j+1:]...)
			l.Dealloc(r.Base, r.Size)
			outstanding -= r.Size
			checkCoalesced(t, l)
		} else {
			size := uint64(rng.Intn(4)+1) * hal.PageSize
			pa, err := l.Alloc(size)
			if errors.Is(err, ErrOutOfMemory) {
				continue
			}
			if err != nil {
				t.Fatal(err)
			}
			live = append(live, Range{Base: pa, Size: size})
			outstanding += size
		}
		if l.Free()+outstanding != total {
			t.Fatalf("step %d: free %#x + outstanding %#x != %#x", i, l.Free(), outstanding, total)
		}
	}
}

func TestFreeListConcurrent(t *testing.T) {
	const (
		workers = 8
		allocs  = 64
		total   = workers * allocs * 2 * hal.PageSize
	)
	l := NewFreeList(0)
	if err := l.Add(0x400000, total); err != nil {
		t.Fatal(err)
	}
	var (
		mu  sync.Mutex
		got []Range
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < allocs; i++ {
				pa, err := l.Alloc(hal.PageSize)
				if err != nil {
					return err
				}
				mu.Lock()
				got = append(got, Range{Base: pa, Size: hal.PageSize})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	slices.SortFunc(got, func(a, b Range) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		}
		return 0
	})
	for i := 1; i < len(got); i++ {
		if got[i-1].Base+hal.PhysicalAddress(got[i-1].Size) > got[i].Base {
			t.Fatalf("overlapping allocations %v and %v", got[i-1], got[i])
		}
	}
	for w := 0; w < workers; w++ {
		part := got[w*allocs : (w+1)*allocs]
		g.Go(func() error {
			for _, r := range part {
				l.Dealloc(r.Base, r.Size)
			}
			return nil
		})
	}
	g.Wait()
	if l.Free() != total {
		t.Errorf("free %#x after returning everything, want %#x", l.Free(), uint64(total))
	}
	want := []Range{{Base: 0x400000, Size: total}}
	if r := l.Ranges(); !equalRanges(r, want) {
		t.Errorf("ranges %v, want %v", r, want)
	}
}

func checkCoalesced(t *testing.T, l *FreeList) {
	t.Helper()
	ranges := l.Ranges()
	for i, r := range ranges {
		if r.Size == 0 {
			continue
		}
		for j, q := range ranges {
			if i == j || q.Size == 0 {
				continue
			}
			if r.Base+hal.PhysicalAddress(r.Size) == q.Base {
				t.Fatalf("adjacent free ranges %v and %v", r, q)
			}
		}
	}
}

func equalRanges(a, b []Range) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
