// SPDX-License-Identifier: Unlicense OR MIT

package mem

import (
	"testing"

	"eliasnaur.com/kcore/hal"
)

func TestLevels(t *testing.T) {
	tests := []struct {
		level Level
		va    hal.VirtualAddress
		index int
	}{
		{Level1, 0x1000, 1},
		{Level2, 0x20_0000, 1},
		{Level3, 0x4000_0000, 1},
		{Level4, 0x80_0000_0000, 1},
		{Level4, 0xffff_ff00_0000_0000, SlotRecursive},
		{Level4, DirectBase, SlotDirectMap},
	}
	for _, test := range tests {
		if got := test.level.Index(test.va); got != test.index {
			t.Errorf("level %d index of %#x = %#x, want %#x", test.level, uint64(test.va), got, test.index)
		}
	}
	if got := Level4.Addr(SlotHeapMin); got != 0xffff_fe00_0000_0000 {
		t.Errorf("heap base %#x", uint64(got))
	}
	if got := Level4.Addr(SlotUserMax); got != 0x7f80_0000_0000 {
		t.Errorf("last user slot %#x", uint64(got))
	}
}

func TestRecursiveEntry(t *testing.T) {
	tests := []struct {
		level Level
		va    hal.VirtualAddress
		want  hal.VirtualAddress
	}{
		{Level4, 0, 0xffff_ff7f_bfdf_e000},
		{Level4, DirectBase, 0xffff_ff7f_bfdf_e000 + SlotDirectMap*8},
		{Level3, 0, 0xffff_ff7f_bfc0_0000},
		{Level2, 0, 0xffff_ff7f_8000_0000},
		{Level1, 0, 0xffff_ff00_0000_0000},
		{Level1, 0x5000, 0xffff_ff00_0000_0028},
		{Level2, 0x40_0000, 0xffff_ff7f_8000_0010},
	}
	for _, test := range tests {
		if got := RecursiveEntry(test.level, test.va); got != test.want {
			t.Errorf("RecursiveEntry(%d, %#x) = %#x, want %#x", test.level, uint64(test.va), uint64(got), uint64(test.want))
		}
	}
}

func TestDirectMap(t *testing.T) {
	pa := hal.PhysicalAddress(0x12_3456)
	va := DirectMap(pa)
	if got, ok := DirectUnmap(va); !ok || got != pa {
		t.Errorf("DirectUnmap(%#x) = %#x, %v", uint64(va), uint64(got), ok)
	}
	for _, va := range []hal.VirtualAddress{0, DirectBase - 1, DirectBase + hal.VirtualAddress(DirectMapSize)} {
		if _, ok := DirectUnmap(va); ok {
			t.Errorf("DirectUnmap(%#x) succeeded", uint64(va))
		}
	}
}

func TestEntry(t *testing.T) {
	e := NewEntry(0x1234_5fff, Present|Write|NoExecute)
	if e.Address() != 0x1234_5000 {
		t.Errorf("address %#x", uint64(e.Address()))
	}
	if e.Attributes() != Present|Write|NoExecute {
		t.Errorf("attributes %#x", uint64(e.Attributes()))
	}
	e = e.Advance(0x2000)
	if e.Address() != 0x1234_7000 || !e.Contains(Present|Write) {
		t.Errorf("advanced entry %v", e)
	}

	table := NewEntry(0x5000, Present|NoExecute)
	if !table.Accept(Present | Write) {
		t.Fatal("Accept did not widen")
	}
	if table.Contains(NoExecute) || !table.Contains(Write) {
		t.Errorf("widened entry %v", table)
	}
	if table.Accept(Present | Write | NoExecute) {
		t.Error("Accept narrowed an entry")
	}

	leaf := NewEntry(0x9000, (Present | Write | NoExecute | User).WithAvl(AvlReserved))
	leaf.SetAccessRights(ProtReadExec.Attributes())
	if leaf.Contains(Write) || leaf.Contains(NoExecute) || !leaf.Present() {
		t.Errorf("read-exec leaf %v", leaf)
	}
	if !leaf.Contains(User) || leaf.Avl() != AvlReserved || leaf.Address() != 0x9000 {
		t.Errorf("SetAccessRights changed more than the rights: %v", leaf)
	}
	leaf.SetAccessRights(ProtNone.Attributes())
	if leaf.Present() || leaf.Address() != 0x9000 {
		t.Errorf("inaccessible leaf %v", leaf)
	}
}

func TestProtection(t *testing.T) {
	tests := []struct {
		prot Protection
		attr Attributes
	}{
		{ProtNone, 0},
		{ProtRead, Present | NoExecute},
		{ProtReadWrite, Present | Write | NoExecute},
		{ProtReadExec, Present},
	}
	for _, test := range tests {
		if got := test.prot.Attributes(); got != test.attr {
			t.Errorf("%v attributes %#x, want %#x", test.prot, uint64(got), uint64(test.attr))
		}
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		va   hal.VirtualAddress
		want bool
	}{
		{0, true},
		{0x7fff_ffff_ffff, true},
		{0x8000_0000_0000, false},
		{1<<48 | 0x80_0000_0000, false},
		{0xffff_7fff_ffff_ffff, false},
		{0xffff_8000_0000_0000, true},
		{DirectBase, true},
	}
	for _, test := range tests {
		if got := Canonical(test.va); got != test.want {
			t.Errorf("Canonical(%#x) = %v, want %v", uint64(test.va), got, test.want)
		}
	}
}
