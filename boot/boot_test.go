// SPDX-License-Identifier: Unlicense OR MIT

package boot

import (
	"encoding/binary"
	"errors"
	"testing"

	"eliasnaur.com/kcore/hal"
)

func sampleInfo() *Info {
	info := &Info{
		TotalMemorySize:   64 << 20,
		KernelBase:        0xffff_8000_0000_0000,
		PageTableRoot:     0x20_0000,
		FramebufferBase:   0x8000_0000,
		FramebufferStride: 1024,
		ScreenWidth:       1024,
		ScreenHeight:      768,
	}
	info.RealBitmap.Free(0, 0x9f)
	info.AddRegion(0x10_0000, 0x100, OsLoaderCode)
	info.AddRegion(0x20_0000, 0x200, Available)
	info.AddRegion(0x40_0000, 0x100, Available)
	info.AddRegion(0x50_0000, 0x10, FirmwareData)
	return info
}

func TestRoundTrip(t *testing.T) {
	in := sampleInfo()
	b, err := in.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(b), headerSize+3*descriptorSize; got != want {
		t.Fatalf("encoded %d bytes, want %d", got, want)
	}
	out, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if out.TotalMemorySize != in.TotalMemorySize || out.KernelBase != in.KernelBase ||
		out.PageTableRoot != in.PageTableRoot || out.ScreenHeight != 768 {
		t.Errorf("header mismatch: %+v", out)
	}
	if len(out.MemoryMap) != 3 {
		t.Fatalf("got %d descriptors, want 3", len(out.MemoryMap))
	}
	if d := out.MemoryMap[1]; d.Base != 0x20_0000 || d.PageCount != 0x300 || d.Type != Available {
		t.Errorf("coalesced descriptor = %+v", d)
	}
	if !out.RealBitmap.IsFree(0x9e000) || out.RealBitmap.IsFree(0x9f000) {
		t.Error("real-mode bitmap not preserved")
	}
}

func TestParseErrors(t *testing.T) {
	good, err := sampleInfo().MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	corrupt := func(f func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		f(b)
		return b
	}
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"short header", good[:headerSize-1], ErrShortBuffer},
		{"magic", corrupt(func(b []byte) { b[0] = 'X' }), ErrBadMagic},
		{"version", corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[4:], 7) }), ErrVersion},
		{"truncated map", good[:len(good)-1], ErrShortBuffer},
		{"count", corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[80:], maxDescriptors+1) }), ErrTooMany},
		{"unaligned", corrupt(func(b []byte) { b[headerSize] = 1 }), ErrUnalignedBase},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(test.in)
			if !errors.Is(err, test.want) {
				t.Errorf("Parse error = %v, want %v", err, test.want)
			}
		})
	}
}

func TestRealBitmapClaim(t *testing.T) {
	var b RealBitmap
	b.Free(0, 4)
	pa, ok := b.Claim(1, 0xa0)
	if !ok || pa != hal.PageSize {
		t.Fatalf("Claim = %#x, %v", pa, ok)
	}
	if b.IsFree(hal.PageSize) {
		t.Error("claimed page still free")
	}
	b.Claim(1, 0xa0)
	b.Claim(1, 0xa0)
	if _, ok := b.Claim(1, 0xa0); ok {
		t.Error("claim succeeded on exhausted bitmap")
	}
	if !b.IsFree(0) {
		t.Error("page 0 claimed outside range")
	}
}

func TestCountable(t *testing.T) {
	for _, mt := range []MemoryType{Available, OsLoaderCode, FirmwareData} {
		if !mt.IsCountable() {
			t.Errorf("%v not countable", mt)
		}
	}
	for _, mt := range []MemoryType{Mmio, Reserved, AcpiNonVolatile} {
		if mt.IsCountable() {
			t.Errorf("%v countable", mt)
		}
	}
}
