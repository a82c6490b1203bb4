// SPDX-License-Identifier: Unlicense OR MIT

package sim

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eliasnaur.com/kcore/boot"
	"eliasnaur.com/kcore/hal"
)

func newMachine(t *testing.T, cpus int) *Machine {
	t.Helper()
	m, err := New(Config{CPUs: cpus, RAM: 16 << 20, Console: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})
	return m
}

func TestFirmwareLayout(t *testing.T) {
	m := newMachine(t, 2)
	b, err := m.LoadFirmware()
	if err != nil {
		t.Fatal(err)
	}
	info, err := boot.Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.PageTableRoot(1); got != info.PageTableRoot {
		t.Errorf("cpu 1 root %#x, want %#x", got, info.PageTableRoot)
	}
	var avail []boot.Descriptor
	for _, d := range info.MemoryMap {
		if d.Type == boot.Available {
			avail = append(avail, d)
		}
	}
	if len(avail) != 1 {
		t.Fatalf("available regions not coalesced: %+v", avail)
	}
	if want := hal.PhysicalAddress(loaderDataPhys + loaderDataSize); avail[0].Base != want {
		t.Errorf("available base %#x, want %#x", avail[0].Base, want)
	}
	if avail[0].End() != hal.PhysicalAddress(16<<20-firmwareSize) {
		t.Errorf("available end %#x", avail[0].End())
	}
	if !info.RealBitmap.IsFree(0x9e000) || info.RealBitmap.IsFree(realTop) {
		t.Error("real-mode bitmap mismatch")
	}
}

func TestTranslate(t *testing.T) {
	m := newMachine(t, 1)
	if _, err := m.LoadFirmware(); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		va    hal.VirtualAddress
		pa    hal.PhysicalAddress
		level int
	}{
		{va: 0x1234, pa: 0x1234},
		{va: 0x40_0008, pa: 0x40_0008},
		{va: KernelBase + 0x2010, pa: kernelPhys + 0x2010},
		{va: hal.VirtualAddress(FramebufferBase), level: 3},
		{va: 0x0000_8000_0000_0000, level: 4},
		{va: KernelBase + kernelSize, level: 1},
	}
	for _, test := range tests {
		pa, err := m.Translate(0, test.va)
		if test.level != 0 {
			var pf *hal.PageFault
			if !errors.As(err, &pf) || pf.Level != test.level {
				t.Errorf("Translate(%#x) = %#x, %v, want fault at level %d", test.va, pa, err, test.level)
			}
			continue
		}
		if err != nil || pa != test.pa {
			t.Errorf("Translate(%#x) = %#x, %v, want %#x", test.va, pa, err, test.pa)
		}
	}
}

func TestStaleTLB(t *testing.T) {
	m := newMachine(t, 1)
	if _, err := m.LoadFirmware(); err != nil {
		t.Fatal(err)
	}
	va := KernelBase
	if err := m.Store64(0, va, 42); err != nil {
		t.Fatal(err)
	}
	// Retarget the leaf entry behind the MMU's back.
	root := m.PageTableRoot(0)
	pdpt, _ := m.PhysLoad64(root + 0x100*8)
	pd, _ := m.PhysLoad64(hal.PhysicalAddress(pdpt & pteAddrMask))
	pt, _ := m.PhysLoad64(hal.PhysicalAddress(pd & pteAddrMask))
	leaf := hal.PhysicalAddress(pt & pteAddrMask)
	if err := m.PhysStore64(leaf, 0x60_0000|fwPresent|fwWrite); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Load64(0, va); v != 42 {
		t.Errorf("stale translation read %d, want 42", v)
	}
	m.InvalidateTLB(0, va+8)
	if v, _ := m.Load64(0, va); v != 0 {
		t.Errorf("read %d after invalidation, want 0", v)
	}
}

func TestFill(t *testing.T) {
	m := newMachine(t, 1)
	if _, err := m.LoadFirmware(); err != nil {
		t.Fatal(err)
	}
	va := hal.VirtualAddress(0x50_0ff8)
	if err := m.Fill(0, va, 16, 0xcc); err != nil {
		t.Fatal(err)
	}
	for _, a := range []hal.VirtualAddress{va, va + 8} {
		if v, _ := m.Load64(0, a); v != 0xcccc_cccc_cccc_cccc {
			t.Errorf("word at %#x = %#x", a, v)
		}
	}
	if v, _ := m.Load64(0, va+16); v != 0 {
		t.Errorf("fill overran: %#x", v)
	}
}

func TestDeviceMemory(t *testing.T) {
	m := newMachine(t, 1)
	if err := m.PhysStore64(IOAPICBase+0x10, 7); err != nil {
		t.Fatal(err)
	}
	if v, err := m.PhysLoad64(IOAPICBase + 0x10); err != nil || v != 7 {
		t.Errorf("device word = %d, %v", v, err)
	}
	if _, err := m.PhysLoad64(maxPhys); err == nil {
		t.Error("load beyond the physical address space succeeded")
	}
}

func TestClock(t *testing.T) {
	var c clock
	c.init(time.Millisecond)
	for i := 0; i < 1500; i++ {
		c.tick(1)
	}
	if got, want := c.monotonic(), 1500*time.Millisecond; got != want {
		t.Errorf("monotonic = %v, want %v", got, want)
	}
	c.advance(uint64(time.Second))
	if got, want := c.monotonic(), 2500*time.Millisecond; got != want {
		t.Errorf("monotonic = %v, want %v", got, want)
	}
}

func TestSwitchContext(t *testing.T) {
	m := newMachine(t, 2)
	var mu sync.Mutex
	var trace []string
	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}
	main := m.NewContext(0, nil)
	var a *hal.Context
	a = m.NewContext(0x1000, func(cpu int) {
		record("a")
		cpu = m.SwitchContext(cpu, a, main)
		if cpu != 1 {
			t.Errorf("a resumed on cpu %d, want 1", cpu)
		}
		record("a again")
		m.ExitContext(cpu, a, main)
	})
	cpu := m.SwitchContext(0, main, a)
	record("main")
	if cpu != 0 {
		t.Errorf("main resumed on cpu %d", cpu)
	}
	m.SwitchContext(1, main, a)
	record("main again")
	want := []string{"a", "main", "a again", "main again"}
	mu.Lock()
	defer mu.Unlock()
	if len(trace) != len(want) {
		t.Fatalf("trace %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Errorf("trace %v, want %v", trace, want)
			break
		}
	}
}

func TestTimerDelivery(t *testing.T) {
	m := newMachine(t, 1)
	var calls int
	m.SetTimerHandler(func(cpu int) int {
		if m.InterruptsEnabled(cpu) {
			t.Error("handler ran with interrupts enabled")
		}
		calls++
		return cpu
	})
	m.Tick(0)
	m.Poll(0)
	if calls != 0 {
		t.Fatal("tick delivered with interrupts masked")
	}
	m.RestoreInterrupts(0, true)
	m.Poll(0)
	if calls != 1 || !m.InterruptsEnabled(0) {
		t.Errorf("calls = %d, enabled = %v", calls, m.InterruptsEnabled(0))
	}
	m.Poll(0)
	if calls != 1 {
		t.Error("tick delivered twice")
	}
	m.Tick(0)
	m.Halt(0)
	if calls != 2 {
		t.Errorf("halt delivered %d ticks", calls-1)
	}
}

func TestFatal(t *testing.T) {
	m := newMachine(t, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Fatal(0, "boom")
		t.Error("Fatal returned")
	}()
	<-done
	var fe *FatalError
	if !errors.As(m.Err(), &fe) || fe.Msg != "boom" {
		t.Errorf("Err() = %v", m.Err())
	}
	select {
	case <-m.Done():
	default:
		t.Error("machine still running after Fatal")
	}
}

func TestRunStops(t *testing.T) {
	m := newMachine(t, 2)
	var ticks sync.WaitGroup
	ticks.Add(2)
	var once [2]sync.Once
	m.SetTimerHandler(func(cpu int) int {
		once[cpu].Do(ticks.Done)
		return cpu
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticks.Wait()
		cancel()
	}()
	err := m.Run(ctx, time.Millisecond, func(cpu int) {
		for {
			cpu = m.Halt(cpu)
		}
	})
	if err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestCloseWhileHandlerRuns(t *testing.T) {
	m, err := New(Config{RAM: 16 << 20, Console: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	var stores atomic.Int64
	m.SetTimerHandler(func(cpu int) int {
		for i := 0; i < 512; i++ {
			if m.PhysStore64(0x1000+hal.PhysicalAddress(i*8), uint64(i)) == nil {
				stores.Add(1)
			}
		}
		return cpu
	})
	// The idle loop is not a context, so Close does not wait for it.
	go func() {
		for {
			m.Halt(0)
		}
	}()
	for stores.Load() == 0 {
		m.Tick(0)
		time.Sleep(time.Millisecond)
	}
	stop := make(chan struct{})
	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		for {
			select {
			case <-stop:
				return
			default:
				m.Tick(0)
			}
		}
	}()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	close(stop)
	<-ticked
	if _, err := m.PhysLoad64(0x1000); !errors.Is(err, errClosed) {
		t.Errorf("load after Close: %v, want %v", err, errClosed)
	}
	if err := m.Fill(0, 0x1000, 16, 0); err == nil {
		t.Error("fill after Close succeeded")
	}
	if got := m.RAMSize(); got != 16<<20 {
		t.Errorf("RAM size after Close %#x", got)
	}
}
