// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"eliasnaur.com/kcore/hal/haltest"
	"eliasnaur.com/kcore/hal/sim"
	"eliasnaur.com/kcore/mem"
	"eliasnaur.com/kcore/sched"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBoot(t *testing.T) {
	m := haltest.New(t, sim.Config{CPUs: 2})
	blob, err := m.LoadFirmware()
	if err != nil {
		t.Fatal(err)
	}
	var out syncBuffer
	k := New(m, Options{Console: &out})
	ctx := context.Background()
	k.Boot(ctx, 0, blob)
	if !k.Ready() {
		t.Fatal("kernel not ready after Boot")
	}
	log := out.String()
	for _, want := range []string{"[mem] 11 MB free of", "MEM:  0 00400000-00f00000 (00b00000)", "[sched] scheduler started on 2 cpus"} {
		if !strings.Contains(log, want) {
			t.Errorf("console lacks %q:\n%s", want, log)
		}
	}

	s := k.Scheduler()
	ticks := m.TraceTicks(t, s.Reschedule, func(int) uint64 { return 0 })
	go k.Run(0)
	go k.Run(1)

	heap := mem.Level4.Addr(mem.SlotHeapMin)
	done := make(chan error, 1)
	_, err = k.Spawn(ctx, sched.Normal, "heap", func(ctx context.Context) {
		va, err := k.Memory().Mmap(ctx, mem.KernelRequest(heap, 0x2000, mem.ProtReadWrite))
		if err == nil {
			cpu, _ := s.CPU(ctx)
			err = m.Store64(cpu, va+0x1000, 7)
		}
		done <- err
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, ticks, done)

	if err := k.Verify(0); err != nil {
		t.Error(err)
	}
	var dump bytes.Buffer
	if err := k.DumpPageTable(&dump, 0); err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("mapping vaddr: %#x paddr:", uint64(heap)); !strings.Contains(dump.String(), want) {
		t.Errorf("page table dump lacks the heap:\n%s", dump.String())
	}
	if want := fmt.Sprintf("mapping vaddr: %#x paddr: %#x size %#x", uint64(sim.KernelBase), 0x10_0000, 1<<20); !strings.Contains(dump.String(), want) {
		t.Errorf("page table dump lacks the kernel image:\n%s", dump.String())
	}
	stats := k.Statistics()
	for _, want := range []string{"Total ", "Page Manager", "heap"} {
		if !strings.Contains(stats, want) {
			t.Errorf("statistics lack %q:\n%s", want, stats)
		}
	}
}

func waitDone(t *testing.T, ticks *haltest.TickTrace, done <-chan error) {
	t.Helper()
	for i := 0; i < 100; i++ {
		ticks.Tick(i % 2)
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	t.Fatal("thread did not finish")
}

func TestBootFatal(t *testing.T) {
	tests := []struct {
		name  string
		twice bool
		blob  func(b []byte) []byte
		want  string
	}{
		{"short", false, func(b []byte) []byte { return b[:4] }, "boot: "},
		{"twice", true, func(b []byte) []byte { return b }, string(errBooted)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := haltest.New(t, sim.Config{})
			blob, err := m.LoadFirmware()
			if err != nil {
				t.Fatal(err)
			}
			k := New(m, Options{})
			ctx := context.Background()
			if test.twice {
				k.Boot(ctx, 0, blob)
			}
			done := make(chan struct{})
			go func() {
				defer close(done)
				k.Boot(ctx, 0, test.blob(blob))
				t.Error("Boot returned")
			}()
			<-done
			var ferr *sim.FatalError
			if !errors.As(m.Err(), &ferr) {
				t.Fatalf("machine error %v", m.Err())
			}
			if !strings.HasPrefix(ferr.Msg, test.want) {
				t.Errorf("fatal message %q, want prefix %q", ferr.Msg, test.want)
			}
		})
	}
}

func TestVerifyPageTable(t *testing.T) {
	heap := mem.Level4.Addr(mem.SlotHeapMin)
	tests := []struct {
		name    string
		entries []pageTableRange
		free    []mem.Range
		ok      bool
	}{
		{
			name: "disjoint",
			entries: []pageTableRange{
				{heap, 0x50_0000, 0x1000},
				{heap + 0x1000, 0x51_0000, 0x1000},
			},
			free: []mem.Range{{Base: 0x60_0000, Size: 0x1000}},
			ok:   true,
		},
		{
			name: "aliases",
			entries: []pageTableRange{
				{0x20_0000, 0x20_0000, 0x20_0000},
				{mem.DirectMap(0x20_0000), 0x20_0000, 0x20_0000},
				{heap, 0x20_0000, 0x1000},
			},
			ok: true,
		},
		{
			name: "shared frame",
			entries: []pageTableRange{
				{heap, 0x50_0000, 0x1000},
				{0x40_0000_0000, 0x50_0000, 0x1000},
			},
		},
		{
			name:    "free frame",
			entries: []pageTableRange{{heap, 0x60_1000, 0x1000}},
			free:    []mem.Range{{Base: 0x60_0000, Size: 0x4000}},
		},
		{
			name:    "large page",
			entries: []pageTableRange{{heap, 0x40_0000, 0x20_0000}},
			free:    []mem.Range{{Base: 0x5f_f000, Size: 0x1000}, {Base: 0, Size: 0}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := verifyPageTable(test.entries, test.free)
			if (err == nil) != test.ok {
				t.Errorf("verify: %v", err)
			}
		})
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	logf := c.Logf("mem")
	logf("%d MB free", 11)
	c.Printf("done\n")
	if got, want := buf.String(), "[mem] 11 MB free\ndone\n"; got != want {
		t.Errorf("console %q, want %q", got, want)
	}
}
