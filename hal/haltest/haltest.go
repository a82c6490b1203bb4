// SPDX-License-Identifier: Unlicense OR MIT

// Package haltest provides a simulated machine for tests of the kernel
// core. It records the TLB maintenance the code under test performs
// and lets tests deliver timer ticks one at a time.
package haltest

import (
	"io"
	"sync"
	"testing"
	"time"

	"eliasnaur.com/kcore/boot"
	"eliasnaur.com/kcore/hal"
	"eliasnaur.com/kcore/hal/sim"
)

// Machine is a sim.Machine that records TLB invalidations.
type Machine struct {
	*sim.Machine

	mu            sync.Mutex
	invalidations []hal.VirtualAddress
	broadcasts    int
}

// TickTrace delivers timer ticks synchronously.
type TickTrace struct {
	t  testing.TB
	m  *Machine
	ch chan uint64
}

// tickTimeout bounds the wait for a tick to reach a core.
const tickTimeout = 10 * time.Second

// New creates a machine that is closed when the test ends. A zero RAM
// size selects 16 MiB.
func New(t testing.TB, cfg sim.Config) *Machine {
	t.Helper()
	if cfg.RAM == 0 {
		cfg.RAM = 16 << 20
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	sm, err := sim.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := sm.Close(); err != nil {
			t.Error(err)
		}
	})
	return &Machine{Machine: sm}
}

// Boot runs the firmware and returns the boot information it hands
// over.
func (m *Machine) Boot(t testing.TB) *boot.Info {
	t.Helper()
	b, err := m.LoadFirmware()
	if err != nil {
		t.Fatal(err)
	}
	info, err := boot.Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func (m *Machine) InvalidateTLB(cpu int, va hal.VirtualAddress) {
	m.mu.Lock()
	m.invalidations = append(m.invalidations, va.Align())
	m.mu.Unlock()
	m.Machine.InvalidateTLB(cpu, va)
}

func (m *Machine) BroadcastInvalidateTLB() {
	m.mu.Lock()
	m.broadcasts++
	m.mu.Unlock()
	m.Machine.BroadcastInvalidateTLB()
}

// Invalidations returns the pages invalidated since the last Reset.
func (m *Machine) Invalidations() []hal.VirtualAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hal.VirtualAddress(nil), m.invalidations...)
}

// Broadcasts returns the number of broadcast invalidations since the
// last Reset.
func (m *Machine) Broadcasts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcasts
}

func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidations = nil
	m.broadcasts = 0
}

// TraceTicks installs handler as the timer handler. Each delivery
// first evaluates probe, which TickTrace.Tick returns.
func (m *Machine) TraceTicks(t testing.TB, handler func(cpu int) int, probe func(cpu int) uint64) *TickTrace {
	tr := &TickTrace{t: t, m: m, ch: make(chan uint64)}
	m.SetTimerHandler(func(cpu int) int {
		select {
		case tr.ch <- probe(cpu):
		case <-m.Done():
		}
		return handler(cpu)
	})
	return tr
}

// Tick advances the clock, raises a timer interrupt on cpu and waits
// for the interrupt to be taken.
func (tr *TickTrace) Tick(cpu int) uint64 {
	tr.t.Helper()
	tr.m.Machine.Tick(cpu)
	select {
	case v := <-tr.ch:
		return v
	case <-time.After(tickTimeout):
		tr.t.Fatalf("tick on cpu %d not taken", cpu)
		return 0
	}
}
