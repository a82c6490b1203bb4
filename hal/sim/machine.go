// SPDX-License-Identifier: Unlicense OR MIT

// Package sim implements hal.Machine in software. Each simulated core
// is a token handed between goroutines: exactly one goroutine runs on
// a core at a time, and it gives the core up only by switching
// context or halting.
package sim

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"eliasnaur.com/kcore/hal"
)

type Config struct {
	// CPUs is the number of cores. Defaults to 1.
	CPUs int
	// RAM is the size of physical memory in bytes. Defaults to 64
	// MiB, and must lie between 8 MiB and 2 GiB.
	RAM uint64
	// TickPeriod is the simulated time that passes per timer tick.
	// Defaults to 1ms.
	TickPeriod time.Duration
	// Console receives fatal diagnostics. Defaults to os.Stderr.
	Console io.Writer
}

// FatalError is the reason a machine stopped after Fatal.
type FatalError struct {
	CPU int
	Msg string
}

type Machine struct {
	cfg   Config
	cores []core
	clock clock
	// ramMu is held for reading across every access to ram, and for
	// writing while Close releases it.
	ramMu sync.RWMutex
	ram   []byte
	unmap func() error

	devMu  sync.Mutex
	device map[hal.PhysicalAddress][]byte

	handler atomic.Value // func(cpu int) int
	// tickMu serializes clock writers.
	tickMu sync.Mutex

	live     sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

type core struct {
	enabled atomic.Bool
	pending atomic.Bool
	// kick wakes a halted core.
	kick chan struct{}

	root atomic.Uint64
	tlb  tlb
}

const (
	minRAM = 8 << 20
	maxRAM = 2 << 30
)

func New(cfg Config) (*Machine, error) {
	if cfg.CPUs == 0 {
		cfg.CPUs = 1
	}
	if cfg.RAM == 0 {
		cfg.RAM = 64 << 20
	}
	if cfg.TickPeriod == 0 {
		cfg.TickPeriod = time.Millisecond
	}
	if cfg.Console == nil {
		cfg.Console = os.Stderr
	}
	if cfg.CPUs < 0 || cfg.CPUs > 64 {
		return nil, fmt.Errorf("sim: invalid core count %d", cfg.CPUs)
	}
	if cfg.RAM < minRAM || cfg.RAM > maxRAM || cfg.RAM%(2<<20) != 0 {
		return nil, fmt.Errorf("sim: RAM size %#x not a multiple of 2 MiB in [%#x, %#x]", cfg.RAM, minRAM, maxRAM)
	}
	ram, unmap, err := allocRAM(int(cfg.RAM))
	if err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:    cfg,
		cores:  make([]core, cfg.CPUs),
		ram:    ram,
		unmap:  unmap,
		device: make(map[hal.PhysicalAddress][]byte),
		done:   make(chan struct{}),
	}
	for i := range m.cores {
		c := &m.cores[i]
		c.kick = make(chan struct{}, 1)
		c.tlb.entries = make(map[hal.VirtualAddress]hal.PhysicalAddress)
	}
	m.clock.init(cfg.TickPeriod)
	return m, nil
}

func (m *Machine) NumCPUs() int {
	return len(m.cores)
}

// RAMSize returns the size of physical memory.
func (m *Machine) RAMSize() uint64 {
	return m.cfg.RAM
}

func (m *Machine) Monotonic() time.Duration {
	return m.clock.monotonic()
}

func (m *Machine) DisableInterrupts(cpu int) bool {
	return m.cores[cpu].enabled.Swap(false)
}

func (m *Machine) RestoreInterrupts(cpu int, enabled bool) {
	m.cores[cpu].enabled.Store(enabled)
}

func (m *Machine) InterruptsEnabled(cpu int) bool {
	return m.cores[cpu].enabled.Load()
}

func (m *Machine) SetTimerHandler(h func(cpu int) int) {
	m.handler.Store(h)
}

func (m *Machine) Poll(cpu int) int {
	m.checkStopped()
	c := &m.cores[cpu]
	if !c.enabled.Load() || !c.pending.Swap(false) {
		return cpu
	}
	return m.deliver(cpu)
}

func (m *Machine) Halt(cpu int) int {
	c := &m.cores[cpu]
	c.enabled.Store(true)
	for {
		if c.pending.Swap(false) {
			return m.deliver(cpu)
		}
		select {
		case <-c.kick:
		case <-m.done:
			runtime.Goexit()
		}
	}
}

// deliver runs the timer handler with interrupts masked, as the
// processor does when it takes the interrupt.
func (m *Machine) deliver(cpu int) int {
	m.cores[cpu].enabled.Store(false)
	if h, ok := m.handler.Load().(func(int) int); ok && h != nil {
		cpu = h(cpu)
	}
	m.cores[cpu].enabled.Store(true)
	return cpu
}

// Tick advances the clock by one period and raises a timer interrupt
// on cpu.
func (m *Machine) Tick(cpu int) {
	m.tickMu.Lock()
	m.clock.tick(1)
	m.tickMu.Unlock()
	m.raise(cpu)
}

// TickAll advances the clock by one period and raises a timer
// interrupt on every core.
func (m *Machine) TickAll() {
	m.tickMu.Lock()
	m.clock.tick(1)
	m.tickMu.Unlock()
	for cpu := range m.cores {
		m.raise(cpu)
	}
}

// Advance moves the clock forward without raising interrupts.
func (m *Machine) Advance(d time.Duration) {
	m.tickMu.Lock()
	m.clock.advance(uint64(d))
	m.tickMu.Unlock()
}

func (m *Machine) raise(cpu int) {
	c := &m.cores[cpu]
	c.pending.Store(true)
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run starts entry on every core and drives the timer every period of
// wall time until ctx is done or the machine stops. It returns the
// fatal error that stopped the machine, if any.
func (m *Machine) Run(ctx context.Context, period time.Duration, entry func(cpu int)) error {
	g, ctx := errgroup.WithContext(ctx)
	for cpu := range m.cores {
		cpu := cpu
		g.Go(func() error {
			entry(cpu)
			return nil
		})
	}
	g.Go(func() error {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				m.Shutdown()
				return nil
			case <-m.done:
				return m.Err()
			case <-t.C:
				m.TickAll()
			}
		}
	})
	err := g.Wait()
	if ferr := m.Err(); ferr != nil {
		return ferr
	}
	return err
}

// Fatal prints msg, stops the machine and ends the calling goroutine.
func (m *Machine) Fatal(cpu int, msg string) {
	fmt.Fprintf(m.cfg.Console, "fatal error: %s\n", msg)
	m.errMu.Lock()
	if m.err == nil {
		m.err = &FatalError{CPU: cpu, Msg: msg}
	}
	m.errMu.Unlock()
	m.Shutdown()
	runtime.Goexit()
}

// Err returns the error passed to the first Fatal call.
func (m *Machine) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Shutdown stops the machine. Goroutines parked in a context switch
// or a halt exit, and running ones exit at their next interrupt
// point.
func (m *Machine) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Done is closed when the machine stops.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Close shuts the machine down, waits for every context goroutine to
// exit and releases physical memory. Goroutines the caller started
// may still be running; their memory accesses fail with errClosed
// from then on.
func (m *Machine) Close() error {
	m.Shutdown()
	m.live.Wait()
	m.ramMu.Lock()
	defer m.ramMu.Unlock()
	if m.ram == nil {
		return nil
	}
	m.ram = nil
	if m.unmap == nil {
		return nil
	}
	err := m.unmap()
	m.unmap = nil
	return err
}

func (m *Machine) checkStopped() {
	select {
	case <-m.done:
		runtime.Goexit()
	default:
	}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("sim: fatal error on cpu %d: %s", e.CPU, e.Msg)
}
