// SPDX-License-Identifier: Unlicense OR MIT

// Command kcore boots the kernel core on a simulated machine, runs a
// workload of kernel threads against the memory manager and prints
// the allocator and scheduler statistics when time is up.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"eliasnaur.com/kcore/hal"
	"eliasnaur.com/kcore/hal/sim"
	"eliasnaur.com/kcore/kernel"
	"eliasnaur.com/kcore/ksync"
	"eliasnaur.com/kcore/mem"
	"eliasnaur.com/kcore/sched"
)

var (
	cpus     = flag.Int("cpus", 2, "number of simulated processors")
	ramMB    = flag.Uint64("ram", 64, "physical memory in MiB")
	tick     = flag.Duration("tick", time.Millisecond, "timer period")
	duration = flag.Duration("t", 2*time.Second, "run time")
	workers  = flag.Int("workers", 4, "number of allocating threads")
	dump     = flag.Bool("dump", false, "dump the page table when done")
	verify   = flag.Bool("verify", true, "verify the page table when done")
)

// userPages is the number of user pages each worker maps.
const userPages = 16

type counters struct {
	allocs   atomic.Uint64
	mapped   atomic.Uint64
	messages atomic.Uint64
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if *workers < 1 || *workers > mem.SlotUserMax {
		return fmt.Errorf("kcore: -workers must be in [1, %d]", mem.SlotUserMax)
	}
	m, err := sim.New(sim.Config{
		CPUs:       *cpus,
		RAM:        *ramMB << 20,
		TickPeriod: *tick,
		Console:    os.Stderr,
	})
	if err != nil {
		return err
	}
	defer m.Close()
	blob, err := m.LoadFirmware()
	if err != nil {
		return err
	}
	k := kernel.New(m, kernel.Options{Console: os.Stdout})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, *duration)
	defer cancel()
	var c counters
	err = m.Run(ctx, *tick, func(cpu int) {
		if cpu == 0 {
			k.Boot(ctx, cpu, blob)
			if err := spawnWorkload(ctx, k, &c); err != nil {
				m.Fatal(cpu, err.Error())
			}
		}
		k.Run(cpu)
	})
	if err != nil {
		return err
	}
	fmt.Print(k.Statistics())
	fmt.Printf("Workload allocations %d, user pages %d, messages %d\n", c.allocs.Load(), c.mapped.Load(), c.messages.Load())
	if !k.Ready() {
		return nil
	}
	if *dump {
		if err := k.DumpPageTable(os.Stdout, 0); err != nil {
			return err
		}
	}
	if *verify {
		if err := k.Verify(0); err != nil {
			return err
		}
		fmt.Println("page table verified")
	}
	return nil
}

func spawnWorkload(ctx context.Context, k *kernel.Kernel, c *counters) error {
	prios := []sched.Priority{sched.Low, sched.Normal, sched.High}
	for i := 0; i < *workers; i++ {
		id := i
		name := fmt.Sprintf("worker #%d", id)
		if _, err := k.Spawn(ctx, prios[id%len(prios)], name, func(ctx context.Context) {
			if err := allocate(ctx, k, id, c); err != nil {
				k.Console().Printf("%s: %v", name, err)
			}
		}); err != nil {
			return err
		}
	}
	s := k.Scheduler()
	items := ksync.NewEventQueue[uint64](16)
	if _, err := k.Spawn(ctx, sched.Normal, "producer", func(ctx context.Context) {
		for n := uint64(0); ; n++ {
			for items.Post(s, n) != nil {
				s.Yield(ctx)
			}
			s.Sleep(ctx, *tick)
		}
	}); err != nil {
		return err
	}
	_, err := k.Spawn(ctx, sched.High, "consumer", func(ctx context.Context) {
		for {
			items.Wait(ctx, s)
			c.messages.Add(1)
		}
	})
	return err
}

// allocate cycles through the slab sizes and page allocations, and
// maps its own user window slot a page at a time.
func allocate(ctx context.Context, k *kernel.Kernel, id int, c *counters) error {
	mm := k.Memory()
	s := k.Scheduler()
	// Slot 0 holds the identity map.
	window := mem.Level4.Addr(1 + id)
	for round := 0; ; round++ {
		size := uint64(16) << (round % 10)
		va, err := mm.Zalloc(ctx, size, 0)
		if err != nil {
			return err
		}
		if round < userPages {
			page := window + hal.VirtualAddress(round*hal.PageSize)
			if _, err := mm.Mmap(ctx, mem.UserRequest(page, hal.PageSize, mem.ProtReadWrite)); err != nil {
				return err
			}
			c.mapped.Add(1)
		} else if round == userPages {
			if _, err := mm.Mmap(ctx, mem.ProtectRequest(window, userPages*hal.PageSize, mem.ProtRead)); err != nil {
				return err
			}
		}
		if err := mm.Zfree(ctx, va, size, 0); err != nil {
			return err
		}
		c.allocs.Add(1)
		s.Sleep(ctx, *tick * time.Duration(1+id%3))
	}
}
