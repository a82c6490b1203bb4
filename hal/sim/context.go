// SPDX-License-Identifier: Unlicense OR MIT

package sim

import (
	"runtime"
	"sync"

	"eliasnaur.com/kcore/hal"
)

// thread is the saved state of a context: a goroutine parked on its
// wake channel until a core is handed to it.
type thread struct {
	// wake carries the index of the core that resumed the context.
	wake  chan int
	entry func(cpu int)
	start sync.Once
}

// NewContext primes a context. A nil entry makes a context for the
// calling goroutine itself, which the first SwitchContext away from
// it saves into.
func (m *Machine) NewContext(stackTop hal.VirtualAddress, entry func(cpu int)) *hal.Context {
	t := &thread{
		wake:  make(chan int, 1),
		entry: entry,
	}
	if entry == nil {
		t.start.Do(func() {})
	}
	return &hal.Context{StackTop: stackTop, Impl: t}
}

func (m *Machine) SwitchContext(cpu int, old, new *hal.Context) int {
	self := old.Impl.(*thread)
	m.resume(cpu, new)
	select {
	case cpu := <-self.wake:
		return cpu
	case <-m.done:
		runtime.Goexit()
	}
	panic("unreachable")
}

func (m *Machine) ExitContext(cpu int, old, new *hal.Context) {
	m.resume(cpu, new)
	runtime.Goexit()
}

func (m *Machine) resume(cpu int, c *hal.Context) {
	t := c.Impl.(*thread)
	t.start.Do(func() {
		m.live.Add(1)
		go func() {
			defer m.live.Done()
			var cpu int
			select {
			case cpu = <-t.wake:
			case <-m.done:
				return
			}
			t.entry(cpu)
			m.Fatal(cpu, "context entry returned")
		}()
	})
	t.wake <- cpu
}
