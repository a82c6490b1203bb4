// SPDX-License-Identifier: Unlicense OR MIT

package sim

import (
	"sync/atomic"
	"time"
)

// A clock keeps track of the simulated monotonic time, and allows
// multiple concurrent readers and a single writer. The writer never
// blocks and the readers are lock-free.
//
// Uses a similar algorithm as the gettimeofday implementation in
// Linux.
type clock struct {
	// seq is the sequence number of the clock, and is incremented
	// before and after a write. An odd seq indicates a write is in
	// progress.
	seq uint64

	seconds     int64
	nanoseconds uint32

	// period is the length of a counter period in femtoseconds
	// (10⁻¹⁵).
	period uint64
	// accum holds the femtoseconds not yet converted to nanoseconds.
	accum uint64
}

func (c *clock) init(period time.Duration) {
	c.period = uint64(period) * 1e6
}

// tick converts counter periods to time and advances the clock.
// Only the writer may call tick.
func (c *clock) tick(periods uint64) {
	acc := c.accum + periods*c.period
	nanos := acc / 1e6
	c.accum = acc % 1e6
	c.advance(nanos)
}

func (c *clock) advance(nanoseconds uint64) {
	atomic.AddUint64(&c.seq, 1)
	nanoseconds += uint64(atomic.LoadUint32(&c.nanoseconds))
	atomic.AddInt64(&c.seconds, int64(nanoseconds/1e9))
	atomic.StoreUint32(&c.nanoseconds, uint32(nanoseconds%1e9))
	atomic.AddUint64(&c.seq, 1)
}

// monotonic reports the time since the clock started.
func (c *clock) monotonic() time.Duration {
	for {
		seq := atomic.LoadUint64(&c.seq)
		if seq&1 != 0 {
			continue
		}
		s := atomic.LoadInt64(&c.seconds)
		ns := atomic.LoadUint32(&c.nanoseconds)
		if atomic.LoadUint64(&c.seq) == seq {
			return time.Duration(s)*time.Second + time.Duration(ns)
		}
	}
}
