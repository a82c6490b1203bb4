// SPDX-License-Identifier: Unlicense OR MIT

package ksync

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

var ErrQueueFull = errors.New("ksync: queue full")

// Fifo is a bounded lock-free multi-producer multi-consumer queue.
// Every slot carries a stamp telling which lap of the ring it is ready
// for, so producers and consumers claim slots with a single CAS.
type Fifo[T any] struct {
	head atomic.Uint64
	_    cpu.CacheLinePad
	tail atomic.Uint64
	_    cpu.CacheLinePad

	mask  uint64
	lap   uint64
	slots []slot[T]
}

type slot[T any] struct {
	stamp atomic.Uint64
	value T
}

// NewFifo returns a queue holding at least size elements.
func NewFifo[T any](size int) *Fifo[T] {
	n := uint64(1)
	for n < uint64(size)+1 {
		n <<= 1
	}
	q := &Fifo[T]{
		mask:  n - 1,
		lap:   n,
		slots: make([]slot[T], n),
	}
	for i := range q.slots {
		q.slots[i].stamp.Store(uint64(i))
	}
	return q
}

// Enqueue appends v, or returns false if the queue is full.
func (q *Fifo[T]) Enqueue(v T) bool {
	var w SpinLoopWait
	for {
		tail := q.tail.Load()
		if (tail+1)&q.mask == q.head.Load()&q.mask {
			return false
		}
		s := &q.slots[tail&q.mask]
		if s.stamp.Load() == tail && q.tail.CompareAndSwap(tail, tail+1) {
			s.value = v
			s.stamp.Store(tail + 1)
			return true
		}
		w.Wait()
	}
}

// Dequeue removes the oldest element.
func (q *Fifo[T]) Dequeue() (T, bool) {
	var w SpinLoopWait
	for {
		head := q.head.Load()
		if head&q.mask == q.tail.Load()&q.mask {
			var zero T
			return zero, false
		}
		s := &q.slots[head&q.mask]
		if s.stamp.Load() == head+1 && q.head.CompareAndSwap(head, head+1) {
			v := s.value
			var zero T
			s.value = zero
			s.stamp.Store(head + q.lap)
			return v, true
		}
		w.Wait()
	}
}

// Len is an estimate of the number of queued elements.
func (q *Fifo[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap returns the number of elements the queue can hold.
func (q *Fifo[T]) Cap() int {
	return int(q.mask)
}

// EventQueue is a bounded queue with a blocking consumer.
type EventQueue[T any] struct {
	fifo *Fifo[T]
	sem  Semaphore
}

func NewEventQueue[T any](capacity int) *EventQueue[T] {
	return &EventQueue[T]{fifo: NewFifo[T](capacity)}
}

// Post queues an event and wakes the consumer.
func (q *EventQueue[T]) Post(w Waiter, v T) error {
	if !q.fifo.Enqueue(v) {
		return ErrQueueFull
	}
	q.sem.Signal(w)
	return nil
}

// Wait returns the next event, blocking until one is posted.
func (q *EventQueue[T]) Wait(ctx context.Context, w Waiter) T {
	for {
		if v, ok := q.fifo.Dequeue(); ok {
			return v
		}
		q.sem.Wait(ctx, w)
	}
}
