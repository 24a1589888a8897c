// Package ring implements a lock-free single-producer/single-consumer
// bounded ring buffer of fixed power-of-two capacity.
package ring

import (
	"errors"
	"sync/atomic"
)

// ErrCapacityNotPowerOfTwo is returned by New when capacity is not a
// power of two.
var ErrCapacityNotPowerOfTwo = errors.New("ring: capacity must be a power of two")

const cachelinePad = 64 - 4

// SPSC is a wait-free, allocation-free bounded ring buffer with exactly
// one producer and one consumer. Push and Pop never retry internally;
// callers decide how to react to a full or empty ring.
//
// head and tail are each padded to their own cache line so the producer
// and the consumer never fight over the same cache line under
// contention.
type SPSC[T any] struct {
	head uint32
	_    [cachelinePad]byte

	tail uint32
	_    [cachelinePad]byte

	mask uint32
	buf  []T
}

// New creates an SPSC ring of the given capacity, which must be a power
// of two.
func New[T any](capacity uint32) (*SPSC[T], error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, ErrCapacityNotPowerOfTwo
	}
	return &SPSC[T]{
		mask: capacity - 1,
		buf:  make([]T, capacity),
	}, nil
}

// Cap returns the ring's fixed capacity.
func (r *SPSC[T]) Cap() uint32 { return r.mask + 1 }

// Len returns a snapshot of the number of queued elements. Safe to call
// from either the producer or the consumer, or any other goroutine
// purely for statistics purposes.
func (r *SPSC[T]) Len() uint32 {
	head := atomic.LoadUint32(&r.head)
	tail := atomic.LoadUint32(&r.tail)
	return head - tail
}

// Full reports whether the ring is currently at capacity, from the
// producer's point of view.
func (r *SPSC[T]) Full() bool {
	return r.Len() == r.Cap()
}

// Empty reports whether the ring currently holds no elements, from the
// consumer's point of view.
func (r *SPSC[T]) Empty() bool {
	return r.Len() == 0
}

// Push appends v to the ring. It fails and returns false without
// blocking if the ring is full. Must only be called by the single
// producer.
func (r *SPSC[T]) Push(v T) bool {
	head := atomic.LoadUint32(&r.head)
	tail := atomic.LoadUint32(&r.tail)
	if head-tail == r.Cap() {
		return false
	}
	r.buf[head&r.mask] = v
	atomic.StoreUint32(&r.head, head+1)
	return true
}

// Pop removes and returns the oldest element. It fails and returns the
// zero value with false without blocking if the ring is empty. Must
// only be called by the single consumer.
func (r *SPSC[T]) Pop() (T, bool) {
	var zero T
	tail := atomic.LoadUint32(&r.tail)
	head := atomic.LoadUint32(&r.head)
	if head == tail {
		return zero, false
	}
	v := r.buf[tail&r.mask]
	r.buf[tail&r.mask] = zero
	atomic.StoreUint32(&r.tail, tail+1)
	return v, true
}

// Front returns the oldest element without removing it. Must only be
// called by the single consumer.
func (r *SPSC[T]) Front() (T, bool) {
	var zero T
	tail := atomic.LoadUint32(&r.tail)
	head := atomic.LoadUint32(&r.head)
	if head == tail {
		return zero, false
	}
	return r.buf[tail&r.mask], true
}
