// Package percpu implements the per-CPU TX staging rings: one bounded
// SPSC ring per CPU, each with its own waiter list of blocked producers.
package percpu

import (
	"sync"

	"github.com/vnetkit/virtio-net-go/ring"
)

// DefaultCapacity is the default per-CPU ring capacity: 4096 entries,
// roughly 16 pages worth of staged descriptors per CPU.
const DefaultCapacity = 4096

// Entry is a staged transmit descriptor: a caller-supplied payload
// (a *vnet.Pbuf in production) paired with the monotonic timestamp that
// orders it against every other CPU's staged entries.
type Entry[T any] struct {
	Value T
	Ts    int64
}

// Waiter is a heap-allocated handle a blocked producer waits on until
// the dispatcher pops it.
type Waiter struct {
	done chan struct{}
}

// Wait blocks until the dispatcher observes and pops this waiter.
func (w *Waiter) Wait() {
	<-w.done
}

// Ring is a single CPU's staging ring plus its FIFO waiter list. Exactly
// one producer (the owning CPU's current thread) and one consumer (the
// dispatcher) may call the producer-side and consumer-side methods
// respectively; the ring itself stays lock-free, with only the waiter
// list guarded by a dedicated mutex.
type Ring[T any] struct {
	r *ring.SPSC[Entry[T]]

	mu      sync.Mutex
	waiters []*Waiter
}

// New creates a staging ring of the given capacity (DefaultCapacity in
// production; tests may use a smaller capacity to exercise backpressure
// cheaply).
func New[T any](capacity uint32) (*Ring[T], error) {
	r, err := ring.New[Entry[T]](capacity)
	if err != nil {
		return nil, err
	}
	return &Ring[T]{r: r}, nil
}

// TryPush attempts a single, non-blocking push. Returns false if the
// ring is currently full.
func (s *Ring[T]) TryPush(value T, ts int64) bool {
	return s.r.Push(Entry[T]{Value: value, Ts: ts})
}

// Front implements merger.Source.
func (s *Ring[T]) Front() (Entry[T], bool) {
	return s.r.Front()
}

// Pop implements merger.Source, consuming the oldest entry. A pop that
// finds the ring at full capacity immediately wakes one blocked
// producer, since this pop just created the room that producer needs.
func (s *Ring[T]) Pop() {
	wasFull := s.r.Full()
	s.r.Pop()
	if wasFull {
		s.WakeOne()
	}
}

// RegisterWaiter appends a new Waiter to this ring's waiter list and
// returns it. The caller must have already failed a TryPush and is about
// to retry once more before blocking on Wait, so a dispatcher pop
// between the retry and the registration is never missed.
func (s *Ring[T]) RegisterWaiter() *Waiter {
	w := &Waiter{done: make(chan struct{})}
	s.mu.Lock()
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	return w
}

// WakeOne wakes the oldest registered waiter, if any, and reports
// whether it woke someone.
func (s *Ring[T]) WakeOne() bool {
	s.mu.Lock()
	if len(s.waiters) == 0 {
		s.mu.Unlock()
		return false
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	s.mu.Unlock()

	close(w.done)
	return true
}

// WakeAll wakes every currently registered waiter. Called by the
// dispatcher right before it goes to sleep, so no producer is left
// blocked on a ring the dispatcher is no longer actively draining.
func (s *Ring[T]) WakeAll() {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		close(w.done)
	}
}

// Len reports the current queue depth, for statistics only.
func (s *Ring[T]) Len() uint32 { return s.r.Len() }

// Cap reports the ring's fixed capacity.
func (s *Ring[T]) Cap() uint32 { return s.r.Cap() }
