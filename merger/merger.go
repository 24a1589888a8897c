// Package merger implements a timestamp-ordered N-way draining iterator
// over a fixed set of ordered sources, backed by a binary heap.
package merger

import "container/heap"

// Source is one of the N streams merged by a Merger. Each stream is
// expected to yield entries with a non-decreasing timestamp; the Merger
// only guarantees a globally-sorted output if that per-source invariant
// holds.
type Source[T any] interface {
	// Front returns the next element this source would yield, without
	// consuming it.
	Front() (T, bool)
	// Pop consumes and discards the front element.
	Pop()
}

// TimestampOf extracts the ordering key from an element.
type TimestampOf[T any] func(T) int64

// Merger drains N sources in non-decreasing timestamp order. It is not
// safe for concurrent use; the dispatcher that owns it is expected to be
// the sole caller.
type Merger[T any] struct {
	items         []*heapItem[T]
	timestampOf   TimestampOf[T]
	idlePredicate func() bool
}

type heapItem[T any] struct {
	source Source[T]
	value  T
	ts     int64
}

// New builds a Merger over sources, keyed by timestampOf. idlePredicate,
// if non-nil, is a hint the dispatcher can consult via IdlePredicate to
// decide whether it is worth continuing to refill after the heap runs
// dry; the Merger itself does not call it.
func New[T any](sources []Source[T], timestampOf TimestampOf[T], idlePredicate func() bool) *Merger[T] {
	m := &Merger[T]{
		timestampOf:   timestampOf,
		idlePredicate: idlePredicate,
	}
	m.Rebuild(sources)
	return m
}

// Rebuild discards the current heap and reseeds it from sources, pulling
// one front element from each non-empty source. Used at dispatcher
// startup, and safe to call again if the source set changes.
func (m *Merger[T]) Rebuild(sources []Source[T]) {
	items := make([]*heapItem[T], 0, len(sources))
	for _, s := range sources {
		if v, ok := s.Front(); ok {
			items = append(items, &heapItem[T]{source: s, value: v, ts: m.timestampOf(v)})
		}
	}
	m.items = items
	heap.Init((*heapSlice[T])(&m.items))
}

// IdlePredicate reports whether the dispatcher-supplied idle condition
// currently holds. Returns false if none was supplied.
func (m *Merger[T]) IdlePredicate() bool {
	if m.idlePredicate == nil {
		return false
	}
	return m.idlePredicate()
}

// Pop returns the element with the smallest timestamp across all
// current source fronts, consumes it from its source, and refills that
// source's heap slot from its new front (or drops the slot if the
// source is now empty). Returns false if every source is empty.
func (m *Merger[T]) Pop() (T, bool) {
	var zero T
	if len(m.items) == 0 {
		return zero, false
	}

	top := m.items[0]
	value := top.value

	top.source.Pop()

	if next, ok := top.source.Front(); ok {
		top.value = next
		top.ts = m.timestampOf(next)
		heap.Fix((*heapSlice[T])(&m.items), 0)
	} else {
		heap.Pop((*heapSlice[T])(&m.items))
	}

	return value, true
}

// Empty reports whether every source is currently drained.
func (m *Merger[T]) Empty() bool {
	return len(m.items) == 0
}

// heapSlice adapts []*heapItem[T] to container/heap.Interface. Ties on
// timestamp fall to whatever order the heap holds the tied items in; a
// single source never reorders its own entries, so per-stream ordering
// is preserved even though the tie-break across sources is unspecified.
type heapSlice[T any] []*heapItem[T]

func (h heapSlice[T]) Len() int            { return len(h) }
func (h heapSlice[T]) Less(i, j int) bool  { return h[i].ts < h[j].ts }
func (h heapSlice[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *heapSlice[T]) Push(x any)         { *h = append(*h, x.(*heapItem[T])) }
func (h *heapSlice[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
