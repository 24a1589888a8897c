package vnet

import (
	"context"
	"sync"

	"github.com/vnetkit/virtio-net-go/hwring"
)

// fakeQueue is an in-memory hwring.Queue stand-in that completes every
// published chain synchronously, optionally running a hostFill callback
// to simulate a host writing into device-writable fragments. It exists
// only to exercise the TX/RX engines' descriptor bookkeeping without a
// real mmap'd ring transport.
type fakeQueue struct {
	mu sync.Mutex

	capacity    int
	staged      []hwring.Fragment
	usedQ       []fakeUsedItem
	dequeued    int // usedQ entries handed out by GetBufElem, not yet finalized
	outstanding int
	kicks       int
	indirect    bool

	hostFill  func(fragments []hwring.Fragment) uint32
	published [][]hwring.Fragment
}

type fakeUsedItem struct {
	cookie hwring.Cookie
	outLen uint32
}

func newFakeQueue(capacity int) *fakeQueue {
	return &fakeQueue{capacity: capacity}
}

func (q *fakeQueue) InitSG() {
	q.staged = q.staged[:0]
}

func (q *fakeQueue) AddOut(buf []byte) {
	q.staged = append(q.staged, hwring.Fragment{Buf: buf, Out: true})
}

func (q *fakeQueue) AddIn(buf []byte) {
	q.staged = append(q.staged, hwring.Fragment{Buf: buf, Out: false})
}

func (q *fakeQueue) TryAddBuf(cookie hwring.Cookie) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.outstanding >= q.capacity {
		return false
	}
	q.outstanding++

	fragments := append([]hwring.Fragment(nil), q.staged...)
	q.published = append(q.published, fragments)

	var outLen uint32
	if q.hostFill != nil {
		outLen = q.hostFill(fragments)
	}
	q.usedQ = append(q.usedQ, fakeUsedItem{cookie: cookie, outLen: outLen})
	return true
}

func (q *fakeQueue) GetBufElem() (hwring.Cookie, uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dequeued >= len(q.usedQ) {
		return 0, 0, false
	}
	item := q.usedQ[q.dequeued]
	q.dequeued++
	return item.cookie, item.outLen, true
}

func (q *fakeQueue) GetBufFinalize(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.dequeued {
		n = q.dequeued
	}
	q.usedQ = q.usedQ[n:]
	q.dequeued -= n
	q.outstanding -= n
}

func (q *fakeQueue) UsedRingNotEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.usedQ) > q.dequeued
}

func (q *fakeQueue) AvailRingHasRoom(n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity-q.outstanding >= n
}

func (q *fakeQueue) RefillNeeded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding < q.capacity
}

func (q *fakeQueue) Kick() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kicks++
	return true
}

func (q *fakeQueue) DisableInterrupts() {}

func (q *fakeQueue) WaitForUsed(ctx context.Context) error {
	if q.UsedRingNotEmpty() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (q *fakeQueue) Size() int { return q.capacity }

func (q *fakeQueue) SetIndirect(v bool) { q.indirect = v }

var _ hwring.Queue = (*fakeQueue)(nil)
