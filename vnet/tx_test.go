package vnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnetkit/virtio-net-go/percpu"
)

func simplePkt(payload string) *Pbuf {
	return &Pbuf{Segments: [][]byte{[]byte(payload)}}
}

func TestXmitFastPathPublishesImmediatelyAndKicks(t *testing.T) {
	q := newFakeQueue(8)
	tx := NewTX(q, false, false, &Stats{}, percpu.DefaultCapacity)

	require.NoError(t, tx.Xmit(simplePkt("hello")))

	assert.Len(t, q.published, 1)
	assert.Equal(t, 1, q.kicks)
	assert.Equal(t, uint64(1), tx.stats.TxPackets.Load())
}

func TestXmitReturnsErrMalformedPacketAndIncrementsTxErrors(t *testing.T) {
	q := newFakeQueue(8)
	tx := NewTX(q, false, false, &Stats{}, percpu.DefaultCapacity)

	pkt := &Pbuf{Segments: [][]byte{{1, 2, 3}}, NeedsCsum: true} // too short to parse any header
	err := tx.Xmit(pkt)

	assert.ErrorIs(t, err, ErrMalformedPacket)
	assert.Equal(t, uint64(1), tx.stats.TxErrors.Load())
	assert.False(t, tx.running.Load(), "RUNNING must be released even on a dropped packet")
}

func TestXmitFallsBackToPerCPUStagingWhenRunningHeld(t *testing.T) {
	q := newFakeQueue(8)
	tx := NewTX(q, false, false, &Stats{}, percpu.DefaultCapacity)

	require.True(t, tx.running.CompareAndSwap(false, true)) // simulate the dispatcher holding RUNNING
	require.NoError(t, tx.Xmit(simplePkt("staged")))

	assert.Empty(t, q.published, "must not touch the hardware ring while RUNNING is held elsewhere")
	assert.True(t, tx.pending.Load())

	tx.ringsMu.RLock()
	n := len(tx.rings)
	tx.ringsMu.RUnlock()
	assert.Equal(t, 1, n)
}

func TestDispatcherDrainsStagedPacketsInTimestampOrder(t *testing.T) {
	q := newFakeQueue(64)
	tx := NewTX(q, false, false, &Stats{}, percpu.DefaultCapacity)

	ringA, err := tx.newTestRing(0)
	require.NoError(t, err)
	ringB, err := tx.newTestRing(1)
	require.NoError(t, err)

	require.True(t, ringA.TryPush(simplePkt("second"), 200))
	require.True(t, ringB.TryPush(simplePkt("first"), 100))
	require.True(t, ringA.TryPush(simplePkt("third"), 300))
	tx.pending.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tx.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(q.published) >= 3
	}, time.Second, time.Millisecond)

	tx.Flush()
	cancel()
	wg.Wait()

	require.Len(t, q.published, 3)
	order := make([]string, 3)
	for i, frags := range q.published {
		// fragment 0 is the encoded net header, fragment 1 the payload
		order[i] = string(frags[1].Buf)
	}
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestFlushLeavesNoEntryStagedOnAnyRing(t *testing.T) {
	q := newFakeQueue(8)
	tx := NewTX(q, false, false, &Stats{}, percpu.DefaultCapacity)

	ring, err := tx.newTestRing(0)
	require.NoError(t, err)
	require.True(t, ring.TryPush(simplePkt("maybe sent"), 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tx.Run(ctx)
	}()

	tx.Flush()
	wg.Wait()

	// Whether the dispatcher won the race and transmitted the entry before
	// observing Flush, or Flush drained it first, no entry may be left
	// stranded on the ring afterward.
	_, ok := ring.Front()
	assert.False(t, ok, "flush must leave no staged entry behind")
}

func TestGCLockedReclaimsCompletedCookies(t *testing.T) {
	q := newFakeQueue(2)
	tx := NewTX(q, false, false, &Stats{}, percpu.DefaultCapacity)

	require.NoError(t, tx.Xmit(simplePkt("one")))
	require.NoError(t, tx.Xmit(simplePkt("two")))
	// the ring is now full of unreclaimed completions; a third publish must
	// gc before it can succeed
	require.NoError(t, tx.Xmit(simplePkt("three")))

	assert.Len(t, q.published, 3)
}

// newTestRing installs a percpu ring for cpu directly into tx's ring map,
// bypassing pushCPU's dependence on the real current-CPU id so tests can
// control which ring an entry lands on.
func (tx *TX) newTestRing(cpu int) (*percpu.Ring[*Pbuf], error) {
	r, err := percpu.New[*Pbuf](64)
	if err != nil {
		return nil, err
	}
	tx.ringsMu.Lock()
	tx.rings[cpu] = r
	tx.ringsMu.Unlock()
	return r, nil
}
