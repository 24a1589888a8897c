package percpu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryPushAndFront(t *testing.T) {
	r, err := New[string](4)
	require.NoError(t, err)

	assert.True(t, r.TryPush("a", 10))
	assert.True(t, r.TryPush("b", 20))

	v, ok := r.Front()
	require.True(t, ok)
	assert.Equal(t, "a", v.Value)
	assert.Equal(t, int64(10), v.Ts)
	assert.Equal(t, uint32(2), r.Len())
}

func TestTryPushFailsWhenFull(t *testing.T) {
	r, err := New[int](2)
	require.NoError(t, err)

	assert.True(t, r.TryPush(1, 1))
	assert.True(t, r.TryPush(2, 2))
	assert.False(t, r.TryPush(3, 3))
	assert.Equal(t, r.Cap(), r.Len())
}

func TestPopWakesBlockedProducerOnlyWhenRingWasFull(t *testing.T) {
	r, err := New[int](2)
	require.NoError(t, err)

	require.True(t, r.TryPush(1, 1))
	require.True(t, r.TryPush(2, 2))
	require.False(t, r.TryPush(3, 3))

	w := r.RegisterWaiter()

	woke := make(chan struct{})
	go func() {
		w.Wait()
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("waiter woke before dispatcher popped anything")
	case <-time.After(20 * time.Millisecond):
	}

	// Pop drains "1" and observes the ring was full, so it must wake the
	// blocked waiter even though nothing has retried TryPush yet.
	r.Pop()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken after a pop freed space in a full ring")
	}

	require.True(t, r.TryPush(3, 3))
}

func TestPopDoesNotWakeWhenRingWasNotFull(t *testing.T) {
	r, err := New[int](4)
	require.NoError(t, err)

	require.True(t, r.TryPush(1, 1))
	w := r.RegisterWaiter()

	r.Pop()

	woke := make(chan struct{})
	go func() {
		w.Wait()
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("waiter woke even though the ring was never full")
	case <-time.After(20 * time.Millisecond):
	}

	r.WakeAll()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("WakeAll failed to release a still-pending waiter")
	}
}

func TestWakeAllReleasesEveryRegisteredWaiter(t *testing.T) {
	r, err := New[int](2)
	require.NoError(t, err)

	waiters := make([]*Waiter, 3)
	for i := range waiters {
		waiters[i] = r.RegisterWaiter()
	}

	doneCh := make(chan struct{}, len(waiters))
	for _, w := range waiters {
		w := w
		go func() {
			w.Wait()
			doneCh <- struct{}{}
		}()
	}

	r.WakeAll()

	for i := 0; i < len(waiters); i++ {
		select {
		case <-doneCh:
		case <-time.After(time.Second):
			t.Fatalf("only %d/%d waiters woke", i, len(waiters))
		}
	}
}

func TestWakeOneReportsWhetherAnyoneWasWaiting(t *testing.T) {
	r, err := New[int](2)
	require.NoError(t, err)

	assert.False(t, r.WakeOne())

	w := r.RegisterWaiter()
	assert.True(t, r.WakeOne())
	w.Wait()
}

func TestFrontAndPopSatisfyMergerSourceOrdering(t *testing.T) {
	r, err := New[int](4)
	require.NoError(t, err)

	require.True(t, r.TryPush(100, 1))
	require.True(t, r.TryPush(200, 2))

	v, ok := r.Front()
	require.True(t, ok)
	assert.Equal(t, 100, v.Value)

	r.Pop()

	v, ok = r.Front()
	require.True(t, ok)
	assert.Equal(t, 200, v.Value)

	r.Pop()

	_, ok = r.Front()
	assert.False(t, ok)
}
