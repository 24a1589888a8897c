package vnet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnetkit/virtio-net-go/hwring"
	"github.com/vnetkit/virtio-net-go/internal/sched"
	"github.com/vnetkit/virtio-net-go/merger"
	"github.com/vnetkit/virtio-net-go/percpu"
)

// ErrMalformedPacket is returned by Xmit when offload preparation could
// not make sense of the packet's headers; the packet has already been
// dropped and tx_err incremented by the time this is returned.
var ErrMalformedPacket = errors.New("vnet: malformed packet dropped during transmit")

type txEntry = percpu.Entry[*Pbuf]

// TX is the transmit engine: a non-blocking fast path backed by a
// per-CPU staging ring and dispatcher pair, sharing one hardware ring
// transport guarded by an exclusive-use RUNNING flag.
type TX struct {
	queue       hwring.Queue
	mergedRxBuf bool
	stats       *Stats

	ringsMu sync.RWMutex
	rings   map[int]*percpu.Ring[*Pbuf]

	running     atomic.Bool
	runningGate *sched.Gate

	pending      atomic.Bool
	dispatchGate *sched.Gate

	stopped atomic.Bool
	doneCh  chan struct{}

	merger    *merger.Merger[txEntry]
	offloader *Offloader
	cookies   *cookieTable

	kickThreshold int
	cpuRingSize   uint32
	nowFn         func() int64
}

// NewTX builds a TX engine over queue. mergedRxBuf and hostECN reflect
// the features device binding negotiated; they gate the net header wire
// layout and the ECN-without-host-support drop policy respectively.
// cpuRingSize sets the capacity of each lazily-created per-CPU staging
// ring; callers pass percpu.DefaultCapacity if they have no configured
// override.
func NewTX(queue hwring.Queue, mergedRxBuf, hostECN bool, stats *Stats, cpuRingSize uint32) *TX {
	tx := &TX{
		queue:         queue,
		mergedRxBuf:   mergedRxBuf,
		stats:         stats,
		rings:         make(map[int]*percpu.Ring[*Pbuf]),
		runningGate:   sched.NewGate(),
		dispatchGate:  sched.NewGate(),
		doneCh:        make(chan struct{}),
		offloader:     NewOffloader(hostECN),
		cookies:       newCookieTable(),
		kickThreshold: queue.Size(),
		cpuRingSize:   cpuRingSize,
		nowFn:         func() int64 { return time.Now().UnixNano() },
	}
	tx.merger = merger.New[txEntry](nil, func(e txEntry) int64 { return e.Ts }, func() bool {
		return tx.pending.Load()
	})
	return tx
}

// Xmit is the non-blocking entry point: it either transmits pkt
// immediately over the hardware ring or stages it for the dispatcher,
// and never blocks the caller waiting for ring space. It returns
// ErrMalformedPacket only when offload preparation rejects the packet;
// every other outcome is success from the caller's point of view.
func (tx *TX) Xmit(pkt *Pbuf) error {
	if tx.pending.Load() || !tx.running.CompareAndSwap(false, true) {
		tx.pushCPU(pkt)
		return nil
	}

	req, err := tx.buildAndOffload(pkt)
	if err != nil {
		tx.stats.TxErrors.Add(1)
		tx.releaseRunning()
		tx.wakeDispatcherIfPending()
		return ErrMalformedPacket
	}

	ok := tx.tryAddLocked(req)
	if !ok {
		tx.gcLocked()
		ok = tx.tryAddLocked(req)
	}

	if ok {
		tx.stats.TxPackets.Add(1)
		tx.stats.TxBytes.Add(uint64(pkt.Len()))
		tx.countOffload(req)
		tx.releaseRunning()
		tx.ringDoorbell()
	} else {
		tx.releaseRunning()
		tx.pushCPU(pkt)
	}

	tx.wakeDispatcherIfPending()
	return nil
}

func (tx *TX) wakeDispatcherIfPending() {
	if tx.pending.Load() {
		tx.dispatchGate.Wake()
	}
}

// InvalidateStaged drops every packet currently staged on any per-CPU
// ring and wakes any producer blocked waiting for ring space, without
// touching the dispatcher's lifecycle: Run keeps polling for new work
// afterward. Used on MTU change, where the staged packets' offload
// preparation may be sized for the old MTU but the dispatcher itself
// must stay live to drain whatever is staged next.
func (tx *TX) InvalidateStaged() {
	tx.ringsMu.RLock()
	rings := make([]*percpu.Ring[*Pbuf], 0, len(tx.rings))
	for _, r := range tx.rings {
		rings = append(rings, r)
	}
	tx.ringsMu.RUnlock()

	for _, r := range rings {
		for {
			if _, ok := r.Front(); !ok {
				break
			}
			r.Pop()
		}
		r.WakeAll()
	}
}

// Flush stops the dispatcher for good: it invalidates every staged
// packet, latches STOPPED, and blocks until Run has returned. STOPPED
// is terminal per the TX state machine; only call this at teardown, not
// on an MTU change.
func (tx *TX) Flush() {
	if tx.stopped.CompareAndSwap(false, true) {
		tx.pending.Store(true)
		tx.dispatchGate.WakeAll()
		<-tx.doneCh
	}
	tx.InvalidateStaged()
}

// Stats returns a snapshot of the engine's counters.
func (tx *TX) Stats() Snapshot {
	return tx.stats.Snapshot()
}

// Run is the dispatcher thread: exactly one goroutine may call Run for
// the lifetime of the engine. It returns once Flush has been called.
func (tx *TX) Run(ctx context.Context) error {
	defer close(tx.doneCh)

	tx.rebuildMerger()
	tx.acquireRunning()

	for {
		if tx.stopped.Load() {
			tx.releaseRunning()
			return nil
		}

		tx.pending.Store(false)
		// Re-scan live rings now, not just at startup/wakeup: a ring
		// that drained on a prior pass was dropped from the heap
		// (merger.Pop never revisits an emptied source), so without
		// this a producer that stages into that same ring right after
		// PENDING is cleared would be invisible to Pop below even
		// though PENDING is about to be set again by that producer.
		tx.rebuildMerger()
		entry, ok := tx.merger.Pop()
		if !ok {
			tx.wakeAllRingWaiters()
			tx.releaseRunning()

			tx.dispatchGate.WaitUntil(func() bool {
				return tx.pending.Load() || tx.stopped.Load()
			})
			if tx.stopped.Load() {
				return nil
			}

			tx.stats.DispWakeups.Add(1)
			tx.acquireRunning()
			continue
		}

		sinceDoorbell := 0
		for {
			tx.xmitOneLocked(ctx, entry)
			sinceDoorbell++
			if tx.kickThreshold > 0 && sinceDoorbell >= tx.kickThreshold {
				tx.ringDoorbell()
				sinceDoorbell = 0
			}
			entry, ok = tx.merger.Pop()
			if !ok {
				break
			}
		}
		tx.ringDoorbell()
	}
}

func (tx *TX) ringDoorbell() {
	tx.stats.TxKicks.Add(1)
	if tx.queue.Kick() {
		tx.stats.TxHostKicks.Add(1)
	}
}

// xmitOneLocked sends one staged entry over the hardware ring. Called
// with RUNNING held by the dispatcher; blocks internally (spinning on
// the used ring becoming non-empty and running gc) until ring space is
// available, since staged entries must never be dropped for lack of
// room.
func (tx *TX) xmitOneLocked(ctx context.Context, entry txEntry) {
	req, err := tx.buildAndOffload(entry.Value)
	if err != nil {
		tx.stats.TxErrors.Add(1)
		return
	}

	for !tx.tryAddLocked(req) {
		tx.ringDoorbell()
		if err := tx.queue.WaitForUsed(ctx); err != nil && ctx.Err() != nil {
			return
		}
		tx.gcLocked()
	}

	tx.stats.TxPackets.Add(1)
	tx.stats.TxBytes.Add(uint64(entry.Value.Len()))
	tx.stats.DispPackets.Add(1)
	tx.countOffload(req)
}

func (tx *TX) buildAndOffload(pkt *Pbuf) (*TxReq, error) {
	req := &TxReq{Pkt: pkt}
	if err := tx.offloader.Prepare(pkt, &req.Header); err != nil {
		return nil, err
	}
	return req, nil
}

// countOffload credits TxCsum/TxTSO for one successfully published
// packet. Called once per transmitted packet at its actual send-success
// site, never from buildAndOffload itself: a packet that fails
// tryAddLocked on the fast path and falls back to per-CPU staging is
// rebuilt and resent later by the dispatcher, so counting at build time
// would double-count it.
func (tx *TX) countOffload(req *TxReq) {
	if req.Header.Flags&FlagNeedsCsum != 0 {
		tx.stats.TxCsum.Add(1)
	}
	if req.Header.GSOType&^GSOECN != GSONone {
		tx.stats.TxTSO.Add(1)
	}
}

// tryAddLocked publishes req's header and packet segments as one
// scatter-gather chain. Must be called with RUNNING held.
func (tx *TX) tryAddLocked(req *TxReq) bool {
	tx.queue.InitSG()
	n := req.Header.Encode(req.headerBytes[:], tx.mergedRxBuf)
	tx.queue.AddOut(req.headerBytes[:n])
	for _, seg := range req.Pkt.Segments {
		tx.queue.AddOut(seg)
	}

	cookie := tx.cookies.put(req)
	if !tx.queue.TryAddBuf(cookie) {
		tx.cookies.take(cookie)
		return false
	}
	return true
}

// gcLocked drains and finalizes completed descriptors in batches of
// capacity/4, letting the host make progress on the remainder while the
// driver reclaims a batch. Must be called with RUNNING held.
func (tx *TX) gcLocked() int {
	batchSize := tx.queue.Size() / 4
	if batchSize < 1 {
		batchSize = 1
	}

	total, pending := 0, 0
	for {
		cookie, _, ok := tx.queue.GetBufElem()
		if !ok {
			break
		}
		tx.cookies.take(cookie)
		pending++
		total++
		if pending == batchSize {
			tx.queue.GetBufFinalize(pending)
			pending = 0
		}
	}
	if pending > 0 {
		tx.queue.GetBufFinalize(pending)
	}
	return total
}

// pushCPU stages pkt on the current CPU's ring, blocking only this
// caller (never the dispatcher or other CPUs) if that ring is full.
func (tx *TX) pushCPU(pkt *Pbuf) {
	guard := sched.Disable()
	cpu := sched.CurrentCPU()
	ring := tx.ringFor(cpu)
	ts := tx.nowFn()

	for {
		if ring.TryPush(pkt, ts) {
			guard.Enable()
			tx.markPendingAndWake()
			return
		}

		w := ring.RegisterWaiter()
		if ring.TryPush(pkt, ts) {
			tx.markPendingAndWake()
			guard.Enable()
			return
		}

		guard.Enable()
		w.Wait()

		guard = sched.Disable()
		cpu = sched.CurrentCPU()
		ring = tx.ringFor(cpu)
		ts = tx.nowFn()
	}
}

func (tx *TX) markPendingAndWake() {
	if !tx.pending.Swap(true) {
		tx.dispatchGate.Wake()
	}
}

func (tx *TX) ringFor(cpu int) *percpu.Ring[*Pbuf] {
	tx.ringsMu.RLock()
	r, ok := tx.rings[cpu]
	tx.ringsMu.RUnlock()
	if ok {
		return r
	}

	tx.ringsMu.Lock()
	defer tx.ringsMu.Unlock()
	if r, ok := tx.rings[cpu]; ok {
		return r
	}
	r, err := percpu.New[*Pbuf](tx.cpuRingSize)
	if err != nil {
		panic(err) // cpuRingSize is not a power of two
	}
	tx.rings[cpu] = r
	return r
}

func (tx *TX) rebuildMerger() {
	tx.ringsMu.RLock()
	sources := make([]merger.Source[txEntry], 0, len(tx.rings))
	for _, r := range tx.rings {
		sources = append(sources, r)
	}
	tx.ringsMu.RUnlock()
	tx.merger.Rebuild(sources)
}

func (tx *TX) wakeAllRingWaiters() {
	tx.ringsMu.RLock()
	defer tx.ringsMu.RUnlock()
	for _, r := range tx.rings {
		r.WakeAll()
	}
}

func (tx *TX) acquireRunning() {
	for !tx.running.CompareAndSwap(false, true) {
		tx.runningGate.WaitUntil(func() bool { return !tx.running.Load() })
	}
}

func (tx *TX) releaseRunning() {
	tx.running.Store(false)
	tx.runningGate.WakeAll()
}
