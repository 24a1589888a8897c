//go:build linux

package hwring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrNotPowerOfTwo is returned by NewSimQueue when capacity is not a
// power of two.
var ErrNotPowerOfTwo = errors.New("hwring: capacity must be a power of two")

// chainSlot is one descriptor chain's bookkeeping. The chain's fragment
// buffers stay in ordinary Go memory (they belong to the caller's pbuf);
// only the ring index/producer/consumer state lives in the mmap'd region,
// mirroring how a real virtqueue keeps descriptor tables in shared memory
// while the buffers they point to live wherever the guest put them.
type chainSlot struct {
	cookie    Cookie
	fragments []Fragment
	outLen    uint32
	live      bool
}

// availSlot and usedSlot are the mmap-resident ring entries: an
// available-ring slot is just a descriptor-table index, a used-ring slot
// additionally carries the byte count the host wrote.
type availSlot struct {
	idx uint32
}

type usedSlot struct {
	idx uint32
	len uint32
}

// ringHeader is the producer/consumer counter pair shared between the
// simulated guest and host sides of one ring.
type ringHeader struct {
	producer uint32
	_        [60]byte
	consumer uint32
	_        [60]byte
}

// HostHandler simulates the device side's handling of one descriptor
// chain: it may read the Out fragments and must fill the In fragments,
// returning the number of bytes written into the In fragments combined.
// A nil handler (the default) completes every chain immediately having
// written zero bytes, which is enough to exercise the TX fast/staged
// paths; receive-path tests install a handler that synthesizes inbound
// frames into the In fragments.
type HostHandler func(fragments []Fragment) (outLen uint32)

// SimQueue is a Queue backed by a private anonymous mmap'd region for its
// avail/used ring headers and ring slots, with a background goroutine standing in for
// the host side of the transport and an eventfd doorbell/interrupt pair
// standing in for the PCI notification path.
type SimQueue struct {
	mu sync.Mutex

	capacity uint32
	mask     uint32
	indirect bool

	region []byte // mmap'd, holds availHdr+usedHdr

	availHdr *ringHeader
	usedHdr  *ringHeader
	availQ   []availSlot
	usedQ    []usedSlot

	slots    []chainSlot
	freeList []uint32

	pending []Fragment // staged by InitSG/AddOut/AddIn until TryAddBuf

	doorbellFd int // eventfd the guest writes to kick the host
	usedFd     int // eventfd the host writes to signal new completions

	interruptsDisabled bool
	notifySuppressed   bool // host's "I don't need a kick" flag, for Kick's return value

	hostHandler HostHandler
	closeOnce   sync.Once
	closeCh     chan struct{}
}

// NewSimQueue creates a simulated hardware ring of the given capacity,
// which must be a power of two, with an optional handler standing in for
// the device side of the transport.
func NewSimQueue(capacity uint32, handler HostHandler) (*SimQueue, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, ErrNotPowerOfTwo
	}

	headerLen := int(unsafe.Sizeof(ringHeader{})) * 2
	ringLen := int(capacity) * int(unsafe.Sizeof(availSlot{}))
	usedLen := int(capacity) * int(unsafe.Sizeof(usedSlot{}))
	total := headerLen + ringLen + usedLen

	region, err := mmapAnon(uintptr(total))
	if err != nil {
		return nil, fmt.Errorf("hwring: mmap ring region: %w", err)
	}

	base := unsafe.Pointer(&region[0])
	availHdr := (*ringHeader)(base)
	usedHdr := (*ringHeader)(unsafe.Add(base, unsafe.Sizeof(ringHeader{})))
	availQ := unsafe.Slice((*availSlot)(unsafe.Add(base, headerLen)), capacity)
	usedQ := unsafe.Slice((*usedSlot)(unsafe.Add(base, headerLen+ringLen)), capacity)

	doorbellFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("hwring: doorbell eventfd: %w", err)
	}
	usedFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(doorbellFd)
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("hwring: used eventfd: %w", err)
	}

	q := &SimQueue{
		capacity:    capacity,
		mask:        capacity - 1,
		region:      region,
		availHdr:    availHdr,
		usedHdr:     usedHdr,
		availQ:      availQ,
		usedQ:       usedQ,
		slots:       make([]chainSlot, capacity),
		freeList:    make([]uint32, capacity),
		doorbellFd:  doorbellFd,
		usedFd:      usedFd,
		hostHandler: handler,
		closeCh:     make(chan struct{}),
	}
	for i := range q.freeList {
		q.freeList[i] = uint32(i)
	}

	go q.hostLoop()
	return q, nil
}

// Close releases the eventfds and unmaps the shared region. Safe to call
// once; further Queue operations after Close are undefined.
func (q *SimQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closeCh)
		if e := unix.Close(q.doorbellFd); e != nil {
			err = e
		}
		if e := unix.Close(q.usedFd); e != nil {
			err = e
		}
		if e := unix.Munmap(q.region); e != nil {
			err = e
		}
	})
	return err
}

func mmapAnon(length uintptr) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return region, nil
}

// InitSG discards any fragments staged since the last TryAddBuf.
func (q *SimQueue) InitSG() {
	q.mu.Lock()
	q.pending = q.pending[:0]
	q.mu.Unlock()
}

// AddOut appends a device-readable fragment to the pending chain.
func (q *SimQueue) AddOut(buf []byte) {
	q.mu.Lock()
	q.pending = append(q.pending, Fragment{Buf: buf, Out: true})
	q.mu.Unlock()
}

// AddIn appends a device-writable fragment to the pending chain.
func (q *SimQueue) AddIn(buf []byte) {
	q.mu.Lock()
	q.pending = append(q.pending, Fragment{Buf: buf, Out: false})
	q.mu.Unlock()
}

// TryAddBuf publishes the pending scatter-gather vector as one
// descriptor chain, non-blocking.
func (q *SimQueue) TryAddBuf(cookie Cookie) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.freeList) == 0 {
		return false
	}
	prod := q.availHdr.producer
	cons := q.availHdr.consumer
	if prod-cons == q.capacity {
		return false
	}

	idx := q.freeList[len(q.freeList)-1]
	q.freeList = q.freeList[:len(q.freeList)-1]

	q.slots[idx] = chainSlot{
		cookie:    cookie,
		fragments: append([]Fragment(nil), q.pending...),
		live:      true,
	}
	q.pending = q.pending[:0]

	q.availQ[prod&q.mask] = availSlot{idx: idx}
	q.availHdr.producer = prod + 1
	return true
}

// GetBufElem dequeues one completed chain, if any.
func (q *SimQueue) GetBufElem() (Cookie, uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prod := q.usedHdr.producer
	cons := q.usedHdr.consumer
	if prod == cons {
		return 0, 0, false
	}
	slot := q.usedQ[cons&q.mask]
	q.usedHdr.consumer = cons + 1

	ch := q.slots[slot.idx]
	return ch.cookie, slot.len, true
}

// GetBufFinalize releases the last n dequeued descriptor slots back to
// the free list.
func (q *SimQueue) GetBufFinalize(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cons := q.usedHdr.consumer
	for i := 0; i < n; i++ {
		pos := cons - uint32(n) + uint32(i)
		slot := q.usedQ[pos&q.mask]
		q.slots[slot.idx].live = false
		q.slots[slot.idx].fragments = nil
		q.freeList = append(q.freeList, slot.idx)
	}
}

// UsedRingNotEmpty reports whether GetBufElem would currently succeed.
func (q *SimQueue) UsedRingNotEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usedHdr.producer != q.usedHdr.consumer
}

// AvailRingHasRoom reports whether n more chains could be published.
func (q *SimQueue) AvailRingHasRoom(n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	prod := q.availHdr.producer
	cons := q.availHdr.consumer
	return q.capacity-(prod-cons) >= uint32(n)
}

// RefillNeeded reports whether at least a quarter of the descriptor slots
// are free, a proxy for "the device-writable side has dropped low enough
// to need more posted buffers".
func (q *SimQueue) RefillNeeded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return uint32(len(q.freeList)) >= q.capacity/4
}

// Kick rings the doorbell by writing to the guest-to-host eventfd.
func (q *SimQueue) Kick() bool {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(q.doorbellFd, buf[:])

	q.mu.Lock()
	needed := !q.notifySuppressed
	q.mu.Unlock()
	return needed
}

// DisableInterrupts masks the used-ring notification path.
func (q *SimQueue) DisableInterrupts() {
	q.mu.Lock()
	q.interruptsDisabled = true
	q.mu.Unlock()
}

// WaitForUsed blocks until the used ring is non-empty or ctx is done.
func (q *SimQueue) WaitForUsed(ctx context.Context) error {
	for {
		if q.UsedRingNotEmpty() {
			return nil
		}
		fds := []unix.PollFd{{Fd: int32(q.usedFd), Events: unix.POLLIN}}
		timeoutMs := 50
		if dl, ok := ctx.Deadline(); ok {
			if ms := int(time.Until(dl).Milliseconds()); ms < timeoutMs {
				if ms < 0 {
					ms = 0
				}
				timeoutMs = ms
			}
		}
		n, err := unix.Poll(fds, timeoutMs)
		if err != nil && err != unix.EINTR {
			return err
		}
		if n > 0 {
			var buf [8]byte
			_, _ = unix.Read(q.usedFd, buf[:])
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Size returns the ring's fixed descriptor capacity.
func (q *SimQueue) Size() int { return int(q.capacity) }

// SetIndirect records whether indirect descriptors are in use. SimQueue
// does not distinguish the two internally: every published chain takes
// exactly one ring slot whatever its fragment count; the flag is kept only so
// callers exercising both configurations see consistent behavior.
func (q *SimQueue) SetIndirect(v bool) {
	q.mu.Lock()
	q.indirect = v
	q.mu.Unlock()
}

// hostLoop stands in for the device: whenever the doorbell fires, it
// drains newly published chains, invokes the host handler (if any), and
// posts a used entry for each, waking anything blocked in WaitForUsed.
func (q *SimQueue) hostLoop() {
	fds := []unix.PollFd{{Fd: int32(q.doorbellFd), Events: unix.POLLIN}}
	for {
		select {
		case <-q.closeCh:
			return
		default:
		}

		n, err := unix.Poll(fds, 50)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		var buf [8]byte
		_, _ = unix.Read(q.doorbellFd, buf[:])
		q.drainAvail()
	}
}

func (q *SimQueue) drainAvail() {
	for {
		q.mu.Lock()
		prod := q.availHdr.producer
		cons := q.availHdr.consumer
		if prod == cons {
			q.mu.Unlock()
			return
		}
		slot := q.availQ[cons&q.mask]
		q.availHdr.consumer = cons + 1
		fragments := q.slots[slot.idx].fragments
		handler := q.hostHandler
		q.mu.Unlock()

		var outLen uint32
		if handler != nil {
			outLen = handler(fragments)
		}

		q.mu.Lock()
		q.slots[slot.idx].outLen = outLen
		uprod := q.usedHdr.producer
		q.usedQ[uprod&q.mask] = usedSlot{idx: slot.idx, len: outLen}
		q.usedHdr.producer = uprod + 1
		q.notifySuppressed = q.interruptsDisabled
		q.mu.Unlock()

		var wbuf [8]byte
		wbuf[0] = 1
		_, _ = unix.Write(q.usedFd, wbuf[:])
	}
}

var _ Queue = (*SimQueue)(nil)
