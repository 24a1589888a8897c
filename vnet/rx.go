package vnet

import (
	"context"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/vnetkit/virtio-net-go/hwring"
)

// ethernetHeaderLen is the minimum untagged Ethernet header size used by
// the runt-frame check in the poll loop.
const ethernetHeaderLen = 14

// AllocFunc supplies a fresh receive buffer of MCL size, reporting false
// when the allocator is exhausted. A false return causes the current
// refill burst to stop early rather than blocking the poll loop.
type AllocFunc func() ([]byte, bool)

// RX is the receive engine: a single poll-loop thread that drains used
// descriptors, reassembles mergeable-buffer frames, validates checksums,
// hands packets to the upper layer, and refills the ring.
type RX struct {
	queue       hwring.Queue
	mergedRxBuf bool
	guestCsum   bool
	stats       *Stats
	upper       UpperLayer
	alloc       AllocFunc

	slots      map[hwring.Cookie][]byte
	nextCookie uint64

	parser *gopacket.DecodingLayerParser
	eth    layers.Ethernet
	dot1q  layers.Dot1Q
	ip4    layers.IPv4
	tcp    layers.TCP
	udp    layers.UDP
	dec    []gopacket.LayerType
}

// NewRX builds an RX engine over queue. mergedRxBuf and guestCsum
// reflect device binding's negotiated feature set.
func NewRX(queue hwring.Queue, mergedRxBuf, guestCsum bool, stats *Stats, upper UpperLayer, alloc AllocFunc) *RX {
	rx := &RX{
		queue:       queue,
		mergedRxBuf: mergedRxBuf,
		guestCsum:   guestCsum,
		stats:       stats,
		upper:       upper,
		alloc:       alloc,
		slots:       make(map[hwring.Cookie][]byte),
	}
	rx.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&rx.eth, &rx.dot1q, &rx.ip4, &rx.tcp, &rx.udp,
	)
	rx.parser.IgnoreUnsupported = true
	return rx
}

// Run is the poll-loop thread: exactly one goroutine may call it for the
// lifetime of the engine. It returns once the upper layer reports it is
// no longer running, or ctx is done.
func (rx *RX) Run(ctx context.Context) error {
	rx.refill()

	for {
		if !rx.upper.Running() {
			return nil
		}

		if err := rx.queue.WaitForUsed(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		for rx.queue.UsedRingNotEmpty() {
			rx.pollOne()
			if !rx.upper.Running() {
				return nil
			}
		}
	}
}

// pollOne handles one popped descriptor chain end to end: reassembly,
// header strip, checksum validation, handoff, and opportunistic refill.
func (rx *RX) pollOne() {
	cookie, outLen, ok := rx.queue.GetBufElem()
	if !ok {
		return
	}
	buf, found := rx.takeSlot(cookie)
	rx.queue.GetBufFinalize(1)
	if !found {
		return
	}

	fragLen := clampLen(outLen, len(buf))
	hdrSize := Size(rx.mergedRxBuf)
	if int(fragLen) < hdrSize+ethernetHeaderLen {
		rx.stats.RxDrops.Add(1)
		rx.maybeRefill()
		return
	}

	hdr, ok := DecodeNetHeader(buf[:fragLen], rx.mergedRxBuf)
	if !ok {
		rx.stats.RxDrops.Add(1)
		rx.maybeRefill()
		return
	}

	pkt := &Pbuf{Segments: [][]byte{buf[hdrSize:fragLen]}}

	numBuffers := 1
	if rx.mergedRxBuf {
		numBuffers = int(hdr.NumBuffers)
		if numBuffers < 1 {
			numBuffers = 1
		}
	}
	if !rx.collectFragments(pkt, numBuffers-1) {
		rx.stats.RxDrops.Add(1)
		rx.maybeRefill()
		return
	}

	if hdr.Flags&FlagNeedsCsum != 0 && rx.guestCsum {
		pkt.NeedsCsum = true
		if rx.badRxCsum(pkt, hdr) {
			rx.stats.RxCsumErr.Add(1)
		} else {
			pkt.DataValid = true
			rx.stats.RxCsum.Add(1)
		}
	}

	rx.stats.RxPackets.Add(1)
	rx.stats.RxBytes.Add(uint64(pkt.Len()))
	rx.upper.Input(pkt)

	rx.maybeRefill()
}

// collectFragments pops n additional descriptors, chaining their
// buffers onto pkt to form one logical mergeable-buffer frame. Returns
// false if any expected fragment is missing.
func (rx *RX) collectFragments(pkt *Pbuf, n int) bool {
	for i := 0; i < n; i++ {
		cookie, outLen, ok := rx.queue.GetBufElem()
		if !ok {
			return false
		}
		buf, found := rx.takeSlot(cookie)
		rx.queue.GetBufFinalize(1)
		if !found {
			return false
		}

		// This intentionally clamps the fragment length to the posted
		// buffer's own capacity rather than trusting the device-reported
		// length outright, matching the original driver's fragment
		// handling exactly; it is not a bug to "fix".
		fragLen := clampLen(outLen, len(buf))
		pkt.Segments = append(pkt.Segments, buf[:fragLen])
	}
	return true
}

func clampLen(reported uint32, posted int) uint32 {
	if reported > uint32(posted) {
		return uint32(posted)
	}
	return reported
}

// badRxCsum implements the checksum validation policy: reject if the
// packet is too short to hold a TCP or UDP header at csum_start, if the
// frame is not IPv4 (optionally VLAN-tagged), or if csum_offset matches
// neither the UDP nor TCP checksum field. A matching UDP offset with a
// zero on-wire checksum is accepted, since UDP-over-IPv4 permits a zero
// checksum to mean "none computed".
func (rx *RX) badRxCsum(pkt *Pbuf, hdr NetHeader) bool {
	if pkt.Len() < int(hdr.CsumStart) {
		return true
	}

	window := pkt.Len()
	if window > maxHeaderStack {
		window = maxHeaderStack
	}
	head, ok := pkt.PullUp(window)
	if !ok {
		return true
	}

	rx.dec = rx.dec[:0]
	_ = rx.parser.DecodeLayers(head, &rx.dec)
	if !hasLayer(rx.dec, layers.LayerTypeIPv4) {
		return true
	}

	switch {
	case hasLayer(rx.dec, layers.LayerTypeTCP) && hdr.CsumOffset == 16:
		return pkt.Len() < int(hdr.CsumStart)+20 // minimum TCP header
	case hasLayer(rx.dec, layers.LayerTypeUDP) && hdr.CsumOffset == 6:
		return pkt.Len() < int(hdr.CsumStart)+8 // UDP header
	default:
		return true
	}
}

// refill posts fresh buffers until the available ring is full or the
// allocator is exhausted, doorbelling once at the end of the burst.
func (rx *RX) refill() {
	posted := 0
	for rx.queue.AvailRingHasRoom(1) {
		buf, ok := rx.alloc()
		if !ok {
			break
		}
		rx.queue.InitSG()
		rx.queue.AddIn(buf)
		cookie := rx.putSlot(buf)
		if !rx.queue.TryAddBuf(cookie) {
			rx.dropSlot(cookie)
			break
		}
		posted++
	}
	if posted > 0 {
		rx.queue.Kick()
	}
}

func (rx *RX) maybeRefill() {
	if rx.queue.RefillNeeded() {
		rx.refill()
	}
}

func (rx *RX) putSlot(buf []byte) hwring.Cookie {
	rx.nextCookie++
	c := hwring.Cookie(rx.nextCookie)
	rx.slots[c] = buf
	return c
}

func (rx *RX) takeSlot(c hwring.Cookie) ([]byte, bool) {
	buf, ok := rx.slots[c]
	if ok {
		delete(rx.slots, c)
	}
	return buf, ok
}

func (rx *RX) dropSlot(c hwring.Cookie) {
	delete(rx.slots, c)
}
