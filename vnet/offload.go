package vnet

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrDropOffload is returned by Offloader.Prepare when the packet must
// be dropped rather than transmitted: either it is too malformed to
// parse the headers checksum/TSO offload needs, or it requests
// ECN-tagged segmentation the host never advertised support for.
var ErrDropOffload = errors.New("vnet: packet dropped during offload preparation")

// Offloader parses a packet's Ethernet/VLAN/IP/TCP headers to populate
// its NetHeader with checksum and TSO offload fields. It is not safe for
// concurrent use: TX shares one Offloader between the fast path and the
// dispatcher and calls it only while holding RUNNING, so the reusable
// gopacket layer parser is never touched from two goroutines at once.
type Offloader struct {
	hostECN bool

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	decoded []gopacket.LayerType
}

// NewOffloader builds an Offloader. hostECN reports whether the host
// advertised HOST_ECN, gating whether an ECN-tagged TSO segment may be
// offloaded rather than dropped.
func NewOffloader(hostECN bool) *Offloader {
	o := &Offloader{hostECN: hostECN}
	o.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&o.eth, &o.dot1q, &o.ip4, &o.tcp, &o.udp,
	)
	o.parser.IgnoreUnsupported = true
	return o
}

// Prepare populates hdr's checksum and TSO offload fields from pkt,
// pulling up fragmented headers as needed. It returns ErrDropOffload if
// the packet is malformed or requests an offload the host cannot
// perform; the caller must free the packet and never enqueue it in that
// case.
func (o *Offloader) Prepare(pkt *Pbuf, hdr *NetHeader) error {
	if !pkt.NeedsCsum && !pkt.TSOEnabled {
		return nil
	}

	head, ok := pkt.PullUp(minParseWindow(pkt))
	if !ok {
		return ErrDropOffload
	}

	o.decoded = o.decoded[:0]
	_ = o.parser.DecodeLayers(head, &o.decoded)
	if !hasLayer(o.decoded, layers.LayerTypeIPv4) {
		if !pkt.NeedsCsum {
			// A TSO-only request on a non-IPv4 frame is sent with its
			// offload fields left clear.
			return nil
		}
		return ErrDropOffload
	}

	l3Start := len(o.eth.Contents)
	if hasLayer(o.decoded, layers.LayerTypeDot1Q) {
		l3Start += len(o.dot1q.Contents)
	}

	isTCP := hasLayer(o.decoded, layers.LayerTypeTCP)
	isUDP := hasLayer(o.decoded, layers.LayerTypeUDP)

	if pkt.NeedsCsum {
		hdr.Flags |= FlagNeedsCsum
		hdr.CsumStart = uint16(l3Start + len(o.ip4.Contents))
		switch {
		case isTCP:
			hdr.CsumOffset = 16 // offset of TCP checksum field within the TCP header
		case isUDP:
			hdr.CsumOffset = 6 // offset of UDP checksum field within the UDP header
		default:
			return ErrDropOffload
		}
	}

	if pkt.TSOEnabled {
		if !isTCP {
			// Non-TCP IPv4 packets requesting TSO proceed with checksum
			// offload only; non-IPv4 frames were handled above.
			return nil
		}
		if pkt.TSOEcn && !o.hostECN {
			return ErrDropOffload
		}
		gsoType := uint8(GSOTCPv4)
		if pkt.TSOEcn {
			gsoType |= GSOECN
		}
		hdr.GSOType = gsoType
		hdr.HdrLen = uint16(l3Start + len(o.ip4.Contents) + len(o.tcp.Contents))
		hdr.GSOSize = pkt.TSOSegSize
	}

	return nil
}

// maxHeaderStack bounds how many leading bytes a pull-up needs to find
// Ethernet+VLAN+IPv4+TCP headers contiguously. Worst case is Ethernet(14)
// + Dot1Q(4) + a max-options IPv4 header(60) + a max-options TCP
// header(60) = 138; rounded up to keep a margin.
const maxHeaderStack = 160

// minParseWindow bounds how many leading bytes Prepare needs contiguous
// to find Ethernet+VLAN+IPv4+TCP headers.
func minParseWindow(pkt *Pbuf) int {
	n := pkt.Len()
	if n > maxHeaderStack {
		return maxHeaderStack
	}
	return n
}

func hasLayer(decoded []gopacket.LayerType, want gopacket.LayerType) bool {
	for _, lt := range decoded {
		if lt == want {
			return true
		}
	}
	return false
}
