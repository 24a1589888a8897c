package vnet

// Pbuf is an externally owned chain of buffer segments: the driver never
// allocates or frees the segments themselves, only the transient header
// storage it co-allocates alongside each in-flight transmit request.
type Pbuf struct {
	// Segments holds the packet's payload as a chain of byte slices, in
	// wire order. On transmit these are supplied by the upper layer; on
	// receive they are posted by the driver from the allocator and filled
	// in by the host.
	Segments [][]byte

	// Iface identifies the receiving interface; only meaningful for
	// packets handed up from the RX path.
	Iface string

	// NeedsCsum requests checksum offload on transmit, or reports that
	// the host asked for guest-side validation on receive.
	NeedsCsum bool
	// DataValid reports that the payload checksum has already been
	// validated (set by the RX path on a successful checksum check, or by
	// the upper layer supplying a pre-validated packet on transmit).
	DataValid bool

	// CsumStart is the byte offset where host checksumming begins, i.e.
	// the start of the L4 header the checksum covers.
	CsumStart uint16
	// CsumOffset is the byte offset, within the L4 header, of the
	// checksum field to fill or validate.
	CsumOffset uint16

	// TSOEnabled requests TCP segmentation offload on transmit.
	TSOEnabled bool
	// TSOSegSize is the maximum payload size for one generated segment.
	TSOSegSize uint16
	// TSOEcn reports that the TCP segment carries CWR and therefore needs
	// ECN-aware segmentation from the host.
	TSOEcn bool
}

// Len returns the packet's total length across all segments.
func (p *Pbuf) Len() int {
	n := 0
	for _, seg := range p.Segments {
		n += len(seg)
	}
	return n
}

// PullUp returns the first n bytes of the chain as one contiguous slice,
// returning false if the chain is shorter than n. When the first segment
// already holds n bytes the result aliases it; otherwise the bytes are
// copied into a new slice. The segments are never modified. Used by offload preparation, which needs
// contiguous access to Ethernet/IP/TCP headers that may straddle a
// segment boundary.
func (p *Pbuf) PullUp(n int) ([]byte, bool) {
	if p.Len() < n {
		return nil, false
	}
	if len(p.Segments) > 0 && len(p.Segments[0]) >= n {
		return p.Segments[0][:n], true
	}
	buf := make([]byte, 0, n)
	for _, seg := range p.Segments {
		remaining := n - len(buf)
		if remaining <= 0 {
			break
		}
		if len(seg) >= remaining {
			buf = append(buf, seg[:remaining]...)
			break
		}
		buf = append(buf, seg...)
	}
	return buf, true
}

// TrimFront removes the first n bytes from the chain, dropping now-empty
// leading segments.
func (p *Pbuf) TrimFront(n int) {
	for n > 0 && len(p.Segments) > 0 {
		seg := p.Segments[0]
		if len(seg) <= n {
			n -= len(seg)
			p.Segments = p.Segments[1:]
			continue
		}
		p.Segments[0] = seg[n:]
		n = 0
	}
}

// TxReq is a driver-owned record bound 1:1 to an in-flight transmit: it
// holds the fixed-size net header co-allocated at enqueue time and a
// reference to the packet buffer being sent. Every descriptor index the
// hardware ring holds in its used ring must be covered by exactly one
// live TxReq; the TX engine maps each published cookie back to its
// *TxReq through cookieTable.
type TxReq struct {
	Header NetHeader
	Pkt    *Pbuf

	// headerBytes is the transient wire-encoded form of Header, holding
	// enough room for the largest negotiated header layout (16 bytes,
	// merged-RX-buffers). It is co-allocated with the request itself so
	// no separate allocation is needed per transmit.
	headerBytes [headerSizeMerged]byte
}
