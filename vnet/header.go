package vnet

import "encoding/binary"

// Flag bits for NetHeader.Flags.
const (
	FlagNeedsCsum = 1 << 0
	FlagDataValid = 1 << 1
)

// GSO type values for NetHeader.GSOType. GSOECN is or'd in alongside one
// of the base types when the segment carries CWR.
const (
	GSONone  = 0
	GSOTCPv4 = 1
	GSOUDP   = 3
	GSOTCPv6 = 4
	GSOECN   = 0x80
)

// headerSizeShort is the wire size when merged-RX-buffers was not
// negotiated: the 10-byte field layout plus 2 bytes of trailing padding
// to match the host's struct alignment.
const headerSizeShort = 12

// headerSizeMerged is the wire size when merged-RX-buffers was
// negotiated: headerSizeShort's 10 significant bytes, a 2-byte
// NumBuffers field, and 4 bytes of trailing padding.
const headerSizeMerged = 16

// NetHeader is the per-packet virtio-net header, little-endian on the
// wire, exactly as advertised to the host on transmit and read back from
// it on receive.
type NetHeader struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
	// NumBuffers is only meaningful, and only present on the wire, when
	// merged-RX-buffers was negotiated.
	NumBuffers uint16
}

// Size returns the wire size of h given whether merged-RX-buffers is in
// effect.
func Size(mergedRxBuf bool) int {
	if mergedRxBuf {
		return headerSizeMerged
	}
	return headerSizeShort
}

// Encode writes h to buf in wire format, writing the trailing
// NumBuffers field only when mergedRxBuf is true. buf must be at least
// Size(mergedRxBuf) bytes.
func (h *NetHeader) Encode(buf []byte, mergedRxBuf bool) int {
	buf[0] = h.Flags
	buf[1] = h.GSOType
	binary.LittleEndian.PutUint16(buf[2:4], h.HdrLen)
	binary.LittleEndian.PutUint16(buf[4:6], h.GSOSize)
	binary.LittleEndian.PutUint16(buf[6:8], h.CsumStart)
	binary.LittleEndian.PutUint16(buf[8:10], h.CsumOffset)
	if mergedRxBuf {
		binary.LittleEndian.PutUint16(buf[10:12], h.NumBuffers)
		return headerSizeMerged
	}
	return headerSizeShort
}

// DecodeNetHeader reads a NetHeader from buf, expecting the trailing
// NumBuffers field only when mergedRxBuf is true. Returns false if buf
// is too short.
func DecodeNetHeader(buf []byte, mergedRxBuf bool) (NetHeader, bool) {
	var h NetHeader
	want := headerSizeShort
	if mergedRxBuf {
		want = headerSizeMerged
	}
	if len(buf) < want {
		return h, false
	}
	h.Flags = buf[0]
	h.GSOType = buf[1]
	h.HdrLen = binary.LittleEndian.Uint16(buf[2:4])
	h.GSOSize = binary.LittleEndian.Uint16(buf[4:6])
	h.CsumStart = binary.LittleEndian.Uint16(buf[6:8])
	h.CsumOffset = binary.LittleEndian.Uint16(buf[8:10])
	if mergedRxBuf {
		h.NumBuffers = binary.LittleEndian.Uint16(buf[10:12])
	} else {
		h.NumBuffers = 1
	}
	return h, true
}

// Feature bits negotiated between driver and host.
const (
	FeatureCSUM      = 1 << 0
	FeatureGuestCsum = 1 << 1
	FeatureMAC       = 1 << 5
	FeatureGuestTSO4 = 1 << 7
	FeatureGuestECN  = 1 << 9
	FeatureGuestUFO  = 1 << 10
	FeatureHostTSO4  = 1 << 11
	FeatureHostECN   = 1 << 13
	FeatureMrgRxbuf  = 1 << 15
	FeatureStatus    = 1 << 16

	// wantedFeatures is the intersection request the driver makes on
	// probe, before intersecting with what the host actually advertises.
	wantedFeatures = FeatureCSUM | FeatureGuestCsum | FeatureMAC |
		FeatureGuestTSO4 | FeatureGuestECN | FeatureGuestUFO |
		FeatureHostTSO4 | FeatureHostECN | FeatureMrgRxbuf | FeatureStatus
)

// NegotiateFeatures intersects the driver's wanted feature set with what
// the host advertises.
func NegotiateFeatures(hostAdvertised uint32) uint32 {
	return wantedFeatures & hostAdvertised
}
