package vnet

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTCPPacket(t *testing.T, ecn bool) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: 1000, DstPort: 80, SYN: true}
	if ecn {
		tcp.CWR = true
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload([]byte("hello"))))
	return buf.Bytes()
}

func buildUDPPacket(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload([]byte("hi"))))
	return buf.Bytes()
}

func TestOffloaderPreparesTCPChecksumFields(t *testing.T) {
	o := NewOffloader(false)
	pkt := &Pbuf{Segments: [][]byte{buildTCPPacket(t, false)}, NeedsCsum: true}
	var hdr NetHeader
	require.NoError(t, o.Prepare(pkt, &hdr))
	assert.NotZero(t, hdr.Flags&FlagNeedsCsum)
	assert.Equal(t, uint16(16), hdr.CsumOffset)
	assert.Equal(t, uint16(34), hdr.CsumStart) // 14 (eth) + 20 (ipv4, no options) = start of TCP header
}

func TestOffloaderPreparesUDPChecksumFields(t *testing.T) {
	o := NewOffloader(false)
	pkt := &Pbuf{Segments: [][]byte{buildUDPPacket(t)}, NeedsCsum: true}
	var hdr NetHeader
	require.NoError(t, o.Prepare(pkt, &hdr))
	assert.Equal(t, uint16(6), hdr.CsumOffset)
}

func TestOffloaderSetsTSOFieldsForTCP(t *testing.T) {
	o := NewOffloader(false)
	pkt := &Pbuf{
		Segments:   [][]byte{buildTCPPacket(t, false)},
		TSOEnabled: true,
		TSOSegSize: 1400,
	}
	var hdr NetHeader
	require.NoError(t, o.Prepare(pkt, &hdr))
	assert.Equal(t, uint8(GSOTCPv4), hdr.GSOType)
	assert.Equal(t, uint16(1400), hdr.GSOSize)
	assert.NotZero(t, hdr.HdrLen)
}

func TestOffloaderSkipsTSOForNonTCP(t *testing.T) {
	o := NewOffloader(false)
	pkt := &Pbuf{Segments: [][]byte{buildUDPPacket(t)}, TSOEnabled: true}
	var hdr NetHeader
	require.NoError(t, o.Prepare(pkt, &hdr))
	assert.Equal(t, uint8(GSONone), hdr.GSOType)
}

func TestOffloaderDropsECNSegmentWhenHostLacksSupport(t *testing.T) {
	o := NewOffloader(false)
	pkt := &Pbuf{
		Segments:   [][]byte{buildTCPPacket(t, true)},
		TSOEnabled: true,
		TSOEcn:     true,
	}
	var hdr NetHeader
	err := o.Prepare(pkt, &hdr)
	assert.ErrorIs(t, err, ErrDropOffload)
}

func TestOffloaderAllowsECNSegmentWhenHostSupportsIt(t *testing.T) {
	o := NewOffloader(true)
	pkt := &Pbuf{
		Segments:   [][]byte{buildTCPPacket(t, true)},
		TSOEnabled: true,
		TSOEcn:     true,
	}
	var hdr NetHeader
	require.NoError(t, o.Prepare(pkt, &hdr))
	assert.NotZero(t, hdr.GSOType&GSOECN)
}

func TestOffloaderDropsPacketWithNoIPv4Layer(t *testing.T) {
	o := NewOffloader(false)
	pkt := &Pbuf{Segments: [][]byte{{0x02, 0, 0, 0, 0, 1, 0x02, 0, 0, 0, 0, 2, 0x08, 0x06}}, NeedsCsum: true}
	var hdr NetHeader
	err := o.Prepare(pkt, &hdr)
	assert.ErrorIs(t, err, ErrDropOffload)
}

func TestOffloaderSkipsWorkWhenNoOffloadRequested(t *testing.T) {
	o := NewOffloader(false)
	pkt := &Pbuf{Segments: [][]byte{{1, 2, 3}}}
	var hdr NetHeader
	require.NoError(t, o.Prepare(pkt, &hdr))
	assert.Zero(t, hdr.Flags)
}
