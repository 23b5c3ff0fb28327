package packet

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildEthIPv4UDP builds a minimal Ethernet/IPv4/UDP frame of the given
// total length, with the given ports, protocol fixed to UDP.
func buildEthIPv4UDP(totalLen int, sport, dport uint16) []byte {
	buf := make([]byte, totalLen)
	// dst/src MAC left zero.
	binary.BigEndian.PutUint16(buf[12:14], 0x0800) // EtherType IPv4

	ipStart := 14
	buf[ipStart] = 0x45 // version 4, IHL 5
	buf[ipStart+9] = 17 // protocol UDP
	binary.BigEndian.PutUint16(buf[ipStart+2:ipStart+4], uint16(totalLen-ipStart))

	udpStart := ipStart + 20
	binary.BigEndian.PutUint16(buf[udpStart:udpStart+2], sport)
	binary.BigEndian.PutUint16(buf[udpStart+2:udpStart+4], dport)
	binary.BigEndian.PutUint16(buf[udpStart+4:udpStart+6], uint16(totalLen-udpStart))

	return buf
}

// buildIPv4TunnelTCP builds a raw IPv4 datagram whose protocol byte is 4
// (IP-in-IP) and whose payload is a complete IPv4/TCP datagram.
func buildIPv4TunnelTCP() []byte {
	inner := make([]byte, 20+20) // IPv4 header + TCP header, no options
	inner[0] = 0x45
	inner[9] = 6 // TCP
	binary.BigEndian.PutUint16(inner[2:4], uint16(len(inner)))
	tcpStart := 20
	binary.BigEndian.PutUint16(inner[tcpStart:tcpStart+2], 443)
	binary.BigEndian.PutUint16(inner[tcpStart+2:tcpStart+4], 12345)
	inner[tcpStart+12] = 5 << 4 // data offset 5 (20 bytes)
	inner[tcpStart+13] = 0x02  // SYN

	outer := make([]byte, 20+len(inner))
	outer[0] = 0x45
	outer[9] = 4 // IP-in-IP
	binary.BigEndian.PutUint16(outer[2:4], uint16(len(outer)))
	copy(outer[20:], inner)
	return outer
}

func TestEthernetIPv4UDPDecodesNestedPorts(t *testing.T) {
	raw := buildEthIPv4UDP(60, 1000, 53)
	info := Parse(raw, nil, LinkEthernet, "lo", DirIn)

	assert.Equal(t, LinkTagEthernet, info.Link)
	require.NotNil(t, info.Next)
	assert.Equal(t, LinkTagRawIP, info.Next.Link)
	assert.Equal(t, 4, info.Next.IPVer)
	assert.Equal(t, AppUDP, info.Next.App)
	assert.Equal(t, uint16(1000), info.Next.SrcPort)
	assert.Equal(t, uint16(53), info.Next.DstPort)
}

func TestIPIPTunnelDecodesInnerTCP(t *testing.T) {
	raw := buildIPv4TunnelTCP()
	info := Parse(raw, nil, LinkRawIP, "eth0", DirIn)

	assert.Equal(t, 4, info.IPVer)
	assert.EqualValues(t, 4, info.IPProtocol)
	assert.Equal(t, AppTunnel4, info.App)
	require.NotNil(t, info.Next)
	assert.Equal(t, AppTCP, info.Next.App)
	assert.EqualValues(t, 443, info.Next.SrcPort)
	assert.EqualValues(t, 12345, info.Next.DstPort)
}

// TestParseIsPureFunctionOfInput verifies that calling Parse twice on
// identical input produces identical trees.
func TestParseIsPureFunctionOfInput(t *testing.T) {
	raw := buildEthIPv4UDP(74, 5353, 5353)
	a := Parse(raw, nil, LinkEthernet, "eth0", DirOut)
	b := Parse(raw, nil, LinkEthernet, "eth0", DirOut)

	assert.Equal(t, a.Link, b.Link)
	assert.Equal(t, a.Next.IPVer, b.Next.IPVer)
	assert.Equal(t, a.Next.App, b.Next.App)
	assert.Equal(t, a.Next.SrcPort, b.Next.SrcPort)
	assert.Equal(t, a.Next.DstPort, b.Next.DstPort)
	assert.Equal(t, a.Next.HeaderLen, b.Next.HeaderLen)
}

func TestNonTCPClearsFlags(t *testing.T) {
	raw := buildEthIPv4UDP(60, 1, 2)
	info := Parse(raw, nil, LinkEthernet, "eth0", DirIn)
	assert.Zero(t, info.Next.TCPFlags)
}

// TestEthernetParentKeepsMACAddressesAndChild guards against the
// link-layer cleanup pass running on the Ethernet parent itself: the
// parent's MAC addresses must survive and its IP child must not be
// cleared, since the parent's own App tag is never set when it wraps IP.
func TestEthernetParentKeepsMACAddressesAndChild(t *testing.T) {
	raw := buildEthIPv4UDP(60, 1000, 53)
	raw[0], raw[5] = 0xaa, 0xbb // non-zero dst/src MAC bytes
	info := Parse(raw, nil, LinkEthernet, "eth0", DirIn)
	assert.Equal(t, byte(0xaa), info.DstAddr[0])
	assert.Equal(t, byte(0xbb), info.SrcAddr[5])
	require.NotNil(t, info.Next)
}

func TestUnrecognizedIPZeroesAddresses(t *testing.T) {
	raw := []byte{0x70, 0x00, 0x00, 0x00} // version nibble 7: not 4 or 6
	info := Parse(raw, nil, LinkRawIP, "eth0", DirIn)
	assert.Equal(t, 0, info.IPVer)
	assert.Nil(t, info.SrcAddr)
	assert.Nil(t, info.DstAddr)
	assert.Equal(t, AppUnknown, info.App)
}

func TestVLANTraversal(t *testing.T) {
	buf := make([]byte, 14+4+4+20+8+10)
	binary.BigEndian.PutUint16(buf[12:14], etherTypeVLAN)
	binary.BigEndian.PutUint16(buf[14:16], 100) // VLAN tag 1 id
	binary.BigEndian.PutUint16(buf[16:18], etherTypeVLAN)
	binary.BigEndian.PutUint16(buf[18:20], 200) // VLAN tag 2 id
	binary.BigEndian.PutUint16(buf[20:22], 0x0800)
	ipStart := 22
	buf[ipStart] = 0x45
	buf[ipStart+9] = 17
	binary.BigEndian.PutUint16(buf[ipStart+2:ipStart+4], uint16(len(buf)-ipStart))

	info := Parse(buf, nil, LinkEthernet, "eth0", DirIn)
	require.NotNil(t, info.Next)
	assert.Equal(t, 4, info.Next.IPVer)
}
