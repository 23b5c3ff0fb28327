// Package packet implements a recursive link/network/transport/tunnel
// decoder: Parse turns raw captured bytes into an immutable PacketInfo
// tree whose slices point into the raw buffer and are valid for exactly
// one reactor iteration. The PacketInfo structs themselves are ordinary
// Go heap allocations; the batch arena passed to Parse is not used.
package packet

import (
	"encoding/binary"

	"github.com/cznic-net/ucollect-go/internal/arena"
)

// Direction is the capture direction a frame was seen on.
type Direction byte

const (
	DirUnknown Direction = iota
	DirIn
	DirOut
)

// LinkType identifies the link-layer framing of the raw bytes handed to
// Parse, matching the capture handle's reported datalink type.
type LinkType byte

const (
	LinkEthernet LinkType = iota
	LinkCooked            // Linux "cooked" capture (SLL)
	LinkRawIP
)

// Link-layer tag bytes (PacketInfo.Link), named for the byte literals
// the original C ABI used so on-wire diagnostics stay recognizable.
const (
	LinkTagEthernet byte = 'E'
	LinkTagCooked   byte = 'S'
	LinkTagRawIP    byte = 'I'
	LinkTagUnknown  byte = '?'
)

// Transport/app-protocol tag bytes (PacketInfo.App).
const (
	AppTCP     byte = 'T'
	AppUDP     byte = 'U'
	AppICMP    byte = 'i'
	AppICMPv6  byte = 'I'
	AppTunnel4 byte = '4' // IPv4-in-IPvX
	AppTunnel6 byte = '6' // IPv6-in-IPvX (not produced by this decoder; reserved)
	AppARP     byte = 'A'
	AppWoL     byte = 'W'
	AppIPX     byte = 'X'
	AppEAP     byte = 'E'
	AppUnknown byte = '?'
)

const (
	etherTypeIPv4    = 0x0800
	etherTypeIPv6    = 0x86DD
	etherTypeARP     = 0x0806
	etherTypeRARP    = 0x8035
	etherTypeVLAN    = 0x8100
	etherTypeVLANQ   = 0x88a8
	etherTypeIPX1    = 0x8137
	etherTypeIPX2    = 0x8138
	etherTypeEAP     = 0x888e
	etherTypePPPoED  = 0x8863
	etherTypePPPoES  = 0x8864
	etherTypeWoLMagi = 0x0842

	ipProtoICMP   = 1
	ipProtoIPv4   = 4 // IP-in-IP tunnel
	ipProtoTCP    = 6
	ipProtoUDP    = 17
	ipProtoIPv6   = 41 // IPv6-in-IPvX tunnel
	ipProtoICMPv6 = 58
)

// PacketInfo is an immutable decoded view over a captured frame's bytes.
// All slice fields point into the original raw buffer and are only
// valid for one reactor iteration.
type PacketInfo struct {
	Raw   []byte
	Iface string
	Dir   Direction

	Link byte // one of LinkTag*
	IPVer int // 0, 4, or 6

	SrcAddr []byte
	DstAddr []byte

	SrcPort uint16
	DstPort uint16

	App         byte // one of App*
	HeaderLen   int  // bytes consumed by this PacketInfo's own headers
	IPProtocol  byte // raw protocol/next-header byte, 0 if not IP
	TCPFlags    byte

	Next *PacketInfo // child packet for tunneled payloads
}

// Parse decodes raw according to linkType. Child PacketInfo structs are
// allocated on the Go heap; a is accepted but not allocated from. iface
// and dir are carried through unchanged for
// plugin consumption; they do not affect decoding.
//
// Parse is a pure function of (raw, linkType): calling it twice on
// identical input produces identical trees. It touches only raw's own
// bytes and newly allocated child structs — never plugin state.
func Parse(raw []byte, a *arena.Arena, linkType LinkType, iface string, dir Direction) *PacketInfo {
	info := &PacketInfo{Raw: raw, Iface: iface, Dir: dir}
	switch linkType {
	case LinkEthernet:
		parseEthernet(info, a, raw)
	case LinkCooked:
		parseCooked(info, a, raw)
	case LinkRawIP:
		info.Link = LinkTagRawIP
		parseIP(info, a, raw)
		postProcess(info)
	default:
		info.Link = LinkTagUnknown
	}
	return info
}

const ethHeaderLen = 14

func parseEthernet(info *PacketInfo, a *arena.Arena, raw []byte) {
	info.Link = LinkTagEthernet
	if len(raw) < ethHeaderLen {
		return
	}
	info.DstAddr = raw[0:6]
	info.SrcAddr = raw[6:12]
	off := 12

	etherType := binary.BigEndian.Uint16(raw[off : off+2])
	off += 2

	// Traverse at most two VLAN tags (802.1Q / 802.1ad QinQ).
	for i := 0; i < 2 && (etherType == etherTypeVLAN || etherType == etherTypeVLANQ); i++ {
		if len(raw) < off+4 {
			return
		}
		etherType = binary.BigEndian.Uint16(raw[off+2 : off+4])
		off += 4
	}

	info.HeaderLen = off
	dispatchEtherType(info, a, raw, off, etherType)
}

func parseCooked(info *PacketInfo, a *arena.Arena, raw []byte) {
	info.Link = LinkTagCooked
	// Linux SLL header: 2 pkttype, 2 arphdr, 2 addr len, 8 addr, 2 proto = 16 bytes.
	const sllHeaderLen = 16
	if len(raw) < sllHeaderLen {
		return
	}
	addrLen := binary.BigEndian.Uint16(raw[4:6])
	if addrLen > 8 {
		addrLen = 8
	}
	info.SrcAddr = raw[6 : 6+addrLen]
	etherType := binary.BigEndian.Uint16(raw[14:16])
	info.HeaderLen = sllHeaderLen
	dispatchEtherType(info, a, raw, sllHeaderLen, etherType)
}

func dispatchEtherType(info *PacketInfo, a *arena.Arena, raw []byte, off int, etherType uint16) {
	switch etherType {
	case etherTypeIPv4, etherTypeIPv6:
		if off > len(raw) {
			return
		}
		child := &PacketInfo{Raw: raw[off:], Iface: info.Iface, Dir: info.Dir, Link: LinkTagRawIP}
		parseIP(child, a, raw[off:])
		postProcess(child)
		info.Next = child
	case etherTypeARP, etherTypeRARP:
		info.App = AppARP
	case etherTypeWoLMagi:
		info.App = AppWoL
	case etherTypeIPX1, etherTypeIPX2:
		info.App = AppIPX
	case etherTypeEAP:
		info.App = AppEAP
	case etherTypePPPoED, etherTypePPPoES:
		// PPPoE discovery/session framing carries its own sub-protocol;
		// out of scope beyond tagging it unknown-but-recognized.
		info.App = AppUnknown
	default:
		info.App = AppUnknown
	}
}

func parseIP(info *PacketInfo, a *arena.Arena, raw []byte) {
	if len(raw) < 1 {
		return
	}
	version := raw[0] >> 4
	switch version {
	case 4:
		parseIPv4(info, a, raw)
	case 6:
		parseIPv6(info, a, raw)
	default:
		info.IPVer = 0
	}
}

func parseIPv4(info *PacketInfo, a *arena.Arena, raw []byte) {
	const minIPv4Header = 20
	if len(raw) < minIPv4Header {
		return
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < minIPv4Header || ihl > len(raw) {
		return
	}
	info.IPVer = 4
	info.SrcAddr = raw[12:16]
	info.DstAddr = raw[16:20]
	info.IPProtocol = raw[9]
	info.HeaderLen = ihl
	parseTransport(info, a, raw, ihl, info.IPProtocol)
}

func parseIPv6(info *PacketInfo, a *arena.Arena, raw []byte) {
	const ipv6HeaderLen = 40
	if len(raw) < ipv6HeaderLen {
		return
	}
	info.IPVer = 6
	info.SrcAddr = raw[8:24]
	info.DstAddr = raw[24:40]
	info.IPProtocol = raw[6]
	info.HeaderLen = ipv6HeaderLen
	parseTransport(info, a, raw, ipv6HeaderLen, info.IPProtocol)
}

func parseTransport(info *PacketInfo, a *arena.Arena, raw []byte, off int, proto byte) {
	payload := raw[off:]
	switch proto {
	case ipProtoTCP:
		if len(payload) < 8 {
			return
		}
		info.App = AppTCP
		info.SrcPort = binary.BigEndian.Uint16(payload[0:2])
		info.DstPort = binary.BigEndian.Uint16(payload[2:4])
		if len(payload) >= 14 {
			dataOffset := int(payload[12]>>4) * 4
			info.HeaderLen = off + dataOffset
			info.TCPFlags = payload[13]
		}
	case ipProtoUDP:
		if len(payload) < 8 {
			return
		}
		info.App = AppUDP
		info.SrcPort = binary.BigEndian.Uint16(payload[0:2])
		info.DstPort = binary.BigEndian.Uint16(payload[2:4])
		info.HeaderLen = off + 8
	case ipProtoICMP:
		info.App = AppICMP
	case ipProtoICMPv6:
		info.App = AppICMPv6
	case ipProtoIPv4:
		info.App = AppTunnel4
		child := &PacketInfo{Raw: payload, Iface: info.Iface, Dir: info.Dir, Link: LinkTagRawIP}
		parseIP(child, a, payload)
		postProcess(child)
		info.Next = child
	case ipProtoIPv6:
		info.App = AppTunnel4 // tagged '4' per spec: "protocol 4 or 41 -> recurse"; both produce a tunnel child.
		child := &PacketInfo{Raw: payload, Iface: info.Iface, Dir: info.Dir, Link: LinkTagRawIP}
		parseIP(child, a, payload)
		postProcess(child)
		info.Next = child
	default:
		info.App = AppUnknown
	}
}

// postProcess applies the decoder's cleanup pass to one IP-layer
// PacketInfo: an unrecognized IP version zeroes addresses and marks an
// unset transport tag AppUnknown, a packet with no ports zeroes the port fields, a
// non-tunnel clears Next, and a non-TCP packet clears the flag byte.
// Only ever called on a PacketInfo that went through parseIP — a
// link-layer parent (Ethernet, cooked) carries MAC addresses and an App
// tag with different meaning and must not run through this pass.
func postProcess(info *PacketInfo) {
	if info.IPVer == 0 {
		info.SrcAddr = nil
		info.DstAddr = nil
		if info.App == 0 {
			info.App = AppUnknown
		}
	}
	if info.App != AppTCP && info.App != AppUDP {
		info.SrcPort = 0
		info.DstPort = 0
	}
	if info.App != AppTunnel4 && info.App != AppTunnel6 {
		info.Next = nil
	}
	if info.App != AppTCP {
		info.TCPFlags = 0
	}
	if info.App == 0 {
		info.App = AppUnknown
	}
	if info.Link == 0 {
		info.Link = LinkTagUnknown
	}
}
