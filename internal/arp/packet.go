// Package arp implements the ARP cache (spec component E): resolution of
// IPv4 addresses to link-layer addresses on directly connected networks,
// with a fixed-size table, pending-payload queueing for callers blocked on
// an in-flight resolution, and a periodic aging sweep.
package arp

import (
	"encoding/binary"
	"fmt"

	"github.com/clidar0929/netstackd/internal/addr"
)

// Operation is the ARP opcode (RFC 826 §2).
type Operation uint16

const (
	OpRequest Operation = 1
	OpReply   Operation = 2
)

func (op Operation) String() string {
	switch op {
	case OpRequest:
		return "request"
	case OpReply:
		return "reply"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(op))
	}
}

const (
	hardwareTypeEthernet uint16 = 1
	protocolTypeIPv4     uint16 = 0x0800
	hardwareLenEthernet  uint8  = 6
	protocolLenIPv4      uint8  = 4

	// WireLen is the on-wire size of an Ethernet/IPv4 ARP packet.
	WireLen = 28
)

// Packet is a parsed Ethernet/IPv4 ARP message.
type Packet struct {
	Operation   Operation
	SenderHW    addr.MAC
	SenderProto addr.IPv4
	TargetHW    addr.MAC
	TargetProto addr.IPv4
}

// Marshal encodes p into its 28-byte wire form.
func (p Packet) Marshal() []byte {
	b := make([]byte, WireLen)
	binary.BigEndian.PutUint16(b[0:2], hardwareTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], protocolTypeIPv4)
	b[4] = hardwareLenEthernet
	b[5] = protocolLenIPv4
	binary.BigEndian.PutUint16(b[6:8], uint16(p.Operation))
	copy(b[8:14], p.SenderHW[:])
	spa := p.SenderProto.Bytes()
	copy(b[14:18], spa[:])
	copy(b[18:24], p.TargetHW[:])
	tpa := p.TargetProto.Bytes()
	copy(b[24:28], tpa[:])
	return b
}

// Unmarshal parses an ARP packet, rejecting anything that isn't a
// well-formed Ethernet/IPv4 ARP message (spec.md §4.E "reject: short,
// unknown hardware/protocol type, or wrong address lengths").
func Unmarshal(b []byte) (Packet, error) {
	if len(b) < WireLen {
		return Packet{}, fmt.Errorf("arp: short packet: %d bytes", len(b))
	}
	htype := binary.BigEndian.Uint16(b[0:2])
	ptype := binary.BigEndian.Uint16(b[2:4])
	hlen, plen := b[4], b[5]
	if htype != hardwareTypeEthernet || ptype != protocolTypeIPv4 {
		return Packet{}, fmt.Errorf("arp: unsupported hardware/protocol type %#x/%#x", htype, ptype)
	}
	if hlen != hardwareLenEthernet || plen != protocolLenIPv4 {
		return Packet{}, fmt.Errorf("arp: unsupported address lengths %d/%d", hlen, plen)
	}
	var p Packet
	p.Operation = Operation(binary.BigEndian.Uint16(b[6:8]))
	copy(p.SenderHW[:], b[8:14])
	var spa, tpa [4]byte
	copy(spa[:], b[14:18])
	p.SenderProto = addr.IPv4FromBytes(spa)
	copy(p.TargetHW[:], b[18:24])
	copy(tpa[:], b[24:28])
	p.TargetProto = addr.IPv4FromBytes(tpa)
	return p, nil
}
