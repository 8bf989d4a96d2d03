// Package addr implements the IPv4 and MAC address value types shared by
// every layer of the stack (link, ARP, IPv4, TCP, socket).
package addr

import (
	"fmt"
	"strconv"
	"strings"
)

// IPv4 is a 32-bit IPv4 address stored in host byte order.
type IPv4 uint32

// Broadcast is the limited broadcast address 255.255.255.255.
const Broadcast IPv4 = 0xffffffff

// Any is the unspecified address 0.0.0.0.
const Any IPv4 = 0

// ParseIPv4 parses a dotted-quad string ("192.168.0.2") into an IPv4.
func ParseIPv4(s string) (IPv4, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("addr: malformed IPv4 address %q", s)
	}
	var v uint32
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("addr: malformed IPv4 address %q: %w", s, err)
		}
		v = v<<8 | uint32(n)
	}
	return IPv4(v), nil
}

// String renders the address as a dotted quad.
func (a IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// Bytes returns the address as 4 bytes in network (big-endian) order.
func (a IPv4) Bytes() [4]byte {
	return [4]byte{byte(a >> 24), byte(a >> 16), byte(a >> 8), byte(a)}
}

// IPv4FromBytes builds an IPv4 from 4 network-order bytes.
func IPv4FromBytes(b [4]byte) IPv4 {
	return IPv4(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

// Mask applies a netmask, returning the network portion of the address.
func (a IPv4) Mask(mask IPv4) IPv4 { return a & mask }

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

// BroadcastMAC is FF:FF:FF:FF:FF:FF.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ZeroMAC is the all-zero "any"/unresolved address.
var ZeroMAC = MAC{}

// ParseMAC parses six colon-separated hex pairs ("02:00:00:00:00:02").
func ParseMAC(s string) (MAC, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return MAC{}, fmt.Errorf("addr: malformed MAC address %q", s)
	}
	var m MAC
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return MAC{}, fmt.Errorf("addr: malformed MAC address %q: %w", s, err)
		}
		m[i] = byte(n)
	}
	return m, nil
}

// String renders the address as six colon-separated hex pairs.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsZero reports whether m is the all-zero address.
func (m MAC) IsZero() bool { return m == ZeroMAC }

// IsBroadcast reports whether m is FF:FF:FF:FF:FF:FF.
func (m MAC) IsBroadcast() bool { return m == BroadcastMAC }
