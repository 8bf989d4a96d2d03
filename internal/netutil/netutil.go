// Package netutil implements byte-order conversion and the Internet
// checksum used across the link, ARP, IPv4, and TCP layers.
package netutil

import "encoding/binary"

// Htons converts a 16-bit value from host to network byte order.
func Htons(v uint16) uint16 { return Ntohs(v) }

// Ntohs converts a 16-bit value from network to host byte order.
// On every platform this code runs on, this is the same swap as Htons.
func Ntohs(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}

// Htonl converts a 32-bit value from host to network byte order.
func Htonl(v uint32) uint32 { return Ntohl(v) }

// Ntohl converts a 32-bit value from network to host byte order.
func Ntohl(v uint32) uint32 {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return binary.LittleEndian.Uint32(b)
}

// Checksum computes the Internet checksum (RFC 1071) one's-complement sum
// over b, folding in an optional running sum (e.g. a pseudo-header
// contribution already accumulated by PseudoHeaderSum) before the final
// fold and complement.
func Checksum(b []byte, initial uint32) uint16 {
	sum := initial
	n := len(b)
	for n >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
		n -= 2
	}
	if n == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeaderSum returns the running one's-complement sum contribution of
// the IPv4 pseudo-header (src, dst, zero, protocol, length) used by TCP and
// UDP checksums. Feed the result as Checksum's initial argument alongside
// the segment/datagram bytes.
func PseudoHeaderSum(src, dst [4]byte, protocol uint8, length uint16) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}
