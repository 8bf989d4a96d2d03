// Package ipv4 implements the IPv4 engine (spec component F): header
// parse/validate, protocol dispatch, route-driven transmit with
// fragmentation, and ARP-backed next-hop resolution.
package ipv4

import (
	"encoding/binary"
	"errors"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/netutil"
)

// HeaderLen is the fixed 20-byte header length; IP options are not
// supported (matches the teacher's no-options wire format elsewhere).
const HeaderLen = 20

// Protocol is an IPv4 protocol number.
type Protocol uint8

const (
	ProtoICMP Protocol = 1
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
)

const (
	flagDontFragment  uint16 = 0x4000
	flagMoreFragments uint16 = 0x2000
	fragOffsetMask    uint16 = 0x1fff
)

var (
	ErrShort          = errors.New("ipv4: datagram shorter than header")
	ErrBadVersion     = errors.New("ipv4: version is not 4")
	ErrBadHeaderLen   = errors.New("ipv4: header length invalid")
	ErrBadTotalLength = errors.New("ipv4: total length exceeds buffer")
	ErrBadChecksum    = errors.New("ipv4: header checksum invalid")
	ErrTTLExpired     = errors.New("ipv4: ttl is zero")
	ErrFragmented     = errors.New("ipv4: fragmented datagram (reassembly not supported)")
)

// Header is a parsed IPv4 header. Options are never emitted or retained;
// IHL is always 5 on the wire.
type Header struct {
	TOS           uint8
	TotalLength   uint16
	ID            uint16
	DontFragment  bool
	MoreFragments bool
	FragOffset    uint16 // in 8-byte units
	TTL           uint8
	Protocol      Protocol
	Checksum      uint16
	Src           addr.IPv4
	Dst           addr.IPv4
}

// Marshal encodes h as a 20-byte header with a freshly computed checksum.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderLen)
	b[0] = 0x45 // version 4, IHL 5 (no options)
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)

	var flagsOffset uint16
	if h.DontFragment {
		flagsOffset |= flagDontFragment
	}
	if h.MoreFragments {
		flagsOffset |= flagMoreFragments
	}
	flagsOffset |= h.FragOffset & fragOffsetMask
	binary.BigEndian.PutUint16(b[6:8], flagsOffset)

	b[8] = h.TTL
	b[9] = byte(h.Protocol)
	// b[10:12] (checksum) filled in below, after the rest of the header.
	src := h.Src.Bytes()
	copy(b[12:16], src[:])
	dst := h.Dst.Bytes()
	copy(b[16:20], dst[:])

	cksum := netutil.Checksum(b, 0)
	binary.BigEndian.PutUint16(b[10:12], cksum)
	return b
}

// ParseHeader validates and parses an inbound datagram per spec.md §4.F:
// rejects short buffers, non-IPv4 version, a total length past the end of
// the buffer, a non-self-cancelling header checksum, TTL=0, and any
// fragment (MF set or non-zero offset — reassembly is a non-goal). On
// success it returns the header and the slice of buf holding the payload
// (sized to TotalLength, not len(buf)).
func ParseHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, ErrShort
	}
	verIHL := buf[0]
	if verIHL>>4 != 4 {
		return Header{}, nil, ErrBadVersion
	}
	ihl := int(verIHL&0x0f) * 4
	if ihl < HeaderLen {
		return Header{}, nil, ErrBadHeaderLen
	}
	if len(buf) < ihl {
		return Header{}, nil, ErrShort
	}
	totalLength := binary.BigEndian.Uint16(buf[2:4])
	if int(totalLength) > len(buf) {
		return Header{}, nil, ErrBadTotalLength
	}
	if netutil.Checksum(buf[:ihl], 0) != 0 {
		return Header{}, nil, ErrBadChecksum
	}
	ttl := buf[8]
	if ttl == 0 {
		return Header{}, nil, ErrTTLExpired
	}

	flagsOffset := binary.BigEndian.Uint16(buf[6:8])
	h := Header{
		TOS:           buf[1],
		TotalLength:   totalLength,
		ID:            binary.BigEndian.Uint16(buf[4:6]),
		DontFragment:  flagsOffset&flagDontFragment != 0,
		MoreFragments: flagsOffset&flagMoreFragments != 0,
		FragOffset:    flagsOffset & fragOffsetMask,
		TTL:           ttl,
		Protocol:      Protocol(buf[9]),
		Checksum:      binary.BigEndian.Uint16(buf[10:12]),
	}
	if h.MoreFragments || h.FragOffset != 0 {
		return Header{}, nil, ErrFragmented
	}

	var src, dst [4]byte
	copy(src[:], buf[12:16])
	h.Src = addr.IPv4FromBytes(src)
	copy(dst[:], buf[16:20])
	h.Dst = addr.IPv4FromBytes(dst)

	return h, buf[ihl:totalLength], nil
}
