package tcp

import (
	"encoding/binary"
	"errors"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/netutil"
)

// protocolNumber is IPv4's protocol number for TCP (ipv4.ProtoTCP), kept
// as a local constant so this package doesn't need to import ipv4 just for
// the pseudo-header checksum.
const protocolNumber = 6

// baseHeaderLen is the fixed 20-byte TCP header with no options.
const baseHeaderLen = 20

// handshakeOptionLen is the on-wire size of the handshake-marker option
// plus one padding byte, keeping the data offset a whole number of
// 4-byte words (20 + 3-byte option + 1 pad byte = 24 bytes = 6 words).
const handshakeOptionLen = 4

const (
	optionKindHandshake = 69
	optionLenHandshake  = 3
	optionValHandshake  = 0x99
)

var (
	ErrShort       = errors.New("tcp: segment shorter than a TCP header")
	ErrBadOffset   = errors.New("tcp: data offset out of range")
	ErrBadChecksum = errors.New("tcp: checksum does not self-cancel")
)

// Header is a parsed TCP segment header (spec.md §4.G / §6). The
// handshake-marker option (kind 69, length 3, value 0x99) is the stack's
// only supported option, and only ever appears on SYN segments.
type Header struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            Flags
	Window           uint16
	Urgent           uint16
	HandshakeMarker  bool
}

// Marshal renders h plus payload into an on-wire segment, computing the
// checksum over the IPv4 pseudo-header + segment per RFC 793 §3.1.
func (h Header) Marshal(src, dst addr.IPv4, payload []byte) []byte {
	headerLen := baseHeaderLen
	if h.HandshakeMarker {
		headerLen += handshakeOptionLen
	}
	b := make([]byte, headerLen+len(payload))

	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = byte((headerLen / 4) << 4)
	b[13] = byte(h.Flags)
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	// b[16:18] (checksum) filled in below, after the rest of the buffer
	// is in its final form.
	binary.BigEndian.PutUint16(b[18:20], h.Urgent)

	if h.HandshakeMarker {
		b[20] = optionKindHandshake
		b[21] = optionLenHandshake
		b[22] = optionValHandshake
		b[23] = 0 // end-of-option-list pad to a 4-byte boundary
	}
	copy(b[headerLen:], payload)

	pseudo := netutil.PseudoHeaderSum(src.Bytes(), dst.Bytes(), protocolNumber, uint16(len(b)))
	cksum := netutil.Checksum(b, pseudo)
	binary.BigEndian.PutUint16(b[16:18], cksum)
	return b
}

// ParseHeader validates and parses a raw TCP segment addressed from src to
// dst (the IPv4 addresses, needed for the pseudo-header checksum). A
// checksum mismatch is reported via ErrBadChecksum; callers drop such
// segments silently rather than surfacing the error further (spec.md §9
// Open Question: counted via a metric, not propagated).
func ParseHeader(b []byte, src, dst addr.IPv4) (Header, []byte, error) {
	if len(b) < baseHeaderLen {
		return Header{}, nil, ErrShort
	}
	dataOffset := int(b[12]>>4) * 4
	if dataOffset < baseHeaderLen || dataOffset > len(b) {
		return Header{}, nil, ErrBadOffset
	}

	pseudo := netutil.PseudoHeaderSum(src.Bytes(), dst.Bytes(), protocolNumber, uint16(len(b)))
	if netutil.Checksum(b, pseudo) != 0 {
		return Header{}, nil, ErrBadChecksum
	}

	h := Header{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags:   Flags(b[13]),
		Window:  binary.BigEndian.Uint16(b[14:16]),
		Urgent:  binary.BigEndian.Uint16(b[18:20]),
	}

	for opts := b[baseHeaderLen:dataOffset]; len(opts) > 0; {
		kind := opts[0]
		if kind == 0 || kind == 1 { // end-of-options / NOP
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			break
		}
		length := int(opts[1])
		if length < 2 || length > len(opts) {
			break
		}
		if kind == optionKindHandshake && length == optionLenHandshake && opts[2] == optionValHandshake {
			h.HandshakeMarker = true
		}
		opts = opts[length:]
	}

	return h, b[dataOffset:], nil
}

// isBareSYN reports whether flags is exactly SYN with nothing else set —
// the only segment shape the demultiplexer will materialize a new child
// TCB from.
func isBareSYN(f Flags) bool { return f == FlagSYN }
