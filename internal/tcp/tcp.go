// Package tcp implements the TCP connection engine (spec component G): a
// fixed-size table of control blocks driving the RFC 793 state machine,
// a retransmit queue with exponential backoff, a receive window buffer,
// and a listener backlog, all demultiplexed off the IPv4 engine.
package tcp

import (
	"errors"
	"fmt"
)

// Capacity is the fixed TCB table size from spec.md §5.
const Capacity = 16

// WindowSize is the fixed receive-buffer size per connection.
const WindowSize = 8192

// State is a TCP connection state (RFC 793 §3.2).
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT1"
	case StateFinWait2:
		return "FIN_WAIT2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// rxReady reports whether recv() may return buffered bytes (or must wait
// for more) rather than immediately returning EOF, per spec.md §4.G.
func (s State) rxReady() bool {
	return s == StateEstablished || s == StateFinWait1 || s == StateFinWait2
}

// Flags is the TCP flag byte (spec.md §6).
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

var (
	ErrTableFull    = errors.New("tcp: control block table is full")
	ErrBadState     = errors.New("tcp: operation not valid in current state")
	ErrBadArgument  = errors.New("tcp: invalid argument")
	ErrPortInUse    = errors.New("tcp: local port in use or no ephemeral port available")
	ErrPeerReset    = errors.New("tcp: connection reset by peer")
	ErrHandshakeRST = errors.New("tcp: peer rejected the handshake marker")
)

// seqLess reports whether a precedes b in 32-bit sequence-number space,
// correctly handling wraparound (RFC 793 §3.3's serial number arithmetic).
func seqLess(a, b uint32) bool { return int32(a-b) < 0 }

// seqLessEqual reports whether a precedes or equals b in sequence space.
func seqLessEqual(a, b uint32) bool { return a == b || seqLess(a, b) }
