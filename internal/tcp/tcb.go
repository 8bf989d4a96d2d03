package tcp

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/tcp/handshakeext"
)

// connExtState tracks one TCB's handshakeext negotiation, present only
// when the engine was built with the extension enabled. txSession and
// rxSession are seeded from the same shared secret but evolve
// independently, one per direction, since the two byte streams interleave
// unpredictably on the wire.
type connExtState struct {
	private      byte
	sharedSecret byte
	haveSecret   bool
	txSession    *handshakeext.Session
	rxSession    *handshakeext.Session
}

// segment is one outstanding retransmittable segment: SYN, FIN, or a
// payload-carrying PSH|ACK. Pure ACKs and window updates are never queued.
type segment struct {
	seq     uint32
	flags   Flags
	payload []byte
	frame   []byte
	sentAt  time.Time
	backoff *backoff.ExponentialBackOff
	nextAt  time.Time
	retries int
}

// TCB is one transmission control block (spec.md §4.G). The table holds
// Capacity of these; TCB pointers are stable for the TCB's lifetime, and a
// freed slot is refilled with a newly allocated TCB, never a reused one.
type TCB struct {
	cond *sync.Cond // bound to Engine.mu

	generation uint64

	iface    *iface.Interface
	localPort uint16
	peerAddr addr.IPv4
	peerPort uint16

	state State

	iss     uint32
	peerISS uint32
	sndUna  uint32
	sndNxt  uint32
	rcvNxt  uint32

	recvBuf []byte
	recvLen int

	txQueue []*segment

	parent  *TCB
	backlog []*TCB
	backlogCap int

	handshakeEnabled bool
	ext              connExtState

	closeWaitDeadline time.Time
}

// window is the current advertised receive window: W minus buffered,
// unread bytes. Computed rather than stored so the invariant
// rcv.wnd + buffered == W holds by construction.
func (t *TCB) window() int { return len(t.recvBuf) - t.recvLen }

// String returns the name of the TCB's current state. Safe to call without
// the engine's lock held only because state is read with the same atomicity
// guarantees as any other load in Go's memory model when no write races —
// callers that need a consistent snapshot use Engine.StateOf instead.
func (t *TCB) String() string {
	return t.state.String()
}

// LocalPort returns the TCB's bound local port.
func (t *TCB) LocalPort() uint16 { return t.localPort }

// PeerAddr returns the TCB's connected peer address, if any.
func (t *TCB) PeerAddr() addr.IPv4 { return t.peerAddr }

// PeerPort returns the TCB's connected peer port, if any.
func (t *TCB) PeerPort() uint16 { return t.peerPort }
