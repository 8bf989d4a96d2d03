// Package udp implements a minimal UDP engine backing the socket layer's
// DGRAM path (spec.md §5's supplemental feature 1, read from
// original_source/net/common.c and socket.c). It mirrors internal/tcp's
// shape at a much smaller scale: a fixed table of bound sockets behind one
// lock, each with an inbound datagram queue a recvfrom call can block on.
package udp

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/ipv4"
	"github.com/clidar0929/netstackd/internal/netutil"
)

// Capacity bounds the number of simultaneously bound UDP sockets, the same
// fixed-table discipline spec.md §5 applies to the TCB table.
const Capacity = 16

// queueDepth bounds how many undelivered datagrams one socket holds before
// new arrivals are dropped (and counted) rather than grown without bound.
const queueDepth = 32

const headerLen = 8

var (
	ErrTableFull   = errors.New("udp: socket table full")
	ErrPortInUse   = errors.New("udp: local port already bound")
	ErrBadArgument = errors.New("udp: bad argument")
	ErrClosed      = errors.New("udp: socket closed")
)

type datagram struct {
	peerAddr addr.IPv4
	peerPort uint16
	payload  []byte
}

// Socket is one bound UDP endpoint.
type Socket struct {
	cond *sync.Cond // bound to Engine.mu

	iface     *iface.Interface
	localPort uint16
	closed    bool
	inbox     []datagram
}

// LocalPort returns the socket's bound local port.
func (s *Socket) LocalPort() uint16 { return s.localPort }

// Engine is the UDP datagram engine: bind/recvfrom/sendto/close over a
// fixed socket table, registered as the IPv4 engine's ProtoUDP handler.
type Engine struct {
	mu      sync.Mutex
	sockets [Capacity]*Socket

	ipv4   *ipv4.Engine
	logger *slog.Logger
}

// NewEngine builds a UDP engine over ipv4Engine, registering itself as the
// UDP protocol handler. A nil logger discards log output.
func NewEngine(ipv4Engine *ipv4.Engine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{ipv4: ipv4Engine, logger: logger}
	ipv4Engine.RegisterHandler(ipv4.ProtoUDP, e.receive)
	return e
}

// Bind allocates a socket on ifc's local address. localPort == 0 picks an
// ephemeral port (used by the socket layer's implicit bind on sendto).
func (e *Engine) Bind(ifc *iface.Interface, localPort uint16) (*Socket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if localPort == 0 {
		port, err := e.allocateEphemeralPortLocked(ifc)
		if err != nil {
			return nil, err
		}
		localPort = port
	}
	for _, s := range e.sockets {
		if s != nil && !s.closed && s.iface == ifc && s.localPort == localPort {
			return nil, ErrPortInUse
		}
	}
	idx := -1
	for i, s := range e.sockets {
		if s == nil {
			idx = i
			break
		}
	}
	if idx == -1 {
		emitTableFull(ifc.Device.Name())
		return nil, ErrTableFull
	}

	sock := &Socket{iface: ifc, localPort: localPort}
	sock.cond = sync.NewCond(&e.mu)
	e.sockets[idx] = sock
	return sock, nil
}

// Close unbinds sock, discarding any undelivered datagrams.
func (e *Engine) Close(sock *Socket) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sock.closed {
		return nil
	}
	sock.closed = true
	sock.inbox = nil
	sock.cond.Broadcast()
	for i, s := range e.sockets {
		if s == sock {
			e.sockets[i] = nil
			break
		}
	}
	return nil
}

// SendTo builds and transmits a UDP datagram from sock to (peerAddr,
// peerPort).
func (e *Engine) SendTo(sock *Socket, data []byte, peerAddr addr.IPv4, peerPort uint16) (int, error) {
	e.mu.Lock()
	if sock.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	ifc := sock.iface
	localPort := sock.localPort
	e.mu.Unlock()

	frame := marshal(localPort, peerPort, ifc.Addr, peerAddr, data)
	if _, err := e.ipv4.Transmit(nil, ipv4.ProtoUDP, frame, peerAddr); err != nil {
		return 0, err
	}
	emitDatagramTx(ifc.Device.Name())
	return len(data), nil
}

// RecvFrom blocks until a datagram is queued or sock is closed, then
// returns its payload and the sender's address.
func (e *Engine) RecvFrom(ctx context.Context, sock *Socket, buf []byte) (int, addr.IPv4, uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			e.mu.Lock()
			sock.cond.Broadcast()
			e.mu.Unlock()
		})
		defer stop()
	}

	for len(sock.inbox) == 0 && !sock.closed {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return 0, addr.IPv4(0), 0, ctx.Err()
			default:
			}
		}
		sock.cond.Wait()
	}
	if sock.closed {
		return 0, addr.IPv4(0), 0, ErrClosed
	}
	dg := sock.inbox[0]
	sock.inbox = sock.inbox[1:]
	n := copy(buf, dg.payload)
	return n, dg.peerAddr, dg.peerPort, nil
}

// receive is the IPv4 engine's registered handler for ProtoUDP.
func (e *Engine) receive(ifc *iface.Interface, ih ipv4.Header, payload []byte) {
	name := ifc.Device.Name()
	dstPort, srcPort, data, err := parse(payload, ih.Src, ih.Dst)
	if err != nil {
		reason := "bad_checksum"
		if errors.Is(err, errShort) {
			reason = "short"
		}
		emitDatagramRxInvalid(name, reason)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.sockets {
		if s == nil || s.closed || s.iface != ifc || s.localPort != dstPort {
			continue
		}
		if len(s.inbox) >= queueDepth {
			emitDatagramRxInvalid(name, "queue_full")
			return
		}
		s.inbox = append(s.inbox, datagram{peerAddr: ih.Src, peerPort: srcPort, payload: append([]byte(nil), data...)})
		s.cond.Broadcast()
		emitDatagramRx(name)
		return
	}
	emitDatagramRxInvalid(name, "no_listener")
}

// marshal builds the 8-byte UDP header plus payload, with a checksum over
// the pseudo-header + header + payload (spec.md §5's "checksum always
// verified" choice — datagrams are never sent with a zero checksum).
func marshal(srcPort, dstPort uint16, src, dst addr.IPv4, payload []byte) []byte {
	total := headerLen + len(payload)
	b := make([]byte, total)
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(total))
	copy(b[headerLen:], payload)

	pseudo := netutil.PseudoHeaderSum(src.Bytes(), dst.Bytes(), uint8(ipv4.ProtoUDP), uint16(total))
	cksum := netutil.Checksum(b, pseudo)
	if cksum == 0 {
		cksum = 0xffff // UDP reserves all-zero to mean "no checksum"
	}
	binary.BigEndian.PutUint16(b[6:8], cksum)
	return b
}

// parse validates buf as a UDP datagram addressed src->dst and returns its
// destination port, source port, and payload.
func parse(buf []byte, src, dst addr.IPv4) (dstPort, srcPort uint16, payload []byte, err error) {
	if len(buf) < headerLen {
		return 0, 0, nil, errShort
	}
	length := binary.BigEndian.Uint16(buf[4:6])
	if int(length) > len(buf) || int(length) < headerLen {
		return 0, 0, nil, errShort
	}
	pseudo := netutil.PseudoHeaderSum(src.Bytes(), dst.Bytes(), uint8(ipv4.ProtoUDP), length)
	if netutil.Checksum(buf[:length], pseudo) != 0 {
		return 0, 0, nil, errBadChecksum
	}
	srcPort = binary.BigEndian.Uint16(buf[0:2])
	dstPort = binary.BigEndian.Uint16(buf[2:4])
	return dstPort, srcPort, buf[headerLen:length], nil
}

var (
	errShort       = errors.New("udp: datagram shorter than header")
	errBadChecksum = errors.New("udp: checksum invalid")
)

const (
	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

// allocateEphemeralPortLocked picks the first free port on ifc, scanning
// the whole ephemeral range with wraparound from a fixed start
// (ephemeralLow plus the socket table's size); unlike internal/tcp's
// allocator, the start does not depend on the clock. Must be called with
// e.mu held.
func (e *Engine) allocateEphemeralPortLocked(ifc *iface.Interface) (uint16, error) {
	span := uint16(ephemeralHigh - ephemeralLow + 1)
	start := ephemeralLow + uint16(len(e.sockets)) // cheap, deterministic spread; no clock dependency here

	for i := uint16(0); i < span; i++ {
		port := ephemeralLow + (start-ephemeralLow+i)%span
		inUse := false
		for _, s := range e.sockets {
			if s != nil && !s.closed && s.iface == ifc && s.localPort == port {
				inUse = true
				break
			}
		}
		if !inUse {
			return port, nil
		}
	}
	return 0, ErrPortInUse
}
