// Package socket implements the BSD-style descriptor layer (spec
// component H): a fixed table of descriptors, each indexing either a TCP
// control block or a UDP socket, with operations mapped one-to-one onto
// spec.md §4.H's surface.
package socket

import (
	"context"
	"errors"
	"sync"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/tcp"
	"github.com/clidar0929/netstackd/internal/udp"
)

// Family is a socket address family. Only FamilyINET is accepted.
type Family int

// FamilyINET is the only accepted family (spec.md §4.H).
const FamilyINET Family = 2

// Type is a socket type.
type Type int

const (
	TypeStream Type = 1 // SOCK_STREAM
	TypeDgram  Type = 2 // SOCK_DGRAM
)

// Capacity bounds the number of simultaneously open descriptors.
const Capacity = 64

var (
	ErrBadArgument = errors.New("socket: family/type/protocol not supported")
	ErrBadState    = errors.New("socket: operation invalid for this descriptor's state")
	ErrTableFull   = errors.New("socket: descriptor table full")
	ErrBadFD       = errors.New("socket: bad file descriptor")
)

// descriptor is one open socket. Exactly one of tcb/udpSock is ever set,
// matching typ. Both are nil between Socket() and the first Bind/Connect/
// SendTo call that actually allocates the underlying resource — a fresh
// socket() has a descriptor slot but no TCB yet, same as a real kernel's
// socket() returning before any address is bound.
type descriptor struct {
	typ     Type
	tcb     *tcp.TCB
	udpSock *udp.Socket
}

// Engine is the descriptor table over a TCP engine and a UDP engine,
// sharing one interface table to resolve bind/connect addresses to a
// concrete NetDevice-backed interface.
type Engine struct {
	mu    sync.Mutex
	descs [Capacity]*descriptor

	ifaces *iface.Table
	tcp    *tcp.Engine
	udp    *udp.Engine
}

// NewEngine builds a socket engine over the given interface table and
// protocol engines.
func NewEngine(ifaces *iface.Table, tcpEngine *tcp.Engine, udpEngine *udp.Engine) *Engine {
	return &Engine{ifaces: ifaces, tcp: tcpEngine, udp: udpEngine}
}

// Socket allocates a descriptor for (family, typ, proto). Only
// (FamilyINET, {TypeStream, TypeDgram}, 0) is accepted; everything else is
// ErrBadArgument. No TCB or UDP socket is allocated yet — that happens on
// the first Bind/Connect/SendTo call that needs one, since Open doesn't
// yet know which interface to allocate against.
func (e *Engine) Socket(family Family, typ Type, proto int) (int, error) {
	if family != FamilyINET || proto != 0 || (typ != TypeStream && typ != TypeDgram) {
		return -1, ErrBadArgument
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, d := range e.descs {
		if d == nil {
			e.descs[i] = &descriptor{typ: typ}
			return i, nil
		}
	}
	return -1, ErrTableFull
}

// Close releases fd. For a STREAM descriptor with an established or
// listening TCB this initiates the same non-blocking teardown as
// tcp.Engine.Close; for DGRAM it unbinds the UDP socket immediately.
func (e *Engine) Close(fd int) error {
	d, err := e.get(fd)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.descs[fd] = nil
	e.mu.Unlock()

	switch d.typ {
	case TypeStream:
		if d.tcb != nil {
			return e.tcp.Close(d.tcb)
		}
	case TypeDgram:
		if d.udpSock != nil {
			return e.udp.Close(d.udpSock)
		}
	}
	return nil
}

// Bind assigns localAddr:localPort to fd. localAddr == addr.Any resolves
// to the first configured interface; a nonzero address must name one of
// the interface table's configured addresses.
func (e *Engine) Bind(fd int, localAddr addr.IPv4, localPort uint16) error {
	d, err := e.get(fd)
	if err != nil {
		return err
	}
	ifc, err := e.resolveLocalIface(localAddr)
	if err != nil {
		return err
	}

	switch d.typ {
	case TypeStream:
		if d.tcb != nil {
			return ErrBadState
		}
		tcb, err := e.tcp.Open(ifc, localPort)
		if err != nil {
			return err
		}
		d.tcb = tcb
		return nil
	default: // TypeDgram
		if d.udpSock != nil {
			return ErrBadState
		}
		sock, err := e.udp.Bind(ifc, localPort)
		if err != nil {
			return err
		}
		d.udpSock = sock
		return nil
	}
}

// Listen transitions fd (STREAM, already bound) into LISTEN with the
// given backlog.
func (e *Engine) Listen(fd int, backlog int) error {
	d, err := e.get(fd)
	if err != nil {
		return err
	}
	if d.typ != TypeStream || d.tcb == nil {
		return ErrBadState
	}
	return e.tcp.Listen(d.tcb, backlog)
}

// Accept blocks until fd's backlog produces a connection, returning a new
// descriptor for it.
func (e *Engine) Accept(ctx context.Context, fd int) (int, error) {
	d, err := e.get(fd)
	if err != nil {
		return -1, err
	}
	if d.typ != TypeStream || d.tcb == nil {
		return -1, ErrBadState
	}
	child, err := e.tcp.Accept(ctx, d.tcb)
	if err != nil {
		return -1, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, slot := range e.descs {
		if slot == nil {
			e.descs[i] = &descriptor{typ: TypeStream, tcb: child}
			return i, nil
		}
	}
	emitAcceptTableFull()
	return -1, ErrTableFull
}

// Connect actively opens fd (STREAM) to peerAddr:peerPort, allocating an
// unbound TCB against the egress interface first if Bind was never
// called.
func (e *Engine) Connect(ctx context.Context, fd int, peerAddr addr.IPv4, peerPort uint16) error {
	d, err := e.get(fd)
	if err != nil {
		return err
	}
	if d.typ != TypeStream {
		return ErrBadState
	}
	if d.tcb == nil {
		ifc, err := e.resolveEgressIface(peerAddr)
		if err != nil {
			return err
		}
		tcb, err := e.tcp.Open(ifc, 0)
		if err != nil {
			return err
		}
		d.tcb = tcb
	}
	return e.tcp.Connect(ctx, d.tcb, peerAddr, peerPort)
}

// Send writes data on fd's connected TCP stream.
func (e *Engine) Send(fd int, data []byte) (int, error) {
	d, err := e.get(fd)
	if err != nil {
		return 0, err
	}
	if d.typ != TypeStream || d.tcb == nil {
		return 0, ErrBadState
	}
	return e.tcp.Send(d.tcb, data)
}

// Recv reads from fd's connected TCP stream.
func (e *Engine) Recv(ctx context.Context, fd int, buf []byte) (int, error) {
	d, err := e.get(fd)
	if err != nil {
		return 0, err
	}
	if d.typ != TypeStream || d.tcb == nil {
		return 0, ErrBadState
	}
	return e.tcp.Recv(ctx, d.tcb, buf)
}

// SendTo writes a UDP datagram on fd, binding it to an ephemeral port on
// the egress interface first if it was never bound.
func (e *Engine) SendTo(fd int, data []byte, peerAddr addr.IPv4, peerPort uint16) (int, error) {
	d, err := e.get(fd)
	if err != nil {
		return 0, err
	}
	if d.typ != TypeDgram {
		return 0, ErrBadState
	}
	if d.udpSock == nil {
		ifc, err := e.resolveEgressIface(peerAddr)
		if err != nil {
			return 0, err
		}
		sock, err := e.udp.Bind(ifc, 0)
		if err != nil {
			return 0, err
		}
		d.udpSock = sock
	}
	return e.udp.SendTo(d.udpSock, data, peerAddr, peerPort)
}

// RecvFrom reads the next datagram on fd.
func (e *Engine) RecvFrom(ctx context.Context, fd int, buf []byte) (int, addr.IPv4, uint16, error) {
	d, err := e.get(fd)
	if err != nil {
		return 0, addr.IPv4(0), 0, err
	}
	if d.typ != TypeDgram || d.udpSock == nil {
		return 0, addr.IPv4(0), 0, ErrBadState
	}
	return e.udp.RecvFrom(ctx, d.udpSock, buf)
}

func (e *Engine) get(fd int) (*descriptor, error) {
	if fd < 0 || fd >= Capacity {
		return nil, ErrBadFD
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.descs[fd]
	if d == nil {
		return nil, ErrBadFD
	}
	return d, nil
}

func (e *Engine) resolveLocalIface(localAddr addr.IPv4) (*iface.Interface, error) {
	if localAddr == addr.Any {
		all := e.ifaces.All()
		if len(all) == 0 {
			return nil, ErrBadArgument
		}
		return all[0], nil
	}
	ifc, ok := e.ifaces.ByLocalAddr(localAddr)
	if !ok {
		return nil, ErrBadArgument
	}
	return ifc, nil
}

func (e *Engine) resolveEgressIface(peerAddr addr.IPv4) (*iface.Interface, error) {
	if ifc, ok := e.ifaces.ByPeer(peerAddr); ok {
		return ifc, nil
	}
	all := e.ifaces.All()
	if len(all) == 0 {
		return nil, ErrBadArgument
	}
	return all[0], nil
}

func emitAcceptTableFull() { metricAcceptTableFull.Inc() }
