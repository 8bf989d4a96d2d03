// Package link implements the NetDevice abstraction (spec component B): a
// link-layer device owning a MAC, an MTU, a flag set, and a transmit
// capability keyed by destination address and EtherType. Real Ethernet
// framing and NIC drivers stay out of scope; this package only provides
// the contract upper layers (ARP, IPv4) depend on, plus two concrete
// devices — an in-memory loopback pair for tests and an AF_PACKET-backed
// device for running against a real Linux interface.
package link

import (
	"errors"
	"fmt"
	"sync"

	"github.com/clidar0929/netstackd/internal/addr"
)

// EtherType values this stack understands.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// Flags mirrors the BSD-ish NetDevice flag set from spec.md §3.
type Flags uint16

const (
	FlagUp Flags = 1 << iota
	FlagRunning
	FlagBroadcast
	FlagMulticast
	FlagP2P
	FlagLoopback
	FlagNoARP
	FlagPromisc
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Type identifies the hardware/link-layer type of a device. Only Ethernet
// is implemented; the field exists so callers can name other types without
// the package lying about support for them.
type Type uint16

const (
	TypeEthernet Type = 1
	TypeLoopback Type = 772
)

var (
	// ErrDown is returned by Transmit when the device is administratively down.
	ErrDown = errors.New("link: device is down")
	// ErrMTUExceeded is returned when a caller asks to send a frame whose
	// payload does not fit the device's MTU. Fragmentation is IPv4's job
	// (component F), not the link layer's.
	ErrMTUExceeded = errors.New("link: payload exceeds device MTU")
)

// ReceiveFunc is invoked by a Device for every inbound frame, with the
// EtherType and source address already parsed out of the frame header.
type ReceiveFunc func(ethertype uint16, src addr.MAC, payload []byte)

// Device is the NetDevice contract every link implementation satisfies.
type Device interface {
	Name() string
	Type() Type
	MTU() int
	Flags() Flags
	HardwareAddr() addr.MAC
	// PeerAddr returns the fixed peer MAC for a point-to-point device, or
	// the zero MAC if the device is broadcast-capable (and thus ARP-resolved).
	PeerAddr() addr.MAC
	BroadcastAddr() addr.MAC

	// Transmit frames payload behind an Ethernet header addressed to dst
	// with the given EtherType and hands it to the device's private
	// transmit capability.
	Transmit(dst addr.MAC, ethertype uint16, payload []byte) error

	// SetReceiveFunc installs the callback invoked for every inbound frame.
	// Devices call it from whatever goroutine delivers frames (an
	// interrupt-like reader loop for RawSocketDevice, or synchronously
	// for LoopbackDevice).
	SetReceiveFunc(fn ReceiveFunc)
}

// baseDevice holds the fields common to every Device implementation.
type baseDevice struct {
	name      string
	typ       Type
	mtu       int
	flags     Flags
	hwaddr    addr.MAC
	peeraddr  addr.MAC
	bcastaddr addr.MAC

	mu      sync.RWMutex
	receive ReceiveFunc
}

func (d *baseDevice) Name() string          { return d.name }
func (d *baseDevice) Type() Type            { return d.typ }
func (d *baseDevice) MTU() int              { return d.mtu }
func (d *baseDevice) Flags() Flags          { return d.flags }
func (d *baseDevice) HardwareAddr() addr.MAC { return d.hwaddr }
func (d *baseDevice) PeerAddr() addr.MAC     { return d.peeraddr }
func (d *baseDevice) BroadcastAddr() addr.MAC {
	if d.bcastaddr.IsZero() {
		return addr.BroadcastMAC
	}
	return d.bcastaddr
}

func (d *baseDevice) SetReceiveFunc(fn ReceiveFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receive = fn
}

func (d *baseDevice) deliver(ethertype uint16, src addr.MAC, payload []byte) {
	d.mu.RLock()
	fn := d.receive
	d.mu.RUnlock()
	if fn != nil {
		fn(ethertype, src, payload)
	}
}

// LoopbackDevice is an in-memory Device with no real link. Two
// LoopbackDevices can be cabled together with Connect, so unit tests can
// exercise the ARP/IPv4/TCP engines end to end without a NIC, the same
// role internal/stack.Harness plays for scripted scenarios.
type LoopbackDevice struct {
	baseDevice
	peer *LoopbackDevice
}

// NewLoopbackDevice allocates a device with the given name, MAC, and MTU.
// It starts administratively up and running.
func NewLoopbackDevice(name string, hw addr.MAC, mtu int) *LoopbackDevice {
	return &LoopbackDevice{baseDevice: baseDevice{
		name:   name,
		typ:    TypeEthernet,
		mtu:    mtu,
		flags:  FlagUp | FlagRunning | FlagBroadcast | FlagMulticast,
		hwaddr: hw,
	}}
}

// Connect cables two loopback devices together: frames transmitted on one
// are delivered synchronously to the other's receive callback.
func Connect(a, b *LoopbackDevice) {
	a.peer = b
	b.peer = a
}

func (d *LoopbackDevice) Transmit(dst addr.MAC, ethertype uint16, payload []byte) error {
	if !d.flags.Has(FlagUp) {
		return ErrDown
	}
	if len(payload) > d.mtu {
		return fmt.Errorf("%w: %d > %d", ErrMTUExceeded, len(payload), d.mtu)
	}
	if d.peer == nil {
		return nil // no cable attached; frame vanishes, as on an unplugged NIC
	}
	d.peer.deliver(ethertype, d.hwaddr, payload)
	return nil
}
