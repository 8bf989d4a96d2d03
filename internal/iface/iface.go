// Package iface implements the IPv4-to-device binding table (spec
// component C): for each NetDevice that carries IPv4, the interface
// record holds the unicast address, netmask, and derived network and
// broadcast addresses.
package iface

import (
	"fmt"
	"sync"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/link"
)

// Interface binds an IPv4 address to a device. Network and Broadcast are
// derived and kept consistent with the invariant from spec.md §3:
// network = unicast & netmask, broadcast = network | ^netmask.
type Interface struct {
	Device    link.Device
	Addr      addr.IPv4
	Netmask   addr.IPv4
	Network   addr.IPv4
	Broadcast addr.IPv4
	Gateway   addr.IPv4 // zero if none configured
}

// New builds an Interface, deriving Network and Broadcast from addr/mask.
func New(dev link.Device, ip, mask, gateway addr.IPv4) *Interface {
	network := ip.Mask(mask)
	broadcast := network | ^mask
	return &Interface{
		Device:    dev,
		Addr:      ip,
		Netmask:   mask,
		Network:   network,
		Broadcast: broadcast,
		Gateway:   gateway,
	}
}

// Contains reports whether ip falls within this interface's connected
// network (i.e. would be reached without a gateway hop).
func (i *Interface) Contains(ip addr.IPv4) bool {
	return ip.Mask(i.Netmask) == i.Network
}

// Table is the in-memory set of configured interfaces. At most one IPv4
// interface per device is assumed by upper layers (spec.md §3), though the
// table itself does not enforce it beyond Add's duplicate-device check.
type Table struct {
	mu    sync.RWMutex
	byDev map[link.Device]*Interface
	list  []*Interface
}

// NewTable returns an empty interface table.
func NewTable() *Table {
	return &Table{byDev: make(map[link.Device]*Interface)}
}

// Add registers iface, returning an error if its device already carries an
// IPv4 interface.
func (t *Table) Add(i *Interface) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byDev[i.Device]; exists {
		return fmt.Errorf("iface: device %q already has an IPv4 interface", i.Device.Name())
	}
	t.byDev[i.Device] = i
	t.list = append(t.list, i)
	return nil
}

// Remove deregisters the interface bound to dev, if any.
func (t *Table) Remove(dev link.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byDev[dev]
	if !ok {
		return
	}
	delete(t.byDev, dev)
	for idx, e := range t.list {
		if e == i {
			t.list = append(t.list[:idx], t.list[idx+1:]...)
			break
		}
	}
}

// ByDevice returns the interface bound to dev, if any.
func (t *Table) ByDevice(dev link.Device) (*Interface, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byDev[dev]
	return i, ok
}

// ByLocalAddr finds the interface whose unicast or broadcast address
// matches ip — used by the IPv4 engine to decide whether an inbound
// datagram is addressed to us (spec.md §4.F).
func (t *Table) ByLocalAddr(ip addr.IPv4) (*Interface, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, i := range t.list {
		if i.Addr == ip || i.Broadcast == ip {
			return i, true
		}
	}
	return nil, false
}

// ByPeer finds the interface whose connected network contains ip — used
// to resolve which interface's ARP table should be consulted for a
// directly-connected destination.
func (t *Table) ByPeer(ip addr.IPv4) (*Interface, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, i := range t.list {
		if i.Contains(ip) {
			return i, true
		}
	}
	return nil, false
}

// All returns a snapshot slice of every configured interface.
func (t *Table) All() []*Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Interface, len(t.list))
	copy(out, t.list)
	return out
}
