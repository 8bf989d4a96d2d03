// Package route implements the IPv4 route table (spec component D): a
// fixed-size table searched by longest-prefix match, with "directly
// connected" routes (NextHop == 0) resolved via ARP for the destination
// itself rather than for a gateway.
package route

import (
	"errors"
	"sync"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/iface"
)

// Capacity is the fixed route table size from spec.md §5.
const Capacity = 8

// ErrTableFull is returned by Add when every slot is occupied.
var ErrTableFull = errors.New("route: table is full")

// Route is a single (network, netmask, nexthop, interface) entry.
// NextHop == addr.Any means directly connected.
type Route struct {
	Network addr.IPv4
	Netmask addr.IPv4
	NextHop addr.IPv4
	Iface   *iface.Interface
}

// DirectlyConnected reports whether r has no gateway hop.
func (r Route) DirectlyConnected() bool { return r.NextHop == addr.Any }

type slot struct {
	inUse bool
	route Route
}

// Table is the fixed-size, mutex-guarded route table.
type Table struct {
	mu    sync.RWMutex
	slots [Capacity]slot
}

// NewTable returns an empty route table.
func NewTable() *Table { return &Table{} }

// Add inserts r into the first free slot. Returns ErrTableFull if none
// remain.
func (t *Table) Add(r Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if !t.slots[i].inUse {
			t.slots[i] = slot{inUse: true, route: r}
			return nil
		}
	}
	return ErrTableFull
}

// Remove deletes the first entry matching network/netmask, freeing its slot.
func (t *Table) Remove(network, netmask addr.IPv4) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.inUse && s.route.Network == network && s.route.Netmask == netmask {
			*s = slot{}
			return true
		}
	}
	return false
}

// Lookup performs a longest-prefix match over in-use entries: the entry
// with the numerically largest netmask whose network matches dst wins;
// ties are broken by first-found (lowest slot index), per spec.md §3.
func (t *Table) Lookup(dst addr.IPv4) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best Route
	found := false
	for i := range t.slots {
		s := &t.slots[i]
		if !s.inUse {
			continue
		}
		if dst.Mask(s.route.Netmask) != s.route.Network {
			continue
		}
		if !found || s.route.Netmask > best.Netmask {
			best = s.route
			found = true
		}
	}
	return best, found
}

// All returns a snapshot of every in-use route.
func (t *Table) All() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, Capacity)
	for i := range t.slots {
		if t.slots[i].inUse {
			out = append(out, t.slots[i].route)
		}
	}
	return out
}
