package arp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/link"
	"github.com/jonboulle/clockwork"
)

// Capacity is the fixed ARP cache size from spec.md §5.
const Capacity = 4096

const (
	entryTTL      = 300 * time.Second
	sweepInterval = 10 * time.Second
)

var (
	// ErrTableFull is returned when the cache has no free slot for a new
	// (device, target) pair. The caller's send fails; it does not evict an
	// existing entry to make room.
	ErrTableFull = errors.New("arp: cache is full")
	// ErrResolutionFailed is returned by Wait when the entry it was waiting
	// on was cleared by the aging sweep before resolving.
	ErrResolutionFailed = errors.New("arp: resolution failed")
	// ErrNotPending is returned by Wait when there is no in-flight
	// resolution for the given (device, target) pair to wait on.
	ErrNotPending = errors.New("arp: no pending resolution for target")
)

type entryState int

const (
	stateIncomplete entryState = iota
	stateResolved
)

type pendingFrame struct {
	ethertype uint16
	payload   []byte
}

type entry struct {
	inUse      bool
	dev        link.Device
	proto      addr.IPv4
	hw         addr.MAC
	state      entryState
	generation uint64
	updatedAt  time.Time
	pending    *pendingFrame
}

// Result reports the immediate outcome of a Resolve call.
type Result int

const (
	// ResultResolved means the hardware address was already cached.
	ResultResolved Result = iota
	// ResultQueued means a request was sent (or is already outstanding)
	// and the caller must Wait for resolution.
	ResultQueued
)

// Cache is the fixed-size ARP table: a single mutex guards every slot, and
// a single cache-wide condition variable is broadcast on every state
// change (resolve, expire). Waiters re-check their own (device,
// target, generation) predicate on each wakeup, which is what makes a
// single shared Cond safe to use instead of one per entry — spec.md §4.E's
// wake-and-revalidate requirement doesn't demand per-entry signalling, and
// 4096 live sync.Cond values would be wasteful.
type Cache struct {
	mu        sync.Mutex
	cond      *sync.Cond
	clock     clockwork.Clock
	logger    *slog.Logger
	entries   [Capacity]entry
	lastSweep time.Time
}

// NewCache constructs an empty cache. A nil clock defaults to the real
// wall clock; a nil logger discards log output.
func NewCache(clock clockwork.Clock, logger *slog.Logger) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Cache{clock: clock, logger: logger}
	c.cond = sync.NewCond(&c.mu)
	c.lastSweep = clock.Now()
	return c
}

// Resolve looks up target's hardware address on ifc's network. If already
// cached it returns immediately with ResultResolved. Otherwise it starts
// (or joins) an in-flight resolution, optionally queueing payload to be
// transmitted with ethertype once the reply arrives, and returns
// ResultQueued — the caller must call Wait to block for the outcome.
func (c *Cache) Resolve(ifc *iface.Interface, target addr.IPv4, ethertype uint16, payload []byte) (addr.MAC, Result, error) {
	c.maybeSweep()

	dev := ifc.Device
	name := dev.Name()

	c.mu.Lock()
	e := c.findLocked(dev, target)
	if e != nil && e.state == stateResolved {
		hw := e.hw
		c.mu.Unlock()
		emitResolution(name, "cache_hit")
		return hw, ResultResolved, nil
	}

	if e == nil {
		var err error
		e, err = c.allocateLocked(dev, target)
		if err != nil {
			c.mu.Unlock()
			emitTableFull(name)
			return addr.MAC{}, ResultQueued, err
		}
	}
	if len(payload) > 0 {
		e.pending = &pendingFrame{ethertype: ethertype, payload: append([]byte(nil), payload...)}
	}
	e.updatedAt = c.clock.Now()
	c.mu.Unlock()

	// Re-send the request on every call against a still-pending entry, not
	// just the one that allocated it — belt-and-braces against a dropped
	// request or reply.
	req := Packet{
		Operation:   OpRequest,
		SenderHW:    dev.HardwareAddr(),
		SenderProto: ifc.Addr,
		TargetProto: target,
	}
	if err := dev.Transmit(addr.BroadcastMAC, link.EtherTypeARP, req.Marshal()); err != nil {
		c.logger.Debug("arp: failed to transmit request", "iface", name, "target", target, "err", err)
	} else {
		emitRequestSent(name)
	}
	emitResolution(name, "queued")
	return addr.MAC{}, ResultQueued, nil
}

// Wait blocks until target resolves on ifc's device, the entry is cleared
// out from under the caller by the aging sweep, or ctx is cancelled.
func (c *Cache) Wait(ctx context.Context, ifc *iface.Interface, target addr.IPv4) (addr.MAC, error) {
	dev := ifc.Device

	c.mu.Lock()
	e := c.findLocked(dev, target)
	if e == nil {
		c.mu.Unlock()
		return addr.MAC{}, ErrNotPending
	}
	gen := e.generation

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer stop()
	}

	for {
		e = c.findLocked(dev, target)
		if e == nil || e.generation != gen {
			c.mu.Unlock()
			return addr.MAC{}, ErrResolutionFailed
		}
		if e.state == stateResolved {
			hw := e.hw
			c.mu.Unlock()
			return hw, nil
		}
		select {
		case <-ctx.Done():
			c.mu.Unlock()
			return addr.MAC{}, ctx.Err()
		default:
		}
		c.cond.Wait()
	}
}

// Receive processes an inbound ARP frame arriving on ifc: it updates the
// cache from the sender's (protocol, hardware) pair, flushes any pending
// payload queued for that sender, and replies to requests addressed to
// ifc's own address.
func (c *Cache) Receive(ifc *iface.Interface, raw []byte) {
	c.maybeSweep()
	name := ifc.Device.Name()

	pkt, err := Unmarshal(raw)
	if err != nil {
		emitInvalidPacket(name, "parse_error")
		c.logger.Debug("arp: dropping invalid packet", "iface", name, "err", err)
		return
	}
	if pkt.SenderHW.IsZero() || pkt.SenderHW.IsBroadcast() {
		emitInvalidPacket(name, "bad_sender_hw")
		return
	}

	learn := ifc.Contains(pkt.SenderProto)
	c.mu.Lock()
	e := c.findLocked(ifc.Device, pkt.SenderProto)
	if e == nil && learn {
		e, err = c.allocateLocked(ifc.Device, pkt.SenderProto)
		if err != nil {
			c.mu.Unlock()
			emitTableFull(name)
			return
		}
	}
	var pending *pendingFrame
	var dev link.Device
	if e != nil {
		e.hw = pkt.SenderHW
		e.state = stateResolved
		e.updatedAt = c.clock.Now()
		pending = e.pending
		e.pending = nil
		dev = ifc.Device
		c.cond.Broadcast()
	}
	c.mu.Unlock()

	if pending != nil {
		if err := dev.Transmit(pkt.SenderHW, pending.ethertype, pending.payload); err != nil {
			c.logger.Debug("arp: failed to flush pending frame", "iface", name, "err", err)
		}
	}

	if pkt.Operation == OpRequest && pkt.TargetProto == ifc.Addr {
		reply := Packet{
			Operation:   OpReply,
			SenderHW:    ifc.Device.HardwareAddr(),
			SenderProto: ifc.Addr,
			TargetHW:    pkt.SenderHW,
			TargetProto: pkt.SenderProto,
		}
		if err := ifc.Device.Transmit(pkt.SenderHW, link.EtherTypeARP, reply.Marshal()); err != nil {
			c.logger.Debug("arp: failed to transmit reply", "iface", name, "err", err)
		} else {
			emitReplySent(name)
		}
	}
}

// Announce sends an unsolicited (gratuitous) ARP reply broadcasting
// ifc's own protocol/hardware mapping, as arp.c does on interface
// bring-up. It updates no cache state of its own — the point is to let
// peers on the segment refresh or seed their own caches.
func (c *Cache) Announce(ifc *iface.Interface) error {
	name := ifc.Device.Name()
	pkt := Packet{
		Operation:   OpReply,
		SenderHW:    ifc.Device.HardwareAddr(),
		SenderProto: ifc.Addr,
		TargetHW:    addr.BroadcastMAC,
		TargetProto: ifc.Addr,
	}
	if err := ifc.Device.Transmit(addr.BroadcastMAC, link.EtherTypeARP, pkt.Marshal()); err != nil {
		return err
	}
	emitAnnouncementSent(name)
	return nil
}

// Lookup is a non-blocking, non-resolving read of the cache, used by
// callers (such as IPv4 output) that only want to know whether an address
// is already known.
func (c *Cache) Lookup(dev link.Device, target addr.IPv4) (addr.MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.findLocked(dev, target)
	if e == nil || e.state != stateResolved {
		return addr.MAC{}, false
	}
	return e.hw, true
}

func (c *Cache) findLocked(dev link.Device, target addr.IPv4) *entry {
	for i := range c.entries {
		e := &c.entries[i]
		if e.inUse && e.dev == dev && e.proto == target {
			return e
		}
	}
	return nil
}

// allocateLocked returns a free slot for (dev, target), or ErrTableFull if
// none exists. The table never evicts an occupied slot to make room for a
// new one (arp.c's arp_table_insert returns -1 on a full table rather than
// reclaiming an existing entry) — a caller racing a full table fails its
// send instead of silently reusing someone else's in-flight resolution.
func (c *Cache) allocateLocked(dev link.Device, target addr.IPv4) (*entry, error) {
	for i := range c.entries {
		if !c.entries[i].inUse {
			e := &c.entries[i]
			gen := e.generation
			*e = entry{inUse: true, dev: dev, proto: target, state: stateIncomplete, generation: gen + 1}
			return e, nil
		}
	}
	return nil, ErrTableFull
}

// maybeSweep ages out entries idle for longer than entryTTL, at most once
// per sweepInterval (spec.md §4.E).
func (c *Cache) maybeSweep() {
	c.mu.Lock()
	now := c.clock.Now()
	if now.Sub(c.lastSweep) < sweepInterval {
		c.mu.Unlock()
		return
	}
	c.lastSweep = now

	expired := map[string]int{}
	for i := range c.entries {
		e := &c.entries[i]
		if e.inUse && now.Sub(e.updatedAt) >= entryTTL {
			name := e.dev.Name()
			gen := e.generation
			*e = entry{generation: gen + 1}
			expired[name]++
		}
	}
	if len(expired) > 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()

	for name, n := range expired {
		emitEntriesExpired(name, n)
	}
}

// EntryInfo is a read-only snapshot of one cache entry, for diagnostics
// (cmd netstackd's `arp show`).
type EntryInfo struct {
	Iface   string
	Proto   addr.IPv4
	HW      addr.MAC
	Pending bool
}

// Snapshot returns a point-in-time copy of every resolved cache entry.
func (c *Cache) Snapshot() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EntryInfo, 0, len(c.entries))
	for i := range c.entries {
		e := &c.entries[i]
		if !e.inUse || e.state != stateResolved {
			continue
		}
		out = append(out, EntryInfo{
			Iface:   e.dev.Name(),
			Proto:   e.proto,
			HW:      e.hw,
			Pending: e.pending != nil,
		})
	}
	return out
}

// ExportMetrics scans the cache and sets the cache-entries gauge by device
// and state. It is a separate, caller-driven step (invoked periodically by
// cmd/netstackd) rather than something every Resolve/Receive call pays for.
func (c *Cache) ExportMetrics() {
	c.mu.Lock()
	counts := map[string]map[entryState]int{}
	for i := range c.entries {
		e := &c.entries[i]
		if !e.inUse {
			continue
		}
		name := e.dev.Name()
		if counts[name] == nil {
			counts[name] = map[entryState]int{}
		}
		counts[name][e.state]++
	}
	c.mu.Unlock()

	for name, byState := range counts {
		metricCacheEntries.WithLabelValues(name, "incomplete").Set(float64(byState[stateIncomplete]))
		metricCacheEntries.WithLabelValues(name, "resolved").Set(float64(byState[stateResolved]))
	}
}
