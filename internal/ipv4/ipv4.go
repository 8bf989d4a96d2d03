package ipv4

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/arp"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/link"
	"github.com/clidar0929/netstackd/internal/route"
)

// ErrNoRoute is returned by Transmit when no route matches dst and no
// broadcast/interface hint was given.
var ErrNoRoute = errors.New("ipv4: no route to destination")

// HandlerFunc is invoked for every accepted inbound datagram, once per
// protocol registered with RegisterHandler.
type HandlerFunc func(ifc *iface.Interface, h Header, payload []byte)

// Engine is the IPv4 transmit/receive path (spec component F): one
// instance is shared by every interface, dispatching inbound datagrams by
// protocol and driving ARP resolution for outbound ones.
type Engine struct {
	mu     sync.Mutex // protects nextID, mirroring the spec's "monotonic id under a lock"
	nextID uint16

	arp    *arp.Cache
	ifaces *iface.Table
	routes *route.Table
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[Protocol]HandlerFunc
}

// NewEngine builds an Engine over the given ARP cache, interface table,
// and route table. A nil logger discards log output.
func NewEngine(arpCache *arp.Cache, ifaces *iface.Table, routes *route.Table, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		arp:      arpCache,
		ifaces:   ifaces,
		routes:   routes,
		logger:   logger,
		handlers: make(map[Protocol]HandlerFunc),
	}
}

// RegisterHandler installs the upper-layer handler for proto. Replaces any
// existing registration.
func (e *Engine) RegisterHandler(proto Protocol, fn HandlerFunc) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[proto] = fn
}

func (e *Engine) handlerFor(proto Protocol) (HandlerFunc, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	fn, ok := e.handlers[proto]
	return fn, ok
}

// Receive is the link-layer callback for EtherTypeIPv4 frames: it parses
// and validates the datagram, checks the destination is ours, and
// dispatches by protocol. Every rejection is silent at the link level —
// only a metric and a debug log record it.
func (e *Engine) Receive(dev link.Device, frame []byte) {
	ifc, ok := e.ifaces.ByDevice(dev)
	if !ok {
		emitDatagramRxInvalid(dev.Name(), "no_iface")
		return
	}
	name := ifc.Device.Name()

	h, payload, err := ParseHeader(frame)
	if err != nil {
		emitDatagramRxInvalid(name, reasonFor(err))
		e.logger.Debug("ipv4: dropping invalid datagram", "iface", name, "err", err)
		return
	}

	if h.Dst != ifc.Addr && h.Dst != ifc.Broadcast && h.Dst != addr.Broadcast {
		emitDatagramRxInvalid(name, "not_for_us")
		return
	}

	fn, ok := e.handlerFor(h.Protocol)
	if !ok {
		emitDatagramRxInvalid(name, "no_handler")
		return
	}
	emitDatagramRx(name)
	fn(ifc, h, payload)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrShort):
		return "short"
	case errors.Is(err, ErrBadVersion):
		return "bad_version"
	case errors.Is(err, ErrBadHeaderLen):
		return "bad_header_len"
	case errors.Is(err, ErrBadTotalLength):
		return "bad_total_length"
	case errors.Is(err, ErrBadChecksum):
		return "bad_checksum"
	case errors.Is(err, ErrTTLExpired):
		return "ttl_expired"
	case errors.Is(err, ErrFragmented):
		return "fragmented"
	default:
		return "parse_error"
	}
}

// Transmit builds and sends proto/buf to dst, fragmenting at MTU-20 when
// buf doesn't fit in one datagram (spec.md §4.F, §8 scenario 6). ifaceHint
// is used only when dst is the limited broadcast address, where no route
// lookup applies. Returns the number of payload bytes sent; a partial
// multi-fragment failure returns what was sent so far alongside the error
// (no compensation for fragments already on the wire).
func (e *Engine) Transmit(ifaceHint *iface.Interface, proto Protocol, buf []byte, dst addr.IPv4) (int, error) {
	var ifc *iface.Interface
	var nextHop addr.IPv4

	if dst == addr.Broadcast {
		if ifaceHint == nil {
			return 0, ErrNoRoute
		}
		ifc = ifaceHint
		nextHop = addr.Broadcast
	} else {
		rt, ok := e.routes.Lookup(dst)
		if !ok {
			emitTxError("", "no_route")
			return 0, ErrNoRoute
		}
		ifc = rt.Iface
		if rt.DirectlyConnected() {
			nextHop = dst
		} else {
			nextHop = rt.NextHop
		}
	}

	name := ifc.Device.Name()
	mtu := ifc.Device.MTU()
	maxPayload := mtu - HeaderLen
	if maxPayload <= 0 {
		return 0, fmt.Errorf("ipv4: mtu %d too small for a 20-byte header", mtu)
	}

	id := e.nextIdentifier()
	sent := 0
	for offset := 0; offset < len(buf); {
		remaining := len(buf) - offset
		chunkLen := remaining
		more := false
		if remaining > maxPayload {
			chunkLen = maxPayload - (maxPayload % 8)
			more = true
		}

		h := Header{
			TotalLength:   uint16(HeaderLen + chunkLen),
			ID:            id,
			MoreFragments: more,
			FragOffset:    uint16(offset / 8),
			TTL:           255,
			Protocol:      proto,
			Src:           ifc.Addr,
			Dst:           dst,
		}
		pkt := append(h.Marshal(), buf[offset:offset+chunkLen]...)

		if err := e.txToLink(ifc, nextHop, pkt); err != nil {
			reason := "link_error"
			if errors.Is(err, arp.ErrTableFull) {
				reason = "arp_error"
			}
			emitTxError(name, reason)
			return sent, err
		}
		emitFragmentTx(name)
		sent += chunkLen
		offset += chunkLen
	}
	emitDatagramTx(name)
	return sent, nil
}

// txToLink resolves nextHop to a hardware address (skipping ARP for
// broadcast destinations or no-ARP devices) and hands the packet to the
// link. When resolution is still in flight, the packet is left queued as
// the ARP cache's pending payload for that target and is flushed when the
// reply arrives — this call returns success immediately in that case,
// matching §4.F's "hand each packet to tx_to_link" without waiting for
// resolution to complete.
func (e *Engine) txToLink(ifc *iface.Interface, nextHop addr.IPv4, pkt []byte) error {
	dev := ifc.Device

	if nextHop == addr.Broadcast {
		return dev.Transmit(dev.BroadcastAddr(), link.EtherTypeIPv4, pkt)
	}
	if dev.Flags().Has(link.FlagNoARP) {
		return dev.Transmit(dev.PeerAddr(), link.EtherTypeIPv4, pkt)
	}

	if hw, ok := e.arp.Lookup(dev, nextHop); ok {
		return dev.Transmit(hw, link.EtherTypeIPv4, pkt)
	}

	hw, result, err := e.arp.Resolve(ifc, nextHop, link.EtherTypeIPv4, pkt)
	if err != nil {
		return fmt.Errorf("ipv4: arp resolve: %w", err)
	}
	if result == arp.ResultResolved {
		return dev.Transmit(hw, link.EtherTypeIPv4, pkt)
	}
	// ResultQueued: pkt is now the cache's pending payload for nextHop and
	// will be transmitted by arp.Cache.Receive once the reply arrives.
	return nil
}

func (e *Engine) nextIdentifier() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return e.nextID
}
