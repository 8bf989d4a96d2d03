// Package stack wires the per-subsystem packages (link, iface, route,
// arp, ipv4, tcp, udp, icmp, socket) into the single explicit Stack value
// from spec.md §9's "Global mutable state" resolution: every piece of
// state lives on this struct, passed to callers instead of hiding behind
// package-level globals. Default provides a package-level instance as a
// convenience for callers that only ever need one; cmd/netstackd builds its
// Stack with New.
package stack

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/arp"
	"github.com/clidar0929/netstackd/internal/icmp"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/ipv4"
	"github.com/clidar0929/netstackd/internal/link"
	"github.com/clidar0929/netstackd/internal/route"
	"github.com/clidar0929/netstackd/internal/socket"
	"github.com/clidar0929/netstackd/internal/tcp"
	"github.com/clidar0929/netstackd/internal/udp"
	"github.com/jonboulle/clockwork"
)

// Config controls a Stack's construction, mirroring
// liveness.ManagerConfig's fill-defaults-then-validate shape.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// EnableKeyExchange opts every TCP connection into the DH+XOR
	// handshake extension (internal/tcp/handshakeext).
	EnableKeyExchange bool
}

// Validate fills defaults for Config. No field has a constraint to reject,
// so it always returns nil.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Stack aggregates every subsystem's state behind one value: the
// interface table, route table, ARP cache, and the IPv4/TCP/UDP/ICMP
// engines built over them, plus the BSD-style socket descriptor table
// that application code actually calls into.
type Stack struct {
	cfg Config

	Ifaces *iface.Table
	Routes *route.Table
	ARP    *arp.Cache
	IPv4   *ipv4.Engine
	TCP    *tcp.Engine
	UDP    *udp.Engine
	ICMP   *icmp.Engine
	Socket *socket.Engine
}

// New builds a Stack from cfg. The returned Stack has no interfaces
// configured yet; call AddInterface for each device it should carry
// IPv4 traffic on.
func New(cfg Config) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ifaces := iface.NewTable()
	routes := route.NewTable()
	arpCache := arp.NewCache(cfg.Clock, cfg.Logger)
	ipv4Engine := ipv4.NewEngine(arpCache, ifaces, routes, cfg.Logger)
	tcpEngine := tcp.NewEngine(ipv4Engine, cfg.Clock, cfg.Logger, cfg.EnableKeyExchange)
	udpEngine := udp.NewEngine(ipv4Engine, cfg.Logger)
	icmpEngine := icmp.NewEngine(ipv4Engine, cfg.Logger)
	sockEngine := socket.NewEngine(ifaces, tcpEngine, udpEngine)

	return &Stack{
		cfg:    cfg,
		Ifaces: ifaces,
		Routes: routes,
		ARP:    arpCache,
		IPv4:   ipv4Engine,
		TCP:    tcpEngine,
		UDP:    udpEngine,
		ICMP:   icmpEngine,
		Socket: sockEngine,
	}, nil
}

// AddInterface configures dev with the given IPv4 address, installs a
// directly-connected route for its network, wires the device's receive
// callback into the ARP/IPv4 dispatch, and sends a gratuitous ARP
// announcement for the new address.
func (s *Stack) AddInterface(dev link.Device, ip, mask, gateway addr.IPv4) (*iface.Interface, error) {
	ifc := iface.New(dev, ip, mask, gateway)
	if err := s.Ifaces.Add(ifc); err != nil {
		return nil, err
	}
	if err := s.Routes.Add(route.Route{Network: ifc.Network, Netmask: ifc.Netmask, Iface: ifc}); err != nil {
		s.Ifaces.Remove(dev)
		return nil, err
	}

	dev.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		switch ethertype {
		case link.EtherTypeARP:
			s.ARP.Receive(ifc, payload)
		case link.EtherTypeIPv4:
			s.IPv4.Receive(dev, payload)
		}
	})

	if err := s.ARP.Announce(ifc); err != nil {
		s.cfg.Logger.Debug("stack: gratuitous ARP announce failed", "iface", dev.Name(), "err", err)
	}
	return ifc, nil
}

// ExportMetrics scans every per-interface subsystem and refreshes its
// gauges, the same caller-driven step arp.Cache.ExportMetrics documents —
// cmd/netstackd calls this on a timer rather than on every packet.
func (s *Stack) ExportMetrics() {
	s.ARP.ExportMetrics()
	for _, ifc := range s.Ifaces.All() {
		s.TCP.ExportMetrics(ifc.Device.Name())
	}
}

var (
	defaultStack     *Stack
	defaultStackOnce sync.Once
	defaultStackErr  error
)

// Default returns a process-wide Stack built with zero-value Config,
// lazily constructed on first use, for callers that do not want to thread
// a Stack through their own setup (cmd/netstackd does not use it; it calls
// New). Every package under internal/ still takes its dependencies
// explicitly.
func Default() (*Stack, error) {
	defaultStackOnce.Do(func() {
		defaultStack, defaultStackErr = New(Config{})
	})
	return defaultStack, defaultStackErr
}

// ErrNoSuchInterface is returned by helpers that look up an interface by
// device name and find none configured.
var ErrNoSuchInterface = errors.New("stack: no such interface")

// InterfaceByName finds a previously added interface by its device name.
func (s *Stack) InterfaceByName(name string) (*iface.Interface, error) {
	for _, ifc := range s.Ifaces.All() {
		if ifc.Device.Name() == name {
			return ifc, nil
		}
	}
	return nil, ErrNoSuchInterface
}
