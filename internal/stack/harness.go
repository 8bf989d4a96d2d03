package stack

import (
	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/link"
)

// HarnessConfig describes one side of a cabled two-Stack test harness.
type HarnessConfig struct {
	DeviceName string
	MAC        addr.MAC
	MTU        int
	Addr       addr.IPv4
	Netmask    addr.IPv4
}

// Harness wires two Stacks together over a pair of LoopbackDevices cabled
// with link.Connect, the Go-native replacement for connserver.c's manual
// test rig: scenario tests build a Harness once and then drive A/B's
// Socket engines directly, exercising the full ARP/IPv4/TCP/UDP/ICMP
// path without a real NIC.
type Harness struct {
	A, B   *Stack
	IfaceA *iface.Interface
	IfaceB *iface.Interface
}

// NewHarness builds a Harness from two Stack configs and two device
// descriptions, cabling the resulting LoopbackDevices together and adding
// each as an interface on its own Stack.
func NewHarness(cfgA, cfgB Config, devA, devB HarnessConfig) (*Harness, error) {
	stackA, err := New(cfgA)
	if err != nil {
		return nil, err
	}
	stackB, err := New(cfgB)
	if err != nil {
		return nil, err
	}

	linkA := link.NewLoopbackDevice(devA.DeviceName, devA.MAC, devA.MTU)
	linkB := link.NewLoopbackDevice(devB.DeviceName, devB.MAC, devB.MTU)
	link.Connect(linkA, linkB)

	ifA, err := stackA.AddInterface(linkA, devA.Addr, devA.Netmask, addr.Any)
	if err != nil {
		return nil, err
	}
	ifB, err := stackB.AddInterface(linkB, devB.Addr, devB.Netmask, addr.Any)
	if err != nil {
		return nil, err
	}

	return &Harness{A: stackA, B: stackB, IfaceA: ifA, IfaceB: ifB}, nil
}
