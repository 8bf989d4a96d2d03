package udp

import (
	"context"
	"testing"
	"time"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/arp"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/ipv4"
	"github.com/clidar0929/netstackd/internal/link"
	"github.com/clidar0929/netstackd/internal/route"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type testHost struct {
	ifc *iface.Interface
	udp *Engine
}

type testNetwork struct {
	a, b *testHost
}

func newTestNetwork(t *testing.T) *testNetwork {
	t.Helper()
	clock := clockwork.NewFakeClock()

	macA, err := addr.ParseMAC("02:00:00:00:00:02")
	require.NoError(t, err)
	macB, err := addr.ParseMAC("e6:c8:ff:09:76:99")
	require.NoError(t, err)
	devA := link.NewLoopbackDevice("eth0", macA, 1500)
	devB := link.NewLoopbackDevice("eth1", macB, 1500)
	link.Connect(devA, devB)

	ipA, err := addr.ParseIPv4("192.168.0.2")
	require.NoError(t, err)
	ipB, err := addr.ParseIPv4("192.168.0.8")
	require.NoError(t, err)
	mask, err := addr.ParseIPv4("255.255.255.0")
	require.NoError(t, err)

	ifA := iface.New(devA, ipA, mask, addr.Any)
	ifB := iface.New(devB, ipB, mask, addr.Any)

	ifacesA := iface.NewTable()
	require.NoError(t, ifacesA.Add(ifA))
	ifacesB := iface.NewTable()
	require.NoError(t, ifacesB.Add(ifB))

	routesA := route.NewTable()
	require.NoError(t, routesA.Add(route.Route{Network: ifA.Network, Netmask: ifA.Netmask, Iface: ifA}))
	routesB := route.NewTable()
	require.NoError(t, routesB.Add(route.Route{Network: ifB.Network, Netmask: ifB.Netmask, Iface: ifB}))

	arpA := arp.NewCache(clock, nil)
	arpB := arp.NewCache(clock, nil)

	ipv4A := ipv4.NewEngine(arpA, ifacesA, routesA, nil)
	ipv4B := ipv4.NewEngine(arpB, ifacesB, routesB, nil)

	devA.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		switch ethertype {
		case link.EtherTypeARP:
			arpA.Receive(ifA, payload)
		case link.EtherTypeIPv4:
			ipv4A.Receive(devA, payload)
		}
	})
	devB.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		switch ethertype {
		case link.EtherTypeARP:
			arpB.Receive(ifB, payload)
		case link.EtherTypeIPv4:
			ipv4B.Receive(devB, payload)
		}
	})

	return &testNetwork{
		a: &testHost{ifc: ifA, udp: NewEngine(ipv4A, nil)},
		b: &testHost{ifc: ifB, udp: NewEngine(ipv4B, nil)},
	}
}

func TestSendToAndRecvFrom(t *testing.T) {
	net := newTestNetwork(t)

	serverSock, err := net.b.udp.Bind(net.b.ifc, 7000)
	require.NoError(t, err)
	clientSock, err := net.a.udp.Bind(net.a.ifc, 9000)
	require.NoError(t, err)

	n, err := net.a.udp.SendTo(clientSock, []byte("hello"), net.b.ifc.Addr, 7000)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, 16)
	n, peer, peerPort, err := net.b.udp.RecvFrom(ctx, serverSock, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.Equal(t, net.a.ifc.Addr, peer)
	require.Equal(t, uint16(9000), peerPort)
}

func TestBindRejectsDuplicatePort(t *testing.T) {
	net := newTestNetwork(t)
	_, err := net.a.udp.Bind(net.a.ifc, 8000)
	require.NoError(t, err)
	_, err = net.a.udp.Bind(net.a.ifc, 8000)
	require.ErrorIs(t, err, ErrPortInUse)
}

func TestBindZeroPortAllocatesEphemeral(t *testing.T) {
	net := newTestNetwork(t)
	sock, err := net.a.udp.Bind(net.a.ifc, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, int(sock.LocalPort()), ephemeralLow)
	require.LessOrEqual(t, int(sock.LocalPort()), ephemeralHigh)
}

func TestCloseFreesSocketSlot(t *testing.T) {
	net := newTestNetwork(t)
	var socks []*Socket
	for i := 0; i < Capacity; i++ {
		s, err := net.a.udp.Bind(net.a.ifc, uint16(11000+i))
		require.NoError(t, err)
		socks = append(socks, s)
	}
	_, err := net.a.udp.Bind(net.a.ifc, 12000)
	require.ErrorIs(t, err, ErrTableFull)

	require.NoError(t, net.a.udp.Close(socks[0]))
	_, err = net.a.udp.Bind(net.a.ifc, 12000)
	require.NoError(t, err)
}

func TestRecvFromReturnsErrClosedAfterClose(t *testing.T) {
	net := newTestNetwork(t)
	sock, err := net.a.udp.Bind(net.a.ifc, 13000)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, _, _, recvErr := net.a.udp.RecvFrom(context.Background(), sock, buf)
		done <- recvErr
	}()

	require.NoError(t, net.a.udp.Close(sock))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("RecvFrom did not wake up after Close")
	}
}
