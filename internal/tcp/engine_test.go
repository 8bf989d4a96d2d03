package tcp

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

func mustIP(t *testing.T, s string) addr.IPv4 {
	t.Helper()
	v, err := addr.ParseIPv4(s)
	require.NoError(t, err)
	return v
}

func mustMAC(t *testing.T, s string) addr.MAC {
	t.Helper()
	v, err := addr.ParseMAC(s)
	require.NoError(t, err)
	return v
}

// testHost bundles one side of a cabled loopback pair with a full
// link/iface/route/arp/ipv4/tcp stack, mirroring internal/ipv4's
// testNetwork harness one layer up.
type testHost struct {
	dev *link.LoopbackDevice
	ifc *iface.Interface
	tcp *Engine
}

type testNetwork struct {
	a, b  *testHost
	clock clockwork.FakeClock
}

func newTestNetwork(t *testing.T, mtu int, enableExt bool) *testNetwork {
	t.Helper()
	clock := clockwork.NewFakeClock()

	devA := link.NewLoopbackDevice("eth0", mustMAC(t, "02:00:00:00:00:02"), mtu)
	devB := link.NewLoopbackDevice("eth1", mustMAC(t, "e6:c8:ff:09:76:99"), mtu)
	link.Connect(devA, devB)

	ifA := iface.New(devA, mustIP(t, "192.168.0.2"), mustIP(t, "255.255.255.0"), addr.Any)
	ifB := iface.New(devB, mustIP(t, "192.168.0.8"), mustIP(t, "255.255.255.0"), addr.Any)

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

	tcpA := NewEngine(ipv4A, clock, nil, enableExt)
	tcpB := NewEngine(ipv4B, clock, nil, enableExt)

	return &testNetwork{
		a:     &testHost{dev: devA, ifc: ifA, tcp: tcpA},
		b:     &testHost{dev: devB, ifc: ifB, tcp: tcpB},
		clock: clock,
	}
}

// handshake drives a full three-way handshake from a to a listener on b,
// returning both resulting TCBs once ESTABLISHED.
func handshake(t *testing.T, net *testNetwork, listenPort uint16) (*TCB, *TCB) {
	t.Helper()
	listener, err := net.b.tcp.Open(net.b.ifc, listenPort)
	require.NoError(t, err)
	require.NoError(t, net.b.tcp.Listen(listener, 4))

	client, err := net.a.tcp.Open(net.a.ifc, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, net.a.tcp.Connect(ctx, client, net.b.ifc.Addr, listenPort))
	require.Equal(t, StateEstablished, net.a.tcp.StateOf(client))

	server, err := net.b.tcp.Accept(ctx, listener)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, net.b.tcp.StateOf(server))
	return client, server
}

func TestThreeWayHandshakeReachesEstablished(t *testing.T) {
	net := newTestNetwork(t, 1500, false)
	client, server := handshake(t, net, 9000)
	require.Equal(t, client.PeerPort(), server.localPort)
	require.Equal(t, server.PeerPort(), client.localPort)
}

func TestHandshakeRejectedWithoutMarkerOption(t *testing.T) {
	net := newTestNetwork(t, 1500, false)
	listener, err := net.b.tcp.Open(net.b.ifc, 9001)
	require.NoError(t, err)
	require.NoError(t, net.b.tcp.Listen(listener, 4))

	// A bare SYN with no handshake-marker option, built by hand rather
	// than through Connect (which always sets the marker).
	h := Header{SrcPort: 40000, DstPort: 9001, Seq: 100, Flags: FlagSYN}
	frame := h.Marshal(net.a.ifc.Addr, net.b.ifc.Addr, nil)
	_, err = net.a.tcp.ipv4.Transmit(nil, ipv4.ProtoTCP, frame, net.b.ifc.Addr)
	require.NoError(t, err)

	require.Equal(t, StateListen, net.b.tcp.StateOf(listener))
	var occupied int
	for _, tcb := range net.b.tcp.tcbs {
		if tcb != nil {
			occupied++
			require.Same(t, listener, tcb) // the would-be child was rejected and freed, not left dangling
		}
	}
	require.Equal(t, 1, occupied)
}

func TestEchoOverEstablishedConnection(t *testing.T) {
	net := newTestNetwork(t, 1500, false)
	client, server := handshake(t, net, 9002)

	n, err := net.a.tcp.Send(client, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf := make([]byte, 16)
	n, err = net.b.tcp.Recv(ctx, server, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	n, err = net.b.tcp.Send(server, []byte("pong"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	n, err = net.a.tcp.Recv(ctx, client, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}

func TestEncryptedEchoWithHandshakeExtension(t *testing.T) {
	net := newTestNetwork(t, 1500, true)
	client, server := handshake(t, net, 9003)

	require.NotNil(t, client.ext.txSession)
	require.NotNil(t, server.ext.rxSession)
	require.Equal(t, client.ext.sharedSecret, server.ext.sharedSecret)

	_, err := net.a.tcp.Send(client, []byte("secret"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf := make([]byte, 16)
	n, err := net.b.tcp.Recv(ctx, server, buf)
	require.NoError(t, err)
	require.Equal(t, "secret", string(buf[:n]))
}

func TestGracefulCloseFromClient(t *testing.T) {
	net := newTestNetwork(t, 1500, false)
	client, server := handshake(t, net, 9004)

	// Loopback delivery is synchronous, so by the time Close returns, the
	// client's FIN has reached the server (CLOSE_WAIT) and the server's
	// ACK of it has reached the client (FIN_WAIT1 -> FIN_WAIT2).
	require.NoError(t, net.a.tcp.Close(client))
	require.Equal(t, StateFinWait2, net.a.tcp.StateOf(client))
	require.Equal(t, StateCloseWait, net.b.tcp.StateOf(server))

	// Server's own FIN reaches the client (-> TIME_WAIT) and the client's
	// ACK of it reaches the server (-> CLOSED), all before Close returns.
	require.NoError(t, net.b.tcp.Close(server))
	require.Equal(t, StateClosed, net.b.tcp.StateOf(server))
	require.Equal(t, StateTimeWait, net.a.tcp.StateOf(client))
}

func TestTCBTableFullRejectsOpen(t *testing.T) {
	net := newTestNetwork(t, 1500, false)
	for i := 0; i < Capacity; i++ {
		_, err := net.a.tcp.Open(net.a.ifc, uint16(20000+i))
		require.NoError(t, err)
	}
	_, err := net.a.tcp.Open(net.a.ifc, 30000)
	require.ErrorIs(t, err, ErrTableFull)
}

func TestCloseFreesATCBSlot(t *testing.T) {
	net := newTestNetwork(t, 1500, false)
	var tcbs []*TCB
	for i := 0; i < Capacity; i++ {
		tcb, err := net.a.tcp.Open(net.a.ifc, uint16(21000+i))
		require.NoError(t, err)
		tcbs = append(tcbs, tcb)
	}
	require.NoError(t, net.a.tcp.Close(tcbs[0])) // CLOSED state: frees immediately
	_, err := net.a.tcp.Open(net.a.ifc, 31000)
	require.NoError(t, err)
}

func TestRecvReturnsZeroOnEOFAfterClose(t *testing.T) {
	net := newTestNetwork(t, 1500, false)
	client, server := handshake(t, net, 9005)
	_ = client

	require.NoError(t, net.b.tcp.Close(server))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf := make([]byte, 8)
	n, err := net.a.tcp.Recv(ctx, client, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSendSegmentsAtMTUMinus40(t *testing.T) {
	net := newTestNetwork(t, 100, false) // mss = 100-40 = 60
	client, server := handshake(t, net, 9006)
	_ = server

	data := make([]byte, 130)
	for i := range data {
		data[i] = byte(i)
	}
	// Drop everything the server side would receive so no ACK prunes the
	// retransmit queue before it is inspected.
	net.b.dev.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {})
	n, err := net.a.tcp.Send(client, data)
	require.NoError(t, err)
	require.Equal(t, 130, n)
	require.Len(t, client.txQueue, 3) // 60 + 60 + 10
}

func TestStaleAckReassertsCurrentWindow(t *testing.T) {
	net := newTestNetwork(t, 1500, false)
	client, server := handshake(t, net, 9008)

	// Drive one full round trip so sndUna/sndNxt settle back to equal
	// before crafting a stale ack below.
	_, err := net.a.tcp.Send(client, []byte("hi"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf := make([]byte, 16)
	_, err = net.b.tcp.Recv(ctx, server, buf)
	require.NoError(t, err)
	require.Equal(t, client.sndNxt, client.sndUna)

	staleAck := client.sndUna - 1 // ack < sndUna is outside (sndUna, sndNxt]

	// Capture on the server side: the client's re-asserting ACK travels to B.
	var captured *Header
	net.b.tcp.ipv4.RegisterHandler(ipv4.ProtoTCP, func(ifc *iface.Interface, ih ipv4.Header, payload []byte) {
		if th, _, err := ParseHeader(payload, ih.Src, ih.Dst); err == nil && th.Flags == FlagACK {
			h := th
			captured = &h
		}
		net.b.tcp.receive(ifc, ih, payload)
	})

	// Craft and inject a stale ACK addressed to the client, bypassing the
	// real server TCB so the test controls the exact Ack value.
	h := Header{SrcPort: server.localPort, DstPort: client.localPort, Seq: server.sndNxt, Ack: staleAck, Flags: FlagACK}
	frame := h.Marshal(net.b.ifc.Addr, net.a.ifc.Addr, nil)
	_, err = net.b.tcp.ipv4.Transmit(nil, ipv4.ProtoTCP, frame, net.a.ifc.Addr)
	require.NoError(t, err)

	require.NotNil(t, captured, "client must re-assert its current window in response to a stale ack")
	require.Equal(t, client.sndNxt, captured.Seq)
	require.Equal(t, client.rcvNxt, captured.Ack)
}

func TestRetransmitSweepResendsThenTearsDownAfterMaxRetransmits(t *testing.T) {
	net := newTestNetwork(t, 1500, false)
	client, _ := handshake(t, net, 9007)

	// b silently drops everything from here on, so client's segment is
	// never ACKed and must age through the full retransmit schedule.
	net.b.dev.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {})

	n, err := net.a.tcp.Send(client, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, client.txQueue, 1)
	require.Equal(t, 0, client.txQueue[0].retries)

	for i := 0; i <= maxRetransmits; i++ {
		net.clock.Advance(10 * time.Second)
		net.a.tcp.RetransmitSweep()
	}

	require.Equal(t, StateClosed, net.a.tcp.StateOf(client))
}
