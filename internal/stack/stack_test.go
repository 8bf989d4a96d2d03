package stack

import (
	"context"
	"testing"
	"time"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/ipv4"
	"github.com/clidar0929/netstackd/internal/netutil"
	"github.com/clidar0929/netstackd/internal/socket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestHarness(t *testing.T, enableKeyExchange bool) *Harness {
	t.Helper()
	clock := clockwork.NewFakeClock()

	macA, err := addr.ParseMAC("02:00:00:00:00:02")
	require.NoError(t, err)
	macB, err := addr.ParseMAC("e6:c8:ff:09:76:99")
	require.NoError(t, err)
	ipA, err := addr.ParseIPv4("192.168.0.2")
	require.NoError(t, err)
	ipB, err := addr.ParseIPv4("192.168.0.8")
	require.NoError(t, err)
	mask, err := addr.ParseIPv4("255.255.255.0")
	require.NoError(t, err)

	h, err := NewHarness(
		Config{Clock: clock, EnableKeyExchange: enableKeyExchange},
		Config{Clock: clock, EnableKeyExchange: enableKeyExchange},
		HarnessConfig{DeviceName: "eth0", MAC: macA, MTU: 1500, Addr: ipA, Netmask: mask},
		HarnessConfig{DeviceName: "eth1", MAC: macB, MTU: 1500, Addr: ipB, Netmask: mask},
	)
	require.NoError(t, err)
	return h
}

// TestHandshakeEchoAndGracefulClose exercises spec.md §8 scenarios 2, 4,
// and 5 through the full Stack: a TCP handshake, an echoed payload, and a
// client close after which the server reads EOF (0 bytes) and closes its
// own end without error.
func TestHandshakeEchoAndGracefulClose(t *testing.T) {
	h := newTestHarness(t, false)

	listenFD, err := h.B.Socket.Socket(socket.FamilyINET, socket.TypeStream, 0)
	require.NoError(t, err)
	require.NoError(t, h.B.Socket.Bind(listenFD, h.IfaceB.Addr, 9000))
	require.NoError(t, h.B.Socket.Listen(listenFD, 4))

	clientFD, err := h.A.Socket.Socket(socket.FamilyINET, socket.TypeStream, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.A.Socket.Connect(ctx, clientFD, h.IfaceB.Addr, 9000))

	serverFD, err := h.B.Socket.Accept(ctx, listenFD)
	require.NoError(t, err)

	n, err := h.A.Socket.Send(clientFD, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	buf := make([]byte, 16)
	n, err = h.B.Socket.Recv(ctx, serverFD, buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))

	require.NoError(t, h.A.Socket.Close(clientFD))

	n, err = h.B.Socket.Recv(ctx, serverFD, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.NoError(t, h.B.Socket.Close(serverFD))
}

// TestHandshakeWithKeyExchangeExtension runs the same handshake with the
// opt-in DH+XOR extension enabled on both ends (spec.md §9 extension).
func TestHandshakeWithKeyExchangeExtension(t *testing.T) {
	h := newTestHarness(t, true)

	listenFD, err := h.B.Socket.Socket(socket.FamilyINET, socket.TypeStream, 0)
	require.NoError(t, err)
	require.NoError(t, h.B.Socket.Bind(listenFD, h.IfaceB.Addr, 9001))
	require.NoError(t, h.B.Socket.Listen(listenFD, 4))

	clientFD, err := h.A.Socket.Socket(socket.FamilyINET, socket.TypeStream, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.A.Socket.Connect(ctx, clientFD, h.IfaceB.Addr, 9001))

	serverFD, err := h.B.Socket.Accept(ctx, listenFD)
	require.NoError(t, err)

	n, err := h.A.Socket.Send(clientFD, []byte("secret"))
	require.NoError(t, err)
	require.Equal(t, 6, n)

	buf := make([]byte, 16)
	n, err = h.B.Socket.Recv(ctx, serverFD, buf)
	require.NoError(t, err)
	require.Equal(t, "secret", string(buf[:n]))
}

// TestUDPExchange carries spec.md §5 supplemental feature 1 (the minimal
// UDP path) end to end through the Stack-level socket engine.
func TestUDPExchange(t *testing.T) {
	h := newTestHarness(t, false)

	serverFD, err := h.B.Socket.Socket(socket.FamilyINET, socket.TypeDgram, 0)
	require.NoError(t, err)
	require.NoError(t, h.B.Socket.Bind(serverFD, h.IfaceB.Addr, 6000))

	clientFD, err := h.A.Socket.Socket(socket.FamilyINET, socket.TypeDgram, 0)
	require.NoError(t, err)

	n, err := h.A.Socket.SendTo(clientFD, []byte("ping"), h.IfaceB.Addr, 6000)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, 16)
	n, peer, _, err := h.B.Socket.RecvFrom(ctx, serverFD, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
	require.Equal(t, h.IfaceA.Addr, peer)
}

// TestICMPEchoAcrossStacks carries spec.md §5 supplemental feature 5: an
// echo request sent from one Stack's IPv4 engine is answered by the
// other Stack's ICMP engine.
func TestICMPEchoAcrossStacks(t *testing.T) {
	h := newTestHarness(t, false)

	var got []byte
	h.A.IPv4.RegisterHandler(ipv4.ProtoICMP, func(ifc *iface.Interface, hdr ipv4.Header, payload []byte) {
		got = append([]byte(nil), payload...)
	})

	req := make([]byte, 12)
	req[0] = 8 // echo request
	req[4], req[5] = 0, 42
	req[6], req[7] = 0, 1
	copy(req[8:], "ping")
	cksum := netutil.Checksum(req, 0)
	req[2] = byte(cksum >> 8)
	req[3] = byte(cksum)

	_, err := h.A.IPv4.Transmit(nil, ipv4.ProtoICMP, req, h.IfaceB.Addr)
	require.NoError(t, err)

	require.NotNil(t, got)
	require.Equal(t, uint8(0), got[0]) // echo reply
	require.Equal(t, "ping", string(got[8:]))
	require.Zero(t, netutil.Checksum(got, 0))
}
