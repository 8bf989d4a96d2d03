package arp

import (
	"context"
	"testing"
	"time"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/link"
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

func newTestIface(t *testing.T, name, mac, ip string) (*iface.Interface, *link.LoopbackDevice) {
	t.Helper()
	dev := link.NewLoopbackDevice(name, mustMAC(t, mac), 1500)
	ifc := iface.New(dev, mustIP(t, ip), mustIP(t, "255.255.255.0"), addr.Any)
	return ifc, dev
}

// TestResolveEndToEnd exercises the spec scenario: Resolve broadcasts a
// REQUEST, the peer's reply populates the cache, and the blocked Wait call
// returns the resolved hardware address.
func TestResolveEndToEnd(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, devA := newTestIface(t, "eth0", "02:00:00:00:00:01", "192.168.0.1")
	b, devB := newTestIface(t, "eth1", "02:00:00:00:00:02", "192.168.0.2")
	link.Connect(devA, devB)

	cacheA := NewCache(clock, nil)
	cacheB := NewCache(clock, nil)
	devA.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		if ethertype == link.EtherTypeARP {
			cacheA.Receive(a, payload)
		}
	})
	devB.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		if ethertype == link.EtherTypeARP {
			cacheB.Receive(b, payload)
		}
	})

	_, result, err := cacheA.Resolve(a, mustIP(t, "192.168.0.2"), link.EtherTypeIPv4, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, ResultQueued, result)

	hw, err := cacheA.Wait(context.Background(), a, mustIP(t, "192.168.0.2"))
	require.NoError(t, err)
	require.Equal(t, devB.HardwareAddr(), hw)

	got, ok := cacheA.Lookup(devA, mustIP(t, "192.168.0.2"))
	require.True(t, ok)
	require.Equal(t, devB.HardwareAddr(), got)
}

// TestResolvePendingPayloadFlushedOnReply checks the invariant that a
// payload queued during an in-flight resolution is transmitted to the
// resolved hardware address once the reply arrives, without the caller
// re-sending it.
func TestResolvePendingPayloadFlushedOnReply(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, devA := newTestIface(t, "eth0", "02:00:00:00:00:01", "192.168.0.1")
	b, devB := newTestIface(t, "eth1", "02:00:00:00:00:02", "192.168.0.2")
	link.Connect(devA, devB)

	cacheA := NewCache(clock, nil)
	cacheB := NewCache(clock, nil)
	devA.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		if ethertype == link.EtherTypeARP {
			cacheA.Receive(a, payload)
		}
	})

	var flushedType uint16
	var flushedPayload []byte
	devB.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		switch ethertype {
		case link.EtherTypeARP:
			cacheB.Receive(b, payload)
		case link.EtherTypeIPv4:
			flushedType = ethertype
			flushedPayload = append([]byte(nil), payload...)
		}
	})

	_, _, err := cacheA.Resolve(a, mustIP(t, "192.168.0.2"), link.EtherTypeIPv4, []byte("queued-datagram"))
	require.NoError(t, err)

	_, err = cacheA.Wait(context.Background(), a, mustIP(t, "192.168.0.2"))
	require.NoError(t, err)

	require.Equal(t, link.EtherTypeIPv4, flushedType)
	require.Equal(t, []byte("queued-datagram"), flushedPayload)
}

func TestResolveCacheHitSkipsRequest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, devA := newTestIface(t, "eth0", "02:00:00:00:00:01", "192.168.0.1")
	b, devB := newTestIface(t, "eth1", "02:00:00:00:00:02", "192.168.0.2")
	link.Connect(devA, devB)

	cacheA := NewCache(clock, nil)
	cacheB := NewCache(clock, nil)
	var requestsSeen int
	devA.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		if ethertype == link.EtherTypeARP {
			cacheA.Receive(a, payload)
		}
	})
	devB.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		if ethertype == link.EtherTypeARP {
			requestsSeen++
			cacheB.Receive(b, payload)
		}
	})

	target := mustIP(t, "192.168.0.2")
	_, _, err := cacheA.Resolve(a, target, link.EtherTypeIPv4, nil)
	require.NoError(t, err)
	_, err = cacheA.Wait(context.Background(), a, target)
	require.NoError(t, err)
	require.Equal(t, 1, requestsSeen)

	hw, result, err := cacheA.Resolve(a, target, link.EtherTypeIPv4, nil)
	require.NoError(t, err)
	require.Equal(t, ResultResolved, result)
	require.Equal(t, devB.HardwareAddr(), hw)
	require.Equal(t, 1, requestsSeen, "cache hit must not re-send a request")
}

func TestResolvePendingResendsRequestOnEachCall(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, devA := newTestIface(t, "eth0", "02:00:00:00:00:01", "192.168.0.1")
	_, devB := newTestIface(t, "eth1", "02:00:00:00:00:02", "192.168.0.2")
	link.Connect(devA, devB) // devB never replies, so the entry stays pending

	cacheA := NewCache(clock, nil)
	var requestsSeen int
	devB.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		if ethertype == link.EtherTypeARP {
			requestsSeen++
		}
	})

	target := mustIP(t, "192.168.0.2")
	_, result, err := cacheA.Resolve(a, target, link.EtherTypeIPv4, nil)
	require.NoError(t, err)
	require.Equal(t, ResultQueued, result)
	require.Equal(t, 1, requestsSeen)

	_, result, err = cacheA.Resolve(a, target, link.EtherTypeIPv4, nil)
	require.NoError(t, err)
	require.Equal(t, ResultQueued, result)
	require.Equal(t, 2, requestsSeen, "resolving a still-pending entry must re-send the request")
}

func TestWaitNoPendingResolution(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, _ := newTestIface(t, "eth0", "02:00:00:00:00:01", "192.168.0.1")
	cache := NewCache(clock, nil)
	_, err := cache.Wait(context.Background(), a, mustIP(t, "192.168.0.99"))
	require.ErrorIs(t, err, ErrNotPending)
}

func TestWaitContextCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, devA := newTestIface(t, "eth0", "02:00:00:00:00:01", "192.168.0.1")
	_, devB := newTestIface(t, "eth1", "02:00:00:00:00:02", "192.168.0.2")
	link.Connect(devA, devB) // devB never replies

	cache := NewCache(clock, nil)
	_, _, err := cache.Resolve(a, mustIP(t, "192.168.0.2"), link.EtherTypeIPv4, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = cache.Wait(ctx, a, mustIP(t, "192.168.0.2"))
	require.Error(t, err)
}

func TestTableFullReturnsErrorAndFailsSend(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, _ := newTestIface(t, "eth0", "02:00:00:00:00:01", "10.0.0.1")
	cache := NewCache(clock, nil)

	for i := 0; i < Capacity; i++ {
		target := addr.IPv4(0x0a000002 + uint32(i))
		_, _, err := cache.Resolve(a, target, link.EtherTypeIPv4, nil)
		require.NoError(t, err)
	}

	// The table is now full of still-incomplete entries; the next distinct
	// target must fail with ErrTableFull rather than evict an existing one.
	_, _, err := cache.Resolve(a, addr.IPv4(0x0a000002+uint32(Capacity)), link.EtherTypeIPv4, nil)
	require.ErrorIs(t, err, ErrTableFull)
}

func TestAgingSweepExpiresStaleEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, devA := newTestIface(t, "eth0", "02:00:00:00:00:01", "192.168.0.1")
	b, devB := newTestIface(t, "eth1", "02:00:00:00:00:02", "192.168.0.2")
	link.Connect(devA, devB)

	cacheA := NewCache(clock, nil)
	cacheB := NewCache(clock, nil)
	devA.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		if ethertype == link.EtherTypeARP {
			cacheA.Receive(a, payload)
		}
	})
	devB.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		if ethertype == link.EtherTypeARP {
			cacheB.Receive(b, payload)
		}
	})

	target := mustIP(t, "192.168.0.2")
	_, _, err := cacheA.Resolve(a, target, link.EtherTypeIPv4, nil)
	require.NoError(t, err)
	_, err = cacheA.Wait(context.Background(), a, target)
	require.NoError(t, err)

	_, ok := cacheA.Lookup(devA, target)
	require.True(t, ok)

	clock.Advance(400 * time.Second)
	// A call that triggers maybeSweep is needed to observe expiry.
	_, _, err = cacheA.Resolve(a, mustIP(t, "192.168.0.3"), link.EtherTypeIPv4, nil)
	require.NoError(t, err)

	_, ok = cacheA.Lookup(devA, target)
	require.False(t, ok, "entry idle past entryTTL must be expired by the sweep")
}

func TestReceiveRejectsShortPacket(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, _ := newTestIface(t, "eth0", "02:00:00:00:00:01", "192.168.0.1")
	cache := NewCache(clock, nil)
	cache.Receive(a, []byte{1, 2, 3})
	// No panic, no crash; nothing further to assert without exposing metrics.
}

// TestAnnouncePopulatesPeerCache exercises the gratuitous-ARP bring-up
// path: A announces itself, and B's cache learns A's mapping from the
// broadcast reply without ever sending a request of its own.
func TestAnnouncePopulatesPeerCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, devA := newTestIface(t, "eth0", "02:00:00:00:00:01", "192.168.0.1")
	b, devB := newTestIface(t, "eth1", "02:00:00:00:00:02", "192.168.0.2")
	link.Connect(devA, devB)

	cacheB := NewCache(clock, nil)
	devB.SetReceiveFunc(func(ethertype uint16, src addr.MAC, payload []byte) {
		if ethertype == link.EtherTypeARP {
			cacheB.Receive(b, payload)
		}
	})

	cacheA := NewCache(clock, nil)
	require.NoError(t, cacheA.Announce(a))

	hw, ok := cacheB.Lookup(devB, mustIP(t, "192.168.0.1"))
	require.True(t, ok)
	require.Equal(t, mustMAC(t, "02:00:00:00:00:01"), hw)
}
