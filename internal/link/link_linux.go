//go:build linux

package link

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
)

// RawSocketDevice binds an AF_PACKET/SOCK_RAW socket to a real Linux
// network interface and frames/deframes Ethernet using gopacket/layers,
// the same combination internal/pim/server.go uses for raw IP writes and
// internal/pim/pim.go uses for hand-rolled layer decode.
type RawSocketDevice struct {
	baseDevice

	fd      int
	ifindex int

	closed  atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewRawSocketDevice opens an AF_PACKET socket bound to the named Linux
// interface and starts a reader goroutine delivering decoded frames to
// whatever ReceiveFunc is installed via SetReceiveFunc.
func NewRawSocketDevice(name string, mtu int) (*RawSocketDevice, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("link: lookup interface %q: %w", name, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htonsProto(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("link: open AF_PACKET socket: %w", err)
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: htonsProto(unix.ETH_P_ALL),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("link: bind AF_PACKET socket to %q: %w", name, err)
	}

	var hw addr.MAC
	copy(hw[:], ifi.HardwareAddr)

	d := &RawSocketDevice{
		baseDevice: baseDevice{
			name:   name,
			typ:    TypeEthernet,
			mtu:    mtu,
			flags:  FlagUp | FlagRunning | FlagBroadcast | FlagMulticast,
			hwaddr: hw,
		},
		fd:      fd,
		ifindex: ifi.Index,
		closeCh: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d, nil
}

func htonsProto(v int) int {
	return int(uint16(v)<<8 | uint16(v)>>8)
}

func (d *RawSocketDevice) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-d.closeCh:
			return
		default:
		}
		n, _, err := unix.Recvfrom(d.fd, buf, 0)
		if err != nil {
			if d.closed.Load() {
				return
			}
			continue
		}
		pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeEthernet, gopacket.NoCopy)
		eth, ok := pkt.LinkLayer().(*layers.Ethernet)
		if !ok {
			continue
		}
		var src addr.MAC
		copy(src[:], eth.SrcMAC)
		d.deliver(uint16(eth.EthernetType), src, eth.Payload)
	}
}

// Transmit builds an Ethernet frame with gopacket/layers and writes it to
// the bound AF_PACKET socket.
func (d *RawSocketDevice) Transmit(dst addr.MAC, ethertype uint16, payload []byte) error {
	if !d.flags.Has(FlagUp) {
		return ErrDown
	}
	if len(payload) > d.mtu {
		return fmt.Errorf("%w: %d > %d", ErrMTUExceeded, len(payload), d.mtu)
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(d.hwaddr[:]),
		DstMAC:       net.HardwareAddr(dst[:]),
		EthernetType: layers.EthernetType(ethertype),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("link: serialize frame: %w", err)
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: htonsProto(int(ethertype)),
		Ifindex:  d.ifindex,
		Halen:    6,
	}
	copy(sa.Addr[:6], dst[:])
	if err := unix.Sendto(d.fd, buf.Bytes(), 0, sa); err != nil {
		return fmt.Errorf("link: sendto %q: %w", d.name, err)
	}
	return nil
}

// Close stops the reader goroutine and closes the underlying socket.
func (d *RawSocketDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.closeCh)
	err := unix.Close(d.fd)
	d.wg.Wait()
	return err
}
