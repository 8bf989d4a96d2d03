// Package icmp implements the echo-request/echo-reply responder (spec.md
// §5 supplemental feature 5, read from original_source/ip.c's generic
// protocol-dispatch table): no other ICMP type is handled.
package icmp

import (
	"io"
	"log/slog"

	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/ipv4"
	"github.com/clidar0929/netstackd/internal/netutil"
)

const (
	typeEchoReply   = 0
	typeEchoRequest = 8
	headerLen       = 8 // type, code, checksum, id, seq
)

// Engine answers ICMP echo requests on every interface the owning IPv4
// engine serves.
type Engine struct {
	ipv4   *ipv4.Engine
	logger *slog.Logger
}

// NewEngine builds an ICMP engine over ipv4Engine, registering itself as
// the ProtoICMP handler. A nil logger discards log output.
func NewEngine(ipv4Engine *ipv4.Engine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{ipv4: ipv4Engine, logger: logger}
	ipv4Engine.RegisterHandler(ipv4.ProtoICMP, e.receive)
	return e
}

func (e *Engine) receive(ifc *iface.Interface, ih ipv4.Header, payload []byte) {
	name := ifc.Device.Name()
	if len(payload) < headerLen {
		emitRxInvalid(name, "short")
		return
	}
	if netutil.Checksum(payload, 0) != 0 {
		emitRxInvalid(name, "bad_checksum")
		return
	}
	if payload[0] != typeEchoRequest {
		emitRxInvalid(name, "not_echo_request")
		return
	}

	reply := make([]byte, len(payload))
	copy(reply, payload)
	reply[0] = typeEchoReply
	reply[2], reply[3] = 0, 0
	cksum := netutil.Checksum(reply, 0)
	reply[2] = byte(cksum >> 8)
	reply[3] = byte(cksum)

	if _, err := e.ipv4.Transmit(nil, ipv4.ProtoICMP, reply, ih.Src); err != nil {
		e.logger.Debug("icmp: echo reply transmit failed", "iface", name, "err", err)
		return
	}
	emitEchoReplied(name)
}
