package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/iface"
	"github.com/clidar0929/netstackd/internal/ipv4"
	"github.com/clidar0929/netstackd/internal/tcp/handshakeext"
	"github.com/jonboulle/clockwork"
)

// defaultListenBacklog is used by Listen when backlog <= 0 is given.
const defaultListenBacklog = 8

// timeWaitDuration is this stack's TIME_WAIT linger, a deliberately short
// stand-in for RFC 793's 2*MSL so tests don't need to wait minutes.
const timeWaitDuration = 2 * time.Second

// maxRetransmits bounds the retransmit sweep's attempts per segment
// before the connection is torn down (spec.md §9).
const maxRetransmits = 6

// Engine is the TCP connection engine (spec component G): a fixed-size
// TCB table, demultiplexing inbound segments off the IPv4 engine, driving
// the RFC 793 state machine, and sweeping the retransmit queue.
type Engine struct {
	mu   sync.Mutex // tcplock: every TCB mutation happens with this held
	tcbs [Capacity]*TCB

	ipv4   *ipv4.Engine
	clock  clockwork.Clock
	logger *slog.Logger

	extEnabled bool
	randSrc    *mrand.Rand

	listenBacklogDefault int
}

// NewEngine builds a TCP engine over ipv4Engine, registering itself as the
// TCP protocol handler. A nil clock defaults to the real wall clock; a nil
// logger discards log output. enableHandshakeExt opts every connection
// this engine originates or accepts into the DH+XOR payload extension
// (internal/tcp/handshakeext) — it is off by default, and the handshake
// marker option is still emitted/required on every SYN regardless of this
// flag.
func NewEngine(ipv4Engine *ipv4.Engine, clock clockwork.Clock, logger *slog.Logger, enableHandshakeExt bool) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		ipv4:                 ipv4Engine,
		clock:                clock,
		logger:               logger,
		extEnabled:           enableHandshakeExt,
		randSrc:              mrand.New(mrand.NewSource(clock.Now().UnixNano())),
		listenBacklogDefault: defaultListenBacklog,
	}
	ipv4Engine.RegisterHandler(ipv4.ProtoTCP, e.receive)
	return e
}

// Open allocates a CLOSED TCB bound to ifc, with localPort 0 meaning
// "assign an ephemeral port on Connect".
func (e *Engine) Open(ifc *iface.Interface, localPort uint16) (*TCB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if localPort != 0 && e.portInUseLocked(ifc, localPort) {
		return nil, ErrPortInUse
	}
	idx := e.freeSlotLocked()
	if idx == -1 {
		emitTableFull(ifc.Device.Name())
		return nil, ErrTableFull
	}
	tcb := &TCB{
		iface:     ifc,
		localPort: localPort,
		state:     StateClosed,
		recvBuf:   make([]byte, WindowSize),
	}
	tcb.cond = sync.NewCond(&e.mu)
	e.tcbs[idx] = tcb
	return tcb, nil
}

func (e *Engine) freeSlotLocked() int {
	for i, t := range e.tcbs {
		if t == nil {
			return i
		}
	}
	return -1
}

// Listen transitions tcb from CLOSED to LISTEN. tcb must have a nonzero
// local port (bound via Open).
func (e *Engine) Listen(tcb *TCB, backlog int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tcb.state != StateClosed {
		return ErrBadState
	}
	if tcb.localPort == 0 {
		return ErrBadArgument
	}
	if backlog <= 0 {
		backlog = e.listenBacklogDefault
	}
	tcb.backlogCap = backlog
	tcb.handshakeEnabled = e.extEnabled
	tcb.state = StateListen
	return nil
}

// Accept blocks until a connection completes its handshake into listener's
// backlog, then returns the established child TCB.
func (e *Engine) Accept(ctx context.Context, listener *TCB) (*TCB, error) {
	e.mu.Lock()
	if listener.state != StateListen {
		e.mu.Unlock()
		return nil, ErrBadState
	}
	err := e.waitUntil(ctx, listener, func() (bool, error) {
		if listener.state != StateListen {
			return false, ErrBadState
		}
		return len(listener.backlog) > 0, nil
	})
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	child := listener.backlog[0]
	listener.backlog = listener.backlog[1:]
	e.mu.Unlock()
	return child, nil
}

// Connect actively opens tcb to peerAddr:peerPort and suspends until the
// connection reaches ESTABLISHED (or fails).
func (e *Engine) Connect(ctx context.Context, tcb *TCB, peerAddr addr.IPv4, peerPort uint16) error {
	e.mu.Lock()
	if tcb.state != StateClosed {
		e.mu.Unlock()
		return ErrBadState
	}
	if tcb.localPort == 0 {
		port, err := e.allocateEphemeralPortLocked(tcb.iface)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		tcb.localPort = port
	}

	tcb.peerAddr = peerAddr
	tcb.peerPort = peerPort
	tcb.iss = e.randomISSLocked()
	tcb.sndUna = tcb.iss
	tcb.sndNxt = tcb.iss + 1
	tcb.handshakeEnabled = e.extEnabled
	tcb.state = StateSynSent

	var synPayload []byte
	if tcb.handshakeEnabled {
		tcb.ext.private = handshakeext.PrivateValue(e.randByteLocked)
		synPayload = []byte{handshakeext.PublicValue(tcb.ext.private)}
		tcb.sndNxt++
	}
	e.emitAndSend(tcb, tcb.iss, 0, FlagSYN, synPayload, true)

	err := e.waitUntil(ctx, tcb, func() (bool, error) {
		switch tcb.state {
		case StateEstablished:
			return true, nil
		case StateClosed:
			return false, ErrPeerReset
		default:
			return false, nil
		}
	})
	e.mu.Unlock()
	return err
}

// Send writes data to tcb, segmenting at MTU-40 (IPv4 + TCP header
// overhead) per segment (spec.md §9's correction to the literal
// single-segment send()). Each segment is PSH|ACK and joins the retransmit
// queue.
func (e *Engine) Send(tcb *TCB, data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tcb.state != StateEstablished && tcb.state != StateCloseWait {
		return 0, ErrBadState
	}
	mss := tcb.iface.Device.MTU() - 40
	if mss <= 0 {
		return 0, fmt.Errorf("tcp: mtu %d too small for a segment", tcb.iface.Device.MTU())
	}

	sent := 0
	for sent < len(data) {
		end := sent + mss
		if end > len(data) {
			end = len(data)
		}
		chunk := data[sent:end]
		out := chunk
		if tcb.ext.txSession != nil {
			out = tcb.ext.txSession.EncDec(append([]byte(nil), chunk...))
		}
		seq := tcb.sndNxt
		tcb.sndNxt += uint32(len(out))
		if err := e.emitAndSend(tcb, seq, tcb.rcvNxt, FlagPSH|FlagACK, out, false); err != nil {
			return sent, err
		}
		sent += len(chunk)
	}
	return sent, nil
}

// Recv blocks until at least one byte is buffered or the connection can no
// longer produce data, returning (0, nil) for the latter case per spec.md
// §4.G's EOF rule (states other than ESTABLISHED/FIN_WAIT1/FIN_WAIT2 with
// an empty buffer return 0 rather than blocking forever).
func (e *Engine) Recv(ctx context.Context, tcb *TCB, buf []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.waitUntil(ctx, tcb, func() (bool, error) {
		if tcb.recvLen > 0 {
			return true, nil
		}
		if !tcb.state.rxReady() {
			return true, nil // fall through below: EOF, nothing buffered
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	if tcb.recvLen == 0 {
		return 0, nil
	}
	n := copy(buf, tcb.recvBuf[:tcb.recvLen])
	copy(tcb.recvBuf, tcb.recvBuf[n:tcb.recvLen])
	tcb.recvLen -= n
	return n, nil
}

// Close initiates connection teardown per spec.md §4.G's table: from
// ESTABLISHED/SYN_RCVD it sends FIN (entering FIN_WAIT1, which proceeds
// toward TIME_WAIT as the peer's ACK and FIN arrive); from CLOSE_WAIT it
// sends FIN (entering LAST_ACK, proceeding toward CLOSED on the peer's
// final ACK). From LISTEN/SYN_SENT/CLOSED it simply frees the slot. Close
// itself does not block the caller on the remainder of the teardown — a
// real close() returns immediately and lets the state machine finish
// asynchronously in the background, which is what this does too.
func (e *Engine) Close(tcb *TCB) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch tcb.state {
	case StateListen, StateSynSent, StateClosed:
		e.freeTCBLocked(tcb)
		return nil
	case StateEstablished, StateSynRcvd:
		tcb.state = StateFinWait1
		seq := tcb.sndNxt
		tcb.sndNxt++
		e.emitAndSend(tcb, seq, tcb.rcvNxt, FlagFIN|FlagACK, nil, false)
		return nil
	case StateCloseWait:
		tcb.state = StateLastAck
		seq := tcb.sndNxt
		tcb.sndNxt++
		e.emitAndSend(tcb, seq, tcb.rcvNxt, FlagFIN|FlagACK, nil, false)
		return nil
	default:
		return ErrBadState
	}
}

// StateOf returns tcb's current state.
func (e *Engine) StateOf(tcb *TCB) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return tcb.state
}

// receive is the IPv4 engine's registered handler for ProtoTCP.
func (e *Engine) receive(ifc *iface.Interface, ih ipv4.Header, payload []byte) {
	name := ifc.Device.Name()
	th, tpayload, err := ParseHeader(payload, ih.Src, ih.Dst)
	if err != nil {
		emitSegmentRxInvalid(name, reasonForHeaderErr(err))
		return
	}
	emitSegmentRx(name)

	e.mu.Lock()
	tcb, isNewChild := e.demuxLocked(ifc, ih.Src, th)
	if tcb == nil {
		e.mu.Unlock()
		e.sendStrayRST(ifc, ih.Src, th, len(tpayload))
		return
	}
	e.handleSegmentLocked(tcb, isNewChild, th, tpayload)
	e.mu.Unlock()
}

func reasonForHeaderErr(err error) string {
	switch {
	case errors.Is(err, ErrShort):
		return "short"
	case errors.Is(err, ErrBadOffset):
		return "bad_offset"
	case errors.Is(err, ErrBadChecksum):
		return "bad_checksum"
	default:
		return "parse_error"
	}
}

// demuxLocked implements the §4.G demultiplexing algorithm: an exact
// 4-tuple match wins outright; otherwise a LISTEN TCB on (ifc, dstPort)
// combined with a bare SYN and a free slot materializes a new child TCB;
// otherwise there is no match.
func (e *Engine) demuxLocked(ifc *iface.Interface, peerAddr addr.IPv4, th Header) (*TCB, bool) {
	var listener *TCB
	freeIdx := -1
	for i, t := range e.tcbs {
		if t == nil {
			if freeIdx == -1 {
				freeIdx = i
			}
			continue
		}
		if t.iface != ifc || t.localPort != th.DstPort {
			continue
		}
		if t.state == StateListen {
			if listener == nil {
				listener = t
			}
			continue
		}
		if t.peerAddr == peerAddr && t.peerPort == th.SrcPort {
			return t, false
		}
	}

	if listener == nil || !isBareSYN(th.Flags) {
		return nil, false
	}
	if freeIdx == -1 {
		emitTableFull(ifc.Device.Name())
		return nil, false
	}

	child := &TCB{
		iface:            ifc,
		localPort:        th.DstPort,
		peerAddr:         peerAddr,
		peerPort:         th.SrcPort,
		state:            StateListen,
		parent:           listener,
		recvBuf:          make([]byte, WindowSize),
		handshakeEnabled: listener.handshakeEnabled,
	}
	child.cond = sync.NewCond(&e.mu)
	e.tcbs[freeIdx] = child
	return child, true
}

func (e *Engine) handleSegmentLocked(tcb *TCB, isNewChild bool, th Header, payload []byte) {
	switch tcb.state {
	case StateListen:
		if isNewChild {
			e.handleNewSynLocked(tcb, th, payload)
		}
	case StateSynSent:
		e.handleSynSentLocked(tcb, th, payload)
	case StateSynRcvd:
		e.handleSynRcvdLocked(tcb, th)
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck:
		e.processEstablishedLikeLocked(tcb, th, payload)
	default: // CLOSED, TIME_WAIT: stray segment
	}
}

func (e *Engine) handleNewSynLocked(tcb *TCB, th Header, payload []byte) {
	if !th.HandshakeMarker {
		e.sendRST(tcb)
		emitHandshakeRejected(tcb.iface.Device.Name())
		e.freeTCBLocked(tcb)
		return
	}

	tcb.peerISS = th.Seq
	tcb.rcvNxt = th.Seq + 1
	if tcb.handshakeEnabled && len(payload) == 1 {
		tcb.rcvNxt++
	}
	tcb.iss = e.randomISSLocked()
	tcb.sndUna = tcb.iss
	tcb.sndNxt = tcb.iss + 1

	var synAckPayload []byte
	if tcb.handshakeEnabled {
		tcb.ext.private = handshakeext.PrivateValue(e.randByteLocked)
		serverPublic := handshakeext.PublicValue(tcb.ext.private)
		if len(payload) == 1 {
			secret := handshakeext.SharedSecret(payload[0], tcb.ext.private)
			tcb.ext.sharedSecret = secret
			tcb.ext.haveSecret = true
			tcb.ext.txSession = handshakeext.NewSession(secret)
			tcb.ext.rxSession = handshakeext.NewSession(secret)
		}
		synAckPayload = []byte{serverPublic}
		tcb.sndNxt++
	}

	tcb.state = StateSynRcvd
	e.emitAndSend(tcb, tcb.iss, tcb.rcvNxt, FlagSYN|FlagACK, synAckPayload, true)
}

func (e *Engine) handleSynSentLocked(tcb *TCB, th Header, payload []byte) {
	if th.Flags.Has(FlagRST) {
		e.teardownLocked(tcb)
		return
	}
	if th.Flags != (FlagSYN | FlagACK) {
		return
	}

	expectedAck := tcb.iss + 1
	if tcb.handshakeEnabled {
		expectedAck++
	}
	if th.Ack != expectedAck {
		return
	}

	tcb.peerISS = th.Seq
	tcb.rcvNxt = th.Seq + 1
	if tcb.handshakeEnabled && len(payload) == 1 {
		tcb.rcvNxt++
		secret := handshakeext.SharedSecret(payload[0], tcb.ext.private)
		tcb.ext.sharedSecret = secret
		tcb.ext.haveSecret = true
		tcb.ext.txSession = handshakeext.NewSession(secret)
		tcb.ext.rxSession = handshakeext.NewSession(secret)
	}
	tcb.sndUna = th.Ack
	pruneAckedSegments(tcb)
	tcb.state = StateEstablished
	e.emitAndSend(tcb, tcb.sndNxt, tcb.rcvNxt, FlagACK, nil, false)
	emitConnectionOpened(tcb.iface.Device.Name(), "active")
	tcb.cond.Broadcast()
}

func (e *Engine) handleSynRcvdLocked(tcb *TCB, th Header) {
	if th.Flags.Has(FlagRST) {
		e.teardownLocked(tcb)
		return
	}
	if !th.Flags.Has(FlagACK) || th.Ack != tcb.sndNxt || th.Seq != tcb.rcvNxt {
		return
	}
	tcb.sndUna = th.Ack
	pruneAckedSegments(tcb)
	tcb.state = StateEstablished
	if parent := tcb.parent; parent != nil && len(parent.backlog) < parent.backlogCap {
		parent.backlog = append(parent.backlog, tcb)
		parent.cond.Broadcast()
	}
	emitConnectionOpened(tcb.iface.Device.Name(), "passive")
}

// processEstablishedLikeLocked handles ESTABLISHED, FIN_WAIT1, FIN_WAIT2,
// CLOSE_WAIT, CLOSING, and LAST_ACK: ACK bookkeeping, in-order payload
// delivery into the receive window, and FIN-driven state transitions.
func (e *Engine) processEstablishedLikeLocked(tcb *TCB, th Header, payload []byte) {
	if th.Flags.Has(FlagRST) {
		e.teardownLocked(tcb)
		return
	}

	if th.Flags.Has(FlagACK) {
		if seqLess(tcb.sndNxt, th.Ack) {
			// Peer acked bytes we never sent: reject, re-assert our real state.
			e.emitAndSend(tcb, tcb.sndNxt, tcb.rcvNxt, FlagACK, nil, false)
			return
		}
		if seqLess(tcb.sndUna, th.Ack) {
			tcb.sndUna = th.Ack
			pruneAckedSegments(tcb)
		} else if seqLess(th.Ack, tcb.sndUna) {
			// ack < sndUna: stale ACK, outside (sndUna, sndNxt]. Re-assert the
			// current window rather than silently ignoring it. An ack equal to
			// sndUna (nothing new acknowledged) is accepted without a reply,
			// so two engines never answer each other's pure ACKs endlessly.
			e.emitAndSend(tcb, tcb.sndNxt, tcb.rcvNxt, FlagACK, nil, false)
		}
	}

	if len(payload) > 0 {
		if th.Seq == tcb.rcvNxt && tcb.state.rxReady() {
			n := len(payload)
			if free := tcb.window(); n > free {
				n = free
			}
			plain := payload[:n]
			if tcb.ext.rxSession != nil {
				plain = tcb.ext.rxSession.EncDec(append([]byte(nil), plain...))
			}
			copy(tcb.recvBuf[tcb.recvLen:], plain)
			tcb.recvLen += n
			tcb.rcvNxt += uint32(n)
			tcb.cond.Broadcast()
			e.emitAndSend(tcb, tcb.sndNxt, tcb.rcvNxt, FlagACK, nil, false)
		}
	}

	if th.Flags.Has(FlagFIN) {
		if th.Seq != tcb.rcvNxt {
			return
		}
		tcb.rcvNxt++
		switch tcb.state {
		case StateEstablished:
			tcb.state = StateCloseWait
		case StateFinWait1:
			if th.Flags.Has(FlagACK) && th.Ack == tcb.sndNxt {
				tcb.state = StateTimeWait
				e.scheduleTimeWaitLocked(tcb)
			} else {
				tcb.state = StateClosing
			}
		case StateFinWait2:
			tcb.state = StateTimeWait
			e.scheduleTimeWaitLocked(tcb)
		}
		e.emitAndSend(tcb, tcb.sndNxt, tcb.rcvNxt, FlagACK, nil, false)
		tcb.cond.Broadcast()
		return
	}

	if th.Flags.Has(FlagACK) {
		switch tcb.state {
		case StateFinWait1:
			if th.Ack == tcb.sndNxt {
				tcb.state = StateFinWait2
			}
		case StateClosing:
			if th.Ack == tcb.sndNxt {
				tcb.state = StateTimeWait
				e.scheduleTimeWaitLocked(tcb)
			}
		case StateLastAck:
			if th.Ack == tcb.sndNxt {
				e.teardownLocked(tcb)
			}
		}
	}
}

func pruneAckedSegments(tcb *TCB) {
	for len(tcb.txQueue) > 0 {
		head := tcb.txQueue[0]
		end := head.seq + segLen(head)
		if seqLessEqual(end, tcb.sndUna) {
			tcb.txQueue = tcb.txQueue[1:]
			continue
		}
		break
	}
}

func segLen(s *segment) uint32 {
	n := uint32(len(s.payload))
	if s.flags.Has(FlagSYN) || s.flags.Has(FlagFIN) {
		n++
	}
	return n
}

func (e *Engine) scheduleTimeWaitLocked(tcb *TCB) {
	e.clock.AfterFunc(timeWaitDuration, func() {
		e.mu.Lock()
		if tcb.state == StateTimeWait {
			e.teardownLocked(tcb)
		}
		e.mu.Unlock()
	})
}

func (e *Engine) teardownLocked(tcb *TCB) {
	tcb.state = StateClosed
	tcb.cond.Broadcast()
	if p := tcb.parent; p != nil {
		for i, c := range p.backlog {
			if c == tcb {
				p.backlog = append(p.backlog[:i], p.backlog[i+1:]...)
				break
			}
		}
	}
	e.freeTCBLocked(tcb)
}

func (e *Engine) freeTCBLocked(tcb *TCB) {
	for i, t := range e.tcbs {
		if t == tcb {
			e.tcbs[i] = nil
			return
		}
	}
}

func (e *Engine) sendRST(tcb *TCB) {
	e.emitAndSend(tcb, tcb.sndNxt, tcb.rcvNxt, FlagRST, nil, false)
}

// sendStrayRST answers a segment that matched no TCB and no listener,
// following RFC 793's RST-generation rule without needing a TCB of our
// own: an incoming RST is never answered; if the incoming segment carries
// an ACK, the RST's seq is that ack; otherwise the RST acks the incoming
// seq plus its payload length.
func (e *Engine) sendStrayRST(ifc *iface.Interface, peer addr.IPv4, th Header, payloadLen int) {
	if th.Flags.Has(FlagRST) {
		return
	}
	var h Header
	if th.Flags.Has(FlagACK) {
		h = Header{SrcPort: th.DstPort, DstPort: th.SrcPort, Seq: th.Ack, Flags: FlagRST}
	} else {
		h = Header{SrcPort: th.DstPort, DstPort: th.SrcPort, Ack: th.Seq + uint32(payloadLen), Flags: FlagRST | FlagACK}
	}
	frame := h.Marshal(ifc.Addr, peer, nil)
	if _, err := e.ipv4.Transmit(nil, ipv4.ProtoTCP, frame, peer); err == nil {
		emitSegmentTx(ifc.Device.Name())
	}
}

// emitAndSend builds seq/ack/flags/payload into a segment, queues it for
// retransmission when it carries SYN, FIN, or payload bytes, and hands it
// to the IPv4 engine. Must be called with e.mu held: the queue insertion
// happens before the lock is released, but the lock is briefly dropped
// around the IPv4 call itself so a synchronous loopback delivery (the same
// goroutine re-entering this engine's Receive path) can't deadlock against
// this TCB's own lock.
func (e *Engine) emitAndSend(tcb *TCB, seq, ack uint32, flags Flags, payload []byte, marker bool) error {
	h := Header{
		SrcPort:         tcb.localPort,
		DstPort:         tcb.peerPort,
		Seq:             seq,
		Ack:             ack,
		Flags:           flags,
		Window:          uint16(tcb.window()),
		HandshakeMarker: marker,
	}
	frame := h.Marshal(tcb.iface.Addr, tcb.peerAddr, payload)

	if flags.Has(FlagSYN) || flags.Has(FlagFIN) || len(payload) > 0 {
		seg := &segment{
			seq:     seq,
			flags:   flags,
			payload: append([]byte(nil), payload...),
			frame:   frame,
			sentAt:  e.clock.Now(),
			backoff: newSegmentBackoff(),
		}
		seg.nextAt = seg.sentAt.Add(seg.backoff.NextBackOff())
		tcb.txQueue = append(tcb.txQueue, seg)
	}

	ifc := tcb.iface
	peer := tcb.peerAddr
	name := ifc.Device.Name()

	e.mu.Unlock()
	_, err := e.ipv4.Transmit(nil, ipv4.ProtoTCP, frame, peer)
	e.mu.Lock()

	if err != nil {
		e.logger.Debug("tcp: transmit failed", "iface", name, "err", err)
		return err
	}
	emitSegmentTx(name)
	return nil
}

func (e *Engine) waitUntil(ctx context.Context, tcb *TCB, pred func() (bool, error)) error {
	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			e.mu.Lock()
			tcb.cond.Broadcast()
			e.mu.Unlock()
		})
		defer stop()
	}
	for {
		ok, err := pred()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		tcb.cond.Wait()
	}
}

func (e *Engine) randomISSLocked() uint32 {
	return e.randSrc.Uint32()
}

func (e *Engine) randByteLocked() byte {
	return byte(e.randSrc.Intn(256))
}

// ConnInfo is a read-only snapshot of one TCB, for diagnostics (cmd
// netstackd's `tcp show`).
type ConnInfo struct {
	Iface     string
	LocalPort uint16
	PeerAddr  addr.IPv4
	PeerPort  uint16
	State     string
}

// Snapshot returns a point-in-time copy of every in-use TCB's identifying
// fields and state.
func (e *Engine) Snapshot() []ConnInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ConnInfo, 0, len(e.tcbs))
	for _, t := range e.tcbs {
		if t == nil {
			continue
		}
		name := ""
		if t.iface != nil {
			name = t.iface.Device.Name()
		}
		out = append(out, ConnInfo{
			Iface:     name,
			LocalPort: t.localPort,
			PeerAddr:  t.peerAddr,
			PeerPort:  t.peerPort,
			State:     t.state.String(),
		})
	}
	return out
}

// ExportMetrics scans the TCB table and sets the per-state gauge for the
// TCBs bound to the interface named ifaceName. A separate, caller-driven
// step rather than something every segment pays for, matching
// arp.Cache.ExportMetrics.
func (e *Engine) ExportMetrics(ifaceName string) {
	e.mu.Lock()
	counts := map[State]int{}
	for _, t := range e.tcbs {
		if t != nil && t.iface != nil && t.iface.Device.Name() == ifaceName {
			counts[t.state]++
		}
	}
	e.mu.Unlock()

	for _, s := range []State{
		StateClosed, StateListen, StateSynSent, StateSynRcvd, StateEstablished,
		StateFinWait1, StateFinWait2, StateClosing, StateTimeWait, StateCloseWait, StateLastAck,
	} {
		metricTCBState.WithLabelValues(ifaceName, s.String()).Set(float64(counts[s]))
	}
}
