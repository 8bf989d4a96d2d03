package tcp

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/clidar0929/netstackd/internal/ipv4"
)

// newSegmentBackoff builds the exponential backoff schedule for one
// retransmittable segment. MaxElapsedTime is disabled (cenkalti/backoff
// skips the elapsed-time check entirely when it's zero) because this
// engine bounds retries with its own maxRetransmits counter instead.
func newSegmentBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// RetransmitSweep walks every TCB's retransmit queue, resending the head
// segment once its backoff deadline has passed, and tears down any
// connection whose head segment has been retried past maxRetransmits.
// Intended to be driven periodically by RunRetransmitSweep or a caller's
// own ticker.
func (e *Engine) RetransmitSweep() {
	e.mu.Lock()
	now := e.clock.Now()
	var abandoned []*TCB

	for _, tcb := range e.tcbs {
		if tcb == nil || len(tcb.txQueue) == 0 {
			continue
		}
		head := tcb.txQueue[0]
		if now.Before(head.nextAt) {
			continue
		}
		if head.retries >= maxRetransmits {
			abandoned = append(abandoned, tcb)
			continue
		}

		name := tcb.iface.Device.Name()
		peer := tcb.peerAddr
		frame := head.frame

		e.mu.Unlock()
		_, err := e.ipv4.Transmit(nil, ipv4.ProtoTCP, frame, peer)
		e.mu.Lock()

		if err == nil {
			emitRetransmit(name)
		}
		head.retries++
		head.nextAt = now.Add(head.backoff.NextBackOff())
	}

	for _, tcb := range abandoned {
		e.teardownLocked(tcb)
	}
	e.mu.Unlock()
}

// RunRetransmitSweep runs RetransmitSweep every interval until ctx is
// cancelled. Intended for cmd/netstackd's serve loop.
func (e *Engine) RunRetransmitSweep(ctx context.Context, interval time.Duration) {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.RetransmitSweep()
		}
	}
}
