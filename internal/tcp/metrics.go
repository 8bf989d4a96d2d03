package tcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var serviceLabels = []string{"iface"}

func withServiceLabels(extra ...string) []string {
	return append(append([]string{}, serviceLabels...), extra...)
}

var (
	metricSegmentsRx = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_segments_rx_total",
			Help: "Inbound TCP segments accepted for processing.",
		},
		serviceLabels,
	)

	metricSegmentsRxInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_segments_rx_invalid_total",
			Help: "Inbound TCP segments dropped, by reason.",
		},
		withServiceLabels("reason"),
	)

	metricSegmentsTx = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_segments_tx_total",
			Help: "Outbound TCP segments sent.",
		},
		serviceLabels,
	)

	metricRetransmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_retransmits_total",
			Help: "Segments retransmitted by the backoff sweep.",
		},
		serviceLabels,
	)

	metricConnectionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_connections_opened_total",
			Help: "Connections that reached ESTABLISHED, by role (active, passive).",
		},
		withServiceLabels("role"),
	)

	metricHandshakeRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_handshake_rejected_total",
			Help: "Bare SYNs rejected for missing the handshake marker option.",
		},
		serviceLabels,
	)

	metricTableFull = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_table_full_total",
			Help: "open()/demux attempts that found no free TCB slot.",
		},
		serviceLabels,
	)

	metricTCBState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstackd_tcp_tcbs",
			Help: "Current TCB count by state.",
		},
		withServiceLabels("state"),
	)
)

func emitSegmentRx(ifaceName string) { metricSegmentsRx.WithLabelValues(ifaceName).Inc() }

func emitSegmentRxInvalid(ifaceName, reason string) {
	metricSegmentsRxInvalid.WithLabelValues(ifaceName, reason).Inc()
}

func emitSegmentTx(ifaceName string) { metricSegmentsTx.WithLabelValues(ifaceName).Inc() }

func emitRetransmit(ifaceName string) { metricRetransmits.WithLabelValues(ifaceName).Inc() }

func emitConnectionOpened(ifaceName, role string) {
	metricConnectionsOpened.WithLabelValues(ifaceName, role).Inc()
}

func emitHandshakeRejected(ifaceName string) {
	metricHandshakeRejected.WithLabelValues(ifaceName).Inc()
}

func emitTableFull(ifaceName string) { metricTableFull.WithLabelValues(ifaceName).Inc() }
