package ipv4

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var serviceLabels = []string{"iface"}

func withServiceLabels(extra ...string) []string {
	return append(append([]string{}, serviceLabels...), extra...)
}

var (
	metricDatagramsRx = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_ipv4_datagrams_rx_total",
			Help: "Inbound datagrams accepted and dispatched.",
		},
		serviceLabels,
	)

	metricDatagramsRxInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_ipv4_datagrams_rx_invalid_total",
			Help: "Inbound datagrams dropped, by reason.",
		},
		withServiceLabels("reason"),
	)

	metricDatagramsTx = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_ipv4_datagrams_tx_total",
			Help: "Outbound tx() calls that completed successfully.",
		},
		serviceLabels,
	)

	metricFragmentsTx = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_ipv4_fragments_tx_total",
			Help: "IPv4 fragments transmitted.",
		},
		serviceLabels,
	)

	metricTxErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_ipv4_tx_errors_total",
			Help: "tx() failures by reason (no_route, arp_error for a full ARP cache, link_error otherwise).",
		},
		withServiceLabels("reason"),
	)
)

func emitDatagramRx(ifaceName string) {
	metricDatagramsRx.WithLabelValues(ifaceName).Inc()
}

func emitDatagramRxInvalid(ifaceName, reason string) {
	metricDatagramsRxInvalid.WithLabelValues(ifaceName, reason).Inc()
}

func emitDatagramTx(ifaceName string) {
	metricDatagramsTx.WithLabelValues(ifaceName).Inc()
}

func emitFragmentTx(ifaceName string) {
	metricFragmentsTx.WithLabelValues(ifaceName).Inc()
}

func emitTxError(ifaceName, reason string) {
	metricTxErrors.WithLabelValues(ifaceName, reason).Inc()
}
