package udp

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
			Name: "netstackd_udp_datagrams_rx_total",
			Help: "Inbound UDP datagrams delivered to a bound socket.",
		},
		serviceLabels,
	)

	metricDatagramsRxInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_udp_datagrams_rx_invalid_total",
			Help: "Inbound UDP datagrams dropped, by reason.",
		},
		withServiceLabels("reason"),
	)

	metricDatagramsTx = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_udp_datagrams_tx_total",
			Help: "Outbound UDP datagrams sent.",
		},
		serviceLabels,
	)

	metricTableFull = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_udp_table_full_total",
			Help: "bind() attempts that found no free socket slot.",
		},
		serviceLabels,
	)
)

func emitDatagramRx(ifaceName string) { metricDatagramsRx.WithLabelValues(ifaceName).Inc() }

func emitDatagramRxInvalid(ifaceName, reason string) {
	metricDatagramsRxInvalid.WithLabelValues(ifaceName, reason).Inc()
}

func emitDatagramTx(ifaceName string) { metricDatagramsTx.WithLabelValues(ifaceName).Inc() }

func emitTableFull(ifaceName string) { metricTableFull.WithLabelValues(ifaceName).Inc() }
