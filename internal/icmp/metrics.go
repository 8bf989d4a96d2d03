package icmp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEchoReplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_icmp_echo_replies_total",
			Help: "Echo replies sent in response to an echo request.",
		},
		[]string{"iface"},
	)
	metricRxInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_icmp_rx_invalid_total",
			Help: "Inbound ICMP packets dropped before reply, by reason.",
		},
		[]string{"iface", "reason"},
	)
)

func emitEchoReplied(iface string) { metricEchoReplied.WithLabelValues(iface).Inc() }

func emitRxInvalid(iface, reason string) { metricRxInvalid.WithLabelValues(iface, reason).Inc() }
