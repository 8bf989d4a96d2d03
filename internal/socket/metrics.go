package socket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricAcceptTableFull = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "netstackd_socket_accept_table_full_total",
		Help: "Accept() calls that completed a handshake but found no free descriptor slot.",
	},
)
