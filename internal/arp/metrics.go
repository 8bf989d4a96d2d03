package arp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var serviceLabels = []string{"iface"}

func withServiceLabels(extra ...string) []string {
	return append(append([]string{}, serviceLabels...), extra...)
}

var (
	metricCacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstackd_arp_cache_entries",
			Help: "Current number of ARP cache entries by state.",
		},
		withServiceLabels("state"),
	)

	metricResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_arp_resolutions_total",
			Help: "ARP resolution attempts by outcome.",
		},
		withServiceLabels("result"),
	)

	metricRequestsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_arp_requests_sent_total",
			Help: "ARP requests transmitted.",
		},
		serviceLabels,
	)

	metricRepliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_arp_replies_sent_total",
			Help: "ARP replies transmitted in response to a request for our address.",
		},
		serviceLabels,
	)

	metricAnnouncementsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_arp_announcements_sent_total",
			Help: "Gratuitous ARP announcements sent on interface bring-up.",
		},
		serviceLabels,
	)

	metricPacketsRxInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_arp_packets_rx_invalid_total",
			Help: "Invalid ARP packets received (parse_error, bad_sender_hw).",
		},
		withServiceLabels("reason"),
	)

	metricEntriesExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_arp_entries_expired_total",
			Help: "Cache entries removed by the aging sweep.",
		},
		serviceLabels,
	)

	metricTableFull = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_arp_table_full_total",
			Help: "Cache insertions (resolve or learning a sender) that found no free slot.",
		},
		serviceLabels,
	)
)

func emitResolution(ifaceName, result string) {
	metricResolutions.WithLabelValues(ifaceName, result).Inc()
}

func emitInvalidPacket(ifaceName, reason string) {
	metricPacketsRxInvalid.WithLabelValues(ifaceName, reason).Inc()
}

func emitEntriesExpired(ifaceName string, n int) {
	if n <= 0 {
		return
	}
	metricEntriesExpired.WithLabelValues(ifaceName).Add(float64(n))
}

func emitTableFull(ifaceName string) {
	metricTableFull.WithLabelValues(ifaceName).Inc()
}

func emitRequestSent(ifaceName string) {
	metricRequestsSent.WithLabelValues(ifaceName).Inc()
}

func emitReplySent(ifaceName string) {
	metricRepliesSent.WithLabelValues(ifaceName).Inc()
}

func emitAnnouncementSent(ifaceName string) {
	metricAnnouncementsSent.WithLabelValues(ifaceName).Inc()
}
