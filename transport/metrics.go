package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peersByState  *prometheus.GaugeVec
	framingResult *prometheus.CounterVec
	banEvents     *prometheus.CounterVec
	removeEvents  *prometheus.CounterVec
	refreshCycles *prometheus.CounterVec
	broadcastLat  *prometheus.HistogramVec
}

// newNetworkMetrics registers the peer-protocol metrics exactly once per
// process, matching the teacher's p2p/metrics.go sync.Once guard against
// prometheus's register-once panic.
func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "peernet_peers_by_state",
				Help: "Current peer count by state.",
			}, []string{"state"}),
			framingResult: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peernet_framing_total",
				Help: "Inbound framing outcomes by result.",
			}, []string{"result"}),
			banEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peernet_ban_events_total",
				Help: "Peer ban events by error code.",
			}, []string{"code"}),
			removeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peernet_remove_events_total",
				Help: "Peer remove events by error code.",
			}, []string{"code"}),
			refreshCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peernet_refresh_cycles_total",
				Help: "Peer-exchange refresh cycle outcomes.",
			}, []string{"outcome"}),
			broadcastLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name: "peernet_broadcast_duration_seconds",
				Help: "Broadcast fan-out duration.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(nm.peersByState, nm.framingResult, nm.banEvents, nm.removeEvents, nm.refreshCycles, nm.broadcastLat)
		sharedMetrics = nm
	})
	return sharedMetrics
}
