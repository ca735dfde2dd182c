package prometheus

import (
	"strconv"

	"github.com/ngnfs/corefs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type messagingMetrics struct {
	messageTotal *prometheus.CounterVec
	peerCount    prometheus.Gauge
}

// NewMessagingMetrics returns a metrics.Messaging, or nil if metrics are
// disabled.
func NewMessagingMetrics() metrics.Messaging {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()
	return &messagingMetrics{
		messageTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "corefs_messaging_messages_total",
			Help: "Total messages dispatched by type and direction.",
		}, []string{"type", "direction"}), // direction: "inbound", "outbound"
		peerCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "corefs_messaging_peers",
			Help: "Current size of the peer table.",
		}),
	}
}

func (m *messagingMetrics) ObserveMessage(msgType uint8, inbound bool) {
	if m == nil {
		return
	}
	direction := "outbound"
	if inbound {
		direction = "inbound"
	}
	m.messageTotal.WithLabelValues(strconv.Itoa(int(msgType)), direction).Inc()
}

func (m *messagingMetrics) SetPeerCount(n int) {
	if m == nil {
		return
	}
	m.peerCount.Set(float64(n))
}
