package prometheus

import (
	"github.com/ngnfs/corefs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type transportMetrics struct {
	submitTotal *prometheus.CounterVec
	queueDepth  prometheus.Gauge
}

// NewTransportMetrics returns a metrics.Transport, or nil if metrics are
// disabled.
func NewTransportMetrics() metrics.Transport {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()
	return &transportMetrics{
		submitTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "corefs_transport_submit_total",
			Help: "Total SubmitBlock calls by op and outcome.",
		}, []string{"op", "outcome"}), // outcome: "ok", "error"
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "corefs_transport_queue_depth",
			Help: "Transport's advertised queue depth.",
		}),
	}
}

func (m *transportMetrics) ObserveSubmit(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.submitTotal.WithLabelValues(op, outcome).Inc()
}

func (m *transportMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
