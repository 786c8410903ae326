package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports operation timings, outcome counters and gauges.
// A nil recorder is a no-op.
type PrometheusRecorder struct {
	durations *prometheus.HistogramVec
	results   *prometheus.CounterVec
	gauges    *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the adapter metrics with reg; nil means
// the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusRecorder{
		durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gvradapter_operation_duration_seconds",
			Help:    "Duration of adapter operations (revalidate, cycle, facility lookups)",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"operation"}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gvradapter_operations_total",
			Help: "Adapter operations by outcome",
		}, []string{"operation", "status"}),
		gauges: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gvradapter_state",
			Help: "Latest value of adapter state gauges (index size, retry bin size, ...)",
		}, []string{"name"}),
	}
}

// Observe implements MetricsRecorder.
func (p *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if p == nil || operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	p.durations.WithLabelValues(operation).Observe(duration.Seconds())
	p.results.WithLabelValues(operation, status).Inc()
}

// SetGauge implements MetricsRecorder.
func (p *PrometheusRecorder) SetGauge(name string, value float64) {
	if p == nil || name == "" {
		return
	}
	p.gauges.WithLabelValues(name).Set(value)
}
