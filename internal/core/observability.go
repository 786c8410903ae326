package core

import (
	"context"
	"time"
)

// MetricsRecorder receives per-operation outcomes and point-in-time gauges.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	SetGauge(name string, value float64)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended once with the operation's error.
type TraceSpan interface {
	End(err error)
}

// MultiRecorder fans out to every non-nil recorder.
type MultiRecorder []MetricsRecorder

// Observe implements MetricsRecorder.
func (m MultiRecorder) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		if r != nil {
			r.Observe(ctx, operation, success, duration)
		}
	}
}

// SetGauge implements MetricsRecorder.
func (m MultiRecorder) SetGauge(name string, value float64) {
	for _, r := range m {
		if r != nil {
			r.SetGauge(name, value)
		}
	}
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}
func (noopMetrics) SetGauge(string, float64) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
