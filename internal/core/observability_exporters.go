package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq atomic.Uint64

// OperationStats aggregates the outcomes of one operation.
type OperationStats struct {
	Success int64   `json:"success"`
	Errors  int64   `json:"errors"`
	TotalMS float64 `json:"total_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// ExpvarSnapshot is a point-in-time copy of an ExpvarRecorder.
type ExpvarSnapshot struct {
	Operations map[string]OperationStats `json:"operations"`
	Gauges     map[string]float64        `json:"gauges"`
	TakenAt    time.Time                 `json:"taken_at"`
}

// ExpvarRecorder keeps per-operation counters and the latest gauge values
// and publishes them as one expvar variable (served on /debug/vars).
type ExpvarRecorder struct {
	name   string
	mu     sync.Mutex
	ops    map[string]*OperationStats
	gauges map[string]float64
}

// NewExpvarRecorder publishes a recorder under name, or under a generated
// gvradapter_metrics_N name when name is empty. expvar names are process
// global, so each explicit name may be used once.
func NewExpvarRecorder(name string) *ExpvarRecorder {
	if name == "" {
		name = fmt.Sprintf("gvradapter_metrics_%d", expvarSeq.Add(1))
	}
	r := &ExpvarRecorder{
		name:   name,
		ops:    make(map[string]*OperationStats),
		gauges: make(map[string]float64),
	}
	expvar.Publish(name, expvar.Func(func() any { return r.Snapshot() }))
	return r
}

// Name is the expvar key.
func (r *ExpvarRecorder) Name() string { return r.name }

// Snapshot copies the current values.
func (r *ExpvarRecorder) Snapshot() ExpvarSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := ExpvarSnapshot{
		Operations: make(map[string]OperationStats, len(r.ops)),
		Gauges:     make(map[string]float64, len(r.gauges)),
		TakenAt:    time.Now().UTC(),
	}
	for op, st := range r.ops {
		snap.Operations[op] = *st
	}
	for name, v := range r.gauges {
		snap.Gauges[name] = v
	}
	return snap
}

// Observe implements MetricsRecorder.
func (r *ExpvarRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := duration.Seconds() * 1000
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.ops[operation]
	if !ok {
		st = &OperationStats{}
		r.ops[operation] = st
	}
	if success {
		st.Success++
	} else {
		st.Errors++
	}
	st.TotalMS += ms
	st.MaxMS = max(st.MaxMS, ms)
}

// SetGauge implements MetricsRecorder.
func (r *ExpvarRecorder) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// SpanRecord is one finished span of a JSONTracer.
type SpanRecord struct {
	Operation string        `json:"operation"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"duration_ns"`
}

// spanRetention is how many finished spans a JSONTracer keeps in memory.
const spanRetention = 1024

// JSONTracer writes finished spans as JSON lines and keeps the most recent
// spanRetention of them in a ring.
type JSONTracer struct {
	mu   sync.Mutex
	out  io.Writer
	ring [spanRetention]SpanRecord
	next int
	n    int
	now  func() time.Time
}

// NewJSONTracer returns a tracer writing to w; a nil w only keeps spans in memory.
func NewJSONTracer(w io.Writer) *JSONTracer {
	return &JSONTracer{out: w, now: time.Now}
}

// Start implements Tracer.
func (t *JSONTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, spanFunc(t.begin(operation))
}

func (t *JSONTracer) begin(operation string) func(error) {
	start := t.now().UTC()
	return func(err error) {
		rec := SpanRecord{Operation: operation, OK: err == nil, Start: start, Duration: t.now().Sub(start)}
		if err != nil {
			rec.Error = err.Error()
		}
		t.finish(rec)
	}
}

func (t *JSONTracer) finish(rec SpanRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = rec
	t.next = (t.next + 1) % spanRetention
	if t.n < spanRetention {
		t.n++
	}
	if t.out != nil {
		if b, err := json.Marshal(rec); err == nil {
			_, _ = t.out.Write(append(b, '\n'))
		}
	}
}

// Spans returns the retained spans, oldest first.
func (t *JSONTracer) Spans() []SpanRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SpanRecord, 0, t.n)
	first := (t.next - t.n + spanRetention) % spanRetention
	for i := 0; i < t.n; i++ {
		out = append(out, t.ring[(first+i)%spanRetention])
	}
	return out
}

type spanFunc func(error)

func (f spanFunc) End(err error) { f(err) }
