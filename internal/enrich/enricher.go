// Package enrich joins source events with the code index to produce care
// events. Events that cannot be resolved yet go to the retry bin and are
// retried on every later cycle until they resolve or expire.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/codeindex"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/retrybin"
)

// Metric names reported by the enricher.
const (
	OpCycle           = "cycle"
	GaugeRetryBinSize = "retrybin_records"
	GaugeCycleEmitted = "cycle_emitted"
)

// DefaultRetentionAge is how long unresolved events are retried by default.
const DefaultRetentionAge = 30 * 24 * time.Hour

// ErrNoFileTimestamp is returned for a batch without a file timestamp.
var ErrNoFileTimestamp = errors.New("batch has no file timestamp")

// IndexSource supplies the index a cycle runs against.
type IndexSource interface {
	CurrentIndex(ctx context.Context) *codeindex.Index
}

// Sink receives the care events of one cycle.
type Sink interface {
	Emit(ctx context.Context, fileName string, events []CareEvent) error
}

// MetricsRecorder receives cycle timings and gauges.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	SetGauge(name string, value float64)
}

// Batch is one source file worth of events.
type Batch struct {
	FileName      string                 `json:"file_name"`
	FileTimestamp time.Time              `json:"file_timestamp"`
	Events        []retrybin.SourceEvent `json:"events"`
}

// CareEvent is a source event joined with the facility it happened at.
type CareEvent struct {
	EventID      string                     `json:"event_id"`
	FacilityID   string                     `json:"facility_id"`
	NationalID   string                     `json:"national_id"`
	FacilityName string                     `json:"facility_name"`
	CustomerCode string                     `json:"customer_code,omitempty"`
	FacilityType string                     `json:"facility_type,omitempty"`
	Commissions  []codeindex.CommissionView `json:"commissions"`
	EventTime    time.Time                  `json:"event_time"`
	LastUpdated  time.Time                  `json:"last_updated"`
	SourceFile   string                     `json:"source_file,omitempty"`
	Payload      json.RawMessage            `json:"payload,omitempty"`
}

// Result summarizes one cycle.
type Result struct {
	Events    int `json:"events"`
	Invalid   int `json:"invalid"`
	Enriched  int `json:"enriched"`
	Buffered  int `json:"buffered"`
	Recovered int `json:"recovered"`
	Expired   int `json:"expired"`
	Pending   int `json:"pending"`
	Emitted   int `json:"emitted"`
}

// Options configures an Enricher.
type Options struct {
	// RetentionAge is how long a buffered event is retried; 0 keeps events forever.
	RetentionAge time.Duration
	Logger       *zap.Logger
	Metrics      MetricsRecorder
}

// Enricher runs enrichment cycles. Cycles must not overlap; callers
// serialize them.
type Enricher struct {
	index     IndexSource
	bin       *retrybin.Bin
	sink      Sink
	retention time.Duration
	logger    *zap.Logger
	metrics   MetricsRecorder
	now       func() time.Time
}

// New returns an Enricher.
func New(index IndexSource, bin *retrybin.Bin, sink Sink, opts Options) *Enricher {
	e := &Enricher{
		index:     index,
		bin:       bin,
		sink:      sink,
		retention: opts.RetentionAge,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	return e
}

type emitted struct {
	event retrybin.SourceEvent
	ts    time.Time
}

// Process runs one cycle for b. Enriched events leave the retry bin only
// after the sink accepted them; the bin's generations are committed even
// when the sink fails.
func (e *Enricher) Process(ctx context.Context, b Batch) (Result, error) {
	started := e.now()
	res := Result{Events: len(b.Events)}
	if b.FileTimestamp.IsZero() {
		return res, ErrNoFileTimestamp
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	fileTs := b.FileTimestamp.UTC()
	log := e.logger.With(zap.String("file", b.FileName), zap.Time("file_timestamp", fileTs))

	idx := e.index.CurrentIndex(ctx)
	if idx == nil {
		log.Warn("no code index available, buffering all events")
	}
	if e.retention > 0 {
		res.Expired = e.bin.DiscardExpired(fileTs.Add(-e.retention))
	}

	var out []CareEvent
	var sent []emitted
	seen := make(map[string]bool, len(b.Events))
	for _, ev := range b.Events {
		if ev.ID == "" {
			res.Invalid++
			log.Warn("source event without id dropped", zap.String("facility_id", ev.FacilityID))
			continue
		}
		if seen[ev.ID] {
			log.Debug("duplicate event in file ignored", zap.String("event_id", ev.ID))
			continue
		}
		seen[ev.ID] = true
		ce, err := enrichEvent(idx, ev, fileTs)
		if err != nil {
			if e.bin.Put(ev, fileTs) {
				res.Buffered++
			}
			log.Debug("event buffered for retry", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		ce.SourceFile = b.FileName
		out = append(out, ce)
		sent = append(sent, emitted{event: ev, ts: fileTs})
		res.Enriched++
	}
	for _, r := range e.bin.GetOld(fileTs) {
		if seen[r.Event.ID] {
			continue
		}
		ce, err := enrichEvent(idx, r.Event, r.Timestamp)
		if err != nil {
			continue
		}
		out = append(out, ce)
		sent = append(sent, emitted{event: r.Event, ts: r.Timestamp})
		res.Recovered++
	}

	var sinkErr error
	if len(out) > 0 {
		sinkErr = e.sink.Emit(ctx, b.FileName, out)
	}
	for _, s := range sent {
		if sinkErr != nil {
			e.bin.Put(s.event, s.ts)
			continue
		}
		e.bin.Remove(s.event)
	}
	if sinkErr == nil {
		res.Emitted = len(out)
	} else {
		log.Error("care event sink failed, events kept for retry", zap.Int("events", len(out)), zap.Error(sinkErr))
		sinkErr = fmt.Errorf("emit care events: %w", sinkErr)
	}

	saveErr := e.bin.AcceptNewAndSave(ctx)
	res.Pending = e.bin.Len()
	err := errors.Join(sinkErr, saveErr)

	elapsed := e.now().Sub(started)
	e.metrics.Observe(ctx, OpCycle, err == nil, elapsed)
	e.metrics.SetGauge(GaugeRetryBinSize, float64(res.Pending))
	e.metrics.SetGauge(GaugeCycleEmitted, float64(res.Emitted))
	log.Info("cycle finished",
		zap.Int("events", res.Events),
		zap.Int("enriched", res.Enriched),
		zap.Int("recovered", res.Recovered),
		zap.Int("buffered", res.Buffered),
		zap.Int("expired", res.Expired),
		zap.Int("pending", res.Pending),
		zap.Duration("duration", elapsed))
	return res, err
}

// enrichEvent resolves ev against idx at the event time.
func enrichEvent(idx *codeindex.Index, ev retrybin.SourceEvent, lastUpdated time.Time) (CareEvent, error) {
	view, err := idx.Resolve(ev.FacilityID, ev.EventTime)
	if err != nil {
		return CareEvent{}, err
	}
	return CareEvent{
		EventID:      ev.ID,
		FacilityID:   ev.FacilityID,
		NationalID:   view.NationalID,
		FacilityName: view.Name,
		CustomerCode: view.CustomerCode,
		FacilityType: view.FacilityTypeCode,
		Commissions:  view.Commissions,
		EventTime:    ev.EventTime.UTC(),
		LastUpdated:  lastUpdated.UTC(),
		Payload:      ev.Payload,
	}, nil
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}
func (noopMetrics) SetGauge(string, float64) {}
