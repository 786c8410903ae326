package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/codeindex"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/infra/persistence/memory"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/retrybin"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/temporal"
)

var (
	fileTs    = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	eventTime = time.Date(2024, 4, 30, 14, 30, 0, 0, time.UTC)
)

type staticIndex struct {
	mu  sync.Mutex
	idx *codeindex.Index
}

func (s *staticIndex) CurrentIndex(context.Context) *codeindex.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx
}

func (s *staticIndex) set(idx *codeindex.Index) {
	s.mu.Lock()
	s.idx = idx
	s.mu.Unlock()
}

type recordingSink struct {
	batches [][]CareEvent
	err     error
}

func (s *recordingSink) Emit(_ context.Context, _ string, events []CareEvent) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, events)
	return nil
}

func (s *recordingSink) all() []CareEvent {
	var out []CareEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

// indexWith returns an index where every facility references commission
// 9081 of type 615 and maps to national id "SE-<facility>".
func indexWith(facilities ...string) *codeindex.Index {
	idx := &codeindex.Index{
		Facilities:      map[string]*codeindex.Facility{},
		Commissions:     map[string]*codeindex.Commission{},
		CommissionTypes: map[string]*codeindex.CommissionType{},
		IDMappings:      map[string][]*codeindex.IDMapping{},
		BackRefs:        map[string][]string{},
	}
	ct := temporal.NewEntity[codeindex.CommissionTypeState]("615")
	ct.Add(codeindex.CommissionTypeState{Name: "Barnmorskemottagning", Valid: temporal.Always()})
	idx.CommissionTypes["615"] = ct
	c := temporal.NewEntity[codeindex.CommissionState]("9081")
	c.Add(codeindex.CommissionState{Name: "BMM Nord", Valid: temporal.Always(), CommissionTypeID: "615"})
	idx.Commissions["9081"] = c
	for _, id := range facilities {
		m := temporal.NewEntity[codeindex.IDMappingState](id)
		m.Add(codeindex.IDMappingState{NationalID: "SE-" + id, Valid: temporal.Always()})
		idx.IDMappings[id] = []*codeindex.IDMapping{m}
		f := temporal.NewEntity[codeindex.FacilityState](id)
		f.Add(codeindex.FacilityState{Name: "Facility " + id, Valid: temporal.Always(), CommissionIDs: []string{"9081"}, IDMappingKey: id})
		idx.Facilities[id] = f
		idx.BackRefs["9081"] = append(idx.BackRefs["9081"], id)
	}
	return idx
}

func event(id, facility string) retrybin.SourceEvent {
	return retrybin.SourceEvent{ID: id, FacilityID: facility, EventTime: eventTime, Payload: json.RawMessage(`{"kind":"visit"}`)}
}

func newEnricher(t *testing.T, idx *codeindex.Index, sink Sink, opts Options) (*Enricher, *staticIndex, *retrybin.Bin, *memory.Store) {
	t.Helper()
	src := &staticIndex{idx: idx}
	store := memory.NewStore()
	bin := retrybin.Open(context.Background(), store, nil)
	return New(src, bin, sink, opts), src, bin, store
}

func TestProcessEnrichesResolvableEvents(t *testing.T) {
	sink := &recordingSink{}
	e, _, bin, _ := newEnricher(t, indexWith("30216311002"), sink, Options{})

	res, err := e.Process(context.Background(), Batch{FileName: "events-1.xml", FileTimestamp: fileTs, Events: []retrybin.SourceEvent{event("e1", "30216311002")}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Enriched != 1 || res.Emitted != 1 || res.Buffered != 0 || bin.Len() != 0 {
		t.Fatalf("unexpected result %+v (bin %d)", res, bin.Len())
	}
	got := sink.all()[0]
	if got.NationalID != "SE-30216311002" || got.FacilityName != "Facility 30216311002" || got.SourceFile != "events-1.xml" {
		t.Fatalf("unexpected care event %+v", got)
	}
	if len(got.Commissions) != 1 || got.Commissions[0].CommissionTypeID != "615" || got.Commissions[0].CommissionTypeName != "Barnmorskemottagning" {
		t.Fatalf("unexpected commissions %+v", got.Commissions)
	}
	if !got.LastUpdated.Equal(fileTs) || !got.EventTime.Equal(eventTime) {
		t.Fatalf("unexpected times %+v", got)
	}
}

func TestProcessBuffersAndRecoversAfterIndexUpdate(t *testing.T) {
	sink := &recordingSink{}
	e, src, bin, store := newEnricher(t, indexWith("a"), sink, Options{})
	ctx := context.Background()

	res, err := e.Process(ctx, Batch{FileName: "f1", FileTimestamp: fileTs, Events: []retrybin.SourceEvent{event("e1", "a"), event("e2", "b")}})
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if res.Enriched != 1 || res.Buffered != 1 || res.Pending != 1 {
		t.Fatalf("unexpected first result %+v", res)
	}
	if store.Saves() != 1 {
		t.Fatalf("expected the cycle to persist the bin")
	}

	src.set(indexWith("a", "b"))
	next := fileTs.Add(time.Hour)
	res, err = e.Process(ctx, Batch{FileName: "f2", FileTimestamp: next})
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res.Recovered != 1 || res.Pending != 0 || bin.Len() != 0 {
		t.Fatalf("expected buffered event to be recovered, got %+v", res)
	}
	recovered := sink.batches[1][0]
	if recovered.EventID != "e2" || !recovered.LastUpdated.Equal(fileTs) {
		t.Fatalf("recovered event must carry its buffered timestamp, got %+v", recovered)
	}
}

func TestProcessWithoutIndexBuffersEverything(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := &recordingSink{}
	e, _, bin, _ := newEnricher(t, nil, sink, Options{Logger: zap.New(core)})
	res, err := e.Process(context.Background(), Batch{FileTimestamp: fileTs, Events: []retrybin.SourceEvent{event("e1", "a"), {FacilityID: "a"}}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Buffered != 1 || res.Invalid != 1 || bin.Len() != 1 || len(sink.batches) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if logs.FilterMessage("no code index available, buffering all events").Len() != 1 {
		t.Fatalf("expected missing index warning")
	}
}

func TestProcessIgnoresDuplicateOfUnresolvedEvent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := &recordingSink{}
	e, _, bin, _ := newEnricher(t, indexWith("a"), sink, Options{Logger: zap.New(core)})
	res, err := e.Process(context.Background(), Batch{FileName: "f1", FileTimestamp: fileTs, Events: []retrybin.SourceEvent{event("e1", "b"), event("e1", "a")}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Buffered != 1 || res.Enriched != 0 || len(sink.batches) != 0 {
		t.Fatalf("only the first copy may be handled, got %+v", res)
	}
	if r, ok := bin.Lookup("e1"); !ok || r.Event.FacilityID != "b" {
		t.Fatalf("expected first copy buffered, got %+v %v", r, ok)
	}
	if logs.FilterMessage("duplicate event in file ignored").Len() != 1 {
		t.Fatalf("expected duplicate to be logged")
	}
}

func TestProcessExpiresOldRecords(t *testing.T) {
	e, _, bin, _ := newEnricher(t, indexWith(), &recordingSink{}, Options{RetentionAge: 24 * time.Hour})
	ctx := context.Background()
	if _, err := e.Process(ctx, Batch{FileTimestamp: fileTs, Events: []retrybin.SourceEvent{event("e1", "x")}}); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	res, err := e.Process(ctx, Batch{FileTimestamp: fileTs.Add(48 * time.Hour)})
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res.Expired != 1 || bin.Len() != 0 {
		t.Fatalf("expected expiry, got %+v", res)
	}
}

func TestProcessSinkFailureKeepsEvents(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	metrics := &recordingMetrics{}
	e, _, bin, store := newEnricher(t, indexWith("a"), sink, Options{Metrics: metrics})
	ctx := context.Background()

	_, err := e.Process(ctx, Batch{FileTimestamp: fileTs, Events: []retrybin.SourceEvent{event("e1", "a")}})
	if err == nil {
		t.Fatalf("expected sink error")
	}
	if _, ok := bin.Lookup("e1"); !ok || store.Saves() != 1 {
		t.Fatalf("event must stay buffered and the bin must be saved")
	}
	if len(metrics.observed) != 1 || metrics.observed[0] {
		t.Fatalf("expected failed cycle observation, got %v", metrics.observed)
	}

	sink.err = nil
	res, err := e.Process(ctx, Batch{FileTimestamp: fileTs.Add(time.Hour)})
	if err != nil || res.Recovered != 1 || bin.Len() != 0 {
		t.Fatalf("expected retry to deliver the event, got %+v %v", res, err)
	}
}

func TestProcessNewerFileSupersedesBufferedEvent(t *testing.T) {
	sink := &recordingSink{}
	e, src, bin, _ := newEnricher(t, indexWith(), sink, Options{})
	ctx := context.Background()
	if _, err := e.Process(ctx, Batch{FileTimestamp: fileTs, Events: []retrybin.SourceEvent{event("e1", "a")}}); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	src.set(indexWith("a"))
	updated := event("e1", "a")
	updated.Payload = json.RawMessage(`{"kind":"cancelled"}`)
	res, err := e.Process(ctx, Batch{FileTimestamp: fileTs.Add(time.Hour), Events: []retrybin.SourceEvent{updated}})
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res.Enriched != 1 || res.Recovered != 0 || bin.Len() != 0 {
		t.Fatalf("expected one delivery of the newer event, got %+v", res)
	}
	if got := sink.all(); len(got) != 1 || string(got[0].Payload) != `{"kind":"cancelled"}` {
		t.Fatalf("unexpected deliveries %+v", got)
	}
}

func TestProcessRejectsBatchWithoutTimestamp(t *testing.T) {
	e, _, _, _ := newEnricher(t, indexWith(), &recordingSink{}, Options{})
	if _, err := e.Process(context.Background(), Batch{}); !errors.Is(err, ErrNoFileTimestamp) {
		t.Fatalf("expected ErrNoFileTimestamp, got %v", err)
	}
}

type recordingMetrics struct {
	observed []bool
	gauges   map[string]float64
}

func (r *recordingMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	if op == OpCycle {
		r.observed = append(r.observed, success)
	}
}

func (r *recordingMetrics) SetGauge(name string, v float64) {
	if r.gauges == nil {
		r.gauges = map[string]float64{}
	}
	r.gauges[name] = v
}
