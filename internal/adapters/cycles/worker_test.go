package cycles

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/enrich"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/retrybin"
)

type gatedProcessor struct {
	mu      sync.Mutex
	running int
	maxSeen int
	calls   []string
	gate    chan struct{}
	err     error
}

func (p *gatedProcessor) ProcessBatch(_ context.Context, b enrich.Batch) (enrich.Result, error) {
	p.mu.Lock()
	p.running++
	if p.running > p.maxSeen {
		p.maxSeen = p.running
	}
	p.calls = append(p.calls, b.FileName)
	p.mu.Unlock()
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	p.running--
	p.mu.Unlock()
	return enrich.Result{Events: len(b.Events), Enriched: len(b.Events), Emitted: len(b.Events)}, p.err
}

func batch(name string, n int) enrich.Batch {
	b := enrich.Batch{FileName: name, FileTimestamp: time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)}
	for i := 0; i < n; i++ {
		b.Events = append(b.Events, retrybin.SourceEvent{ID: name + string(rune('a'+i))})
	}
	return b
}

func waitStatus(t *testing.T, w *Worker, id string, want Status) Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, ok := w.Get(id)
		if ok && rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("cycle %s never reached %s, last %+v", id, want, rec)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWorkerRunsCyclesInOrderOneAtATime(t *testing.T) {
	proc := &gatedProcessor{}
	w := NewWorker(proc, Options{})
	w.Start()
	defer func() { _ = w.Stop(context.Background()) }()

	var ids []string
	for _, name := range []string{"f1", "f2", "f3"} {
		rec, err := w.Enqueue(context.Background(), batch(name, 2))
		if err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
		if rec.Status != StatusQueued || rec.Events != 2 || rec.ID == "" {
			t.Fatalf("unexpected queued record %+v", rec)
		}
		ids = append(ids, rec.ID)
	}
	for _, id := range ids {
		rec := waitStatus(t, w, id, StatusSucceeded)
		if rec.Result == nil || rec.Result.Emitted != 2 || rec.CompletedAt == nil {
			t.Fatalf("expected result on finished record, got %+v", rec)
		}
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.maxSeen != 1 {
		t.Fatalf("cycles overlapped: %d concurrent", proc.maxSeen)
	}
	if len(proc.calls) != 3 || proc.calls[0] != "f1" || proc.calls[2] != "f3" {
		t.Fatalf("unexpected processing order %v", proc.calls)
	}
}

func TestWorkerRecordsFailure(t *testing.T) {
	w := NewWorker(&gatedProcessor{err: errors.New("sink down")}, Options{})
	w.Start()
	defer func() { _ = w.Stop(context.Background()) }()

	rec, err := w.Enqueue(context.Background(), batch("f", 1))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := waitStatus(t, w, rec.ID, StatusFailed)
	if got.Error != "sink down" {
		t.Fatalf("expected error message, got %q", got.Error)
	}
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	proc := &gatedProcessor{gate: make(chan struct{})}
	w := NewWorker(proc, Options{QueueSize: 1})
	w.Start()

	first, err := w.Enqueue(context.Background(), batch("running", 1))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitStatus(t, w, first.ID, StatusRunning)
	if _, err := w.Enqueue(context.Background(), batch("queued", 1)); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if _, err := w.Enqueue(context.Background(), batch("overflow", 1)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if w.Pending() != 1 {
		t.Fatalf("expected one pending batch, got %d", w.Pending())
	}
	close(proc.gate)
	waitStatus(t, w, first.ID, StatusSucceeded)
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	w := NewWorker(&gatedProcessor{}, Options{})
	if _, err := w.Enqueue(context.Background(), enrich.Batch{FileName: "x"}); !errors.Is(err, enrich.ErrNoFileTimestamp) {
		t.Fatalf("expected missing timestamp error, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Enqueue(ctx, batch("x", 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if _, ok := w.Get("missing"); ok {
		t.Fatalf("unknown id must not resolve")
	}
}

func TestStopFailsQueuedAndRejectsNew(t *testing.T) {
	w := NewWorker(&gatedProcessor{}, Options{})
	rec, err := w.Enqueue(context.Background(), batch("never", 1))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got, _ := w.Get(rec.ID)
	if got.Status != StatusFailed || got.Error != ErrStopped.Error() {
		t.Fatalf("queued batch must fail on stop, got %+v", got)
	}
	if _, err := w.Enqueue(context.Background(), batch("late", 1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStopHonoursContext(t *testing.T) {
	proc := &gatedProcessor{gate: make(chan struct{})}
	w := NewWorker(proc, Options{})
	w.Start()
	rec, _ := w.Enqueue(context.Background(), batch("slow", 1))
	waitStatus(t, w, rec.ID, StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	close(proc.gate)
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestFinishedRecordsAreBounded(t *testing.T) {
	w := NewWorker(&gatedProcessor{}, Options{Retain: 2})
	w.Start()
	defer func() { _ = w.Stop(context.Background()) }()
	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		rec, err := w.Enqueue(context.Background(), batch(name, 1))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		waitStatus(t, w, rec.ID, StatusSucceeded)
		ids = append(ids, rec.ID)
	}
	if _, ok := w.Get(ids[0]); ok {
		t.Fatalf("oldest finished record should be evicted")
	}
	if _, ok := w.Get(ids[2]); !ok {
		t.Fatalf("latest record must be kept")
	}
}
