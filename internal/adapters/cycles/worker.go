// Package cycles runs enrichment cycles one at a time from a bounded queue
// and keeps the status of every submitted batch.
package cycles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/enrich"
)

// Status captures the lifecycle of a cycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// DefaultQueueSize bounds the number of batches waiting for the worker.
const DefaultQueueSize = 16

var (
	// ErrQueueFull is returned when the queue cannot take another batch.
	ErrQueueFull = errors.New("cycle queue full")
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("cycle worker stopped")
)

// Processor runs a single cycle.
type Processor interface {
	ProcessBatch(ctx context.Context, b enrich.Batch) (enrich.Result, error)
}

// Record describes a submitted batch and the outcome of its cycle.
type Record struct {
	ID            string         `json:"id"`
	FileName      string         `json:"file_name"`
	FileTimestamp time.Time      `json:"file_timestamp"`
	Events        int            `json:"events"`
	Status        Status         `json:"status"`
	Error         string         `json:"error,omitempty"`
	Result        *enrich.Result `json:"result,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

func (r *Record) copy() Record {
	out := *r
	if r.Result != nil {
		res := *r.Result
		out.Result = &res
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

type task struct {
	id    string
	batch enrich.Batch
}

// Options configures a Worker.
type Options struct {
	QueueSize int
	// Retain caps the finished records kept for Get; 0 keeps 1024.
	Retain int
	Logger *zap.Logger
}

// Worker processes batches sequentially in the background.
type Worker struct {
	proc   Processor
	logger *zap.Logger
	queue  chan task
	retain int

	mu       sync.RWMutex
	jobs     map[string]*Record
	finished []string
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewWorker constructs a worker around proc.
func NewWorker(proc Processor, opts Options) *Worker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Retain <= 0 {
		opts.Retain = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		proc:   proc,
		logger: opts.Logger,
		queue:  make(chan task, opts.QueueSize),
		retain: opts.Retain,
		jobs:   make(map[string]*Record),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start begins processing queued batches.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the running cycle to finish
// and commit its retry bin. Batches still queued are marked failed.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		select {
		case t := <-w.queue:
			w.finish(t.id, nil, ErrStopped)
		default:
			return nil
		}
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.queue:
			if w.ctx.Err() != nil {
				w.finish(t.id, nil, ErrStopped)
				continue
			}
			w.process(t)
		}
	}
}

// Enqueue schedules b and returns the queued record.
func (w *Worker) Enqueue(ctx context.Context, b enrich.Batch) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if b.FileTimestamp.IsZero() {
		return Record{}, enrich.ErrNoFileTimestamp
	}
	now := w.now().UTC()
	rec := &Record{
		ID:            uuid.NewString(),
		FileName:      b.FileName,
		FileTimestamp: b.FileTimestamp.UTC(),
		Events:        len(b.Events),
		Status:        StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return Record{}, ErrStopped
	}
	select {
	case w.queue <- task{id: rec.ID, batch: b}:
	default:
		return Record{}, fmt.Errorf("%w (%d pending)", ErrQueueFull, cap(w.queue))
	}
	w.jobs[rec.ID] = rec
	w.logger.Info("cycle queued",
		zap.String("cycle_id", rec.ID), zap.String("file", b.FileName), zap.Int("events", rec.Events))
	return rec.copy(), nil
}

// Get returns a snapshot of the record for id.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return rec.copy(), true
}

// Pending returns the number of queued batches.
func (w *Worker) Pending() int { return len(w.queue) }

func (w *Worker) process(t task) {
	w.mu.Lock()
	rec, ok := w.jobs[t.id]
	if ok {
		rec.Status = StatusRunning
		rec.UpdatedAt = w.now().UTC()
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	log := w.logger.With(zap.String("cycle_id", t.id), zap.String("file", t.batch.FileName))
	// a started cycle always runs to its commit, Stop only ends the loop
	res, err := w.proc.ProcessBatch(context.WithoutCancel(w.ctx), t.batch)
	if err != nil {
		log.Error("cycle failed", zap.Error(err))
	} else {
		log.Info("cycle finished",
			zap.Int("enriched", res.Enriched),
			zap.Int("recovered", res.Recovered),
			zap.Int("buffered", res.Buffered),
			zap.Int("emitted", res.Emitted))
	}
	w.finish(t.id, &res, err)
}

func (w *Worker) finish(id string, res *enrich.Result, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.jobs[id]
	if !ok {
		return
	}
	now := w.now().UTC()
	rec.Result = res
	rec.UpdatedAt = now
	rec.CompletedAt = &now
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = StatusSucceeded
	}
	w.finished = append(w.finished, id)
	for len(w.finished) > w.retain {
		delete(w.jobs, w.finished[0])
		w.finished = w.finished[1:]
	}
}
