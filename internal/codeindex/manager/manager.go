// Package manager serves the current code index and rebuilds it on demand.
//
// At most one build runs at a time: Revalidate claims the Building state with
// a compare-and-swap and returns immediately when another build holds it.
// Readers get the index through an atomic pointer, so they see either the old
// or the new index and never a partial one.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/codeindex"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/codetable"
)

// State is the build state of a Manager.
type State int32

const (
	Idle State = iota
	Building
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	default:
		return "unknown"
	}
}

// Builder produces an index from code-table sources.
type Builder interface {
	Build(ctx context.Context, src codeindex.Sources) (*codeindex.Index, error)
}

// Persister stores and loads index snapshots.
type Persister interface {
	Write(ctx context.Context, idx *codeindex.Index, key string)
	Read(ctx context.Context, key string) (*codeindex.Index, bool)
}

// MetricsRecorder receives operation timings and gauges.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	SetGauge(name string, value float64)
}

// Metric names reported by the manager.
const (
	OpRevalidate    = "revalidate"
	GaugeIndexSize  = "index_facilities"
	GaugeIndexBuilt = "index_built_unix"
)

// BuildResult describes the last completed revalidation.
type BuildResult struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Facilities int           `json:"facilities"`
	Error      string        `json:"error,omitempty"`
}

// Succeeded reports whether the build produced an index.
func (r BuildResult) Succeeded() bool { return r.Error == "" }

// Options configures a Manager.
type Options struct {
	// Sources are the code-table paths; a zero NewerThan is derived per build.
	Sources codeindex.Sources
	// SnapshotKey is the blob prefix of the persisted index.
	SnapshotKey string
	// NewerThan derives the cutoff from the build time; codetable.DefaultNewerThan when nil.
	NewerThan func(now time.Time) time.Time
	Logger    *zap.Logger
	Metrics   MetricsRecorder
}

// Manager owns the served index.
type Manager struct {
	builder   Builder
	store     Persister
	sources   codeindex.Sources
	key       string
	newerThan func(time.Time) time.Time
	logger    *zap.Logger
	metrics   MetricsRecorder
	now       func() time.Time

	state    atomic.Int32
	current  atomic.Pointer[codeindex.Index]
	loadOnce sync.Once

	mu   sync.Mutex
	last *BuildResult
}

// New returns an idle Manager with no index. store may be nil to disable persistence.
func New(builder Builder, store Persister, opts Options) *Manager {
	m := &Manager{
		builder:   builder,
		store:     store,
		sources:   opts.Sources,
		key:       opts.SnapshotKey,
		newerThan: opts.NewerThan,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
	if m.newerThan == nil {
		m.newerThan = codetable.DefaultNewerThan
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	return m
}

// Revalidate rebuilds the index from the configured sources. It returns
// false without error when a build is already running. On failure the
// previous index stays in service.
func (m *Manager) Revalidate(ctx context.Context) (bool, error) {
	if !m.state.CompareAndSwap(int32(Idle), int32(Building)) {
		m.logger.Info("revalidate skipped, build in progress")
		return false, nil
	}
	defer m.state.Store(int32(Idle))

	started := m.now()
	src := m.sources
	if src.NewerThan.IsZero() {
		loc := src.Location
		if loc == nil {
			loc = time.Local
		}
		src.NewerThan = m.newerThan(started.In(loc))
	}
	m.logger.Info("revalidate started", zap.Time("newer_than", src.NewerThan))

	idx, err := m.builder.Build(ctx, src)
	elapsed := m.now().Sub(started)
	result := BuildResult{StartedAt: started.UTC(), Duration: elapsed}
	if err != nil {
		result.Error = err.Error()
		m.record(result)
		m.metrics.Observe(ctx, OpRevalidate, false, elapsed)
		m.logger.Error("revalidate failed, keeping previous index",
			zap.Duration("duration", elapsed), zap.Error(err))
		return true, err
	}

	if m.store != nil {
		m.store.Write(ctx, idx, m.key)
	}
	m.current.Store(idx)
	result.Facilities = idx.Len()
	m.record(result)
	m.metrics.Observe(ctx, OpRevalidate, true, elapsed)
	m.reportIndex(idx)
	m.logger.Info("revalidate finished",
		zap.Int("facilities", idx.Len()), zap.Duration("duration", elapsed))
	return true, nil
}

// CurrentIndex returns the served index. Before the first build it loads the
// persisted snapshot once; nil means no index is available.
func (m *Manager) CurrentIndex(ctx context.Context) *codeindex.Index {
	if idx := m.current.Load(); idx != nil {
		return idx
	}
	m.loadOnce.Do(func() {
		if m.store == nil {
			return
		}
		idx, ok := m.store.Read(ctx, m.key)
		if !ok {
			return
		}
		// a revalidate that finished meanwhile wins over the snapshot
		if m.current.CompareAndSwap(nil, idx) {
			m.reportIndex(idx)
		}
	})
	return m.current.Load()
}

// State returns the current build state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Size returns the facility count of the served index, 0 when there is none.
func (m *Manager) Size() int { return m.current.Load().Len() }

// LastBuild returns the result of the most recent revalidation, if any.
func (m *Manager) LastBuild() (BuildResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return BuildResult{}, false
	}
	return *m.last, true
}

func (m *Manager) record(r BuildResult) {
	m.mu.Lock()
	m.last = &r
	m.mu.Unlock()
}

func (m *Manager) reportIndex(idx *codeindex.Index) {
	m.metrics.SetGauge(GaugeIndexSize, float64(idx.Len()))
	m.metrics.SetGauge(GaugeIndexBuilt, float64(idx.BuiltAt.Unix()))
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}
func (noopMetrics) SetGauge(string, float64) {}
