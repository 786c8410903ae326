// Package core composes the adapter: the code index manager, the retry bin,
// the enrichment cycle and their storage drivers, behind one Service used by
// the HTTP adapters and the process entry point.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/codeindex"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/codeindex/manager"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/codeindex/store"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/config"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/enrich"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/retrybin"
)

// Operation names reported by the service.
const (
	OpResolveFacility = "resolve_facility"
	OpProcessBatch    = "process_batch"
)

// ErrIndexUnavailable is returned by lookups before any index was built or loaded.
var ErrIndexUnavailable = errors.New("code index not available")

// Options carries the cross-cutting collaborators of a Service.
type Options struct {
	Logger  *zap.Logger
	Metrics MetricsRecorder
	Tracer  Tracer
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Tracer == nil {
		o.Tracer = noopTracer{}
	}
	return o
}

// Service exposes the adapter's operations.
type Service struct {
	manager  *manager.Manager
	bin      *retrybin.Bin
	enricher *enrich.Enricher
	logger   *zap.Logger
	metrics  MetricsRecorder
	tracer   Tracer
	closers  []closeFunc
	now      func() time.Time
}

// NewService wires already constructed components.
func NewService(mgr *manager.Manager, bin *retrybin.Bin, enricher *enrich.Enricher, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		manager:  mgr,
		bin:      bin,
		enricher: enricher,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		now:      time.Now,
	}
}

// Open builds a Service and its storage drivers from cfg.
func Open(ctx context.Context, cfg config.Config, opts Options) (*Service, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	blobs, err := OpenBlobStore(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	mgr := manager.New(
		codeindex.NewBuilder(log.Named("builder")),
		store.New(blobs, log.Named("indexstore")),
		manager.Options{
			Sources:     Sources(cfg.CodeTables),
			SnapshotKey: cfg.IndexSnapshotKey,
			NewerThan:   cfg.CodeTables.NewerThan,
			Logger:      log.Named("manager"),
			Metrics:     opts.Metrics,
		},
	)

	retryStore, closeRetry, err := OpenRetryStore(ctx, cfg.RetryBin, blobs)
	if err != nil {
		return nil, fmt.Errorf("open retry store: %w", err)
	}
	bin := retrybin.Open(ctx, retryStore, log.Named("retrybin"))

	sink, closeSink, err := OpenSink(ctx, cfg.Sink, blobs, log.Named("sink"))
	if err != nil {
		_ = closeRetry()
		return nil, fmt.Errorf("open sink: %w", err)
	}
	enricher := enrich.New(mgr, bin, sink, enrich.Options{
		RetentionAge: cfg.RetryBin.Expiry,
		Logger:       log.Named("enrich"),
		Metrics:      opts.Metrics,
	})

	svc := NewService(mgr, bin, enricher, opts)
	svc.closers = []closeFunc{closeSink, closeRetry}
	log.Info("service opened",
		zap.String("blob_driver", string(blobs.Driver())),
		zap.String("retry_store", cfg.RetryBin.Driver),
		zap.String("sink", cfg.Sink.Driver))
	return svc, nil
}

// Sources converts code-table settings into builder sources; NewerThan is
// left zero so it is derived at build time.
func Sources(c config.CodeTables) codeindex.Sources {
	return codeindex.Sources{
		CommissionTypes: c.CommissionTypes,
		Commissions:     c.Commissions,
		Facilities:      c.Facilities,
		IDMappings:      c.IDMappings,
		Location:        c.Location,
	}
}

// Revalidate rebuilds the code index; false means a build was already running.
func (s *Service) Revalidate(ctx context.Context) (ran bool, err error) {
	ctx, span := s.tracer.Start(ctx, manager.OpRevalidate)
	defer func() { span.End(err) }()
	return s.manager.Revalidate(ctx)
}

// ProcessBatch runs one enrichment cycle. Callers serialize cycles.
func (s *Service) ProcessBatch(ctx context.Context, b enrich.Batch) (res enrich.Result, err error) {
	ctx, span := s.tracer.Start(ctx, OpProcessBatch)
	defer func() { span.End(err) }()
	return s.enricher.Process(ctx, b)
}

// ResolveFacility returns the facility view at t. A view without national id
// is returned together with codeindex.ErrNoNationalID.
func (s *Service) ResolveFacility(ctx context.Context, facilityID string, t time.Time) (view codeindex.FacilityView, err error) {
	ctx, span := s.tracer.Start(ctx, OpResolveFacility)
	started := s.now()
	defer func() {
		span.End(err)
		s.metrics.Observe(ctx, OpResolveFacility, err == nil, s.now().Sub(started))
	}()
	idx := s.manager.CurrentIndex(ctx)
	if idx == nil {
		return codeindex.FacilityView{}, ErrIndexUnavailable
	}
	return idx.Resolve(facilityID, t.UTC())
}

// IndexStatus describes the served index and the last build.
type IndexStatus struct {
	State           string               `json:"state"`
	Facilities      int                  `json:"facilities"`
	Commissions     int                  `json:"commissions"`
	BuiltAt         *time.Time           `json:"built_at,omitempty"`
	NewerThan       *time.Time           `json:"newer_than,omitempty"`
	LastBuild       *manager.BuildResult `json:"last_build,omitempty"`
	RetryBinRecords int                  `json:"retry_bin_records"`
}

// IndexStatus reports the current index state.
func (s *Service) IndexStatus(ctx context.Context) IndexStatus {
	st := IndexStatus{
		State:           s.manager.State().String(),
		RetryBinRecords: s.bin.Len(),
	}
	if idx := s.manager.CurrentIndex(ctx); idx != nil {
		st.Facilities = idx.Len()
		st.Commissions = len(idx.Commissions)
		built, newer := idx.BuiltAt, idx.NewerThan
		st.BuiltAt, st.NewerThan = &built, &newer
	}
	if last, ok := s.manager.LastBuild(); ok {
		st.LastBuild = &last
	}
	return st
}

// Close releases storage and sink resources.
func (s *Service) Close() error {
	var errs []error
	for _, c := range s.closers {
		if c == nil {
			continue
		}
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
