// Command gvradapter serves the code index, runs enrichment cycles posted to
// it and revalidates the index on a schedule.
package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/adapters/admin"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/adapters/cycles"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/config"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/core"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/platform/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(execute())
}

// execute returns the process exit code so deferred cleanup runs first.
func execute() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gvradapter: %v\n", err)
		return 2
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "gvradapter")
	if err != nil {
		fmt.Fprintf(os.Stderr, "gvradapter: init logger: %v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gvradapter stopped with error", zap.Error(err))
		return 1
	}
	log.Info("gvradapter stopped")
	return 0
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := core.MultiRecorder{
		core.NewExpvarRecorder("gvradapter"),
		core.NewPrometheusRecorder(reg),
	}
	opts := core.Options{Logger: log, Metrics: metrics}
	if cfg.TraceSpans {
		opts.Tracer = core.NewJSONTracer(os.Stderr)
	}

	svc, err := core.Open(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("close service", zap.Error(err))
		}
	}()

	worker := cycles.NewWorker(svc, cycles.Options{QueueSize: cfg.CycleQueueSize, Logger: log.Named("cycles")})
	worker.Start()

	h := admin.NewHandler(svc, worker, log.Named("admin"))
	h.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	h.Vars = expvar.Handler()
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		revalidateLoop(gctx, svc, cfg.RevalidateInterval, log.Named("scheduler"))
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if werr := worker.Stop(sctx); werr != nil {
			log.Warn("cycle worker did not stop in time", zap.Error(werr))
		}
		return err
	})
	return g.Wait()
}

// revalidator is the part of core.Service the scheduler drives.
type revalidator interface {
	Revalidate(ctx context.Context) (bool, error)
	IndexStatus(ctx context.Context) core.IndexStatus
}

// revalidateLoop builds the index at start when none was persisted and then
// every interval. A zero interval disables the periodic rebuilds.
func revalidateLoop(ctx context.Context, svc revalidator, interval time.Duration, log *zap.Logger) {
	if svc.IndexStatus(ctx).BuiltAt == nil {
		log.Info("no persisted index, building")
		revalidateOnce(ctx, svc, log)
	}
	if interval <= 0 {
		log.Info("scheduled revalidation disabled")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			revalidateOnce(ctx, svc, log)
		}
	}
}

func revalidateOnce(ctx context.Context, svc revalidator, log *zap.Logger) {
	ran, err := svc.Revalidate(ctx)
	switch {
	case err != nil:
		log.Error("scheduled revalidate failed", zap.Error(err))
	case !ran:
		log.Info("scheduled revalidate skipped, build in progress")
	}
}
