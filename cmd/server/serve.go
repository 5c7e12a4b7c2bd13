package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/photobooks/arservice/internal/admission"
	"github.com/photobooks/arservice/internal/api"
	"github.com/photobooks/arservice/internal/api/handler"
	mw "github.com/photobooks/arservice/internal/api/middleware"
	"github.com/photobooks/arservice/internal/compiler"
	"github.com/photobooks/arservice/internal/config"
	"github.com/photobooks/arservice/internal/maintenance"
	"github.com/photobooks/arservice/internal/store"
	"github.com/photobooks/arservice/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	http      bool
	worker    bool
	scheduler bool
}

func runServe(parent context.Context, opts serveOptions) error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Server.LogLevel)
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"queue_backend", cfg.Queue.Backend,
		"compiler_mode", cfg.Compiler.Mode,
		"http", opts.http,
		"worker", opts.worker,
		"scheduler", opts.scheduler,
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect backends
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	// 3. Compile workers
	if opts.worker {
		engine, err := compiler.NewEngine(cfg.Compiler, a.files.StorageURL)
		if err != nil {
			return fmt.Errorf("create compiler: %w", err)
		}
		slog.Info("compiler initialized", "engine", engine.Name(), "max_parallel", cfg.Compiler.MaxParallel)

		w := worker.New(a.store, a.queue, engine, a.notifier, a.files, a.metrics, worker.Config{
			QueueName:    cfg.Queue.Name,
			Concurrency:  cfg.Worker.Concurrency,
			PollInterval: cfg.Queue.PollInterval,
			ViewBaseURL:  cfg.Viewer.PublicBaseURL,
		})
		g.Go(func() error { return w.Run(gctx) })
	}

	// 4. Maintenance scheduler
	if opts.scheduler {
		m := maintenance.New(a.store, a.queue, a.cache, a.files, a.notifier, a.metrics, maintenance.Config{
			DemoCleanupSchedule: cfg.Maintenance.DemoCleanupSchedule,
			ReconcileInterval:   cfg.Maintenance.ReconcileInterval,
			ReconcileAfter:      cfg.Maintenance.ReconcileAfter,
			QueuePurgeSchedule:  cfg.Maintenance.QueuePurgeSchedule,
			QueueRetentionDays:  cfg.Maintenance.QueueRetentionDays,
			QueueName:           cfg.Queue.Name,
			Send:                a.sendOptions(),
		})
		g.Go(func() error { return m.Run(gctx) })
	}

	// 5. HTTP server
	if opts.http {
		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      newRouter(cfg, a),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		g.Go(func() error {
			slog.Info("server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			slog.Info("shutdown signal received, draining connections...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()

	// Let in-flight webhook deliveries finish.
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if werr := a.waitNotifier(waitCtx); werr != nil {
		slog.Warn("webhook deliveries still in flight at shutdown", "error", werr)
	}

	if err != nil {
		return err
	}
	slog.Info("stopped gracefully")
	return nil
}

func newRouter(cfg *config.Config, a *app) http.Handler {
	svc := admission.NewService(a.store, a.queue, a.files, a.metrics, admission.Options{
		QueueName:   cfg.Queue.Name,
		Send:        a.sendOptions(),
		ViewBaseURL: cfg.Viewer.PublicBaseURL,
	})

	return api.NewRouter(api.Dependencies{
		Metrics:     a.metrics,
		RateLimit:   mw.NewRateLimit(a.cache, "compile", cfg.Server.RateLimitPerMinute),
		CORSOrigins: cfg.Server.CORSAllowedOrigins,
		StorageRoot: a.files.StorageRoot(),

		RootHandler:    rootHandler(cfg),
		HealthHandler:  healthHandler(a.store, a.queue, a.cache),
		MetricsHandler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		CompileHandler: handler.NewCompileHandler(svc, cfg.Server.MaxBodyBytes),
		StatusHandler:  handler.NewStatusHandler(a.store, a.cache, cfg.Redis.StatusCacheTTL),
		LogsHandler:    handler.NewLogsHandler(a.store),
		ViewerHandler:  handler.NewViewerHandler(a.store, a.files, nil),
	})
}

func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Server.LogLevel)

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	return nil
}
