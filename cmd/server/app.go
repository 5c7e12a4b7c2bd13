package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/photobooks/arservice/internal/cache"
	"github.com/photobooks/arservice/internal/config"
	"github.com/photobooks/arservice/internal/files"
	"github.com/photobooks/arservice/internal/metrics"
	"github.com/photobooks/arservice/internal/queue"
	"github.com/photobooks/arservice/internal/store"
	"github.com/photobooks/arservice/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
)

// app holds the long-lived backends shared by every component in the process.
type app struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	store    store.Store
	queue    queue.Queue
	cache    cache.Cache
	files    *files.Manager
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	notifier webhook.Notifier
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	// Database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		a.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	a.store = store.NewPostgresStore(pool)

	// Queue
	switch cfg.Queue.Backend {
	case config.QueueBackendNATS:
		q, err := queue.NewJetStreamQueue(ctx, queue.JetStreamConfig{
			URL:      cfg.Queue.NATSURL,
			Stream:   cfg.Queue.NATSStream,
			Defaults: a.sendOptions(),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect queue: %w", err)
		}
		a.queue = q
	case config.QueueBackendMemory:
		slog.Warn("using in-process queue; jobs are lost on restart and not shared between replicas")
		a.queue = queue.NewMemoryQueue()
	default:
		a.queue = queue.NewPostgresQueue(pool)
	}
	slog.Info("queue ready", "backend", cfg.Queue.Backend, "name", cfg.Queue.Name)

	// Cache
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		a.cache = rc
		if err := rc.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
	} else {
		slog.Warn("REDIS_URL not set; rate limits and status cache are per process")
		a.cache = cache.NewMemoryCache()
	}

	// Shared storage
	a.files, err = files.NewManager(cfg.Storage.ARStoragePath, cfg.Storage.UploadsPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	slog.Info("storage ready", "ar_storage", a.files.StorageRoot(), "uploads", a.files.UploadsRoot())

	// Metrics
	a.registry = metrics.NewRegistry()
	a.metrics = metrics.New(a.registry)

	// Webhooks
	if cfg.Webhook.Enabled {
		n := webhook.NewHTTPNotifier(cfg.Webhook.BackendURL, cfg.Webhook.Secret, cfg.Webhook.Timeout)
		n.OnSent(a.metrics.WebhookObserver())
		a.notifier = n
		slog.Info("webhooks enabled", "backend_url", cfg.Webhook.BackendURL)
	} else {
		a.notifier = webhook.NoopNotifier{}
	}

	return a, nil
}

func (a *app) sendOptions() queue.SendOptions {
	return queue.SendOptions{
		RetryLimit: a.cfg.Queue.RetryLimit,
		RetryDelay: a.cfg.Queue.RetryDelay,
		ExpireIn:   a.cfg.Queue.ExpireIn,
	}
}

// waitNotifier blocks until asynchronous webhook deliveries finish.
func (a *app) waitNotifier(ctx context.Context) error {
	if n, ok := a.notifier.(*webhook.HTTPNotifier); ok {
		return n.Wait(ctx)
	}
	return nil
}

func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			slog.Warn("closing queue", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Warn("closing cache", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
