// Package maintenance runs the periodic housekeeping tasks: expired demo
// cleanup, re-enqueueing orphaned pending projects, failing processing
// projects whose queue message is gone, and purging finished queue messages.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/photobooks/arservice/internal/cache"
	"github.com/photobooks/arservice/internal/files"
	"github.com/photobooks/arservice/internal/metrics"
	"github.com/photobooks/arservice/internal/queue"
	"github.com/photobooks/arservice/internal/store"
	"github.com/photobooks/arservice/internal/webhook"
	"github.com/photobooks/arservice/internal/worker"
	"github.com/photobooks/arservice/pkg/models"
	"github.com/robfig/cron/v3"
)

const (
	TaskDemoCleanup = "demo_cleanup"
	TaskReconcile   = "reconcile"
	TaskStaleSweep  = "stale_sweep"
	TaskQueuePurge  = "queue_purge"
)

const defaultBatchSize = 100

// Purger is implemented by queue backends that keep finished messages.
type Purger interface {
	Purge(ctx context.Context, olderThanDays int) (int64, error)
}

type Config struct {
	DemoCleanupSchedule string
	ReconcileInterval   time.Duration
	ReconcileAfter      time.Duration
	QueuePurgeSchedule  string
	QueueRetentionDays  int

	QueueName string
	Send      queue.SendOptions
	BatchSize int
}

// Maintenance owns the housekeeping tasks. Each task is safe to run on
// several replicas at once.
type Maintenance struct {
	store    store.Store
	queue    queue.Queue
	cache    cache.Cache
	files    *files.Manager
	notifier webhook.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

func New(st store.Store, q queue.Queue, c cache.Cache, fm *files.Manager, n webhook.Notifier, m *metrics.Metrics, cfg Config) *Maintenance {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Maintenance{
		store:    st,
		queue:    q,
		cache:    c,
		files:    fm,
		notifier: n,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (m *Maintenance) SetClock(now func() time.Time) {
	m.now = now
}

type scheduledTask struct {
	schedule string
	task     string
	fn       func(context.Context) (int64, error)
}

// Run schedules every task on a cron and blocks until ctx is cancelled, then
// waits for running tasks to finish.
func (m *Maintenance) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{})))

	jobs := []scheduledTask{
		{m.cfg.DemoCleanupSchedule, TaskDemoCleanup, m.CleanupDemos},
		{fmt.Sprintf("@every %s", m.cfg.ReconcileInterval), TaskReconcile, m.Reconcile},
		{fmt.Sprintf("@every %s", m.cfg.ReconcileInterval), TaskStaleSweep, m.FailStale},
	}
	if _, ok := m.queue.(Purger); ok && m.cfg.QueuePurgeSchedule != "" {
		jobs = append(jobs, scheduledTask{m.cfg.QueuePurgeSchedule, TaskQueuePurge, m.PurgeQueue})
	}

	for _, j := range jobs {
		if _, err := c.AddFunc(j.schedule, func() { m.runTask(ctx, j.task, j.fn) }); err != nil {
			return fmt.Errorf("scheduling %s %q: %w", j.task, j.schedule, err)
		}
		slog.Info("maintenance task scheduled", "task", j.task, "schedule", j.schedule)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("maintenance stopped")
	return nil
}

func (m *Maintenance) runTask(ctx context.Context, task string, fn func(context.Context) (int64, error)) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	n, err := fn(ctx)
	if err != nil {
		slog.Error("maintenance task failed", "task", task, "handled", n, "error", err)
		return
	}
	if n > 0 {
		slog.Info("maintenance task finished", "task", task, "handled", n,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// CleanupDemos deletes demo projects past their expiry: storage first, then
// the row (logs cascade), then any cached status projection.
func (m *Maintenance) CleanupDemos(ctx context.Context) (int64, error) {
	var deleted int64
	for {
		demos, err := m.store.ListExpiredDemos(ctx, m.now().UTC(), m.cfg.BatchSize)
		if err != nil {
			return deleted, fmt.Errorf("listing expired demos: %w", err)
		}

		progressed := false
		for _, p := range demos {
			if err := m.deleteDemo(ctx, p); err != nil {
				m.observe(TaskDemoCleanup, "error")
				slog.Warn("demo cleanup failed", "project_id", p.ID, "error", err)
				continue
			}
			m.observe(TaskDemoCleanup, "ok")
			deleted++
			progressed = true
		}

		if len(demos) < m.cfg.BatchSize || !progressed {
			return deleted, nil
		}
	}
}

func (m *Maintenance) deleteDemo(ctx context.Context, p *models.Project) error {
	if err := m.files.DeleteProjectStorage(p.ID); err != nil {
		return err
	}
	if err := m.store.DeleteProject(ctx, p.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting project: %w", err)
	}
	if err := m.cache.Delete(ctx, cache.ProjectStatusKey(p.ID)); err != nil {
		slog.Warn("evicting cached status", "project_id", p.ID, "error", err)
	}
	slog.Info("expired demo deleted", "project_id", p.ID, "expired_at", p.ExpiresAt)
	return nil
}

// Reconcile re-enqueues pending projects that never got a queue message,
// which happens when admission could not undo a failed enqueue.
func (m *Maintenance) Reconcile(ctx context.Context) (int64, error) {
	cutoff := m.now().UTC().Add(-m.cfg.ReconcileAfter)
	orphans, err := m.store.ListUnqueuedPending(ctx, cutoff, m.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing unqueued projects: %w", err)
	}

	var requeued int64
	for _, p := range orphans {
		log := slog.With("project_id", p.ID)

		dir, err := m.files.CreateProjectStorage(p.ID)
		if err != nil {
			m.observe(TaskReconcile, "error")
			log.Warn("reconcile: provisioning storage", "error", err)
			continue
		}
		body, err := json.Marshal(models.NewCompilePayload(p, dir))
		if err != nil {
			m.observe(TaskReconcile, "error")
			log.Warn("reconcile: encoding payload", "error", err)
			continue
		}
		msgID, err := m.queue.Send(ctx, m.cfg.QueueName, body, m.cfg.Send)
		if err != nil {
			m.observe(TaskReconcile, "error")
			return requeued, fmt.Errorf("re-enqueueing %s: %w", p.ID, err)
		}
		if err := m.store.SetQueueJobID(ctx, p.ID, msgID); err != nil {
			log.Warn("reconcile: persisting queue job id", "queue_job_id", msgID, "error", err)
		}

		m.observe(TaskReconcile, "ok")
		log.Info("orphaned project re-enqueued", "queue_job_id", msgID)
		requeued++
	}
	return requeued, nil
}

// StaleAfter is how long a processing project may sit without an update
// before every delivery the queue allows has been used up.
func StaleAfter(opts queue.SendOptions) time.Duration {
	return opts.ExpireIn*time.Duration(opts.RetryLimit+1) + opts.RetryDelay*time.Duration(opts.RetryLimit)
}

// FailStale moves processing projects whose queue message can no longer be
// delivered to error. This covers a worker dying on the final attempt or a
// terminal write that never landed. Only the sweep that wins the transition
// sends the failed webhook.
func (m *Maintenance) FailStale(ctx context.Context) (int64, error) {
	cutoff := m.now().UTC().Add(-StaleAfter(m.cfg.Send))
	stale, err := m.store.ListStaleProcessing(ctx, cutoff, m.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing stale projects: %w", err)
	}

	var failed int64
	for _, p := range stale {
		log := slog.With("project_id", p.ID, "status", p.Status)

		err := m.store.UpdateProjectStatus(ctx, p.ID, models.StatusError,
			store.WithErrorMessage(worker.InterruptedMessage))
		switch {
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
			log.Debug("stale project moved on before the sweep", "error", err)
			continue
		case err != nil:
			m.observe(TaskStaleSweep, "error")
			log.Warn("stale sweep: marking project failed", "error", err)
			continue
		}

		details, _ := json.Marshal(map[string]any{"error": worker.InterruptedMessage, "stale_since": p.UpdatedAt})
		if err := m.store.AppendCompilationLog(ctx, &models.CompilationLog{
			ProjectID: p.ID,
			Step:      worker.StepCompilation,
			Status:    models.StepFailed,
			Details:   details,
		}); err != nil {
			log.Warn("stale sweep: appending compilation log", "error", err)
		}
		if err := m.cache.Delete(ctx, cache.ProjectStatusKey(p.ID)); err != nil {
			log.Warn("evicting cached status", "error", err)
		}
		m.metrics.Compilations.WithLabelValues(string(models.StatusError)).Inc()
		m.notifier.NotifyCompilationFailed(ctx, p.ID, worker.InterruptedMessage)

		m.observe(TaskStaleSweep, "ok")
		log.Warn("stale project marked failed", "updated_at", p.UpdatedAt)
		failed++
	}
	return failed, nil
}

// PurgeQueue drops finished messages older than the retention window. It is a
// no-op for backends that do not keep finished messages.
func (m *Maintenance) PurgeQueue(ctx context.Context) (int64, error) {
	p, ok := m.queue.(Purger)
	if !ok {
		return 0, nil
	}
	n, err := p.Purge(ctx, m.cfg.QueueRetentionDays)
	if err != nil {
		m.observe(TaskQueuePurge, "error")
		return 0, err
	}
	m.metrics.MaintenanceRuns.WithLabelValues(TaskQueuePurge, "ok").Add(float64(n))
	return n, nil
}

func (m *Maintenance) observe(task, result string) {
	m.metrics.MaintenanceRuns.WithLabelValues(task, result).Inc()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
