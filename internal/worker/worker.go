// Package worker consumes compile messages and drives each project through
// processing to a terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/photobooks/arservice/internal/compiler"
	"github.com/photobooks/arservice/internal/files"
	"github.com/photobooks/arservice/internal/metrics"
	"github.com/photobooks/arservice/internal/queue"
	"github.com/photobooks/arservice/internal/store"
	"github.com/photobooks/arservice/internal/webhook"
	"github.com/photobooks/arservice/pkg/models"
	"golang.org/x/sync/errgroup"
)

// StepCompilation is the worker's own entry in the compilation log, wrapping
// the engine's phase entries.
const StepCompilation = "compilation"

// InterruptedMessage is recorded on projects whose last delivery ended without
// a result, either on shutdown or because the job stopped making progress.
const InterruptedMessage = "compilation interrupted before it could finish"

// terminalWriteTimeout bounds writes made after the worker context is gone.
const terminalWriteTimeout = 30 * time.Second

type Config struct {
	QueueName    string
	Concurrency  int
	PollInterval time.Duration
	ViewBaseURL  string
}

// Worker pulls compile messages from the queue. Acknowledgement always
// follows the durable terminal write, so a crash before it leads to redelivery.
type Worker struct {
	store    store.Store
	queue    queue.Queue
	engine   compiler.Engine
	notifier webhook.Notifier
	files    *files.Manager
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

func New(st store.Store, q queue.Queue, engine compiler.Engine, notifier webhook.Notifier, fm *files.Manager, m *metrics.Metrics, cfg Config) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{
		store:    st,
		queue:    q,
		engine:   engine,
		notifier: notifier,
		files:    fm,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run polls with Concurrency loops until ctx is cancelled. In-flight jobs are
// released back to the queue on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started",
		"queue", w.cfg.QueueName,
		"concurrency", w.cfg.Concurrency,
		"engine", w.engine.Name(),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx, i)
			return nil
		})
	}
	err := g.Wait()
	slog.Info("worker stopped", "queue", w.cfg.QueueName)
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		msg, err := w.queue.Fetch(ctx, w.cfg.QueueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.metrics.QueueErrors.WithLabelValues("fetch").Inc()
			slog.Warn("queue fetch failed", "slot", slot, "error", err)
			w.sleep(ctx)
			continue
		}
		if msg == nil {
			w.sleep(ctx)
			continue
		}
		w.Process(ctx, msg)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Process handles one delivery. It never returns an error: every outcome is
// either acknowledged or handed back to the queue for retry.
func (w *Worker) Process(ctx context.Context, msg *queue.Message) {
	dequeued := w.now()

	var payload models.CompilePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ProjectID == uuid.Nil {
		slog.Error("dropping undecodable compile message", "queue_job_id", msg.ID, "error", err)
		w.ack(ctx, msg)
		return
	}

	log := slog.With(
		"project_id", payload.ProjectID,
		"queue_job_id", msg.ID,
		"attempt", msg.RetryCount+1,
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing compile message", "error", r, "stack", string(debug.Stack()))
			w.finishFailed(ctx, log, msg, payload, fmt.Sprintf("internal error: %v", r), dequeued)
		}
	}()

	project, err := w.store.GetProject(ctx, payload.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("project no longer exists, dropping message")
		w.ack(ctx, msg)
		return
	}
	if err != nil {
		log.Error("loading project", "error", err)
		w.retry(ctx, msg, fmt.Sprintf("loading project: %v", err))
		return
	}
	if project.Status.IsTerminal() {
		log.Info("project already finished, acknowledging redelivery", "status", project.Status)
		w.ack(ctx, msg)
		return
	}

	if missing := w.missingInput(payload.Inputs); missing != "" {
		reason := fmt.Sprintf("cannot start compilation: input file not found: %s", missing)
		log.Warn("input file missing before compilation", "file", missing)
		w.finishFailed(ctx, log, msg, payload, reason, dequeued)
		return
	}

	switch err := w.store.UpdateProjectStatus(ctx, payload.ProjectID, models.StatusProcessing); {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidTransition):
		log.Info("project left the queueable states, acknowledging", "error", err)
		w.ack(ctx, msg)
		return
	case err != nil:
		log.Error("marking project processing", "error", err)
		w.retry(ctx, msg, fmt.Sprintf("marking processing: %v", err))
		return
	}

	w.appendLog(ctx, payload.ProjectID, StepCompilation, models.StepStarted, nil, map[string]any{
		"attempt": msg.RetryCount + 1,
		"markers": len(payload.Inputs),
		"engine":  w.engine.Name(),
	})
	log.Info("compilation started", "markers", len(payload.Inputs))

	storageDir := payload.StorageDir
	if storageDir == "" {
		storageDir = w.files.ProjectStorageDir(payload.ProjectID)
	}
	if _, err := w.files.CreateProjectStorage(payload.ProjectID); err != nil {
		w.finishFailed(ctx, log, msg, payload, err.Error(), dequeued)
		return
	}

	viewURL := models.ViewURL(w.cfg.ViewBaseURL, payload.ProjectID)
	job := compiler.Job{
		ProjectID:  payload.ProjectID,
		Markers:    payload.Inputs,
		ShapeType:  payload.ShapeType,
		StorageDir: storageDir,
		ViewURL:    viewURL,
		Config:     payload.Config,
	}

	w.metrics.CompilationsRunning.Inc()
	result, err := w.engine.Compile(ctx, job, func(s compiler.Step) {
		w.appendLogRaw(ctx, payload.ProjectID, s.Name, s.Status, s.DurationMs, s.Details)
	})
	w.metrics.CompilationsRunning.Dec()

	if err != nil && ctx.Err() != nil {
		if finalAttempt(msg) {
			log.Warn("worker stopping during the final attempt", "error", err)
			w.finishFailed(ctx, log, msg, payload, InterruptedMessage, dequeued)
			return
		}
		// Shutdown: leave the project in processing and let another worker
		// pick the message up again.
		log.Warn("worker stopping, releasing message", "error", err)
		w.retry(ctx, msg, "worker shutting down")
		return
	}
	if err != nil {
		log.Warn("compilation failed", "error", err)
		w.finishFailed(ctx, log, msg, payload, err.Error(), dequeued)
		return
	}

	w.finishReady(ctx, log, msg, payload, viewURL, result, dequeued)
}

func (w *Worker) finishReady(ctx context.Context, log *slog.Logger, msg *queue.Message, payload models.CompilePayload, viewURL string, result *models.CompilationResult, dequeued time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	elapsed := w.now().Sub(dequeued)
	ms := elapsed.Milliseconds()
	err := w.store.UpdateProjectStatus(ctx, payload.ProjectID, models.StatusReady,
		store.WithResult(viewURL, *result, ms))
	if !w.committed(ctx, log, msg, err) {
		return
	}

	w.appendLog(ctx, payload.ProjectID, StepCompilation, models.StepCompleted, &ms, nil)
	w.metrics.Compilations.WithLabelValues(string(models.StatusReady)).Inc()
	w.metrics.CompilationDuration.WithLabelValues(string(models.StatusReady)).Observe(elapsed.Seconds())
	log.Info("compilation completed", "duration_ms", ms, "view_url", viewURL)

	w.notifier.NotifyCompilationComplete(ctx, payload.ProjectID, viewURL, result.QRCodeURL)
	w.notifier.RequestEmailNotification(ctx, payload.ProjectID, payload.OwnerID, viewURL)
	w.ack(ctx, msg)
}

func (w *Worker) finishFailed(ctx context.Context, log *slog.Logger, msg *queue.Message, payload models.CompilePayload, reason string, dequeued time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	elapsed := w.now().Sub(dequeued)
	ms := elapsed.Milliseconds()
	err := w.store.UpdateProjectStatus(ctx, payload.ProjectID, models.StatusError,
		store.WithErrorMessage(reason))
	if !w.committed(ctx, log, msg, err) {
		return
	}

	w.appendLog(ctx, payload.ProjectID, StepCompilation, models.StepFailed, &ms, map[string]any{"error": reason})
	w.metrics.Compilations.WithLabelValues(string(models.StatusError)).Inc()
	w.metrics.CompilationDuration.WithLabelValues(string(models.StatusError)).Observe(elapsed.Seconds())

	w.notifier.NotifyCompilationFailed(ctx, payload.ProjectID, reason)
	w.ack(ctx, msg)
}

// committed reports whether the terminal write landed and the caller should
// notify and ack. A lost race to another worker is acked silently; any other
// failure hands the message back for redelivery.
func (w *Worker) committed(ctx context.Context, log *slog.Logger, msg *queue.Message, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
		log.Info("project already finished elsewhere, acknowledging", "error", err)
		w.ack(ctx, msg)
		return false
	default:
		// On the final attempt the row stays active until the stale sweep in
		// maintenance moves it to error.
		log.Error("terminal status write failed, releasing message", "error", err,
			"final_attempt", finalAttempt(msg))
		w.retry(ctx, msg, fmt.Sprintf("terminal write: %v", err))
		return false
	}
}

// finalAttempt reports whether the queue will dead-letter msg instead of
// redelivering it once it is released.
func finalAttempt(msg *queue.Message) bool {
	return msg.RetryCount >= msg.RetryLimit
}

func (w *Worker) missingInput(inputs []models.MarkerInput) string {
	for _, in := range inputs {
		for _, f := range []struct{ ref, path string }{
			{in.PhotoURL, in.PhotoPath},
			{in.VideoURL, in.VideoPath},
			{in.MaskURL, in.MaskPath},
		} {
			if f.path == "" && f.ref == "" {
				continue
			}
			if f.path == "" || !w.files.FileExists(f.path) {
				return f.ref
			}
		}
	}
	return ""
}

func (w *Worker) appendLog(ctx context.Context, id uuid.UUID, step, status string, durationMs *int64, details map[string]any) {
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	w.appendLogRaw(ctx, id, step, status, durationMs, raw)
}

// appendLogRaw writes a compilation log entry. Log writes are best effort and
// never fail the job.
func (w *Worker) appendLogRaw(ctx context.Context, id uuid.UUID, step, status string, durationMs *int64, details json.RawMessage) {
	entry := &models.CompilationLog{
		ProjectID:  id,
		Step:       step,
		Status:     status,
		DurationMs: durationMs,
		Details:    details,
	}
	if err := w.store.AppendCompilationLog(context.WithoutCancel(ctx), entry); err != nil {
		slog.Warn("appending compilation log", "project_id", id, "step", step, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, msg *queue.Message) {
	if err := w.queue.Complete(context.WithoutCancel(ctx), msg.ID); err != nil {
		w.metrics.QueueErrors.WithLabelValues("complete").Inc()
		slog.Warn("acknowledging queue message", "queue_job_id", msg.ID, "error", err)
	}
}

func (w *Worker) retry(ctx context.Context, msg *queue.Message, reason string) {
	if err := w.queue.Fail(context.WithoutCancel(ctx), msg.ID, reason); err != nil {
		w.metrics.QueueErrors.WithLabelValues("fail").Inc()
		slog.Warn("releasing queue message", "queue_job_id", msg.ID, "error", err)
	}
}
