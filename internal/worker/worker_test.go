package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/photobooks/arservice/internal/compiler"
	"github.com/photobooks/arservice/internal/compiler/mock"
	"github.com/photobooks/arservice/internal/files"
	"github.com/photobooks/arservice/internal/metrics"
	"github.com/photobooks/arservice/internal/queue"
	"github.com/photobooks/arservice/internal/store"
	"github.com/photobooks/arservice/internal/worker"
	"github.com/photobooks/arservice/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queueName = "ar-compile"

var sendOpts = queue.SendOptions{RetryLimit: 3, RetryDelay: 0, ExpireIn: 10 * time.Minute}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []uuid.UUID
	failed    map[uuid.UUID]string
	emails    []uuid.UUID
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{failed: make(map[uuid.UUID]string)}
}

func (n *recordingNotifier) NotifyCompilationComplete(_ context.Context, id uuid.UUID, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, id)
}

func (n *recordingNotifier) NotifyCompilationFailed(_ context.Context, id uuid.UUID, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[id] = msg
}

func (n *recordingNotifier) RequestEmailNotification(_ context.Context, id uuid.UUID, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, id)
}

func (n *recordingNotifier) counts() (completed, failed, emails int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completed), len(n.failed), len(n.emails)
}

// flakyStore fails terminal writes while failTerminal is set.
type flakyStore struct {
	*store.MemoryStore
	failTerminal atomic.Bool
}

func (s *flakyStore) UpdateProjectStatus(ctx context.Context, id uuid.UUID, status models.ProjectStatus, opts ...store.ProjectUpdateOption) error {
	if status.IsTerminal() && s.failTerminal.Load() {
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.UpdateProjectStatus(ctx, id, status, opts...)
}

type harness struct {
	store    *flakyStore
	queue    *queue.MemoryQueue
	notifier *recordingNotifier
	files    *files.Manager
	metrics  *metrics.Metrics
	calls    atomic.Int32
}

func newHarness(t *testing.T, engine compiler.Engine) (*worker.Worker, *harness) {
	t.Helper()
	fm, err := files.NewManager(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store:    &flakyStore{MemoryStore: store.NewMemoryStore()},
		queue:    queue.NewMemoryQueue(),
		notifier: newRecordingNotifier(),
		files:    fm,
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	counting := &mock.MockEngine{
		Name_: engine.Name(),
		CompileFunc: func(ctx context.Context, job compiler.Job, onStep compiler.StepFunc) (*models.CompilationResult, error) {
			h.calls.Add(1)
			return engine.Compile(ctx, job, onStep)
		},
	}
	w := worker.New(h.store, h.queue, counting, h.notifier, fm, h.metrics, worker.Config{
		QueueName:    queueName,
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		ViewBaseURL:  "https://ar.example.com",
	})
	return w, h
}

// seed creates upload files, a pending project and its queue message.
func (h *harness) seed(t *testing.T, markers int) (*models.Project, string) {
	t.Helper()
	ctx := context.Background()

	id := uuid.New()
	inputs := make([]models.MarkerInput, markers)
	for i := range inputs {
		photo := filepath.Join(h.files.UploadsRoot(), id.String()+"-p"+string(rune('0'+i))+".jpg")
		video := filepath.Join(h.files.UploadsRoot(), id.String()+"-v"+string(rune('0'+i))+".mp4")
		require.NoError(t, os.WriteFile(photo, []byte("jpg"), 0o644))
		require.NoError(t, os.WriteFile(video, []byte("mp4"), 0o644))
		inputs[i] = models.MarkerInput{
			PhotoURL: files.UploadsURLPrefix + filepath.Base(photo), PhotoPath: photo,
			VideoURL: files.UploadsURLPrefix + filepath.Base(video), VideoPath: video,
		}
	}
	dir, err := h.files.CreateProjectStorage(id)
	require.NoError(t, err)

	p := &models.Project{ID: id, OwnerID: "user-1", Inputs: inputs, Status: models.StatusPending}
	require.NoError(t, h.store.CreateProject(ctx, p))

	body, err := json.Marshal(models.NewCompilePayload(p, dir))
	require.NoError(t, err)
	msgID, err := h.queue.Send(ctx, queueName, body, sendOpts)
	require.NoError(t, err)
	require.NoError(t, h.store.SetQueueJobID(ctx, id, msgID))
	return p, msgID
}

func (h *harness) fetch(t *testing.T) *queue.Message {
	t.Helper()
	msg, err := h.queue.Fetch(context.Background(), queueName)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func (h *harness) project(t *testing.T, id uuid.UUID) *models.Project {
	t.Helper()
	p, err := h.store.GetProject(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestProcess_HappyPath(t *testing.T) {
	w, h := newHarness(t, mock.NewMockEngine())
	p, msgID := h.seed(t, 2)

	w.Process(context.Background(), h.fetch(t))

	got := h.project(t, p.ID)
	assert.Equal(t, models.StatusReady, got.Status)
	require.NotNil(t, got.ViewURL)
	assert.Equal(t, "https://ar.example.com/ar/view/"+p.ID.String(), *got.ViewURL)
	assert.NotNil(t, got.QRCodeURL)
	assert.NotNil(t, got.MarkerMindURL)
	assert.NotNil(t, got.ViewerHTMLURL)
	require.NotNil(t, got.CompilationTimeMs)
	assert.GreaterOrEqual(t, *got.CompilationTimeMs, int64(0))
	assert.Nil(t, got.ErrorMessage)

	assert.Equal(t, "completed", h.queue.State(msgID))

	completed, failed, emails := h.notifier.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, emails)

	logs, err := h.store.ListCompilationLogs(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, logs, 6)
	assert.Equal(t, worker.StepCompilation, logs[0].Step)
	assert.Equal(t, models.StepStarted, logs[0].Status)
	assert.Equal(t, compiler.StepMediaPreparation, logs[1].Step)
	assert.Equal(t, worker.StepCompilation, logs[5].Step)
	assert.Equal(t, models.StepCompleted, logs[5].Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Compilations.WithLabelValues("ready")))
}

func TestProcess_EngineFailure(t *testing.T) {
	w, h := newHarness(t, mock.NewFailingEngine(errors.New("photo has too few feature points")))
	p, msgID := h.seed(t, 1)

	w.Process(context.Background(), h.fetch(t))

	got := h.project(t, p.ID)
	assert.Equal(t, models.StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "too few feature points")
	assert.Nil(t, got.ViewURL)

	assert.Equal(t, "completed", h.queue.State(msgID), "failures are terminal, not retried")

	completed, failed, emails := h.notifier.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, emails)

	logs, err := h.store.ListCompilationLogs(context.Background(), p.ID)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, worker.StepCompilation, last.Step)
	assert.Equal(t, models.StepFailed, last.Status)
}

func TestProcess_EnginePanicBecomesError(t *testing.T) {
	w, h := newHarness(t, compiler.NewIsolated(mock.NewPanickingEngine("nil map"), 1, time.Second))
	p, msgID := h.seed(t, 1)

	assert.NotPanics(t, func() { w.Process(context.Background(), h.fetch(t)) })

	got := h.project(t, p.ID)
	assert.Equal(t, models.StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "panicked")
	assert.Equal(t, "completed", h.queue.State(msgID))
}

func TestProcess_EngineTimeoutBecomesError(t *testing.T) {
	w, h := newHarness(t, compiler.NewIsolated(mock.NewBlockingEngine(), 1, 30*time.Millisecond))
	p, _ := h.seed(t, 1)

	w.Process(context.Background(), h.fetch(t))

	got := h.project(t, p.ID)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Contains(t, *got.ErrorMessage, "timed out")
}

func TestProcess_MissingInputFailsBeforeCompiling(t *testing.T) {
	w, h := newHarness(t, mock.NewMockEngine())
	p, msgID := h.seed(t, 1)
	require.NoError(t, os.Remove(p.Inputs[0].VideoPath))

	w.Process(context.Background(), h.fetch(t))

	got := h.project(t, p.ID)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Contains(t, *got.ErrorMessage, "cannot start compilation")
	assert.Contains(t, *got.ErrorMessage, p.Inputs[0].VideoURL)
	assert.Equal(t, int32(0), h.calls.Load())
	assert.Equal(t, "completed", h.queue.State(msgID))

	_, failed, _ := h.notifier.counts()
	assert.Equal(t, 1, failed)
}

func TestProcess_RedeliveryOfFinishedProjectIsNoop(t *testing.T) {
	w, h := newHarness(t, mock.NewMockEngine())
	p, _ := h.seed(t, 1)
	ctx := context.Background()

	w.Process(ctx, h.fetch(t))
	require.Equal(t, models.StatusReady, h.project(t, p.ID).Status)
	before := h.project(t, p.ID)

	// A duplicate delivery of the same payload.
	body, err := json.Marshal(models.NewCompilePayload(p, h.files.ProjectStorageDir(p.ID)))
	require.NoError(t, err)
	dupID, err := h.queue.Send(ctx, queueName, body, sendOpts)
	require.NoError(t, err)

	w.Process(ctx, h.fetch(t))

	after := h.project(t, p.ID)
	assert.Equal(t, models.StatusReady, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, "completed", h.queue.State(dupID))

	completed, _, emails := h.notifier.counts()
	assert.Equal(t, 1, completed, "no second webhook for a redelivery")
	assert.Equal(t, 1, emails)
}

func TestProcess_RedeliveryWhileProcessingRestarts(t *testing.T) {
	w, h := newHarness(t, mock.NewMockEngine())
	p, _ := h.seed(t, 1)
	ctx := context.Background()

	// A previous worker died after marking the project processing.
	require.NoError(t, h.store.UpdateProjectStatus(ctx, p.ID, models.StatusProcessing))

	w.Process(ctx, h.fetch(t))

	assert.Equal(t, models.StatusReady, h.project(t, p.ID).Status)
}

func TestProcess_UnknownProjectIsAcked(t *testing.T) {
	w, h := newHarness(t, mock.NewMockEngine())
	body, err := json.Marshal(models.CompilePayload{ProjectID: uuid.New()})
	require.NoError(t, err)
	msgID, err := h.queue.Send(context.Background(), queueName, body, sendOpts)
	require.NoError(t, err)

	w.Process(context.Background(), h.fetch(t))

	assert.Equal(t, "completed", h.queue.State(msgID))
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestProcess_UndecodablePayloadIsAcked(t *testing.T) {
	w, h := newHarness(t, mock.NewMockEngine())
	msgID, err := h.queue.Send(context.Background(), queueName, []byte("{not json"), sendOpts)
	require.NoError(t, err)

	w.Process(context.Background(), h.fetch(t))

	assert.Equal(t, "completed", h.queue.State(msgID))
}

func TestProcess_TerminalWriteFailureIsRetried(t *testing.T) {
	w, h := newHarness(t, mock.NewMockEngine())
	p, msgID := h.seed(t, 1)
	h.store.failTerminal.Store(true)

	w.Process(context.Background(), h.fetch(t))

	assert.Equal(t, models.StatusProcessing, h.project(t, p.ID).Status)
	assert.Equal(t, "retry", h.queue.State(msgID))
	completed, failed, _ := h.notifier.counts()
	assert.Equal(t, 0, completed, "no webhook without a durable terminal state")
	assert.Equal(t, 0, failed)

	// The redelivery succeeds once the store recovers.
	h.store.failTerminal.Store(false)
	w.Process(context.Background(), h.fetch(t))

	assert.Equal(t, models.StatusReady, h.project(t, p.ID).Status)
	assert.Equal(t, "completed", h.queue.State(msgID))
	completed, _, _ = h.notifier.counts()
	assert.Equal(t, 1, completed)
}

func TestProcess_ShutdownReleasesMessage(t *testing.T) {
	w, h := newHarness(t, compiler.NewIsolated(mock.NewBlockingEngine(), 1, time.Minute))
	p, msgID := h.seed(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	w.Process(ctx, h.fetch(t))

	assert.Equal(t, models.StatusProcessing, h.project(t, p.ID).Status)
	assert.Equal(t, "retry", h.queue.State(msgID))
	completed, failed, _ := h.notifier.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, failed)
}

func TestProcess_ShutdownOnFinalAttemptRecordsError(t *testing.T) {
	w, h := newHarness(t, compiler.NewIsolated(mock.NewBlockingEngine(), 1, time.Minute))
	p, msgID := h.seed(t, 1)

	for range sendOpts.RetryLimit {
		require.NoError(t, h.queue.Fail(context.Background(), h.fetch(t).ID, "worker shutting down"))
	}
	msg := h.fetch(t)
	require.Equal(t, msg.RetryLimit, msg.RetryCount)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	w.Process(ctx, msg)

	got := h.project(t, p.ID)
	assert.Equal(t, models.StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, worker.InterruptedMessage, *got.ErrorMessage)
	assert.Equal(t, "completed", h.queue.State(msgID))

	completed, failed, _ := h.notifier.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
}

func TestRun_DrainsQueue(t *testing.T) {
	w, h := newHarness(t, mock.NewMockEngine())
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		p, _ := h.seed(t, 1)
		ids = append(ids, p.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			p, err := h.store.GetProject(context.Background(), id)
			if err != nil || p.Status != models.StatusReady {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, int32(5), h.calls.Load())
}
