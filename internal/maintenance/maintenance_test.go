package maintenance_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/photobooks/arservice/internal/cache"
	"github.com/photobooks/arservice/internal/files"
	"github.com/photobooks/arservice/internal/maintenance"
	"github.com/photobooks/arservice/internal/metrics"
	"github.com/photobooks/arservice/internal/queue"
	"github.com/photobooks/arservice/internal/store"
	"github.com/photobooks/arservice/internal/webhook"
	"github.com/photobooks/arservice/internal/worker"
	"github.com/photobooks/arservice/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queueName = "ar-compile"

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type purgingQueue struct {
	*queue.MemoryQueue
	days int
	n    int64
	err  error
}

func (q *purgingQueue) Purge(_ context.Context, olderThanDays int) (int64, error) {
	q.days = olderThanDays
	return q.n, q.err
}

// failureNotifier records failed-compilation webhooks and ignores the rest.
type failureNotifier struct {
	webhook.NoopNotifier
	mu     sync.Mutex
	failed map[uuid.UUID][]string
}

func (n *failureNotifier) NotifyCompilationFailed(_ context.Context, id uuid.UUID, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[id] = append(n.failed[id], msg)
}

func (n *failureNotifier) sent(id uuid.UUID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failed[id]
}

type fixture struct {
	store    *store.MemoryStore
	queue    queue.Queue
	mem      *queue.MemoryQueue
	cache    *cache.MemoryCache
	files    *files.Manager
	notifier *failureNotifier
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, q queue.Queue) (*maintenance.Maintenance, *fixture) {
	t.Helper()
	fm, err := files.NewManager(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:    store.NewMemoryStore(),
		cache:    cache.NewMemoryCache(),
		files:    fm,
		notifier: &failureNotifier{failed: make(map[uuid.UUID][]string)},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.mem = queue.NewMemoryQueue()
	f.queue = f.mem
	if q != nil {
		f.queue = q
	}

	m := maintenance.New(f.store, f.queue, f.cache, fm, f.notifier, f.metrics, maintenance.Config{
		DemoCleanupSchedule: "0 */6 * * *",
		ReconcileInterval:   time.Minute,
		ReconcileAfter:      10 * time.Minute,
		QueuePurgeSchedule:  "30 3 * * *",
		QueueRetentionDays:  7,
		QueueName:           queueName,
		Send:                queue.SendOptions{RetryLimit: 3, RetryDelay: time.Minute, ExpireIn: 10 * time.Minute},
		BatchSize:           2,
	})
	m.SetClock(func() time.Time { return now })
	return m, f
}

func (f *fixture) project(t *testing.T, mutate func(*models.Project)) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:        uuid.New(),
		OwnerID:   "u1",
		Inputs:    []models.MarkerInput{{PhotoURL: "p1.jpg", VideoURL: "v1.mp4"}},
		Status:    models.StatusPending,
		CreatedAt: now.Add(-time.Hour),
	}
	mutate(p)
	require.NoError(t, f.store.CreateProject(context.Background(), p))
	return p
}

func (f *fixture) exists(id uuid.UUID) bool {
	_, err := f.store.GetProject(context.Background(), id)
	return err == nil
}

func TestCleanupDemos_DeletesOnlyExpired(t *testing.T) {
	m, f := newFixture(t, nil)
	ctx := context.Background()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	var expired []*models.Project
	for i := 0; i < 5; i++ {
		p := f.project(t, func(p *models.Project) {
			p.IsDemo = true
			p.ExpiresAt = &past
			p.Status = models.StatusReady
		})
		dir, err := f.files.CreateProjectStorage(p.ID)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("x"), 0o644))
		require.NoError(t, f.cache.SetProjectStatus(ctx, p.ID, []byte(`{}`), time.Hour))
		expired = append(expired, p)
	}
	live := f.project(t, func(p *models.Project) {
		p.IsDemo = true
		p.ExpiresAt = &future
	})
	regular := f.project(t, func(p *models.Project) { p.ExpiresAt = &past })

	n, err := m.CleanupDemos(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n, "batches until the backlog is empty")

	for _, p := range expired {
		assert.False(t, f.exists(p.ID))
		assert.NoDirExists(t, f.files.ProjectStorageDir(p.ID))
		_, found, err := f.cache.GetProjectStatus(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.True(t, f.exists(live.ID))
	assert.True(t, f.exists(regular.ID))
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.MaintenanceRuns.WithLabelValues(maintenance.TaskDemoCleanup, "ok")))
}

func TestReconcile_RequeuesOrphans(t *testing.T) {
	m, f := newFixture(t, nil)
	ctx := context.Background()

	orphan := f.project(t, func(*models.Project) {})
	fresh := f.project(t, func(p *models.Project) { p.CreatedAt = now.Add(-time.Minute) })
	queued := f.project(t, func(p *models.Project) {
		id := "already-queued"
		p.QueueJobID = &id
	})

	n, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.store.GetProject(ctx, orphan.ID)
	require.NoError(t, err)
	require.NotNil(t, got.QueueJobID)
	assert.Equal(t, "created", f.mem.State(*got.QueueJobID))
	assert.DirExists(t, f.files.ProjectStorageDir(orphan.ID))

	msg, err := f.mem.Fetch(ctx, queueName)
	require.NoError(t, err)
	require.NotNil(t, msg)
	var payload models.CompilePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, orphan.ID, payload.ProjectID)
	assert.Equal(t, f.files.ProjectStorageDir(orphan.ID), payload.StorageDir)

	for _, p := range []*models.Project{fresh, queued} {
		got, err := f.store.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.QueueJobID, got.QueueJobID)
	}

	// A second sweep finds nothing left to do.
	n, err = m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingSendQueue struct {
	*queue.MemoryQueue
}

func (failingSendQueue) Send(context.Context, string, []byte, queue.SendOptions) (string, error) {
	return "", errors.New("queue unavailable")
}

func TestReconcile_StopsOnQueueFailure(t *testing.T) {
	m, f := newFixture(t, failingSendQueue{queue.NewMemoryQueue()})
	orphan := f.project(t, func(*models.Project) {})

	_, err := m.Reconcile(context.Background())
	require.Error(t, err)

	got, err := f.store.GetProject(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Nil(t, got.QueueJobID)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestStaleAfter(t *testing.T) {
	opts := queue.SendOptions{RetryLimit: 3, RetryDelay: time.Minute, ExpireIn: 10 * time.Minute}
	assert.Equal(t, 43*time.Minute, maintenance.StaleAfter(opts))
	assert.Equal(t, 10*time.Minute, maintenance.StaleAfter(queue.SendOptions{ExpireIn: 10 * time.Minute}))
}

func TestFailStale_FailsProjectsPastEveryDelivery(t *testing.T) {
	m, f := newFixture(t, nil)
	ctx := context.Background()

	// Every delivery of the queue message has been spent 43 minutes after
	// the last update.
	stuck := f.project(t, func(p *models.Project) {
		p.Status = models.StatusProcessing
		p.UpdatedAt = now.Add(-44 * time.Minute)
	})
	lost := f.project(t, func(p *models.Project) {
		p.Status = models.StatusProcessing
		p.UpdatedAt = now.Add(-3 * time.Hour)
	})
	running := f.project(t, func(p *models.Project) {
		p.Status = models.StatusProcessing
		p.UpdatedAt = now.Add(-20 * time.Minute)
	})
	backlogged := f.project(t, func(p *models.Project) {
		id := "waiting"
		p.QueueJobID = &id
		p.UpdatedAt = now.Add(-time.Hour)
	})
	require.NoError(t, f.cache.SetProjectStatus(ctx, stuck.ID, []byte(`{}`), time.Hour))

	n, err := m.FailStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, p := range []*models.Project{stuck, lost} {
		got, err := f.store.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, worker.InterruptedMessage, *got.ErrorMessage)
		assert.Equal(t, []string{worker.InterruptedMessage}, f.notifier.sent(p.ID))

		logs, err := f.store.ListCompilationLogs(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, worker.StepCompilation, logs[0].Step)
		assert.Equal(t, models.StepFailed, logs[0].Status)
	}
	_, ok, err := f.cache.GetProjectStatus(ctx, stuck.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, p := range []*models.Project{running, backlogged} {
		got, err := f.store.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Status, got.Status)
		assert.Empty(t, f.notifier.sent(p.ID))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MaintenanceRuns.WithLabelValues(maintenance.TaskStaleSweep, "ok")))

	// The failed webhook fires once: the rows are terminal now.
	n, err = m.FailStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.notifier.sent(stuck.ID), 1)
}

func TestPurgeQueue(t *testing.T) {
	pq := &purgingQueue{MemoryQueue: queue.NewMemoryQueue(), n: 12}
	m, f := newFixture(t, pq)

	n, err := m.PurgeQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.Equal(t, 7, pq.days)
	assert.Equal(t, 12.0, testutil.ToFloat64(f.metrics.MaintenanceRuns.WithLabelValues(maintenance.TaskQueuePurge, "ok")))
}

func TestPurgeQueue_NoopWithoutPurger(t *testing.T) {
	m, _ := newFixture(t, nil)

	n, err := m.PurgeQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_StopsOnCancel(t *testing.T) {
	m, _ := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_InvalidSchedule(t *testing.T) {
	fm, err := files.NewManager(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	m := maintenance.New(store.NewMemoryStore(), queue.NewMemoryQueue(), cache.NewMemoryCache(), fm,
		webhook.NoopNotifier{}, metrics.New(prometheus.NewRegistry()), maintenance.Config{
			DemoCleanupSchedule: "every six hours",
			ReconcileInterval:   time.Minute,
		})

	err = m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "demo_cleanup")
}
