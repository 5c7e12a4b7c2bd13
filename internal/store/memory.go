package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/photobooks/arservice/pkg/models"
)

// MemoryStore is an in-process Store with the same transition rules as
// PostgresStore. It backs tests and single-process development runs.
type MemoryStore struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*models.Project
	logs     map[uuid.UUID][]*models.CompilationLog
	nextLog  int64
	pingErr  error
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[uuid.UUID]*models.Project),
		logs:     make(map[uuid.UUID][]*models.CompilationLog),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetPingError makes Ping fail, for health check tests.
func (s *MemoryStore) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *MemoryStore) CreateProject(_ context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[p.ID]; ok {
		return ErrDuplicateKey
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	if len(p.Config) == 0 {
		p.Config = json.RawMessage(`{}`)
	}
	s.projects[p.ID] = cloneProject(p)
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProject(p), nil
}

func (s *MemoryStore) DeleteProject(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	delete(s.logs, id)
	return nil
}

func (s *MemoryStore) SetQueueJobID(_ context.Context, id uuid.UUID, queueJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.QueueJobID = &queueJobID
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpdateProjectStatus(_ context.Context, id uuid.UUID, status models.ProjectStatus, opts ...ProjectUpdateOption) error {
	allowed := validTransitions[status]
	if len(allowed) == 0 {
		return fmt.Errorf("%w: cannot enter %s", ErrInvalidTransition, status)
	}
	params := &projectUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	if status == models.StatusReady && params.Result == nil {
		return fmt.Errorf("update project status: ready requires a compilation result")
	}
	if status == models.StatusError && params.ErrorMessage == nil {
		return fmt.Errorf("update project status: error requires a message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(allowed, p.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, status)
	}

	now := s.now()
	p.Status = status
	p.UpdatedAt = now
	switch status {
	case models.StatusProcessing:
		p.StartedAt = &now
		p.FinishedAt = nil
		p.ViewURL, p.QRCodeURL, p.MarkerMindURL, p.ViewerHTMLURL = nil, nil, nil, nil
		p.CompilationTimeMs = nil
		p.ErrorMessage = nil
	case models.StatusReady:
		viewURL := *params.ViewURL
		qr := params.Result.QRCodeURL
		marker := params.Result.MarkerMindURL
		viewer := params.Result.ViewerHTMLURL
		ms := *params.CompilationTimeMs
		p.ViewURL, p.QRCodeURL, p.MarkerMindURL, p.ViewerHTMLURL = &viewURL, &qr, &marker, &viewer
		p.CompilationTimeMs = &ms
		p.ErrorMessage = nil
		p.FinishedAt = &now
	case models.StatusError:
		msg := *params.ErrorMessage
		p.ErrorMessage = &msg
		p.FinishedAt = &now
	}
	return nil
}

func (s *MemoryStore) ListExpiredDemos(_ context.Context, now time.Time, limit int) ([]*models.Project, error) {
	return s.filter(limit, func(p *models.Project) bool {
		return p.IsDemo && p.ExpiresAt != nil && p.ExpiresAt.Before(now)
	}), nil
}

func (s *MemoryStore) ListUnqueuedPending(_ context.Context, createdBefore time.Time, limit int) ([]*models.Project, error) {
	return s.filter(limit, func(p *models.Project) bool {
		return p.Status == models.StatusPending && p.QueueJobID == nil && p.CreatedAt.Before(createdBefore)
	}), nil
}

func (s *MemoryStore) ListStaleProcessing(_ context.Context, updatedBefore time.Time, limit int) ([]*models.Project, error) {
	return s.filter(limit, func(p *models.Project) bool {
		return p.Status == models.StatusProcessing && p.UpdatedAt.Before(updatedBefore)
	}), nil
}

func (s *MemoryStore) filter(limit int, match func(*models.Project) bool) []*models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.Project{}
	for _, p := range s.projects {
		if match(p) {
			out = append(out, cloneProject(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) AppendCompilationLog(_ context.Context, entry *models.CompilationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[entry.ProjectID]; !ok {
		return fmt.Errorf("append compilation log: project %s: %w", entry.ProjectID, ErrNotFound)
	}
	s.nextLog++
	entry.ID = s.nextLog
	entry.CreatedAt = s.now()
	if len(entry.Details) == 0 {
		entry.Details = json.RawMessage(`{}`)
	}
	stored := *entry
	s.logs[entry.ProjectID] = append(s.logs[entry.ProjectID], &stored)
	return nil
}

func (s *MemoryStore) ListCompilationLogs(_ context.Context, projectID uuid.UUID) ([]*models.CompilationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.CompilationLog, 0, len(s.logs[projectID]))
	for _, l := range s.logs[projectID] {
		c := *l
		out = append(out, &c)
	}
	return out, nil
}

func cloneProject(p *models.Project) *models.Project {
	c := *p
	c.Inputs = slices.Clone(p.Inputs)
	c.Config = slices.Clone(p.Config)
	return &c
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
