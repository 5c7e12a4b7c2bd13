package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/photobooks/arservice/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a status update would break the
// project state machine, e.g. moving a ready project back to processing.
var ErrInvalidTransition = errors.New("invalid project status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	DeleteProject(ctx context.Context, id uuid.UUID) error
	SetQueueJobID(ctx context.Context, id uuid.UUID, queueJobID string) error
	UpdateProjectStatus(ctx context.Context, id uuid.UUID, status models.ProjectStatus, opts ...ProjectUpdateOption) error

	ListExpiredDemos(ctx context.Context, now time.Time, limit int) ([]*models.Project, error)
	ListUnqueuedPending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Project, error)
	ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Project, error)

	AppendCompilationLog(ctx context.Context, entry *models.CompilationLog) error
	ListCompilationLogs(ctx context.Context, projectID uuid.UUID) ([]*models.CompilationLog, error)
}

// validTransitions maps a target status to the statuses it may be entered from.
// processing -> processing covers a redelivered message restarting the job.
var validTransitions = map[models.ProjectStatus][]models.ProjectStatus{
	models.StatusProcessing: {models.StatusPending, models.StatusProcessing},
	models.StatusReady:      {models.StatusProcessing},
	models.StatusError:      {models.StatusPending, models.StatusProcessing},
}

// AllowedFrom returns the statuses a project may move to status from.
func AllowedFrom(status models.ProjectStatus) []models.ProjectStatus {
	return validTransitions[status]
}

type projectUpdateParams struct {
	ErrorMessage      *string
	Result            *models.CompilationResult
	ViewURL           *string
	CompilationTimeMs *int64
}

type ProjectUpdateOption func(*projectUpdateParams)

func WithErrorMessage(msg string) ProjectUpdateOption {
	return func(p *projectUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// WithResult attaches the compile artifacts written when a project becomes ready.
func WithResult(viewURL string, result models.CompilationResult, compilationTimeMs int64) ProjectUpdateOption {
	return func(p *projectUpdateParams) {
		p.ViewURL = &viewURL
		p.Result = &result
		p.CompilationTimeMs = &compilationTimeMs
	}
}
