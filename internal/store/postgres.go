package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/photobooks/arservice/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

const projectColumns = `id, owner_id, order_id, inputs, status, config, shape_type, is_demo, expires_at,
	queue_job_id, view_url, qr_code_url, marker_mind_url, viewer_html_url, compilation_time_ms,
	error_message, compilation_started_at, compilation_finished_at, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	var status string
	err := row.Scan(&p.ID, &p.OwnerID, &p.OrderID, &p.Inputs, &status, &p.Config, &p.ShapeType,
		&p.IsDemo, &p.ExpiresAt, &p.QueueJobID, &p.ViewURL, &p.QRCodeURL, &p.MarkerMindURL,
		&p.ViewerHTMLURL, &p.CompilationTimeMs, &p.ErrorMessage, &p.StartedAt, &p.FinishedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = models.ProjectStatus(status)
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	cfg := p.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ar_projects (id, owner_id, order_id, inputs, status, config, shape_type, is_demo, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.OwnerID, p.OrderID, p.Inputs, string(p.Status), cfg, p.ShapeType, p.IsDemo,
		p.ExpiresAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM ar_projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// DeleteProject removes a project; its compilation logs cascade.
func (s *PostgresStore) DeleteProject(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ar_projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetQueueJobID(ctx context.Context, id uuid.UUID, queueJobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ar_projects SET queue_job_id = $2, updated_at = NOW() WHERE id = $1`, id, queueJobID)
	if err != nil {
		return fmt.Errorf("set queue job id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectStatus moves a project to status. The transition is checked in
// the UPDATE itself so a concurrent writer can never regress a terminal row.
func (s *PostgresStore) UpdateProjectStatus(ctx context.Context, id uuid.UUID, status models.ProjectStatus, opts ...ProjectUpdateOption) error {
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

	now := time.Now().UTC()
	query := `UPDATE ar_projects SET status = $2, updated_at = $3`
	args := []any{id, string(status), now}
	argIdx := 4

	switch status {
	case models.StatusProcessing:
		// Restarting after redelivery starts from a clean slate.
		query += fmt.Sprintf(`, compilation_started_at = $%d, compilation_finished_at = NULL,
			view_url = NULL, qr_code_url = NULL, marker_mind_url = NULL, viewer_html_url = NULL,
			compilation_time_ms = NULL, error_message = NULL`, argIdx)
		args = append(args, now)
		argIdx++
	case models.StatusReady:
		query += fmt.Sprintf(`, view_url = $%d, qr_code_url = $%d, marker_mind_url = $%d,
			viewer_html_url = $%d, compilation_time_ms = $%d, compilation_finished_at = $%d,
			error_message = NULL`, argIdx, argIdx+1, argIdx+2, argIdx+3, argIdx+4, argIdx+5)
		args = append(args, *params.ViewURL, params.Result.QRCodeURL, params.Result.MarkerMindURL,
			params.Result.ViewerHTMLURL, *params.CompilationTimeMs, now)
		argIdx += 6
	case models.StatusError:
		query += fmt.Sprintf(`, error_message = $%d, compilation_finished_at = $%d`, argIdx, argIdx+1)
		args = append(args, *params.ErrorMessage, now)
		argIdx += 2
	}

	from := make([]string, len(allowed))
	for i, a := range allowed {
		from[i] = string(a)
	}
	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, from)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM ar_projects WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get project status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func (s *PostgresStore) ListExpiredDemos(ctx context.Context, now time.Time, limit int) ([]*models.Project, error) {
	return s.listProjects(ctx,
		`SELECT `+projectColumns+` FROM ar_projects
		 WHERE is_demo AND expires_at IS NOT NULL AND expires_at < $1
		 ORDER BY expires_at LIMIT $2`, now, normalizeLimit(limit))
}

// ListUnqueuedPending finds pending projects whose enqueue never completed.
func (s *PostgresStore) ListUnqueuedPending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Project, error) {
	return s.listProjects(ctx,
		`SELECT `+projectColumns+` FROM ar_projects
		 WHERE status = 'pending' AND queue_job_id IS NULL AND created_at < $1
		 ORDER BY created_at LIMIT $2`, createdBefore, normalizeLimit(limit))
}

// ListStaleProcessing finds processing projects that have not moved since
// updatedBefore.
func (s *PostgresStore) ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Project, error) {
	return s.listProjects(ctx,
		`SELECT `+projectColumns+` FROM ar_projects
		 WHERE status = 'processing' AND updated_at < $1
		 ORDER BY updated_at LIMIT $2`, updatedBefore, normalizeLimit(limit))
}

func (s *PostgresStore) listProjects(ctx context.Context, query string, args ...any) ([]*models.Project, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []*models.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// --- Compilation Logs ---

func (s *PostgresStore) AppendCompilationLog(ctx context.Context, entry *models.CompilationLog) error {
	details := entry.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ar_compilation_logs (project_id, step, status, duration_ms, details)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		entry.ProjectID, entry.Step, entry.Status, entry.DurationMs, details,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append compilation log: %w", err)
	}
	entry.Details = details
	return nil
}

func (s *PostgresStore) ListCompilationLogs(ctx context.Context, projectID uuid.UUID) ([]*models.CompilationLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, step, status, duration_ms, details, created_at
		 FROM ar_compilation_logs WHERE project_id = $1 ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list compilation logs: %w", err)
	}
	defer rows.Close()

	logs := []*models.CompilationLog{}
	for rows.Next() {
		var l models.CompilationLog
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Step, &l.Status, &l.DurationMs,
			&l.Details, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan compilation log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
