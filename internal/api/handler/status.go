package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/photobooks/arservice/internal/api/response"
	"github.com/photobooks/arservice/internal/cache"
	"github.com/photobooks/arservice/internal/store"
	"github.com/photobooks/arservice/pkg/models"
)

// ProjectReader is the read side of the store used by status and viewer routes.
type ProjectReader interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListCompilationLogs(ctx context.Context, projectID uuid.UUID) ([]*models.CompilationLog, error)
}

// StatusView is the GET /status/{id} projection.
type StatusView struct {
	JobID             uuid.UUID            `json:"jobId"`
	Status            models.ProjectStatus `json:"status"`
	Progress          int                  `json:"progress"`
	MarkersCount      int                  `json:"markersCount"`
	ViewURL           *string              `json:"viewUrl,omitempty"`
	QRCodeURL         *string              `json:"qrCodeUrl,omitempty"`
	MarkerMindURL     *string              `json:"markerMindUrl,omitempty"`
	ViewerHTMLURL     *string              `json:"viewerHtmlUrl,omitempty"`
	PhotoURL          string               `json:"photoUrl,omitempty"`
	VideoURL          string               `json:"videoUrl,omitempty"`
	CompilationTimeMs *int64               `json:"compilationTimeMs,omitempty"`
	ErrorMessage      *string              `json:"errorMessage,omitempty"`
	IsDemo            bool                 `json:"isDemo"`
	ExpiresAt         *time.Time           `json:"expiresAt"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

// NewStatusView projects a project for polling clients.
func NewStatusView(p *models.Project) StatusView {
	v := StatusView{
		JobID:             p.ID,
		Status:            p.Status,
		Progress:          p.Status.Progress(),
		MarkersCount:      p.MarkersCount(),
		ViewURL:           p.ViewURL,
		QRCodeURL:         p.QRCodeURL,
		MarkerMindURL:     p.MarkerMindURL,
		ViewerHTMLURL:     p.ViewerHTMLURL,
		CompilationTimeMs: p.CompilationTimeMs,
		ErrorMessage:      p.ErrorMessage,
		IsDemo:            p.IsDemo,
		ExpiresAt:         p.ExpiresAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if len(p.Inputs) > 0 {
		v.PhotoURL = p.Inputs[0].PhotoURL
		v.VideoURL = p.Inputs[0].VideoURL
	}
	return v
}

// parseID reads the {id} URL param. Malformed ids are reported as not found.
func parseID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// NewStatusHandler returns an http.HandlerFunc for GET /status/{id}.
// Terminal projections are cached since they never change.
func NewStatusHandler(st ProjectReader, c cache.Cache, cacheTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(r)
		if !ok {
			response.NotFound(w)
			return
		}

		if cached, found, err := c.GetProjectStatus(r.Context(), id); err == nil && found {
			response.RawJSON(w, http.StatusOK, cached)
			return
		} else if err != nil {
			slog.Warn("status cache read failed", "project_id", id, "error", err)
		}

		p, err := st.GetProject(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(w)
			return
		}
		if err != nil {
			response.ServerError(w, err)
			return
		}

		body, err := json.Marshal(NewStatusView(p))
		if err != nil {
			response.ServerError(w, err)
			return
		}
		if p.Status.IsTerminal() {
			if err := c.SetProjectStatus(r.Context(), id, body, cacheTTL); err != nil {
				slog.Warn("status cache write failed", "project_id", id, "error", err)
			}
		}
		response.RawJSON(w, http.StatusOK, body)
	}
}

type logsView struct {
	JobID uuid.UUID                `json:"jobId"`
	Logs  []*models.CompilationLog `json:"logs"`
}

// NewLogsHandler returns an http.HandlerFunc for GET /status/{id}/logs.
// An unknown project has no logs, which is not an error.
func NewLogsHandler(st ProjectReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(r)
		if !ok {
			response.NotFound(w)
			return
		}

		logs, err := st.ListCompilationLogs(r.Context(), id)
		if err != nil {
			response.ServerError(w, err)
			return
		}
		if logs == nil {
			logs = []*models.CompilationLog{}
		}
		response.JSON(w, logsView{JobID: id, Logs: logs})
	}
}
