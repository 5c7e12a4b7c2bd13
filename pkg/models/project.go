// Package models contains shared data models used across the AR service.
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProjectStatus is the lifecycle state of a compilation job.
type ProjectStatus string

const (
	StatusPending    ProjectStatus = "pending"
	StatusProcessing ProjectStatus = "processing"
	StatusReady      ProjectStatus = "ready"
	StatusError      ProjectStatus = "error"
)

// IsTerminal reports whether no further transitions can occur.
func (s ProjectStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusError
}

// Progress maps a status to the percentage shown to polling clients.
func (s ProjectStatus) Progress() int {
	switch s {
	case StatusProcessing:
		return 50
	case StatusReady:
		return 100
	default:
		return 0
	}
}

// MaxMarkers is the upper bound of photo/video pairs per project.
const MaxMarkers = 10

// DemoTTL is how long a demo project lives before cleanup.
const DemoTTL = 24 * time.Hour

// MarkerInput is one photo+video(+mask) pair. URLs are kept as the client sent
// them; paths are the resolved absolute locations on shared storage.
type MarkerInput struct {
	PhotoURL  string `json:"photoUrl"`
	VideoURL  string `json:"videoUrl"`
	MaskURL   string `json:"maskUrl,omitempty"`
	PhotoPath string `json:"photoPath"`
	VideoPath string `json:"videoPath"`
	MaskPath  string `json:"maskPath,omitempty"`
}

// Project is a single AR compilation request tracked end-to-end by ID.
// The client polls GET /status/{id} until Status is ready or error.
type Project struct {
	ID                uuid.UUID       `db:"id"                      json:"id"`
	OwnerID           string          `db:"owner_id"                json:"ownerId"`
	OrderID           *string         `db:"order_id"                json:"orderId,omitempty"`
	Inputs            []MarkerInput   `db:"inputs"                  json:"inputs"`
	Status            ProjectStatus   `db:"status"                  json:"status"`
	Config            json.RawMessage `db:"config"                  json:"config"`
	ShapeType         *string         `db:"shape_type"              json:"shapeType,omitempty"`
	IsDemo            bool            `db:"is_demo"                 json:"isDemo"`
	ExpiresAt         *time.Time      `db:"expires_at"              json:"expiresAt,omitempty"`
	QueueJobID        *string         `db:"queue_job_id"            json:"queueJobId,omitempty"`
	ViewURL           *string         `db:"view_url"                json:"viewUrl,omitempty"`
	QRCodeURL         *string         `db:"qr_code_url"             json:"qrCodeUrl,omitempty"`
	MarkerMindURL     *string         `db:"marker_mind_url"         json:"markerMindUrl,omitempty"`
	ViewerHTMLURL     *string         `db:"viewer_html_url"         json:"viewerHtmlUrl,omitempty"`
	CompilationTimeMs *int64          `db:"compilation_time_ms"     json:"compilationTimeMs,omitempty"`
	ErrorMessage      *string         `db:"error_message"           json:"errorMessage,omitempty"`
	StartedAt         *time.Time      `db:"compilation_started_at"  json:"startedAt,omitempty"`
	FinishedAt        *time.Time      `db:"compilation_finished_at" json:"finishedAt,omitempty"`
	CreatedAt         time.Time       `db:"created_at"              json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at"              json:"updatedAt"`
}

// MarkersCount is the number of photo/video pairs in the project.
func (p *Project) MarkersCount() int {
	return len(p.Inputs)
}

// IsExpired reports whether a demo project is past its expiry.
func (p *Project) IsExpired(now time.Time) bool {
	return p.IsDemo && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// EstimatedTimeSeconds is a presentation-only guess at compile duration:
// 120s for the first marker plus 30s for each additional one.
func EstimatedTimeSeconds(markers int) int {
	if markers < 1 {
		markers = 1
	}
	return 120 + 30*(markers-1)
}

// ViewURL is the public viewer link for a project under baseURL.
func ViewURL(baseURL string, id uuid.UUID) string {
	return strings.TrimRight(baseURL, "/") + "/ar/view/" + id.String()
}
