package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CompilationLog is one append-only entry describing a compilation phase.
type CompilationLog struct {
	ID         int64           `db:"id"          json:"id"`
	ProjectID  uuid.UUID       `db:"project_id"  json:"jobId"`
	Step       string          `db:"step"        json:"step"`
	Status     string          `db:"status"      json:"status"`
	DurationMs *int64          `db:"duration_ms" json:"durationMs,omitempty"`
	Details    json.RawMessage `db:"details"     json:"details,omitempty"`
	CreatedAt  time.Time       `db:"created_at"  json:"createdAt"`
}

// Step statuses written to the compilation log.
const (
	StepStarted   = "started"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// CompilePayload is the immutable queue message body for one project.
type CompilePayload struct {
	ProjectID  uuid.UUID       `json:"projectId"`
	OwnerID    string          `json:"ownerId"`
	Inputs     []MarkerInput   `json:"inputs"`
	ShapeType  string          `json:"shapeType,omitempty"`
	StorageDir string          `json:"storageDir"`
	Config     json.RawMessage `json:"config"`
}

// NewCompilePayload builds the queue payload for a persisted project.
func NewCompilePayload(p *Project, storageDir string) CompilePayload {
	payload := CompilePayload{
		ProjectID:  p.ID,
		OwnerID:    p.OwnerID,
		Inputs:     p.Inputs,
		StorageDir: storageDir,
		Config:     p.Config,
	}
	if p.ShapeType != nil {
		payload.ShapeType = *p.ShapeType
	}
	return payload
}

// CompilationResult is what a successful compile produces.
type CompilationResult struct {
	MarkerMindURL string          `json:"markerMindUrl"`
	ViewerHTMLURL string          `json:"viewerHtmlUrl"`
	QRCodeURL     string          `json:"qrCodeUrl"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}
