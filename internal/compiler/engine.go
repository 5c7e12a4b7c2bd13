// Package compiler runs AR marker compilation behind a single Engine
// abstraction. The engine itself is opaque; this package owns isolation,
// timeouts and step reporting.
package compiler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/photobooks/arservice/pkg/models"
)

var (
	ErrCompilationFailed = errors.New("compilation failed")
	ErrTimeout           = errors.New("compilation timed out")
	ErrPanic             = errors.New("compilation engine panicked")
	ErrCanceled          = errors.New("compilation canceled")
	ErrInvalidResult     = errors.New("compilation engine returned invalid result")
)

// Well-known phase names reported through StepFunc.
const (
	StepMediaPreparation  = "media_preparation"
	StepMarkerCompilation = "marker_compilation"
	StepViewerGeneration  = "viewer_generation"
	StepQRGeneration      = "qr_generation"
)

// Job is everything an engine needs to compile one project.
type Job struct {
	ProjectID  uuid.UUID            `json:"projectId"`
	Markers    []models.MarkerInput `json:"markers"`
	ShapeType  string               `json:"shapeType,omitempty"`
	StorageDir string               `json:"storageDir"`
	ViewURL    string               `json:"viewUrl"`
	Config     json.RawMessage      `json:"config,omitempty"`
}

// Step is one reported compilation phase.
type Step struct {
	Name       string          `json:"step"`
	Status     string          `json:"status"`
	DurationMs *int64          `json:"durationMs,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// StepFunc receives phase reports as the engine progresses.
type StepFunc func(Step)

// Engine compiles a job into marker, viewer and QR artifacts.
type Engine interface {
	Compile(ctx context.Context, job Job, onStep StepFunc) (*models.CompilationResult, error)
	// Name identifies the engine in logs and metrics.
	Name() string
}

func validateResult(res *models.CompilationResult) error {
	if res == nil {
		return ErrInvalidResult
	}
	if res.MarkerMindURL == "" || res.ViewerHTMLURL == "" || res.QRCodeURL == "" {
		return ErrInvalidResult
	}
	return nil
}
