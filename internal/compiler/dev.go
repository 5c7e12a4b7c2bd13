package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	"github.com/photobooks/arservice/pkg/models"
)

var devViewerTmpl = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>AR preview {{.ProjectID}}</title></head>
<body>
<h1>AR preview</h1>
<p>Development build with {{len .Markers}} marker(s). Tracking is not compiled in this mode.</p>
{{range $i, $m := .Markers}}
<figure>
  <img src="{{$m.PhotoURL}}" alt="marker {{$i}}" width="240">
  <video src="{{$m.VideoURL}}" width="240" controls loop muted></video>
</figure>
{{end}}
</body>
</html>
`))

var devQRTmpl = template.Must(template.New("qr").Parse(`<svg xmlns="http://www.w3.org/2000/svg" width="256" height="256">
<rect width="256" height="256" fill="#fff" stroke="#000"/>
<text x="8" y="128" font-size="10">{{.}}</text>
</svg>
`))

// DevEngine is an in-process stand-in for the real compiler. It writes
// placeholder artifacts so the whole pipeline can run on a laptop.
type DevEngine struct {
	urlFor    URLFunc
	stepDelay time.Duration
}

func NewDevEngine(urlFor URLFunc, stepDelay time.Duration) *DevEngine {
	return &DevEngine{urlFor: urlFor, stepDelay: stepDelay}
}

func (e *DevEngine) Name() string { return "dev" }

func (e *DevEngine) Compile(ctx context.Context, job Job, onStep StepFunc) (*models.CompilationResult, error) {
	if len(job.Markers) == 0 {
		return nil, fmt.Errorf("%w: no markers", ErrCompilationFailed)
	}
	if err := os.MkdirAll(job.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompilationFailed, err)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{StepMediaPreparation, func() error {
			for i, m := range job.Markers {
				if _, err := os.Stat(m.PhotoPath); err != nil {
					return fmt.Errorf("marker %d photo: %w", i, err)
				}
				if _, err := os.Stat(m.VideoPath); err != nil {
					return fmt.Errorf("marker %d video: %w", i, err)
				}
			}
			return nil
		}},
		{StepMarkerCompilation, func() error {
			body, err := json.Marshal(map[string]any{
				"placeholder": true,
				"markers":     len(job.Markers),
				"shapeType":   job.ShapeType,
			})
			if err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(job.StorageDir, "marker.mind"), body, 0o644)
		}},
		{StepViewerGeneration, func() error {
			return writeTemplate(filepath.Join(job.StorageDir, "index.html"), devViewerTmpl, job)
		}},
		{StepQRGeneration, func() error {
			return writeTemplate(filepath.Join(job.StorageDir, "qr-code.svg"), devQRTmpl, job.ViewURL)
		}},
	}

	for _, s := range steps {
		start := time.Now()
		if err := sleepCtx(ctx, e.stepDelay); err != nil {
			return nil, err
		}
		if err := s.run(); err != nil {
			report(onStep, s.name, models.StepFailed, start)
			return nil, fmt.Errorf("%w: %s: %v", ErrCompilationFailed, s.name, err)
		}
		report(onStep, s.name, models.StepCompleted, start)
	}

	meta, _ := json.Marshal(map[string]any{"markersCount": len(job.Markers), "engine": "dev"})
	return &models.CompilationResult{
		MarkerMindURL: e.urlFor(job.ProjectID, "marker.mind"),
		ViewerHTMLURL: e.urlFor(job.ProjectID, "index.html"),
		QRCodeURL:     e.urlFor(job.ProjectID, "qr-code.svg"),
		Metadata:      meta,
	}, nil
}

func report(onStep StepFunc, name, status string, start time.Time) {
	if onStep == nil {
		return
	}
	d := time.Since(start).Milliseconds()
	onStep(Step{Name: name, Status: status, DurationMs: &d})
}

func writeTemplate(path string, tmpl *template.Template, data any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tmpl.Execute(f, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time check that DevEngine implements Engine.
var _ Engine = (*DevEngine)(nil)
