package mock

import (
	"context"
	"fmt"

	"github.com/photobooks/arservice/internal/compiler"
	"github.com/photobooks/arservice/pkg/models"
)

// MockEngine satisfies compiler.Engine for testing.
type MockEngine struct {
	Name_       string
	CompileFunc func(ctx context.Context, job compiler.Job, onStep compiler.StepFunc) (*models.CompilationResult, error)
}

func (m *MockEngine) Name() string { return m.Name_ }

func (m *MockEngine) Compile(ctx context.Context, job compiler.Job, onStep compiler.StepFunc) (*models.CompilationResult, error) {
	if m.CompileFunc != nil {
		return m.CompileFunc(ctx, job, onStep)
	}
	return Result(job), nil
}

// Result builds the artifacts a successful compile of job would produce.
func Result(job compiler.Job) *models.CompilationResult {
	base := fmt.Sprintf("/objects/ar-storage/%s/", job.ProjectID)
	return &models.CompilationResult{
		MarkerMindURL: base + "marker.mind",
		ViewerHTMLURL: base + "index.html",
		QRCodeURL:     base + "qr-code.png",
	}
}

// NewMockEngine returns a MockEngine that reports every phase and succeeds.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		Name_: "mock",
		CompileFunc: func(_ context.Context, job compiler.Job, onStep compiler.StepFunc) (*models.CompilationResult, error) {
			for _, name := range []string{
				compiler.StepMediaPreparation,
				compiler.StepMarkerCompilation,
				compiler.StepViewerGeneration,
				compiler.StepQRGeneration,
			} {
				if onStep != nil {
					var d int64 = 1
					onStep(compiler.Step{Name: name, Status: models.StepCompleted, DurationMs: &d})
				}
			}
			return Result(job), nil
		},
	}
}

// NewFailingEngine returns a MockEngine that always returns the given error.
func NewFailingEngine(err error) *MockEngine {
	return &MockEngine{
		Name_: "mock-failing",
		CompileFunc: func(_ context.Context, _ compiler.Job, _ compiler.StepFunc) (*models.CompilationResult, error) {
			return nil, err
		},
	}
}

// NewPanickingEngine returns a MockEngine that panics with v.
func NewPanickingEngine(v any) *MockEngine {
	return &MockEngine{
		Name_: "mock-panic",
		CompileFunc: func(_ context.Context, _ compiler.Job, _ compiler.StepFunc) (*models.CompilationResult, error) {
			panic(v)
		},
	}
}

// NewBlockingEngine returns a MockEngine that blocks until context is cancelled.
func NewBlockingEngine() *MockEngine {
	return &MockEngine{
		Name_: "mock-blocking",
		CompileFunc: func(ctx context.Context, _ compiler.Job, _ compiler.StepFunc) (*models.CompilationResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// Compile-time check that MockEngine implements Engine.
var _ compiler.Engine = (*MockEngine)(nil)
