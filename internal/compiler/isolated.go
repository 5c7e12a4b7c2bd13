package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/photobooks/arservice/pkg/models"
)

// Isolated runs an Engine on a bounded pool of goroutines. A panicking or
// overrunning engine surfaces as an error instead of taking the worker down.
type Isolated struct {
	engine  Engine
	slots   chan struct{}
	timeout time.Duration
}

// NewIsolated bounds engine to maxParallel concurrent compilations, each
// limited to timeout (zero means no limit beyond the caller's context).
func NewIsolated(engine Engine, maxParallel int, timeout time.Duration) *Isolated {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Isolated{
		engine:  engine,
		slots:   make(chan struct{}, maxParallel),
		timeout: timeout,
	}
}

func (i *Isolated) Name() string { return i.engine.Name() }

type outcome struct {
	res *models.CompilationResult
	err error
}

func (i *Isolated) Compile(ctx context.Context, job Job, onStep StepFunc) (*models.CompilationResult, error) {
	select {
	case i.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for a compile slot: %v", ErrCanceled, ctx.Err())
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if i.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, i.timeout)
	}
	defer cancel()

	// Steps reported after we give up on the engine are dropped.
	var abandoned atomic.Bool
	guarded := func(s Step) {
		if onStep != nil && !abandoned.Load() {
			onStep(s)
		}
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() { <-i.slots }()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in compilation engine",
					"engine", i.engine.Name(),
					"project_id", job.ProjectID,
					"error", r,
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		res, err := i.engine.Compile(runCtx, job, guarded)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		abandoned.Store(true)
		if o.err != nil {
			return nil, i.classify(ctx, runCtx, o.err)
		}
		if err := validateResult(o.res); err != nil {
			return nil, err
		}
		return o.res, nil
	case <-runCtx.Done():
		abandoned.Store(true)
		return nil, i.classify(ctx, runCtx, runCtx.Err())
	}
}

// classify separates caller cancellation (shutdown) from our own timeout.
func (i *Isolated) classify(parent, run context.Context, err error) error {
	if errors.Is(err, ErrPanic) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrCanceled) {
		return err
	}
	if parent.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCanceled, parent.Err())
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, i.timeout)
	}
	if errors.Is(err, ErrCompilationFailed) || errors.Is(err, ErrInvalidResult) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCompilationFailed, err)
}

// Compile-time check that Isolated implements Engine.
var _ Engine = (*Isolated)(nil)
