package compiler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"github.com/photobooks/arservice/pkg/models"
)

const maxStderrInError = 2048

// URLFunc maps an artifact file name in a project's storage dir to its public URL.
type URLFunc func(projectID uuid.UUID, name string) string

// ExecEngine runs an external compiler process per job. The job is written to
// stdin as JSON; the process reports progress on stdout as JSON lines:
//
//	{"type":"step","step":"marker_compilation","status":"completed","durationMs":1234}
//	{"type":"result","markerMind":"marker.mind","viewerHtml":"index.html","qrCode":"qr-code.png","metadata":{}}
//	{"type":"error","error":"photo too small"}
//
// A non-zero exit status is a failure.
type ExecEngine struct {
	command string
	args    []string
	urlFor  URLFunc
}

func NewExecEngine(command string, args []string, urlFor URLFunc) *ExecEngine {
	return &ExecEngine{command: command, args: args, urlFor: urlFor}
}

func (e *ExecEngine) Name() string { return "exec" }

type execLine struct {
	Type       string          `json:"type"`
	Step       string          `json:"step"`
	Status     string          `json:"status"`
	DurationMs *int64          `json:"durationMs"`
	Details    json.RawMessage `json:"details"`
	MarkerMind string          `json:"markerMind"`
	ViewerHTML string          `json:"viewerHtml"`
	QRCode     string          `json:"qrCode"`
	Metadata   json.RawMessage `json:"metadata"`
	Error      string          `json:"error"`
}

func (e *ExecEngine) Compile(ctx context.Context, job Job, onStep StepFunc) (*models.CompilationResult, error) {
	input, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Dir = job.StorageDir
	cmd.Env = append(os.Environ(), "AR_PROJECT_ID="+job.ProjectID.String(), "AR_STORAGE_DIR="+job.StorageDir)
	cmd.Stdin = bytes.NewReader(input)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start compiler: %v", ErrCompilationFailed, err)
	}

	var result *models.CompilationResult
	var reported string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var l execLine
		if err := json.Unmarshal(line, &l); err != nil {
			continue
		}
		switch l.Type {
		case "step":
			if onStep != nil && l.Step != "" {
				onStep(Step{Name: l.Step, Status: l.Status, DurationMs: l.DurationMs, Details: l.Details})
			}
		case "result":
			result = &models.CompilationResult{
				MarkerMindURL: e.artifactURL(job.ProjectID, l.MarkerMind, "marker.mind"),
				ViewerHTMLURL: e.artifactURL(job.ProjectID, l.ViewerHTML, "index.html"),
				QRCodeURL:     e.artifactURL(job.ProjectID, l.QRCode, "qr-code.png"),
				Metadata:      l.Metadata,
			}
		case "error":
			reported = l.Error
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Keep the pipe empty so the process can run to exit.
		_, _ = io.Copy(io.Discard, stdout)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrCompilationFailed, failureDetail(reported, stderr.String(), err))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("%w: reading compiler output: %v", ErrCompilationFailed, scanErr)
	}
	if reported != "" {
		return nil, fmt.Errorf("%w: %s", ErrCompilationFailed, reported)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: compiler exited without a result", ErrInvalidResult)
	}
	return result, nil
}

func (e *ExecEngine) artifactURL(id uuid.UUID, name, fallback string) string {
	if name == "" {
		name = fallback
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "://") {
		return name
	}
	return e.urlFor(id, name)
}

func failureDetail(reported, stderr string, waitErr error) string {
	if reported != "" {
		return reported
	}
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > maxStderrInError {
		stderr = "..." + stderr[len(stderr)-maxStderrInError:]
	}
	if stderr != "" {
		return fmt.Sprintf("%v: %s", waitErr, stderr)
	}
	return waitErr.Error()
}

// Compile-time check that ExecEngine implements Engine.
var _ Engine = (*ExecEngine)(nil)
