// Package admission validates compile requests and turns them into a
// persisted pending project plus a queued compile message.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/photobooks/arservice/internal/files"
	"github.com/photobooks/arservice/internal/metrics"
	"github.com/photobooks/arservice/internal/queue"
	"github.com/photobooks/arservice/internal/store"
	"github.com/photobooks/arservice/pkg/models"
)

// ErrUnavailable wraps storage and queue failures during admission.
var ErrUnavailable = errors.New("admission unavailable")

// ValidationError is a client mistake detected before any side effect.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError names an input reference, as the client sent it, that does
// not exist on shared storage.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string { return "file not found: " + e.Ref }

var validShapeTypes = map[string]bool{
	"circle": true,
	"oval":   true,
	"square": true,
	"rect":   true,
}

// CompileRequest is the POST /compile body. Singular fields are accepted for
// older clients that only send one marker.
type CompileRequest struct {
	OwnerID   string          `json:"ownerId"`
	UserID    string          `json:"userId"`
	PhotoURLs []string        `json:"photoUrls"`
	PhotoURL  string          `json:"photoUrl"`
	VideoURLs []string        `json:"videoUrls"`
	VideoURL  string          `json:"videoUrl"`
	MaskURLs  []string        `json:"maskUrls"`
	MaskURL   string          `json:"maskUrl"`
	ShapeType string          `json:"shapeType"`
	OrderID   string          `json:"orderId"`
	IsDemo    bool            `json:"isDemo"`
	Config    json.RawMessage `json:"config"`
}

func (r *CompileRequest) owner() string {
	if o := strings.TrimSpace(r.OwnerID); o != "" {
		return o
	}
	return strings.TrimSpace(r.UserID)
}

func refs(many []string, one string) []string {
	out := make([]string, 0, len(many)+1)
	for _, s := range many {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		if s := strings.TrimSpace(one); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// maskRefs keeps masks aligned with their photos: a blank entry means that
// marker has no mask. The singular field is used only when the list is empty.
func maskRefs(many []string, one string) []string {
	out := make([]string, len(many))
	set := false
	for i, s := range many {
		out[i] = strings.TrimSpace(s)
		set = set || out[i] != ""
	}
	if set {
		return out
	}
	if s := strings.TrimSpace(one); s != "" {
		return []string{s}
	}
	return nil
}

// Admission is the 202 response body.
type Admission struct {
	JobID                uuid.UUID            `json:"jobId"`
	Status               models.ProjectStatus `json:"status"`
	MarkersCount         int                  `json:"markersCount"`
	EstimatedTimeSeconds int                  `json:"estimatedTimeSeconds"`
	StatusURL            string               `json:"statusUrl"`
	ViewURL              string               `json:"viewUrl"`
	Message              string               `json:"message"`
}

type Options struct {
	QueueName   string
	Send        queue.SendOptions
	ViewBaseURL string
}

// Service performs admission. It holds no per-request state.
type Service struct {
	store   store.Store
	queue   queue.Queue
	files   *files.Manager
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

func NewService(st store.Store, q queue.Queue, fm *files.Manager, m *metrics.Metrics, opts Options) *Service {
	return &Service{
		store:   st,
		queue:   q,
		files:   fm,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

type validated struct {
	owner   string
	inputs  []models.MarkerInput
	config  json.RawMessage
	shape   *string
	orderID *string
}

// validate checks the request in a fixed order and resolves every file
// reference. It performs no writes.
func (s *Service) validate(req *CompileRequest) (*validated, error) {
	owner := req.owner()
	photos := refs(req.PhotoURLs, req.PhotoURL)
	videos := refs(req.VideoURLs, req.VideoURL)
	masks := maskRefs(req.MaskURLs, req.MaskURL)

	switch {
	case owner == "":
		return nil, &ValidationError{Message: "ownerId is required"}
	case len(photos) == 0:
		return nil, &ValidationError{Message: "at least one photo required"}
	case len(videos) == 0:
		return nil, &ValidationError{Message: "at least one video required"}
	case len(photos) > models.MaxMarkers:
		return nil, &ValidationError{Message: fmt.Sprintf("max %d photos", models.MaxMarkers)}
	case len(photos) != len(videos):
		return nil, &ValidationError{Message: fmt.Sprintf(
			"photo and video counts must match: got %d photos and %d videos", len(photos), len(videos))}
	case len(masks) > len(photos):
		return nil, &ValidationError{Message: fmt.Sprintf(
			"too many masks: got %d masks for %d photos", len(masks), len(photos))}
	}

	v := &validated{owner: owner}
	if shape := strings.TrimSpace(req.ShapeType); shape != "" {
		if !validShapeTypes[shape] {
			return nil, &ValidationError{Message: fmt.Sprintf("invalid shapeType %q: must be one of circle, oval, square, rect", shape)}
		}
		v.shape = &shape
	}
	if o := strings.TrimSpace(req.OrderID); o != "" {
		v.orderID = &o
	}

	cfg, err := mergeConfig(req.Config, len(photos))
	if err != nil {
		return nil, err
	}
	v.config = cfg

	v.inputs = make([]models.MarkerInput, len(photos))
	for i := range photos {
		in := models.MarkerInput{PhotoURL: photos[i], VideoURL: videos[i]}
		if in.PhotoPath, err = s.resolve(photos[i]); err != nil {
			return nil, err
		}
		if in.VideoPath, err = s.resolve(videos[i]); err != nil {
			return nil, err
		}
		if i < len(masks) && masks[i] != "" {
			in.MaskURL = masks[i]
			if in.MaskPath, err = s.resolve(masks[i]); err != nil {
				return nil, err
			}
		}
		v.inputs[i] = in
	}
	return v, nil
}

func (s *Service) resolve(ref string) (string, error) {
	p, err := s.files.ResolveUploadPath(ref)
	if err != nil {
		return "", &ValidationError{Message: fmt.Sprintf("invalid file reference %q", ref)}
	}
	if !s.files.FileExists(p) {
		return "", &NotFoundError{Ref: ref}
	}
	return p, nil
}

// mergeConfig returns the client config object with markersCount set.
func mergeConfig(raw json.RawMessage, markers int) (json.RawMessage, error) {
	cfg := map[string]any{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &cfg); err != nil || cfg == nil {
			return nil, &ValidationError{Message: "config must be a JSON object"}
		}
	}
	cfg["markersCount"] = markers
	out, err := json.Marshal(cfg)
	if err != nil {
		return nil, &ValidationError{Message: "config must be a JSON object"}
	}
	return out, nil
}

// Admit validates req, then creates the project and enqueues its compile
// message. Validation and not-found errors leave no trace. Later failures are
// compensated so no row is left without a message.
func (s *Service) Admit(ctx context.Context, req *CompileRequest) (*Admission, error) {
	v, err := s.validate(req)
	if err != nil {
		s.observe(err)
		return nil, err
	}

	id := uuid.New()
	log := slog.With("project_id", id, "owner_id", v.owner)

	storageDir, err := s.files.CreateProjectStorage(id)
	if err != nil {
		return nil, s.unavailable("provisioning storage", err)
	}

	now := s.now().UTC()
	project := &models.Project{
		ID:        id,
		OwnerID:   v.owner,
		OrderID:   v.orderID,
		Inputs:    v.inputs,
		Status:    models.StatusPending,
		Config:    v.config,
		ShapeType: v.shape,
		IsDemo:    req.IsDemo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.IsDemo {
		expires := now.Add(models.DemoTTL)
		project.ExpiresAt = &expires
	}

	if err := s.store.CreateProject(ctx, project); err != nil {
		s.removeStorage(log, id)
		return nil, s.unavailable("creating project", err)
	}

	body, err := json.Marshal(models.NewCompilePayload(project, storageDir))
	if err != nil {
		s.compensate(ctx, log, id)
		return nil, s.unavailable("encoding payload", err)
	}

	msgID, err := s.queue.Send(ctx, s.opts.QueueName, body, s.opts.Send)
	if err != nil {
		s.compensate(ctx, log, id)
		return nil, s.unavailable("enqueueing compile job", err)
	}

	if err := s.store.SetQueueJobID(ctx, id, msgID); err != nil {
		// The message is already in flight; the worker does not need the id.
		log.Warn("persisting queue job id", "queue_job_id", msgID, "error", err)
	}

	s.metrics.Admissions.WithLabelValues("accepted").Inc()
	log.Info("compile job admitted",
		"queue_job_id", msgID,
		"markers", len(v.inputs),
		"is_demo", req.IsDemo,
	)

	return &Admission{
		JobID:                id,
		Status:               models.StatusPending,
		MarkersCount:         len(v.inputs),
		EstimatedTimeSeconds: models.EstimatedTimeSeconds(len(v.inputs)),
		StatusURL:            "/status/" + id.String(),
		ViewURL:              models.ViewURL(s.opts.ViewBaseURL, id),
		Message:              "Compilation job queued successfully",
	}, nil
}

// compensate undoes the project insert after a failed enqueue. If this also
// fails the row stays pending without a queue id and the reconciliation
// sweep re-enqueues it.
func (s *Service) compensate(ctx context.Context, log *slog.Logger, id uuid.UUID) {
	if err := s.store.DeleteProject(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("compensating delete failed, leaving project for reconciliation", "error", err)
		return
	}
	s.removeStorage(log, id)
}

func (s *Service) removeStorage(log *slog.Logger, id uuid.UUID) {
	if err := s.files.DeleteProjectStorage(id); err != nil {
		log.Warn("removing project storage", "error", err)
	}
}

func (s *Service) unavailable(op string, err error) error {
	s.metrics.Admissions.WithLabelValues("unavailable").Inc()
	slog.Error("admission failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *Service) observe(err error) {
	var nf *NotFoundError
	outcome := "invalid"
	if errors.As(err, &nf) {
		outcome = "not_found"
	}
	s.metrics.Admissions.WithLabelValues(outcome).Inc()
}
