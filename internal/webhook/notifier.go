// Package webhook delivers best-effort lifecycle events to the upstream backend.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for webhook delivery failures.
var (
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrBackendRejected    = errors.New("backend rejected webhook")
	ErrBackendTimeout     = errors.New("backend webhook timeout")
)

// Event names understood by the backend.
const (
	EventCompilationComplete = "ar.compilation.complete"
	EventCompilationFailed   = "ar.compilation.failed"
	EventEmailRequest        = "ar.email.request"
)

const webhookPath = "/webhooks/ar-service"

const maxDrainBytes = 64 << 10

// Notifier reports terminal job transitions upstream. Calls never block on
// delivery and never return delivery errors to the caller.
type Notifier interface {
	NotifyCompilationComplete(ctx context.Context, projectID uuid.UUID, viewURL, qrCodeURL string)
	NotifyCompilationFailed(ctx context.Context, projectID uuid.UUID, errorMessage string)
	RequestEmailNotification(ctx context.Context, projectID uuid.UUID, ownerID, viewURL string)
}

// Envelope is the JSON body POSTed for every event.
type Envelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// HTTPNotifier POSTs events to <backend>/webhooks/ar-service. Each event is
// attempted once in its own goroutine.
type HTTPNotifier struct {
	url    string
	secret string
	client *http.Client
	wg     sync.WaitGroup
	now    func() time.Time
	onSent func(event string, err error)
}

// NewHTTPNotifier creates a notifier for the given backend base URL.
func NewHTTPNotifier(backendURL, secret string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		url:    strings.TrimRight(backendURL, "/") + webhookPath,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// OnSent registers a hook called after each delivery attempt, for metrics.
func (n *HTTPNotifier) OnSent(fn func(event string, err error)) {
	n.onSent = fn
}

func (n *HTTPNotifier) NotifyCompilationComplete(ctx context.Context, projectID uuid.UUID, viewURL, qrCodeURL string) {
	n.dispatch(ctx, EventCompilationComplete, map[string]any{
		"projectId": projectID.String(),
		"viewUrl":   viewURL,
		"qrCodeUrl": qrCodeURL,
		"status":    "ready",
	})
}

func (n *HTTPNotifier) NotifyCompilationFailed(ctx context.Context, projectID uuid.UUID, errorMessage string) {
	n.dispatch(ctx, EventCompilationFailed, map[string]any{
		"projectId":    projectID.String(),
		"errorMessage": errorMessage,
		"status":       "error",
	})
}

func (n *HTTPNotifier) RequestEmailNotification(ctx context.Context, projectID uuid.UUID, ownerID, viewURL string) {
	n.dispatch(ctx, EventEmailRequest, map[string]any{
		"projectId": projectID.String(),
		"userId":    ownerID,
		"viewUrl":   viewURL,
		"emailType": "ar_ready",
	})
}

// dispatch sends in the background. The caller's cancellation is detached so
// a finished job does not abort its own notification.
func (n *HTTPNotifier) dispatch(ctx context.Context, event string, data any) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := n.Send(ctx, event, data)
		if err != nil {
			slog.Warn("webhook delivery failed", "event", event, "url", n.url, "error", err)
		} else {
			slog.Info("webhook delivered", "event", event)
		}
		if n.onSent != nil {
			n.onSent(event, err)
		}
	}()
}

// Send performs one synchronous delivery attempt.
func (n *HTTPNotifier) Send(ctx context.Context, event string, data any) error {
	body, err := json.Marshal(Envelope{
		Event:     event,
		Data:      data,
		Timestamp: n.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encoding webhook: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-Webhook-Secret", n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()
	// Drained bodies let the transport reuse the connection.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrBackendRejected, resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (n *HTTPNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
}

// NoopNotifier is used when webhooks are disabled.
type NoopNotifier struct{}

func (NoopNotifier) NotifyCompilationComplete(_ context.Context, projectID uuid.UUID, _, _ string) {
	slog.Debug("webhooks disabled, skipping", "event", EventCompilationComplete, "project_id", projectID)
}

func (NoopNotifier) NotifyCompilationFailed(_ context.Context, projectID uuid.UUID, _ string) {
	slog.Debug("webhooks disabled, skipping", "event", EventCompilationFailed, "project_id", projectID)
}

func (NoopNotifier) RequestEmailNotification(_ context.Context, projectID uuid.UUID, _, _ string) {
	slog.Debug("webhooks disabled, skipping", "event", EventEmailRequest, "project_id", projectID)
}

// Compile-time checks.
var (
	_ Notifier = (*HTTPNotifier)(nil)
	_ Notifier = NoopNotifier{}
)
