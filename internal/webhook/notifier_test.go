package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/photobooks/arservice/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	path   string
	secret string
	ctype  string
	body   webhook.Envelope
	data   map[string]any
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var env webhook.Envelope
		_ = json.Unmarshal(raw, &env)
		data, _ := env.Data.(map[string]any)
		mu.Lock()
		got = append(got, captured{
			path:   r.URL.Path,
			secret: r.Header.Get("X-Webhook-Secret"),
			ctype:  r.Header.Get("Content-Type"),
			body:   env,
			data:   data,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestHTTPNotifier_CompilationComplete(t *testing.T) {
	srv, calls := captureServer(t, http.StatusOK)
	n := webhook.NewHTTPNotifier(srv.URL+"/", "s3cret", time.Second)
	id := uuid.New()

	n.NotifyCompilationComplete(context.Background(), id, "https://app/ar/view/x", "/objects/ar-storage/x/qr-code.png")
	require.NoError(t, n.Wait(context.Background()))

	got := calls()
	require.Len(t, got, 1)
	assert.Equal(t, "/webhooks/ar-service", got[0].path)
	assert.Equal(t, "s3cret", got[0].secret)
	assert.Equal(t, "application/json", got[0].ctype)
	assert.Equal(t, webhook.EventCompilationComplete, got[0].body.Event)
	assert.NotEmpty(t, got[0].body.Timestamp)
	assert.Equal(t, id.String(), got[0].data["projectId"])
	assert.Equal(t, "ready", got[0].data["status"])
	assert.Equal(t, "https://app/ar/view/x", got[0].data["viewUrl"])
}

func TestHTTPNotifier_CompilationFailedAndEmail(t *testing.T) {
	srv, calls := captureServer(t, http.StatusAccepted)
	n := webhook.NewHTTPNotifier(srv.URL, "", time.Second)
	id := uuid.New()

	n.NotifyCompilationFailed(context.Background(), id, "engine crashed")
	n.RequestEmailNotification(context.Background(), id, "owner-1", "https://app/ar/view/x")
	require.NoError(t, n.Wait(context.Background()))

	got := calls()
	require.Len(t, got, 2)
	events := map[string]captured{}
	for _, c := range got {
		events[c.body.Event] = c
		assert.Empty(t, c.secret)
	}
	assert.Equal(t, "engine crashed", events[webhook.EventCompilationFailed].data["errorMessage"])
	assert.Equal(t, "error", events[webhook.EventCompilationFailed].data["status"])
	assert.Equal(t, "owner-1", events[webhook.EventEmailRequest].data["userId"])
	assert.Equal(t, "ar_ready", events[webhook.EventEmailRequest].data["emailType"])
}

func TestHTTPNotifier_SendRejected(t *testing.T) {
	srv, _ := captureServer(t, http.StatusInternalServerError)
	n := webhook.NewHTTPNotifier(srv.URL, "", time.Second)

	err := n.Send(context.Background(), webhook.EventCompilationFailed, map[string]any{})
	assert.ErrorIs(t, err, webhook.ErrBackendRejected)
}

func TestHTTPNotifier_ReusesConnections(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		status := http.StatusOK
		if requests.Add(1)%2 == 0 {
			status = http.StatusBadGateway
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, strings.Repeat("x", 8<<10))
	}))
	var conns atomic.Int32
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)

	n := webhook.NewHTTPNotifier(srv.URL, "", time.Second)
	for i := 0; i < 6; i++ {
		_ = n.Send(context.Background(), webhook.EventCompilationComplete, map[string]any{"i": i})
	}

	assert.Equal(t, int32(6), requests.Load())
	assert.Equal(t, int32(1), conns.Load())
}

func TestHTTPNotifier_SendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	n := webhook.NewHTTPNotifier(url, "", time.Second)
	err := n.Send(context.Background(), webhook.EventCompilationFailed, map[string]any{})
	assert.ErrorIs(t, err, webhook.ErrBackendUnreachable)
}

func TestHTTPNotifier_SendTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	n := webhook.NewHTTPNotifier(srv.URL, "", 50*time.Millisecond)
	err := n.Send(context.Background(), webhook.EventCompilationFailed, map[string]any{})
	assert.ErrorIs(t, err, webhook.ErrBackendTimeout)
}

func TestHTTPNotifier_FailureIsNotPropagated(t *testing.T) {
	srv, calls := captureServer(t, http.StatusServiceUnavailable)
	n := webhook.NewHTTPNotifier(srv.URL, "", time.Second)

	var mu sync.Mutex
	var sentErr error
	n.OnSent(func(_ string, err error) {
		mu.Lock()
		sentErr = err
		mu.Unlock()
	})

	// Returns immediately even though the backend fails.
	n.NotifyCompilationFailed(context.Background(), uuid.New(), "x")
	require.NoError(t, n.Wait(context.Background()))

	assert.Len(t, calls(), 1, "no retry within the notifier")
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, sentErr, webhook.ErrBackendRejected)
}

func TestHTTPNotifier_DetachesCallerCancellation(t *testing.T) {
	srv, calls := captureServer(t, http.StatusOK)
	n := webhook.NewHTTPNotifier(srv.URL, "", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.NotifyCompilationComplete(ctx, uuid.New(), "v", "q")
	require.NoError(t, n.Wait(context.Background()))
	assert.Len(t, calls(), 1)
}

func TestNoopNotifier(t *testing.T) {
	var n webhook.Notifier = webhook.NoopNotifier{}
	n.NotifyCompilationComplete(context.Background(), uuid.New(), "v", "q")
	n.NotifyCompilationFailed(context.Background(), uuid.New(), "e")
	n.RequestEmailNotification(context.Background(), uuid.New(), "o", "v")
}
