package queue_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/photobooks/arservice/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupJetStream spins up a NATS server with JetStream enabled.
func setupJetStream(t *testing.T, defaults queue.SendOptions) *queue.JetStreamQueue {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	q, err := queue.NewJetStreamQueue(ctx, queue.JetStreamConfig{
		URL:          "nats://" + host + ":" + port.Port(),
		Stream:       "AR_JOBS_TEST",
		Defaults:     defaults,
		FetchMaxWait: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestJetStreamQueue_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupJetStream(t, queue.SendOptions{RetryLimit: 2, RetryDelay: 100 * time.Millisecond, ExpireIn: 30 * time.Second})
	ctx := context.Background()

	require.NoError(t, q.Ping(ctx))

	id, err := q.Send(ctx, queueName, []byte(`{"projectId":"abc"}`), queue.SendOptions{})
	require.NoError(t, err)

	msg, err := q.Fetch(ctx, queueName)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.JSONEq(t, `{"projectId":"abc"}`, string(msg.Payload))
	assert.Equal(t, 0, msg.RetryCount)

	require.NoError(t, q.Fail(ctx, msg.ID, "transient"))

	var redelivered *queue.Message
	require.Eventually(t, func() bool {
		redelivered, err = q.Fetch(ctx, queueName)
		return err == nil && redelivered != nil
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(t, id, redelivered.ID)
	assert.Equal(t, 1, redelivered.RetryCount)

	require.NoError(t, q.Complete(ctx, redelivered.ID))
	assert.ErrorIs(t, q.Complete(ctx, redelivered.ID), queue.ErrMessageNotFound)

	empty, err := q.Fetch(ctx, queueName)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestJetStreamQueue_WarnsOnceAboutIgnoredSendOptions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	defaults := queue.SendOptions{RetryLimit: 2, RetryDelay: 100 * time.Millisecond, ExpireIn: 30 * time.Second}
	q := setupJetStream(t, defaults)
	ctx := context.Background()

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	_, err := q.Send(ctx, "policy", []byte(`{}`), defaults)
	require.NoError(t, err)
	assert.Empty(t, logs.String())

	longer := queue.SendOptions{RetryLimit: 9, ExpireIn: time.Hour}
	for i := 0; i < 3; i++ {
		_, err := q.Send(ctx, "policy", []byte(`{}`), longer)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, strings.Count(logs.String(), "ignoring per-message send options"))

	// The consumer policy still decides retries.
	msg, err := q.Fetch(ctx, "policy")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, defaults.RetryLimit, msg.RetryLimit)
}

func TestJetStreamQueue_TerminatesAfterRetryLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupJetStream(t, queue.SendOptions{RetryLimit: 0, RetryDelay: 50 * time.Millisecond, ExpireIn: 30 * time.Second})
	ctx := context.Background()

	_, err := q.Send(ctx, queueName, []byte(`{}`), queue.SendOptions{})
	require.NoError(t, err)

	msg, err := q.Fetch(ctx, queueName)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, q.Fail(ctx, msg.ID, "fatal"))

	time.Sleep(200 * time.Millisecond)
	again, err := q.Fetch(ctx, queueName)
	require.NoError(t, err)
	assert.Nil(t, again)
}
