package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures the NATS JetStream backend. Retry policy lives on
// the consumer, so it is fixed per queue name rather than per message.
type JetStreamConfig struct {
	URL          string
	Stream       string
	Defaults     SendOptions
	FetchMaxWait time.Duration
}

// JetStreamQueue maps queue names to subjects on a work-queue stream with one
// durable pull consumer per name.
type JetStreamQueue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    JetStreamConfig

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	inflight  map[string]jetstream.Msg

	policyWarning sync.Once
}

// NewJetStreamQueue connects to NATS and ensures the work-queue stream exists.
func NewJetStreamQueue(ctx context.Context, cfg JetStreamConfig) (*JetStreamQueue, error) {
	if cfg.Stream == "" {
		cfg.Stream = "AR_JOBS"
	}
	if cfg.FetchMaxWait <= 0 {
		cfg.FetchMaxWait = 2 * time.Second
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("arservice"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{subjectPrefix(cfg.Stream) + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	return &JetStreamQueue{
		nc:        nc,
		js:        js,
		stream:    stream,
		cfg:       cfg,
		consumers: make(map[string]jetstream.Consumer),
		inflight:  make(map[string]jetstream.Msg),
	}, nil
}

func subjectPrefix(stream string) string {
	return strings.ToLower(stream)
}

func (q *JetStreamQueue) subject(name string) string {
	return subjectPrefix(q.cfg.Stream) + "." + sanitize(name)
}

// sanitize makes a queue name safe for subjects and durable names.
func sanitize(name string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(name)
}

// Send publishes the payload. opts are ignored in favour of the consumer's
// configured policy; the message ID doubles as the JetStream dedup key.
func (q *JetStreamQueue) Send(ctx context.Context, name string, payload []byte, opts SendOptions) (string, error) {
	if overridesPolicy(q.cfg.Defaults, opts) {
		q.policyWarning.Do(func() {
			slog.Warn("jetstream applies the consumer retry policy, ignoring per-message send options",
				"queue", name,
				"retry_limit", opts.RetryLimit, "default_retry_limit", q.cfg.Defaults.RetryLimit,
				"retry_delay", opts.RetryDelay, "default_retry_delay", q.cfg.Defaults.RetryDelay,
				"expire_in", opts.ExpireIn, "default_expire_in", q.cfg.Defaults.ExpireIn)
		})
	}
	id := uuid.NewString()
	if _, err := q.js.Publish(ctx, q.subject(name), payload, jetstream.WithMsgID(id)); err != nil {
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	return id, nil
}

// overridesPolicy reports whether opts ask for something other than the
// consumer policy. Zero options mean "use the defaults".
func overridesPolicy(defaults, opts SendOptions) bool {
	return opts != (SendOptions{}) && opts != defaults
}

func (q *JetStreamQueue) consumer(ctx context.Context, name string) (jetstream.Consumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if c, ok := q.consumers[name]; ok {
		return c, nil
	}
	d := q.cfg.Defaults
	c, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       sanitize(name) + "-workers",
		FilterSubject: q.subject(name),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       d.ExpireIn,
		MaxDeliver:    d.RetryLimit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", name, err)
	}
	q.consumers[name] = c
	return c, nil
}

func (q *JetStreamQueue) Fetch(ctx context.Context, name string) (*Message, error) {
	c, err := q.consumer(ctx, name)
	if err != nil {
		return nil, err
	}

	batch, err := c.Fetch(1, jetstream.FetchMaxWait(q.cfg.FetchMaxWait))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}

	for m := range batch.Messages() {
		meta, err := m.Metadata()
		if err != nil {
			_ = m.Nak()
			return nil, fmt.Errorf("message metadata: %w", err)
		}
		id := m.Headers().Get(jetstream.MsgIDHeader)
		if id == "" {
			id = fmt.Sprintf("%s-%d", q.cfg.Stream, meta.Sequence.Stream)
		}

		q.mu.Lock()
		q.inflight[id] = m
		q.mu.Unlock()

		return &Message{
			ID:         id,
			Name:       name,
			Payload:    m.Data(),
			RetryCount: int(meta.NumDelivered) - 1,
			RetryLimit: q.cfg.Defaults.RetryLimit,
		}, nil
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
		slog.Warn("jetstream fetch error", "queue", name, "error", err)
	}
	return nil, nil
}

func (q *JetStreamQueue) take(id string) (jetstream.Msg, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.inflight[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	delete(q.inflight, id)
	return m, nil
}

func (q *JetStreamQueue) Complete(_ context.Context, id string) error {
	m, err := q.take(id)
	if err != nil {
		return err
	}
	if err := m.Ack(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Fail naks with the retry delay, or terminates the message once MaxDeliver
// would be exceeded.
func (q *JetStreamQueue) Fail(_ context.Context, id string, reason string) error {
	m, err := q.take(id)
	if err != nil {
		return err
	}
	meta, err := m.Metadata()
	if err == nil && int(meta.NumDelivered) > q.cfg.Defaults.RetryLimit {
		if err := m.TermWithReason(reason); err != nil {
			return fmt.Errorf("term %s: %w", id, err)
		}
		return nil
	}
	if err := m.NakWithDelay(q.cfg.Defaults.RetryDelay); err != nil {
		return fmt.Errorf("nak %s: %w", id, err)
	}
	return nil
}

func (q *JetStreamQueue) Ping(ctx context.Context) error {
	if !q.nc.IsConnected() {
		return fmt.Errorf("ping queue: nats not connected (%s)", q.nc.Status())
	}
	if _, err := q.stream.Info(ctx); err != nil {
		return fmt.Errorf("ping queue: %w", err)
	}
	return nil
}

func (q *JetStreamQueue) Close() error {
	q.nc.Close()
	return nil
}

// Compile-time check that JetStreamQueue implements Queue.
var _ Queue = (*JetStreamQueue)(nil)
