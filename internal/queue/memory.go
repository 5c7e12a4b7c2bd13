package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryState string

const (
	stateCreated   memoryState = "created"
	stateRetry     memoryState = "retry"
	stateActive    memoryState = "active"
	stateCompleted memoryState = "completed"
	stateFailed    memoryState = "failed"
	stateExpired   memoryState = "expired"
)

type memoryMessage struct {
	Message
	opts       SendOptions
	state      memoryState
	startAfter time.Time
	startedOn  time.Time
	lastError  string
	seq        int64
}

// MemoryQueue keeps messages in process. It follows the same state machine as
// PostgresQueue and is meant for development and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	messages map[string]*memoryMessage
	seq      int64
	now      func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		messages: make(map[string]*memoryMessage),
		now:      time.Now,
	}
}

// SetClock overrides the time source, for expiry and retry-delay tests.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Send(_ context.Context, name string, payload []byte, opts SendOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	q.seq++
	q.messages[id] = &memoryMessage{
		Message: Message{
			ID:         id,
			Name:       name,
			Payload:    slices.Clone(payload),
			RetryLimit: opts.RetryLimit,
		},
		opts:       opts,
		state:      stateCreated,
		startAfter: q.now(),
		seq:        q.seq,
	}
	return id, nil
}

func (q *MemoryQueue) Fetch(_ context.Context, name string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.expireLocked(now)

	var next *memoryMessage
	for _, m := range q.messages {
		if m.Name != name || (m.state != stateCreated && m.state != stateRetry) || m.startAfter.After(now) {
			continue
		}
		if next == nil || m.seq < next.seq {
			next = m
		}
	}
	if next == nil {
		return nil, nil
	}
	next.state = stateActive
	next.startedOn = now

	msg := next.Message
	msg.Payload = slices.Clone(next.Payload)
	return &msg, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[id]
	if !ok || m.state != stateActive {
		return ErrMessageNotFound
	}
	m.state = stateCompleted
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[id]
	if !ok || m.state != stateActive {
		return ErrMessageNotFound
	}
	q.retryOrDeadLocked(m, stateFailed, reason, q.now())
	return nil
}

func (q *MemoryQueue) Ping(_ context.Context) error { return nil }

func (q *MemoryQueue) Close() error { return nil }

// expireLocked fails active messages held past their ExpireIn.
func (q *MemoryQueue) expireLocked(now time.Time) {
	for _, m := range q.messages {
		if m.state == stateActive && m.opts.ExpireIn > 0 && now.Sub(m.startedOn) > m.opts.ExpireIn {
			q.retryOrDeadLocked(m, stateExpired, "expired", now)
		}
	}
}

func (q *MemoryQueue) retryOrDeadLocked(m *memoryMessage, dead memoryState, reason string, now time.Time) {
	m.lastError = reason
	if m.RetryCount < m.opts.RetryLimit {
		m.RetryCount++
		m.state = stateRetry
		m.startAfter = now.Add(m.opts.RetryDelay)
		return
	}
	m.state = dead
}

// State reports a message's lifecycle state, for tests and diagnostics.
func (q *MemoryQueue) State(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.messages[id]; ok {
		return string(m.state)
	}
	return ""
}

// Len returns the number of messages not yet completed or dead.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.messages {
		if m.state == stateCreated || m.state == stateRetry || m.state == stateActive {
			n++
		}
	}
	return n
}

// Compile-time check that MemoryQueue implements Queue.
var _ Queue = (*MemoryQueue)(nil)
