// Package queue provides the durable, retrying message substrate between
// admission and the compile workers.
package queue

import (
	"context"
	"errors"
	"time"
)

var ErrMessageNotFound = errors.New("queue message not found or not active")

// SendOptions is the per-message retry policy.
type SendOptions struct {
	// RetryLimit is the number of redeliveries after the first attempt.
	RetryLimit int
	// RetryDelay is the fixed wait before a failed message becomes visible again.
	RetryDelay time.Duration
	// ExpireIn bounds how long a consumer may hold a message before it is
	// treated as failed.
	ExpireIn time.Duration
}

// Message is a claimed queue message. Payload is immutable once sent.
type Message struct {
	ID         string
	Name       string
	Payload    []byte
	RetryCount int
	RetryLimit int
}

// Queue is a competing-consumers queue: a message is held by at most one
// consumer at a time and is redelivered when failed or expired.
type Queue interface {
	Send(ctx context.Context, name string, payload []byte, opts SendOptions) (string, error)
	// Fetch claims the next due message, or returns nil when none is available.
	Fetch(ctx context.Context, name string) (*Message, error)
	Complete(ctx context.Context, id string) error
	// Fail releases the message for retry, or dead-letters it once its retry
	// budget is spent.
	Fail(ctx context.Context, id string, reason string) error
	Ping(ctx context.Context) error
	Close() error
}
