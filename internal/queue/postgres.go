package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue stores messages in the queue_jobs table and claims them with
// FOR UPDATE SKIP LOCKED, so any number of workers can poll the same queue.
type PostgresQueue struct {
	pool *pgxpool.Pool
}

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

func (q *PostgresQueue) Send(ctx context.Context, name string, payload []byte, opts SendOptions) (string, error) {
	id := uuid.New()
	_, err := q.pool.Exec(ctx,
		`INSERT INTO queue_jobs (id, name, data, retry_limit, retry_delay_seconds, expire_in_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, name, payload, opts.RetryLimit, int(opts.RetryDelay.Seconds()), int(opts.ExpireIn.Seconds()))
	if err != nil {
		return "", fmt.Errorf("send queue message: %w", err)
	}
	return id.String(), nil
}

func (q *PostgresQueue) Fetch(ctx context.Context, name string) (*Message, error) {
	if n, err := q.expire(ctx); err != nil {
		slog.Warn("queue expiry sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("expired active queue messages", "count", n)
	}

	var msg Message
	var id uuid.UUID
	err := q.pool.QueryRow(ctx,
		`WITH next AS (
			SELECT id FROM queue_jobs
			WHERE name = $1 AND state IN ('created', 'retry') AND start_after <= NOW()
			ORDER BY created_on
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE queue_jobs q SET state = 'active', started_on = NOW()
		FROM next WHERE q.id = next.id
		RETURNING q.id, q.name, q.data, q.retry_count, q.retry_limit`, name,
	).Scan(&id, &msg.Name, &msg.Payload, &msg.RetryCount, &msg.RetryLimit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch queue message: %w", err)
	}
	msg.ID = id.String()
	return &msg, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id string) error {
	msgID, err := uuid.Parse(id)
	if err != nil {
		return ErrMessageNotFound
	}
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue_jobs SET state = 'completed', completed_on = NOW()
		 WHERE id = $1 AND state = 'active'`, msgID)
	if err != nil {
		return fmt.Errorf("complete queue message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, id string, reason string) error {
	msgID, err := uuid.Parse(id)
	if err != nil {
		return ErrMessageNotFound
	}
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue_jobs SET
			state = CASE WHEN retry_count < retry_limit THEN 'retry' ELSE 'failed' END,
			retry_count = CASE WHEN retry_count < retry_limit THEN retry_count + 1 ELSE retry_count END,
			start_after = NOW() + make_interval(secs => retry_delay_seconds),
			completed_on = CASE WHEN retry_count < retry_limit THEN NULL ELSE NOW() END,
			last_error = $2
		 WHERE id = $1 AND state = 'active'`, msgID, reason)
	if err != nil {
		return fmt.Errorf("fail queue message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// expire treats active messages held past expire_in_seconds as failed.
func (q *PostgresQueue) expire(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue_jobs SET
			state = CASE WHEN retry_count < retry_limit THEN 'retry' ELSE 'expired' END,
			retry_count = CASE WHEN retry_count < retry_limit THEN retry_count + 1 ELSE retry_count END,
			start_after = NOW() + make_interval(secs => retry_delay_seconds),
			completed_on = CASE WHEN retry_count < retry_limit THEN NULL ELSE NOW() END,
			last_error = 'expired'
		 WHERE state = 'active' AND started_on + make_interval(secs => expire_in_seconds) < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("expire queue messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Purge deletes finished messages older than the retention window.
func (q *PostgresQueue) Purge(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM queue_jobs
		 WHERE state IN ('completed', 'failed', 'expired')
		   AND completed_on < NOW() - make_interval(days => $1)`, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("purge queue messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *PostgresQueue) Ping(ctx context.Context) error {
	var exists bool
	err := q.pool.QueryRow(ctx, `SELECT to_regclass('public.queue_jobs') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("ping queue: %w", err)
	}
	if !exists {
		return fmt.Errorf("ping queue: queue_jobs table missing")
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (q *PostgresQueue) Close() error { return nil }

// Compile-time check that PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)
