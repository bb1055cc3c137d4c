package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vespid-ai/vespid/pkg/config"
)

// Queue is the durable job queue over the shared PostgreSQL pool.
type Queue struct {
	pool *pgxpool.Pool
	cfg  *config.QueueConfig
}

// New creates a Queue.
func New(pool *pgxpool.Pool, cfg *config.QueueConfig) *Queue {
	return &Queue{pool: pool, cfg: cfg}
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// MaxAttempts bounds redeliveries; 0 uses the job-kind default of 3.
	MaxAttempts int
	// RunAt delays the first delivery; zero means immediately.
	RunAt time.Time
}

// Enqueue inserts a job. The id is the idempotency key: enqueueing an id
// that already exists is a no-op, whatever state the existing job is in.
func (q *Queue) Enqueue(ctx context.Context, kind, id string, payload any, opts EnqueueOptions) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO queue_jobs (id, kind, payload, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		id, kind, body, maxAttempts, runAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Claim atomically claims the next due pending job using
// FOR UPDATE SKIP LOCKED, FIFO by run_at then created_at. The claim counts
// as a delivery: attempts is incremented here.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var job Job
	err = tx.QueryRow(ctx, `
		SELECT id, kind, payload, attempts, max_attempts, run_at, created_at
		FROM queue_jobs
		WHERE state = 'pending' AND run_at <= now()
		ORDER BY run_at, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).
		Scan(&job.ID, &job.Kind, &job.Payload, &job.Attempts, &job.MaxAttempts,
			&job.RunAt, &job.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("failed to query pending job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE queue_jobs SET
			state = 'claimed', attempts = attempts + 1, locked_by = $2,
			locked_at = now(), updated_at = now()
		WHERE id = $1`,
		job.ID, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.State = StateClaimed
	job.Attempts++
	job.LockedBy = workerID
	return &job, nil
}

// Ack marks a claimed job done.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs SET state = 'done', locked_by = NULL, locked_at = NULL,
			updated_at = now()
		WHERE id = $1`,
		jobID)
	if err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Nack returns a failed job to the queue. Within the attempt budget the job
// is redelivered after an exponential backoff; past it the job is
// dead-lettered.
func (q *Queue) Nack(ctx context.Context, job *Job, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if job.Attempts >= job.MaxAttempts {
		_, err := q.pool.Exec(ctx, `
			UPDATE queue_jobs SET state = 'dead', last_error = $2,
				locked_by = NULL, locked_at = NULL, updated_at = now()
			WHERE id = $1`,
			job.ID, msg)
		if err != nil {
			return fmt.Errorf("failed to dead-letter job: %w", err)
		}
		return nil
	}

	delay := Backoff(q.cfg.RetryBackoffBase, q.cfg.RetryBackoffMax, job.Attempts)
	_, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs SET state = 'pending', run_at = now() + $2,
			last_error = $3, locked_by = NULL, locked_at = NULL,
			updated_at = now()
		WHERE id = $1`,
		job.ID, delay, msg)
	if err != nil {
		return fmt.Errorf("failed to nack job: %w", err)
	}
	return nil
}

// Heartbeat refreshes a claimed job's lease so the orphan scan leaves it
// alone.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs SET locked_at = now(), updated_at = now()
		WHERE id = $1 AND state = 'claimed'`,
		jobID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	return nil
}

// Depth returns the number of due pending jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_jobs WHERE state = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to query queue depth: %w", err)
	}
	return n, nil
}

// Backoff computes the exponential redelivery delay for the given delivery
// attempt (1-based): base * 2^(attempt-1), capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
