// ABOUTME: Store methods for the jobs table — enqueue, claim, complete, fail, retry.
// ABOUTME: Claim uses a single UPDATE over a FOR UPDATE SKIP LOCKED subselect.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job statuses. Transitions are forward-only: pending → running →
// completed | failed | pending (retry with a future scheduled_at).
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultMaxAttempts applies when EnqueueJob is called without WithMaxAttempts.
const DefaultMaxAttempts = 3

var (
	// ErrJobNotFound is returned by GetJob and RetryFailedJob when no row
	// matches the given ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotTerminal is returned by RetryFailedJob when the job is not in
	// a terminal failed state. Operator retry is only valid for dead jobs.
	ErrJobNotTerminal = errors.New("job is not in a terminal failed state")

	// ErrEmptyJobType is returned by EnqueueJob for a blank type string.
	ErrEmptyJobType = errors.New("job type must not be empty")

	// ErrInvalidPayload is returned by EnqueueJob when the payload is not
	// valid JSON.
	ErrInvalidPayload = errors.New("job payload must be valid JSON")
)

// Job is one row of the jobs table.
type Job struct {
	ID          uuid.UUID
	Type        string
	Payload     json.RawMessage
	Status      string
	Priority    int32
	Attempts    int32
	MaxAttempts int32
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	HeartbeatAt *time.Time
	LastError   *string
	LockedBy    *string
	CreatedAt   time.Time
}

const jobColumns = `id, type, payload, status, priority, attempts, max_attempts,
	scheduled_at, started_at, completed_at, heartbeat_at, last_error, locked_by, created_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Payload, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.ScheduledAt, &j.StartedAt,
		&j.CompletedAt, &j.HeartbeatAt, &j.LastError, &j.LockedBy, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueOptions configures how a job is enqueued.
type EnqueueOptions struct {
	Priority    int32
	MaxAttempts int32
	RunAt       time.Time // zero value means immediately visible
}

// EnqueueOption is a functional option for EnqueueJob.
type EnqueueOption func(*EnqueueOptions)

// WithPriority sets the job priority (higher = claimed sooner).
func WithPriority(priority int32) EnqueueOption {
	return func(o *EnqueueOptions) { o.Priority = priority }
}

// WithMaxAttempts overrides the default attempt ceiling. Use 1 for one-shot
// jobs whose side effects must never be retried automatically.
func WithMaxAttempts(n int32) EnqueueOption {
	return func(o *EnqueueOptions) { o.MaxAttempts = n }
}

// WithDelay delays the job by d from now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) { o.RunAt = time.Now().Add(d) }
}

// WithRunAt schedules the job to become claimable at a specific time.
func WithRunAt(t time.Time) EnqueueOption {
	return func(o *EnqueueOptions) { o.RunAt = t }
}

// EnqueueJob validates and inserts a new pending job, returning its ID.
// The call never blocks on execution — workers pick the row up asynchronously.
// No deduplication happens here; callers that need it check first (see
// HasActiveJob).
func (s *Store) EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, opts ...EnqueueOption) (uuid.UUID, error) {
	if jobType == "" {
		return uuid.Nil, ErrEmptyJobType
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return uuid.Nil, ErrInvalidPayload
	}

	o := EnqueueOptions{MaxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}

	runAt := o.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (type, payload, priority, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		jobType, payload, o.Priority, o.MaxAttempts, runAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// claimSQL claims up to $1 due pending jobs for worker $2 in one atomic
// statement: the subselect takes row locks with SKIP LOCKED so concurrent
// workers never pick overlapping rows, and the UPDATE transitions them to
// running and increments attempts under the same locks. Splitting the select
// and update into separate statements would reintroduce the double-claim race.
//
// Rows that already spent their attempt budget are excluded so the
// attempts <= max_attempts constraint can never be violated by a claim.
const claimSQL = `
UPDATE jobs SET
    status       = 'running',
    started_at   = now(),
    heartbeat_at = now(),
    attempts     = attempts + 1,
    locked_by    = $2
WHERE id IN (
    SELECT id FROM jobs
    WHERE status = 'pending' AND scheduled_at <= now() AND attempts < max_attempts
    ORDER BY priority DESC, scheduled_at ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED)
RETURNING ` + jobColumns

// ClaimJobs atomically claims up to limit due pending jobs for workerID.
// Returns the claimed rows, already transitioned to running with attempts
// incremented. An empty slice means nothing is due.
func (s *Store) ClaimJobs(ctx context.Context, limit int, workerID string) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, claimSQL, limit, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("claim jobs scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs rows: %w", err)
	}
	return jobs, nil
}

// CompleteJob marks a job as succeeded. Idempotent: a second call on an
// already-completed job is a no-op and preserves the original completed_at.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
		    status       = 'completed',
		    completed_at = COALESCE(completed_at, now()),
		    locked_by    = NULL,
		    heartbeat_at = NULL
		WHERE id = $1 AND status IN ('running', 'completed')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// RetryJob releases a running job back to pending with a future scheduled_at,
// recording the failure that caused it. The retry delay is computed by the
// caller (worker backoff policy); the store just persists the transition.
func (s *Store) RetryJob(ctx context.Context, id uuid.UUID, nextRunAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
		    status       = 'pending',
		    scheduled_at = $2,
		    last_error   = $3,
		    locked_by    = NULL,
		    heartbeat_at = NULL
		WHERE id = $1 AND status = 'running'`,
		id, nextRunAt, lastError,
	)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return nil
}

// MarkJobFailed moves a running job to the terminal failed state.
// Only explicit operator action (RetryFailedJob) resurrects it.
func (s *Store) MarkJobFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
		    status       = 'failed',
		    completed_at = now(),
		    last_error   = $2,
		    locked_by    = NULL,
		    heartbeat_at = NULL
		WHERE id = $1 AND status = 'running'`,
		id, lastError,
	)
	if err != nil {
		return fmt.Errorf("mark job failed %s: %w", id, err)
	}
	return nil
}

// GetJob returns the job with the given ID, or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// RetryFailedJob resets a terminally failed job back to pending for another
// round of attempts. Attempts are reset to zero; last_error is preserved for
// operator visibility until the next failure overwrites it. Returns
// ErrJobNotFound if no such job exists, ErrJobNotTerminal if the job is in
// any state other than failed.
func (s *Store) RetryFailedJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
		    status       = 'pending',
		    attempts     = 0,
		    scheduled_at = now(),
		    completed_at = NULL
		WHERE id = $1 AND status = 'failed'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("retry failed job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrJobNotTerminal
	}
	return nil
}

// HeartbeatJobs refreshes heartbeat_at on the given running jobs. Called
// periodically by the worker while executors are in flight so the stale
// reaper can tell a live long-running job from an orphaned one.
func (s *Store) HeartbeatJobs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = now()
		WHERE id = ANY($1) AND status = 'running'`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("heartbeat jobs: %w", err)
	}
	return nil
}

// RecoverStaleJobs handles running rows whose heartbeat_at is older than
// staleAfter — their worker crashed or was killed past the shutdown grace
// period. Rows with attempt budget left go back to pending; exhausted rows
// move to terminal failed. Returns the number of rows touched.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	var recovered int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		failed, err := tx.Exec(ctx, `
			UPDATE jobs SET
			    status       = 'failed',
			    completed_at = now(),
			    last_error   = 'worker lost: heartbeat expired, attempts exhausted',
			    locked_by    = NULL,
			    heartbeat_at = NULL
			WHERE status = 'running'
			  AND heartbeat_at < now() - make_interval(secs => $1)
			  AND attempts >= max_attempts`,
			staleAfter.Seconds(),
		)
		if err != nil {
			return fmt.Errorf("fail exhausted stale jobs: %w", err)
		}
		reset, err := tx.Exec(ctx, `
			UPDATE jobs SET
			    status       = 'pending',
			    last_error   = 'worker lost: heartbeat expired',
			    locked_by    = NULL,
			    heartbeat_at = NULL
			WHERE status = 'running'
			  AND heartbeat_at < now() - make_interval(secs => $1)
			  AND attempts < max_attempts`,
			staleAfter.Seconds(),
		)
		if err != nil {
			return fmt.Errorf("reset stale jobs: %w", err)
		}
		recovered = failed.RowsAffected() + reset.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(recovered), nil
}

// HasActiveJob reports whether a pending or running job of the given type
// exists. The scheduler uses this to suppress duplicate recurring jobs when
// the previous run has not finished yet.
func (s *Store) HasActiveJob(ctx context.Context, jobType string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM jobs
		    WHERE type = $1 AND status IN ('pending', 'running'))`,
		jobType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has active job %q: %w", jobType, err)
	}
	return exists, nil
}
