// ABOUTME: Executor: runs one claimed job's handler under a timeout and
// ABOUTME: routes the outcome to completion, retry-with-backoff, or terminal failure.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mkid095/vps-system/internal/store"
)

// execute runs one claimed job end to end. ctx is detached from shutdown
// cancellation — draining means "stop claiming", not "abort running work" —
// so status writes land even while the pool is shutting down.
func (p *Pool) execute(ctx context.Context, job *store.Job) {
	start := time.Now()

	entry, ok := p.handler(job.Type)
	if !ok {
		// Permanent condition: retrying will never find a handler.
		p.log.Error("unknown job type", "job_id", job.ID, "type", job.Type)
		if err := p.store.MarkJobFailed(ctx, job.ID, "unknown job type: "+job.Type); err != nil {
			p.log.Error("mark job failed error", "job_id", job.ID, "error", err)
		}
		p.observe(job.Type, "unknown_type", start)
		return
	}

	timeout := entry.timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	p.log.Info("executing job",
		"job_id", job.ID, "type", job.Type, "attempt", job.Attempts,
		"max_attempts", job.MaxAttempts)

	err := p.runHandler(ctx, entry.fn, job.Payload, timeout)
	if err == nil {
		if err := p.store.CompleteJob(ctx, job.ID); err != nil {
			p.log.Error("complete job error", "job_id", job.ID, "error", err)
			return
		}
		p.log.Info("job completed",
			"job_id", job.ID, "type", job.Type, "duration", time.Since(start))
		p.observe(job.Type, "completed", start)
		return
	}

	p.settleFailure(ctx, job, err, start)
}

// runHandler invokes h in its own goroutine and waits at most timeout for it
// to return. On timeout the handler's goroutine is abandoned, not cancelled:
// the execution context is marked done so cooperative handlers unwind, but
// the executor stops waiting either way. Panics are converted to errors so
// one bad job never takes down the pool.
func (p *Pool) runHandler(ctx context.Context, h Handler, payload json.RawMessage, timeout time.Duration) error {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h(execCtx, payload)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return errExecutionTimeout
		}
		return err
	case <-execCtx.Done():
		return errExecutionTimeout
	}
}

// settleFailure is the retry/backoff controller: attempts exhausted means
// terminal failure, otherwise the job goes back to pending with an
// exponentially backed-off scheduled_at. One-shot jobs (max_attempts = 1)
// fail terminally on their first error so sensitive, non-idempotent work is
// never silently re-run.
func (p *Pool) settleFailure(ctx context.Context, job *store.Job, execErr error, start time.Time) {
	// Persisted message stays concise; detail goes to the log only.
	msg := execErr.Error()

	if job.Attempts >= job.MaxAttempts {
		p.log.Error("job failed terminally",
			"job_id", job.ID, "type", job.Type, "attempt", job.Attempts,
			"duration", time.Since(start), "error", execErr)
		if err := p.store.MarkJobFailed(ctx, job.ID, msg); err != nil {
			p.log.Error("mark job failed error", "job_id", job.ID, "error", err)
		}
		p.observe(job.Type, "failed", start)
		return
	}

	delay := p.backoffDelay(int(job.Attempts))
	nextRun := time.Now().Add(delay)
	p.log.Warn("job failed, scheduling retry",
		"job_id", job.ID, "type", job.Type, "attempt", job.Attempts,
		"retry_in", delay, "error", execErr)
	if err := p.store.RetryJob(ctx, job.ID, nextRun, msg); err != nil {
		p.log.Error("retry job error", "job_id", job.ID, "error", err)
	}
	p.observe(job.Type, "retried", start)
}
