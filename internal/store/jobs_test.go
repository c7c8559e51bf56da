// ABOUTME: Integration tests for store/jobs.go — enqueue, claim, complete, fail, retry.
// ABOUTME: Uses testutil.NewTestDB; each test runs in its own container (t.Parallel).
package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Mkid095/vps-system/internal/store"
	"github.com/Mkid095/vps-system/internal/testutil"
)

// mustEnqueue enqueues a job or fatals the test.
func mustEnqueue(t *testing.T, s *store.Store, ctx context.Context, jobType string, opts ...store.EnqueueOption) uuid.UUID {
	t.Helper()
	id, err := s.EnqueueJob(ctx, jobType, json.RawMessage(`{"k":"v"}`), opts...)
	if err != nil {
		t.Fatalf("EnqueueJob(%q): %v", jobType, err)
	}
	return id
}

// mustClaimOne claims exactly one job or fatals the test.
func mustClaimOne(t *testing.T, s *store.Store, ctx context.Context, workerID string) *store.Job {
	t.Helper()
	jobs, err := s.ClaimJobs(ctx, 1, workerID)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("ClaimJobs returned %d jobs, want 1", len(jobs))
	}
	return jobs[0]
}

func TestEnqueueJobValidation(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, "", nil); !errors.Is(err, store.ErrEmptyJobType) {
		t.Errorf("empty type: err = %v, want ErrEmptyJobType", err)
	}
	if _, err := s.EnqueueJob(ctx, "rotate_key", json.RawMessage(`{not json`)); !errors.Is(err, store.ErrInvalidPayload) {
		t.Errorf("bad payload: err = %v, want ErrInvalidPayload", err)
	}
}

func TestEnqueueJobDefaults(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, "rotate_key")

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.StatusPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", job.Attempts)
	}
	if job.MaxAttempts != store.DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", job.MaxAttempts, store.DefaultMaxAttempts)
	}
	if job.StartedAt != nil || job.CompletedAt != nil || job.LastError != nil {
		t.Error("new job should have nil started_at, completed_at, last_error")
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	_, err := s.GetJob(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestClaimJobs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, "rotate_key")
	job := mustClaimOne(t, s, ctx, "worker-1")

	if job.ID != id {
		t.Errorf("claimed ID = %s, want %s", job.ID, id)
	}
	if job.Status != store.StatusRunning {
		t.Errorf("Status = %q, want running", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", job.Attempts)
	}
	if job.StartedAt == nil || job.HeartbeatAt == nil {
		t.Error("claim should set started_at and heartbeat_at")
	}
	if job.LockedBy == nil || *job.LockedBy != "worker-1" {
		t.Errorf("LockedBy = %v, want worker-1", job.LockedBy)
	}

	// A running job must not be claimable again.
	again, err := s.ClaimJobs(ctx, 5, "worker-2")
	if err != nil {
		t.Fatalf("second ClaimJobs: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d jobs, want 0", len(again))
	}
}

func TestClaimSkipsDelayedJobs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, ctx, "export_backup", store.WithDelay(time.Hour))

	jobs, err := s.ClaimJobs(ctx, 5, "worker-1")
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("claimed %d delayed jobs, want 0", len(jobs))
	}
}

func TestClaimOrdering(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	older := mustEnqueue(t, s, ctx, "a", store.WithRunAt(time.Now().Add(-2*time.Hour)))
	newer := mustEnqueue(t, s, ctx, "b", store.WithRunAt(time.Now().Add(-time.Hour)))
	urgent := mustEnqueue(t, s, ctx, "c", store.WithPriority(10))

	jobs, err := s.ClaimJobs(ctx, 3, "worker-1")
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("claimed %d jobs, want 3", len(jobs))
	}
	want := []uuid.UUID{urgent, older, newer}
	for i, job := range jobs {
		if job.ID != want[i] {
			t.Errorf("claim order[%d] = %s, want %s", i, job.ID, want[i])
		}
	}
}

// TestClaimConcurrent drives N concurrent claimers at a single pending row:
// exactly one must win it.
func TestClaimConcurrent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, ctx, "rotate_key")

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.ClaimJobs(ctx, 1, uuid.New().String())
			if err != nil {
				t.Errorf("concurrent ClaimJobs: %v", err)
				return
			}
			mu.Lock()
			claimed += len(jobs)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Errorf("job claimed %d times across %d concurrent claimers, want exactly 1", claimed, claimers)
	}
}

func TestCompleteJobIdempotent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, "rotate_key")
	mustClaimOne(t, s, ctx, "worker-1")

	if err := s.CompleteJob(ctx, id); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	first, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if first.Status != store.StatusCompleted || first.CompletedAt == nil {
		t.Fatalf("after complete: status=%q completed_at=%v", first.Status, first.CompletedAt)
	}

	if err := s.CompleteJob(ctx, id); err != nil {
		t.Fatalf("second CompleteJob: %v", err)
	}
	second, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Errorf("second CompleteJob moved completed_at: %v → %v", first.CompletedAt, second.CompletedAt)
	}

	// Terminal finality: a completed job is never claimed again.
	jobs, err := s.ClaimJobs(ctx, 5, "worker-2")
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("claimed %d completed jobs, want 0", len(jobs))
	}
}

func TestRetryJobFlow(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, "export_backup")
	mustClaimOne(t, s, ctx, "worker-1")

	// Failure with a future retry time: back to pending, not yet claimable.
	if err := s.RetryJob(ctx, id, time.Now().Add(time.Hour), "connection refused"); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.StatusPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 after first claim", job.Attempts)
	}
	if job.LastError == nil || *job.LastError != "connection refused" {
		t.Errorf("LastError = %v, want connection refused", job.LastError)
	}
	if job.LockedBy != nil {
		t.Error("retry should clear locked_by")
	}

	jobs, err := s.ClaimJobs(ctx, 5, "worker-2")
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("claimed %d jobs before retry backoff elapsed, want 0", len(jobs))
	}

	// Once the retry time passes, the next claim increments attempts again.
	// Collapse the backoff window directly rather than sleeping.
	if _, err := s.Pool().Exec(ctx, `UPDATE jobs SET scheduled_at = now() WHERE id = $1`, id); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	reclaimed := mustClaimOne(t, s, ctx, "worker-2")
	if reclaimed.Attempts != 2 {
		t.Errorf("Attempts = %d after second claim, want 2", reclaimed.Attempts)
	}
}

func TestMarkJobFailedTerminal(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, "rotate_key", store.WithMaxAttempts(1))
	mustClaimOne(t, s, ctx, "worker-1")

	if err := s.MarkJobFailed(ctx, id, "key vault unreachable"); err != nil {
		t.Fatalf("MarkJobFailed: %v", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.StatusFailed {
		t.Errorf("Status = %q, want failed", job.Status)
	}
	if job.CompletedAt == nil {
		t.Error("terminal failure should set completed_at")
	}
	if job.LastError == nil || *job.LastError != "key vault unreachable" {
		t.Errorf("LastError = %v, want key vault unreachable", job.LastError)
	}

	jobs, err := s.ClaimJobs(ctx, 5, "worker-2")
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("claimed %d failed jobs, want 0", len(jobs))
	}
}

func TestRetryFailedJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, "rotate_key", store.WithMaxAttempts(1))
	mustClaimOne(t, s, ctx, "worker-1")
	if err := s.MarkJobFailed(ctx, id, "boom"); err != nil {
		t.Fatalf("MarkJobFailed: %v", err)
	}

	if err := s.RetryFailedJob(ctx, id); err != nil {
		t.Fatalf("RetryFailedJob: %v", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.StatusPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 after operator retry", job.Attempts)
	}
	if job.CompletedAt != nil {
		t.Error("operator retry should clear completed_at")
	}
	// The job is claimable again immediately.
	mustClaimOne(t, s, ctx, "worker-2")
}

func TestRetryFailedJobValidation(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.RetryFailedJob(ctx, uuid.New()); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("missing job: err = %v, want ErrJobNotFound", err)
	}

	id := mustEnqueue(t, s, ctx, "rotate_key")
	if err := s.RetryFailedJob(ctx, id); !errors.Is(err, store.ErrJobNotTerminal) {
		t.Errorf("pending job: err = %v, want ErrJobNotTerminal", err)
	}
}

func TestHeartbeatJobsRefreshesRunningRows(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	running := mustEnqueue(t, s, ctx, "export_backup")
	pending := mustEnqueue(t, s, ctx, "rotate_key", store.WithDelay(time.Hour))
	mustClaimOne(t, s, ctx, "worker-1")

	// Age the claim-time heartbeat so the refresh is observable.
	if _, err := s.Pool().Exec(ctx,
		`UPDATE jobs SET heartbeat_at = now() - interval '4 minutes' WHERE id = $1`, running); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
	stale, err := s.GetJob(ctx, running)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if err := s.HeartbeatJobs(ctx, []uuid.UUID{running, pending}); err != nil {
		t.Fatalf("HeartbeatJobs: %v", err)
	}

	fresh, err := s.GetJob(ctx, running)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fresh.HeartbeatAt == nil || !fresh.HeartbeatAt.After(*stale.HeartbeatAt) {
		t.Errorf("heartbeat_at = %v, want later than %v", fresh.HeartbeatAt, stale.HeartbeatAt)
	}
	// A refreshed heartbeat keeps the job invisible to the reaper.
	n, err := s.RecoverStaleJobs(ctx, time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaleJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("reaper recovered %d jobs after heartbeat refresh, want 0", n)
	}

	// Non-running rows are untouched even when their ID is passed.
	other, err := s.GetJob(ctx, pending)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if other.HeartbeatAt != nil {
		t.Errorf("pending job heartbeat_at = %v, want nil", other.HeartbeatAt)
	}
}

func TestRecoverStaleJobs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Job with budget left: reset to pending.
	resettable := mustEnqueue(t, s, ctx, "export_backup", store.WithMaxAttempts(3))
	// Job on its last attempt: fails terminally.
	exhausted := mustEnqueue(t, s, ctx, "rotate_key", store.WithMaxAttempts(1))

	jobs, err := s.ClaimJobs(ctx, 2, "dead-worker")
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(jobs))
	}

	// Backdate the heartbeats as if the worker died ten minutes ago.
	if _, err := s.Pool().Exec(ctx,
		`UPDATE jobs SET heartbeat_at = now() - interval '10 minutes' WHERE status = 'running'`); err != nil {
		t.Fatalf("backdate heartbeats: %v", err)
	}

	n, err := s.RecoverStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaleJobs: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d jobs, want 2", n)
	}

	a, err := s.GetJob(ctx, resettable)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if a.Status != store.StatusPending {
		t.Errorf("resettable job status = %q, want pending", a.Status)
	}
	b, err := s.GetJob(ctx, exhausted)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if b.Status != store.StatusFailed {
		t.Errorf("exhausted job status = %q, want failed", b.Status)
	}
}

func TestRecoverStaleJobsIgnoresFresh(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, ctx, "export_backup")
	mustClaimOne(t, s, ctx, "live-worker")

	n, err := s.RecoverStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaleJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered %d fresh jobs, want 0", n)
	}
}

func TestHasActiveJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	active, err := s.HasActiveJob(ctx, "check_usage_limits")
	if err != nil {
		t.Fatalf("HasActiveJob: %v", err)
	}
	if active {
		t.Error("HasActiveJob = true on empty table")
	}

	id := mustEnqueue(t, s, ctx, "check_usage_limits")
	for _, phase := range []string{"pending", "running"} {
		active, err = s.HasActiveJob(ctx, "check_usage_limits")
		if err != nil {
			t.Fatalf("HasActiveJob (%s): %v", phase, err)
		}
		if !active {
			t.Errorf("HasActiveJob = false while job is %s", phase)
		}
		if phase == "pending" {
			mustClaimOne(t, s, ctx, "worker-1")
		}
	}

	if err := s.CompleteJob(ctx, id); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	active, err = s.HasActiveJob(ctx, "check_usage_limits")
	if err != nil {
		t.Fatalf("HasActiveJob: %v", err)
	}
	if active {
		t.Error("HasActiveJob = true after completion")
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, ctx, "rotate_key")
	mustEnqueue(t, s, ctx, "export_backup")
	completed := mustEnqueue(t, s, ctx, "export_backup", store.WithPriority(5))
	mustClaimOne(t, s, ctx, "worker-1") // claims the priority-5 job
	if err := s.CompleteJob(ctx, completed); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	all, err := s.ListJobs(ctx, store.ListJobsFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListJobs returned %d jobs, want 3", len(all))
	}

	backups, err := s.ListJobs(ctx, store.ListJobsFilter{Type: "export_backup", Status: store.StatusPending})
	if err != nil {
		t.Fatalf("ListJobs filtered: %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("filtered ListJobs returned %d jobs, want 1", len(backups))
	}

	counts, err := s.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountJobsByStatus: %v", err)
	}
	if counts[store.StatusPending] != 2 || counts[store.StatusCompleted] != 1 {
		t.Errorf("counts = %v, want pending=2 completed=1", counts)
	}
}
