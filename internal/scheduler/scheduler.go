// Package scheduler enqueues recurring jobs on fixed intervals.
//
// Each registered entry gets its own ticker goroutine whose lifetime is tied
// to the context passed to Start. Before every enqueue the scheduler checks
// for an existing pending or running job of the same type, so a slow prior
// run never piles duplicates into the queue.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mkid095/vps-system/internal/store"
)

// Queue is the enqueue surface the scheduler needs. *store.Store satisfies it.
type Queue interface {
	EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, opts ...store.EnqueueOption) (uuid.UUID, error)
	HasActiveJob(ctx context.Context, jobType string) (bool, error)
}

// ErrDuplicateEntry is returned by Every when the job type is already
// registered for recurring scheduling.
var ErrDuplicateEntry = errors.New("recurring job already registered for type")

type entry struct {
	jobType  string
	payload  json.RawMessage
	interval time.Duration
	opts     []store.EnqueueOption
}

// Scheduler periodically enqueues recurring jobs.
type Scheduler struct {
	queue Queue
	log   *slog.Logger

	// MaxJitter staggers the first fire of each entry so a fleet of workers
	// restarting together does not enqueue in lockstep. Defaults to 10s.
	MaxJitter time.Duration

	mu      sync.Mutex
	entries map[string]entry
	started bool
}

// New creates a Scheduler that enqueues into q.
func New(q Queue) *Scheduler {
	return &Scheduler{
		queue:     q,
		log:       slog.Default(),
		MaxJitter: 10 * time.Second,
		entries:   make(map[string]entry),
	}
}

// Every registers jobType to be enqueued once per interval with the given
// payload. Must be called before Start. Enqueue options (priority, max
// attempts) are forwarded on every fire.
func (s *Scheduler) Every(interval time.Duration, jobType string, payload json.RawMessage, opts ...store.EnqueueOption) error {
	if jobType == "" {
		return store.ErrEmptyJobType
	}
	if interval <= 0 {
		return errors.New("recurring interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if _, ok := s.entries[jobType]; ok {
		return ErrDuplicateEntry
	}
	s.entries[jobType] = entry{
		jobType:  jobType,
		payload:  payload,
		interval: interval,
		opts:     opts,
	}
	return nil
}

// Start launches one ticker goroutine per registered entry and blocks until
// ctx is cancelled and all tickers have stopped.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	entries := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			s.run(ctx, e)
		}(e)
	}
	wg.Wait()
	s.log.Info("scheduler stopped")
}

// run fires e.jobType once per interval. The initial fire is delayed by a
// random jitter within MaxJitter.
func (s *Scheduler) run(ctx context.Context, e entry) {
	if s.MaxJitter > 0 {
		timer := time.NewTimer(rand.N(s.MaxJitter)) //nolint:gosec // startup stagger only
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	s.log.Info("recurring job scheduled", "type", e.jobType, "interval", e.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, e)
		}
	}
}

// fire enqueues one instance of e unless a pending or running job of the
// same type already exists. Enqueue errors are logged and retried on the
// next interval.
func (s *Scheduler) fire(ctx context.Context, e entry) {
	active, err := s.queue.HasActiveJob(ctx, e.jobType)
	if err != nil {
		s.log.Error("recurring job duplicate check failed", "type", e.jobType, "error", err)
		return
	}
	if active {
		s.log.Debug("recurring job still active, skipping enqueue", "type", e.jobType)
		return
	}

	id, err := s.queue.EnqueueJob(ctx, e.jobType, e.payload, e.opts...)
	if err != nil {
		s.log.Error("recurring job enqueue failed", "type", e.jobType, "error", err)
		return
	}
	s.log.Info("recurring job enqueued", "type", e.jobType, "job_id", id)
}
