package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mkid095/vps-system/internal/store"
)

// Store is the persistence surface the pool needs. *store.Store satisfies it;
// unit tests substitute an in-memory fake.
type Store interface {
	ClaimJobs(ctx context.Context, limit int, workerID string) ([]*store.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	RetryJob(ctx context.Context, id uuid.UUID, nextRunAt time.Time, lastError string) error
	MarkJobFailed(ctx context.Context, id uuid.UUID, lastError string) error
	HeartbeatJobs(ctx context.Context, ids []uuid.UUID) error
	RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Config holds pool tuning parameters (sourced from config.Config).
// Zero fields take the defaults below.
type Config struct {
	// Concurrency is the maximum number of jobs in flight across the whole
	// pool, not per poll tick.
	Concurrency       int
	PollInterval      time.Duration
	DefaultTimeout    time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	StaleCheckEvery   time.Duration
	BackoffBase       time.Duration
	// BackoffMax caps the pre-jitter retry delay; the jitter multiplier in
	// [0.5, 1.5) applies afterwards, so the effective delay can reach
	// 1.5 × BackoffMax.
	BackoffMax time.Duration
	// ShutdownGrace bounds how long Start waits for in-flight jobs after its
	// context is cancelled. Jobs still running afterwards are abandoned; the
	// stale recovery goroutine of a surviving worker picks up their rows.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	if c.StaleCheckEvery <= 0 {
		c.StaleCheckEvery = time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Hour
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = time.Minute
	}
	return c
}

type handlerEntry struct {
	fn      Handler
	timeout time.Duration
}

// Pool claims and executes jobs until its context is cancelled.
type Pool struct {
	store    Store
	cfg      Config
	workerID string
	log      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]handlerEntry

	sem chan struct{} // in-flight concurrency slots; acquired only by the poll goroutine
	wg  sync.WaitGroup

	runningMu sync.Mutex
	running   map[uuid.UUID]struct{}

	// claimErrLog throttles repeated claim-failure logging during database
	// outages; the poll loop itself retries every tick regardless.
	claimErrLog *rate.Limiter
}

// New creates a Pool backed by s. A random workerID is generated at
// construction time to distinguish this process in the locked_by column.
func New(s Store, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		store:       s,
		cfg:         cfg,
		workerID:    uuid.New().String(),
		log:         slog.Default(),
		handlers:    make(map[string]handlerEntry),
		sem:         make(chan struct{}, cfg.Concurrency),
		running:     make(map[uuid.UUID]struct{}),
		claimErrLog: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// WorkerID returns the identity stamped into locked_by on claimed rows.
func (p *Pool) WorkerID() string { return p.workerID }

// Register binds h to jobType. Must be called before Start. Returns
// ErrDuplicateHandler if the type is already bound.
func (p *Pool) Register(jobType string, h Handler, opts ...RegisterOption) error {
	var o RegisterOptions
	for _, opt := range opts {
		opt(&o)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[jobType]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, jobType)
	}
	p.handlers[jobType] = handlerEntry{fn: h, timeout: o.Timeout}
	return nil
}

// Start runs the poll, heartbeat, and stale-recovery goroutines until ctx is
// cancelled, then drains: no new claims are made, and Start waits up to
// ShutdownGrace for in-flight executors to settle before returning.
func (p *Pool) Start(ctx context.Context) {
	// Drain-phase operations (heartbeats, status writes for finishing jobs)
	// must survive ctx cancellation.
	drainCtx := context.WithoutCancel(ctx)

	stopped := make(chan struct{})
	var loops sync.WaitGroup

	loops.Add(1)
	go func() {
		defer loops.Done()
		p.runHeartbeat(drainCtx, stopped)
	}()

	loops.Add(1)
	go func() {
		defer loops.Done()
		p.runStaleRecovery(ctx)
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("worker pool started",
		"worker_id", p.workerID, "concurrency", p.cfg.Concurrency,
		"poll_interval", p.cfg.PollInterval)

poll:
	for {
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
			p.tick(ctx, drainCtx)
		}
	}

	p.log.Info("worker pool draining", "grace", p.cfg.ShutdownGrace)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	drainTimer := time.NewTimer(p.cfg.ShutdownGrace)
	defer drainTimer.Stop()
	select {
	case <-done:
	case <-drainTimer.C:
		p.log.Warn("shutdown grace elapsed with jobs still in flight",
			"in_flight", len(p.runningIDs()))
	}

	close(stopped)
	loops.Wait()
	p.log.Info("worker pool stopped", "worker_id", p.workerID)
}

// tick claims up to the free concurrency budget and dispatches each job to
// its own executor goroutine. Claim failures are infrastructure faults: they
// are logged (throttled) and retried on the next tick without touching any
// job's attempts.
func (p *Pool) tick(ctx, drainCtx context.Context) {
	free := p.cfg.Concurrency - len(p.sem)
	if free <= 0 {
		return
	}

	jobs, err := p.store.ClaimJobs(ctx, free, p.workerID)
	if err != nil {
		if p.claimErrLog.Allow() {
			p.log.Error("claim jobs failed, will retry next tick", "error", err)
		}
		return
	}

	for _, job := range jobs {
		p.sem <- struct{}{} // cannot block: batch size <= free slots
		p.trackRunning(job.ID)
		p.wg.Add(1)
		go func(job *store.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			defer p.untrackRunning(job.ID)
			p.execute(drainCtx, job)
		}(job)
	}
}

// runHeartbeat refreshes heartbeat_at on in-flight jobs until stopped is
// closed. It keeps running through the drain phase so finishing jobs are not
// mistaken for orphans.
func (p *Pool) runHeartbeat(ctx context.Context, stopped <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
			ids := p.runningIDs()
			if len(ids) == 0 {
				continue
			}
			if err := p.store.HeartbeatJobs(ctx, ids); err != nil {
				p.log.Error("heartbeat failed", "error", err, "jobs", len(ids))
			}
		}
	}
}

// runStaleRecovery periodically resets jobs orphaned by crashed workers.
func (p *Pool) runStaleRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StaleCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RecoverStaleJobs(ctx, p.cfg.StaleThreshold)
			if err != nil {
				p.log.Error("stale job recovery failed", "error", err)
				continue
			}
			if n > 0 {
				staleRecovered.Add(float64(n))
				p.log.Info("recovered stale jobs", "count", n)
			}
		}
	}
}

func (p *Pool) handler(jobType string) (handlerEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

func (p *Pool) trackRunning(id uuid.UUID) {
	p.runningMu.Lock()
	p.running[id] = struct{}{}
	p.runningMu.Unlock()
	jobsInFlight.Inc()
}

func (p *Pool) untrackRunning(id uuid.UUID) {
	p.runningMu.Lock()
	delete(p.running, id)
	p.runningMu.Unlock()
	jobsInFlight.Dec()
}

func (p *Pool) runningIDs() []uuid.UUID {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	ids := make([]uuid.UUID, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	return ids
}

// backoffDelay computes the retry delay after the given attempt number
// (1-based): base * 2^(attempt-1) capped at BackoffMax, multiplied by a
// jitter factor in [0.5, 1.5) to spread out re-claims.
func (p *Pool) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if capped := float64(p.cfg.BackoffMax); delay > capped {
		delay = capped
	}
	jitter := 0.5 + rand.Float64() //nolint:gosec // jitter is not security-sensitive
	return time.Duration(delay * jitter)
}

var errExecutionTimeout = errors.New("execution timed out")
