// Package worker provides the goroutine pool that claims and executes jobs
// from the jobs table using FOR UPDATE SKIP LOCKED.
//
// Handlers are registered per job type before calling Pool.Start. A single
// polling goroutine claims batches sized to the free concurrency budget and
// dispatches each claimed job to its own executor goroutine; a heartbeat
// goroutine keeps running rows fresh and a recovery goroutine resets jobs
// orphaned by crashed workers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Handler is the function executed for each claimed job. A non-nil return
// value triggers retry logic (exponential backoff up to max_attempts, then
// terminal failed status). A nil return marks the job completed.
//
// The payload is passed verbatim from enqueue time; handlers must not assume
// the queue mutates it. Long-running handlers should check ctx at loop
// boundaries — the executor stops waiting at the configured timeout whether
// or not the handler cooperates.
type Handler func(ctx context.Context, payload json.RawMessage) error

// ErrDuplicateHandler is returned by Register when a handler is already
// bound to the job type. Silent overrides hide bootstrap bugs.
var ErrDuplicateHandler = errors.New("handler already registered for job type")

// RegisterOptions holds per-type execution settings.
type RegisterOptions struct {
	// Timeout bounds one execution of this job type. Zero means the pool's
	// default timeout.
	Timeout time.Duration
}

// RegisterOption is a functional option for Register.
type RegisterOption func(*RegisterOptions)

// WithTimeout sets a per-type execution timeout.
func WithTimeout(d time.Duration) RegisterOption {
	return func(o *RegisterOptions) { o.Timeout = d }
}
