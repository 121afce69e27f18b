// Package jobs provides the durable delayed-job queue behind the message
// pipeline. Delay is a queue-level property: jobs survive process restarts,
// and re-scheduling with the same dedupe key replaces the pending job
// instead of duplicating it. Delivery is at-least-once; handlers must
// re-validate their preconditions at fire time.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Class identifies a job class. Each class has its own worker pool.
type Class string

const (
	ClassSettle   Class = "message.settle"    // debounce settle-checks
	ClassEvaluate Class = "followup.evaluate" // inactivity evaluations
	ClassMedia    Class = "media.send"        // outbound media sends
	ClassDispatch Class = "message.dispatch"  // outbound delivery retries
)

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Job is one scheduling envelope.
type Job struct {
	ID          uuid.UUID
	Class       Class
	Payload     json.RawMessage
	FireAt      time.Time
	DedupeKey   string
	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
}

// Options configure an enqueue.
type Options struct {
	// Delay before the job becomes eligible. Zero or negative means
	// fire-eligible immediately.
	Delay time.Duration

	// DedupeKey makes the enqueue replace any pending job with the same
	// key. Empty disables deduplication.
	DedupeKey string

	// MaxAttempts caps retries; 0 uses the backend default.
	MaxAttempts int
}

// Queue is the enqueue/cancel surface used by pipeline components.
type Queue interface {
	// Enqueue schedules payload (JSON-encoded) for execution.
	Enqueue(ctx context.Context, class Class, payload any, opts Options) error

	// Cancel removes the pending job with the given dedupe key.
	// Canceling an already-fired or absent job is a no-op.
	Cancel(ctx context.Context, dedupeKey string) error
}

// Backend is the full storage surface the runner polls.
type Backend interface {
	Queue

	// ClaimDue atomically claims up to limit due jobs of the class,
	// transitioning them pending→running.
	ClaimDue(ctx context.Context, class Class, limit int, now time.Time) ([]Job, error)

	// Complete marks a running job done.
	Complete(ctx context.Context, id uuid.UUID) error

	// Retry returns a running job to pending with a new fire time.
	Retry(ctx context.Context, id uuid.UUID, lastError string, fireAt time.Time) error

	// Fail marks a running job failed permanently.
	Fail(ctx context.Context, id uuid.UUID, lastError string) error
}

// SkipError is an expected non-error outcome: the job's precondition no
// longer holds (stale debounce trigger, inactive conversation, superseded
// activity). Skips complete the job and are never retried or logged at
// error severity.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// Skip builds a SkipError.
func Skip(reason string) error { return &SkipError{Reason: reason} }

// IsSkip reports whether err is a skip outcome.
func IsSkip(err error) bool {
	var s *SkipError
	return errors.As(err, &s)
}

// permanenter is implemented by errors that must not be retried
// (invalid credentials, permanently rejected recipient).
type permanenter interface {
	Permanent() bool
}

// IsPermanent reports whether err should bypass the retry policy.
func IsPermanent(err error) bool {
	var p permanenter
	return errors.As(err, &p) && p.Permanent()
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent wraps err so the runner fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func encodePayload(payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	return raw, nil
}
