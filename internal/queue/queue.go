// Package queue delivers jobs at least once with per-job dedup keys, retries
// failed jobs with exponential backoff and turns cron schedules into jobs.
package queue

import (
	"context"
	"time"

	"github.com/core-coin/solvere/internal/models"
)

// Handler processes one job. A returned error schedules a retry according to the
// consumer's RetryPolicy.
type Handler func(ctx context.Context, job *models.Job) error

// Broker is a Queue that can also be consumed.
type Broker interface {
	models.Queue
	// Consume runs concurrency workers on the named queue until ctx is cancelled.
	Consume(ctx context.Context, queue string, concurrency int, policy RetryPolicy, handler Handler) error
	Close() error
}

// RetryPolicy bounds redelivery of failed jobs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Policies for the built-in queues.
var (
	IntentsPolicy    = RetryPolicy{MaxAttempts: 8, BaseDelay: 2 * time.Second}
	PayoutsPolicy    = RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second}
	ReconcilerPolicy = RetryPolicy{MaxAttempts: 1}
)

// Backoff returns the delay before the given (1-based) retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt-1))
}

// ShouldRetry reports whether a job that failed on its attempt-th delivery gets another one.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

const (
	// DefaultDedupTTL is how long a job ID blocks re-enqueueing.
	DefaultDedupTTL = 24 * time.Hour
	pollInterval    = 100 * time.Millisecond
)
