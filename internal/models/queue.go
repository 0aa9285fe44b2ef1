package models

import (
	"context"
	"time"
)

// Queue names.
const (
	QueueIntents    = "intents"
	QueuePayouts    = "payouts"
	QueueReconciler = "reconciler"
)

// Job is a unit of work delivered at least once by a Queue.
type Job struct {
	// ID is the dedup key. Enqueueing an ID that is still known to the queue is a no-op.
	ID        string            `json:"id"`
	Queue     string            `json:"queue"`
	Name      string            `json:"name"`
	Data      map[string]string `json:"data,omitempty"`
	Attempt   int               `json:"attempt"`
	NotBefore time.Time         `json:"not_before,omitempty"`
}

// Queue accepts jobs for asynchronous processing.
type Queue interface {
	// Enqueue returns false when a job with the same ID was already accepted.
	Enqueue(ctx context.Context, job *Job) (bool, error)
}

// Job names.
const (
	JobProcessIntent = "process_intent"
	JobProcessPayout = "process_payout"
	JobReconcile     = "reconcile"
	JobResetStuck    = "reset_stuck"
	JobRetryIntents  = "retry_intents"
	JobMarkPayable   = "mark_payable"
)
