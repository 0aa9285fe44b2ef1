package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

// scheduleLeaseTTL keeps the scheduling lease with one instance across ticks.
const scheduleLeaseTTL = 2 * time.Minute

// LeaseStore grants named, expiring leases to instances.
type LeaseStore interface {
	TryAcquireAppLock(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (bool, error)
}

// Scheduler turns cron ticks into jobs on the reconciler queue. Only the instance
// holding a schedule's lease enqueues, and job IDs are derived from the tick minute,
// so every tick produces at most one job across replicas.
type Scheduler struct {
	logger     *logger.Logger
	cron       *cron.Cron
	queue      models.Queue
	leases     LeaseStore
	instanceID string
	now        func() time.Time
}

func NewScheduler(queue models.Queue, leases LeaseStore, instanceID string, logger *logger.Logger) *Scheduler {
	return &Scheduler{
		logger:     logger,
		cron:       cron.New(),
		queue:      queue,
		leases:     leases,
		instanceID: instanceID,
		now:        time.Now,
	}
}

// Add registers a job name under a standard five-field cron spec.
func (s *Scheduler) Add(name, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Fire(context.Background(), name); err != nil {
			s.logger.Errorw("Failed to fire scheduled job", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", name, err)
	}
	s.logger.Infow("Scheduled job registered", "job", name, "spec", spec)
	return nil
}

// Fire enqueues the named job for the current minute if this instance holds the lease.
func (s *Scheduler) Fire(ctx context.Context, name string) (bool, error) {
	now := s.now()
	ok, err := s.leases.TryAcquireAppLock(ctx, "schedule:"+name, s.instanceID, now, scheduleLeaseTTL)
	if err != nil {
		return false, fmt.Errorf("failed to acquire schedule lease: %w", err)
	}
	if !ok {
		s.logger.Debugw("Schedule lease held elsewhere", "job", name)
		return false, nil
	}
	tick := now.Truncate(time.Minute).Unix()
	return s.queue.Enqueue(ctx, &models.Job{
		ID:    fmt.Sprintf("%s:%d", name, tick),
		Queue: models.QueueReconciler,
		Name:  name,
	})
}

// Run starts the cron loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
