package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/core-coin/solvere/internal/metrics"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

var _ Broker = (*Memory)(nil)

// dedupSweepInterval bounds how often expired dedup keys are dropped.
const dedupSweepInterval = time.Hour

// Memory is an in-process Broker for development and tests.
type Memory struct {
	logger *logger.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string][]*models.Job
	seen map[string]time.Time
	dead map[string][]*models.Job

	lastSweep time.Time
}

func NewMemory(logger *logger.Logger) *Memory {
	return &Memory{
		logger: logger,
		now:    time.Now,
		jobs:   map[string][]*models.Job{},
		seen:   map[string]time.Time{},
		dead:   map[string][]*models.Job{},
	}
}

func (m *Memory) Enqueue(ctx context.Context, job *models.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	key := job.Queue + "/" + job.ID
	now := m.now()
	m.sweepSeen(now)
	if at, ok := m.seen[key]; ok && now.Sub(at) < DefaultDedupTTL {
		return false, nil
	}
	m.seen[key] = now
	j := *job
	m.jobs[job.Queue] = append(m.jobs[job.Queue], &j)
	return true, nil
}

// sweepSeen drops dedup keys older than DefaultDedupTTL. Callers hold m.mu.
func (m *Memory) sweepSeen(now time.Time) {
	if now.Sub(m.lastSweep) < dedupSweepInterval {
		return
	}
	m.lastSweep = now
	for key, at := range m.seen {
		if now.Sub(at) >= DefaultDedupTTL {
			delete(m.seen, key)
		}
	}
}

// Pending returns a snapshot of the jobs waiting on a queue, delayed ones included.
func (m *Memory) Pending(queue string) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.jobs[queue]))
	for _, j := range m.jobs[queue] {
		out = append(out, *j)
	}
	return out
}

// Dead returns jobs that exhausted their retry policy.
func (m *Memory) Dead(queue string) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.dead[queue]))
	for _, j := range m.dead[queue] {
		out = append(out, *j)
	}
	return out
}

// pop removes the first job on queue that is due.
func (m *Memory) pop(queue string) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	jobs := m.jobs[queue]
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].NotBefore.Before(jobs[j].NotBefore) })
	for i, j := range jobs {
		if j.NotBefore.After(now) {
			continue
		}
		m.jobs[queue] = append(jobs[:i:i], jobs[i+1:]...)
		return j
	}
	return nil
}

func (m *Memory) requeue(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.Queue] = append(m.jobs[job.Queue], job)
}

func (m *Memory) bury(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[job.Queue] = append(m.dead[job.Queue], job)
}

// Drain processes due jobs on queue synchronously until none are left. Failed
// jobs are rescheduled per policy but not waited for. Used by tests.
func (m *Memory) Drain(ctx context.Context, queue string, policy RetryPolicy, handler Handler) int {
	n := 0
	for {
		job := m.pop(queue)
		if job == nil {
			return n
		}
		m.handle(ctx, job, policy, handler)
		n++
	}
}

func (m *Memory) handle(ctx context.Context, job *models.Job, policy RetryPolicy, handler Handler) {
	job.Attempt++
	err := handler(ctx, job)
	if err == nil {
		metrics.RecordJob(job.Queue, "ok")
		return
	}
	if policy.ShouldRetry(job.Attempt) {
		metrics.RecordJob(job.Queue, "retry")
		job.NotBefore = m.now().Add(policy.Backoff(job.Attempt))
		m.logger.Warnw("Job failed, scheduling retry", "queue", job.Queue, "job_id", job.ID, "attempt", job.Attempt, "error", err)
		m.requeue(job)
		return
	}
	metrics.RecordJob(job.Queue, "dead")
	m.logger.Errorw("Job failed permanently", "queue", job.Queue, "job_id", job.ID, "attempt", job.Attempt, "error", err)
	m.bury(job)
}

func (m *Memory) Consume(ctx context.Context, queue string, concurrency int, policy RetryPolicy, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()
			for {
				if job := m.pop(queue); job != nil {
					m.handle(ctx, job, policy, handler)
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func (m *Memory) Close() error {
	return nil
}
