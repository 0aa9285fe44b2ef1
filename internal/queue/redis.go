package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/core-coin/solvere/internal/metrics"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

var _ Broker = (*Redis)(nil)

const (
	keyPrefix        = "solvere:queue"
	blockTimeout     = 2 * time.Second
	promoteInterval  = 500 * time.Millisecond
	promoteBatchSize = 100
)

// Redis is a Broker backed by Redis lists. Each consumer moves jobs into its own
// processing list with BRPOPLPUSH and removes them on completion, so jobs held by a
// crashed consumer are pushed back when a consumer with the same identity restarts.
// Delayed jobs live in a sorted set and are promoted when due.
type Redis struct {
	logger     *logger.Logger
	client     *redis.Client
	instanceID string
	dedupTTL   time.Duration
}

// NewRedis connects to the Redis server at url (redis://host:port/db).
func NewRedis(url, instanceID string, logger *logger.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{logger: logger, client: client, instanceID: instanceID, dedupTTL: DefaultDedupTTL}, nil
}

func readyKey(queue string) string {
	return keyPrefix + ":" + queue + ":ready"
}

func delayedKey(queue string) string {
	return keyPrefix + ":" + queue + ":delayed"
}

func deadKey(queue string) string {
	return keyPrefix + ":" + queue + ":dead"
}

func dedupKey(queue, id string) string {
	return keyPrefix + ":" + queue + ":dedup:" + id
}

func processingKey(queue, consumer string) string {
	return keyPrefix + ":" + queue + ":processing:" + consumer
}

func (r *Redis) Enqueue(ctx context.Context, job *models.Job) (bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	ok, err := r.client.SetNX(ctx, dedupKey(job.Queue, job.ID), time.Now().Unix(), r.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve job id: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := r.push(ctx, job); err != nil {
		// release the dedup reservation so the job can be enqueued again
		r.client.Del(ctx, dedupKey(job.Queue, job.ID))
		return false, err
	}
	return true, nil
}

func (r *Redis) push(ctx context.Context, job *models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if job.NotBefore.After(time.Now()) {
		err = r.client.ZAdd(ctx, delayedKey(job.Queue), &redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: raw,
		}).Err()
	} else {
		err = r.client.LPush(ctx, readyKey(job.Queue), raw).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// promote moves due delayed jobs to the ready list. ZRem guards against two
// promoters moving the same job.
func (r *Redis) promote(ctx context.Context, queue string) error {
	due, err := r.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		return err
	}
	for _, raw := range due {
		removed, err := r.client.ZRem(ctx, delayedKey(queue), raw).Result()
		if err != nil {
			return err
		}
		if removed == 1 {
			if err := r.client.LPush(ctx, readyKey(queue), raw).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// requeueInFlight pushes jobs left in a consumer's processing list back onto the ready list.
func (r *Redis) requeueInFlight(ctx context.Context, queue, consumer string) error {
	for {
		_, err := r.client.RPopLPush(ctx, processingKey(queue, consumer), readyKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *Redis) Consume(ctx context.Context, queue string, concurrency int, policy RetryPolicy, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(promoteInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := r.promote(ctx, queue); err != nil && ctx.Err() == nil {
					r.logger.Errorw("Failed to promote delayed jobs", "queue", queue, "error", err)
				}
			}
		}
	})

	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", r.instanceID, i)
		g.Go(func() error {
			if err := r.requeueInFlight(ctx, queue, consumer); err != nil {
				r.logger.Errorw("Failed to recover in-flight jobs", "queue", queue, "consumer", consumer, "error", err)
			}
			for ctx.Err() == nil {
				raw, err := r.client.BRPopLPush(ctx, readyKey(queue), processingKey(queue, consumer), blockTimeout).Result()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Errorw("Failed to fetch job", "queue", queue, "error", err)
						time.Sleep(time.Second)
					}
					continue
				}
				r.handle(ctx, queue, consumer, raw, policy, handler)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Redis) handle(ctx context.Context, queue, consumer, raw string, policy RetryPolicy, handler Handler) {
	defer r.client.LRem(context.Background(), processingKey(queue, consumer), 1, raw)

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		r.logger.Errorw("Dropping undecodable job", "queue", queue, "error", err)
		r.client.LPush(ctx, deadKey(queue), raw)
		return
	}
	job.Attempt++

	err := handler(ctx, &job)
	if err == nil {
		metrics.RecordJob(queue, "ok")
		return
	}
	if policy.ShouldRetry(job.Attempt) {
		metrics.RecordJob(queue, "retry")
		job.NotBefore = time.Now().Add(policy.Backoff(job.Attempt))
		r.logger.Warnw("Job failed, scheduling retry", "queue", queue, "job_id", job.ID, "attempt", job.Attempt, "error", err)
		if err := r.push(ctx, &job); err != nil {
			r.logger.Errorw("Failed to reschedule job", "queue", queue, "job_id", job.ID, "error", err)
		}
		return
	}
	metrics.RecordJob(queue, "dead")
	r.logger.Errorw("Job failed permanently", "queue", queue, "job_id", job.ID, "attempt", job.Attempt, "error", err)
	if encoded, err := json.Marshal(job); err == nil {
		r.client.LPush(ctx, deadKey(queue), encoded)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
