package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

// newTestRedis connects to SOLVERE_TEST_REDIS_URL and returns a queue name
// unique to the test. Keys under it are removed on cleanup.
func newTestRedis(t *testing.T) (*Redis, string) {
	t.Helper()
	url := os.Getenv("SOLVERE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SOLVERE_TEST_REDIS_URL not set")
	}
	r, err := NewRedis(url, "test-"+uuid.NewString(), logger.NewNop())
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	queue := "test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := r.client.Keys(ctx, keyPrefix+":"+queue+":*").Result()
		if err == nil && len(keys) > 0 {
			r.client.Del(ctx, keys...)
		}
		r.Close()
	})
	return r, queue
}

func TestRedisEnqueueDedupsByID(t *testing.T) {
	r, queue := newTestRedis(t)
	ctx := context.Background()

	ok, err := r.Enqueue(ctx, &models.Job{ID: "intent-1", Queue: queue})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Enqueue(ctx, &models.Job{ID: "intent-1", Queue: queue})
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := r.client.LLen(ctx, readyKey(queue)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ttl, err := r.client.TTL(ctx, dedupKey(queue, "intent-1")).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= DefaultDedupTTL, ttl.String())
}

func TestRedisPromotesDelayedJobsWhenDue(t *testing.T) {
	r, queue := newTestRedis(t)
	ctx := context.Background()

	ok, err := r.Enqueue(ctx, &models.Job{ID: "later", Queue: queue, NotBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.Enqueue(ctx, &models.Job{ID: "soon", Queue: queue, NotBefore: time.Now().Add(300 * time.Millisecond)})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.promote(ctx, queue))
	n, err := r.client.LLen(ctx, readyKey(queue)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Eventually(t, func() bool {
		if err := r.promote(ctx, queue); err != nil {
			return false
		}
		n, err := r.client.LLen(ctx, readyKey(queue)).Result()
		return err == nil && n == 1
	}, 5*time.Second, 50*time.Millisecond)

	raw, err := r.client.LIndex(ctx, readyKey(queue), 0).Result()
	require.NoError(t, err)
	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	assert.Equal(t, "soon", job.ID)

	delayed, err := r.client.ZCard(ctx, delayedKey(queue)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestRedisRequeuesInFlightJobs(t *testing.T) {
	r, queue := newTestRedis(t)
	ctx := context.Background()
	consumer := r.instanceID + "-0"

	for _, id := range []string{"a", "b"} {
		raw, err := json.Marshal(models.Job{ID: id, Queue: queue})
		require.NoError(t, err)
		require.NoError(t, r.client.LPush(ctx, processingKey(queue, consumer), raw).Err())
	}

	require.NoError(t, r.requeueInFlight(ctx, queue, consumer))

	inFlight, err := r.client.LLen(ctx, processingKey(queue, consumer)).Result()
	require.NoError(t, err)
	assert.Zero(t, inFlight)
	ready, err := r.client.LLen(ctx, readyKey(queue)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), ready)
}

func TestRedisBuriesExhaustedJobs(t *testing.T) {
	r, queue := newTestRedis(t)
	ctx := context.Background()
	consumer := r.instanceID + "-0"

	raw, err := json.Marshal(models.Job{ID: "doomed", Queue: queue})
	require.NoError(t, err)
	require.NoError(t, r.client.LPush(ctx, processingKey(queue, consumer), raw).Err())

	calls := 0
	r.handle(ctx, queue, consumer, string(raw), RetryPolicy{MaxAttempts: 1, BaseDelay: time.Second}, func(ctx context.Context, job *models.Job) error {
		calls++
		return errors.New("boom")
	})
	assert.Equal(t, 1, calls)

	dead, err := r.client.LRange(ctx, deadKey(queue), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(dead[0]), &job))
	assert.Equal(t, "doomed", job.ID)
	assert.Equal(t, 1, job.Attempt)

	inFlight, err := r.client.LLen(ctx, processingKey(queue, consumer)).Result()
	require.NoError(t, err)
	assert.Zero(t, inFlight)
	ready, err := r.client.LLen(ctx, readyKey(queue)).Result()
	require.NoError(t, err)
	assert.Zero(t, ready)
}

func TestRedisRetriesFailedJobWithBackoff(t *testing.T) {
	r, queue := newTestRedis(t)
	ctx := context.Background()
	consumer := r.instanceID + "-0"

	raw, err := json.Marshal(models.Job{ID: "flaky", Queue: queue})
	require.NoError(t, err)
	r.handle(ctx, queue, consumer, string(raw), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute}, func(ctx context.Context, job *models.Job) error {
		return errors.New("try again")
	})

	delayed, err := r.client.ZCard(ctx, delayedKey(queue)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
	dead, err := r.client.LLen(ctx, deadKey(queue)).Result()
	require.NoError(t, err)
	assert.Zero(t, dead)
}
