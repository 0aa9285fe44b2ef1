package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/solvere/internal/models"
)

func TestMemoryCreateIntentIsIdempotentByKey(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	first, created, err := repo.CreateIntent(ctx, &models.Intent{ProgramID: "p1", IdempotencyKey: "register:p1:0xaaa", Status: models.IntentPending})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := repo.CreateIntent(ctx, &models.Intent{ProgramID: "p1", IdempotencyKey: "register:p1:0xaaa", Status: models.IntentPending})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestMemoryAcquireIntentLockHasOneWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	intent, _, err := repo.CreateIntent(ctx, &models.Intent{ProgramID: "p1", IdempotencyKey: "k", Status: models.IntentPending})
	require.NoError(t, err)

	now := time.Now()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ok, err := repo.AcquireIntentLock(ctx, intent.ID, "worker", now, now.Add(5*time.Minute))
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	stored, err := repo.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentProcessing, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestMemoryWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	boom := errors.New("boom")

	err := repo.WithinTx(ctx, func(tx models.Repository) error {
		require.NoError(t, tx.CreateProgram(ctx, &models.Program{ID: "p1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.GetProgram(ctx, "p1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryNestedTxRollsBackOnlyInner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	err := repo.WithinTx(ctx, func(tx models.Repository) error {
		require.NoError(t, tx.CreateProgram(ctx, &models.Program{ID: "outer"}))
		inner := tx.WithinTx(ctx, func(tx models.Repository) error {
			require.NoError(t, tx.CreateProgram(ctx, &models.Program{ID: "inner"}))
			return errors.New("inner failed")
		})
		assert.Error(t, inner)
		return nil
	})
	require.NoError(t, err)

	_, err = repo.GetProgram(ctx, "outer")
	assert.NoError(t, err)
	_, err = repo.GetProgram(ctx, "inner")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryCommissionUniquePerSettlementAndType(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	c := &models.Commission{SettlementID: "s1", AffiliateID: "a", Type: models.CommissionDirect, Amount: decimal.NewFromInt(1)}
	require.NoError(t, repo.CreateCommission(ctx, c))

	err := repo.CreateCommission(ctx, &models.Commission{SettlementID: "s1", AffiliateID: "a", Type: models.CommissionDirect})
	assert.ErrorIs(t, err, models.ErrDuplicate)

	require.NoError(t, repo.CreateCommission(ctx, &models.Commission{SettlementID: "s1", AffiliateID: "b", Type: models.CommissionOverride}))
}

func TestMemoryAppLockLease(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	now := time.Now()

	ok, err := repo.TryAcquireAppLock(ctx, "schedule:reconcile", "a", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TryAcquireAppLock(ctx, "schedule:reconcile", "b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.TryAcquireAppLock(ctx, "schedule:reconcile", "b", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryClaimPayoutOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	p := &models.Payout{IdempotencyKey: "payout:p1:a:2026-01", Status: models.PayoutPending}
	require.NoError(t, repo.CreatePayout(ctx, p))

	ok, err := repo.ClaimPayout(ctx, p.ID, "w1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimPayout(ctx, p.ID, "w2", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}
