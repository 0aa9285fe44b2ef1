package intents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/solvere/internal/audit"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/queue"
	"github.com/core-coin/solvere/internal/testutil"
	"github.com/core-coin/solvere/pkg/logger"
)

type harness struct {
	svc   *Service
	fx    *testutil.Fixture
	queue *queue.Memory
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fx := testutil.NewFixture(t)
	log := logger.NewNop()
	q := queue.NewMemory(log)
	h := &harness{fx: fx, queue: q, clock: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	h.svc = NewService(fx.Repo, q, audit.New(fx.Repo, log), 5*time.Minute, 5, log)
	h.svc.Now = func() time.Time { return h.clock }
	return h
}

func (h *harness) admitRegister(t *testing.T, n int) *AdmitResult {
	t.Helper()
	res, err := h.svc.Admit(context.Background(), AdmitRequest{
		ProgramID: testutil.ProgramID,
		Wallet:    testutil.Wallet(n),
		Payload:   models.RegisterPayload{AffiliateID: "aff-child"},
	})
	require.NoError(t, err)
	return res
}

func TestAdmitIsIdempotent(t *testing.T) {
	h := newHarness(t)

	first := h.admitRegister(t, 1)
	assert.True(t, first.IsNew)
	assert.Equal(t, models.IntentPending, first.Status)

	second := h.admitRegister(t, 1)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.IntentID, second.IntentID)

	jobs := h.queue.Pending(models.QueueIntents)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.IntentID, jobs[0].ID)
	assert.Equal(t, first.IntentID, jobs[0].Data["intent_id"])

	logs, err := h.fx.Repo.ListAuditLogs(context.Background(), models.AuditFilter{Action: models.AuditIntentCreated})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestAdmitReturnsExistingStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.admitRegister(t, 1)
	won, err := h.svc.AcquireLock(ctx, first.IntentID, "worker-1")
	require.NoError(t, err)
	require.True(t, won)

	again := h.admitRegister(t, 1)
	assert.False(t, again.IsNew)
	assert.Equal(t, models.IntentProcessing, again.Status)
}

func TestAdmitValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Admit(ctx, AdmitRequest{ProgramID: "missing", Wallet: testutil.Wallet(1), Payload: models.RegisterPayload{}})
	assert.ErrorIs(t, err, ErrProgramNotFound)

	_, err = h.svc.Admit(ctx, AdmitRequest{ProgramID: testutil.ProgramID, Wallet: "not-a-wallet", Payload: models.RegisterPayload{}})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.svc.Admit(ctx, AdmitRequest{ProgramID: testutil.ProgramID, Wallet: testutil.Wallet(1), Payload: models.CommercePayload{}})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.svc.Admit(ctx, AdmitRequest{ProgramID: testutil.ProgramID, Wallet: testutil.Wallet(1), Payload: models.PayoutPayload{AffiliateID: "a", Period: "2026-13"}})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.svc.Admit(ctx, AdmitRequest{ProgramID: testutil.ProgramID, Wallet: testutil.Wallet(1)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestIdempotencyKeys(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	w := testutil.Wallet(7)

	assert.Equal(t, "register:p:"+w, IdempotencyKey("p", w, models.RegisterPayload{AffiliateID: "x"}, now))
	assert.Equal(t, "claim:p:"+w+":USDC:v1", IdempotencyKey("p", w, models.ClaimPayload{}, now))
	assert.Equal(t, "claim:p:"+w+":CTN:2026", IdempotencyKey("p", w, models.ClaimPayload{Asset: "CTN", Cycle: "2026"}, now))
	assert.Equal(t, "commerce:p:"+w+":ch_1", IdempotencyKey("p", w, models.CommercePayload{ChargeID: "ch_1"}, now))
	assert.Equal(t, "payout:p:aff:2026-03", IdempotencyKey("p", w, models.PayoutPayload{AffiliateID: "aff"}, now))
	assert.Equal(t, "payout:p:aff:2025-12", IdempotencyKey("p", w, models.PayoutPayload{AffiliateID: "aff", Period: "2025-12"}, now))
}

func TestExplicitKeyOverridesDerivedKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.svc.Admit(ctx, AdmitRequest{ProgramID: testutil.ProgramID, Wallet: testutil.Wallet(1), Payload: models.CommercePayload{ChargeID: "c1"}, IdempotencyKey: "k"})
	require.NoError(t, err)
	b, err := h.svc.Admit(ctx, AdmitRequest{ProgramID: testutil.ProgramID, Wallet: testutil.Wallet(2), Payload: models.CommercePayload{ChargeID: "c2"}, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, a.IntentID, b.IntentID)
	assert.False(t, b.IsNew)
}

func TestAcquireLockHasOneWinner(t *testing.T) {
	h := newHarness(t)
	res := h.admitRegister(t, 1)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := h.svc.AcquireLock(context.Background(), res.IntentID, "worker")
			assert.NoError(t, err)
			if won {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	intent, err := h.svc.Get(context.Background(), res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentProcessing, intent.Status)
	assert.Equal(t, 1, intent.Attempts)
}

func TestTransientFailureBacksOffExponentially(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.admitRegister(t, 1)

	for attempt := 1; attempt <= 3; attempt++ {
		won, err := h.svc.AcquireLock(ctx, res.IntentID, "w")
		require.NoError(t, err)
		require.True(t, won)

		fail, err := h.svc.Fail(ctx, res.IntentID, errors.New("rpc timeout"), false)
		require.NoError(t, err)
		assert.False(t, fail.Terminal)
		require.NotNil(t, fail.NextRetryAt)
		assert.Equal(t, h.clock.Add(time.Duration(1<<attempt)*time.Second), *fail.NextRetryAt)

		intent, err := h.svc.Get(ctx, res.IntentID)
		require.NoError(t, err)
		assert.Equal(t, models.IntentPending, intent.Status)
		assert.Empty(t, intent.LockedBy)
		assert.Equal(t, "rpc timeout", intent.ErrorMessage)
	}
}

func TestFailureAtMaxAttemptsIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.admitRegister(t, 1)

	var last *FailResult
	for i := 0; i < 5; i++ {
		won, err := h.svc.AcquireLock(ctx, res.IntentID, "w")
		require.NoError(t, err)
		require.True(t, won)
		last, err = h.svc.Fail(ctx, res.IntentID, errors.New("nonce too low"), false)
		require.NoError(t, err)
	}
	assert.True(t, last.Terminal)
	assert.Equal(t, 5, last.Attempts)

	intent, err := h.svc.Get(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentFailed, intent.Status)

	won, err := h.svc.AcquireLock(ctx, res.IntentID, "w")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.admitRegister(t, 1)

	_, err := h.svc.AcquireLock(ctx, res.IntentID, "w")
	require.NoError(t, err)
	fail, err := h.svc.Fail(ctx, res.IntentID, errors.New("already claimed"), true)
	require.NoError(t, err)
	assert.True(t, fail.Terminal)
	assert.Nil(t, fail.NextRetryAt)

	logs, err := h.fx.Repo.ListAuditLogs(ctx, models.AuditFilter{Action: models.AuditIntentFailed, TargetID: res.IntentID})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestCompleteClearsLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.admitRegister(t, 1)

	_, err := h.svc.AcquireLock(ctx, res.IntentID, "w")
	require.NoError(t, err)
	require.NoError(t, h.svc.Complete(ctx, res.IntentID, models.IntentResult{TxHash: "0xabc", BlockNumber: 7}))

	intent, err := h.svc.Get(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentConfirmed, intent.Status)
	assert.Equal(t, "0xabc", intent.ResultTxHash)
	assert.Empty(t, intent.LockedBy)
	assert.NotNil(t, intent.CompletedAt)
	assert.JSONEq(t, `{"tx_hash":"0xabc","block_number":7}`, string(intent.ResultData))
}

func TestListRetryableHonoursRetryTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.admitRegister(t, 1)

	// fresh intents become sweepable once a lease has passed
	list, err := h.svc.ListRetryable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.svc.AcquireLock(ctx, res.IntentID, "w")
	require.NoError(t, err)
	_, err = h.svc.Fail(ctx, res.IntentID, errors.New("timeout"), false)
	require.NoError(t, err)

	list, err = h.svc.ListRetryable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	h.clock = h.clock.Add(3 * time.Second)
	list, err = h.svc.ListRetryable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.IntentID, list[0].ID)
}

func TestPendingForWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.admitRegister(t, 1)
	h.admitRegister(t, 2)

	list, err := h.svc.PendingForWallet(ctx, testutil.ProgramID, testutil.Wallet(1))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.IntentID, list[0].ID)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 32*time.Second, Backoff(5))
	assert.Equal(t, maxBackoff, Backoff(200))
}
