package solvere

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/solvere/internal/config"
	"github.com/core-coin/solvere/internal/intents"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/queue"
	"github.com/core-coin/solvere/internal/testutil"
	"github.com/core-coin/solvere/pkg/logger"
)

type alerts struct {
	mu       sync.Mutex
	subjects []string
}

func (a *alerts) Alert(ctx context.Context, subject, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
}

func testConfig() *config.Config {
	return &config.Config{
		InstanceID:        "test-instance",
		APIPort:           0,
		StoreDriver:       config.StoreDriverMemory,
		ChainMode:         config.ChainModeMock,
		WorkerConcurrency: 2,
		PayoutConcurrency: 1,
		LockLease:         time.Minute,
		MaxAttempts:       3,
		StuckThreshold:    30 * time.Minute,
		PayoutMinAmount:   "10",
		ReconcileCron:     "0 2 * * *",
	}
}

func newTestSolvere(t *testing.T) (*Solvere, *testutil.Fixture, *queue.Memory) {
	t.Helper()
	fx := testutil.NewFixture(t)
	log := logger.NewNop()
	q := queue.NewMemory(log)
	chain := testutil.NewScriptedExecutor()

	s, err := New(testConfig(), Components{
		Repo:     fx.Repo,
		Queue:    q,
		Chain:    chain,
		Receipts: chain,
		Notifier: &alerts{},
	}, log)
	require.NoError(t, err)
	return s, fx, q
}

func TestSettlementToPayoutFlow(t *testing.T) {
	s, fx, q := newTestSolvere(t)
	ctx := context.Background()

	res, err := s.Admit(ctx, intents.AdmitRequest{
		ProgramID: testutil.ProgramID,
		Wallet:    testutil.Wallet(1),
		Payload:   models.RegisterPayload{AffiliateID: fx.Child.ID},
	})
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	require.Equal(t, 1, q.Drain(ctx, models.QueueIntents, queue.IntentsPolicy, s.processor.HandleJob))

	intent, err := s.GetIntent(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentConfirmed, intent.Status)

	fin, err := s.ProgramFinancials(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.True(t, fin.Revenue.Equal(testutil.Dec("100")), fin.Revenue.String())

	summary, err := s.CommissionSummary(ctx, testutil.ProgramID, fx.Child.ID)
	require.NoError(t, err)
	assert.True(t, summary.Accrued.Equal(testutil.Dec("10")), summary.Accrued.String())

	n, err := s.reconciler.MarkPayable(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// the configured minimum of 10 leaves the parent's 5 override out
	batch, err := s.CreatePayoutBatch(ctx, testutil.ProgramID, "2026-01", "alice", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.AffiliateCount)

	_, err = s.ApprovePayoutBatch(ctx, batch.ID, "bob")
	require.NoError(t, err)
	queued, err := s.ExecutePayoutBatch(ctx, batch.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	require.Equal(t, 1, q.Drain(ctx, models.QueuePayouts, queue.PayoutsPolicy, s.payouts.HandleJob))

	details, err := s.GetPayoutBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, details.Payouts, 1)
	assert.Equal(t, models.PayoutCompleted, details.Payouts[0].Status)

	report, err := s.RunReconciliation(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report.Findings)

	logs, err := s.AuditLog(ctx, models.AuditFilter{Action: models.AuditPayoutExecuted})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestRunProcessesQueuedIntentsUntilCancelled(t *testing.T) {
	s, fx, _ := newTestSolvere(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	res, err := s.Admit(ctx, intents.AdmitRequest{
		ProgramID: testutil.ProgramID,
		Wallet:    testutil.Wallet(2),
		Payload:   models.RegisterPayload{AffiliateID: fx.Child.ID},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		intent, err := s.GetIntent(context.Background(), res.IntentID)
		return err == nil && intent.Status == models.IntentConfirmed
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Health(context.Background()))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	fx := testutil.NewFixture(t)
	log := logger.NewNop()
	c := Components{Repo: fx.Repo, Queue: queue.NewMemory(log), Chain: testutil.NewScriptedExecutor()}

	cfg := testConfig()
	cfg.PayoutMinAmount = "ten"
	_, err := New(cfg, c, log)
	require.Error(t, err)

	cfg = testConfig()
	cfg.RetryCron = "every five minutes"
	_, err = New(cfg, c, log)
	require.Error(t, err)
}

func TestBuildInMemoryMode(t *testing.T) {
	s, err := Build(testConfig(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	require.NoError(t, s.Health(context.Background()))
	pending, err := s.PendingIntents(context.Background(), testutil.ProgramID, testutil.Wallet(1))
	require.NoError(t, err)
	assert.Empty(t, pending)
}
