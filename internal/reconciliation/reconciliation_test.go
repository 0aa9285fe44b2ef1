package reconciliation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/solvere/internal/audit"
	"github.com/core-coin/solvere/internal/blockchain"
	"github.com/core-coin/solvere/internal/commission"
	"github.com/core-coin/solvere/internal/intents"
	"github.com/core-coin/solvere/internal/ledger"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/payout"
	"github.com/core-coin/solvere/internal/queue"
	"github.com/core-coin/solvere/internal/settlement"
	"github.com/core-coin/solvere/internal/testutil"
	"github.com/core-coin/solvere/pkg/logger"
)

type receipts map[string]*models.Receipt

func (r receipts) GetReceipt(ctx context.Context, txHash string) (*models.Receipt, error) {
	if receipt, ok := r[txHash]; ok {
		return receipt, nil
	}
	return nil, blockchain.ErrReceiptNotFound
}

type alerts struct {
	mu       sync.Mutex
	messages []string
}

func (a *alerts) Alert(ctx context.Context, subject, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
}

type harness struct {
	engine  *Engine
	fx      *testutil.Fixture
	intents *intents.Service
	proc    *settlement.Processor
	queue   *queue.Memory
	chain   *testutil.ScriptedExecutor
	alerts  *alerts
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fx := testutil.NewFixture(t)
	log := logger.NewNop()
	auditor := audit.New(fx.Repo, log)
	q := queue.NewMemory(log)
	chain := testutil.NewScriptedExecutor()

	ledgerSvc := ledger.NewService(fx.Repo, auditor, log)
	commissions := commission.NewEngine(fx.Repo, ledgerSvc, auditor, log)
	intentSvc := intents.NewService(fx.Repo, q, auditor, 5*time.Minute, 5, log)
	payouts := payout.NewService(fx.Repo, ledgerSvc, chain, q, nil, auditor, "worker-1", log)

	h := &harness{
		fx:      fx,
		intents: intentSvc,
		proc:    settlement.NewProcessor(fx.Repo, intentSvc, ledgerSvc, commissions, payouts, chain, auditor, "worker-1", log),
		queue:   q,
		chain:   chain,
		alerts:  &alerts{},
		clock:   time.Now(),
	}
	h.engine = NewEngine(fx.Repo, ledgerSvc, commissions, intentSvc, payouts, chain, h.alerts, auditor, Config{}, log)
	h.engine.Now = func() time.Time { return h.clock }
	return h
}

func (h *harness) register(t *testing.T, n int) string {
	t.Helper()
	res, err := h.intents.Admit(context.Background(), intents.AdmitRequest{
		ProgramID: testutil.ProgramID,
		Wallet:    testutil.Wallet(n),
		Payload:   models.RegisterPayload{AffiliateID: h.fx.Child.ID},
	})
	require.NoError(t, err)
	require.NoError(t, h.proc.Process(context.Background(), res.IntentID))
	return res.IntentID
}

func findingTypes(r *Report) []string {
	return r.findingTypes()
}

func (h *harness) auditActions(t *testing.T, action models.AuditAction) []*models.AuditLog {
	t.Helper()
	logs, err := h.fx.Repo.ListAuditLogs(context.Background(), models.AuditFilter{Action: action})
	require.NoError(t, err)
	return logs
}

func TestRunOnConsistentStateIsClean(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, 1)

	report, err := h.engine.Run(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report.Findings)
	assert.Len(t, report.Checks, 6)

	s, err := h.fx.Repo.GetSettlementByIntent(ctx, id)
	require.NoError(t, err)
	assert.True(t, s.Verified)
	assert.NotNil(t, s.VerifiedAt)

	assert.Len(t, h.auditActions(t, models.AuditReconciliationRun), 1)
	assert.Empty(t, h.alerts.messages)
}

func TestLedgerImbalanceIsReportedNotCorrected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, 1)
	require.NoError(t, h.fx.Repo.CreateLedgerEntries(ctx, []*models.LedgerEntry{{
		TransactionID: "stray",
		ProgramID:     testutil.ProgramID,
		Account:       ledger.ProgramTreasury(testutil.ProgramID),
		Amount:        testutil.Dec("5"),
		Currency:      "USD",
		RefType:       models.RefSettlement,
		RefID:         "stray",
	}}))
	before, err := h.fx.Repo.ListLedgerEntries(ctx, models.LedgerFilter{ProgramID: testutil.ProgramID})
	require.NoError(t, err)

	report, err := h.engine.Run(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.Equal(t, []string{FindingLedgerImbalance}, findingTypes(report))

	after, err := h.fx.Repo.ListLedgerEntries(ctx, models.LedgerFilter{ProgramID: testutil.ProgramID})
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	assert.Len(t, h.auditActions(t, models.AuditReconciliationMismatch), 1)
	require.Len(t, h.alerts.messages, 1)
	assert.Contains(t, h.alerts.messages[0], FindingLedgerImbalance)
}

func TestSettlementReceiptChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.receipts = receipts{
		"0xgood":     {TxHash: "0xgood", Success: true},
		"0xreverted": {TxHash: "0xreverted", Success: false},
	}
	for i, hash := range []string{"0xgood", "0xreverted", "0xmissing"} {
		require.NoError(t, h.fx.Repo.CreateSettlement(ctx, &models.Settlement{
			ProgramID: testutil.ProgramID, IntentID: hash, Wallet: testutil.Wallet(i + 1),
			Type: models.SettlementPayout, Asset: "USD", Amount: testutil.Dec("1"),
			TxHash: hash, Status: models.SettlementConfirmed,
		}))
	}

	report, err := h.engine.Run(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{FindingSettlementTxFailed, FindingSettlementNotFound}, findingTypes(report))

	n, err := h.fx.Repo.CountSettlements(ctx, models.SettlementFilter{ProgramID: testutil.ProgramID, Unverified: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestCommissionVariance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fx.AddUser(t, 1, h.fx.Child.ID)
	require.NoError(t, h.fx.Repo.CreateSettlement(ctx, &models.Settlement{
		ProgramID: testutil.ProgramID, IntentID: "intent-1", Wallet: testutil.Wallet(1),
		Type: models.SettlementMint, Asset: "USD", Amount: testutil.Dec("100"),
		TxHash: "0xabc", Status: models.SettlementConfirmed, Verified: true,
	}))

	report, err := h.engine.Run(ctx, testutil.ProgramID)
	require.NoError(t, err)
	require.Equal(t, []string{FindingCommissionVariance}, findingTypes(report))
	assert.Equal(t, "15", report.Findings[0].Expected)
	assert.Equal(t, "0", report.Findings[0].Actual)
}

func TestPayoutChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	batch := &models.PayoutBatch{ProgramID: testutil.ProgramID, Period: "2026-01", Currency: "USD", Status: models.BatchProcessing, CreatedBy: "alice"}
	require.NoError(t, h.fx.Repo.CreatePayoutBatch(ctx, batch))
	paid := &models.Payout{
		BatchID: batch.ID, ProgramID: testutil.ProgramID, AffiliateID: h.fx.Child.ID, IdempotencyKey: "k1",
		Method: models.PayoutMethodOnchain, Destination: h.fx.Child.Wallet, Amount: testutil.Dec("10"),
		Currency: "USD", Status: models.PayoutCompleted,
	}
	require.NoError(t, h.fx.Repo.CreatePayout(ctx, paid))
	claimed := &models.Payout{
		BatchID: batch.ID, ProgramID: testutil.ProgramID, AffiliateID: h.fx.Parent.ID, IdempotencyKey: "k2",
		Method: models.PayoutMethodOnchain, Destination: h.fx.Parent.Wallet, Amount: testutil.Dec("5"),
		Currency: "USD", Status: models.PayoutPending,
	}
	require.NoError(t, h.fx.Repo.CreatePayout(ctx, claimed))
	ok, err := h.fx.Repo.ClaimPayout(ctx, claimed.ID, "worker-dead", h.clock.Add(-45*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.engine.Run(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{FindingPayoutCommissionGap, FindingStuckPayouts}, findingTypes(report))
}

func TestStuckIntentIsResetOnlyByRepair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admit := func(n int) string {
		res, err := h.intents.Admit(ctx, intents.AdmitRequest{ProgramID: testutil.ProgramID, Wallet: testutil.Wallet(n), Payload: models.RegisterPayload{}})
		require.NoError(t, err)
		return res.IntentID
	}
	stuckID, recentID := admit(1), admit(2)

	h.intents.Now = func() time.Time { return h.clock.Add(-31 * time.Minute) }
	won, err := h.intents.AcquireLock(ctx, stuckID, "worker-dead")
	require.NoError(t, err)
	require.True(t, won)
	h.intents.Now = func() time.Time { return h.clock.Add(-10 * time.Minute) }
	won, err = h.intents.AcquireLock(ctx, recentID, "worker-slow")
	require.NoError(t, err)
	require.True(t, won)

	report, err := h.engine.Run(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.Equal(t, []string{FindingStuckIntents}, findingTypes(report))
	assert.Equal(t, 1, report.Findings[0].Actual)

	stuck, err := h.fx.Repo.GetIntent(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentProcessing, stuck.Status, "the audit pass must not repair")

	n, err := h.engine.ResetStuckIntents(ctx, testutil.ProgramID, "ops@example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stuck, err = h.fx.Repo.GetIntent(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentPending, stuck.Status)
	assert.Empty(t, stuck.LockedBy)
	recent, err := h.fx.Repo.GetIntent(ctx, recentID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentProcessing, recent.Status)

	resets := h.auditActions(t, models.AuditStuckIntentsReset)
	require.Len(t, resets, 1)
	assert.Equal(t, models.ActorAdmin, resets[0].ActorType)
}

func TestRunSucceedsWhenAuditStoreFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, 1)
	h.fx.Repo.FailAuditWrites(true)

	report, err := h.engine.Run(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.True(t, report.Clean())

	h.fx.Repo.FailAuditWrites(false)
	assert.Empty(t, h.auditActions(t, models.AuditReconciliationRun))
}

func TestRunAcrossAllPrograms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.fx.Repo.CreateProgram(ctx, &models.Program{
		ID: "prog-2", FeeAmount: testutil.Dec("50"), Currency: "EUR",
		DirectCommissionPct: testutil.Dec("10"), OverrideCommissionPct: testutil.Dec("5"),
	}))
	h.register(t, 1)

	report, err := h.engine.Run(ctx, "")
	require.NoError(t, err)
	assert.True(t, report.Clean())
	// Ledger balance and commission totals run per program.
	assert.Len(t, report.Checks, 8)
}

func TestRetryIntentsRequeuesDueIntents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.intents.Admit(ctx, intents.AdmitRequest{ProgramID: testutil.ProgramID, Wallet: testutil.Wallet(1), Payload: models.RegisterPayload{}})
	require.NoError(t, err)

	// Admission schedules the sweep one lease out.
	h.intents.Now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	n, err := h.engine.RetryIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	found := false
	for _, job := range h.queue.Pending(models.QueueIntents) {
		if job.Data["intent_id"] == res.IntentID && job.ID != res.IntentID {
			found = true
		}
	}
	assert.True(t, found)

	n, err = h.engine.RetryIntents(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the retry job is deduplicated")
}

func TestSummaryAndJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, 1)

	summary, err := h.engine.Summary(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Intents[models.IntentConfirmed])
	assert.EqualValues(t, 1, summary.UnverifiedSettlements)
	assert.Zero(t, summary.PendingPayouts)

	require.NoError(t, h.engine.HandleJob(ctx, &models.Job{Name: models.JobReconcile}))
	require.NoError(t, h.engine.HandleJob(ctx, &models.Job{Name: models.JobMarkPayable}))
	assert.Error(t, h.engine.HandleJob(ctx, &models.Job{Name: "bogus"}))

	payable, err := h.fx.Repo.CountCommissions(ctx, models.CommissionFilter{Statuses: []models.CommissionStatus{models.CommissionPayable}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, payable)
}
