package payout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/solvere/internal/audit"
	"github.com/core-coin/solvere/internal/blockchain"
	"github.com/core-coin/solvere/internal/commission"
	"github.com/core-coin/solvere/internal/ledger"
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

type harness struct {
	svc    *Service
	fx     *testutil.Fixture
	queue  *queue.Memory
	chain  *testutil.ScriptedExecutor
	alerts *alerts
	ledger *ledger.Service
}

// newHarness seeds one settlement of baseAmount for a user referred by the
// child affiliate and makes the resulting commissions payable.
func newHarness(t *testing.T, baseAmount string) *harness {
	t.Helper()
	ctx := context.Background()
	fx := testutil.NewFixture(t)
	log := logger.NewNop()
	auditor := audit.New(fx.Repo, log)
	ledgerSvc := ledger.NewService(fx.Repo, auditor, log)
	engine := commission.NewEngine(fx.Repo, ledgerSvc, auditor, log)

	fx.AddUser(t, 1, fx.Child.ID)
	s := &models.Settlement{
		ProgramID: testutil.ProgramID, IntentID: "intent-1", Wallet: testutil.Wallet(1),
		Type: models.SettlementMint, Asset: "USD", Amount: testutil.Dec(baseAmount), Status: models.SettlementConfirmed,
	}
	require.NoError(t, fx.Repo.CreateSettlement(ctx, s))
	_, err := ledgerSvc.RecordRevenue(ctx, testutil.ProgramID, s.ID, s.Amount, "USD")
	require.NoError(t, err)
	_, err = engine.ProcessSettlementCommissions(ctx, s.ID)
	require.NoError(t, err)
	for _, affiliateID := range []string{fx.Child.ID, fx.Parent.ID} {
		_, err = engine.MarkPayable(ctx, affiliateID, nil)
		require.NoError(t, err)
	}

	h := &harness{
		fx:     fx,
		queue:  queue.NewMemory(log),
		chain:  testutil.NewScriptedExecutor(),
		alerts: &alerts{},
		ledger: ledgerSvc,
	}
	h.svc = NewService(fx.Repo, ledgerSvc, h.chain, h.queue, h.alerts, auditor, "worker-1", log)
	return h
}

func (h *harness) approvedAndExecuting(t *testing.T) *models.PayoutBatch {
	t.Helper()
	ctx := context.Background()
	batch, err := h.svc.CreateBatch(ctx, testutil.ProgramID, "2026-01", "admin1", testutil.Dec("10"))
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, batch.ID, "admin2")
	require.NoError(t, err)
	_, err = h.svc.Execute(ctx, batch.ID, "admin2")
	require.NoError(t, err)
	return batch
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	return h.queue.Drain(context.Background(), models.QueuePayouts, queue.PayoutsPolicy, h.svc.HandleJob)
}

func TestBatchLifecycleWithTwoPersonControl(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1000")

	batch, err := h.svc.CreateBatch(ctx, testutil.ProgramID, "2026-01", "admin1", testutil.Dec("10"))
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, batch.Status)
	assert.Equal(t, 2, batch.AffiliateCount)
	assert.True(t, batch.TotalAmount.Equal(testutil.Dec("150")), batch.TotalAmount.String())

	_, err = h.svc.Approve(ctx, batch.ID, "admin1")
	assert.ErrorIs(t, err, ErrSameApprover)

	_, err = h.svc.Execute(ctx, batch.ID, "admin2")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	approved, err := h.svc.Approve(ctx, batch.ID, "admin2")
	require.NoError(t, err)
	assert.Equal(t, models.BatchApproved, approved.Status)
	assert.Equal(t, "admin2", approved.ApprovedBy)

	_, err = h.svc.Approve(ctx, batch.ID, "admin3")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	queued, err := h.svc.Execute(ctx, batch.ID, "admin2")
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	assert.Len(t, h.queue.Pending(models.QueuePayouts), 2)

	_, err = h.svc.CreateBatch(ctx, testutil.ProgramID, "2026-01", "admin1", testutil.Dec("10"))
	assert.ErrorIs(t, err, ErrBatchExists)

	for _, action := range []models.AuditAction{models.AuditPayoutBatchCreated, models.AuditPayoutBatchApproved, models.AuditPayoutBatchExecuted} {
		logs, err := h.fx.Repo.ListAuditLogs(ctx, models.AuditFilter{Action: action, TargetID: batch.ID})
		require.NoError(t, err)
		assert.Len(t, logs, 1, action)
	}
}

func TestCreateBatchAppliesMinimum(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "100") // child earns 10, parent 5

	batch, err := h.svc.CreateBatch(ctx, testutil.ProgramID, "2026-02", "admin1", testutil.Dec("10"))
	require.NoError(t, err)
	assert.Equal(t, 1, batch.AffiliateCount)

	details, err := h.svc.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, details.Payouts, 1)
	assert.Equal(t, h.fx.Child.ID, details.Payouts[0].AffiliateID)
	assert.Equal(t, "prog-1:aff-child:2026-02", details.Payouts[0].IdempotencyKey)
	assert.Equal(t, h.fx.Child.Wallet, details.Payouts[0].Destination)

	// the parent's commission stays unassigned for a later batch
	unassigned, err := h.fx.Repo.SumCommissions(ctx, models.CommissionFilter{AffiliateID: h.fx.Parent.ID, Unassigned: true})
	require.NoError(t, err)
	assert.True(t, unassigned.Equal(testutil.Dec("5")))

	_, err = h.svc.CreateBatch(ctx, testutil.ProgramID, "2026-03", "admin1", testutil.Dec("10"))
	assert.ErrorIs(t, err, ErrNoEligibleAffiliates)
	_, err = h.fx.Repo.GetPayoutBatchByPeriod(ctx, testutil.ProgramID, "2026-03")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateBatchRejectsBadPeriod(t *testing.T) {
	h := newHarness(t, "100")
	_, err := h.svc.CreateBatch(context.Background(), testutil.ProgramID, "January", "admin1", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestProcessPayoutsSettlesLiability(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1000")
	batch := h.approvedAndExecuting(t)

	assert.Equal(t, 2, h.drain(t))
	assert.Equal(t, 2, h.chain.CallCount())

	details, err := h.svc.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	for _, p := range details.Payouts {
		assert.Equal(t, models.PayoutCompleted, p.Status)
		assert.NotEmpty(t, p.TxHash)
	}

	paid, err := h.fx.Repo.SumCommissions(ctx, models.CommissionFilter{Statuses: []models.CommissionStatus{models.CommissionPaid}})
	require.NoError(t, err)
	assert.True(t, paid.Equal(testutil.Dec("150")))

	child, err := h.fx.Repo.GetAffiliate(ctx, h.fx.Child.ID)
	require.NoError(t, err)
	assert.True(t, child.PendingEarnings.IsZero())
	assert.True(t, child.TotalEarnings.Equal(testutil.Dec("100")))

	liability, err := h.ledger.GetAccountBalance(ctx, testutil.ProgramID, ledger.AffiliateLiability(h.fx.Child.ID), "")
	require.NoError(t, err)
	assert.True(t, liability.IsZero())

	check, err := h.ledger.VerifyBalance(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.True(t, check.Balanced)

	summary, err := h.svc.Summary(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Batches[models.BatchProcessing])
	assert.True(t, summary.Totals[models.PayoutCompleted].Equal(testutil.Dec("150")))
}

func TestDuplicateDeliveryTransfersOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1000")
	batch := h.approvedAndExecuting(t)

	details, err := h.svc.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	target := details.Payouts[0].ID

	_, err = h.svc.Process(ctx, target)
	require.NoError(t, err)
	p, err := h.svc.Process(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutCompleted, p.Status)
	assert.Equal(t, 1, h.chain.CallCount())
}

func TestFailedTransferIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1000")
	h.chain.Push(
		testutil.Step{Err: blockchain.Transient("timeout", errors.New("relayer timeout"))},
		testutil.Step{Err: blockchain.Permanent("reverted", errors.New("insufficient treasury"))},
	)
	batch := h.approvedAndExecuting(t)

	assert.Equal(t, 2, h.drain(t))
	assert.Equal(t, 0, h.drain(t))
	assert.Equal(t, 2, h.chain.CallCount())
	assert.Empty(t, h.queue.Dead(models.QueuePayouts))

	details, err := h.svc.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	for _, p := range details.Payouts {
		assert.Equal(t, models.PayoutFailed, p.Status)
		assert.NotEmpty(t, p.ErrorMessage)
	}

	payable, err := h.fx.Repo.SumCommissions(ctx, models.CommissionFilter{Statuses: []models.CommissionStatus{models.CommissionPayable}})
	require.NoError(t, err)
	assert.True(t, payable.Equal(testutil.Dec("150")))

	assert.Len(t, h.alerts.subjects, 2)

	logs, err := h.fx.Repo.ListAuditLogs(ctx, models.AuditFilter{Action: models.AuditPayoutFailed})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestFailedPayoutCommissionsJoinNextBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1000")
	h.chain.Push(
		testutil.Step{Err: blockchain.Permanent("reverted", errors.New("insufficient treasury"))},
		testutil.Step{Err: blockchain.Permanent("reverted", errors.New("insufficient treasury"))},
	)
	h.approvedAndExecuting(t)
	assert.Equal(t, 2, h.drain(t))

	unassigned, err := h.fx.Repo.SumCommissions(ctx, models.CommissionFilter{
		Statuses:   []models.CommissionStatus{models.CommissionPayable},
		Unassigned: true,
	})
	require.NoError(t, err)
	assert.True(t, unassigned.Equal(testutil.Dec("150")), unassigned.String())

	next, err := h.svc.CreateBatch(ctx, testutil.ProgramID, "2026-02", "admin1", testutil.Dec("10"))
	require.NoError(t, err)
	assert.Equal(t, 2, next.AffiliateCount)
	assert.True(t, next.TotalAmount.Equal(testutil.Dec("150")), next.TotalAmount.String())

	_, err = h.svc.Approve(ctx, next.ID, "admin2")
	require.NoError(t, err)
	_, err = h.svc.Execute(ctx, next.ID, "admin2")
	require.NoError(t, err)
	assert.Equal(t, 2, h.drain(t))

	paid, err := h.fx.Repo.SumCommissions(ctx, models.CommissionFilter{Statuses: []models.CommissionStatus{models.CommissionPaid}})
	require.NoError(t, err)
	assert.True(t, paid.Equal(testutil.Dec("150")), paid.String())
}

func TestApproveRequiresApprover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1000")
	batch, err := h.svc.CreateBatch(ctx, testutil.ProgramID, "2026-01", "admin1", testutil.Dec("10"))
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, batch.ID, "")
	require.ErrorIs(t, err, ErrInvalidBatch)
}

func TestProcessRequiresExecutingBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1000")
	batch, err := h.svc.CreateBatch(ctx, testutil.ProgramID, "2026-01", "admin1", testutil.Dec("10"))
	require.NoError(t, err)
	details, err := h.svc.GetBatch(ctx, batch.ID)
	require.NoError(t, err)

	_, err = h.svc.Process(ctx, details.Payouts[0].ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 0, h.chain.CallCount())
}

func TestRequeuePendingSkipsClaimed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1000")
	batch := h.approvedAndExecuting(t)
	details, err := h.svc.GetBatch(ctx, batch.ID)
	require.NoError(t, err)

	ok, err := h.fx.Repo.ClaimPayout(ctx, details.Payouts[0].ID, "other-worker", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.svc.RequeuePending(ctx, testutil.ProgramID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAffiliateStatement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "1000")
	h.approvedAndExecuting(t)
	h.drain(t)

	st, err := h.svc.AffiliateStatement(ctx, h.fx.Parent.ID)
	require.NoError(t, err)
	require.Len(t, st.Payouts, 1)
	assert.True(t, st.TotalEarnings.Equal(testutil.Dec("50")))
}
