package commission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/solvere/internal/audit"
	"github.com/core-coin/solvere/internal/ledger"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/testutil"
	"github.com/core-coin/solvere/pkg/logger"
)

func newEngine(t *testing.T) (*Engine, *testutil.Fixture) {
	t.Helper()
	fx := testutil.NewFixture(t)
	log := logger.NewNop()
	auditor := audit.New(fx.Repo, log)
	return NewEngine(fx.Repo, ledger.NewService(fx.Repo, auditor, log), auditor, log), fx
}

func addSettlement(t *testing.T, fx *testutil.Fixture, id string, n int, typ models.SettlementType, amount string) *models.Settlement {
	t.Helper()
	s := &models.Settlement{
		ID:        id,
		ProgramID: testutil.ProgramID,
		IntentID:  "intent-" + id,
		Wallet:    testutil.Wallet(n),
		Type:      typ,
		Asset:     "USD",
		Amount:    testutil.Dec(amount),
		TxHash:    "0x" + id,
		Status:    models.SettlementConfirmed,
	}
	require.NoError(t, fx.Repo.CreateSettlement(context.Background(), s))
	return s
}

func TestCalculate(t *testing.T) {
	assert.True(t, Calculate(testutil.Dec("100"), testutil.Dec("10")).Equal(testutil.Dec("10")))
	assert.True(t, Calculate(testutil.Dec("33.33"), testutil.Dec("7.5")).Equal(testutil.Dec("2.5")))
	assert.True(t, Calculate(testutil.Dec("0.01"), testutil.Dec("5")).IsZero())
}

func TestDirectAndOverrideCommissions(t *testing.T) {
	ctx := context.Background()
	e, fx := newEngine(t)
	fx.AddUser(t, 1, fx.Child.ID)
	s := addSettlement(t, fx, "s1", 1, models.SettlementMint, "100")

	created, err := e.ProcessSettlementCommissions(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, created, 2)

	child, err := fx.Repo.GetAffiliate(ctx, fx.Child.ID)
	require.NoError(t, err)
	assert.True(t, child.PendingEarnings.Equal(testutil.Dec("10")), child.PendingEarnings.String())

	parent, err := fx.Repo.GetAffiliate(ctx, fx.Parent.ID)
	require.NoError(t, err)
	assert.True(t, parent.PendingEarnings.Equal(testutil.Dec("5")), parent.PendingEarnings.String())

	liability, err := fx.Repo.SumLedger(ctx, models.LedgerFilter{Account: ledger.AffiliateLiability(fx.Child.ID)})
	require.NoError(t, err)
	assert.True(t, liability.Equal(testutil.Dec("-10")))

	expense, err := fx.Repo.SumLedger(ctx, models.LedgerFilter{Account: ledger.ProgramCommissionExpense(testutil.ProgramID)})
	require.NoError(t, err)
	assert.True(t, expense.Equal(testutil.Dec("15")))

	logs, err := fx.Repo.ListAuditLogs(ctx, models.AuditFilter{Action: models.AuditCommissionAccrued})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestProcessingTwiceAccruesOnce(t *testing.T) {
	ctx := context.Background()
	e, fx := newEngine(t)
	fx.AddUser(t, 1, fx.Child.ID)
	s := addSettlement(t, fx, "s1", 1, models.SettlementMint, "100")

	_, err := e.ProcessSettlementCommissions(ctx, s.ID)
	require.NoError(t, err)
	again, err := e.ProcessSettlementCommissions(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err := fx.Repo.CountCommissions(ctx, models.CommissionFilter{SettlementID: s.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	child, err := fx.Repo.GetAffiliate(ctx, fx.Child.ID)
	require.NoError(t, err)
	assert.True(t, child.PendingEarnings.Equal(testutil.Dec("10")))
}

func TestNoCommissionWithoutReferrer(t *testing.T) {
	ctx := context.Background()
	e, fx := newEngine(t)
	fx.AddUser(t, 1, "")
	s := addSettlement(t, fx, "s1", 1, models.SettlementClaim, "100")
	unknown := addSettlement(t, fx, "s2", 2, models.SettlementClaim, "100")

	created, err := e.ProcessSettlementCommissions(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, created)

	created, err = e.ProcessSettlementCommissions(ctx, unknown.ID)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestOnlyDirectWithoutParent(t *testing.T) {
	ctx := context.Background()
	e, fx := newEngine(t)
	fx.AddUser(t, 1, fx.Parent.ID)
	s := addSettlement(t, fx, "s1", 1, models.SettlementCommerce, "40")

	created, err := e.ProcessSettlementCommissions(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, models.CommissionDirect, created[0].Type)
	assert.True(t, created[0].Amount.Equal(testutil.Dec("4")))
}

func TestPayoutSettlementsNeverAccrue(t *testing.T) {
	ctx := context.Background()
	e, fx := newEngine(t)
	fx.AddUser(t, 1, fx.Child.ID)
	s := addSettlement(t, fx, "s1", 1, models.SettlementPayout, "100")

	created, err := e.ProcessSettlementCommissions(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestMarkPayableRespectsCutoff(t *testing.T) {
	ctx := context.Background()
	e, fx := newEngine(t)
	fx.AddUser(t, 1, fx.Child.ID)
	fx.AddUser(t, 2, fx.Child.ID)

	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return day1 }
	_, err := e.ProcessSettlementCommissions(ctx, addSettlement(t, fx, "s1", 1, models.SettlementMint, "100").ID)
	require.NoError(t, err)

	day10 := day1.Add(9 * 24 * time.Hour)
	e.Now = func() time.Time { return day10 }
	_, err = e.ProcessSettlementCommissions(ctx, addSettlement(t, fx, "s2", 2, models.SettlementMint, "100").ID)
	require.NoError(t, err)

	n, err := e.MarkProgramPayable(ctx, testutil.ProgramID, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n) // direct and override from day 1

	cutoff := day10.Add(time.Hour)
	n, err = e.MarkPayable(ctx, fx.Child.ID, &cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	summary, err := e.Summary(ctx, testutil.ProgramID, fx.Child.ID)
	require.NoError(t, err)
	assert.True(t, summary.Payable.Equal(testutil.Dec("20")))
	assert.True(t, summary.Accrued.IsZero())
	assert.Equal(t, int64(2), summary.Count)
}

func TestWithRepoDefersAudit(t *testing.T) {
	ctx := context.Background()
	e, fx := newEngine(t)
	fx.AddUser(t, 1, fx.Child.ID)
	s := addSettlement(t, fx, "s1", 1, models.SettlementMint, "100")

	var created []*models.Commission
	err := fx.Repo.WithinTx(ctx, func(tx models.Repository) error {
		var err error
		created, err = e.WithRepo(tx).ProcessSettlementCommissions(ctx, s.ID)
		return err
	})
	require.NoError(t, err)
	require.Len(t, created, 2)

	logs, err := fx.Repo.ListAuditLogs(ctx, models.AuditFilter{Action: models.AuditCommissionAccrued})
	require.NoError(t, err)
	assert.Empty(t, logs)

	e.RecordAccrued(ctx, created)
	logs, err = fx.Repo.ListAuditLogs(ctx, models.AuditFilter{Action: models.AuditCommissionAccrued})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}
