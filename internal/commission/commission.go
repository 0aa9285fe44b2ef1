package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/core-coin/solvere/internal/audit"
	"github.com/core-coin/solvere/internal/ledger"
	"github.com/core-coin/solvere/internal/metrics"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

var hundred = decimal.NewFromInt(100)

// Calculate returns pct percent of base, rounded to cents.
func Calculate(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred).Round(2)
}

type Engine struct {
	repo   models.Repository
	ledger *ledger.Service
	audit  *audit.Auditor
	logger *logger.Logger
	// inTx marks a copy bound to a caller's transaction. Such a copy leaves
	// audit records to the caller, who writes them after commit.
	inTx bool
	Now  func() time.Time
}

func NewEngine(repo models.Repository, ledgerService *ledger.Service, auditor *audit.Auditor, logger *logger.Logger) *Engine {
	return &Engine{repo: repo, ledger: ledgerService, audit: auditor, logger: logger, Now: time.Now}
}

// WithRepo returns a copy bound to tx. The caller must pass the commissions it
// creates to RecordAccrued once tx commits.
func (e *Engine) WithRepo(tx models.Repository) *Engine {
	c := *e
	c.repo = tx
	c.ledger = e.ledger.WithRepo(tx)
	c.inTx = true
	return &c
}

// Expected computes the commissions a settlement should produce from the
// user's referral chain and the program's rates, without persisting anything.
func (e *Engine) Expected(ctx context.Context, settlement *models.Settlement, program *models.Program) ([]*models.Commission, error) {
	if !settlement.Type.RevenueBearing() || !settlement.Amount.IsPositive() {
		return nil, nil
	}
	user, err := e.repo.GetUser(ctx, settlement.ProgramID, settlement.Wallet)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user.ReferredByID == "" {
		return nil, nil
	}
	direct, err := e.repo.GetAffiliate(ctx, user.ReferredByID)
	if errors.Is(err, models.ErrNotFound) {
		e.logger.Warnw("Referring affiliate not found", "affiliate_id", user.ReferredByID, "settlement_id", settlement.ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load affiliate: %w", err)
	}

	currency := settlement.Asset
	if currency == "" {
		currency = program.Currency
	}
	build := func(affiliateID string, t models.CommissionType, rate decimal.Decimal) *models.Commission {
		return &models.Commission{
			ProgramID:    settlement.ProgramID,
			SettlementID: settlement.ID,
			AffiliateID:  affiliateID,
			Type:         t,
			Rate:         rate,
			BaseAmount:   settlement.Amount,
			Amount:       Calculate(settlement.Amount, rate),
			Currency:     currency,
			Status:       models.CommissionAccrued,
		}
	}

	var out []*models.Commission
	if c := build(direct.ID, models.CommissionDirect, program.DirectCommissionPct); c.Amount.IsPositive() {
		out = append(out, c)
	}
	if direct.ParentID == "" {
		return out, nil
	}
	parent, err := e.repo.GetAffiliate(ctx, direct.ParentID)
	if errors.Is(err, models.ErrNotFound) {
		e.logger.Warnw("Parent affiliate not found", "affiliate_id", direct.ParentID, "settlement_id", settlement.ID)
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load parent affiliate: %w", err)
	}
	if c := build(parent.ID, models.CommissionOverride, program.OverrideCommissionPct); c.Amount.IsPositive() {
		out = append(out, c)
	}
	return out, nil
}

// ProcessSettlementCommissions accrues the commissions of a settlement exactly
// once. Commission rows, ledger postings and earnings counters are written in
// one transaction. A settlement that already has commissions is left alone.
func (e *Engine) ProcessSettlementCommissions(ctx context.Context, settlementID string) ([]*models.Commission, error) {
	var created []*models.Commission
	err := e.repo.WithinTx(ctx, func(tx models.Repository) error {
		existing, err := tx.CountCommissions(ctx, models.CommissionFilter{SettlementID: settlementID})
		if err != nil {
			return fmt.Errorf("failed to count commissions: %w", err)
		}
		if existing > 0 {
			return nil
		}
		settlement, err := tx.GetSettlement(ctx, settlementID)
		if err != nil {
			return fmt.Errorf("failed to load settlement: %w", err)
		}
		if !settlement.Type.RevenueBearing() {
			return nil
		}
		program, err := tx.GetProgram(ctx, settlement.ProgramID)
		if err != nil {
			return fmt.Errorf("failed to load program: %w", err)
		}

		bound := e.WithRepo(tx)
		planned, err := bound.Expected(ctx, settlement, program)
		if err != nil {
			return err
		}
		now := e.Now()
		for _, c := range planned {
			c.CreatedAt = now
			if err := tx.CreateCommission(ctx, c); err != nil {
				return fmt.Errorf("failed to create %s commission: %w", c.Type, err)
			}
			if _, err := bound.ledger.RecordCommissionAccrual(ctx, c); err != nil {
				return err
			}
			if err := tx.AdjustAffiliateEarnings(ctx, c.AffiliateID, c.Amount, decimal.Zero); err != nil {
				return fmt.Errorf("failed to update affiliate earnings: %w", err)
			}
		}
		created = planned
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !e.inTx {
		e.RecordAccrued(ctx, created)
	}
	return created, nil
}

// RecordAccrued writes audit entries and metrics for committed commissions.
func (e *Engine) RecordAccrued(ctx context.Context, commissions []*models.Commission) {
	for _, c := range commissions {
		metrics.RecordCommissionAccrued(string(c.Type))
		e.audit.Log(ctx, audit.Entry{
			ProgramID:  c.ProgramID,
			Action:     models.AuditCommissionAccrued,
			ActorType:  models.ActorSystem,
			TargetType: "commission",
			TargetID:   c.ID,
			After:      c,
		})
		e.logger.Infow("Commission accrued",
			"commission_id", c.ID,
			"settlement_id", c.SettlementID,
			"affiliate_id", c.AffiliateID,
			"type", c.Type,
			"amount", c.Amount.String(),
		)
	}
}

// MarkPayable moves the affiliate's ACCRUED commissions created before the
// cutoff (all of them when before is nil) to PAYABLE.
func (e *Engine) MarkPayable(ctx context.Context, affiliateID string, before *time.Time) (int64, error) {
	affiliate, err := e.repo.GetAffiliate(ctx, affiliateID)
	if err != nil {
		return 0, fmt.Errorf("failed to load affiliate: %w", err)
	}
	return e.markPayable(ctx, affiliate.ProgramID, models.CommissionFilter{
		ProgramID:     affiliate.ProgramID,
		AffiliateID:   affiliateID,
		CreatedBefore: before,
	})
}

// MarkProgramPayable releases every commission of the program that has been
// held for at least holdPeriod. A zero hold releases all of them.
func (e *Engine) MarkProgramPayable(ctx context.Context, programID string, holdPeriod time.Duration) (int64, error) {
	filter := models.CommissionFilter{ProgramID: programID}
	if holdPeriod > 0 {
		cutoff := e.Now().Add(-holdPeriod)
		filter.CreatedBefore = &cutoff
	}
	return e.markPayable(ctx, programID, filter)
}

func (e *Engine) markPayable(ctx context.Context, programID string, filter models.CommissionFilter) (int64, error) {
	n, err := e.repo.MarkCommissionsPayable(ctx, filter, e.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to mark commissions payable: %w", err)
	}
	if n > 0 {
		e.audit.Log(ctx, audit.Entry{
			ProgramID:  programID,
			Action:     models.AuditCommissionsPayable,
			TargetType: "affiliate",
			TargetID:   filter.AffiliateID,
			Metadata:   map[string]any{"count": n, "created_before": filter.CreatedBefore},
		})
		e.logger.Infow("Commissions marked payable", "program_id", programID, "affiliate_id", filter.AffiliateID, "count", n)
	}
	return n, nil
}

type Summary struct {
	AffiliateID string          `json:"affiliate_id"`
	Accrued     decimal.Decimal `json:"accrued"`
	Payable     decimal.Decimal `json:"payable"`
	Paid        decimal.Decimal `json:"paid"`
	Count       int64           `json:"count"`
}

// Summary totals the affiliate's commissions by status.
func (e *Engine) Summary(ctx context.Context, programID, affiliateID string) (*Summary, error) {
	out := &Summary{AffiliateID: affiliateID}
	for status, dst := range map[models.CommissionStatus]*decimal.Decimal{
		models.CommissionAccrued: &out.Accrued,
		models.CommissionPayable: &out.Payable,
		models.CommissionPaid:    &out.Paid,
	} {
		total, err := e.repo.SumCommissions(ctx, models.CommissionFilter{
			ProgramID:   programID,
			AffiliateID: affiliateID,
			Statuses:    []models.CommissionStatus{status},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to sum %s commissions: %w", status, err)
		}
		*dst = total
	}
	count, err := e.repo.CountCommissions(ctx, models.CommissionFilter{ProgramID: programID, AffiliateID: affiliateID})
	if err != nil {
		return nil, fmt.Errorf("failed to count commissions: %w", err)
	}
	out.Count = count
	return out, nil
}
