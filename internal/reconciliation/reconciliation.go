// Package reconciliation cross-checks the ledger, settlements, commissions,
// payouts and intents against each other and against the chain. It reports
// divergence and never corrects authoritative records. The one repair action,
// resetting stuck intents, is a separate explicit call.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/core-coin/solvere/internal/audit"
	"github.com/core-coin/solvere/internal/blockchain"
	"github.com/core-coin/solvere/internal/commission"
	"github.com/core-coin/solvere/internal/intents"
	"github.com/core-coin/solvere/internal/ledger"
	"github.com/core-coin/solvere/internal/metrics"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/payout"
	"github.com/core-coin/solvere/pkg/logger"
)

const (
	DefaultStuckThreshold = 30 * time.Minute

	settlementBatch = 100
	retryBatch      = 100
	allPrograms     = "all"
)

const (
	FindingLedgerImbalance     = "LEDGER_IMBALANCE"
	FindingSettlementTxFailed  = "SETTLEMENT_TX_FAILED"
	FindingSettlementNotFound  = "SETTLEMENT_TX_NOT_FOUND"
	FindingCommissionVariance  = "COMMISSION_TOTAL_VARIANCE"
	FindingPayoutCommissionGap = "PAYOUT_COMMISSION_MISMATCH"
	FindingStuckIntents        = "STUCK_INTENTS"
	FindingStuckPayouts        = "STUCK_PAYOUTS"
)

// varianceEpsilon is the cent-level tolerance for total cross-checks.
var varianceEpsilon = decimal.RequireFromString("0.01")

type Finding struct {
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
}

type Check struct {
	Name    string         `json:"name"`
	Passed  bool           `json:"passed"`
	Details map[string]any `json:"details,omitempty"`
}

type Report struct {
	ProgramID   string    `json:"program_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Checks      []Check   `json:"checks"`
	Findings    []Finding `json:"findings"`
}

func (r *Report) Clean() bool {
	return len(r.Findings) == 0
}

func (r *Report) findingTypes() []string {
	types := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		types = append(types, f.Type)
	}
	return types
}

func (r *Report) add(check Check, findings ...Finding) {
	r.Checks = append(r.Checks, check)
	r.Findings = append(r.Findings, findings...)
}

type Config struct {
	// StuckThreshold is how long an intent may stay PROCESSING, or a payout
	// claimed, before it is reported.
	StuckThreshold time.Duration
	// PayableHold is how old an accrued commission must be before the
	// scheduled sweep makes it payable.
	PayableHold time.Duration
}

type Engine struct {
	repo        models.Repository
	ledger      *ledger.Service
	commissions *commission.Engine
	intents     *intents.Service
	payouts     *payout.Service
	receipts    models.ReceiptFetcher
	notifier    models.Notifier
	audit       *audit.Auditor
	config      Config
	logger      *logger.Logger
	Now         func() time.Time
}

func NewEngine(
	repo models.Repository,
	ledgerService *ledger.Service,
	commissionEngine *commission.Engine,
	intentService *intents.Service,
	payouts *payout.Service,
	receipts models.ReceiptFetcher,
	notifier models.Notifier,
	auditor *audit.Auditor,
	config Config,
	logger *logger.Logger,
) *Engine {
	if config.StuckThreshold <= 0 {
		config.StuckThreshold = DefaultStuckThreshold
	}
	return &Engine{
		repo:        repo,
		ledger:      ledgerService,
		commissions: commissionEngine,
		intents:     intentService,
		payouts:     payouts,
		receipts:    receipts,
		notifier:    notifier,
		audit:       auditor,
		config:      config,
		logger:      logger,
		Now:         time.Now,
	}
}

// Run performs a full reconciliation pass for one program, or for all of them
// when programID is empty. The run is audited even when a check fails to
// complete; the returned report then holds the checks that did.
func (e *Engine) Run(ctx context.Context, programID string) (*Report, error) {
	report := &Report{ProgramID: programID, StartedAt: e.Now()}
	e.logger.Infow("Starting reconciliation run", "program_id", programID)

	err := e.runChecks(ctx, programID, report)
	report.CompletedAt = e.Now()
	duration := report.CompletedAt.Sub(report.StartedAt)
	metrics.RecordReconciliation(duration, report.findingTypes())

	action := models.AuditReconciliationRun
	if !report.Clean() {
		action = models.AuditReconciliationMismatch
	}
	meta := map[string]any{
		"duration_ms":    duration.Milliseconds(),
		"checks_count":   len(report.Checks),
		"findings_count": len(report.Findings),
		"finding_types":  report.findingTypes(),
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	e.audit.Log(ctx, audit.Entry{
		ProgramID:  programID,
		Action:     action,
		ActorType:  models.ActorSystem,
		TargetType: "reconciliation",
		TargetID:   orAll(programID),
		Metadata:   meta,
	})

	if !report.Clean() {
		e.alert(ctx, report)
	}
	if err != nil {
		e.logger.Errorw("Reconciliation run incomplete", "program_id", programID, "error", err)
		return report, err
	}
	e.logger.Infow("Reconciliation completed", "program_id", programID, "duration", duration, "findings", len(report.Findings))
	return report, nil
}

func (e *Engine) runChecks(ctx context.Context, programID string, report *Report) error {
	programs, err := e.programs(ctx, programID)
	if err != nil {
		return err
	}
	for _, program := range programs {
		if err := e.checkLedgerBalance(ctx, program.ID, report); err != nil {
			return err
		}
	}
	if err := e.checkSettlements(ctx, programID, report); err != nil {
		return err
	}
	for _, program := range programs {
		if err := e.checkCommissionTotals(ctx, program, report); err != nil {
			return err
		}
	}
	if err := e.checkPayoutTotals(ctx, programID, report); err != nil {
		return err
	}
	if err := e.checkStuckIntents(ctx, programID, report); err != nil {
		return err
	}
	return e.checkStuckPayouts(ctx, programID, report)
}

func (e *Engine) programs(ctx context.Context, programID string) ([]*models.Program, error) {
	if programID == "" {
		programs, err := e.repo.ListPrograms(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list programs: %w", err)
		}
		return programs, nil
	}
	program, err := e.repo.GetProgram(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to load program %s: %w", programID, err)
	}
	return []*models.Program{program}, nil
}

func (e *Engine) checkLedgerBalance(ctx context.Context, programID string, report *Report) error {
	check, err := e.ledger.VerifyBalance(ctx, programID)
	if err != nil {
		return err
	}
	totals := make(map[string]string, len(check.Totals))
	for currency, total := range check.Totals {
		totals[currency] = total.String()
	}
	if check.Balanced {
		report.add(Check{Name: "ledger_balance", Passed: true, Details: map[string]any{"program_id": programID, "totals": totals}})
		return nil
	}
	e.logger.Errorw("Ledger imbalance detected", "program_id", programID, "totals", totals)
	report.add(
		Check{Name: "ledger_balance", Passed: false, Details: map[string]any{"program_id": programID, "totals": totals}},
		Finding{Type: FindingLedgerImbalance, EntityID: programID, Expected: "0", Actual: totals},
	)
	return nil
}

// checkSettlements looks up the receipt of each unverified settlement and
// marks the ones whose transaction succeeded as verified.
func (e *Engine) checkSettlements(ctx context.Context, programID string, report *Report) error {
	if e.receipts == nil {
		report.add(Check{Name: "settlement_verification", Passed: true, Details: map[string]any{"skipped": "no receipt source"}})
		return nil
	}
	settlements, err := e.repo.ListSettlements(ctx, models.SettlementFilter{ProgramID: programID, Unverified: true, Limit: settlementBatch})
	if err != nil {
		return fmt.Errorf("failed to list unverified settlements: %w", err)
	}

	var findings []Finding
	verified := 0
	for _, s := range settlements {
		receipt, err := e.receipts.GetReceipt(ctx, s.TxHash)
		switch {
		case err != nil:
			if !errors.Is(err, blockchain.ErrReceiptNotFound) {
				e.logger.Warnw("Receipt lookup failed", "settlement_id", s.ID, "tx_hash", s.TxHash, "error", err)
			}
			findings = append(findings, Finding{Type: FindingSettlementNotFound, EntityID: s.ID, Expected: "valid receipt", Actual: err.Error()})
		case !receipt.Success:
			findings = append(findings, Finding{Type: FindingSettlementTxFailed, EntityID: s.ID, Expected: "success", Actual: "reverted"})
		default:
			if err := e.repo.MarkSettlementVerified(ctx, s.ID, e.Now()); err != nil {
				return fmt.Errorf("failed to mark settlement verified: %w", err)
			}
			verified++
		}
	}
	report.add(Check{
		Name:    "settlement_verification",
		Passed:  len(findings) == 0,
		Details: map[string]any{"checked": len(settlements), "verified": verified},
	}, findings...)
	return nil
}

// checkCommissionTotals compares the commissions each revenue settlement
// should have produced, given the referral chain and program rates, with what
// was accrued.
func (e *Engine) checkCommissionTotals(ctx context.Context, program *models.Program, report *Report) error {
	settlements, err := e.repo.ListSettlements(ctx, models.SettlementFilter{ProgramID: program.ID, Types: models.RevenueSettlementTypes})
	if err != nil {
		return fmt.Errorf("failed to list settlements: %w", err)
	}
	expected := decimal.Zero
	for _, s := range settlements {
		planned, err := e.commissions.Expected(ctx, s, program)
		if err != nil {
			return err
		}
		for _, c := range planned {
			expected = expected.Add(c.Amount)
		}
	}
	actual, err := e.repo.SumCommissions(ctx, models.CommissionFilter{ProgramID: program.ID})
	if err != nil {
		return fmt.Errorf("failed to sum commissions: %w", err)
	}

	variance := expected.Sub(actual).Abs()
	check := Check{
		Name:    "commission_totals",
		Passed:  variance.LessThanOrEqual(varianceEpsilon),
		Details: map[string]any{"program_id": program.ID, "expected": expected.String(), "actual": actual.String(), "variance": variance.String()},
	}
	if check.Passed {
		report.add(check)
		return nil
	}
	report.add(check, Finding{Type: FindingCommissionVariance, EntityID: program.ID, Expected: expected.String(), Actual: actual.String()})
	return nil
}

func (e *Engine) checkPayoutTotals(ctx context.Context, programID string, report *Report) error {
	paidOut, err := e.repo.SumPayouts(ctx, models.PayoutFilter{ProgramID: programID, Statuses: []models.PayoutStatus{models.PayoutCompleted}})
	if err != nil {
		return fmt.Errorf("failed to sum payouts: %w", err)
	}
	paidCommissions, err := e.repo.SumCommissions(ctx, models.CommissionFilter{ProgramID: programID, Statuses: []models.CommissionStatus{models.CommissionPaid}})
	if err != nil {
		return fmt.Errorf("failed to sum paid commissions: %w", err)
	}

	variance := paidOut.Sub(paidCommissions).Abs()
	check := Check{
		Name:    "payout_commission_match",
		Passed:  variance.LessThanOrEqual(varianceEpsilon),
		Details: map[string]any{"payouts": paidOut.String(), "commissions": paidCommissions.String()},
	}
	if check.Passed {
		report.add(check)
		return nil
	}
	report.add(check, Finding{Type: FindingPayoutCommissionGap, EntityID: orAll(programID), Expected: paidCommissions.String(), Actual: paidOut.String()})
	return nil
}

// checkStuckIntents only reports. ResetStuckIntents is the repair.
func (e *Engine) checkStuckIntents(ctx context.Context, programID string, report *Report) error {
	cutoff := e.Now().Add(-e.config.StuckThreshold)
	stuck, err := e.repo.ListIntents(ctx, models.IntentFilter{
		ProgramID:         programID,
		Statuses:          []models.IntentStatus{models.IntentProcessing},
		LastAttemptBefore: &cutoff,
	})
	if err != nil {
		return fmt.Errorf("failed to list stuck intents: %w", err)
	}
	ids := make([]string, 0, len(stuck))
	for _, i := range stuck {
		ids = append(ids, i.ID)
	}
	check := Check{Name: "stuck_intents", Passed: len(stuck) == 0, Details: map[string]any{"count": len(stuck), "intent_ids": ids}}
	if check.Passed {
		report.add(check)
		return nil
	}
	report.add(check, Finding{Type: FindingStuckIntents, EntityID: orAll(programID), Expected: 0, Actual: len(stuck)})
	return nil
}

// checkStuckPayouts reports payouts whose transfer was claimed but never recorded.
func (e *Engine) checkStuckPayouts(ctx context.Context, programID string, report *Report) error {
	cutoff := e.Now().Add(-e.config.StuckThreshold)
	stuck, err := e.repo.ListPayouts(ctx, models.PayoutFilter{
		ProgramID:     programID,
		Statuses:      []models.PayoutStatus{models.PayoutPending},
		ClaimedBefore: &cutoff,
	})
	if err != nil {
		return fmt.Errorf("failed to list stuck payouts: %w", err)
	}
	findings := make([]Finding, 0, len(stuck))
	for _, p := range stuck {
		findings = append(findings, Finding{Type: FindingStuckPayouts, EntityID: p.ID, Expected: models.PayoutCompleted, Actual: "claimed by " + p.ClaimedBy})
	}
	report.add(Check{Name: "stuck_payouts", Passed: len(stuck) == 0, Details: map[string]any{"count": len(stuck)}}, findings...)
	return nil
}

func (e *Engine) alert(ctx context.Context, report *Report) {
	if e.notifier == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Reconciliation for %s found %d mismatch(es):\n", orAll(report.ProgramID), len(report.Findings))
	for _, f := range report.Findings {
		fmt.Fprintf(&b, "- %s %s: expected %v, actual %v\n", f.Type, f.EntityID, f.Expected, f.Actual)
	}
	e.notifier.Alert(ctx, "Reconciliation mismatch", b.String())
}

// ResetStuckIntents returns intents that have been PROCESSING longer than the
// stuck threshold to PENDING so the retry sweep picks them up.
func (e *Engine) ResetStuckIntents(ctx context.Context, programID, actorID string) (int64, error) {
	now := e.Now()
	n, err := e.repo.ResetStuckIntents(ctx, programID, now.Add(-e.config.StuckThreshold), now)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck intents: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	actorType := models.ActorSystem
	if actorID != "" {
		actorType = models.ActorAdmin
	}
	e.audit.Log(ctx, audit.Entry{
		ProgramID:  programID,
		Action:     models.AuditStuckIntentsReset,
		ActorID:    actorID,
		ActorType:  actorType,
		TargetType: "intent",
		TargetID:   orAll(programID),
		Metadata:   map[string]any{"count": n, "threshold": e.config.StuckThreshold.String()},
	})
	e.logger.Warnw("Reset stuck intents", "program_id", programID, "count", n)
	return n, nil
}

// RetryIntents re-enqueues intents whose retry time has passed and payouts of
// executing batches that no worker has claimed.
func (e *Engine) RetryIntents(ctx context.Context) (int, error) {
	retryable, err := e.intents.ListRetryable(ctx, retryBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable intents: %w", err)
	}
	n := 0
	for _, i := range retryable {
		slot := e.Now().Unix()
		if i.NextRetryAt != nil {
			slot = i.NextRetryAt.Unix()
		}
		queued, err := e.intents.Enqueue(ctx, i.ID, fmt.Sprintf("retry:%s:%d", i.ID, slot), time.Time{})
		if err != nil {
			return n, fmt.Errorf("failed to enqueue intent %s: %w", i.ID, err)
		}
		if queued {
			n++
		}
	}
	if e.payouts != nil {
		requeued, err := e.payouts.RequeuePending(ctx, "")
		if err != nil {
			return n, err
		}
		n += requeued
	}
	if n > 0 {
		e.logger.Infow("Re-queued retryable work", "count", n)
	}
	return n, nil
}

// MarkPayable moves commissions past the holding period to PAYABLE in every program.
func (e *Engine) MarkPayable(ctx context.Context) (int64, error) {
	programs, err := e.repo.ListPrograms(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list programs: %w", err)
	}
	var total int64
	for _, p := range programs {
		n, err := e.commissions.MarkProgramPayable(ctx, p.ID, e.config.PayableHold)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

type Summary struct {
	Intents               map[models.IntentStatus]int64 `json:"intents"`
	UnverifiedSettlements int64                         `json:"unverified_settlements"`
	PendingPayouts        int                           `json:"pending_payouts"`
}

// Summary counts the work that is still open.
func (e *Engine) Summary(ctx context.Context, programID string) (*Summary, error) {
	counts, err := e.repo.CountIntentsByStatus(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to count intents: %w", err)
	}
	unverified, err := e.repo.CountSettlements(ctx, models.SettlementFilter{ProgramID: programID, Unverified: true})
	if err != nil {
		return nil, fmt.Errorf("failed to count settlements: %w", err)
	}
	pending, err := e.repo.ListPayouts(ctx, models.PayoutFilter{ProgramID: programID, Statuses: []models.PayoutStatus{models.PayoutPending}})
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	return &Summary{Intents: counts, UnverifiedSettlements: unverified, PendingPayouts: len(pending)}, nil
}

// HandleJob runs a scheduled reconciler job.
func (e *Engine) HandleJob(ctx context.Context, job *models.Job) error {
	programID := job.Data["program_id"]
	switch job.Name {
	case models.JobReconcile:
		_, err := e.Run(ctx, programID)
		return err
	case models.JobResetStuck:
		_, err := e.ResetStuckIntents(ctx, programID, "")
		return err
	case models.JobRetryIntents:
		_, err := e.RetryIntents(ctx)
		return err
	case models.JobMarkPayable:
		_, err := e.MarkPayable(ctx)
		return err
	}
	return fmt.Errorf("unknown reconciler job %q", job.Name)
}

func orAll(programID string) string {
	if programID == "" {
		return allPrograms
	}
	return programID
}
