package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/core-coin/solvere/internal/audit"
	"github.com/core-coin/solvere/internal/ledger"
	"github.com/core-coin/solvere/internal/metrics"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
	"github.com/core-coin/solvere/pkg/validation"
)

var (
	ErrInvalidBatch         = errors.New("invalid payout batch request")
	ErrBatchExists          = errors.New("payout batch already exists for period")
	ErrSameApprover         = errors.New("approver must differ from batch creator")
	ErrInvalidTransition    = errors.New("invalid payout batch transition")
	ErrNoEligibleAffiliates = errors.New("no affiliates with payable commissions above the minimum")
	ErrPayoutFailed         = errors.New("payout failed")
	ErrPayoutInProgress     = errors.New("payout already claimed by a worker")
)

type Service struct {
	repo     models.Repository
	ledger   *ledger.Service
	chain    models.ChainExecutor
	queue    models.Queue
	notifier models.Notifier
	audit    *audit.Auditor
	logger   *logger.Logger
	workerID string
	Now      func() time.Time
}

func NewService(
	repo models.Repository,
	ledgerService *ledger.Service,
	chain models.ChainExecutor,
	queue models.Queue,
	notifier models.Notifier,
	auditor *audit.Auditor,
	workerID string,
	logger *logger.Logger,
) *Service {
	return &Service{
		repo:     repo,
		ledger:   ledgerService,
		chain:    chain,
		queue:    queue,
		notifier: notifier,
		audit:    auditor,
		logger:   logger,
		workerID: workerID,
		Now:      time.Now,
	}
}

// IdempotencyKey identifies one affiliate's payout for a program period.
func IdempotencyKey(programID, affiliateID, period string) string {
	return fmt.Sprintf("%s:%s:%s", programID, affiliateID, period)
}

// CreateBatch groups the program's unassigned PAYABLE commissions by affiliate
// and creates a PENDING batch with one payout per affiliate owed at least
// minAmount. The commissions are bound to their payout in the same transaction.
func (s *Service) CreateBatch(ctx context.Context, programID, period, creatorID string, minAmount decimal.Decimal) (*models.PayoutBatch, error) {
	if err := validation.ValidatePeriod(period); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if creatorID == "" {
		return nil, fmt.Errorf("%w: creator is required", ErrInvalidBatch)
	}
	if _, err := s.repo.GetPayoutBatchByPeriod(ctx, programID, period); err == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrBatchExists, programID, period)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing batch: %w", err)
	}

	now := s.Now()
	batch := &models.PayoutBatch{
		ID:        uuid.NewString(),
		ProgramID: programID,
		Period:    period,
		Status:    models.BatchPending,
		CreatedBy: creatorID,
		CreatedAt: now,
	}
	err := s.repo.WithinTx(ctx, func(tx models.Repository) error {
		program, err := tx.GetProgram(ctx, programID)
		if err != nil {
			return fmt.Errorf("failed to load program: %w", err)
		}
		totals, err := tx.SumCommissionsByAffiliate(ctx, models.CommissionFilter{
			ProgramID:  programID,
			Statuses:   []models.CommissionStatus{models.CommissionPayable},
			Unassigned: true,
		})
		if err != nil {
			return fmt.Errorf("failed to total payable commissions: %w", err)
		}

		total := decimal.Zero
		for _, t := range totals {
			if !t.Total.IsPositive() || t.Total.LessThan(minAmount) {
				continue
			}
			affiliate, err := tx.GetAffiliate(ctx, t.AffiliateID)
			if err != nil {
				return fmt.Errorf("failed to load affiliate %s: %w", t.AffiliateID, err)
			}
			payoutID := uuid.NewString()
			if _, err := tx.AssignCommissionsToPayout(ctx, programID, t.AffiliateID, batch.ID, payoutID); err != nil {
				return fmt.Errorf("failed to assign commissions: %w", err)
			}
			amount, err := tx.SumCommissions(ctx, models.CommissionFilter{PayoutID: payoutID})
			if err != nil {
				return fmt.Errorf("failed to total assigned commissions: %w", err)
			}
			payout := &models.Payout{
				ID:             payoutID,
				BatchID:        batch.ID,
				ProgramID:      programID,
				AffiliateID:    t.AffiliateID,
				IdempotencyKey: IdempotencyKey(programID, t.AffiliateID, period),
				Method:         models.PayoutMethodOnchain,
				Destination:    affiliate.Wallet,
				Amount:         amount,
				Currency:       program.Currency,
				Status:         models.PayoutPending,
				CreatedAt:      now,
			}
			if err := tx.CreatePayout(ctx, payout); err != nil {
				return fmt.Errorf("failed to create payout: %w", err)
			}
			total = total.Add(amount)
			batch.AffiliateCount++
		}
		if batch.AffiliateCount == 0 {
			return ErrNoEligibleAffiliates
		}

		batch.TotalAmount = total
		batch.Currency = program.Currency
		if err := tx.CreatePayoutBatch(ctx, batch); err != nil {
			if errors.Is(err, models.ErrDuplicate) {
				return fmt.Errorf("%w: %s %s", ErrBatchExists, programID, period)
			}
			return fmt.Errorf("failed to create payout batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.Entry{
		ProgramID:  programID,
		Action:     models.AuditPayoutBatchCreated,
		ActorID:    creatorID,
		ActorType:  models.ActorAdmin,
		TargetType: "payout_batch",
		TargetID:   batch.ID,
		After:      batch,
	})
	s.logger.Infow("Payout batch created",
		"batch_id", batch.ID,
		"program_id", programID,
		"period", period,
		"affiliates", batch.AffiliateCount,
		"total", batch.TotalAmount.String(),
	)
	return batch, nil
}

// Approve moves a PENDING batch to APPROVED. The approver must not be the creator.
func (s *Service) Approve(ctx context.Context, batchID, approverID string) (*models.PayoutBatch, error) {
	if approverID == "" {
		return nil, fmt.Errorf("%w: approver is required", ErrInvalidBatch)
	}
	batch, err := s.repo.GetPayoutBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if approverID == batch.CreatedBy {
		return nil, ErrSameApprover
	}
	if batch.Status != models.BatchPending {
		return nil, fmt.Errorf("%w: cannot approve batch in %s", ErrInvalidTransition, batch.Status)
	}
	ok, err := s.repo.TransitionPayoutBatch(ctx, batchID, models.BatchPending, models.BatchApproved, approverID, s.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to approve batch: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: batch changed concurrently", ErrInvalidTransition)
	}

	s.audit.Log(ctx, audit.Entry{
		ProgramID:  batch.ProgramID,
		Action:     models.AuditPayoutBatchApproved,
		ActorID:    approverID,
		ActorType:  models.ActorAdmin,
		TargetType: "payout_batch",
		TargetID:   batchID,
		Before:     map[string]any{"status": models.BatchPending},
		After:      map[string]any{"status": models.BatchApproved, "approved_by": approverID},
	})
	s.logger.Infow("Payout batch approved", "batch_id", batchID, "approved_by", approverID)
	return s.repo.GetPayoutBatch(ctx, batchID)
}

// Execute moves an APPROVED batch to PROCESSING and queues its pending payouts.
// It returns the number of payouts queued. No money moves here.
func (s *Service) Execute(ctx context.Context, batchID, actorID string) (int, error) {
	batch, err := s.repo.GetPayoutBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if batch.Status != models.BatchApproved {
		return 0, fmt.Errorf("%w: cannot execute batch in %s", ErrInvalidTransition, batch.Status)
	}
	ok, err := s.repo.TransitionPayoutBatch(ctx, batchID, models.BatchApproved, models.BatchProcessing, actorID, s.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to start batch: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: batch changed concurrently", ErrInvalidTransition)
	}

	payouts, err := s.repo.ListPayouts(ctx, models.PayoutFilter{BatchID: batchID, Statuses: []models.PayoutStatus{models.PayoutPending}})
	if err != nil {
		return 0, fmt.Errorf("failed to list payouts: %w", err)
	}
	queued := 0
	for _, p := range payouts {
		if _, err := s.enqueue(ctx, p.ID, p.ID); err != nil {
			s.logger.Errorw("Failed to enqueue payout, requeue sweep will retry", "payout_id", p.ID, "error", err)
			continue
		}
		queued++
	}

	s.audit.Log(ctx, audit.Entry{
		ProgramID:  batch.ProgramID,
		Action:     models.AuditPayoutBatchExecuted,
		ActorID:    actorID,
		ActorType:  models.ActorAdmin,
		TargetType: "payout_batch",
		TargetID:   batchID,
		Metadata:   map[string]any{"payouts": len(payouts), "queued": queued},
	})
	s.logger.Infow("Payout batch executing", "batch_id", batchID, "queued", queued)
	return queued, nil
}

func (s *Service) enqueue(ctx context.Context, payoutID, jobID string) (bool, error) {
	return s.queue.Enqueue(ctx, &models.Job{
		ID:    jobID,
		Queue: models.QueuePayouts,
		Name:  models.JobProcessPayout,
		Data:  map[string]string{"payout_id": payoutID},
	})
}

// Process transfers one payout. A payout is claimed before the transfer and a
// claimed payout is never transferred again, so duplicate deliveries are safe.
// Failed transfers mark the payout FAILED and are not retried.
func (s *Service) Process(ctx context.Context, payoutID string) (*models.Payout, error) {
	p, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case models.PayoutCompleted:
		return p, nil
	case models.PayoutFailed:
		return p, fmt.Errorf("%w: %s", ErrPayoutFailed, p.ErrorMessage)
	}
	batch, err := s.repo.GetPayoutBatch(ctx, p.BatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	if batch.Status != models.BatchProcessing {
		return p, fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, batch.ID, batch.Status)
	}

	claimed, err := s.repo.ClaimPayout(ctx, p.ID, s.workerID, s.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim payout: %w", err)
	}
	if !claimed {
		return p, ErrPayoutInProgress
	}

	res, err := s.chain.Execute(ctx, models.ChainRequest{
		Action:    models.ChainTransfer,
		Reference: p.IdempotencyKey,
		Wallet:    p.Destination,
		Asset:     p.Currency,
		Amount:    p.Amount,
		Params:    map[string]string{"payout_id": p.ID, "method": p.Method},
	})
	if err != nil {
		return s.fail(ctx, p, err)
	}

	err = s.repo.WithinTx(ctx, func(tx models.Repository) error {
		now := s.Now()
		if err := tx.CompletePayout(ctx, p.ID, res.TxHash, now); err != nil {
			return err
		}
		if _, err := tx.MarkCommissionsPaid(ctx, p.ID, now); err != nil {
			return fmt.Errorf("failed to mark commissions paid: %w", err)
		}
		if err := tx.AdjustAffiliateEarnings(ctx, p.AffiliateID, p.Amount.Neg(), p.Amount); err != nil {
			return fmt.Errorf("failed to update affiliate earnings: %w", err)
		}
		_, err := s.ledger.WithRepo(tx).RecordPayout(ctx, p)
		return err
	})
	if err != nil {
		// The transfer went out. The payout stays claimed and PENDING so
		// reconciliation reports it instead of a worker paying it twice.
		s.logger.Errorw("Failed to record completed payout transfer", "payout_id", p.ID, "tx_hash", res.TxHash, "error", err)
		s.alert(ctx, "Payout recording failed",
			fmt.Sprintf("Payout %s was transferred in %s but could not be recorded: %v", p.ID, res.TxHash, err))
		metrics.RecordPayoutOutcome("unrecorded")
		return p, fmt.Errorf("failed to record payout %s: %w", p.ID, err)
	}

	metrics.RecordPayoutOutcome("completed")
	s.audit.Log(ctx, audit.Entry{
		ProgramID:  p.ProgramID,
		Action:     models.AuditPayoutExecuted,
		ActorID:    s.workerID,
		ActorType:  models.ActorWorker,
		TargetType: "payout",
		TargetID:   p.ID,
		After:      map[string]any{"tx_hash": res.TxHash, "amount": p.Amount, "affiliate_id": p.AffiliateID},
	})
	s.logger.Infow("Payout executed", "payout_id", p.ID, "affiliate_id", p.AffiliateID, "amount", p.Amount.String(), "tx_hash", res.TxHash)
	return s.repo.GetPayout(ctx, p.ID)
}

// fail marks the payout FAILED and releases its commissions for a later batch.
func (s *Service) fail(ctx context.Context, p *models.Payout, cause error) (*models.Payout, error) {
	var released int64
	err := s.repo.WithinTx(ctx, func(tx models.Repository) error {
		if err := tx.FailPayout(ctx, p.ID, cause.Error(), s.Now()); err != nil {
			return err
		}
		n, err := tx.ReleaseCommissions(ctx, p.ID)
		released = n
		return err
	})
	if err != nil {
		s.logger.Errorw("Failed to mark payout failed", "payout_id", p.ID, "error", err)
	}
	metrics.RecordPayoutOutcome("failed")
	s.audit.Log(ctx, audit.Entry{
		ProgramID:  p.ProgramID,
		Action:     models.AuditPayoutFailed,
		ActorID:    s.workerID,
		ActorType:  models.ActorWorker,
		TargetType: "payout",
		TargetID:   p.ID,
		Metadata:   map[string]any{"error": cause.Error(), "released_commissions": released},
	})
	s.alert(ctx, "Payout failed",
		fmt.Sprintf("Payout %s of %s %s to affiliate %s failed: %v", p.ID, p.Amount, p.Currency, p.AffiliateID, cause))
	s.logger.Warnw("Payout failed", "payout_id", p.ID, "error", cause)

	if updated, err := s.repo.GetPayout(ctx, p.ID); err == nil {
		p = updated
	}
	return p, fmt.Errorf("%w: %v", ErrPayoutFailed, cause)
}

func (s *Service) alert(ctx context.Context, subject, message string) {
	if s.notifier != nil {
		s.notifier.Alert(ctx, subject, message)
	}
}

// HandleJob processes a payout job. Outcomes recorded on the payout itself are
// not retried by the queue.
func (s *Service) HandleJob(ctx context.Context, job *models.Job) error {
	payoutID := job.Data["payout_id"]
	if payoutID == "" {
		payoutID = job.ID
	}
	_, err := s.Process(ctx, payoutID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPayoutFailed), errors.Is(err, ErrPayoutInProgress), errors.Is(err, ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
		s.logger.Debugw("Payout job finished without transfer", "payout_id", payoutID, "reason", err)
		return nil
	}
	return err
}

// RequeuePending re-enqueues unclaimed PENDING payouts of executing batches.
func (s *Service) RequeuePending(ctx context.Context, programID string) (int, error) {
	batches, err := s.repo.ListPayoutBatches(ctx, programID, models.BatchProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing batches: %w", err)
	}
	slot := s.Now().Truncate(time.Hour).Unix()
	n := 0
	for _, b := range batches {
		payouts, err := s.repo.ListPayouts(ctx, models.PayoutFilter{
			BatchID:   b.ID,
			Statuses:  []models.PayoutStatus{models.PayoutPending},
			Unclaimed: true,
		})
		if err != nil {
			return n, fmt.Errorf("failed to list payouts: %w", err)
		}
		for _, p := range payouts {
			queued, err := s.enqueue(ctx, p.ID, fmt.Sprintf("%s:requeue:%d", p.ID, slot))
			if err != nil {
				return n, fmt.Errorf("failed to enqueue payout: %w", err)
			}
			if queued {
				n++
			}
		}
	}
	return n, nil
}

type BatchDetails struct {
	Batch   *models.PayoutBatch `json:"batch"`
	Payouts []*models.Payout    `json:"payouts"`
}

func (s *Service) GetBatch(ctx context.Context, batchID string) (*BatchDetails, error) {
	batch, err := s.repo.GetPayoutBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	payouts, err := s.repo.ListPayouts(ctx, models.PayoutFilter{BatchID: batchID})
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	return &BatchDetails{Batch: batch, Payouts: payouts}, nil
}

type ProgramSummary struct {
	ProgramID string                                  `json:"program_id"`
	Batches   map[models.PayoutBatchStatus]int        `json:"batches"`
	Totals    map[models.PayoutStatus]decimal.Decimal `json:"totals"`
}

// Summary counts the program's batches by status and totals payouts by status.
func (s *Service) Summary(ctx context.Context, programID string) (*ProgramSummary, error) {
	batches, err := s.repo.ListPayoutBatches(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	out := &ProgramSummary{
		ProgramID: programID,
		Batches:   map[models.PayoutBatchStatus]int{},
		Totals:    map[models.PayoutStatus]decimal.Decimal{},
	}
	for _, b := range batches {
		out.Batches[b.Status]++
	}
	for _, status := range []models.PayoutStatus{models.PayoutPending, models.PayoutCompleted, models.PayoutFailed} {
		total, err := s.repo.SumPayouts(ctx, models.PayoutFilter{ProgramID: programID, Statuses: []models.PayoutStatus{status}})
		if err != nil {
			return nil, fmt.Errorf("failed to sum %s payouts: %w", status, err)
		}
		out.Totals[status] = total
	}
	return out, nil
}

type AffiliateStatement struct {
	AffiliateID     string           `json:"affiliate_id"`
	PendingEarnings decimal.Decimal  `json:"pending_earnings"`
	TotalEarnings   decimal.Decimal  `json:"total_earnings"`
	Payouts         []*models.Payout `json:"payouts"`
}

func (s *Service) AffiliateStatement(ctx context.Context, affiliateID string) (*AffiliateStatement, error) {
	affiliate, err := s.repo.GetAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	payouts, err := s.repo.ListPayouts(ctx, models.PayoutFilter{ProgramID: affiliate.ProgramID, AffiliateID: affiliateID})
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	return &AffiliateStatement{
		AffiliateID:     affiliateID,
		PendingEarnings: affiliate.PendingEarnings,
		TotalEarnings:   affiliate.TotalEarnings,
		Payouts:         payouts,
	}, nil
}
