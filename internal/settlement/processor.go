// Package settlement turns locked intents into confirmed settlements: it runs
// the chain action for the intent type and, in one transaction, records the
// settlement, its revenue and commissions, and completes the intent.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

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

type Processor struct {
	repo        models.Repository
	intents     *intents.Service
	ledger      *ledger.Service
	commissions *commission.Engine
	audit       *audit.Auditor
	handlers    map[models.IntentType]Handler
	workerID    string
	logger      *logger.Logger
	Now         func() time.Time
}

func NewProcessor(
	repo models.Repository,
	intentService *intents.Service,
	ledgerService *ledger.Service,
	engine *commission.Engine,
	payouts *payout.Service,
	chain models.ChainExecutor,
	auditor *audit.Auditor,
	workerID string,
	logger *logger.Logger,
) *Processor {
	return &Processor{
		repo:        repo,
		intents:     intentService,
		ledger:      ledgerService,
		commissions: engine,
		audit:       auditor,
		handlers: map[models.IntentType]Handler{
			models.IntentRegister:        &registerHandler{chain: chain, logger: logger},
			models.IntentClaim:           &claimHandler{chain: chain, repo: repo},
			models.IntentCommercePayment: &commerceHandler{chain: chain},
			models.IntentPayout:          &payoutHandler{repo: repo, payouts: payouts},
		},
		workerID: workerID,
		logger:   logger,
		Now:      time.Now,
	}
}

// HandleJob processes the intent named by a queue job.
func (p *Processor) HandleJob(ctx context.Context, job *models.Job) error {
	intentID := job.Data["intent_id"]
	if intentID == "" {
		intentID = job.ID
	}
	return p.Process(ctx, intentID)
}

// Process runs one attempt of an intent. Losing the lock is not an error.
// Chain failures are recorded on the intent and nil is returned; only storage
// failures surface so the queue redelivers.
func (p *Processor) Process(ctx context.Context, intentID string) error {
	won, err := p.intents.AcquireLock(ctx, intentID, p.workerID)
	if err != nil {
		return err
	}
	if !won {
		p.logger.Debugw("Intent lock not acquired", "intent_id", intentID)
		return nil
	}

	intent, err := p.repo.GetIntent(ctx, intentID)
	if err != nil {
		return fmt.Errorf("failed to load intent: %w", err)
	}

	existing, err := p.repo.GetSettlementByIntent(ctx, intent.ID)
	switch {
	case err == nil:
		return p.completeSettled(ctx, intent, existing)
	case !errors.Is(err, models.ErrNotFound):
		return p.fail(ctx, intent, fmt.Errorf("failed to check settlement: %w", err), false)
	}

	program, err := p.repo.GetProgram(ctx, intent.ProgramID)
	if err != nil {
		return p.fail(ctx, intent, fmt.Errorf("failed to load program: %w", err), errors.Is(err, models.ErrNotFound))
	}
	payload, err := models.DecodePayload(intent.Type, intent.Payload)
	if err != nil {
		return p.fail(ctx, intent, err, true)
	}
	handler, ok := p.handlers[intent.Type]
	if !ok {
		return p.fail(ctx, intent, fmt.Errorf("no handler for intent type %s", intent.Type), true)
	}

	outcome, err := handler.Execute(ctx, intent, program, payload)
	if err != nil {
		return p.fail(ctx, intent, err, blockchain.IsPermanent(err))
	}

	settlement, accrued, err := p.confirm(ctx, intent, payload, handler, outcome)
	if err != nil {
		// The chain action is keyed by the intent ID, so the retry gets the
		// same transaction back instead of a second one.
		p.logger.Errorw("Failed to record settlement", "intent_id", intent.ID, "tx_hash", outcome.TxHash, "error", err)
		return p.fail(ctx, intent, err, false)
	}
	p.recordConfirmed(ctx, intent, settlement, outcome.TxHash, accrued)
	return nil
}

func (p *Processor) confirm(ctx context.Context, intent *models.Intent, payload models.Payload, handler Handler, outcome *Outcome) (*models.Settlement, []*models.Commission, error) {
	var (
		settlement *models.Settlement
		accrued    []*models.Commission
	)
	err := p.repo.WithinTx(ctx, func(tx models.Repository) error {
		now := p.Now()
		if !outcome.Replayed {
			settlement = &models.Settlement{
				ProgramID:   intent.ProgramID,
				IntentID:    intent.ID,
				Wallet:      intent.Wallet,
				Type:        outcome.Type,
				Asset:       outcome.Asset,
				Amount:      outcome.Amount,
				TxHash:      outcome.TxHash,
				BlockNumber: outcome.BlockNumber,
				Status:      models.SettlementConfirmed,
				CreatedAt:   now,
			}
			if err := tx.CreateSettlement(ctx, settlement); err != nil {
				return fmt.Errorf("failed to create settlement: %w", err)
			}
			if settlement.Type.RevenueBearing() && settlement.Amount.IsPositive() {
				if _, err := p.ledger.WithRepo(tx).RecordRevenue(ctx, settlement.ProgramID, settlement.ID, settlement.Amount, settlement.Asset); err != nil {
					return err
				}
			}
		}
		if err := handler.Finalize(ctx, tx, intent, payload, outcome, now); err != nil {
			return err
		}
		if err := p.intents.WithRepo(tx).Complete(ctx, intent.ID, models.IntentResult{
			TxHash:      outcome.TxHash,
			BlockNumber: outcome.BlockNumber,
			Data:        outcome.Data,
		}); err != nil {
			return err
		}
		if settlement == nil {
			return nil
		}
		var err error
		accrued, err = p.commissions.WithRepo(tx).ProcessSettlementCommissions(ctx, settlement.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return settlement, accrued, nil
}

// completeSettled finishes an intent whose settlement was recorded by an
// earlier attempt, accruing any commissions that attempt did not.
func (p *Processor) completeSettled(ctx context.Context, intent *models.Intent, settlement *models.Settlement) error {
	var accrued []*models.Commission
	err := p.repo.WithinTx(ctx, func(tx models.Repository) error {
		if err := p.intents.WithRepo(tx).Complete(ctx, intent.ID, models.IntentResult{
			TxHash:      settlement.TxHash,
			BlockNumber: settlement.BlockNumber,
		}); err != nil {
			return err
		}
		var err error
		accrued, err = p.commissions.WithRepo(tx).ProcessSettlementCommissions(ctx, settlement.ID)
		return err
	})
	if err != nil {
		return p.fail(ctx, intent, err, false)
	}
	p.logger.Infow("Intent completed from existing settlement", "intent_id", intent.ID, "settlement_id", settlement.ID)
	p.recordConfirmed(ctx, intent, nil, settlement.TxHash, accrued)
	return nil
}

func (p *Processor) recordConfirmed(ctx context.Context, intent *models.Intent, settlement *models.Settlement, txHash string, accrued []*models.Commission) {
	metrics.RecordIntentOutcome(string(intent.Type), "confirmed")
	p.audit.Log(ctx, audit.Entry{
		ProgramID:  intent.ProgramID,
		Action:     models.AuditIntentCompleted,
		ActorID:    p.workerID,
		ActorType:  models.ActorWorker,
		TargetType: "intent",
		TargetID:   intent.ID,
		After:      map[string]any{"tx_hash": txHash, "attempts": intent.Attempts},
	})
	if settlement != nil {
		p.audit.Log(ctx, audit.Entry{
			ProgramID:  settlement.ProgramID,
			Action:     models.AuditSettlementConfirmed,
			ActorID:    p.workerID,
			ActorType:  models.ActorWorker,
			TargetType: "settlement",
			TargetID:   settlement.ID,
			After:      settlement,
		})
	}
	p.commissions.RecordAccrued(ctx, accrued)
	p.logger.Infow("Intent confirmed", "intent_id", intent.ID, "type", intent.Type, "tx_hash", txHash)
}

// fail records the failed attempt and schedules the retry, if any.
func (p *Processor) fail(ctx context.Context, intent *models.Intent, cause error, permanent bool) error {
	res, err := p.intents.Fail(ctx, intent.ID, cause, permanent)
	if err != nil {
		return err
	}
	if res.Terminal || res.NextRetryAt == nil {
		return nil
	}
	jobID := fmt.Sprintf("intent:%s:%d", intent.ID, res.Attempts)
	if _, err := p.intents.Enqueue(ctx, intent.ID, jobID, *res.NextRetryAt); err != nil {
		p.logger.Errorw("Failed to enqueue intent retry, retry sweep will pick it up", "intent_id", intent.ID, "error", err)
	}
	return nil
}
