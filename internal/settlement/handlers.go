package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/core-coin/solvere/internal/blockchain"
	"github.com/core-coin/solvere/internal/intents"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/payout"
	"github.com/core-coin/solvere/pkg/logger"
)

const defaultClaimAsset = "USDC"

// Outcome is what a handler's chain action produced.
type Outcome struct {
	TxHash      string
	BlockNumber uint64
	Data        map[string]any
	Type        models.SettlementType
	Asset       string
	Amount      decimal.Decimal
	// Replayed marks an action that already happened under an earlier intent.
	// The intent completes without a new settlement.
	Replayed bool
}

// Handler performs the chain action for one intent type. Execute runs outside
// any transaction; Finalize runs inside the confirmation transaction.
type Handler interface {
	Execute(ctx context.Context, intent *models.Intent, program *models.Program, payload models.Payload) (*Outcome, error)
	Finalize(ctx context.Context, tx models.Repository, intent *models.Intent, payload models.Payload, outcome *Outcome, now time.Time) error
}

// amountOrFee is the payload amount when positive, else the program fee.
func amountOrFee(payload models.Payload, program *models.Program) decimal.Decimal {
	if amount := intents.Amount(payload); amount.IsPositive() {
		return amount
	}
	return program.FeeAmount
}

func outcomeFrom(res *models.ChainResult, t models.SettlementType, asset string, amount decimal.Decimal) *Outcome {
	return &Outcome{TxHash: res.TxHash, BlockNumber: res.BlockNumber, Data: res.Data, Type: t, Asset: asset, Amount: amount}
}

type registerHandler struct {
	chain  models.ChainExecutor
	logger *logger.Logger
}

func (h *registerHandler) Execute(ctx context.Context, intent *models.Intent, program *models.Program, payload models.Payload) (*Outcome, error) {
	amount := amountOrFee(payload, program)
	res, err := h.chain.Execute(ctx, models.ChainRequest{
		Action:    models.ChainMint,
		Reference: intent.ID,
		Wallet:    intent.Wallet,
		Asset:     program.Currency,
		Amount:    amount,
		Params:    map[string]string{"program_id": program.ID},
	})
	if err != nil {
		return nil, err
	}
	return outcomeFrom(res, models.SettlementMint, program.Currency, amount), nil
}

// Finalize creates the user on first registration, linking the referring
// affiliate when it belongs to the same program.
func (h *registerHandler) Finalize(ctx context.Context, tx models.Repository, intent *models.Intent, payload models.Payload, outcome *Outcome, now time.Time) error {
	p := payload.(models.RegisterPayload)
	user, err := tx.GetUser(ctx, intent.ProgramID, intent.Wallet)
	if errors.Is(err, models.ErrNotFound) {
		user = &models.User{ProgramID: intent.ProgramID, Wallet: intent.Wallet, CreatedAt: now}
		if p.AffiliateID != "" {
			affiliate, err := tx.GetAffiliate(ctx, p.AffiliateID)
			switch {
			case err == nil && affiliate.ProgramID == intent.ProgramID:
				user.ReferredByID = affiliate.ID
				user.ReferredAt = &now
			case err == nil || errors.Is(err, models.ErrNotFound):
				h.logger.Warnw("Ignoring unknown referrer", "intent_id", intent.ID, "affiliate_id", p.AffiliateID)
			default:
				return fmt.Errorf("failed to load referrer: %w", err)
			}
		}
		user.RegistrationTxHash = outcome.TxHash
		user.RegisteredAt = &now
		return tx.CreateUser(ctx, user)
	}
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if !user.Registered() {
		user.RegistrationTxHash = outcome.TxHash
		user.RegisteredAt = &now
		return tx.UpdateUser(ctx, user)
	}
	return nil
}

type claimHandler struct {
	chain models.ChainExecutor
	repo  models.Repository
}

func (h *claimHandler) Execute(ctx context.Context, intent *models.Intent, program *models.Program, payload models.Payload) (*Outcome, error) {
	p := payload.(models.ClaimPayload)
	user, err := h.repo.GetUser(ctx, intent.ProgramID, intent.Wallet)
	if errors.Is(err, models.ErrNotFound) {
		return nil, blockchain.Permanent("not_registered", fmt.Errorf("wallet %s is not registered", intent.Wallet))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.Registered() {
		return nil, blockchain.Permanent("not_registered", fmt.Errorf("wallet %s has not completed registration", intent.Wallet))
	}
	asset := p.Asset
	if asset == "" {
		asset = defaultClaimAsset
	}
	amount := amountOrFee(payload, program)
	if user.HasClaimed {
		return &Outcome{TxHash: user.ClaimTxHash, Type: models.SettlementClaim, Asset: asset, Amount: amount, Replayed: true}, nil
	}

	res, err := h.chain.Execute(ctx, models.ChainRequest{
		Action:    models.ChainClaim,
		Reference: intent.ID,
		Wallet:    intent.Wallet,
		Asset:     asset,
		Amount:    amount,
		Params:    map[string]string{"program_id": program.ID, "cycle": p.Cycle},
	})
	if err != nil {
		return nil, err
	}
	return outcomeFrom(res, models.SettlementClaim, asset, amount), nil
}

func (h *claimHandler) Finalize(ctx context.Context, tx models.Repository, intent *models.Intent, payload models.Payload, outcome *Outcome, now time.Time) error {
	if outcome.Replayed {
		return nil
	}
	user, err := tx.GetUser(ctx, intent.ProgramID, intent.Wallet)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	user.HasClaimed = true
	user.ClaimTxHash = outcome.TxHash
	user.ClaimedAt = &now
	return tx.UpdateUser(ctx, user)
}

type commerceHandler struct {
	chain models.ChainExecutor
}

func (h *commerceHandler) Execute(ctx context.Context, intent *models.Intent, program *models.Program, payload models.Payload) (*Outcome, error) {
	p := payload.(models.CommercePayload)
	currency := p.Currency
	if currency == "" {
		currency = program.Currency
	}
	amount := amountOrFee(payload, program)
	res, err := h.chain.Execute(ctx, models.ChainRequest{
		Action:    models.ChainSettlePayment,
		Reference: intent.ID,
		Wallet:    intent.Wallet,
		Asset:     currency,
		Amount:    amount,
		Params:    map[string]string{"program_id": program.ID, "charge_id": p.ChargeID},
	})
	if err != nil {
		return nil, err
	}
	return outcomeFrom(res, models.SettlementCommerce, currency, amount), nil
}

func (h *commerceHandler) Finalize(context.Context, models.Repository, *models.Intent, models.Payload, *Outcome, time.Time) error {
	return nil
}

// payoutHandler drives a payout through the payout workflow, which owns the
// transfer and its ledger postings.
type payoutHandler struct {
	repo    models.Repository
	payouts *payout.Service
}

func (h *payoutHandler) Execute(ctx context.Context, intent *models.Intent, program *models.Program, payload models.Payload) (*Outcome, error) {
	p := payload.(models.PayoutPayload)
	payoutID, err := h.resolve(ctx, intent, p)
	if err != nil {
		return nil, err
	}
	result, err := h.payouts.Process(ctx, payoutID)
	switch {
	case errors.Is(err, payout.ErrPayoutInProgress):
		return nil, blockchain.Transient("payout_in_progress", err)
	case errors.Is(err, payout.ErrPayoutFailed), errors.Is(err, payout.ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
		return nil, blockchain.Permanent("payout_rejected", err)
	case err != nil:
		return nil, err
	}
	return &Outcome{
		TxHash: result.TxHash,
		Type:   models.SettlementPayout,
		Asset:  result.Currency,
		Amount: result.Amount,
		Data:   map[string]any{"payout_id": result.ID},
	}, nil
}

func (h *payoutHandler) resolve(ctx context.Context, intent *models.Intent, p models.PayoutPayload) (string, error) {
	if p.PayoutID != "" {
		return p.PayoutID, nil
	}
	period := p.Period
	if period == "" {
		period = intent.CreatedAt.UTC().Format("2006-01")
	}
	batch, err := h.repo.GetPayoutBatchByPeriod(ctx, intent.ProgramID, period)
	if errors.Is(err, models.ErrNotFound) {
		return "", blockchain.Permanent("no_batch", fmt.Errorf("no payout batch for %s", period))
	}
	if err != nil {
		return "", fmt.Errorf("failed to load payout batch: %w", err)
	}
	payouts, err := h.repo.ListPayouts(ctx, models.PayoutFilter{BatchID: batch.ID, AffiliateID: p.AffiliateID})
	if err != nil {
		return "", fmt.Errorf("failed to list payouts: %w", err)
	}
	if len(payouts) == 0 {
		return "", blockchain.Permanent("no_payout", fmt.Errorf("affiliate %s has no payout in %s", p.AffiliateID, period))
	}
	return payouts[0].ID, nil
}

func (h *payoutHandler) Finalize(context.Context, models.Repository, *models.Intent, models.Payload, *Outcome, time.Time) error {
	return nil
}
