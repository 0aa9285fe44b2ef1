package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// IntentFilter narrows intent queries. Zero values are ignored.
type IntentFilter struct {
	ProgramID         string
	Wallet            string
	Statuses          []IntentStatus
	LastAttemptBefore *time.Time
	Limit             int
}

// SettlementFilter narrows settlement queries. Zero values are ignored.
type SettlementFilter struct {
	ProgramID  string
	Types      []SettlementType
	Unverified bool
	Limit      int
}

// Repository is the transactional store behind every service. Conditional
// updates report whether they matched a row so callers can detect lost races.
type Repository interface {
	// WithinTx runs fn in one storage transaction. fn must only use the
	// Repository it receives. Nested calls join the outer transaction.
	WithinTx(ctx context.Context, fn func(tx Repository) error) error

	CreateProgram(ctx context.Context, program *Program) error
	GetProgram(ctx context.Context, id string) (*Program, error)
	ListPrograms(ctx context.Context) ([]*Program, error)

	CreateAffiliate(ctx context.Context, affiliate *Affiliate) error
	GetAffiliate(ctx context.Context, id string) (*Affiliate, error)
	AdjustAffiliateEarnings(ctx context.Context, id string, pendingDelta, totalDelta decimal.Decimal) error

	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, programID, wallet string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error

	// CreateIntent inserts the intent unless its idempotency key exists, in which
	// case the stored row is returned with created=false.
	CreateIntent(ctx context.Context, intent *Intent) (stored *Intent, created bool, err error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	// AcquireIntentLock moves a PENDING intent with no live lease to PROCESSING,
	// owned by owner until until, incrementing attempts. Exactly one concurrent caller wins.
	AcquireIntentLock(ctx context.Context, id, owner string, now, until time.Time) (bool, error)
	CompleteIntent(ctx context.Context, id, txHash string, result datatypes.JSON, now time.Time) error
	// ReleaseIntent clears the lease and sets a failure outcome (PENDING with a retry time, or FAILED).
	ReleaseIntent(ctx context.Context, id string, status IntentStatus, errMsg string, nextRetryAt *time.Time) error
	ListRetryableIntents(ctx context.Context, now time.Time, limit int) ([]*Intent, error)
	ListIntents(ctx context.Context, filter IntentFilter) ([]*Intent, error)
	// ResetStuckIntents returns PROCESSING intents whose last attempt started before
	// olderThan to PENDING, retryable at now.
	ResetStuckIntents(ctx context.Context, programID string, olderThan, now time.Time) (int64, error)
	CountIntentsByStatus(ctx context.Context, programID string) (map[IntentStatus]int64, error)

	CreateSettlement(ctx context.Context, settlement *Settlement) error
	GetSettlement(ctx context.Context, id string) (*Settlement, error)
	GetSettlementByIntent(ctx context.Context, intentID string) (*Settlement, error)
	ListSettlements(ctx context.Context, filter SettlementFilter) ([]*Settlement, error)
	CountSettlements(ctx context.Context, filter SettlementFilter) (int64, error)
	MarkSettlementVerified(ctx context.Context, id string, at time.Time) error

	CreateLedgerEntries(ctx context.Context, entries []*LedgerEntry) error
	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]*LedgerEntry, error)
	SumLedger(ctx context.Context, filter LedgerFilter) (decimal.Decimal, error)
	SumLedgerByCurrency(ctx context.Context, programID string) (map[string]decimal.Decimal, error)
	SumLedgerByAccount(ctx context.Context, programID string) (map[string]decimal.Decimal, error)

	CreateCommission(ctx context.Context, commission *Commission) error
	CountCommissions(ctx context.Context, filter CommissionFilter) (int64, error)
	ListCommissions(ctx context.Context, filter CommissionFilter) ([]*Commission, error)
	SumCommissions(ctx context.Context, filter CommissionFilter) (decimal.Decimal, error)
	SumCommissionsByAffiliate(ctx context.Context, filter CommissionFilter) ([]AffiliateTotal, error)
	// MarkCommissionsPayable moves ACCRUED commissions matching filter to PAYABLE.
	MarkCommissionsPayable(ctx context.Context, filter CommissionFilter, at time.Time) (int64, error)
	// AssignCommissionsToPayout binds the affiliate's unassigned PAYABLE commissions to a payout.
	AssignCommissionsToPayout(ctx context.Context, programID, affiliateID, batchID, payoutID string) (int64, error)
	// ReleaseCommissions unbinds the payout's PAYABLE commissions so a later batch can include them.
	ReleaseCommissions(ctx context.Context, payoutID string) (int64, error)
	// MarkCommissionsPaid moves the payout's PAYABLE commissions to PAID.
	MarkCommissionsPaid(ctx context.Context, payoutID string, at time.Time) (int64, error)

	CreatePayoutBatch(ctx context.Context, batch *PayoutBatch) error
	GetPayoutBatch(ctx context.Context, id string) (*PayoutBatch, error)
	GetPayoutBatchByPeriod(ctx context.Context, programID, period string) (*PayoutBatch, error)
	ListPayoutBatches(ctx context.Context, programID string, statuses ...PayoutBatchStatus) ([]*PayoutBatch, error)
	// TransitionPayoutBatch moves a batch from one status to another. Moving to
	// APPROVED records actor as approver; moving to PROCESSING stamps the execution time.
	TransitionPayoutBatch(ctx context.Context, id string, from, to PayoutBatchStatus, actor string, at time.Time) (bool, error)

	CreatePayout(ctx context.Context, payout *Payout) error
	GetPayout(ctx context.Context, id string) (*Payout, error)
	ListPayouts(ctx context.Context, filter PayoutFilter) ([]*Payout, error)
	SumPayouts(ctx context.Context, filter PayoutFilter) (decimal.Decimal, error)
	// ClaimPayout marks an unclaimed PENDING payout as owned by owner.
	ClaimPayout(ctx context.Context, id, owner string, at time.Time) (bool, error)
	CompletePayout(ctx context.Context, id, txHash string, at time.Time) error
	FailPayout(ctx context.Context, id, errMsg string, at time.Time) error

	CreateAuditLog(ctx context.Context, entry *AuditLog) error
	ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*AuditLog, error)

	TryAcquireAppLock(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseAppLock(ctx context.Context, name, instanceID string) error
}
