package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PayoutBatchStatus string

const (
	BatchPending    PayoutBatchStatus = "PENDING"
	BatchApproved   PayoutBatchStatus = "APPROVED"
	BatchProcessing PayoutBatchStatus = "PROCESSING"
)

// PayoutBatch is a unit of two-person-approved disbursement for one program period.
type PayoutBatch struct {
	ID             string            `json:"id" gorm:"column:id;primaryKey;size:36"`
	ProgramID      string            `json:"program_id" gorm:"column:program_id;size:64;not null;uniqueIndex:idx_batch_program_period"`
	Period         string            `json:"period" gorm:"column:period;size:16;not null;uniqueIndex:idx_batch_program_period"`
	TotalAmount    decimal.Decimal   `json:"total_amount" gorm:"column:total_amount;type:numeric(20,6);not null"`
	AffiliateCount int               `json:"affiliate_count" gorm:"column:affiliate_count;not null"`
	Currency       string            `json:"currency" gorm:"column:currency;size:16;not null"`
	Status         PayoutBatchStatus `json:"status" gorm:"column:status;size:16;not null;index"`
	CreatedBy      string            `json:"created_by" gorm:"column:created_by;size:255;not null"`
	ApprovedBy     string            `json:"approved_by,omitempty" gorm:"column:approved_by;size:255"`
	ApprovedAt     *time.Time        `json:"approved_at,omitempty" gorm:"column:approved_at"`
	ExecutedAt     *time.Time        `json:"executed_at,omitempty" gorm:"column:executed_at"`
	CreatedAt      time.Time         `json:"created_at" gorm:"column:created_at"`
	UpdatedAt      time.Time         `json:"updated_at" gorm:"column:updated_at"`
}

func (PayoutBatch) TableName() string {
	return "payout_batches"
}

func (b *PayoutBatch) BeforeCreate(*gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutCompleted PayoutStatus = "COMPLETED"
	PayoutFailed    PayoutStatus = "FAILED"
)

const PayoutMethodOnchain = "ONCHAIN_USDC"

// Payout is one affiliate's share of a batch.
type Payout struct {
	ID             string          `json:"id" gorm:"column:id;primaryKey;size:36"`
	BatchID        string          `json:"batch_id" gorm:"column:batch_id;size:36;not null;index"`
	ProgramID      string          `json:"program_id" gorm:"column:program_id;size:64;not null;index"`
	AffiliateID    string          `json:"affiliate_id" gorm:"column:affiliate_id;size:64;not null;index"`
	IdempotencyKey string          `json:"idempotency_key" gorm:"column:idempotency_key;size:255;not null;uniqueIndex"`
	Method         string          `json:"method" gorm:"column:method;size:32;not null"`
	Destination    string          `json:"destination" gorm:"column:destination;size:64;not null"`
	Amount         decimal.Decimal `json:"amount" gorm:"column:amount;type:numeric(20,6);not null"`
	Currency       string          `json:"currency" gorm:"column:currency;size:16;not null"`
	Status         PayoutStatus    `json:"status" gorm:"column:status;size:16;not null;index"`
	// ClaimedBy is set by the worker that started the transfer. A claimed payout
	// is never claimed again.
	ClaimedBy    string     `json:"claimed_by,omitempty" gorm:"column:claimed_by;size:255"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty" gorm:"column:claimed_at"`
	TxHash       string     `json:"tx_hash,omitempty" gorm:"column:tx_hash;size:128"`
	ErrorMessage string     `json:"error_message,omitempty" gorm:"column:error_message"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty" gorm:"column:executed_at"`
	CreatedAt    time.Time  `json:"created_at" gorm:"column:created_at"`
}

func (Payout) TableName() string {
	return "payouts"
}

func (p *Payout) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// PayoutFilter narrows payout queries. Zero values are ignored.
type PayoutFilter struct {
	ProgramID     string
	BatchID       string
	AffiliateID   string
	Statuses      []PayoutStatus
	Unclaimed     bool
	ClaimedBefore *time.Time
}
