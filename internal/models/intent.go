package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type IntentType string

const (
	IntentRegister        IntentType = "REGISTER"
	IntentClaim           IntentType = "CLAIM"
	IntentCommercePayment IntentType = "COMMERCE_PAYMENT"
	IntentPayout          IntentType = "PAYOUT"
)

// Valid reports whether t is a known intent type.
func (t IntentType) Valid() bool {
	switch t {
	case IntentRegister, IntentClaim, IntentCommercePayment, IntentPayout:
		return true
	}
	return false
}

type IntentStatus string

const (
	IntentPending    IntentStatus = "PENDING"
	IntentProcessing IntentStatus = "PROCESSING"
	IntentConfirmed  IntentStatus = "CONFIRMED"
	IntentFailed     IntentStatus = "FAILED"
)

// Intent is a request to perform an idempotent, possibly retried action.
// It is owned by the admission layer until a worker locks it.
type Intent struct {
	ID        string     `json:"id" gorm:"column:id;primaryKey;size:36"`
	ProgramID string     `json:"program_id" gorm:"column:program_id;size:64;not null;index"`
	Type      IntentType `json:"type" gorm:"column:type;size:32;not null"`
	// IdempotencyKey collapses logically identical requests into one row.
	IdempotencyKey string         `json:"idempotency_key" gorm:"column:idempotency_key;size:255;not null;uniqueIndex"`
	Wallet         string         `json:"wallet" gorm:"column:wallet;size:64;index"`
	Payload        datatypes.JSON `json:"payload" gorm:"column:payload"`
	Status         IntentStatus   `json:"status" gorm:"column:status;size:16;not null;index"`
	Attempts       int            `json:"attempts" gorm:"column:attempts;not null;default:0"`
	// LockedBy is empty when no worker holds the lease.
	LockedBy      string     `json:"locked_by,omitempty" gorm:"column:locked_by;size:255"`
	LockedUntil   *time.Time `json:"locked_until,omitempty" gorm:"column:locked_until"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" gorm:"column:last_attempt_at"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty" gorm:"column:next_retry_at;index"`

	ResultTxHash string         `json:"result_tx_hash,omitempty" gorm:"column:result_tx_hash;size:128"`
	ResultData   datatypes.JSON `json:"result_data,omitempty" gorm:"column:result_data"`
	ErrorMessage string         `json:"error_message,omitempty" gorm:"column:error_message"`

	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
}

func (Intent) TableName() string {
	return "intents"
}

func (i *Intent) BeforeCreate(*gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}

// IsTerminal reports whether the intent reached CONFIRMED or FAILED.
func (i *Intent) IsTerminal() bool {
	return i.Status == IntentConfirmed || i.Status == IntentFailed
}

// IntentResult is stored on an intent when it is confirmed.
type IntentResult struct {
	TxHash      string         `json:"tx_hash,omitempty"`
	BlockNumber uint64         `json:"block_number,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}
