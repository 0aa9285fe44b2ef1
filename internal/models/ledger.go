package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type LedgerRefType string

const (
	RefSettlement LedgerRefType = "SETTLEMENT"
	RefCommission LedgerRefType = "COMMISSION"
	RefPayout     LedgerRefType = "PAYOUT"
	RefReversal   LedgerRefType = "REVERSAL"
)

// LedgerEntry is one immutable posting against one account. Entries always come in
// pairs that share a TransactionID and sum to zero.
type LedgerEntry struct {
	ID            string          `json:"id" gorm:"column:id;primaryKey;size:36"`
	TransactionID string          `json:"transaction_id" gorm:"column:transaction_id;size:36;not null;index"`
	ProgramID     string          `json:"program_id" gorm:"column:program_id;size:64;not null;index:idx_ledger_program_account"`
	Account       string          `json:"account" gorm:"column:account;size:255;not null;index:idx_ledger_program_account"`
	Counterparty  string          `json:"counterparty" gorm:"column:counterparty;size:255;not null"`
	Amount        decimal.Decimal `json:"amount" gorm:"column:amount;type:numeric(20,6);not null"`
	Currency      string          `json:"currency" gorm:"column:currency;size:16;not null"`
	RefType       LedgerRefType   `json:"ref_type" gorm:"column:ref_type;size:32;not null"`
	RefID         string          `json:"ref_id" gorm:"column:ref_id;size:64;index"`
	SettlementID  string          `json:"settlement_id,omitempty" gorm:"column:settlement_id;size:36;index"`
	Description   string          `json:"description" gorm:"column:description"`
	CreatedAt     time.Time       `json:"created_at" gorm:"column:created_at;index"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

func (e *LedgerEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// LedgerFilter narrows ledger queries. Zero values are ignored.
type LedgerFilter struct {
	ProgramID     string
	Account       string
	Currency      string
	TransactionID string
	RefType       LedgerRefType
	RefID         string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}
