package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CommissionType string

const (
	CommissionDirect   CommissionType = "DIRECT"
	CommissionOverride CommissionType = "OVERRIDE"
)

type CommissionStatus string

const (
	CommissionAccrued CommissionStatus = "ACCRUED"
	CommissionPayable CommissionStatus = "PAYABLE"
	CommissionPaid    CommissionStatus = "PAID"
)

// Commission is a liability owed to an affiliate, derived from one settlement.
// At most one commission of each type exists per settlement.
type Commission struct {
	ID           string         `json:"id" gorm:"column:id;primaryKey;size:36"`
	ProgramID    string         `json:"program_id" gorm:"column:program_id;size:64;not null;index"`
	SettlementID string         `json:"settlement_id" gorm:"column:settlement_id;size:36;not null;uniqueIndex:idx_commission_settlement_type"`
	AffiliateID  string         `json:"affiliate_id" gorm:"column:affiliate_id;size:64;not null;index"`
	Type         CommissionType `json:"type" gorm:"column:type;size:16;not null;uniqueIndex:idx_commission_settlement_type"`
	// Rate is a percentage, 10 means 10%.
	Rate       decimal.Decimal  `json:"rate" gorm:"column:rate;type:numeric(7,4);not null"`
	BaseAmount decimal.Decimal  `json:"base_amount" gorm:"column:base_amount;type:numeric(20,6);not null"`
	Amount     decimal.Decimal  `json:"amount" gorm:"column:amount;type:numeric(20,6);not null"`
	Currency   string           `json:"currency" gorm:"column:currency;size:16;not null"`
	Status     CommissionStatus `json:"status" gorm:"column:status;size:16;not null;index"`
	BatchID    string           `json:"batch_id,omitempty" gorm:"column:batch_id;size:36;index"`
	PayoutID   string           `json:"payout_id,omitempty" gorm:"column:payout_id;size:36;index"`
	CreatedAt  time.Time        `json:"created_at" gorm:"column:created_at;index"`
	PayableAt  *time.Time       `json:"payable_at,omitempty" gorm:"column:payable_at"`
	PaidAt     *time.Time       `json:"paid_at,omitempty" gorm:"column:paid_at"`
}

func (Commission) TableName() string {
	return "commissions"
}

func (c *Commission) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// CommissionFilter narrows commission queries. Zero values are ignored.
type CommissionFilter struct {
	ProgramID     string
	AffiliateID   string
	SettlementID  string
	PayoutID      string
	Statuses      []CommissionStatus
	CreatedBefore *time.Time
	// Unassigned restricts to commissions not yet bound to a payout.
	Unassigned bool
}

// AffiliateTotal is an aggregate of commissions for one affiliate.
type AffiliateTotal struct {
	AffiliateID string          `json:"affiliate_id"`
	Total       decimal.Decimal `json:"total"`
	Count       int64           `json:"count"`
}
