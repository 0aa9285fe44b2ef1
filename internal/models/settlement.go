package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SettlementType string

const (
	SettlementMint     SettlementType = "MINT"
	SettlementClaim    SettlementType = "CLAIM"
	SettlementCommerce SettlementType = "COMMERCE_PAYMENT"
	SettlementPayout   SettlementType = "PAYOUT"
)

// RevenueBearing reports whether settlements of this type recognise program revenue
// and therefore accrue commissions.
func (t SettlementType) RevenueBearing() bool {
	return t == SettlementMint || t == SettlementClaim || t == SettlementCommerce
}

// RevenueSettlementTypes lists the settlement types that recognise revenue.
var RevenueSettlementTypes = []SettlementType{SettlementMint, SettlementClaim, SettlementCommerce}

type SettlementStatus string

const SettlementConfirmed SettlementStatus = "CONFIRMED"

// Settlement is the durable record of a successful on-chain action, 1:1 with a confirmed intent.
type Settlement struct {
	ID          string           `json:"id" gorm:"column:id;primaryKey;size:36"`
	ProgramID   string           `json:"program_id" gorm:"column:program_id;size:64;not null;index"`
	IntentID    string           `json:"intent_id" gorm:"column:intent_id;size:36;not null;uniqueIndex"`
	Wallet      string           `json:"wallet" gorm:"column:wallet;size:64;index"`
	Type        SettlementType   `json:"type" gorm:"column:type;size:32;not null"`
	Asset       string           `json:"asset" gorm:"column:asset;size:16"`
	Amount      decimal.Decimal  `json:"amount" gorm:"column:amount;type:numeric(20,6);not null"`
	TxHash      string           `json:"tx_hash" gorm:"column:tx_hash;size:128;index"`
	BlockNumber uint64           `json:"block_number" gorm:"column:block_number"`
	Status      SettlementStatus `json:"status" gorm:"column:status;size:16;not null"`
	// Verified is set once an independent receipt check confirmed the transaction.
	Verified   bool       `json:"verified" gorm:"column:verified;not null;default:false;index"`
	VerifiedAt *time.Time `json:"verified_at,omitempty" gorm:"column:verified_at"`
	CreatedAt  time.Time  `json:"created_at" gorm:"column:created_at"`
}

func (Settlement) TableName() string {
	return "settlements"
}

func (s *Settlement) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
