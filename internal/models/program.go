package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const DefaultCurrency = "USD"

// Program is a tenant with its own fee and commission rates.
type Program struct {
	ID string `json:"id" gorm:"column:id;primaryKey;size:64"`
	// Name is the display name of the program.
	Name string `json:"name" gorm:"column:name;size:255"`
	// FeeAmount is the revenue recognised per settlement when the intent carries no amount.
	FeeAmount decimal.Decimal `json:"fee_amount" gorm:"column:fee_amount;type:numeric(20,6);not null"`
	Currency  string          `json:"currency" gorm:"column:currency;size:16;not null"`
	// DirectCommissionPct is paid to the referring affiliate, in percent.
	DirectCommissionPct decimal.Decimal `json:"direct_commission_pct" gorm:"column:direct_commission_pct;type:numeric(7,4);not null"`
	// OverrideCommissionPct is paid to the referring affiliate's parent, in percent.
	OverrideCommissionPct decimal.Decimal `json:"override_commission_pct" gorm:"column:override_commission_pct;type:numeric(7,4);not null"`
	CreatedAt             time.Time       `json:"created_at" gorm:"column:created_at"`
}

func (Program) TableName() string {
	return "programs"
}

// Affiliate earns commissions on the settlements of users it referred.
type Affiliate struct {
	ID              string          `json:"id" gorm:"column:id;primaryKey;size:64"`
	ProgramID       string          `json:"program_id" gorm:"column:program_id;size:64;not null;index"`
	Wallet          string          `json:"wallet" gorm:"column:wallet;size:64;not null"`
	ParentID        string          `json:"parent_id,omitempty" gorm:"column:parent_id;size:64;index"`
	ReferralCode    string          `json:"referral_code" gorm:"column:referral_code;size:64;uniqueIndex"`
	PendingEarnings decimal.Decimal `json:"pending_earnings" gorm:"column:pending_earnings;type:numeric(20,6);not null;default:0"`
	TotalEarnings   decimal.Decimal `json:"total_earnings" gorm:"column:total_earnings;type:numeric(20,6);not null;default:0"`
	CreatedAt       time.Time       `json:"created_at" gorm:"column:created_at"`
}

func (Affiliate) TableName() string {
	return "affiliates"
}

func (a *Affiliate) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ReferralCode == "" {
		a.ReferralCode = a.ID
	}
	return nil
}

// User is a registered wallet within a program.
type User struct {
	ID                 string     `json:"id" gorm:"column:id;primaryKey;size:36"`
	ProgramID          string     `json:"program_id" gorm:"column:program_id;size:64;not null;uniqueIndex:idx_user_program_wallet"`
	Wallet             string     `json:"wallet" gorm:"column:wallet;size:64;not null;uniqueIndex:idx_user_program_wallet"`
	ReferredByID       string     `json:"referred_by_id,omitempty" gorm:"column:referred_by_id;size:64;index"`
	ReferredAt         *time.Time `json:"referred_at,omitempty" gorm:"column:referred_at"`
	RegistrationTxHash string     `json:"registration_tx_hash,omitempty" gorm:"column:registration_tx_hash;size:128"`
	RegisteredAt       *time.Time `json:"registered_at,omitempty" gorm:"column:registered_at"`
	HasClaimed         bool       `json:"has_claimed" gorm:"column:has_claimed;not null;default:false"`
	ClaimTxHash        string     `json:"claim_tx_hash,omitempty" gorm:"column:claim_tx_hash;size:128"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty" gorm:"column:claimed_at"`
	CreatedAt          time.Time  `json:"created_at" gorm:"column:created_at"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Registered reports whether the registration mint went through.
func (u *User) Registered() bool {
	return u.RegistrationTxHash != ""
}
