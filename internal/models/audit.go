package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditAction string

const (
	AuditIntentCreated          AuditAction = "INTENT_CREATED"
	AuditIntentCompleted        AuditAction = "INTENT_COMPLETED"
	AuditIntentFailed           AuditAction = "INTENT_FAILED"
	AuditSettlementConfirmed    AuditAction = "SETTLEMENT_CONFIRMED"
	AuditCommissionAccrued      AuditAction = "COMMISSION_ACCRUED"
	AuditCommissionsPayable     AuditAction = "COMMISSIONS_PAYABLE"
	AuditPayoutBatchCreated     AuditAction = "PAYOUT_BATCH_CREATED"
	AuditPayoutBatchApproved    AuditAction = "PAYOUT_BATCH_APPROVED"
	AuditPayoutBatchExecuted    AuditAction = "PAYOUT_BATCH_EXECUTED"
	AuditPayoutExecuted         AuditAction = "PAYOUT_EXECUTED"
	AuditPayoutFailed           AuditAction = "PAYOUT_FAILED"
	AuditLedgerReversal         AuditAction = "LEDGER_REVERSAL"
	AuditReconciliationRun      AuditAction = "RECONCILIATION_RUN"
	AuditReconciliationMismatch AuditAction = "RECONCILIATION_MISMATCH"
	AuditStuckIntentsReset      AuditAction = "STUCK_INTENTS_RESET"
)

type ActorType string

const (
	ActorSystem ActorType = "SYSTEM"
	ActorAdmin  ActorType = "ADMIN"
	ActorWorker ActorType = "WORKER"
)

// AuditLog is an immutable record of a state-changing action.
type AuditLog struct {
	ID         string         `json:"id" gorm:"column:id;primaryKey;size:36"`
	ProgramID  string         `json:"program_id,omitempty" gorm:"column:program_id;size:64;index"`
	Action     AuditAction    `json:"action" gorm:"column:action;size:64;not null;index"`
	ActorID    string         `json:"actor_id,omitempty" gorm:"column:actor_id;size:255"`
	ActorType  ActorType      `json:"actor_type" gorm:"column:actor_type;size:16;not null"`
	TargetType string         `json:"target_type,omitempty" gorm:"column:target_type;size:64;index:idx_audit_target"`
	TargetID   string         `json:"target_id,omitempty" gorm:"column:target_id;size:64;index:idx_audit_target"`
	Before     datatypes.JSON `json:"before,omitempty" gorm:"column:before"`
	After      datatypes.JSON `json:"after,omitempty" gorm:"column:after"`
	Metadata   datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata"`
	CreatedAt  time.Time      `json:"created_at" gorm:"column:created_at;index"`
}

func (AuditLog) TableName() string {
	return "audit_log"
}

func (a *AuditLog) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// AuditFilter narrows audit queries. Zero values are ignored.
type AuditFilter struct {
	ProgramID  string
	Action     AuditAction
	TargetType string
	TargetID   string
	Limit      int
}
