// Package audit records state-changing actions. Writes are best effort: a
// failing audit store is logged and never fails the business operation.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

const defaultQueryLimit = 100

type Store interface {
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error)
}

type Entry struct {
	ProgramID  string
	Action     models.AuditAction
	ActorID    string
	ActorType  models.ActorType
	TargetType string
	TargetID   string
	Before     any
	After      any
	Metadata   any
}

type Auditor struct {
	store  Store
	logger *logger.Logger
	Now    func() time.Time
}

func New(store Store, logger *logger.Logger) *Auditor {
	return &Auditor{store: store, logger: logger, Now: time.Now}
}

// Log persists e. Errors are logged and swallowed.
func (a *Auditor) Log(ctx context.Context, e Entry) {
	if e.ActorType == "" {
		e.ActorType = models.ActorSystem
	}
	entry := &models.AuditLog{
		ProgramID:  e.ProgramID,
		Action:     e.Action,
		ActorID:    e.ActorID,
		ActorType:  e.ActorType,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Before:     a.encode(e.Before),
		After:      a.encode(e.After),
		Metadata:   a.encode(e.Metadata),
		CreatedAt:  a.Now(),
	}
	if err := a.store.CreateAuditLog(ctx, entry); err != nil {
		a.logger.Errorw("Failed to write audit log",
			"action", e.Action,
			"target_type", e.TargetType,
			"target_id", e.TargetID,
			"error", err,
		)
	}
}

func (a *Auditor) encode(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		a.logger.Warnw("Failed to encode audit payload", "error", err)
		return nil
	}
	return datatypes.JSON(raw)
}

// Query returns the newest matching entries first.
func (a *Auditor) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultQueryLimit
	}
	return a.store.ListAuditLogs(ctx, filter)
}
