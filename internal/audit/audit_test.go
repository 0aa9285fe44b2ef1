package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/repository"
	"github.com/core-coin/solvere/pkg/logger"
)

func TestLogPersistsEntry(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	a := New(repo, logger.NewNop())

	a.Log(ctx, Entry{
		ProgramID:  "prog-1",
		Action:     models.AuditPayoutBatchApproved,
		ActorID:    "admin2",
		ActorType:  models.ActorAdmin,
		TargetType: "payout_batch",
		TargetID:   "batch-1",
		Before:     map[string]string{"status": "PENDING"},
		After:      map[string]string{"status": "APPROVED"},
	})

	logs, err := a.Query(ctx, models.AuditFilter{TargetType: "payout_batch", TargetID: "batch-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.AuditPayoutBatchApproved, logs[0].Action)
	assert.JSONEq(t, `{"status":"APPROVED"}`, string(logs[0].After))
	assert.Nil(t, logs[0].Metadata)
}

func TestLogDefaultsToSystemActor(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	a := New(repo, logger.NewNop())

	a.Log(ctx, Entry{Action: models.AuditReconciliationRun})

	logs, err := a.Query(ctx, models.AuditFilter{Action: models.AuditReconciliationRun})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ActorSystem, logs[0].ActorType)
}

func TestLogSwallowsStoreFailure(t *testing.T) {
	repo := repository.NewMemory()
	repo.FailAuditWrites(true)
	a := New(repo, logger.NewNop())

	assert.NotPanics(t, func() {
		a.Log(context.Background(), Entry{Action: models.AuditIntentCreated})
	})
}
