package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

var _ models.Repository = (*PostgresDB)(nil)

type PostgresDB struct {
	logger *logger.Logger

	Conn *gorm.DB
}

// NewPostgresDB connects to PostgreSQL using the given DSN.
func NewPostgresDB(dsn string, logger *logger.Logger) (*PostgresDB, error) {
	return NewPostgresDBWithDialector(postgres.Open(dsn), logger)
}

// NewPostgresDBWithDialector opens the repository on an existing dialector.
func NewPostgresDBWithDialector(dialector gorm.Dialector, logger *logger.Logger) (*PostgresDB, error) {
	// Configure GORM logger to suppress "record not found" messages
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormLogger,
		TranslateError:         true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return &PostgresDB{Conn: db, logger: logger}, nil
}

// Migrate creates or updates every table.
func (db *PostgresDB) Migrate() error {
	if err := db.Conn.AutoMigrate(
		&models.Program{},
		&models.Affiliate{},
		&models.User{},
		&models.Intent{},
		&models.Settlement{},
		&models.LedgerEntry{},
		&models.Commission{},
		&models.PayoutBatch{},
		&models.Payout{},
		&models.AuditLog{},
		&models.AppLock{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	return nil
}

func (db *PostgresDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (db *PostgresDB) Ping(ctx context.Context) error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (db *PostgresDB) q(ctx context.Context) *gorm.DB {
	return db.Conn.WithContext(ctx)
}

// translate maps gorm errors onto the repository sentinels.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, models.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (db *PostgresDB) WithinTx(ctx context.Context, fn func(tx models.Repository) error) error {
	return db.q(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&PostgresDB{Conn: tx, logger: db.logger})
	})
}

// Programs, affiliates, users

func (db *PostgresDB) CreateProgram(ctx context.Context, program *models.Program) error {
	if program.Currency == "" {
		program.Currency = models.DefaultCurrency
	}
	return translate(db.q(ctx).Create(program).Error, "failed to create program")
}

func (db *PostgresDB) GetProgram(ctx context.Context, id string) (*models.Program, error) {
	var program models.Program
	if err := db.q(ctx).Where("id = ?", id).First(&program).Error; err != nil {
		return nil, translate(err, "failed to get program "+id)
	}
	return &program, nil
}

func (db *PostgresDB) ListPrograms(ctx context.Context) ([]*models.Program, error) {
	var programs []*models.Program
	if err := db.q(ctx).Order("id").Find(&programs).Error; err != nil {
		return nil, translate(err, "failed to list programs")
	}
	return programs, nil
}

func (db *PostgresDB) CreateAffiliate(ctx context.Context, affiliate *models.Affiliate) error {
	return translate(db.q(ctx).Create(affiliate).Error, "failed to create affiliate")
}

func (db *PostgresDB) GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error) {
	var affiliate models.Affiliate
	if err := db.q(ctx).Where("id = ?", id).First(&affiliate).Error; err != nil {
		return nil, translate(err, "failed to get affiliate "+id)
	}
	return &affiliate, nil
}

func (db *PostgresDB) AdjustAffiliateEarnings(ctx context.Context, id string, pendingDelta, totalDelta decimal.Decimal) error {
	res := db.q(ctx).Model(&models.Affiliate{}).Where("id = ?", id).Updates(map[string]interface{}{
		"pending_earnings": gorm.Expr("pending_earnings + ?", pendingDelta),
		"total_earnings":   gorm.Expr("total_earnings + ?", totalDelta),
	})
	if res.Error != nil {
		return translate(res.Error, "failed to adjust affiliate earnings")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("affiliate %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (db *PostgresDB) CreateUser(ctx context.Context, user *models.User) error {
	return translate(db.q(ctx).Create(user).Error, "failed to create user")
}

func (db *PostgresDB) GetUser(ctx context.Context, programID, wallet string) (*models.User, error) {
	var user models.User
	if err := db.q(ctx).Where("program_id = ? AND wallet = ?", programID, wallet).First(&user).Error; err != nil {
		return nil, translate(err, "failed to get user "+wallet)
	}
	return &user, nil
}

func (db *PostgresDB) UpdateUser(ctx context.Context, user *models.User) error {
	return translate(db.q(ctx).Save(user).Error, "failed to update user")
}

// Intents

func (db *PostgresDB) CreateIntent(ctx context.Context, intent *models.Intent) (*models.Intent, bool, error) {
	res := db.q(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(intent)
	if res.Error != nil {
		return nil, false, translate(res.Error, "failed to create intent")
	}
	if res.RowsAffected == 1 {
		return intent, true, nil
	}

	var existing models.Intent
	if err := db.q(ctx).Where("idempotency_key = ?", intent.IdempotencyKey).First(&existing).Error; err != nil {
		return nil, false, translate(err, "failed to load existing intent")
	}
	return &existing, false, nil
}

func (db *PostgresDB) GetIntent(ctx context.Context, id string) (*models.Intent, error) {
	var intent models.Intent
	if err := db.q(ctx).Where("id = ?", id).First(&intent).Error; err != nil {
		return nil, translate(err, "failed to get intent "+id)
	}
	return &intent, nil
}

func (db *PostgresDB) AcquireIntentLock(ctx context.Context, id, owner string, now, until time.Time) (bool, error) {
	res := db.q(ctx).Model(&models.Intent{}).
		Where("id = ? AND status = ? AND (locked_by = '' OR locked_until IS NULL OR locked_until < ?)",
			id, models.IntentPending, now).
		Updates(map[string]interface{}{
			"status":          models.IntentProcessing,
			"locked_by":       owner,
			"locked_until":    until,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, translate(res.Error, "failed to lock intent")
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) CompleteIntent(ctx context.Context, id, txHash string, result datatypes.JSON, now time.Time) error {
	res := db.q(ctx).Model(&models.Intent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":         models.IntentConfirmed,
		"result_tx_hash": txHash,
		"result_data":    result,
		"completed_at":   now,
		"locked_by":      "",
		"locked_until":   nil,
		"next_retry_at":  nil,
		"error_message":  "",
		"updated_at":     now,
	})
	if res.Error != nil {
		return translate(res.Error, "failed to complete intent")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (db *PostgresDB) ReleaseIntent(ctx context.Context, id string, status models.IntentStatus, errMsg string, nextRetryAt *time.Time) error {
	res := db.q(ctx).Model(&models.Intent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
		"next_retry_at": nextRetryAt,
		"locked_by":     "",
		"locked_until":  nil,
	})
	if res.Error != nil {
		return translate(res.Error, "failed to release intent")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (db *PostgresDB) ListRetryableIntents(ctx context.Context, now time.Time, limit int) ([]*models.Intent, error) {
	var intents []*models.Intent
	q := db.q(ctx).Where("status = ? AND next_retry_at <= ?", models.IntentPending, now).Order("next_retry_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&intents).Error; err != nil {
		return nil, translate(err, "failed to list retryable intents")
	}
	return intents, nil
}

func applyIntentFilter(q *gorm.DB, f models.IntentFilter) *gorm.DB {
	if f.ProgramID != "" {
		q = q.Where("program_id = ?", f.ProgramID)
	}
	if f.Wallet != "" {
		q = q.Where("wallet = ?", f.Wallet)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.LastAttemptBefore != nil {
		q = q.Where("last_attempt_at < ?", *f.LastAttemptBefore)
	}
	return q
}

func (db *PostgresDB) ListIntents(ctx context.Context, filter models.IntentFilter) ([]*models.Intent, error) {
	var intents []*models.Intent
	q := applyIntentFilter(db.q(ctx), filter).Order("created_at ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&intents).Error; err != nil {
		return nil, translate(err, "failed to list intents")
	}
	return intents, nil
}

func (db *PostgresDB) ResetStuckIntents(ctx context.Context, programID string, olderThan, now time.Time) (int64, error) {
	q := applyIntentFilter(db.q(ctx).Model(&models.Intent{}), models.IntentFilter{
		ProgramID:         programID,
		Statuses:          []models.IntentStatus{models.IntentProcessing},
		LastAttemptBefore: &olderThan,
	})
	res := q.Updates(map[string]interface{}{
		"status":        models.IntentPending,
		"locked_by":     "",
		"locked_until":  nil,
		"next_retry_at": now,
		"error_message": "reset after exceeding processing threshold",
		"updated_at":    now,
	})
	if res.Error != nil {
		return 0, translate(res.Error, "failed to reset stuck intents")
	}
	return res.RowsAffected, nil
}

func (db *PostgresDB) CountIntentsByStatus(ctx context.Context, programID string) (map[models.IntentStatus]int64, error) {
	var rows []struct {
		Status models.IntentStatus
		Count  int64
	}
	q := db.q(ctx).Model(&models.Intent{}).Select("status, COUNT(*) AS count").Group("status")
	if programID != "" {
		q = q.Where("program_id = ?", programID)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, translate(err, "failed to count intents")
	}
	out := make(map[models.IntentStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// Settlements

func (db *PostgresDB) CreateSettlement(ctx context.Context, settlement *models.Settlement) error {
	return translate(db.q(ctx).Create(settlement).Error, "failed to create settlement")
}

func (db *PostgresDB) GetSettlement(ctx context.Context, id string) (*models.Settlement, error) {
	var settlement models.Settlement
	if err := db.q(ctx).Where("id = ?", id).First(&settlement).Error; err != nil {
		return nil, translate(err, "failed to get settlement "+id)
	}
	return &settlement, nil
}

func (db *PostgresDB) GetSettlementByIntent(ctx context.Context, intentID string) (*models.Settlement, error) {
	var settlement models.Settlement
	if err := db.q(ctx).Where("intent_id = ?", intentID).First(&settlement).Error; err != nil {
		return nil, translate(err, "failed to get settlement for intent "+intentID)
	}
	return &settlement, nil
}

func applySettlementFilter(q *gorm.DB, f models.SettlementFilter) *gorm.DB {
	if f.ProgramID != "" {
		q = q.Where("program_id = ?", f.ProgramID)
	}
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	if f.Unverified {
		q = q.Where("verified = ? AND status = ?", false, models.SettlementConfirmed)
	}
	return q
}

func (db *PostgresDB) ListSettlements(ctx context.Context, filter models.SettlementFilter) ([]*models.Settlement, error) {
	var settlements []*models.Settlement
	q := applySettlementFilter(db.q(ctx), filter).Order("created_at ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&settlements).Error; err != nil {
		return nil, translate(err, "failed to list settlements")
	}
	return settlements, nil
}

func (db *PostgresDB) CountSettlements(ctx context.Context, filter models.SettlementFilter) (int64, error) {
	var count int64
	if err := applySettlementFilter(db.q(ctx).Model(&models.Settlement{}), filter).Count(&count).Error; err != nil {
		return 0, translate(err, "failed to count settlements")
	}
	return count, nil
}

func (db *PostgresDB) MarkSettlementVerified(ctx context.Context, id string, at time.Time) error {
	res := db.q(ctx).Model(&models.Settlement{}).Where("id = ?", id).Updates(map[string]interface{}{
		"verified":    true,
		"verified_at": at,
	})
	if res.Error != nil {
		return translate(res.Error, "failed to verify settlement")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("settlement %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// Ledger

func (db *PostgresDB) CreateLedgerEntries(ctx context.Context, entries []*models.LedgerEntry) error {
	return translate(db.q(ctx).Create(entries).Error, "failed to create ledger entries")
}

func applyLedgerFilter(q *gorm.DB, f models.LedgerFilter) *gorm.DB {
	if f.ProgramID != "" {
		q = q.Where("program_id = ?", f.ProgramID)
	}
	if f.Account != "" {
		q = q.Where("account = ?", f.Account)
	}
	if f.Currency != "" {
		q = q.Where("currency = ?", f.Currency)
	}
	if f.TransactionID != "" {
		q = q.Where("transaction_id = ?", f.TransactionID)
	}
	if f.RefType != "" {
		q = q.Where("ref_type = ?", f.RefType)
	}
	if f.RefID != "" {
		q = q.Where("ref_id = ?", f.RefID)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}
	return q
}

func (db *PostgresDB) ListLedgerEntries(ctx context.Context, filter models.LedgerFilter) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry
	q := applyLedgerFilter(db.q(ctx), filter).Order("created_at DESC, id DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, translate(err, "failed to list ledger entries")
	}
	return entries, nil
}

func (db *PostgresDB) SumLedger(ctx context.Context, filter models.LedgerFilter) (decimal.Decimal, error) {
	var total decimal.Decimal
	q := applyLedgerFilter(db.q(ctx).Model(&models.LedgerEntry{}), filter).Select("COALESCE(SUM(amount), 0)")
	if err := q.Row().Scan(&total); err != nil {
		return decimal.Zero, translate(err, "failed to sum ledger")
	}
	return total, nil
}

type groupTotal struct {
	Grp   string
	Total decimal.Decimal
}

func (db *PostgresDB) sumLedgerGrouped(ctx context.Context, programID, column string) (map[string]decimal.Decimal, error) {
	var rows []groupTotal
	q := db.q(ctx).Model(&models.LedgerEntry{}).
		Select(column + " AS grp, COALESCE(SUM(amount), 0) AS total").
		Group(column)
	if programID != "" {
		q = q.Where("program_id = ?", programID)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, translate(err, "failed to sum ledger by "+column)
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[r.Grp] = r.Total
	}
	return out, nil
}

func (db *PostgresDB) SumLedgerByCurrency(ctx context.Context, programID string) (map[string]decimal.Decimal, error) {
	return db.sumLedgerGrouped(ctx, programID, "currency")
}

func (db *PostgresDB) SumLedgerByAccount(ctx context.Context, programID string) (map[string]decimal.Decimal, error) {
	return db.sumLedgerGrouped(ctx, programID, "account")
}

// Commissions

func (db *PostgresDB) CreateCommission(ctx context.Context, commission *models.Commission) error {
	return translate(db.q(ctx).Create(commission).Error, "failed to create commission")
}

func applyCommissionFilter(q *gorm.DB, f models.CommissionFilter) *gorm.DB {
	if f.ProgramID != "" {
		q = q.Where("program_id = ?", f.ProgramID)
	}
	if f.AffiliateID != "" {
		q = q.Where("affiliate_id = ?", f.AffiliateID)
	}
	if f.SettlementID != "" {
		q = q.Where("settlement_id = ?", f.SettlementID)
	}
	if f.PayoutID != "" {
		q = q.Where("payout_id = ?", f.PayoutID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at < ?", *f.CreatedBefore)
	}
	if f.Unassigned {
		q = q.Where("(payout_id = '' OR payout_id IS NULL)")
	}
	return q
}

func (db *PostgresDB) CountCommissions(ctx context.Context, filter models.CommissionFilter) (int64, error) {
	var count int64
	if err := applyCommissionFilter(db.q(ctx).Model(&models.Commission{}), filter).Count(&count).Error; err != nil {
		return 0, translate(err, "failed to count commissions")
	}
	return count, nil
}

func (db *PostgresDB) ListCommissions(ctx context.Context, filter models.CommissionFilter) ([]*models.Commission, error) {
	var commissions []*models.Commission
	if err := applyCommissionFilter(db.q(ctx), filter).Order("created_at ASC, id ASC").Find(&commissions).Error; err != nil {
		return nil, translate(err, "failed to list commissions")
	}
	return commissions, nil
}

func (db *PostgresDB) SumCommissions(ctx context.Context, filter models.CommissionFilter) (decimal.Decimal, error) {
	var total decimal.Decimal
	q := applyCommissionFilter(db.q(ctx).Model(&models.Commission{}), filter).Select("COALESCE(SUM(amount), 0)")
	if err := q.Row().Scan(&total); err != nil {
		return decimal.Zero, translate(err, "failed to sum commissions")
	}
	return total, nil
}

func (db *PostgresDB) SumCommissionsByAffiliate(ctx context.Context, filter models.CommissionFilter) ([]models.AffiliateTotal, error) {
	var totals []models.AffiliateTotal
	q := applyCommissionFilter(db.q(ctx).Model(&models.Commission{}), filter).
		Select("affiliate_id, COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Group("affiliate_id").
		Order("affiliate_id")
	if err := q.Scan(&totals).Error; err != nil {
		return nil, translate(err, "failed to sum commissions by affiliate")
	}
	return totals, nil
}

func (db *PostgresDB) MarkCommissionsPayable(ctx context.Context, filter models.CommissionFilter, at time.Time) (int64, error) {
	filter.Statuses = []models.CommissionStatus{models.CommissionAccrued}
	res := applyCommissionFilter(db.q(ctx).Model(&models.Commission{}), filter).Updates(map[string]interface{}{
		"status":     models.CommissionPayable,
		"payable_at": at,
	})
	if res.Error != nil {
		return 0, translate(res.Error, "failed to mark commissions payable")
	}
	return res.RowsAffected, nil
}

func (db *PostgresDB) AssignCommissionsToPayout(ctx context.Context, programID, affiliateID, batchID, payoutID string) (int64, error) {
	res := applyCommissionFilter(db.q(ctx).Model(&models.Commission{}), models.CommissionFilter{
		ProgramID:   programID,
		AffiliateID: affiliateID,
		Statuses:    []models.CommissionStatus{models.CommissionPayable},
		Unassigned:  true,
	}).Updates(map[string]interface{}{
		"batch_id":  batchID,
		"payout_id": payoutID,
	})
	if res.Error != nil {
		return 0, translate(res.Error, "failed to assign commissions to payout")
	}
	return res.RowsAffected, nil
}

func (db *PostgresDB) ReleaseCommissions(ctx context.Context, payoutID string) (int64, error) {
	res := db.q(ctx).Model(&models.Commission{}).
		Where("payout_id = ? AND status = ?", payoutID, models.CommissionPayable).
		Updates(map[string]interface{}{
			"batch_id":  "",
			"payout_id": "",
		})
	if res.Error != nil {
		return 0, translate(res.Error, "failed to release commissions")
	}
	return res.RowsAffected, nil
}

func (db *PostgresDB) MarkCommissionsPaid(ctx context.Context, payoutID string, at time.Time) (int64, error) {
	res := db.q(ctx).Model(&models.Commission{}).
		Where("payout_id = ? AND status = ?", payoutID, models.CommissionPayable).
		Updates(map[string]interface{}{
			"status":  models.CommissionPaid,
			"paid_at": at,
		})
	if res.Error != nil {
		return 0, translate(res.Error, "failed to mark commissions paid")
	}
	return res.RowsAffected, nil
}

// Payouts

func (db *PostgresDB) CreatePayoutBatch(ctx context.Context, batch *models.PayoutBatch) error {
	return translate(db.q(ctx).Create(batch).Error, "failed to create payout batch")
}

func (db *PostgresDB) GetPayoutBatch(ctx context.Context, id string) (*models.PayoutBatch, error) {
	var batch models.PayoutBatch
	if err := db.q(ctx).Where("id = ?", id).First(&batch).Error; err != nil {
		return nil, translate(err, "failed to get payout batch "+id)
	}
	return &batch, nil
}

func (db *PostgresDB) GetPayoutBatchByPeriod(ctx context.Context, programID, period string) (*models.PayoutBatch, error) {
	var batch models.PayoutBatch
	if err := db.q(ctx).Where("program_id = ? AND period = ?", programID, period).First(&batch).Error; err != nil {
		return nil, translate(err, "failed to get payout batch "+programID+"/"+period)
	}
	return &batch, nil
}

func (db *PostgresDB) ListPayoutBatches(ctx context.Context, programID string, statuses ...models.PayoutBatchStatus) ([]*models.PayoutBatch, error) {
	var batches []*models.PayoutBatch
	q := db.q(ctx).Order("created_at ASC")
	if programID != "" {
		q = q.Where("program_id = ?", programID)
	}
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Find(&batches).Error; err != nil {
		return nil, translate(err, "failed to list payout batches")
	}
	return batches, nil
}

func (db *PostgresDB) TransitionPayoutBatch(ctx context.Context, id string, from, to models.PayoutBatchStatus, actor string, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": at,
	}
	switch to {
	case models.BatchApproved:
		updates["approved_by"] = actor
		updates["approved_at"] = at
	case models.BatchProcessing:
		updates["executed_at"] = at
	}
	res := db.q(ctx).Model(&models.PayoutBatch{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	if res.Error != nil {
		return false, translate(res.Error, "failed to transition payout batch")
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) CreatePayout(ctx context.Context, payout *models.Payout) error {
	return translate(db.q(ctx).Create(payout).Error, "failed to create payout")
}

func (db *PostgresDB) GetPayout(ctx context.Context, id string) (*models.Payout, error) {
	var payout models.Payout
	if err := db.q(ctx).Where("id = ?", id).First(&payout).Error; err != nil {
		return nil, translate(err, "failed to get payout "+id)
	}
	return &payout, nil
}

func applyPayoutFilter(q *gorm.DB, f models.PayoutFilter) *gorm.DB {
	if f.ProgramID != "" {
		q = q.Where("program_id = ?", f.ProgramID)
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	if f.AffiliateID != "" {
		q = q.Where("affiliate_id = ?", f.AffiliateID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Unclaimed {
		q = q.Where("(claimed_by = '' OR claimed_by IS NULL)")
	}
	if f.ClaimedBefore != nil {
		q = q.Where("claimed_at < ?", *f.ClaimedBefore)
	}
	return q
}

func (db *PostgresDB) ListPayouts(ctx context.Context, filter models.PayoutFilter) ([]*models.Payout, error) {
	var payouts []*models.Payout
	if err := applyPayoutFilter(db.q(ctx), filter).Order("affiliate_id ASC").Find(&payouts).Error; err != nil {
		return nil, translate(err, "failed to list payouts")
	}
	return payouts, nil
}

func (db *PostgresDB) SumPayouts(ctx context.Context, filter models.PayoutFilter) (decimal.Decimal, error) {
	var total decimal.Decimal
	q := applyPayoutFilter(db.q(ctx).Model(&models.Payout{}), filter).Select("COALESCE(SUM(amount), 0)")
	if err := q.Row().Scan(&total); err != nil {
		return decimal.Zero, translate(err, "failed to sum payouts")
	}
	return total, nil
}

func (db *PostgresDB) ClaimPayout(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	res := db.q(ctx).Model(&models.Payout{}).
		Where("id = ? AND status = ? AND (claimed_by = '' OR claimed_by IS NULL)", id, models.PayoutPending).
		Updates(map[string]interface{}{
			"claimed_by": owner,
			"claimed_at": at,
		})
	if res.Error != nil {
		return false, translate(res.Error, "failed to claim payout")
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) finishPayout(ctx context.Context, id string, updates map[string]interface{}) error {
	res := db.q(ctx).Model(&models.Payout{}).Where("id = ? AND status = ?", id, models.PayoutPending).Updates(updates)
	if res.Error != nil {
		return translate(res.Error, "failed to update payout")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("pending payout %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (db *PostgresDB) CompletePayout(ctx context.Context, id, txHash string, at time.Time) error {
	return db.finishPayout(ctx, id, map[string]interface{}{
		"status":      models.PayoutCompleted,
		"tx_hash":     txHash,
		"executed_at": at,
	})
}

func (db *PostgresDB) FailPayout(ctx context.Context, id, errMsg string, at time.Time) error {
	return db.finishPayout(ctx, id, map[string]interface{}{
		"status":        models.PayoutFailed,
		"error_message": errMsg,
		"executed_at":   at,
	})
}

// Audit

func (db *PostgresDB) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	return translate(db.q(ctx).Create(entry).Error, "failed to create audit log")
}

func (db *PostgresDB) ListAuditLogs(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	var entries []*models.AuditLog
	q := db.q(ctx).Order("created_at DESC")
	if filter.ProgramID != "" {
		q = q.Where("program_id = ?", filter.ProgramID)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.TargetType != "" {
		q = q.Where("target_type = ?", filter.TargetType)
	}
	if filter.TargetID != "" {
		q = q.Where("target_id = ?", filter.TargetID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, translate(err, "failed to list audit logs")
	}
	return entries, nil
}

// App locks

// TryAcquireAppLock takes the named lease when it is free, expired, or already ours.
func (db *PostgresDB) TryAcquireAppLock(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (bool, error) {
	lock := models.AppLock{
		LockName:   name,
		InstanceID: instanceID,
		AcquiredAt: now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	res := db.q(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lock_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"instance_id", "acquired_at", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("app_locks.expires_at < ? OR app_locks.instance_id = ?", now.Unix(), instanceID),
		}},
	}).Create(&lock)
	if res.Error != nil {
		return false, translate(res.Error, "failed to acquire app lock")
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) ReleaseAppLock(ctx context.Context, name, instanceID string) error {
	err := db.q(ctx).Where("lock_name = ? AND instance_id = ?", name, instanceID).Delete(&models.AppLock{}).Error
	return translate(err, "failed to release app lock")
}
