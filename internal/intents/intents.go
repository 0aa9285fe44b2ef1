package intents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/core-coin/solvere/internal/audit"
	"github.com/core-coin/solvere/internal/metrics"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
	"github.com/core-coin/solvere/pkg/validation"
)

const (
	DefaultLockLease   = 5 * time.Minute
	DefaultMaxAttempts = 5

	defaultAsset = "USDC"
	defaultCycle = "v1"
	maxBackoff   = 24 * time.Hour
)

var (
	ErrInvalidPayload  = errors.New("invalid intent payload")
	ErrInvalidType     = errors.New("invalid intent type")
	ErrProgramNotFound = errors.New("program not found")
)

type Service struct {
	repo        models.Repository
	queue       models.Queue
	audit       *audit.Auditor
	logger      *logger.Logger
	lockLease   time.Duration
	maxAttempts int
	Now         func() time.Time
}

func NewService(repo models.Repository, queue models.Queue, auditor *audit.Auditor, lockLease time.Duration, maxAttempts int, logger *logger.Logger) *Service {
	if lockLease <= 0 {
		lockLease = DefaultLockLease
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{
		repo:        repo,
		queue:       queue,
		audit:       auditor,
		logger:      logger,
		lockLease:   lockLease,
		maxAttempts: maxAttempts,
		Now:         time.Now,
	}
}

// WithRepo returns a copy of the service bound to repo, typically a transaction.
func (s *Service) WithRepo(repo models.Repository) *Service {
	c := *s
	c.repo = repo
	return &c
}

func (s *Service) MaxAttempts() int { return s.maxAttempts }

type AdmitRequest struct {
	ProgramID string
	Wallet    string
	Payload   models.Payload
	// IdempotencyKey overrides the key derived from the payload.
	IdempotencyKey string
	ActorID        string
}

type AdmitResult struct {
	IntentID string              `json:"intent_id"`
	Status   models.IntentStatus `json:"status"`
	IsNew    bool                `json:"is_new"`
}

// Admit stores the intent once per idempotency key and queues it for processing.
// Re-admitting a known key returns the stored intent unchanged.
func (s *Service) Admit(ctx context.Context, req AdmitRequest) (*AdmitResult, error) {
	if req.Payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	intentType := req.Payload.IntentType()
	if !intentType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, intentType)
	}
	if _, err := s.repo.GetProgram(ctx, req.ProgramID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, req.ProgramID)
		}
		return nil, fmt.Errorf("failed to load program: %w", err)
	}
	wallet, err := validation.ValidateAndNormalizeAddress(req.Wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validatePayload(req.Payload); err != nil {
		return nil, err
	}

	now := s.Now()
	key := req.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(req.ProgramID, wallet, req.Payload, now)
	}
	payload, err := models.EncodePayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	// A fresh intent is also picked up by the retry sweep once the lease has
	// elapsed, in case the enqueue below is lost.
	sweepAt := now.Add(s.lockLease)
	stored, created, err := s.repo.CreateIntent(ctx, &models.Intent{
		ProgramID:      req.ProgramID,
		Type:           intentType,
		IdempotencyKey: key,
		Wallet:         wallet,
		Payload:        payload,
		Status:         models.IntentPending,
		NextRetryAt:    &sweepAt,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create intent: %w", err)
	}
	metrics.RecordIntentAdmitted(string(intentType), created)

	if !created {
		s.logger.Debugw("Duplicate intent admission", "intent_id", stored.ID, "idempotency_key", key)
		return &AdmitResult{IntentID: stored.ID, Status: stored.Status, IsNew: false}, nil
	}

	if _, err := s.Enqueue(ctx, stored.ID, stored.ID, time.Time{}); err != nil {
		s.logger.Errorw("Failed to enqueue intent, retry sweep will pick it up", "intent_id", stored.ID, "error", err)
	}
	actorType := models.ActorSystem
	if req.ActorID != "" {
		actorType = models.ActorAdmin
	}
	s.audit.Log(ctx, audit.Entry{
		ProgramID:  req.ProgramID,
		Action:     models.AuditIntentCreated,
		ActorID:    req.ActorID,
		ActorType:  actorType,
		TargetType: "intent",
		TargetID:   stored.ID,
		After:      map[string]any{"type": intentType, "wallet": wallet, "idempotency_key": key},
	})
	s.logger.Infow("Intent admitted", "intent_id", stored.ID, "type", intentType, "program_id", req.ProgramID)
	return &AdmitResult{IntentID: stored.ID, Status: stored.Status, IsNew: true}, nil
}

func validatePayload(p models.Payload) error {
	switch v := p.(type) {
	case models.RegisterPayload:
		if v.Amount.IsNegative() {
			return fmt.Errorf("%w: amount must not be negative", ErrInvalidPayload)
		}
	case models.ClaimPayload:
		if v.Amount.IsNegative() {
			return fmt.Errorf("%w: amount must not be negative", ErrInvalidPayload)
		}
	case models.CommercePayload:
		if strings.TrimSpace(v.ChargeID) == "" {
			return fmt.Errorf("%w: charge id is required", ErrInvalidPayload)
		}
		if v.Amount.IsNegative() {
			return fmt.Errorf("%w: amount must not be negative", ErrInvalidPayload)
		}
	case models.PayoutPayload:
		if v.AffiliateID == "" {
			return fmt.Errorf("%w: affiliate id is required", ErrInvalidPayload)
		}
		if v.Period != "" {
			if err := validation.ValidatePeriod(v.Period); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		}
	default:
		return fmt.Errorf("%w: unsupported payload %T", ErrInvalidPayload, p)
	}
	return nil
}

// IdempotencyKey derives the key under which logically identical requests collide.
func IdempotencyKey(programID, wallet string, p models.Payload, now time.Time) string {
	switch v := p.(type) {
	case models.RegisterPayload:
		return fmt.Sprintf("register:%s:%s", programID, wallet)
	case models.ClaimPayload:
		return fmt.Sprintf("claim:%s:%s:%s:%s", programID, wallet, orDefault(v.Asset, defaultAsset), orDefault(v.Cycle, defaultCycle))
	case models.CommercePayload:
		return fmt.Sprintf("commerce:%s:%s:%s", programID, wallet, v.ChargeID)
	case models.PayoutPayload:
		return fmt.Sprintf("payout:%s:%s:%s", programID, v.AffiliateID, orDefault(v.Period, now.UTC().Format("2006-01")))
	}
	return fmt.Sprintf("%s:%s:%s", strings.ToLower(string(p.IntentType())), programID, wallet)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Enqueue queues the intent for a worker under jobID, not before at.
func (s *Service) Enqueue(ctx context.Context, intentID, jobID string, at time.Time) (bool, error) {
	return s.queue.Enqueue(ctx, &models.Job{
		ID:        jobID,
		Queue:     models.QueueIntents,
		Name:      models.JobProcessIntent,
		Data:      map[string]string{"intent_id": intentID},
		NotBefore: at,
	})
}

// AcquireLock moves a PENDING intent whose lease is free or expired to PROCESSING
// under workerID. Exactly one of several concurrent callers wins.
func (s *Service) AcquireLock(ctx context.Context, intentID, workerID string) (bool, error) {
	now := s.Now()
	won, err := s.repo.AcquireIntentLock(ctx, intentID, workerID, now, now.Add(s.lockLease))
	if err != nil {
		return false, fmt.Errorf("failed to acquire intent lock: %w", err)
	}
	metrics.RecordLockAttempt(won)
	return won, nil
}

// Complete confirms the intent with its result and clears the lease.
func (s *Service) Complete(ctx context.Context, intentID string, result models.IntentResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode intent result: %w", err)
	}
	if err := s.repo.CompleteIntent(ctx, intentID, result.TxHash, raw, s.Now()); err != nil {
		return fmt.Errorf("failed to complete intent: %w", err)
	}
	return nil
}

type FailResult struct {
	Terminal    bool
	Attempts    int
	NextRetryAt *time.Time
}

// Fail records a failed attempt. Permanent failures and failures at the attempt
// limit are terminal; others return the intent to PENDING after a backoff.
func (s *Service) Fail(ctx context.Context, intentID string, cause error, permanent bool) (*FailResult, error) {
	intent, err := s.repo.GetIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load intent: %w", err)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res := &FailResult{Attempts: intent.Attempts}
	if permanent || intent.Attempts >= s.maxAttempts {
		res.Terminal = true
		if err := s.repo.ReleaseIntent(ctx, intentID, models.IntentFailed, msg, nil); err != nil {
			return nil, fmt.Errorf("failed to fail intent: %w", err)
		}
		metrics.RecordIntentOutcome(string(intent.Type), "failed")
		s.audit.Log(ctx, audit.Entry{
			ProgramID:  intent.ProgramID,
			Action:     models.AuditIntentFailed,
			ActorType:  models.ActorWorker,
			TargetType: "intent",
			TargetID:   intentID,
			Metadata:   map[string]any{"error": msg, "attempts": intent.Attempts, "permanent": permanent},
		})
		s.logger.Warnw("Intent failed permanently", "intent_id", intentID, "attempts", intent.Attempts, "error", msg)
		return res, nil
	}

	next := s.Now().Add(Backoff(intent.Attempts))
	res.NextRetryAt = &next
	if err := s.repo.ReleaseIntent(ctx, intentID, models.IntentPending, msg, &next); err != nil {
		return nil, fmt.Errorf("failed to release intent: %w", err)
	}
	metrics.RecordIntentOutcome(string(intent.Type), "retry")
	s.logger.Infow("Intent attempt failed, retry scheduled", "intent_id", intentID, "attempts", intent.Attempts, "next_retry_at", next, "error", msg)
	return res, nil
}

// Backoff is 2^attempts seconds, capped at a day.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		return maxBackoff
	}
	return min(time.Duration(1<<attempts)*time.Second, maxBackoff)
}

// ListRetryable returns PENDING intents whose retry time has elapsed.
func (s *Service) ListRetryable(ctx context.Context, limit int) ([]*models.Intent, error) {
	return s.repo.ListRetryableIntents(ctx, s.Now(), limit)
}

func (s *Service) Get(ctx context.Context, intentID string) (*models.Intent, error) {
	return s.repo.GetIntent(ctx, intentID)
}

// PendingForWallet returns the wallet's intents that have not reached a terminal state.
func (s *Service) PendingForWallet(ctx context.Context, programID, wallet string) ([]*models.Intent, error) {
	normalized, err := validation.ValidateAndNormalizeAddress(wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return s.repo.ListIntents(ctx, models.IntentFilter{
		ProgramID: programID,
		Wallet:    normalized,
		Statuses:  []models.IntentStatus{models.IntentPending, models.IntentProcessing},
	})
}

// Amount returns the revenue amount carried by the payload, or zero.
func Amount(p models.Payload) decimal.Decimal {
	switch v := p.(type) {
	case models.RegisterPayload:
		return v.Amount
	case models.ClaimPayload:
		return v.Amount
	case models.CommercePayload:
		return v.Amount
	}
	return decimal.Zero
}
