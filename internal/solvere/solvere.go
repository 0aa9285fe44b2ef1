// Package solvere wires the settlement subsystem together and runs its
// workers, scheduler and ops API.
package solvere

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/core-coin/solvere/internal/audit"
	"github.com/core-coin/solvere/internal/blockchain"
	"github.com/core-coin/solvere/internal/commission"
	"github.com/core-coin/solvere/internal/config"
	"github.com/core-coin/solvere/internal/http_api"
	"github.com/core-coin/solvere/internal/intents"
	"github.com/core-coin/solvere/internal/ledger"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/notificator"
	"github.com/core-coin/solvere/internal/payout"
	"github.com/core-coin/solvere/internal/queue"
	"github.com/core-coin/solvere/internal/reconciliation"
	"github.com/core-coin/solvere/internal/repository"
	"github.com/core-coin/solvere/internal/settlement"
	"github.com/core-coin/solvere/pkg/logger"
)

var _ http_api.Service = (*Solvere)(nil)

// Components are the external collaborators of a Solvere instance.
type Components struct {
	Repo     models.Repository
	Queue    queue.Broker
	Chain    models.ChainExecutor
	Receipts models.ReceiptFetcher
	Notifier models.Notifier
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Solvere is the main struct of the application.
// It owns every service and serves the ops API.
type Solvere struct {
	logger *logger.Logger
	config *config.Config

	repo      models.Repository
	broker    queue.Broker
	minPayout decimal.Decimal

	audit       *audit.Auditor
	ledger      *ledger.Service
	commissions *commission.Engine
	intents     *intents.Service
	payouts     *payout.Service
	processor   *settlement.Processor
	reconciler  *reconciliation.Engine
	scheduler   *queue.Scheduler

	// set by Build only
	closers  []func() error
	telegram *notificator.TelegramNotificator
}

// Build creates the storage, queue, chain and alerting components described
// by cfg and assembles them.
func Build(cfg *config.Config, log *logger.Logger) (*Solvere, error) {
	var (
		c       Components
		closers []func() error
	)

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		c.Repo = repository.NewMemory()
	default:
		db, err := repository.NewPostgresDB(cfg.PostgresDSN(), log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
		c.Repo = db
		closers = append(closers, db.Close)
	}

	if cfg.RedisURL != "" {
		r, err := queue.NewRedis(cfg.RedisURL, cfg.InstanceID, log)
		if err != nil {
			closeAll(closers, log)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.Queue = r
	} else {
		log.Warn("REDIS_URL not set, using the in-process queue")
		c.Queue = queue.NewMemory(log)
	}
	closers = append(closers, c.Queue.Close)

	switch cfg.ChainMode {
	case config.ChainModeMock:
		mock := blockchain.NewMock()
		c.Chain = mock
		c.Receipts = mock
	default:
		c.Chain = blockchain.NewRelayer(cfg.RelayerURL, cfg.RelayerToken, cfg.ChainTimeout, log)
		gocore := blockchain.NewGocore(cfg.BlockchainServiceURL, log)
		if err := gocore.ConnectToRPC(); err != nil {
			// receipts are looked up lazily and reported by reconciliation
			log.Warnw("Receipt RPC unavailable at startup", "url", cfg.BlockchainServiceURL, "error", err)
		}
		c.Receipts = gocore
		closers = append(closers, gocore.Close)
	}
	if cfg.ChainRateLimit > 0 {
		c.Chain = blockchain.NewRateLimited(c.Chain, cfg.ChainRateLimit)
	}

	var telegram *notificator.TelegramNotificator
	if cfg.TelegramBotToken != "" {
		t, err := notificator.NewTelegramNotificator(log, cfg.TelegramBotToken)
		if err != nil {
			log.Errorw("Failed to initialize telegram notificator", "error", err)
		} else {
			telegram = t
		}
	}
	var email *notificator.EmailNotificator
	if cfg.SMTPHost != "" {
		email = notificator.NewEmailNotificator(log, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender)
	}
	c.Notifier = notificator.NewNotificator(log, telegram, cfg.TelegramAlertChatID, email, cfg.AlertEmail)

	s, err := New(cfg, c, log)
	if err != nil {
		closeAll(closers, log)
		return nil, err
	}
	s.closers = closers
	s.telegram = telegram
	return s, nil
}

// New assembles the services over already constructed components.
func New(cfg *config.Config, c Components, log *logger.Logger) (*Solvere, error) {
	minPayout, err := decimal.NewFromString(cfg.PayoutMinAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid payout minimum %q: %w", cfg.PayoutMinAmount, err)
	}

	auditor := audit.New(c.Repo, log)
	ledgerService := ledger.NewService(c.Repo, auditor, log)
	commissions := commission.NewEngine(c.Repo, ledgerService, auditor, log)
	intentService := intents.NewService(c.Repo, c.Queue, auditor, cfg.LockLease, cfg.MaxAttempts, log)
	payouts := payout.NewService(c.Repo, ledgerService, c.Chain, c.Queue, c.Notifier, auditor, cfg.InstanceID, log)
	processor := settlement.NewProcessor(c.Repo, intentService, ledgerService, commissions, payouts, c.Chain, auditor, cfg.InstanceID, log)
	reconciler := reconciliation.NewEngine(
		c.Repo, ledgerService, commissions, intentService, payouts, c.Receipts, c.Notifier, auditor,
		reconciliation.Config{StuckThreshold: cfg.StuckThreshold, PayableHold: cfg.PayableHoldPeriod},
		log,
	)

	scheduler := queue.NewScheduler(c.Queue, c.Repo, cfg.InstanceID, log)
	schedules := []struct{ job, spec string }{
		{models.JobReconcile, cfg.ReconcileCron},
		{models.JobResetStuck, cfg.StuckResetCron},
		{models.JobRetryIntents, cfg.RetryCron},
		{models.JobMarkPayable, cfg.MarkPayableCron},
	}
	for _, sc := range schedules {
		if sc.spec == "" {
			continue
		}
		if err := scheduler.Add(sc.job, sc.spec); err != nil {
			return nil, err
		}
	}

	return &Solvere{
		logger:      log,
		config:      cfg,
		repo:        c.Repo,
		broker:      c.Queue,
		minPayout:   minPayout,
		audit:       auditor,
		ledger:      ledgerService,
		commissions: commissions,
		intents:     intentService,
		payouts:     payouts,
		processor:   processor,
		reconciler:  reconciler,
		scheduler:   scheduler,
	}, nil
}

// Run starts the queue consumers, the scheduler and the ops API, and blocks
// until ctx is cancelled or one of them fails.
func (s *Solvere) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.broker.Consume(ctx, models.QueueIntents, s.config.WorkerConcurrency, queue.IntentsPolicy, s.processor.HandleJob)
	})
	g.Go(func() error {
		return s.broker.Consume(ctx, models.QueuePayouts, s.config.PayoutConcurrency, queue.PayoutsPolicy, s.payouts.HandleJob)
	})
	g.Go(func() error {
		return s.broker.Consume(ctx, models.QueueReconciler, 1, queue.ReconcilerPolicy, s.reconciler.HandleJob)
	})
	g.Go(func() error {
		return s.scheduler.Run(ctx)
	})

	apiServer := http_api.NewHTTPServer(s, s.config.APIPort, s.logger)
	g.Go(apiServer.Start)
	g.Go(func() error {
		<-ctx.Done()
		return apiServer.Shutdown()
	})

	if s.telegram != nil {
		g.Go(func() error {
			s.telegram.Start(ctx)
			return nil
		})
	}

	s.logger.Infow("Solvere started", "instance", s.config.InstanceID,
		"workers", s.config.WorkerConcurrency, "payout_workers", s.config.PayoutConcurrency)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases storage, queue and RPC connections opened by Build.
func (s *Solvere) Close() error {
	return closeAll(s.closers, s.logger)
}

func closeAll(closers []func() error, log *logger.Logger) error {
	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Errorw("Failed to close component", "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (s *Solvere) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if p, ok := s.repo.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func (s *Solvere) Admit(ctx context.Context, req intents.AdmitRequest) (*intents.AdmitResult, error) {
	return s.intents.Admit(ctx, req)
}

func (s *Solvere) GetIntent(ctx context.Context, intentID string) (*models.Intent, error) {
	return s.intents.Get(ctx, intentID)
}

func (s *Solvere) PendingIntents(ctx context.Context, programID, wallet string) ([]*models.Intent, error) {
	return s.intents.PendingForWallet(ctx, programID, wallet)
}

func (s *Solvere) AccountBalance(ctx context.Context, programID, account, currency string) (decimal.Decimal, error) {
	return s.ledger.GetAccountBalance(ctx, programID, account, currency)
}

func (s *Solvere) AccountStatement(ctx context.Context, q ledger.StatementQuery) (*ledger.Statement, error) {
	return s.ledger.GetAccountStatement(ctx, q)
}

func (s *Solvere) ProgramFinancials(ctx context.Context, programID string) (*ledger.Financials, error) {
	return s.ledger.GetProgramFinancials(ctx, programID)
}

func (s *Solvere) ReverseLedgerTransaction(ctx context.Context, transactionID, actorID, reason string) (string, error) {
	return s.ledger.Reverse(ctx, transactionID, actorID, reason)
}

func (s *Solvere) CommissionSummary(ctx context.Context, programID, affiliateID string) (*commission.Summary, error) {
	return s.commissions.Summary(ctx, programID, affiliateID)
}

// CreatePayoutBatch uses the configured payout minimum when minAmount is zero.
func (s *Solvere) CreatePayoutBatch(ctx context.Context, programID, period, creatorID string, minAmount decimal.Decimal) (*models.PayoutBatch, error) {
	if minAmount.IsZero() {
		minAmount = s.minPayout
	}
	return s.payouts.CreateBatch(ctx, programID, period, creatorID, minAmount)
}

func (s *Solvere) ApprovePayoutBatch(ctx context.Context, batchID, approverID string) (*models.PayoutBatch, error) {
	return s.payouts.Approve(ctx, batchID, approverID)
}

func (s *Solvere) ExecutePayoutBatch(ctx context.Context, batchID, actorID string) (int, error) {
	return s.payouts.Execute(ctx, batchID, actorID)
}

func (s *Solvere) GetPayoutBatch(ctx context.Context, batchID string) (*payout.BatchDetails, error) {
	return s.payouts.GetBatch(ctx, batchID)
}

func (s *Solvere) PayoutSummary(ctx context.Context, programID string) (*payout.ProgramSummary, error) {
	return s.payouts.Summary(ctx, programID)
}

func (s *Solvere) AffiliateStatement(ctx context.Context, affiliateID string) (*payout.AffiliateStatement, error) {
	return s.payouts.AffiliateStatement(ctx, affiliateID)
}

func (s *Solvere) RunReconciliation(ctx context.Context, programID string) (*reconciliation.Report, error) {
	return s.reconciler.Run(ctx, programID)
}

func (s *Solvere) ReconciliationSummary(ctx context.Context, programID string) (*reconciliation.Summary, error) {
	return s.reconciler.Summary(ctx, programID)
}

func (s *Solvere) ResetStuckIntents(ctx context.Context, programID, actorID string) (int64, error) {
	return s.reconciler.ResetStuckIntents(ctx, programID, actorID)
}

func (s *Solvere) AuditLog(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	return s.audit.Query(ctx, filter)
}
