package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/core-coin/solvere/internal/audit"
	"github.com/core-coin/solvere/internal/metrics"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

const defaultStatementLimit = 100

var (
	ErrInvalidPosting   = errors.New("invalid ledger posting")
	ErrAlreadyReversed  = errors.New("ledger transaction already reversed")
	ErrReversalOfRevert = errors.New("cannot reverse a reversal")

	// BalanceEpsilon is the largest program total still considered balanced.
	BalanceEpsilon = decimal.New(1, -2)
)

// Posting moves Amount from the credit account to the debit account.
type Posting struct {
	ProgramID    string
	Debit        string
	Credit       string
	Amount       decimal.Decimal
	Currency     string
	RefType      models.LedgerRefType
	RefID        string
	SettlementID string
	Description  string
}

func (p Posting) validate() error {
	switch {
	case p.ProgramID == "":
		return fmt.Errorf("%w: program is required", ErrInvalidPosting)
	case p.Debit == "" || p.Credit == "":
		return fmt.Errorf("%w: both accounts are required", ErrInvalidPosting)
	case p.Debit == p.Credit:
		return fmt.Errorf("%w: debit and credit accounts are the same", ErrInvalidPosting)
	case !p.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPosting, p.Amount)
	case p.Currency == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidPosting)
	}
	return nil
}

type Service struct {
	repo   models.Repository
	audit  *audit.Auditor
	logger *logger.Logger
	Now    func() time.Time
}

func NewService(repo models.Repository, auditor *audit.Auditor, logger *logger.Logger) *Service {
	return &Service{repo: repo, audit: auditor, logger: logger, Now: time.Now}
}

// WithRepo returns a copy of the service bound to repo, typically a transaction.
func (s *Service) WithRepo(repo models.Repository) *Service {
	c := *s
	c.repo = repo
	return &c
}

// PostTransaction writes the paired entries for p atomically and returns the
// transaction id they share.
func (s *Service) PostTransaction(ctx context.Context, p Posting) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	txID := uuid.NewString()
	now := s.Now()
	entries := []*models.LedgerEntry{
		{
			TransactionID: txID,
			ProgramID:     p.ProgramID,
			Account:       p.Debit,
			Counterparty:  p.Credit,
			Amount:        p.Amount,
			Currency:      p.Currency,
			RefType:       p.RefType,
			RefID:         p.RefID,
			SettlementID:  p.SettlementID,
			Description:   "DEBIT: " + p.Description,
			CreatedAt:     now,
		},
		{
			TransactionID: txID,
			ProgramID:     p.ProgramID,
			Account:       p.Credit,
			Counterparty:  p.Debit,
			Amount:        p.Amount.Neg(),
			Currency:      p.Currency,
			RefType:       p.RefType,
			RefID:         p.RefID,
			SettlementID:  p.SettlementID,
			Description:   "CREDIT: " + p.Description,
			CreatedAt:     now,
		},
	}
	err := s.repo.WithinTx(ctx, func(tx models.Repository) error {
		return tx.CreateLedgerEntries(ctx, entries)
	})
	if err != nil {
		return "", fmt.Errorf("failed to post ledger transaction: %w", err)
	}
	metrics.RecordLedgerTransaction(string(p.RefType))
	s.logger.Debugw("Ledger transaction posted",
		"transaction_id", txID,
		"program_id", p.ProgramID,
		"debit", p.Debit,
		"credit", p.Credit,
		"amount", p.Amount.String(),
		"currency", p.Currency,
	)
	return txID, nil
}

// RecordRevenue debits the program treasury and credits program revenue.
func (s *Service) RecordRevenue(ctx context.Context, programID, settlementID string, amount decimal.Decimal, currency string) (string, error) {
	return s.PostTransaction(ctx, Posting{
		ProgramID:    programID,
		Debit:        ProgramTreasury(programID),
		Credit:       ProgramRevenue(programID),
		Amount:       amount,
		Currency:     currency,
		RefType:      models.RefSettlement,
		RefID:        settlementID,
		SettlementID: settlementID,
		Description:  "revenue for settlement " + settlementID,
	})
}

// RecordCommissionAccrual debits commission expense and credits the affiliate's liability.
func (s *Service) RecordCommissionAccrual(ctx context.Context, c *models.Commission) (string, error) {
	return s.PostTransaction(ctx, Posting{
		ProgramID:    c.ProgramID,
		Debit:        ProgramCommissionExpense(c.ProgramID),
		Credit:       AffiliateLiability(c.AffiliateID),
		Amount:       c.Amount,
		Currency:     c.Currency,
		RefType:      models.RefCommission,
		RefID:        c.ID,
		SettlementID: c.SettlementID,
		Description:  fmt.Sprintf("%s commission accrued", c.Type),
	})
}

// RecordPayout debits the affiliate's liability and credits the program treasury.
func (s *Service) RecordPayout(ctx context.Context, p *models.Payout) (string, error) {
	return s.PostTransaction(ctx, Posting{
		ProgramID:   p.ProgramID,
		Debit:       AffiliateLiability(p.AffiliateID),
		Credit:      ProgramTreasury(p.ProgramID),
		Amount:      p.Amount,
		Currency:    p.Currency,
		RefType:     models.RefPayout,
		RefID:       p.ID,
		Description: "payout " + p.ID,
	})
}

// GetAccountBalance sums the signed amounts posted to account. Currency may be empty.
func (s *Service) GetAccountBalance(ctx context.Context, programID, account, currency string) (decimal.Decimal, error) {
	return s.repo.SumLedger(ctx, models.LedgerFilter{ProgramID: programID, Account: account, Currency: currency})
}

type StatementQuery struct {
	ProgramID string
	Account   string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

type Statement struct {
	Account string                `json:"account"`
	Balance decimal.Decimal       `json:"balance"`
	Entries []*models.LedgerEntry `json:"entries"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// GetAccountStatement returns the account's entries newest first with its current balance.
func (s *Service) GetAccountStatement(ctx context.Context, q StatementQuery) (*Statement, error) {
	if q.Limit <= 0 {
		q.Limit = defaultStatementLimit
	}
	entries, err := s.repo.ListLedgerEntries(ctx, models.LedgerFilter{
		ProgramID: q.ProgramID,
		Account:   q.Account,
		From:      q.From,
		To:        q.To,
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	balance, err := s.GetAccountBalance(ctx, q.ProgramID, q.Account, "")
	if err != nil {
		return nil, fmt.Errorf("failed to sum account balance: %w", err)
	}
	return &Statement{Account: q.Account, Balance: balance, Entries: entries, Limit: q.Limit, Offset: q.Offset}, nil
}

// Financials presents program accounts with their natural sign: credit-normal
// accounts (revenue, liabilities) are negated.
type Financials struct {
	ProgramID          string          `json:"program_id"`
	Revenue            decimal.Decimal `json:"revenue"`
	Treasury           decimal.Decimal `json:"treasury"`
	CommissionExpense  decimal.Decimal `json:"commission_expense"`
	AffiliateLiability decimal.Decimal `json:"affiliate_liability"`
	NetIncome          decimal.Decimal `json:"net_income"`
}

func (s *Service) GetProgramFinancials(ctx context.Context, programID string) (*Financials, error) {
	balances, err := s.repo.SumLedgerByAccount(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger accounts: %w", err)
	}
	f := &Financials{
		ProgramID:         programID,
		Revenue:           balances[ProgramRevenue(programID)].Neg(),
		Treasury:          balances[ProgramTreasury(programID)],
		CommissionExpense: balances[ProgramCommissionExpense(programID)],
	}
	for account, balance := range balances {
		if isAffiliateLiability(account) {
			f.AffiliateLiability = f.AffiliateLiability.Sub(balance)
		}
	}
	f.NetIncome = f.Revenue.Sub(f.CommissionExpense)
	return f, nil
}

type BalanceCheck struct {
	ProgramID string                     `json:"program_id,omitempty"`
	Balanced  bool                       `json:"balanced"`
	Totals    map[string]decimal.Decimal `json:"totals"`
}

// VerifyBalance checks that every currency posted for the program nets to zero.
// An empty programID checks the whole ledger.
func (s *Service) VerifyBalance(ctx context.Context, programID string) (*BalanceCheck, error) {
	totals, err := s.repo.SumLedgerByCurrency(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger: %w", err)
	}
	check := &BalanceCheck{ProgramID: programID, Balanced: true, Totals: totals}
	for _, total := range totals {
		if total.Abs().GreaterThan(BalanceEpsilon) {
			check.Balanced = false
		}
	}
	return check, nil
}

// Reverse posts offsetting entries for every entry of transactionID. History is never edited.
func (s *Service) Reverse(ctx context.Context, transactionID, actorID, reason string) (string, error) {
	reversalID := uuid.NewString()
	var original []*models.LedgerEntry
	err := s.repo.WithinTx(ctx, func(tx models.Repository) error {
		var err error
		original, err = tx.ListLedgerEntries(ctx, models.LedgerFilter{TransactionID: transactionID})
		if err != nil {
			return err
		}
		if len(original) == 0 {
			return fmt.Errorf("ledger transaction %s: %w", transactionID, models.ErrNotFound)
		}
		if original[0].RefType == models.RefReversal {
			return ErrReversalOfRevert
		}
		existing, err := tx.ListLedgerEntries(ctx, models.LedgerFilter{RefType: models.RefReversal, RefID: transactionID, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return ErrAlreadyReversed
		}

		now := s.Now()
		entries := make([]*models.LedgerEntry, 0, len(original))
		for _, e := range original {
			entries = append(entries, &models.LedgerEntry{
				TransactionID: reversalID,
				ProgramID:     e.ProgramID,
				Account:       e.Account,
				Counterparty:  e.Counterparty,
				Amount:        e.Amount.Neg(),
				Currency:      e.Currency,
				RefType:       models.RefReversal,
				RefID:         transactionID,
				SettlementID:  e.SettlementID,
				Description:   "REVERSAL: " + reason,
				CreatedAt:     now,
			})
		}
		return tx.CreateLedgerEntries(ctx, entries)
	})
	if err != nil {
		return "", err
	}

	metrics.RecordLedgerTransaction(string(models.RefReversal))
	s.audit.Log(ctx, audit.Entry{
		ProgramID:  original[0].ProgramID,
		Action:     models.AuditLedgerReversal,
		ActorID:    actorID,
		ActorType:  models.ActorAdmin,
		TargetType: "ledger_transaction",
		TargetID:   transactionID,
		Metadata:   map[string]string{"reversal_id": reversalID, "reason": reason},
	})
	s.logger.Infow("Ledger transaction reversed", "transaction_id", transactionID, "reversal_id", reversalID)
	return reversalID, nil
}
