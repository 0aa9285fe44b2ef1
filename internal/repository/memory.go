package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/core-coin/solvere/internal/models"
)

var _ models.Repository = (*Memory)(nil)

// Memory is an in-process Repository with the same conditional-update and
// unique-constraint semantics as the relational store. WithinTx runs on a copy
// of the state and publishes it only when fn succeeds.
type Memory struct {
	// mu is nil on transaction views, which are already serialised by the root.
	mu    *sync.Mutex
	state *memState
}

type memState struct {
	programs    map[string]models.Program
	affiliates  map[string]models.Affiliate
	users       map[string]models.User
	intents     map[string]models.Intent
	intentKeys  map[string]string
	settlements map[string]models.Settlement
	ledger      []models.LedgerEntry
	commissions map[string]models.Commission
	batches     map[string]models.PayoutBatch
	payouts     map[string]models.Payout
	audit       []models.AuditLog
	locks       map[string]models.AppLock
	// failAudit makes CreateAuditLog fail. Used to test best-effort audit paths.
	failAudit bool
}

func NewMemory() *Memory {
	return &Memory{
		mu: &sync.Mutex{},
		state: &memState{
			programs:    map[string]models.Program{},
			affiliates:  map[string]models.Affiliate{},
			users:       map[string]models.User{},
			intents:     map[string]models.Intent{},
			intentKeys:  map[string]string{},
			settlements: map[string]models.Settlement{},
			commissions: map[string]models.Commission{},
			batches:     map[string]models.PayoutBatch{},
			payouts:     map[string]models.Payout{},
			locks:       map[string]models.AppLock{},
		},
	}
}

// FailAuditWrites makes every subsequent audit insert return an error.
func (m *Memory) FailAuditWrites(fail bool) {
	defer m.lock()()
	m.state.failAudit = fail
}

func (m *Memory) lock() func() {
	if m.mu == nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (s *memState) clone() *memState {
	c := &memState{
		programs:    copyMap(s.programs),
		affiliates:  copyMap(s.affiliates),
		users:       copyMap(s.users),
		intents:     copyMap(s.intents),
		intentKeys:  copyMap(s.intentKeys),
		settlements: copyMap(s.settlements),
		ledger:      append([]models.LedgerEntry(nil), s.ledger...),
		commissions: copyMap(s.commissions),
		batches:     copyMap(s.batches),
		payouts:     copyMap(s.payouts),
		audit:       append([]models.AuditLog(nil), s.audit...),
		locks:       copyMap(s.locks),
		failAudit:   s.failAudit,
	}
	return c
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Memory) WithinTx(ctx context.Context, fn func(tx models.Repository) error) error {
	defer m.lock()()
	view := &Memory{state: m.state.clone()}
	if err := fn(view); err != nil {
		return err
	}
	m.state = view.state
	return nil
}

func userKey(programID, wallet string) string {
	return programID + "|" + wallet
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

// Programs, affiliates, users

func (m *Memory) CreateProgram(ctx context.Context, program *models.Program) error {
	defer m.lock()()
	if _, ok := m.state.programs[program.ID]; ok {
		return fmt.Errorf("program %s: %w", program.ID, models.ErrDuplicate)
	}
	if program.Currency == "" {
		program.Currency = models.DefaultCurrency
	}
	program.CreatedAt = orNow(program.CreatedAt, time.Now())
	m.state.programs[program.ID] = *program
	return nil
}

func (m *Memory) GetProgram(ctx context.Context, id string) (*models.Program, error) {
	defer m.lock()()
	p, ok := m.state.programs[id]
	if !ok {
		return nil, fmt.Errorf("program %s: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

func (m *Memory) ListPrograms(ctx context.Context) ([]*models.Program, error) {
	defer m.lock()()
	out := make([]*models.Program, 0, len(m.state.programs))
	for _, p := range m.state.programs {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateAffiliate(ctx context.Context, affiliate *models.Affiliate) error {
	defer m.lock()()
	if affiliate.ID == "" {
		affiliate.ID = uuid.NewString()
	}
	if _, ok := m.state.affiliates[affiliate.ID]; ok {
		return fmt.Errorf("affiliate %s: %w", affiliate.ID, models.ErrDuplicate)
	}
	affiliate.CreatedAt = orNow(affiliate.CreatedAt, time.Now())
	m.state.affiliates[affiliate.ID] = *affiliate
	return nil
}

func (m *Memory) GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error) {
	defer m.lock()()
	a, ok := m.state.affiliates[id]
	if !ok {
		return nil, fmt.Errorf("affiliate %s: %w", id, models.ErrNotFound)
	}
	return &a, nil
}

func (m *Memory) AdjustAffiliateEarnings(ctx context.Context, id string, pendingDelta, totalDelta decimal.Decimal) error {
	defer m.lock()()
	a, ok := m.state.affiliates[id]
	if !ok {
		return fmt.Errorf("affiliate %s: %w", id, models.ErrNotFound)
	}
	a.PendingEarnings = a.PendingEarnings.Add(pendingDelta)
	a.TotalEarnings = a.TotalEarnings.Add(totalDelta)
	m.state.affiliates[id] = a
	return nil
}

func (m *Memory) CreateUser(ctx context.Context, user *models.User) error {
	defer m.lock()()
	key := userKey(user.ProgramID, user.Wallet)
	if _, ok := m.state.users[key]; ok {
		return fmt.Errorf("user %s: %w", user.Wallet, models.ErrDuplicate)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = orNow(user.CreatedAt, time.Now())
	m.state.users[key] = *user
	return nil
}

func (m *Memory) GetUser(ctx context.Context, programID, wallet string) (*models.User, error) {
	defer m.lock()()
	u, ok := m.state.users[userKey(programID, wallet)]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", wallet, models.ErrNotFound)
	}
	return &u, nil
}

func (m *Memory) UpdateUser(ctx context.Context, user *models.User) error {
	defer m.lock()()
	key := userKey(user.ProgramID, user.Wallet)
	if _, ok := m.state.users[key]; !ok {
		return fmt.Errorf("user %s: %w", user.Wallet, models.ErrNotFound)
	}
	m.state.users[key] = *user
	return nil
}

// Intents

func (m *Memory) CreateIntent(ctx context.Context, intent *models.Intent) (*models.Intent, bool, error) {
	defer m.lock()()
	if id, ok := m.state.intentKeys[intent.IdempotencyKey]; ok {
		existing := m.state.intents[id]
		return &existing, false, nil
	}
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	now := time.Now()
	intent.CreatedAt = orNow(intent.CreatedAt, now)
	intent.UpdatedAt = intent.CreatedAt
	m.state.intents[intent.ID] = *intent
	m.state.intentKeys[intent.IdempotencyKey] = intent.ID
	stored := *intent
	return &stored, true, nil
}

func (m *Memory) GetIntent(ctx context.Context, id string) (*models.Intent, error) {
	defer m.lock()()
	i, ok := m.state.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	return &i, nil
}

func (m *Memory) AcquireIntentLock(ctx context.Context, id, owner string, now, until time.Time) (bool, error) {
	defer m.lock()()
	i, ok := m.state.intents[id]
	if !ok || i.Status != models.IntentPending {
		return false, nil
	}
	if i.LockedBy != "" && i.LockedUntil != nil && !i.LockedUntil.Before(now) {
		return false, nil
	}
	i.Status = models.IntentProcessing
	i.LockedBy = owner
	i.LockedUntil = &until
	i.Attempts++
	i.LastAttemptAt = &now
	i.UpdatedAt = now
	m.state.intents[id] = i
	return true, nil
}

func (m *Memory) CompleteIntent(ctx context.Context, id, txHash string, result datatypes.JSON, now time.Time) error {
	defer m.lock()()
	i, ok := m.state.intents[id]
	if !ok {
		return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	i.Status = models.IntentConfirmed
	i.ResultTxHash = txHash
	i.ResultData = result
	i.CompletedAt = &now
	i.LockedBy = ""
	i.LockedUntil = nil
	i.NextRetryAt = nil
	i.ErrorMessage = ""
	i.UpdatedAt = now
	m.state.intents[id] = i
	return nil
}

func (m *Memory) ReleaseIntent(ctx context.Context, id string, status models.IntentStatus, errMsg string, nextRetryAt *time.Time) error {
	defer m.lock()()
	i, ok := m.state.intents[id]
	if !ok {
		return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	i.Status = status
	i.ErrorMessage = errMsg
	i.NextRetryAt = nextRetryAt
	i.LockedBy = ""
	i.LockedUntil = nil
	i.UpdatedAt = time.Now()
	m.state.intents[id] = i
	return nil
}

func (m *Memory) ListRetryableIntents(ctx context.Context, now time.Time, limit int) ([]*models.Intent, error) {
	defer m.lock()()
	var out []*models.Intent
	for _, i := range m.state.intents {
		if i.Status == models.IntentPending && i.NextRetryAt != nil && !i.NextRetryAt.After(now) {
			i := i
			out = append(out, &i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NextRetryAt.Before(*out[b].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListIntents(ctx context.Context, filter models.IntentFilter) ([]*models.Intent, error) {
	defer m.lock()()
	var out []*models.Intent
	for _, i := range m.state.intents {
		if !matchIntent(i, filter) {
			continue
		}
		i := i
		out = append(out, &i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchIntent(i models.Intent, f models.IntentFilter) bool {
	if f.ProgramID != "" && i.ProgramID != f.ProgramID {
		return false
	}
	if f.Wallet != "" && i.Wallet != f.Wallet {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, i.Status) {
		return false
	}
	if f.LastAttemptBefore != nil && (i.LastAttemptAt == nil || !i.LastAttemptAt.Before(*f.LastAttemptBefore)) {
		return false
	}
	return true
}

func (m *Memory) ResetStuckIntents(ctx context.Context, programID string, olderThan, now time.Time) (int64, error) {
	defer m.lock()()
	var n int64
	for id, i := range m.state.intents {
		if !matchIntent(i, models.IntentFilter{ProgramID: programID, Statuses: []models.IntentStatus{models.IntentProcessing}, LastAttemptBefore: &olderThan}) {
			continue
		}
		i.Status = models.IntentPending
		i.LockedBy = ""
		i.LockedUntil = nil
		i.NextRetryAt = &now
		i.ErrorMessage = "reset after exceeding processing threshold"
		i.UpdatedAt = now
		m.state.intents[id] = i
		n++
	}
	return n, nil
}

func (m *Memory) CountIntentsByStatus(ctx context.Context, programID string) (map[models.IntentStatus]int64, error) {
	defer m.lock()()
	out := map[models.IntentStatus]int64{}
	for _, i := range m.state.intents {
		if programID == "" || i.ProgramID == programID {
			out[i.Status]++
		}
	}
	return out, nil
}

// Settlements

func (m *Memory) CreateSettlement(ctx context.Context, settlement *models.Settlement) error {
	defer m.lock()()
	for _, s := range m.state.settlements {
		if s.IntentID == settlement.IntentID {
			return fmt.Errorf("settlement for intent %s: %w", settlement.IntentID, models.ErrDuplicate)
		}
	}
	if settlement.ID == "" {
		settlement.ID = uuid.NewString()
	}
	settlement.CreatedAt = orNow(settlement.CreatedAt, time.Now())
	m.state.settlements[settlement.ID] = *settlement
	return nil
}

func (m *Memory) GetSettlement(ctx context.Context, id string) (*models.Settlement, error) {
	defer m.lock()()
	s, ok := m.state.settlements[id]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", id, models.ErrNotFound)
	}
	return &s, nil
}

func (m *Memory) GetSettlementByIntent(ctx context.Context, intentID string) (*models.Settlement, error) {
	defer m.lock()()
	for _, s := range m.state.settlements {
		if s.IntentID == intentID {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("settlement for intent %s: %w", intentID, models.ErrNotFound)
}

func (m *Memory) listSettlements(filter models.SettlementFilter) []*models.Settlement {
	var out []*models.Settlement
	for _, s := range m.state.settlements {
		if filter.ProgramID != "" && s.ProgramID != filter.ProgramID {
			continue
		}
		if len(filter.Types) > 0 && !contains(filter.Types, s.Type) {
			continue
		}
		if filter.Unverified && (s.Verified || s.Status != models.SettlementConfirmed) {
			continue
		}
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (m *Memory) ListSettlements(ctx context.Context, filter models.SettlementFilter) ([]*models.Settlement, error) {
	defer m.lock()()
	return m.listSettlements(filter), nil
}

func (m *Memory) CountSettlements(ctx context.Context, filter models.SettlementFilter) (int64, error) {
	defer m.lock()()
	filter.Limit = 0
	return int64(len(m.listSettlements(filter))), nil
}

func (m *Memory) MarkSettlementVerified(ctx context.Context, id string, at time.Time) error {
	defer m.lock()()
	s, ok := m.state.settlements[id]
	if !ok {
		return fmt.Errorf("settlement %s: %w", id, models.ErrNotFound)
	}
	s.Verified = true
	s.VerifiedAt = &at
	m.state.settlements[id] = s
	return nil
}

// Ledger

func (m *Memory) CreateLedgerEntries(ctx context.Context, entries []*models.LedgerEntry) error {
	defer m.lock()()
	now := time.Now()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = orNow(e.CreatedAt, now)
		m.state.ledger = append(m.state.ledger, *e)
	}
	return nil
}

func matchLedger(e models.LedgerEntry, f models.LedgerFilter) bool {
	switch {
	case f.ProgramID != "" && e.ProgramID != f.ProgramID:
		return false
	case f.Account != "" && e.Account != f.Account:
		return false
	case f.Currency != "" && e.Currency != f.Currency:
		return false
	case f.TransactionID != "" && e.TransactionID != f.TransactionID:
		return false
	case f.RefType != "" && e.RefType != f.RefType:
		return false
	case f.RefID != "" && e.RefID != f.RefID:
		return false
	case f.From != nil && e.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && e.CreatedAt.After(*f.To):
		return false
	}
	return true
}

func (m *Memory) ListLedgerEntries(ctx context.Context, filter models.LedgerFilter) ([]*models.LedgerEntry, error) {
	defer m.lock()()
	var out []*models.LedgerEntry
	// newest first, matching the relational ordering
	for i := len(m.state.ledger) - 1; i >= 0; i-- {
		e := m.state.ledger[i]
		if matchLedger(e, filter) {
			out = append(out, &e)
		}
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) SumLedger(ctx context.Context, filter models.LedgerFilter) (decimal.Decimal, error) {
	defer m.lock()()
	total := decimal.Zero
	for _, e := range m.state.ledger {
		if matchLedger(e, filter) {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (m *Memory) SumLedgerByCurrency(ctx context.Context, programID string) (map[string]decimal.Decimal, error) {
	defer m.lock()()
	out := map[string]decimal.Decimal{}
	for _, e := range m.state.ledger {
		if programID == "" || e.ProgramID == programID {
			out[e.Currency] = out[e.Currency].Add(e.Amount)
		}
	}
	return out, nil
}

func (m *Memory) SumLedgerByAccount(ctx context.Context, programID string) (map[string]decimal.Decimal, error) {
	defer m.lock()()
	out := map[string]decimal.Decimal{}
	for _, e := range m.state.ledger {
		if programID == "" || e.ProgramID == programID {
			out[e.Account] = out[e.Account].Add(e.Amount)
		}
	}
	return out, nil
}

// Commissions

func (m *Memory) CreateCommission(ctx context.Context, commission *models.Commission) error {
	defer m.lock()()
	for _, c := range m.state.commissions {
		if c.SettlementID == commission.SettlementID && c.Type == commission.Type {
			return fmt.Errorf("%s commission for settlement %s: %w", c.Type, c.SettlementID, models.ErrDuplicate)
		}
	}
	if commission.ID == "" {
		commission.ID = uuid.NewString()
	}
	commission.CreatedAt = orNow(commission.CreatedAt, time.Now())
	m.state.commissions[commission.ID] = *commission
	return nil
}

func matchCommission(c models.Commission, f models.CommissionFilter) bool {
	switch {
	case f.ProgramID != "" && c.ProgramID != f.ProgramID:
		return false
	case f.AffiliateID != "" && c.AffiliateID != f.AffiliateID:
		return false
	case f.SettlementID != "" && c.SettlementID != f.SettlementID:
		return false
	case f.PayoutID != "" && c.PayoutID != f.PayoutID:
		return false
	case len(f.Statuses) > 0 && !contains(f.Statuses, c.Status):
		return false
	case f.CreatedBefore != nil && !c.CreatedAt.Before(*f.CreatedBefore):
		return false
	case f.Unassigned && c.PayoutID != "":
		return false
	}
	return true
}

func (m *Memory) listCommissions(filter models.CommissionFilter) []*models.Commission {
	var out []*models.Commission
	for _, c := range m.state.commissions {
		if matchCommission(c, filter) {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

func (m *Memory) CountCommissions(ctx context.Context, filter models.CommissionFilter) (int64, error) {
	defer m.lock()()
	return int64(len(m.listCommissions(filter))), nil
}

func (m *Memory) ListCommissions(ctx context.Context, filter models.CommissionFilter) ([]*models.Commission, error) {
	defer m.lock()()
	return m.listCommissions(filter), nil
}

func (m *Memory) SumCommissions(ctx context.Context, filter models.CommissionFilter) (decimal.Decimal, error) {
	defer m.lock()()
	total := decimal.Zero
	for _, c := range m.listCommissions(filter) {
		total = total.Add(c.Amount)
	}
	return total, nil
}

func (m *Memory) SumCommissionsByAffiliate(ctx context.Context, filter models.CommissionFilter) ([]models.AffiliateTotal, error) {
	defer m.lock()()
	byAffiliate := map[string]*models.AffiliateTotal{}
	for _, c := range m.listCommissions(filter) {
		t, ok := byAffiliate[c.AffiliateID]
		if !ok {
			t = &models.AffiliateTotal{AffiliateID: c.AffiliateID, Total: decimal.Zero}
			byAffiliate[c.AffiliateID] = t
		}
		t.Total = t.Total.Add(c.Amount)
		t.Count++
	}
	out := make([]models.AffiliateTotal, 0, len(byAffiliate))
	for _, t := range byAffiliate {
		out = append(out, *t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AffiliateID < out[b].AffiliateID })
	return out, nil
}

func (m *Memory) MarkCommissionsPayable(ctx context.Context, filter models.CommissionFilter, at time.Time) (int64, error) {
	defer m.lock()()
	filter.Statuses = []models.CommissionStatus{models.CommissionAccrued}
	var n int64
	for _, c := range m.listCommissions(filter) {
		c.Status = models.CommissionPayable
		c.PayableAt = &at
		m.state.commissions[c.ID] = *c
		n++
	}
	return n, nil
}

func (m *Memory) AssignCommissionsToPayout(ctx context.Context, programID, affiliateID, batchID, payoutID string) (int64, error) {
	defer m.lock()()
	filter := models.CommissionFilter{
		ProgramID:   programID,
		AffiliateID: affiliateID,
		Statuses:    []models.CommissionStatus{models.CommissionPayable},
		Unassigned:  true,
	}
	var n int64
	for _, c := range m.listCommissions(filter) {
		c.BatchID = batchID
		c.PayoutID = payoutID
		m.state.commissions[c.ID] = *c
		n++
	}
	return n, nil
}

func (m *Memory) ReleaseCommissions(ctx context.Context, payoutID string) (int64, error) {
	defer m.lock()()
	filter := models.CommissionFilter{PayoutID: payoutID, Statuses: []models.CommissionStatus{models.CommissionPayable}}
	var n int64
	for _, c := range m.listCommissions(filter) {
		c.BatchID = ""
		c.PayoutID = ""
		m.state.commissions[c.ID] = *c
		n++
	}
	return n, nil
}

func (m *Memory) MarkCommissionsPaid(ctx context.Context, payoutID string, at time.Time) (int64, error) {
	defer m.lock()()
	filter := models.CommissionFilter{PayoutID: payoutID, Statuses: []models.CommissionStatus{models.CommissionPayable}}
	var n int64
	for _, c := range m.listCommissions(filter) {
		c.Status = models.CommissionPaid
		c.PaidAt = &at
		m.state.commissions[c.ID] = *c
		n++
	}
	return n, nil
}

// Payouts

func (m *Memory) CreatePayoutBatch(ctx context.Context, batch *models.PayoutBatch) error {
	defer m.lock()()
	for _, b := range m.state.batches {
		if b.ProgramID == batch.ProgramID && b.Period == batch.Period {
			return fmt.Errorf("payout batch %s/%s: %w", batch.ProgramID, batch.Period, models.ErrDuplicate)
		}
	}
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	batch.CreatedAt = orNow(batch.CreatedAt, time.Now())
	batch.UpdatedAt = batch.CreatedAt
	m.state.batches[batch.ID] = *batch
	return nil
}

func (m *Memory) GetPayoutBatch(ctx context.Context, id string) (*models.PayoutBatch, error) {
	defer m.lock()()
	b, ok := m.state.batches[id]
	if !ok {
		return nil, fmt.Errorf("payout batch %s: %w", id, models.ErrNotFound)
	}
	return &b, nil
}

func (m *Memory) GetPayoutBatchByPeriod(ctx context.Context, programID, period string) (*models.PayoutBatch, error) {
	defer m.lock()()
	for _, b := range m.state.batches {
		if b.ProgramID == programID && b.Period == period {
			return &b, nil
		}
	}
	return nil, fmt.Errorf("payout batch %s/%s: %w", programID, period, models.ErrNotFound)
}

func (m *Memory) ListPayoutBatches(ctx context.Context, programID string, statuses ...models.PayoutBatchStatus) ([]*models.PayoutBatch, error) {
	defer m.lock()()
	var out []*models.PayoutBatch
	for _, b := range m.state.batches {
		if programID != "" && b.ProgramID != programID {
			continue
		}
		if len(statuses) > 0 && !contains(statuses, b.Status) {
			continue
		}
		b := b
		out = append(out, &b)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (m *Memory) TransitionPayoutBatch(ctx context.Context, id string, from, to models.PayoutBatchStatus, actor string, at time.Time) (bool, error) {
	defer m.lock()()
	b, ok := m.state.batches[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	switch to {
	case models.BatchApproved:
		b.ApprovedBy = actor
		b.ApprovedAt = &at
	case models.BatchProcessing:
		b.ExecutedAt = &at
	}
	b.UpdatedAt = at
	m.state.batches[id] = b
	return true, nil
}

func (m *Memory) CreatePayout(ctx context.Context, payout *models.Payout) error {
	defer m.lock()()
	for _, p := range m.state.payouts {
		if p.IdempotencyKey == payout.IdempotencyKey {
			return fmt.Errorf("payout %s: %w", payout.IdempotencyKey, models.ErrDuplicate)
		}
	}
	if payout.ID == "" {
		payout.ID = uuid.NewString()
	}
	payout.CreatedAt = orNow(payout.CreatedAt, time.Now())
	m.state.payouts[payout.ID] = *payout
	return nil
}

func (m *Memory) GetPayout(ctx context.Context, id string) (*models.Payout, error) {
	defer m.lock()()
	p, ok := m.state.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %s: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

func (m *Memory) listPayouts(f models.PayoutFilter) []*models.Payout {
	var out []*models.Payout
	for _, p := range m.state.payouts {
		switch {
		case f.ProgramID != "" && p.ProgramID != f.ProgramID:
			continue
		case f.BatchID != "" && p.BatchID != f.BatchID:
			continue
		case f.AffiliateID != "" && p.AffiliateID != f.AffiliateID:
			continue
		case len(f.Statuses) > 0 && !contains(f.Statuses, p.Status):
			continue
		case f.Unclaimed && p.ClaimedBy != "":
			continue
		case f.ClaimedBefore != nil && (p.ClaimedAt == nil || !p.ClaimedAt.Before(*f.ClaimedBefore)):
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AffiliateID < out[b].AffiliateID })
	return out
}

func (m *Memory) ListPayouts(ctx context.Context, filter models.PayoutFilter) ([]*models.Payout, error) {
	defer m.lock()()
	return m.listPayouts(filter), nil
}

func (m *Memory) SumPayouts(ctx context.Context, filter models.PayoutFilter) (decimal.Decimal, error) {
	defer m.lock()()
	total := decimal.Zero
	for _, p := range m.listPayouts(filter) {
		total = total.Add(p.Amount)
	}
	return total, nil
}

func (m *Memory) ClaimPayout(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	defer m.lock()()
	p, ok := m.state.payouts[id]
	if !ok || p.Status != models.PayoutPending || p.ClaimedBy != "" {
		return false, nil
	}
	p.ClaimedBy = owner
	p.ClaimedAt = &at
	m.state.payouts[id] = p
	return true, nil
}

func (m *Memory) CompletePayout(ctx context.Context, id, txHash string, at time.Time) error {
	defer m.lock()()
	p, ok := m.state.payouts[id]
	if !ok || p.Status != models.PayoutPending {
		return fmt.Errorf("pending payout %s: %w", id, models.ErrNotFound)
	}
	p.Status = models.PayoutCompleted
	p.TxHash = txHash
	p.ExecutedAt = &at
	m.state.payouts[id] = p
	return nil
}

func (m *Memory) FailPayout(ctx context.Context, id, errMsg string, at time.Time) error {
	defer m.lock()()
	p, ok := m.state.payouts[id]
	if !ok || p.Status != models.PayoutPending {
		return fmt.Errorf("pending payout %s: %w", id, models.ErrNotFound)
	}
	p.Status = models.PayoutFailed
	p.ErrorMessage = errMsg
	p.ExecutedAt = &at
	m.state.payouts[id] = p
	return nil
}

// Audit

func (m *Memory) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	defer m.lock()()
	if m.state.failAudit {
		return fmt.Errorf("audit store unavailable")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = orNow(entry.CreatedAt, time.Now())
	m.state.audit = append(m.state.audit, *entry)
	return nil
}

func (m *Memory) ListAuditLogs(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	defer m.lock()()
	var out []*models.AuditLog
	for i := len(m.state.audit) - 1; i >= 0; i-- {
		a := m.state.audit[i]
		switch {
		case filter.ProgramID != "" && a.ProgramID != filter.ProgramID:
			continue
		case filter.Action != "" && a.Action != filter.Action:
			continue
		case filter.TargetType != "" && a.TargetType != filter.TargetType:
			continue
		case filter.TargetID != "" && a.TargetID != filter.TargetID:
			continue
		}
		out = append(out, &a)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// App locks

func (m *Memory) TryAcquireAppLock(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (bool, error) {
	defer m.lock()()
	l, ok := m.state.locks[name]
	if ok && l.InstanceID != instanceID && l.ExpiresAt > now.Unix() {
		return false, nil
	}
	m.state.locks[name] = models.AppLock{
		LockName:   name,
		InstanceID: instanceID,
		AcquiredAt: now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	return true, nil
}

func (m *Memory) ReleaseAppLock(ctx context.Context, name, instanceID string) error {
	defer m.lock()()
	if l, ok := m.state.locks[name]; ok && l.InstanceID == instanceID {
		delete(m.state.locks, name)
	}
	return nil
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
