// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/solvere/internal/blockchain"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/repository"
)

const ProgramID = "prog-1"

// Wallet returns a distinct, valid, normalized Core address.
func Wallet(n int) string {
	return fmt.Sprintf("0xcb%042x", n)
}

func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Fixture is a program with a two-level affiliate chain: Child was referred by Parent.
type Fixture struct {
	Repo    *repository.Memory
	Program *models.Program
	Parent  *models.Affiliate
	Child   *models.Affiliate
}

// NewFixture seeds a USD program with a 100 fee, 10% direct and 5% override rates.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemory()

	program := &models.Program{
		ID:                    ProgramID,
		Name:                  "Test Program",
		FeeAmount:             Dec("100"),
		Currency:              "USD",
		DirectCommissionPct:   Dec("10"),
		OverrideCommissionPct: Dec("5"),
	}
	require.NoError(t, repo.CreateProgram(ctx, program))

	parent := &models.Affiliate{ID: "aff-parent", ProgramID: ProgramID, Wallet: Wallet(9001)}
	require.NoError(t, repo.CreateAffiliate(ctx, parent))
	child := &models.Affiliate{ID: "aff-child", ProgramID: ProgramID, Wallet: Wallet(9002), ParentID: parent.ID}
	require.NoError(t, repo.CreateAffiliate(ctx, child))

	return &Fixture{Repo: repo, Program: program, Parent: parent, Child: child}
}

// AddUser registers wallet n in the fixture program, referred by affiliateID.
func (f *Fixture) AddUser(t *testing.T, n int, affiliateID string) *models.User {
	t.Helper()
	user := &models.User{ProgramID: ProgramID, Wallet: Wallet(n), ReferredByID: affiliateID}
	require.NoError(t, f.Repo.CreateUser(context.Background(), user))
	return user
}

// Step is one scripted executor response.
type Step struct {
	Result *models.ChainResult
	Err    error
}

// ScriptedExecutor replays queued responses and falls back to a deterministic
// mock chain once the script is exhausted.
type ScriptedExecutor struct {
	mu       sync.Mutex
	steps    []Step
	fallback *blockchain.Mock
	Calls    []models.ChainRequest
}

func NewScriptedExecutor(steps ...Step) *ScriptedExecutor {
	return &ScriptedExecutor{steps: steps, fallback: blockchain.NewMock()}
}

func (s *ScriptedExecutor) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *ScriptedExecutor) Execute(ctx context.Context, req models.ChainRequest) (*models.ChainResult, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return s.fallback.Execute(ctx, req)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()
	return step.Result, step.Err
}

func (s *ScriptedExecutor) GetReceipt(ctx context.Context, txHash string) (*models.Receipt, error) {
	return s.fallback.GetReceipt(ctx, txHash)
}

func (s *ScriptedExecutor) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
