package models

import (
	"context"

	"github.com/shopspring/decimal"
)

type ChainAction string

const (
	ChainMint          ChainAction = "mint"
	ChainClaim         ChainAction = "claim"
	ChainSettlePayment ChainAction = "settle_payment"
	ChainTransfer      ChainAction = "transfer"
)

// ChainRequest describes one on-chain action. Reference is stable across retries
// of the same unit of work so the executor can deduplicate.
type ChainRequest struct {
	Action    ChainAction       `json:"action"`
	Reference string            `json:"reference"`
	Wallet    string            `json:"wallet"`
	Asset     string            `json:"asset,omitempty"`
	Amount    decimal.Decimal   `json:"amount"`
	Params    map[string]string `json:"params,omitempty"`
}

type ChainResult struct {
	TxHash      string         `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	Data        map[string]any `json:"data,omitempty"`
}

// ChainExecutor performs on-chain actions. Errors carry a transient or permanent kind.
type ChainExecutor interface {
	Execute(ctx context.Context, req ChainRequest) (*ChainResult, error)
}

type Receipt struct {
	TxHash      string `json:"tx_hash"`
	Success     bool   `json:"success"`
	BlockNumber uint64 `json:"block_number"`
}

// ReceiptFetcher independently looks up a transaction receipt.
type ReceiptFetcher interface {
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
}
