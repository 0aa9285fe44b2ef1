package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/core-coin/go-core/v2"
	"github.com/core-coin/go-core/v2/common"
	"github.com/core-coin/go-core/v2/xcbclient"

	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

const receiptTimeout = 10 * time.Second

var _ models.ReceiptFetcher = (*Gocore)(nil)

// Gocore reads transaction receipts straight from a Core node, independent of
// the relayer that submitted them.
type Gocore struct {
	logger *logger.Logger
	apiURL string

	mu     sync.RWMutex
	client *xcbclient.Client
}

// NewGocore creates a new Gocore instance.
func NewGocore(apiURL string, logger *logger.Logger) *Gocore {
	return &Gocore{apiURL: apiURL, logger: logger}
}

func (g *Gocore) ConnectToRPC() error {
	client, err := xcbclient.Dial(g.apiURL)
	if err != nil {
		return fmt.Errorf("failed to connect to the core RPC server: %w", err)
	}
	g.mu.Lock()
	g.client = client
	g.mu.Unlock()
	return nil
}

func (g *Gocore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
	return nil
}

func (g *Gocore) rpc() (*xcbclient.Client, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.client == nil {
		return nil, errors.New("core RPC client is not connected")
	}
	return g.client, nil
}

// GetReceipt returns ErrReceiptNotFound when the node does not know the hash.
func (g *Gocore) GetReceipt(ctx context.Context, txHash string) (*models.Receipt, error) {
	client, err := g.rpc()
	if err != nil {
		return nil, Transient("rpc_unavailable", err)
	}
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, core.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, Transient("rpc_error", fmt.Errorf("failed to get transaction receipt: %w", err))
	}

	out := &models.Receipt{TxHash: txHash, Success: receipt.Status == 1}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// LatestBlock is used by health checks.
func (g *Gocore) LatestBlock(ctx context.Context) (uint64, error) {
	client, err := g.rpc()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest header: %w", err)
	}
	return header.Number.Uint64(), nil
}
