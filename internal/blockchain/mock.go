package blockchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/core-coin/solvere/internal/models"
)

var (
	_ models.ChainExecutor  = (*Mock)(nil)
	_ models.ReceiptFetcher = (*Mock)(nil)
)

// Mock is a development chain: transaction hashes are derived from the request
// reference and every submitted transaction has a successful receipt.
type Mock struct {
	mu     sync.Mutex
	height uint64
	txs    map[string]uint64
}

func NewMock() *Mock {
	return &Mock{height: 1_000_000, txs: map[string]uint64{}}
}

func MockTxHash(reference string) string {
	sum := sha256.Sum256([]byte("solvere:" + reference))
	return "0x" + hex.EncodeToString(sum[:])
}

func (m *Mock) Execute(ctx context.Context, req models.ChainRequest) (*models.ChainResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient("cancelled", err)
	}
	hash := MockTxHash(req.Reference)

	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.txs[hash]
	if !ok {
		m.height++
		block = m.height
		m.txs[hash] = block
	}
	return &models.ChainResult{TxHash: hash, BlockNumber: block}, nil
}

func (m *Mock) GetReceipt(ctx context.Context, txHash string) (*models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.txs[txHash]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return &models.Receipt{TxHash: txHash, Success: true, BlockNumber: block}, nil
}
