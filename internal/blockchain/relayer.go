package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

var _ models.ChainExecutor = (*Relayer)(nil)

const relayerStatusReverted = "REVERTED"

// Relayer submits chain actions to a transaction relayer over HTTP. The request
// reference is sent as the Idempotency-Key so a retried submission returns the
// original transaction rather than broadcasting a new one.
type Relayer struct {
	logger     *logger.Logger
	baseURL    string
	token      string
	httpClient *http.Client
}

type relayerResponse struct {
	TxHash      string         `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	Status      string         `json:"status"`
	Code        string         `json:"code,omitempty"`
	Error       string         `json:"error,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

func NewRelayer(baseURL, token string, timeout time.Duration, logger *logger.Logger) *Relayer {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Relayer{
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *Relayer) Execute(ctx context.Context, req models.ChainRequest) (*models.ChainResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, Permanent("encode", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/actions", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent("request", fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, Transient("network", fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient("network", fmt.Errorf("read response: %w", err))
	}

	var out relayerResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil && resp.StatusCode == http.StatusOK {
			return nil, Transient("decode", fmt.Errorf("unmarshal response: %w", err))
		}
	}

	if err := classifyStatus(resp.StatusCode, out); err != nil {
		r.logger.Warnw("Relayer rejected action", "action", req.Action, "reference", req.Reference, "status", resp.StatusCode, "error", err)
		return nil, err
	}
	if out.Status == relayerStatusReverted {
		return nil, Permanent("reverted", fmt.Errorf("transaction %s reverted: %s", out.TxHash, out.Error))
	}
	if out.TxHash == "" {
		return nil, Transient("no_tx_hash", errors.New("relayer returned no transaction hash"))
	}

	return &models.ChainResult{TxHash: out.TxHash, BlockNumber: out.BlockNumber, Data: out.Data}, nil
}

func classifyStatus(status int, out relayerResponse) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := out.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := fmt.Errorf("relayer returned %d: %s", status, msg)
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return Transient(out.Code, err)
	default:
		return Permanent(out.Code, err)
	}
}
