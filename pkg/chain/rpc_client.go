package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RPCClient implements Client over JSON-RPC 2.0 / HTTP.
type RPCClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	nextID     atomic.Uint64
}

// NewRPCClient creates a JSON-RPC client for a single endpoint.
func NewRPCClient(endpoint string, timeout time.Duration, logger *zap.Logger) (*RPCClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

// SendTransaction submits the raw signed payload via eth_sendRawTransaction.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *SignedTx) (string, error) {
	if len(tx.Raw) == 0 {
		return "", ErrEmptyPayload
	}
	raw := "0x" + hex.EncodeToString(tx.Raw)

	var hash string
	if err := c.call(ctx, "eth_sendRawTransaction", []interface{}{raw}, &hash); err != nil {
		return "", fmt.Errorf("sending transaction: %w", err)
	}
	if err := ValidateHash(hash); err != nil {
		return "", fmt.Errorf("node returned malformed hash %q: %w", hash, err)
	}
	return hash, nil
}

// rpcReceipt mirrors the eth_getTransactionReceipt wire shape.
type rpcReceipt struct {
	TransactionHash   string `json:"transactionHash"`
	Status            string `json:"status"`
	BlockNumber       string `json:"blockNumber"`
	BlockHash         string `json:"blockHash"`
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
}

// TransactionReceipt fetches the receipt, returning nil when unmined.
func (c *RPCClient) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash}, &raw); err != nil {
		return nil, fmt.Errorf("fetching receipt: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var wire rpcReceipt
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding receipt: %w", err)
	}

	status, err := parseHexUint(wire.Status)
	if err != nil {
		return nil, fmt.Errorf("decoding receipt status: %w", err)
	}
	blockNumber, err := parseHexUint(wire.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("decoding receipt block number: %w", err)
	}
	gasUsed, err := parseHexUint(wire.GasUsed)
	if err != nil {
		return nil, fmt.Errorf("decoding receipt gas used: %w", err)
	}

	receipt := &Receipt{
		TxHash:      wire.TransactionHash,
		Status:      status,
		BlockNumber: blockNumber,
		BlockHash:   wire.BlockHash,
		GasUsed:     gasUsed,
	}
	if wire.EffectiveGasPrice != "" {
		price, ok := new(big.Int).SetString(strings.TrimPrefix(wire.EffectiveGasPrice, "0x"), 16)
		if !ok {
			return nil, fmt.Errorf("decoding effective gas price %q", wire.EffectiveGasPrice)
		}
		receipt.EffectiveGasPrice = price
	}
	return receipt, nil
}

// BlockNumber returns the current head block number.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	var hexNumber string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &hexNumber); err != nil {
		return 0, fmt.Errorf("fetching block number: %w", err)
	}
	return parseHexUint(hexNumber)
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rpcError{Code: resp.StatusCode, Message: "rate limited"}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected HTTP status %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing hex quantity %q: %w", s, err)
	}
	return n, nil
}
