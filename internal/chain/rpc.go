// Package chain executes Safe split/merge transactions on Polygon.
//
// The engine funds SELL ladders by minting outcome pairs: USDC is split into
// YES+NO through the ConditionalTokens framework, and leftover pairs are
// merged back to USDC when a cycle retires. All on-chain calls go through
// the operator's Gnosis Safe; a single dispatcher goroutine owns the Safe
// nonce so transactions never race each other.
//
// RPC access is a thin JSON-RPC client over resty: eth_call with hand-packed
// calldata and hand-parsed 32-byte words. The contract surface is four
// functions wide, which does not justify an ABI code generator.
package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// rpcClient is a minimal JSON-RPC 2.0 client.
type rpcClient struct {
	http *resty.Client
	id   int
}

func newRPCClient(rpcURL string) *rpcClient {
	return &rpcClient{
		http: resty.New().
			SetBaseURL(rpcURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(300 * time.Millisecond).
			SetHeader("Content-Type", "application/json"),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC request and unmarshals the result field.
func (c *rpcClient) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	c.id++
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.id}
	if params == nil {
		req.Params = []interface{}{}
	}

	var result rpcResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("")
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode(), resp.String())
	}
	if result.Error != nil {
		return fmt.Errorf("%s: %w", method, result.Error)
	}
	if out != nil {
		if err := json.Unmarshal(result.Result, out); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}

// ethCall executes a read-only contract call and returns the raw return data.
func (c *rpcClient) ethCall(ctx context.Context, to string, data []byte) ([]byte, error) {
	var result string
	err := c.call(ctx, &result, "eth_call",
		map[string]string{"to": to, "data": "0x" + hex.EncodeToString(data)},
		"latest",
	)
	if err != nil {
		return nil, err
	}
	return decodeHex(result)
}

// sendRawTransaction submits a signed transaction and returns its hash.
func (c *rpcClient) sendRawTransaction(ctx context.Context, rawTx []byte) (string, error) {
	var hash string
	err := c.call(ctx, &hash, "eth_sendRawTransaction", "0x"+hex.EncodeToString(rawTx))
	if err != nil {
		return "", err
	}
	return hash, nil
}

// transactionCount returns the pending nonce for an address.
func (c *rpcClient) transactionCount(ctx context.Context, address string) (uint64, error) {
	var result string
	if err := c.call(ctx, &result, "eth_getTransactionCount", address, "pending"); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

// receipt holds the subset of the transaction receipt the dispatcher needs.
type receipt struct {
	Status      string `json:"status"` // "0x1" success, "0x0" revert
	BlockNumber string `json:"blockNumber"`
	GasUsed     string `json:"gasUsed"`
}

// transactionReceipt returns nil receipt while the transaction is pending.
func (c *rpcClient) transactionReceipt(ctx context.Context, txHash string) (*receipt, error) {
	var result *receipt
	if err := c.call(ctx, &result, "eth_getTransactionReceipt", txHash); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	var v uint64
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", s, err)
	}
	return v, nil
}
