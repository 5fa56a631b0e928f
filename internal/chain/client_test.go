package chain

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"polyfade/internal/config"
	"polyfade/pkg/types"
)

const testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubSigner returns a fixed 65-byte signature; the fake node never checks it.
type stubSigner struct{}

func (stubSigner) Address() common.Address { return testOwner }
func (stubSigner) ChainID() *big.Int       { return big.NewInt(137) }
func (stubSigner) SignTypedData(*apitypes.TypedDataDomain, apitypes.Types,
	apitypes.TypedDataMessage, string) ([]byte, error) {
	return make([]byte, 65), nil
}

// fakeNode is a JSON-RPC server with scriptable receipt statuses and
// approval state.
type fakeNode struct {
	srv             *httptest.Server
	safeNonce       uint64
	allowance       *big.Int // usdc allowance(safe, spender); nil = zero
	operatorOK      bool     // ctf isApprovedForAll(safe, operator)
	sends           atomic.Int64
	nonceReads      atomic.Int64
	lastRaw         atomic.Value // hex of the last eth_sendRawTransaction
	receiptStatuses []string     // consumed per send, "0x1" or "0x0"
}

func newFakeNode(safeNonce uint64, receiptStatuses ...string) *fakeNode {
	n := &fakeNode{safeNonce: safeNonce, receiptStatuses: receiptStatuses}
	n.srv = httptest.NewServer(http.HandlerFunc(n.handle))
	return n
}

func (n *fakeNode) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     int               `json:"id"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	reply := func(result interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		})
	}

	switch req.Method {
	case "eth_call":
		var call map[string]string
		json.Unmarshal(req.Params[0], &call)
		switch {
		case strings.HasPrefix(call["data"], "0x"+selSafeNonce):
			n.nonceReads.Add(1)
			reply("0x" + common.Bytes2Hex(word(new(big.Int).SetUint64(n.safeNonce))))
		case strings.HasPrefix(call["data"], "0x"+selBalanceOfERC20):
			reply("0x" + common.Bytes2Hex(word(big.NewInt(125_500000)))) // 125.50 USDC
		case strings.HasPrefix(call["data"], "0x"+selBalanceOfERC1155):
			reply("0x" + common.Bytes2Hex(word(big.NewInt(35_000000)))) // 35 shares
		case strings.HasPrefix(call["data"], "0x"+selAllowance):
			allowance := big.NewInt(0)
			if n.allowance != nil {
				allowance = n.allowance
			}
			reply("0x" + common.Bytes2Hex(word(allowance)))
		case strings.HasPrefix(call["data"], "0x"+selIsApprovedForAll):
			approved := big.NewInt(0)
			if n.operatorOK {
				approved = big.NewInt(1)
			}
			reply("0x" + common.Bytes2Hex(word(approved)))
		default:
			reply("0x")
		}
	case "eth_getTransactionCount":
		reply("0x7")
	case "eth_sendRawTransaction":
		n.lastRaw.Store(string(req.Params[0]))
		i := n.sends.Add(1)
		reply("0xabc" + string(rune('0'+i)))
	case "eth_getTransactionReceipt":
		i := int(n.sends.Load()) - 1
		status := "0x1"
		if i >= 0 && i < len(n.receiptStatuses) {
			status = n.receiptStatuses[i]
		}
		if status == "0x1" {
			n.safeNonce++ // inclusion consumes the Safe nonce
		}
		reply(map[string]string{"status": status, "blockNumber": "0x100", "gasUsed": "0x5208"})
	default:
		reply(nil)
	}
}

func testChainConfig(rpcURL string, dryRun bool) config.Config {
	return config.Config{
		DryRun: dryRun,
		Chain: config.ChainConfig{
			RPCURL:             rpcURL,
			SafeAddress:        "0x3333333333333333333333333333333333333333",
			USDCAddress:        testUSDC.Hex(),
			CTFAddress:         "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045",
			NegRiskAdapter:     "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296",
			MultiSendAddress:   "0x40A2aCCbd92BCA938b02010E17A5b8929b49130D",
			TxTimeout:          2 * time.Second,
			ReceiptPollEvery:   5 * time.Millisecond,
			GasLimit:           600000,
			MaxFeeGwei:         200,
			MaxPriorityFeeGwei: 40,
		},
	}
}

func newTestClient(t *testing.T, node *fakeNode, dryRun bool) (*Client, context.CancelFunc) {
	t.Helper()
	key, err := NewKeySigner(testPrivateKey)
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}
	url := ""
	if node != nil {
		url = node.srv.URL
	}
	c := NewClient(testChainConfig(url, dryRun), stubSigner{}, key, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); c.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })
	return c, cancel
}

var splitMarket = types.Market{
	Slug:        "nba-lal-bos-2026-01-15",
	ConditionID: testConditionID,
	TokenIDs:    [2]string{"111", "222"},
}

func TestSplitConfirms(t *testing.T) {
	t.Parallel()
	node := newFakeNode(5)
	defer node.srv.Close()
	c, _ := newTestClient(t, node, false)

	if err := c.Split(context.Background(), splitMarket, mustDecimal(t, "35")); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if node.sends.Load() != 1 {
		t.Errorf("sends = %d, want 1", node.sends.Load())
	}

	// Second split reuses the cached approval and the advanced local nonce:
	// no extra nonce() read.
	before := node.nonceReads.Load()
	if err := c.Split(context.Background(), splitMarket, mustDecimal(t, "10")); err != nil {
		t.Fatalf("second Split: %v", err)
	}
	if node.nonceReads.Load() != before {
		t.Error("confirmed split should not re-read the safe nonce")
	}
}

func (n *fakeNode) lastSendHex() string {
	if v := n.lastRaw.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func TestFirstSplitBatchesApprove(t *testing.T) {
	t.Parallel()
	node := newFakeNode(5)
	defer node.srv.Close()
	c, _ := newTestClient(t, node, false)

	if err := c.Split(context.Background(), splitMarket, mustDecimal(t, "35")); err != nil {
		t.Fatalf("Split: %v", err)
	}
	raw := node.lastSendHex()
	if !strings.Contains(raw, selMultiSend) || !strings.Contains(raw, selApprove) {
		t.Error("first split with no allowance must batch (approve, split) via MultiSend")
	}
}

func TestSplitSkipsApproveWithOnChainAllowance(t *testing.T) {
	t.Parallel()
	node := newFakeNode(5)
	node.allowance = maxApproval
	defer node.srv.Close()
	c, _ := newTestClient(t, node, false)

	// A prior run already granted the allowance: the split goes straight to
	// the CTF without a MultiSend wrapper.
	if err := c.Split(context.Background(), splitMarket, mustDecimal(t, "35")); err != nil {
		t.Fatalf("Split: %v", err)
	}
	raw := node.lastSendHex()
	if strings.Contains(raw, selMultiSend) || strings.Contains(raw, selApprove) {
		t.Error("split re-sent an approve despite an on-chain allowance")
	}
}

func TestNegRiskSplitBatchesOperatorApproval(t *testing.T) {
	t.Parallel()
	node := newFakeNode(0)
	defer node.srv.Close()
	c, _ := newTestClient(t, node, false)

	m := splitMarket
	m.NegRisk = true
	if err := c.Split(context.Background(), m, mustDecimal(t, "5")); err != nil {
		t.Fatalf("Split: %v", err)
	}
	raw := node.lastSendHex()
	if !strings.Contains(raw, selApprove) {
		t.Error("neg-risk split missing the usdc approve")
	}
	if !strings.Contains(raw, selSetApprovalForAll) {
		t.Error("neg-risk split missing the ctf operator approval")
	}

	// Both approvals are cached: the next split is a plain call.
	if err := c.Split(context.Background(), m, mustDecimal(t, "5")); err != nil {
		t.Fatalf("second Split: %v", err)
	}
	if raw := node.lastSendHex(); strings.Contains(raw, selMultiSend) {
		t.Error("second neg-risk split re-sent approvals")
	}
}

func TestNegRiskSkipsOperatorWhenApprovedOnChain(t *testing.T) {
	t.Parallel()
	node := newFakeNode(0)
	node.allowance = maxApproval
	node.operatorOK = true
	defer node.srv.Close()
	c, _ := newTestClient(t, node, false)

	m := splitMarket
	m.NegRisk = true
	if err := c.Split(context.Background(), m, mustDecimal(t, "5")); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if raw := node.lastSendHex(); strings.Contains(raw, selSetApprovalForAll) {
		t.Error("operator approval re-sent despite on-chain state")
	}
}

func TestSplitRetriesOnceOnRevert(t *testing.T) {
	t.Parallel()
	node := newFakeNode(0, "0x0", "0x1")
	defer node.srv.Close()
	c, _ := newTestClient(t, node, false)

	if err := c.Split(context.Background(), splitMarket, mustDecimal(t, "5")); err != nil {
		t.Fatalf("Split after one revert: %v", err)
	}
	if node.sends.Load() != 2 {
		t.Errorf("sends = %d, want 2 (original + retry)", node.sends.Load())
	}
}

func TestSplitFatalAfterSecondRevert(t *testing.T) {
	t.Parallel()
	node := newFakeNode(0, "0x0", "0x0")
	defer node.srv.Close()
	c, _ := newTestClient(t, node, false)

	err := c.Split(context.Background(), splitMarket, mustDecimal(t, "5"))
	if !errors.Is(err, ErrChainFatal) {
		t.Fatalf("error = %v, want ErrChainFatal", err)
	}
}

func TestMergeConfirms(t *testing.T) {
	t.Parallel()
	node := newFakeNode(9)
	defer node.srv.Close()
	c, _ := newTestClient(t, node, false)

	if err := c.Merge(context.Background(), splitMarket, mustDecimal(t, "12.5")); err != nil {
		t.Fatalf("Merge: %v", err)
	}
}

func TestDryRunSkipsChain(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, nil, true)

	if err := c.Split(context.Background(), splitMarket, mustDecimal(t, "20")); err != nil {
		t.Fatalf("dry-run Split: %v", err)
	}
	if err := c.Merge(context.Background(), splitMarket, mustDecimal(t, "20")); err != nil {
		t.Fatalf("dry-run Merge: %v", err)
	}
}

func TestUSDCBalance(t *testing.T) {
	t.Parallel()
	node := newFakeNode(0)
	defer node.srv.Close()
	c, _ := newTestClient(t, node, false)

	bal, err := c.USDCBalance(context.Background())
	if err != nil {
		t.Fatalf("USDCBalance: %v", err)
	}
	if !bal.Equal(mustDecimal(t, "125.5")) {
		t.Errorf("balance = %s, want 125.5", bal)
	}
}

func TestPositionBalance(t *testing.T) {
	t.Parallel()
	node := newFakeNode(0)
	defer node.srv.Close()
	c, _ := newTestClient(t, node, false)

	bal, err := c.PositionBalance(context.Background(), "111")
	if err != nil {
		t.Fatalf("PositionBalance: %v", err)
	}
	if !bal.Equal(mustDecimal(t, "35")) {
		t.Errorf("balance = %s, want 35", bal)
	}

	if _, err := c.PositionBalance(context.Background(), "not-a-number"); err == nil {
		t.Error("expected error for malformed token id")
	}
}
