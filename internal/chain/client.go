package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"polyfade/internal/config"
	"polyfade/pkg/types"
)

// ErrChainFatal marks unrecoverable on-chain failures. The engine halts new
// entries when it sees this; existing positions keep managing their exits.
var ErrChainFatal = errors.New("chain fatal")

// maxApproval is granted once per spender and cached.
var maxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// approvalFloor is the on-chain allowance treated as effectively unlimited.
// A prior run's max approval sits at or above this even after heavy use.
var approvalFloor = new(big.Int).Rsh(maxApproval, 1)

// opKind distinguishes dispatcher requests.
type opKind int

const (
	opSplit opKind = iota
	opMerge
)

type request struct {
	kind   opKind
	market types.Market
	units  *big.Int
	resp   chan error
}

// Client executes split and merge through the operator's Safe.
//
// All mutating calls funnel into a single dispatcher goroutine that owns the
// Safe nonce: read once at startup, incremented on inclusion, refreshed from
// the chain after any failure. A reverted transaction is retried exactly
// once with a fresh nonce; a second failure surfaces ErrChainFatal.
type Client struct {
	rpc    *rpcClient
	signer Signer
	key    KeySigner
	cfg    config.ChainConfig
	dryRun bool

	safe      common.Address
	usdc      common.Address
	ctf       common.Address
	negRisk   common.Address
	multiSend common.Address

	requests  chan request
	approvals map[common.Address]bool // usdc spender → approved (dispatcher-owned)
	operators map[common.Address]bool // ctf operator → approved (dispatcher-owned)
	safeNonce uint64

	logger *slog.Logger
}

// KeySigner signs the outer EOA transaction.
type KeySigner interface {
	SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
}

// NewClient builds the chain client. signer signs SafeTx payloads; key signs
// the outer EOA transaction. Both usually wrap the same wallet.
func NewClient(cfg config.Config, signer Signer, key KeySigner, logger *slog.Logger) *Client {
	return &Client{
		rpc:       newRPCClient(cfg.Chain.RPCURL),
		signer:    signer,
		key:       key,
		cfg:       cfg.Chain,
		dryRun:    cfg.DryRun,
		safe:      common.HexToAddress(cfg.Chain.SafeAddress),
		usdc:      common.HexToAddress(cfg.Chain.USDCAddress),
		ctf:       common.HexToAddress(cfg.Chain.CTFAddress),
		negRisk:   common.HexToAddress(cfg.Chain.NegRiskAdapter),
		multiSend: common.HexToAddress(cfg.Chain.MultiSendAddress),
		requests:  make(chan request, 16),
		approvals: make(map[common.Address]bool),
		operators: make(map[common.Address]bool),
		logger:    logger.With("component", "chain"),
	}
}

// Run is the dispatcher loop. Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if !c.dryRun {
		if err := c.refreshSafeNonce(ctx); err != nil {
			return fmt.Errorf("read safe nonce: %w", err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.requests:
			req.resp <- c.execute(ctx, req)
		}
	}
}

// Split mints `shares` outcome pairs for the market: USDC in, YES+NO out.
// Blocks until the transaction confirms or fails.
func (c *Client) Split(ctx context.Context, market types.Market, shares decimal.Decimal) error {
	return c.submit(ctx, request{kind: opSplit, market: market, units: sharesToUnits(shares), resp: make(chan error, 1)})
}

// Merge burns `shares` outcome pairs back into USDC.
func (c *Client) Merge(ctx context.Context, market types.Market, shares decimal.Decimal) error {
	return c.submit(ctx, request{kind: opMerge, market: market, units: sharesToUnits(shares), resp: make(chan error, 1)})
}

func (c *Client) submit(ctx context.Context, req request) error {
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// USDCBalance reads the Safe's USDC balance. Read-only; bypasses the
// dispatcher.
func (c *Client) USDCBalance(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.rpc.ethCall(ctx, c.usdc.Hex(), encodeBalanceOfERC20(c.safe))
	if err != nil {
		return decimal.Zero, fmt.Errorf("usdc balance: %w", err)
	}
	if len(out) < 32 {
		return decimal.Zero, fmt.Errorf("usdc balance: short return (%d bytes)", len(out))
	}
	return unitsToShares(new(big.Int).SetBytes(out[:32])), nil
}

// PositionBalance reads the Safe's CTF balance for one outcome token.
func (c *Client) PositionBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	position, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("position balance: bad token id %q", tokenID)
	}
	out, err := c.rpc.ethCall(ctx, c.ctf.Hex(), encodeBalanceOfERC1155(c.safe, position))
	if err != nil {
		return decimal.Zero, fmt.Errorf("position balance: %w", err)
	}
	if len(out) < 32 {
		return decimal.Zero, fmt.Errorf("position balance: short return (%d bytes)", len(out))
	}
	return unitsToShares(new(big.Int).SetBytes(out[:32])), nil
}

// execute runs one split/merge through the Safe, retrying once on failure.
func (c *Client) execute(ctx context.Context, req request) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would execute safe tx",
			"op", opName(req.kind), "market", req.market.Slug,
			"units", req.units.String())
		return nil
	}

	err := c.executeOnce(ctx, req)
	if err == nil {
		return nil
	}

	c.logger.Warn("safe tx failed, retrying once with fresh nonce",
		"op", opName(req.kind), "market", req.market.Slug, "error", err)
	if nerr := c.refreshSafeNonce(ctx); nerr != nil {
		return fmt.Errorf("%w: nonce refresh after failure: %v (original: %v)", ErrChainFatal, nerr, err)
	}

	if err = c.executeOnce(ctx, req); err != nil {
		c.refreshSafeNonce(ctx)
		return fmt.Errorf("%w: %s %s: %v", ErrChainFatal, opName(req.kind), req.market.Slug, err)
	}
	return nil
}

func (c *Client) executeOnce(ctx context.Context, req request) error {
	target := c.ctf
	if req.market.NegRisk {
		target = c.negRisk
	}

	sel := selSplitPosition
	if req.kind == opMerge {
		sel = selMergePositions
	}
	inner, err := encodeSplitOrMerge(sel, c.usdc, req.market.ConditionID, req.units)
	if err != nil {
		return err
	}

	tx := safeTx{Value: big.NewInt(0), Nonce: c.safeNonce}
	if prelude := c.approvalPrelude(ctx, req, target); len(prelude) > 0 {
		// Batch the missing approvals with the operation itself so the
		// ladder never waits on a separate approval round-trip.
		packed := append(prelude, encodeMultiSendTx(target, inner)...)
		tx.To = c.multiSend
		tx.Data = encodeMultiSend(packed)
		tx.Operation = opDelegateCall
	} else {
		tx.To = target
		tx.Data = inner
		tx.Operation = opCall
	}

	sig, err := signSafeTx(c.signer, c.safe, tx)
	if err != nil {
		return err
	}
	calldata := encodeExecTransaction(tx, sig)

	txHash, err := c.sendFromEOA(ctx, calldata)
	if err != nil {
		return err
	}

	if err := c.awaitReceipt(ctx, txHash); err != nil {
		return err
	}

	// Inclusion consumed the Safe nonce.
	c.safeNonce++
	if tx.Operation == opDelegateCall {
		c.approvals[target] = true
		if req.market.NegRisk {
			c.operators[target] = true
		}
	}
	c.logger.Info("safe tx confirmed",
		"op", opName(req.kind), "market", req.market.Slug,
		"units", req.units.String(), "tx", txHash, "safe_nonce", c.safeNonce)
	return nil
}

// approvalPrelude returns packed MultiSend transactions for whatever
// approvals the target still needs: a USDC allowance before the first split,
// and CTF operator approval before any neg-risk operation (the adapter moves
// the Safe's outcome tokens itself). On-chain state is consulted first so a
// restarted process does not re-send approvals the Safe already granted.
func (c *Client) approvalPrelude(ctx context.Context, req request, target common.Address) []byte {
	var packed []byte
	if req.kind == opSplit && !c.approvals[target] {
		if allowance, err := c.usdcAllowance(ctx, target); err == nil && allowance.Cmp(approvalFloor) >= 0 {
			c.approvals[target] = true
		} else {
			packed = append(packed, encodeMultiSendTx(c.usdc, encodeApprove(target, maxApproval))...)
		}
	}
	if req.market.NegRisk && !c.operators[target] {
		if ok, err := c.ctfOperatorApproved(ctx, target); err == nil && ok {
			c.operators[target] = true
		} else {
			packed = append(packed, encodeMultiSendTx(c.ctf, encodeSetApprovalForAll(target, true))...)
		}
	}
	return packed
}

// usdcAllowance reads allowance(safe, spender) on USDC.
func (c *Client) usdcAllowance(ctx context.Context, spender common.Address) (*big.Int, error) {
	out, err := c.rpc.ethCall(ctx, c.usdc.Hex(), encodeAllowance(c.safe, spender))
	if err != nil {
		return nil, fmt.Errorf("usdc allowance: %w", err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("usdc allowance: short return (%d bytes)", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// ctfOperatorApproved reads isApprovedForAll(safe, operator) on the CTF.
func (c *Client) ctfOperatorApproved(ctx context.Context, operator common.Address) (bool, error) {
	out, err := c.rpc.ethCall(ctx, c.ctf.Hex(), encodeIsApprovedForAll(c.safe, operator))
	if err != nil {
		return false, fmt.Errorf("ctf operator approval: %w", err)
	}
	if len(out) < 32 {
		return false, fmt.Errorf("ctf operator approval: short return (%d bytes)", len(out))
	}
	return out[31] != 0, nil
}

// sendFromEOA wraps the Safe calldata in a signed EIP-1559 transaction from
// the owner EOA and broadcasts it.
func (c *Client) sendFromEOA(ctx context.Context, calldata []byte) (string, error) {
	eoaNonce, err := c.rpc.transactionCount(ctx, c.signer.Address().Hex())
	if err != nil {
		return "", fmt.Errorf("eoa nonce: %w", err)
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     eoaNonce,
		GasTipCap: gweiToWei(c.cfg.MaxPriorityFeeGwei),
		GasFeeCap: gweiToWei(c.cfg.MaxFeeGwei),
		Gas:       c.cfg.GasLimit,
		To:        &c.safe,
		Value:     big.NewInt(0),
		Data:      calldata,
	})

	signed, err := c.key.SignTx(tx, c.signer.ChainID())
	if err != nil {
		return "", fmt.Errorf("sign eoa tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode tx: %w", err)
	}
	return c.rpc.sendRawTransaction(ctx, raw)
}

// awaitReceipt polls until the transaction lands or the timeout passes.
func (c *Client) awaitReceipt(ctx context.Context, txHash string) error {
	deadline := time.Now().Add(c.cfg.TxTimeout)
	ticker := time.NewTicker(c.cfg.ReceiptPollEvery)
	defer ticker.Stop()

	for {
		rcpt, err := c.rpc.transactionReceipt(ctx, txHash)
		if err != nil {
			c.logger.Debug("receipt poll failed", "tx", txHash, "error", err)
		} else if rcpt != nil {
			if rcpt.Status == "0x1" {
				return nil
			}
			return fmt.Errorf("tx %s reverted", txHash)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("tx %s not mined within %s", txHash, c.cfg.TxTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// refreshSafeNonce reads nonce() from the Safe contract.
func (c *Client) refreshSafeNonce(ctx context.Context) error {
	out, err := c.rpc.ethCall(ctx, c.safe.Hex(), selector(selSafeNonce))
	if err != nil {
		return err
	}
	if len(out) < 32 {
		return fmt.Errorf("safe nonce: short return (%d bytes)", len(out))
	}
	c.safeNonce = new(big.Int).SetBytes(out[:32]).Uint64()
	c.logger.Info("safe nonce refreshed", "nonce", c.safeNonce)
	return nil
}

func opName(kind opKind) string {
	if kind == opMerge {
		return "merge"
	}
	return "split"
}

func gweiToWei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9)).Int(nil)
	return wei
}

// NewKeySigner adapts a raw ECDSA private key to KeySigner.
func NewKeySigner(privateKeyHex string) (KeySigner, error) {
	if len(privateKeyHex) >= 2 && privateKeyHex[:2] == "0x" {
		privateKeyHex = privateKeyHex[2:]
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &ecdsaKeySigner{key: key}, nil
}

type ecdsaKeySigner struct {
	key *ecdsa.PrivateKey
}

func (s *ecdsaKeySigner) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	return ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), s.key)
}
