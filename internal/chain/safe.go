package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Safe operation kinds.
const (
	opCall         = 0
	opDelegateCall = 1 // MultiSend batches run as delegatecall
)

// Signer signs EIP-712 payloads with the Safe owner's key. Satisfied by
// the exchange Auth so both packages share one wallet.
type Signer interface {
	Address() common.Address
	ChainID() *big.Int
	SignTypedData(domain *apitypes.TypedDataDomain, typesDef apitypes.Types,
		message apitypes.TypedDataMessage, primaryType string) ([]byte, error)
}

// safeTx is one transaction to run through the Safe.
type safeTx struct {
	To        common.Address
	Value     *big.Int
	Data      []byte
	Operation int // opCall or opDelegateCall
	Nonce     uint64
}

// signSafeTx produces the owner's EIP-712 signature over the SafeTx struct.
// A threshold-1 Safe accepts this single signature in execTransaction.
func signSafeTx(signer Signer, safeAddress common.Address, tx safeTx) ([]byte, error) {
	sig, err := signer.SignTypedData(
		&apitypes.TypedDataDomain{
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(signer.ChainID())),
			VerifyingContract: safeAddress.Hex(),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SafeTx": {
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "operation", Type: "uint8"},
				{Name: "safeTxGas", Type: "uint256"},
				{Name: "baseGas", Type: "uint256"},
				{Name: "gasPrice", Type: "uint256"},
				{Name: "gasToken", Type: "address"},
				{Name: "refundReceiver", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		apitypes.TypedDataMessage{
			"to":             tx.To.Hex(),
			"value":          tx.Value.String(),
			"data":           tx.Data,
			"operation":      fmt.Sprintf("%d", tx.Operation),
			"safeTxGas":      "0",
			"baseGas":        "0",
			"gasPrice":       "0",
			"gasToken":       common.Address{}.Hex(),
			"refundReceiver": common.Address{}.Hex(),
			"nonce":          fmt.Sprintf("%d", tx.Nonce),
		},
		"SafeTx",
	)
	if err != nil {
		return nil, fmt.Errorf("sign safe tx: %w", err)
	}
	return sig, nil
}
