package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Function selectors for the handful of contract calls the engine makes.
const (
	selBalanceOfERC20    = "70a08231" // balanceOf(address)
	selApprove           = "095ea7b3" // approve(address,uint256)
	selAllowance         = "dd62ed3e" // allowance(address,address)
	selBalanceOfERC1155  = "00fdd58e" // balanceOf(address,uint256)
	selIsApprovedForAll  = "e985e9c5" // isApprovedForAll(address,address)
	selSetApprovalForAll = "a22cb465" // setApprovalForAll(address,bool)
	selSplitPosition     = "72ce4275" // splitPosition(address,bytes32,bytes32,uint256[],uint256)
	selMergePositions    = "9e7212ad" // mergePositions(address,bytes32,bytes32,uint256[],uint256)
	selSafeNonce         = "affed0e0" // nonce()
	selExecTransaction   = "6a761202" // execTransaction(address,uint256,bytes,uint8,uint256,uint256,uint256,address,address,bytes)
	selMultiSend         = "8d80ff0a" // multiSend(bytes)
)

// usdcDecimals is shared by USDC and CTF outcome token units on Polygon.
const usdcDecimals = 6

// sharesToUnits converts a share quantity to 6-decimal on-chain units.
func sharesToUnits(shares decimal.Decimal) *big.Int {
	return shares.Shift(usdcDecimals).Truncate(0).BigInt()
}

// unitsToShares converts 6-decimal on-chain units back to shares.
func unitsToShares(units *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(units, -usdcDecimals)
}

// word packs a value into a left-padded 32-byte ABI word.
func word(v *big.Int) []byte {
	out := make([]byte, 32)
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

func addressWord(addr common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], addr.Bytes())
	return out
}

func bytes32Word(hexStr string) ([]byte, error) {
	b, err := decodeHex(hexStr)
	if err != nil {
		return nil, fmt.Errorf("parse bytes32 %q: %w", hexStr, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("bytes32 %q: got %d bytes", hexStr, len(b))
	}
	return b, nil
}

func selector(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// encodeBalanceOfERC20 builds calldata for USDC balanceOf(owner).
func encodeBalanceOfERC20(owner common.Address) []byte {
	return append(selector(selBalanceOfERC20), addressWord(owner)...)
}

// encodeBalanceOfERC1155 builds calldata for CTF balanceOf(owner, positionId).
func encodeBalanceOfERC1155(owner common.Address, positionID *big.Int) []byte {
	data := selector(selBalanceOfERC1155)
	data = append(data, addressWord(owner)...)
	data = append(data, word(positionID)...)
	return data
}

// encodeApprove builds calldata for USDC approve(spender, amount).
func encodeApprove(spender common.Address, amount *big.Int) []byte {
	data := selector(selApprove)
	data = append(data, addressWord(spender)...)
	data = append(data, word(amount)...)
	return data
}

// encodeAllowance builds calldata for USDC allowance(owner, spender).
func encodeAllowance(owner, spender common.Address) []byte {
	data := selector(selAllowance)
	data = append(data, addressWord(owner)...)
	data = append(data, addressWord(spender)...)
	return data
}

// encodeIsApprovedForAll builds calldata for CTF isApprovedForAll(owner, operator).
func encodeIsApprovedForAll(owner, operator common.Address) []byte {
	data := selector(selIsApprovedForAll)
	data = append(data, addressWord(owner)...)
	data = append(data, addressWord(operator)...)
	return data
}

// encodeSetApprovalForAll builds calldata for CTF setApprovalForAll(operator, approved).
func encodeSetApprovalForAll(operator common.Address, approved bool) []byte {
	data := selector(selSetApprovalForAll)
	data = append(data, addressWord(operator)...)
	v := big.NewInt(0)
	if approved {
		v = big.NewInt(1)
	}
	data = append(data, word(v)...)
	return data
}

// encodeSplitOrMerge builds calldata for ConditionalTokens splitPosition or
// mergePositions. Both share the signature
// (address collateral, bytes32 parentCollectionId, bytes32 conditionId,
// uint256[] partition, uint256 amount); a binary market always uses the
// root collection and partition [1, 2].
func encodeSplitOrMerge(sel string, collateral common.Address, conditionID string, amount *big.Int) ([]byte, error) {
	condition, err := bytes32Word(conditionID)
	if err != nil {
		return nil, err
	}

	data := selector(sel)
	data = append(data, addressWord(collateral)...)         // collateral
	data = append(data, make([]byte, 32)...)                // parentCollectionId = 0x0
	data = append(data, condition...)                       // conditionId
	data = append(data, word(big.NewInt(0xa0))...)          // offset to partition array
	data = append(data, word(amount)...)                    // amount
	data = append(data, word(big.NewInt(2))...)             // partition length
	data = append(data, word(big.NewInt(1))...)             // index set 0b01
	data = append(data, word(big.NewInt(2))...)             // index set 0b10
	return data, nil
}

// encodeMultiSendTx packs one inner transaction in MultiSend's wire format:
// operation (1) | to (20) | value (32) | dataLength (32) | data.
func encodeMultiSendTx(to common.Address, data []byte) []byte {
	out := []byte{0} // operation: CALL
	out = append(out, to.Bytes()...)
	out = append(out, make([]byte, 32)...) // value = 0
	out = append(out, word(big.NewInt(int64(len(data))))...)
	out = append(out, data...)
	return out
}

// encodeMultiSend wraps packed inner transactions in multiSend(bytes).
func encodeMultiSend(packed []byte) []byte {
	data := selector(selMultiSend)
	data = append(data, word(big.NewInt(0x20))...) // offset to bytes
	data = append(data, word(big.NewInt(int64(len(packed))))...)
	data = append(data, packed...)
	// Pad to a 32-byte boundary.
	if rem := len(packed) % 32; rem != 0 {
		data = append(data, make([]byte, 32-rem)...)
	}
	return data
}

// encodeExecTransaction builds the Safe execTransaction calldata.
func encodeExecTransaction(tx safeTx, signature []byte) []byte {
	data := selector(selExecTransaction)
	data = append(data, addressWord(tx.To)...)
	data = append(data, word(tx.Value)...)
	data = append(data, word(big.NewInt(0x140))...) // offset to data
	data = append(data, word(big.NewInt(int64(tx.Operation)))...)
	data = append(data, word(big.NewInt(0))...) // safeTxGas
	data = append(data, word(big.NewInt(0))...) // baseGas
	data = append(data, word(big.NewInt(0))...) // gasPrice
	data = append(data, make([]byte, 32)...)    // gasToken = 0x0
	data = append(data, make([]byte, 32)...)    // refundReceiver = 0x0

	// Dynamic tail: data bytes, then signatures. The signatures offset
	// depends on the padded length of data.
	dataPadded := pad32(tx.Data)
	sigOffset := 0x160 + len(dataPadded)
	data = append(data, word(big.NewInt(int64(sigOffset)))...)

	data = append(data, word(big.NewInt(int64(len(tx.Data))))...)
	data = append(data, dataPadded...)
	data = append(data, word(big.NewInt(int64(len(signature))))...)
	data = append(data, pad32(signature)...)
	return data
}

func pad32(b []byte) []byte {
	if rem := len(b) % 32; rem != 0 {
		out := make([]byte, len(b)+32-rem)
		copy(out, b)
		return out
	}
	return b
}
