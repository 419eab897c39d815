// Package oracle reads price feeds that expose the DSValue peek() call.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// peekSelector is the 4-byte selector of peek() returns (bytes32, bool).
var peekSelector = gethcrypto.Keccak256([]byte("peek()"))[:4]

// ErrShortReturn is returned when peek() yields fewer than two ABI words.
var ErrShortReturn = errors.New("oracle: peek returned fewer than 64 bytes")

// Reader is the oracle collaborator queried once per block.
// ok is false when the feed reports that it has no valid price.
type Reader interface {
	Peek(ctx context.Context, block uint64) (raw []byte, ok bool, err error)
}

// ContractReader implements Reader against an on-chain price feed.
type ContractReader struct {
	caller  ethereum.ContractCaller
	address common.Address
}

// NewContractReader binds a reader to the feed at address.
func NewContractReader(caller ethereum.ContractCaller, address common.Address) *ContractReader {
	return &ContractReader{caller: caller, address: address}
}

// Peek calls peek() at the given block and decodes (bytes32 value, bool has).
func (r *ContractReader) Peek(ctx context.Context, block uint64) ([]byte, bool, error) {
	msg := ethereum.CallMsg{To: &r.address, Data: peekSelector}
	out, err := r.caller.CallContract(ctx, msg, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, false, fmt.Errorf("peek %s at block %d: %w", r.address.Hex(), block, err)
	}
	return DecodePeek(out)
}

// DecodePeek splits the ABI-encoded (bytes32, bool) return of peek().
func DecodePeek(out []byte) ([]byte, bool, error) {
	if len(out) < 64 {
		return nil, false, fmt.Errorf("%w: got %d", ErrShortReturn, len(out))
	}
	value := make([]byte, 32)
	copy(value, out[:32])
	ok := new(big.Int).SetBytes(out[32:64]).Sign() != 0
	return value, ok, nil
}
