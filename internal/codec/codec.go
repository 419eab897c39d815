// Package codec converts raw log words into domain values: unsigned
// integers, 18-decimal fixed-point amounts, and 20-byte addresses.
//
// Decoding is exact. Fixed-point values are built with decimal.NewFromBigInt,
// so no intermediate float64 ever touches an amount.
package codec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-indexer/internal/model"
)

// ByteOrder selects how a buffer is interpreted as an integer.
type ByteOrder int

const (
	BigEndian ByteOrder = iota
	LittleEndian
)

// ErrShortAddress is returned when a buffer holds fewer than 20 bytes.
var ErrShortAddress = errors.New("codec: address buffer shorter than 20 bytes")

// DecodeUnsignedInt interprets b as an unsigned integer.
// An empty buffer decodes to zero.
func DecodeUnsignedInt(b []byte, order ByteOrder) *big.Int {
	if len(b) == 0 {
		return new(big.Int)
	}
	if order == LittleEndian {
		reversed := make([]byte, len(b))
		for i, v := range b {
			reversed[len(b)-1-i] = v
		}
		b = reversed
	}
	return new(big.Int).SetBytes(b)
}

// DecodeFixedPoint decodes b as an unsigned integer and divides it by
// 10^scale.
func DecodeFixedPoint(b []byte, order ByteOrder, scale int32) decimal.Decimal {
	return decimal.NewFromBigInt(DecodeUnsignedInt(b, order), -scale)
}

// DecodeWad decodes a big-endian 18-decimal fixed-point word.
func DecodeWad(b []byte) decimal.Decimal {
	return DecodeFixedPoint(b, BigEndian, model.WadScale)
}

// DecodeAddress returns the low-order 20 bytes of b. A 32-byte left-padded
// log word and the bare 20 bytes decode to the same address.
func DecodeAddress(b []byte) (common.Address, error) {
	if len(b) < common.AddressLength {
		return common.Address{}, fmt.Errorf("%w: got %d", ErrShortAddress, len(b))
	}
	return common.BytesToAddress(b[len(b)-common.AddressLength:]), nil
}

// DecodeID decodes a position id word into its base-10 string key.
func DecodeID(b []byte) string {
	return DecodeUnsignedInt(b, BigEndian).String()
}
