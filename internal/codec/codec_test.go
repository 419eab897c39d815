package codec

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func TestDecodeUnsignedInt(t *testing.T) {
	tests := []struct {
		name  string
		in    []byte
		order ByteOrder
		want  int64
	}{
		{"empty", nil, BigEndian, 0},
		{"single byte", []byte{0x07}, BigEndian, 7},
		{"big endian", []byte{0x01, 0x00}, BigEndian, 256},
		{"little endian", []byte{0x01, 0x00}, LittleEndian, 1},
		{"padded word", word(big.NewInt(42)), BigEndian, 42},
	}
	for _, tc := range tests {
		got := DecodeUnsignedInt(tc.in, tc.order)
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Errorf("%s: expected %d, got %s", tc.name, tc.want, got)
		}
	}
}

func TestDecodeUnsignedInt_DoesNotMutateInput(t *testing.T) {
	in := []byte{0x01, 0x02}
	DecodeUnsignedInt(in, LittleEndian)
	if in[0] != 0x01 || in[1] != 0x02 {
		t.Errorf("input mutated: %x", in)
	}
}

func TestDecodeWad(t *testing.T) {
	// 2.5 * 10^18
	raw, _ := new(big.Int).SetString("2500000000000000000", 10)
	got := DecodeWad(word(raw))
	if !got.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("expected 2.5, got %s", got)
	}
}

func TestDecodeWad_KeepsAllFractionalDigits(t *testing.T) {
	got := DecodeWad(word(big.NewInt(1)))
	want := decimal.RequireFromString("0.000000000000000001")
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestDecodeWad_LargeValue(t *testing.T) {
	// 2^255, far beyond float64 precision.
	raw := new(big.Int).Lsh(big.NewInt(1), 255)
	got := DecodeWad(word(raw))
	back := got.Shift(18).BigInt()
	if back.Cmp(raw) != 0 {
		t.Errorf("round trip lost precision: %s != %s", back, raw)
	}
}

func TestDecodeFixedPoint_Scale(t *testing.T) {
	got := DecodeFixedPoint([]byte{0x30, 0x39}, BigEndian, 2) // 12345
	if !got.Equal(decimal.RequireFromString("123.45")) {
		t.Errorf("expected 123.45, got %s", got)
	}
}

func TestDecodeAddress_PaddedMatchesExact(t *testing.T) {
	addr := common.HexToAddress("0x729D19f657BD0614b4985Cf1D82531c67569197B")

	exact, err := DecodeAddress(addr.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	padded, err := DecodeAddress(common.LeftPadBytes(addr.Bytes(), 32))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exact != padded || exact != addr {
		t.Errorf("expected %s, got exact=%s padded=%s", addr, exact, padded)
	}
}

func TestDecodeAddress_Short(t *testing.T) {
	_, err := DecodeAddress(make([]byte, 19))
	if !errors.Is(err, ErrShortAddress) {
		t.Errorf("expected ErrShortAddress, got %v", err)
	}
}

func TestDecodeID(t *testing.T) {
	if got := DecodeID(word(big.NewInt(7))); got != "7" {
		t.Errorf("expected 7, got %s", got)
	}
	if got := DecodeID(nil); got != "0" {
		t.Errorf("expected 0, got %s", got)
	}
}
