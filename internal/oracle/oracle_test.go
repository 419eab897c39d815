package oracle

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type fakeCaller struct {
	out   []byte
	err   error
	msg   ethereum.CallMsg
	block *big.Int
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.msg = msg
	f.block = block
	return f.out, f.err
}

func peekReturn(value *big.Int, has bool) []byte {
	out := common.LeftPadBytes(value.Bytes(), 32)
	flag := make([]byte, 32)
	if has {
		flag[31] = 1
	}
	return append(out, flag...)
}

func TestContractReader_Peek(t *testing.T) {
	feed := common.HexToAddress("0x729D19f657BD0614b4985Cf1D82531c67569197B")
	price, _ := new(big.Int).SetString("300000000000000000000", 10)
	caller := &fakeCaller{out: peekReturn(price, true)}
	r := NewContractReader(caller, feed)

	raw, ok, err := r.Peek(context.Background(), 4_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected valid price")
	}
	if new(big.Int).SetBytes(raw).Cmp(price) != 0 {
		t.Errorf("expected %s, got %x", price, raw)
	}
	if caller.msg.To == nil || *caller.msg.To != feed {
		t.Errorf("call sent to wrong address: %v", caller.msg.To)
	}
	if !bytes.Equal(caller.msg.Data, []byte{0x59, 0xe0, 0x2d, 0xd7}) {
		t.Errorf("unexpected selector %x", caller.msg.Data)
	}
	if caller.block.Uint64() != 4_000_000 {
		t.Errorf("expected block 4000000, got %s", caller.block)
	}
}

func TestContractReader_NoPrice(t *testing.T) {
	caller := &fakeCaller{out: peekReturn(big.NewInt(0), false)}
	r := NewContractReader(caller, common.Address{})

	_, ok, err := r.Peek(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no price")
	}
}

func TestContractReader_CallError(t *testing.T) {
	boom := errors.New("rpc down")
	r := NewContractReader(&fakeCaller{err: boom}, common.Address{})

	_, _, err := r.Peek(context.Background(), 1)
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped rpc error, got %v", err)
	}
}

func TestDecodePeek_Short(t *testing.T) {
	_, _, err := DecodePeek(make([]byte, 32))
	if !errors.Is(err, ErrShortReturn) {
		t.Errorf("expected ErrShortReturn, got %v", err)
	}
}
