package feed

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/atmx/cdp-indexer/internal/indexer"
	"github.com/atmx/cdp-indexer/internal/model"
	"github.com/atmx/cdp-indexer/internal/store"
)

var (
	tub = common.HexToAddress("0x448a5065aeBB8E423F0896E6c5D525C040f59af3")
	lad = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type fakeChain struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
	headers int
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return c.head, nil
}

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, lg := range c.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (c *fakeChain) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	c.mu.Lock()
	c.headers++
	c.mu.Unlock()
	return &types.Header{Number: n, Time: 1_500_000_000 + n.Uint64()*15}, nil
}

type recordingProcessor struct {
	logs []indexer.Log
	err  error
}

func (p *recordingProcessor) Process(_ context.Context, lg indexer.Log) (indexer.Result, error) {
	p.logs = append(p.logs, lg)
	return indexer.Result{}, p.err
}

func word(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

func newCupLog(block uint64, index uint, cup uint64) types.Log {
	return types.Log{
		Address:     tub,
		Topics:      []common.Hash{LogNewCupTopic, common.BytesToHash(lad.Bytes())},
		Data:        word(cup),
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BytesToHash([]byte{byte(block), byte(index)}),
	}
}

func noteLog(action model.ActionType, block uint64, index uint, cup uint64, bar []byte) types.Log {
	return types.Log{
		Address: tub,
		Topics: []common.Hash{
			NoteTopic(action),
			common.BytesToHash(lad.Bytes()),
			common.BytesToHash(word(cup)),
			common.BytesToHash(bar),
		},
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BytesToHash([]byte{byte(block), byte(index)}),
	}
}

func TestDecode_NewCup(t *testing.T) {
	ts := time.Unix(1_500_000_000, 0).UTC()
	lg, err := Decode(newCupLog(10, 2, 7), ts)
	if err != nil {
		t.Fatal(err)
	}
	if lg.Action != model.ActionOpen {
		t.Errorf("expected OPEN, got %s", lg.Action)
	}
	ev, err := indexer.Decode(lg)
	if err != nil {
		t.Fatal(err)
	}
	if ev.CdpID != "7" || ev.Sender != lad {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Block.Number != 10 || ev.Block.LogIndex != 2 || !ev.Block.Timestamp.Equal(ts) {
		t.Errorf("unexpected block context: %+v", ev.Block)
	}
}

func TestDecode_Notes(t *testing.T) {
	amount, _ := new(big.Int).SetString("1500000000000000000", 10)
	target := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	tests := []struct {
		action model.ActionType
		bar    []byte
	}{
		{model.ActionGive, target.Bytes()},
		{model.ActionLock, amount.Bytes()},
		{model.ActionFree, amount.Bytes()},
		{model.ActionDraw, amount.Bytes()},
		{model.ActionWipe, amount.Bytes()},
		{model.ActionBite, nil},
		{model.ActionShut, nil},
	}
	for _, tc := range tests {
		lg, err := Decode(noteLog(tc.action, 5, 0, 3, tc.bar), time.Time{})
		if err != nil {
			t.Fatalf("%s: %v", tc.action, err)
		}
		if lg.Action != tc.action {
			t.Errorf("expected %s, got %s", tc.action, lg.Action)
		}
		ev, err := indexer.Decode(lg)
		if err != nil {
			t.Fatalf("%s: %v", tc.action, err)
		}
		if ev.CdpID != "3" {
			t.Errorf("%s: expected cdp 3, got %s", tc.action, ev.CdpID)
		}
		switch tc.action {
		case model.ActionGive:
			if ev.Target != target {
				t.Errorf("expected target %s, got %s", target, ev.Target)
			}
		case model.ActionLock, model.ActionFree, model.ActionDraw, model.ActionWipe:
			if ev.Amount.String() != "1.5" {
				t.Errorf("%s: expected amount 1.5, got %s", tc.action, ev.Amount)
			}
		}
	}
}

func TestDecode_Unrecognized(t *testing.T) {
	other := types.Log{Topics: []common.Hash{common.HexToHash("0xdeadbeef")}}
	if _, err := Decode(other, time.Time{}); !errors.Is(err, ErrUnrecognized) {
		t.Errorf("expected ErrUnrecognized, got %v", err)
	}
	if _, err := Decode(types.Log{}, time.Time{}); !errors.Is(err, ErrUnrecognized) {
		t.Errorf("expected ErrUnrecognized for empty topics, got %v", err)
	}
}

func TestNoteTopic_Open(t *testing.T) {
	if NoteTopic(model.ActionOpen) != (common.Hash{}) {
		t.Error("OPEN has no note topic")
	}
}

func TestSource_SyncOrdersAndBatches(t *testing.T) {
	chain := &fakeChain{
		head: 12,
		logs: []types.Log{
			noteLog(model.ActionLock, 4, 1, 1, word(1)),
			newCupLog(4, 0, 1),
			newCupLog(2, 0, 9),
			{Address: tub, Topics: []common.Hash{common.HexToHash("0x01")}, BlockNumber: 3},
			noteLog(model.ActionDraw, 11, 0, 1, word(1)),
		},
	}
	proc := &recordingProcessor{}
	src := NewSource(chain, tub, proc, Options{BatchSize: 3, Confirmations: 2}, nil)

	next, err := src.Sync(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if next != 11 {
		t.Errorf("expected next block 11, got %d", next)
	}
	// blocks 1-10 in batches of three
	if len(chain.queries) != 4 {
		t.Errorf("expected 4 queries, got %d", len(chain.queries))
	}

	want := []model.ActionType{model.ActionOpen, model.ActionOpen, model.ActionLock}
	if len(proc.logs) != len(want) {
		t.Fatalf("expected %d logs, got %d", len(want), len(proc.logs))
	}
	for i, w := range want {
		if proc.logs[i].Action != w {
			t.Errorf("log %d: expected %s, got %s", i, w, proc.logs[i].Action)
		}
	}
	if proc.logs[0].Block.Number != 2 || proc.logs[2].Block.LogIndex != 1 {
		t.Errorf("logs out of order: %+v", proc.logs)
	}
	if proc.logs[1].Block.Timestamp.Unix() != 1_500_000_060 {
		t.Errorf("unexpected timestamp %v", proc.logs[1].Block.Timestamp)
	}
}

func TestSource_SkipsRemovedLogs(t *testing.T) {
	removed := newCupLog(2, 0, 1)
	removed.Removed = true
	chain := &fakeChain{head: 5, logs: []types.Log{removed}}
	proc := &recordingProcessor{}

	if _, err := NewSource(chain, tub, proc, Options{}, nil).Sync(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if len(proc.logs) != 0 {
		t.Errorf("expected removed log skipped, got %d", len(proc.logs))
	}
}

func TestSource_HeadersOnlyForTrackedLogs(t *testing.T) {
	untracked := types.Log{
		Address:     tub,
		Topics:      []common.Hash{common.HexToHash("0xdeadbeef"), common.BytesToHash(lad.Bytes())},
		BlockNumber: 2,
	}
	chain := &fakeChain{head: 5, logs: []types.Log{untracked, newCupLog(3, 0, 1)}}
	proc := &recordingProcessor{}

	if _, err := NewSource(chain, tub, proc, Options{}, nil).Sync(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if len(proc.logs) != 1 || proc.logs[0].Block.Timestamp.Unix() != 1_500_000_045 {
		t.Fatalf("unexpected delivery: %+v", proc.logs)
	}
	if chain.headers != 1 {
		t.Errorf("expected 1 header fetch, got %d", chain.headers)
	}
}

func TestSource_DecodeErrorIsSkipped(t *testing.T) {
	chain := &fakeChain{head: 5, logs: []types.Log{newCupLog(2, 0, 1), newCupLog(3, 0, 2)}}
	proc := &recordingProcessor{err: &indexer.DecodeError{Field: "guy", Err: errors.New("bad")}}

	next, err := NewSource(chain, tub, proc, Options{}, nil).Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("decode errors must not stop the stream: %v", err)
	}
	if next != 6 || len(proc.logs) != 2 {
		t.Errorf("expected both logs attempted and next=6, got %d logs next=%d", len(proc.logs), next)
	}
}

func TestSource_ProcessErrorStops(t *testing.T) {
	chain := &fakeChain{head: 20, logs: []types.Log{newCupLog(12, 0, 1)}}
	proc := &recordingProcessor{err: errors.New("db down")}

	next, err := NewSource(chain, tub, proc, Options{BatchSize: 10}, nil).Sync(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if next != 11 {
		t.Errorf("expected to resume at 11, got %d", next)
	}
}

func TestSource_EndToEnd(t *testing.T) {
	chain := &fakeChain{
		head: 10,
		logs: []types.Log{
			newCupLog(1, 0, 1),
			noteLog(model.ActionLock, 2, 0, 1, word(2_000_000_000_000_000_000)),
			noteLog(model.ActionDraw, 3, 0, 1, word(500_000_000_000_000_000)),
		},
	}
	st := store.NewMemoryStore()
	prices := indexer.NewPriceCache(st, nil, nil, nil)
	proc := indexer.NewProcessor(st, prices, nil, nil)

	if _, err := NewSource(chain, tub, proc, Options{}, nil).Sync(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	// a second pass over the same range is absorbed
	if _, err := NewSource(chain, tub, proc, Options{}, nil).Sync(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	cdp, err := st.GetCdp(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if cdp.Collateral.String() != "2" || cdp.Debt.String() != "0.5" {
		t.Errorf("expected coll=2 debt=0.5, got coll=%s debt=%s", cdp.Collateral, cdp.Debt)
	}
	stats, _ := st.GetStats(context.Background())
	if stats.CdpCount != 1 || stats.LastBlock != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestResumeBlock(t *testing.T) {
	if got := ResumeBlock(100, 0); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
	if got := ResumeBlock(100, 250); got != 250 {
		t.Errorf("expected 250, got %d", got)
	}
}
