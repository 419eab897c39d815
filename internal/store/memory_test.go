package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-indexer/internal/model"
)

var (
	ownerA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ownerB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestMemoryStore_CdpRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetCdp(ctx, "1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	c := &model.Cdp{ID: "1", Owner: ownerA, Collateral: decimal.NewFromInt(2)}
	if err := s.SaveCdp(ctx, c); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	c.Collateral = decimal.NewFromInt(99)

	got, err := s.GetCdp(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Collateral.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected collateral=2, got %s", got.Collateral)
	}
}

func TestMemoryStore_ListCdpsByOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SaveCdp(ctx, &model.Cdp{ID: "2", Owner: ownerA, CreatedAtBlock: 20})
	s.SaveCdp(ctx, &model.Cdp{ID: "1", Owner: ownerA, CreatedAtBlock: 10})
	s.SaveCdp(ctx, &model.Cdp{ID: "3", Owner: ownerB, CreatedAtBlock: 5})

	all, _ := s.ListCdps(ctx, nil)
	if len(all) != 3 || all[0].ID != "3" {
		t.Fatalf("expected 3 cdps ordered by block, got %+v", all)
	}

	mine, _ := s.ListCdps(ctx, &ownerA)
	if len(mine) != 2 || mine[0].ID != "1" || mine[1].ID != "2" {
		t.Errorf("expected cdps 1,2 for owner A, got %+v", mine)
	}
}

func TestMemoryStore_ActionsAreImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := "7"

	first := &model.Action{ID: "tx-LOCK", Type: model.ActionLock, Cdp: &id, Block: 1}
	second := &model.Action{ID: "tx-LOCK", Type: model.ActionLock, Cdp: &id, Block: 2}
	s.SaveAction(ctx, first)
	s.SaveAction(ctx, second)

	got, err := s.GetAction(ctx, "tx-LOCK")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Block != 1 {
		t.Errorf("expected first write to win, got block %d", got.Block)
	}
}

func TestMemoryStore_ListActionsByCdp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seven, eight := "7", "8"

	s.SaveAction(ctx, &model.Action{ID: "b", Cdp: &seven, Block: 2, LogIndex: 0})
	s.SaveAction(ctx, &model.Action{ID: "a", Cdp: &seven, Block: 1, LogIndex: 3})
	s.SaveAction(ctx, &model.Action{ID: "c", Cdp: &seven, Block: 2, LogIndex: 1})
	s.SaveAction(ctx, &model.Action{ID: "d", Cdp: &eight, Block: 1})
	s.SaveAction(ctx, &model.Action{ID: "orphan", Block: 1})

	got, _ := s.ListActionsByCdp(ctx, "7")
	if len(got) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Errorf("unexpected order: %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestMemoryStore_PriceSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	snap := &model.PriceSnapshot{Asset: model.AssetETH, Block: 100, Timestamp: time.Unix(1000, 0), Value: decimal.NewFromInt(300)}
	s.SavePriceSnapshot(ctx, snap)
	s.SavePriceSnapshot(ctx, &model.PriceSnapshot{Asset: model.AssetETH, Block: 100, Value: decimal.NewFromInt(1)})

	got, err := s.GetPriceSnapshot(ctx, model.AssetETH, 100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Value.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected first snapshot to be kept, got %s", got.Value)
	}

	if _, err := s.GetPriceSnapshot(ctx, model.AssetMKR, 100); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other asset, got %v", err)
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.ID != model.StatsID || st.CdpCount != 0 {
		t.Errorf("expected fresh stats, got %+v", st)
	}

	st.CdpCount = 3
	st.OwnerCount = 1
	s.SaveStats(ctx, st)

	got, _ := s.GetStats(ctx)
	if got.CdpCount != 3 || got.OwnerCount != 1 {
		t.Errorf("unexpected stats: %+v", got)
	}
}

func TestMemoryStore_Apply(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id := "1"
	stats := model.NewStats()
	stats.CdpCount = 1
	open := &model.Action{ID: "0x01-OPEN", Type: model.ActionOpen, Cdp: &id}
	err := s.Apply(ctx, Commit{
		Action: open,
		Cdp:    &model.Cdp{ID: id, Owner: ownerB},
		Stats:  &stats,
		Owner:  &ownerB,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetAction(ctx, open.ID); err != nil {
		t.Errorf("action not written: %v", err)
	}
	if c, err := s.GetCdp(ctx, id); err != nil || c.Owner != ownerB {
		t.Errorf("cdp not written: %+v, %v", c, err)
	}
	if got, _ := s.GetStats(ctx); got.CdpCount != 1 {
		t.Errorf("stats not written: %+v", got)
	}
	if ok, _ := s.HasOwner(ctx, ownerB); !ok {
		t.Error("owner not registered")
	}

	// An orphan commit writes only the action.
	if err := s.Apply(ctx, Commit{Action: &model.Action{ID: "0x02-LOCK", Type: model.ActionLock}}); err != nil {
		t.Fatal(err)
	}
	if cdps, actions, _ := s.Counts(); cdps != 1 || actions != 2 {
		t.Errorf("expected 1 cdp and 2 actions, got %d and %d", cdps, actions)
	}
}

func TestMemoryStore_Owners(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, addr := range []common.Address{ownerB, ownerA, ownerB} {
		a := addr
		if err := s.Apply(ctx, Commit{Action: &model.Action{ID: a.Hex()}, Owner: &a}); err != nil {
			t.Fatal(err)
		}
	}

	owners, err := s.ListOwners(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(owners) != 2 || owners[0] != ownerA || owners[1] != ownerB {
		t.Errorf("expected [A B], got %v", owners)
	}
	if ok, _ := s.HasOwner(ctx, common.HexToAddress("0x01")); ok {
		t.Error("unexpected owner")
	}
}
