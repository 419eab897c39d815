package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/cdp-indexer/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Mutable records (positions, stats) are invalidated on write;
// immutable records (actions, price snapshots) are cached on write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) Apply(ctx context.Context, c Commit) error {
	if err := s.primary.Apply(ctx, c); err != nil {
		return err
	}
	// Invalidate only after the primary committed.
	keys := []string{statsKey()}
	if c.Cdp != nil {
		keys = append(keys, cdpKey(c.Cdp.ID), cdpActionsKey(c.Cdp.ID))
	}
	if c.Action.Cdp != nil {
		keys = append(keys, cdpActionsKey(*c.Action.Cdp))
	}
	s.rdb.Del(ctx, keys...)
	s.cache(ctx, actionKey(c.Action.ID), c.Action)
	return nil
}

func (s *CachedStore) SaveCdp(ctx context.Context, c *model.Cdp) error {
	if err := s.primary.SaveCdp(ctx, c); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, cdpKey(c.ID), cdpActionsKey(c.ID))
	return nil
}

func (s *CachedStore) SaveAction(ctx context.Context, a *model.Action) error {
	if err := s.primary.SaveAction(ctx, a); err != nil {
		return err
	}
	s.cache(ctx, actionKey(a.ID), a)
	if a.Cdp != nil {
		s.rdb.Del(ctx, cdpActionsKey(*a.Cdp))
	}
	return nil
}

func (s *CachedStore) SavePriceSnapshot(ctx context.Context, p *model.PriceSnapshot) error {
	if err := s.primary.SavePriceSnapshot(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, snapshotKey(p.Asset, p.Block), p)
	return nil
}

func (s *CachedStore) SaveStats(ctx context.Context, st model.Stats) error {
	if err := s.primary.SaveStats(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, statsKey())
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCdp(ctx context.Context, id string) (*model.Cdp, error) {
	var c model.Cdp
	if s.lookup(ctx, cdpKey(id), &c) {
		return &c, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetCdp(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, cdpKey(id), got)
	return got, nil
}

func (s *CachedStore) GetAction(ctx context.Context, id string) (*model.Action, error) {
	var a model.Action
	if s.lookup(ctx, actionKey(id), &a) {
		return &a, nil
	}

	got, err := s.primary.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, actionKey(id), got)
	return got, nil
}

func (s *CachedStore) ListActionsByCdp(ctx context.Context, cdpID string) ([]model.Action, error) {
	var actions []model.Action
	if s.lookup(ctx, cdpActionsKey(cdpID), &actions) {
		return actions, nil
	}

	actions, err := s.primary.ListActionsByCdp(ctx, cdpID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, cdpActionsKey(cdpID), actions)
	return actions, nil
}

func (s *CachedStore) GetPriceSnapshot(ctx context.Context, asset model.Asset, block uint64) (*model.PriceSnapshot, error) {
	var p model.PriceSnapshot
	if s.lookup(ctx, snapshotKey(asset, block), &p) {
		return &p, nil
	}

	got, err := s.primary.GetPriceSnapshot(ctx, asset, block)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, snapshotKey(asset, block), got)
	return got, nil
}

func (s *CachedStore) GetStats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	if s.lookup(ctx, statsKey(), &st) {
		return st, nil
	}

	st, err := s.primary.GetStats(ctx)
	if err != nil {
		return model.Stats{}, err
	}
	s.cache(ctx, statsKey(), st)
	return st, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListCdps(ctx context.Context, owner *common.Address) ([]model.Cdp, error) {
	return s.primary.ListCdps(ctx, owner)
}

func (s *CachedStore) HasOwner(ctx context.Context, addr common.Address) (bool, error) {
	return s.primary.HasOwner(ctx, addr)
}

func (s *CachedStore) ListOwners(ctx context.Context) ([]common.Address, error) {
	return s.primary.ListOwners(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func cdpKey(id string) string        { return fmt.Sprintf("cdp:%s", id) }
func cdpActionsKey(id string) string { return fmt.Sprintf("cdp:%s:actions", id) }
func actionKey(id string) string     { return fmt.Sprintf("action:%s", id) }
func statsKey() string               { return "stats:" + model.StatsID }

func snapshotKey(asset model.Asset, block uint64) string {
	return fmt.Sprintf("price:%s:%d", asset, block)
}
