package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/cdp-indexer/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	cdps    map[string]*model.Cdp
	actions map[string]*model.Action
	prices  map[priceKey]*model.PriceSnapshot
	stats   *model.Stats
	owners  map[string]common.Address
}

type priceKey struct {
	asset model.Asset
	block uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cdps:    make(map[string]*model.Cdp),
		actions: make(map[string]*model.Action),
		prices:  make(map[priceKey]*model.PriceSnapshot),
		owners:  make(map[string]common.Address),
	}
}

func (s *MemoryStore) Apply(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putAction(c.Action)
	if c.Cdp != nil {
		s.putCdp(c.Cdp)
	}
	if c.Stats != nil {
		s.putStats(*c.Stats)
	}
	if c.Owner != nil {
		s.owners[model.OwnerKey(*c.Owner)] = *c.Owner
	}
	return nil
}

func (s *MemoryStore) GetCdp(_ context.Context, id string) (*model.Cdp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cdps[id]
	if !ok {
		return nil, fmt.Errorf("cdp %s: %w", id, ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) SaveCdp(_ context.Context, c *model.Cdp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCdp(c)
	return nil
}

func (s *MemoryStore) putCdp(c *model.Cdp) {
	// Store a copy to avoid external mutation.
	copy := *c
	s.cdps[c.ID] = &copy
}

func (s *MemoryStore) ListCdps(_ context.Context, owner *common.Address) ([]model.Cdp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cdps := make([]model.Cdp, 0, len(s.cdps))
	for _, c := range s.cdps {
		if owner != nil && c.Owner != *owner {
			continue
		}
		cdps = append(cdps, *c)
	}
	sort.Slice(cdps, func(i, j int) bool {
		if cdps[i].CreatedAtBlock != cdps[j].CreatedAtBlock {
			return cdps[i].CreatedAtBlock < cdps[j].CreatedAtBlock
		}
		return cdps[i].ID < cdps[j].ID
	})
	return cdps, nil
}

func (s *MemoryStore) GetAction(_ context.Context, id string) (*model.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) SaveAction(_ context.Context, a *model.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAction(a)
	return nil
}

func (s *MemoryStore) putAction(a *model.Action) {
	if _, exists := s.actions[a.ID]; exists {
		return
	}
	copy := *a
	s.actions[a.ID] = &copy
}

func (s *MemoryStore) ListActionsByCdp(_ context.Context, cdpID string) ([]model.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Action
	for _, a := range s.actions {
		if a.Cdp != nil && *a.Cdp == cdpID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Block != result[j].Block {
			return result[i].Block < result[j].Block
		}
		return result[i].LogIndex < result[j].LogIndex
	})
	return result, nil
}

func (s *MemoryStore) GetPriceSnapshot(_ context.Context, asset model.Asset, block uint64) (*model.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[priceKey{asset, block}]
	if !ok {
		return nil, fmt.Errorf("%s price at block %d: %w", asset, block, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) SavePriceSnapshot(_ context.Context, p *model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := priceKey{p.Asset, p.Block}
	if _, exists := s.prices[key]; exists {
		return nil
	}
	copy := *p
	s.prices[key] = &copy
	return nil
}

func (s *MemoryStore) GetStats(_ context.Context) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stats == nil {
		return model.NewStats(), nil
	}
	return *s.stats, nil
}

func (s *MemoryStore) SaveStats(_ context.Context, st model.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putStats(st)
	return nil
}

func (s *MemoryStore) putStats(st model.Stats) {
	s.stats = &st
}

func (s *MemoryStore) HasOwner(_ context.Context, addr common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.owners[model.OwnerKey(addr)]
	return ok, nil
}

func (s *MemoryStore) ListOwners(_ context.Context) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.owners))
	for k := range s.owners {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	owners := make([]common.Address, len(keys))
	for i, k := range keys {
		owners[i] = s.owners[k]
	}
	return owners, nil
}

// Counts reports how many positions, actions and price snapshots are held.
// Intended for tests.
func (s *MemoryStore) Counts() (cdps, actions, prices int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cdps), len(s.actions), len(s.prices)
}
