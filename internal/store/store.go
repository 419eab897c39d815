// Package store defines the persistence interface for the indexer.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/cdp-indexer/internal/model"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Commit is everything one event writes. Cdp and Stats are nil for an
// action on an unknown position; Owner is set on OPEN.
type Commit struct {
	Action *model.Action
	Cdp    *model.Cdp
	Stats  *model.Stats
	Owner  *common.Address
}

// Store is the persistence interface. Every Save is an upsert and is
// visible to the next read. Apply is the only multi-record write.
type Store interface {
	// Apply writes all records of c or none of them. The action is
	// inserted only if absent and the owner is added to the owner set.
	Apply(ctx context.Context, c Commit) error

	// --- Positions ---

	// GetCdp retrieves a position by id.
	GetCdp(ctx context.Context, id string) (*model.Cdp, error)

	// SaveCdp inserts or replaces a position.
	SaveCdp(ctx context.Context, cdp *model.Cdp) error

	// ListCdps returns positions ordered by creation block, optionally
	// filtered by current owner.
	ListCdps(ctx context.Context, owner *common.Address) ([]model.Cdp, error)

	// --- Append-only actions ---

	// GetAction retrieves an action by its composite id.
	GetAction(ctx context.Context, id string) (*model.Action, error)

	// SaveAction persists an action. Actions are immutable; saving an
	// existing id is a no-op.
	SaveAction(ctx context.Context, action *model.Action) error

	// ListActionsByCdp returns a position's history in chain order.
	ListActionsByCdp(ctx context.Context, cdpID string) ([]model.Action, error)

	// --- Price snapshots ---

	// GetPriceSnapshot retrieves the price of asset at block.
	GetPriceSnapshot(ctx context.Context, asset model.Asset, block uint64) (*model.PriceSnapshot, error)

	// SavePriceSnapshot persists a price. Saving an existing (asset, block)
	// is a no-op.
	SavePriceSnapshot(ctx context.Context, snap *model.PriceSnapshot) error

	// --- Aggregate ---

	// GetStats returns the aggregate record, or a fresh one if none exists.
	GetStats(ctx context.Context) (model.Stats, error)

	// SaveStats replaces the aggregate record.
	SaveStats(ctx context.Context, stats model.Stats) error

	// --- Owner set ---

	// HasOwner reports whether addr has ever opened a position.
	HasOwner(ctx context.Context, addr common.Address) (bool, error)

	// ListOwners returns the distinct owner set in ascending hex order.
	ListOwners(ctx context.Context) ([]common.Address, error)
}
