package indexer

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-indexer/internal/model"
)

// RatioScale is the number of fractional digits kept in the
// collateralization ratio.
const RatioScale int32 = 18

// Block is the ordering context of one log, supplied by the feed.
type Block struct {
	Number    uint64
	Timestamp time.Time
	TxHash    common.Hash
	LogIndex  uint
}

// Event is a decoded log, ready to be applied.
type Event struct {
	Type   model.ActionType
	CdpID  string
	Sender common.Address
	Target common.Address  // GIVE
	Amount decimal.Decimal // LOCK, FREE, DRAW, WIPE
	Block  Block

	// NewOwner is set on OPEN when Sender has not owned a position before.
	NewOwner bool
}

// Transition applies ev to cdp in place and returns the updated aggregate.
// For OPEN, cdp must be a fresh record carrying only its ID.
//
// Balances are not guarded against underflow: a FREE or WIPE larger than
// the balance leaves a negative value, mirroring the chain.
func Transition(ev Event, cdp *model.Cdp, stats model.Stats) model.Stats {
	switch ev.Type {
	case model.ActionOpen:
		cdp.Owner = ev.Sender
		cdp.Debt = decimal.Zero
		cdp.Collateral = decimal.Zero
		cdp.CollateralUsd = decimal.Zero
		cdp.Ratio = decimal.Zero
		cdp.Created = ev.Block.Timestamp
		cdp.CreatedAtBlock = ev.Block.Number
		cdp.CreatedAtTransaction = ev.Block.TxHash

		stats.CdpCount++
		stats.OpenCdpCount++
		if ev.NewOwner {
			stats.OwnerCount++
		}

	case model.ActionGive:
		cdp.Owner = ev.Target

	case model.ActionLock:
		cdp.Collateral = cdp.Collateral.Add(ev.Amount)
		stats.TotalCollateral = stats.TotalCollateral.Add(ev.Amount)

	case model.ActionFree:
		cdp.Collateral = cdp.Collateral.Sub(ev.Amount)
		stats.TotalCollateral = stats.TotalCollateral.Sub(ev.Amount)

	case model.ActionDraw:
		cdp.Debt = cdp.Debt.Add(ev.Amount)
		stats.TotalDebt = stats.TotalDebt.Add(ev.Amount)

	case model.ActionWipe:
		cdp.Debt = cdp.Debt.Sub(ev.Amount)
		stats.TotalDebt = stats.TotalDebt.Sub(ev.Amount)

	case model.ActionBite:
		// TODO: compute the collateral seized by the liquidation; until then
		// the position keeps its collateral while the aggregate drops it.
		stats.TotalCollateral = stats.TotalCollateral.Sub(cdp.Collateral)
		stats.TotalDebt = stats.TotalDebt.Sub(cdp.Debt)
		stats.OpenCdpCount--
		cdp.Debt = decimal.Zero

	case model.ActionShut:
		stats.TotalCollateral = stats.TotalCollateral.Sub(cdp.Collateral)
		stats.TotalDebt = stats.TotalDebt.Sub(cdp.Debt)
		stats.OpenCdpCount--
		closed := ev.Block.Timestamp
		cdp.Closed = &closed
		cdp.Debt = decimal.Zero
		cdp.Collateral = decimal.Zero
	}

	if ev.Block.Number >= stats.LastBlock {
		stats.LastBlock = ev.Block.Number
		stats.LastTimestamp = ev.Block.Timestamp
	}
	return stats
}

// Revalue records the prices on cdp and recomputes its valuation.
// Without a valid reference price, CollateralUsd and Ratio keep their
// previous values.
func Revalue(cdp *model.Cdp, ethPrice, mkrPrice decimal.NullDecimal) {
	if mkrPrice.Valid {
		cdp.MkrPrice = mkrPrice
	}
	if !ethPrice.Valid {
		return
	}
	cdp.EthPrice = ethPrice
	cdp.CollateralUsd = cdp.Collateral.Mul(ethPrice.Decimal)
	cdp.Ratio = CollateralRatio(cdp.CollateralUsd, cdp.Debt)
}

// CollateralRatio returns collateralValue / debt, or zero when debt is zero.
func CollateralRatio(collateralValue, debt decimal.Decimal) decimal.Decimal {
	if debt.IsZero() {
		return decimal.Zero
	}
	return collateralValue.DivRound(debt, RatioScale)
}
