// Package model defines the core domain types shared across the indexer.
// All amounts and prices use shopspring/decimal, never float64.
package model

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// StatsID is the well-known key of the protocol-wide aggregate record.
const StatsID = "0x0"

// WadScale is the number of fractional digits in on-chain fixed-point values.
const WadScale int32 = 18

// ActionType identifies the kind of state change applied to a CDP.
type ActionType string

const (
	ActionOpen ActionType = "OPEN"
	ActionGive ActionType = "GIVE"
	ActionLock ActionType = "LOCK"
	ActionFree ActionType = "FREE"
	ActionDraw ActionType = "DRAW"
	ActionWipe ActionType = "WIPE"
	ActionBite ActionType = "BITE"
	ActionShut ActionType = "SHUT"
)

// ActionTypes lists every action type in protocol order.
var ActionTypes = []ActionType{
	ActionOpen, ActionGive, ActionLock, ActionFree,
	ActionDraw, ActionWipe, ActionBite, ActionShut,
}

// Valid reports whether t is one of the eight known action types.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// HasAmount reports whether actions of this type carry a wad amount.
func (t ActionType) HasAmount() bool {
	switch t {
	case ActionLock, ActionFree, ActionDraw, ActionWipe:
		return true
	}
	return false
}

// Asset names a price feed tracked by the indexer.
type Asset string

const (
	// AssetETH is the reference (collateral) asset, read from the pip feed.
	AssetETH Asset = "ETH"
	// AssetMKR is the governance token, read from the pep feed.
	AssetMKR Asset = "MKR"
)

// Valid reports whether a is a tracked asset.
func (a Asset) Valid() bool {
	return a == AssetETH || a == AssetMKR
}

// Cdp is the derived state of one collateralized debt position.
// Records are never deleted; a shut position keeps its row with Closed set.
type Cdp struct {
	ID            string          `json:"id"`
	Owner         common.Address  `json:"owner"`
	Debt          decimal.Decimal `json:"debt"`
	Collateral    decimal.Decimal `json:"collateral"`
	CollateralUsd decimal.Decimal `json:"collateral_usd"`
	Ratio         decimal.Decimal `json:"ratio"` // 0 when debt is 0

	// Last valid prices seen by a transition on this position.
	EthPrice decimal.NullDecimal `json:"eth_price"`
	MkrPrice decimal.NullDecimal `json:"mkr_price"`

	Created              time.Time   `json:"created"`
	CreatedAtBlock       uint64      `json:"created_at_block"`
	CreatedAtTransaction common.Hash `json:"created_at_transaction"`

	Modified              time.Time   `json:"modified"`
	ModifiedAtBlock       uint64      `json:"modified_at_block"`
	ModifiedAtTransaction common.Hash `json:"modified_at_transaction"`

	LatestAction string     `json:"latest_action"`
	Closed       *time.Time `json:"closed,omitempty"`
}

// IsClosed reports whether the position has been shut.
func (c *Cdp) IsClosed() bool {
	return c.Closed != nil
}

// Action is an immutable record of one event applied to a CDP.
// The ID is "<tx hash>-<TYPE>", so a transaction records at most one action
// of each type.
type Action struct {
	ID     string         `json:"id"`
	Type   ActionType     `json:"type"`
	Cdp    *string        `json:"cdp"` // nil when the position was not found
	Sender common.Address `json:"sender"`

	// Payload: Target for GIVE, Amount for LOCK/FREE/DRAW/WIPE.
	Target *common.Address     `json:"target,omitempty"`
	Amount decimal.NullDecimal `json:"amount"`

	Block           uint64      `json:"block"`
	LogIndex        uint        `json:"log_index"`
	Timestamp       time.Time   `json:"timestamp"`
	TransactionHash common.Hash `json:"transaction_hash"`

	EthPrice decimal.NullDecimal `json:"eth_price"`
	MkrPrice decimal.NullDecimal `json:"mkr_price"`
}

// ActionID builds the composite key of an action.
func ActionID(txHash common.Hash, t ActionType) string {
	return txHash.Hex() + "-" + string(t)
}

// Value renders the type-specific payload as a string:
// the target address for GIVE, the amount for amount-bearing actions.
func (a *Action) Value() string {
	if a.Target != nil {
		return a.Target.Hex()
	}
	if a.Amount.Valid {
		return a.Amount.Decimal.String()
	}
	return ""
}

// PriceSnapshot is the price of one asset at one block.
// Created at most once per (asset, block) and never updated.
type PriceSnapshot struct {
	Asset     Asset           `json:"asset"`
	Block     uint64          `json:"block"`
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// Stats is the protocol-wide aggregate, stored under StatsID. The distinct
// owner set itself is kept by the store; only its size lives here.
type Stats struct {
	ID              string          `json:"id"`
	CdpCount        uint64          `json:"cdp_count"`
	OpenCdpCount    int64           `json:"open_cdp_count"`
	TotalCollateral decimal.Decimal `json:"total_collateral"`
	TotalDebt       decimal.Decimal `json:"total_debt"`
	OwnerCount      uint64          `json:"owner_count"`
	LastBlock       uint64          `json:"last_block"`
	LastTimestamp   time.Time       `json:"last_timestamp"`
}

// NewStats returns an empty aggregate record.
func NewStats() Stats {
	return Stats{ID: StatsID}
}

// OwnerKey is the canonical form of an owner address in the owner set:
// lowercase hex with the 0x prefix.
func OwnerKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
