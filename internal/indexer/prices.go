package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-indexer/internal/codec"
	"github.com/atmx/cdp-indexer/internal/metrics"
	"github.com/atmx/cdp-indexer/internal/model"
	"github.com/atmx/cdp-indexer/internal/oracle"
	"github.com/atmx/cdp-indexer/internal/store"
)

// PriceCache memoizes oracle prices per (asset, block) in the store.
// A valid price is read from the oracle at most once per block; a missing
// price is never cached, so the next lookup for that block asks again.
type PriceCache struct {
	store  store.Store
	feeds  map[model.Asset]oracle.Reader
	logger *slog.Logger
}

// NewPriceCache creates a price cache over the ETH (pip) and MKR (pep) feeds.
// A nil reader means the asset never has a price.
func NewPriceCache(st store.Store, eth, mkr oracle.Reader, logger *slog.Logger) *PriceCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceCache{
		store: st,
		feeds: map[model.Asset]oracle.Reader{
			model.AssetETH: eth,
			model.AssetMKR: mkr,
		},
		logger: logger,
	}
}

// EthPrice returns the reference asset price at block.
func (c *PriceCache) EthPrice(ctx context.Context, block uint64, ts time.Time) (decimal.NullDecimal, error) {
	return c.Price(ctx, model.AssetETH, block, ts)
}

// MkrPrice returns the governance token price at block.
func (c *PriceCache) MkrPrice(ctx context.Context, block uint64, ts time.Time) (decimal.NullDecimal, error) {
	return c.Price(ctx, model.AssetMKR, block, ts)
}

// Price returns the price of asset at block, or an invalid NullDecimal when
// the oracle has none. Only store failures are returned as errors; oracle
// failures degrade to "no price".
func (c *PriceCache) Price(ctx context.Context, asset model.Asset, block uint64, ts time.Time) (decimal.NullDecimal, error) {
	snap, err := c.store.GetPriceSnapshot(ctx, asset, block)
	if err == nil {
		return decimal.NewNullDecimal(snap.Value), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return decimal.NullDecimal{}, fmt.Errorf("load %s price: %w", asset, err)
	}

	feed := c.feeds[asset]
	if feed == nil {
		return c.missing(asset, block, nil), nil
	}

	metrics.OracleReads.WithLabelValues(string(asset)).Inc()
	raw, ok, err := feed.Peek(ctx, block)
	if err != nil || !ok {
		return c.missing(asset, block, err), nil
	}

	snap = &model.PriceSnapshot{
		Asset:     asset,
		Block:     block,
		Timestamp: ts,
		Value:     codec.DecodeWad(raw),
	}
	if err := c.store.SavePriceSnapshot(ctx, snap); err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("save %s price: %w", asset, err)
	}
	return decimal.NewNullDecimal(snap.Value), nil
}

func (c *PriceCache) missing(asset model.Asset, block uint64, err error) decimal.NullDecimal {
	metrics.PriceMissing.WithLabelValues(string(asset)).Inc()
	attrs := []any{"asset", asset, "block", block}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	c.logger.Warn("no price available", attrs...)
	return decimal.NullDecimal{}
}
