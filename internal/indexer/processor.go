// Package indexer applies ordered CDP log events to the derived position,
// action, price and aggregate records.
//
// Events must be delivered one at a time in chain order. Transitions on the
// same position do not commute, so the processor is not safe to drive from
// more than one goroutine.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-indexer/internal/codec"
	"github.com/atmx/cdp-indexer/internal/metrics"
	"github.com/atmx/cdp-indexer/internal/model"
	"github.com/atmx/cdp-indexer/internal/store"
)

// wordSize is the width of one ABI-encoded log word.
const wordSize = 32

var (
	// ErrUnknownAction is returned for logs whose action type is not one
	// of the eight CDP actions.
	ErrUnknownAction = errors.New("indexer: unknown action type")

	// ErrWordLength is wrapped by a DecodeError when a parameter is wider
	// than one log word.
	ErrWordLength = errors.New("indexer: parameter wider than 32 bytes")
)

// Log is one raw CDP log as delivered by the feed. Field names follow the
// contract: Foo is the position id (cup), Guy the sender (lad), Bar the
// type-specific payload.
type Log struct {
	Action model.ActionType
	Foo    []byte
	Guy    []byte
	Bar    []byte
	Block  Block
}

// DecodeError reports a malformed log parameter. It is fatal for the one
// event only; the stream should carry on.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("indexer: decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode converts the raw parameters of lg into an Event.
func Decode(lg Log) (Event, error) {
	ev := Event{Type: lg.Action, Block: lg.Block}

	if len(lg.Foo) > wordSize {
		return Event{}, &DecodeError{Field: "foo", Err: ErrWordLength}
	}
	ev.CdpID = codec.DecodeID(lg.Foo)

	sender, err := codec.DecodeAddress(lg.Guy)
	if err != nil {
		return Event{}, &DecodeError{Field: "guy", Err: err}
	}
	ev.Sender = sender

	switch {
	case lg.Action == model.ActionGive:
		target, err := codec.DecodeAddress(lg.Bar)
		if err != nil {
			return Event{}, &DecodeError{Field: "bar", Err: err}
		}
		ev.Target = target
	case lg.Action.HasAmount():
		if len(lg.Bar) > wordSize {
			return Event{}, &DecodeError{Field: "bar", Err: ErrWordLength}
		}
		ev.Amount = codec.DecodeWad(lg.Bar)
	}
	return ev, nil
}

// Notifier is told about every position change. Implementations must not
// block.
type Notifier interface {
	CdpUpdated(cdp *model.Cdp, action *model.Action)
}

// Result describes the outcome of processing one log.
type Result struct {
	ActionID  string
	Duplicate bool // action already recorded; nothing changed
	Orphan    bool // position unknown; only the action was recorded
	Cdp       *model.Cdp
	Stats     model.Stats
}

// Processor is the state-transition engine.
type Processor struct {
	store    store.Store
	prices   *PriceCache
	notifier Notifier
	logger   *slog.Logger
}

// NewProcessor creates a processor. Pass nil for notifier if updates do
// not need to be pushed anywhere.
func NewProcessor(st store.Store, prices *PriceCache, notifier Notifier, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    st,
		prices:   prices,
		notifier: notifier,
		logger:   logger,
	}
}

// Process applies one log. Replays of an already recorded
// (transaction, action type) pair are skipped without error.
func (p *Processor) Process(ctx context.Context, lg Log) (Result, error) {
	start := time.Now()

	if !lg.Action.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, lg.Action)
	}

	actionID := model.ActionID(lg.Block.TxHash, lg.Action)
	res := Result{ActionID: actionID}

	// Idempotence: at most one action per (transaction, type).
	if _, err := p.store.GetAction(ctx, actionID); err == nil {
		metrics.EventsDuplicate.WithLabelValues(string(lg.Action)).Inc()
		p.logger.Debug("duplicate event skipped", "action", actionID)
		res.Duplicate = true
		return res, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("check action %s: %w", actionID, err)
	}

	ev, err := Decode(lg)
	if err != nil {
		metrics.DecodeFailures.Inc()
		return Result{}, err
	}

	ethPrice, err := p.prices.EthPrice(ctx, ev.Block.Number, ev.Block.Timestamp)
	if err != nil {
		return Result{}, err
	}
	mkrPrice, err := p.prices.MkrPrice(ctx, ev.Block.Number, ev.Block.Timestamp)
	if err != nil {
		return Result{}, err
	}

	cdp, err := p.loadCdp(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	action := newAction(actionID, ev, ethPrice, mkrPrice)

	if cdp == nil {
		if err := p.store.Apply(ctx, store.Commit{Action: action}); err != nil {
			return Result{}, err
		}
		metrics.OrphanActions.WithLabelValues(string(ev.Type)).Inc()
		p.logger.Warn("action for unknown cdp",
			"cdp", ev.CdpID,
			"action", actionID,
			"block", ev.Block.Number,
		)
		res.Orphan = true
		return res, nil
	}

	// Every read precedes the single Apply; a failed Apply leaves no action
	// behind to mark the event as seen.
	stats, err := p.store.GetStats(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load stats: %w", err)
	}
	var owner *common.Address
	if ev.Type == model.ActionOpen {
		known, err := p.store.HasOwner(ctx, ev.Sender)
		if err != nil {
			return Result{}, err
		}
		ev.NewOwner = !known
		owner = &ev.Sender
	}

	id := cdp.ID
	action.Cdp = &id

	stats = Transition(ev, cdp, stats)
	Revalue(cdp, ethPrice, mkrPrice)

	cdp.LatestAction = action.ID
	cdp.Modified = action.Timestamp
	cdp.ModifiedAtBlock = action.Block
	cdp.ModifiedAtTransaction = action.TransactionHash

	if err := p.store.Apply(ctx, store.Commit{
		Action: action,
		Cdp:    cdp,
		Stats:  &stats,
		Owner:  owner,
	}); err != nil {
		return Result{}, err
	}

	metrics.EventsProcessed.WithLabelValues(string(ev.Type)).Inc()
	metrics.ProcessLatency.WithLabelValues(string(ev.Type)).Observe(time.Since(start).Seconds())
	metrics.OpenCdps.Set(float64(stats.OpenCdpCount))
	metrics.LastBlock.Set(float64(stats.LastBlock))

	p.logger.Info("cdp updated",
		"cdp", cdp.ID,
		"type", ev.Type,
		"block", ev.Block.Number,
		"debt", cdp.Debt.String(),
		"collateral", cdp.Collateral.String(),
		"ratio", cdp.Ratio.String(),
	)

	if p.notifier != nil {
		p.notifier.CdpUpdated(cdp, action)
	}

	res.Cdp = cdp
	res.Stats = stats
	return res, nil
}

// loadCdp returns the position ev refers to, a fresh record for OPEN, or
// nil when the position was never opened.
func (p *Processor) loadCdp(ctx context.Context, ev Event) (*model.Cdp, error) {
	if ev.Type == model.ActionOpen {
		return &model.Cdp{ID: ev.CdpID}, nil
	}
	cdp, err := p.store.GetCdp(ctx, ev.CdpID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cdp %s: %w", ev.CdpID, err)
	}
	return cdp, nil
}

func newAction(id string, ev Event, ethPrice, mkrPrice decimal.NullDecimal) *model.Action {
	a := &model.Action{
		ID:              id,
		Type:            ev.Type,
		Sender:          ev.Sender,
		Block:           ev.Block.Number,
		LogIndex:        ev.Block.LogIndex,
		Timestamp:       ev.Block.Timestamp,
		TransactionHash: ev.Block.TxHash,
		EthPrice:        ethPrice,
		MkrPrice:        mkrPrice,
	}
	switch {
	case ev.Type == model.ActionGive:
		target := ev.Target
		a.Target = &target
	case ev.Type.HasAmount():
		a.Amount = decimal.NewNullDecimal(ev.Amount)
	}
	return a
}
