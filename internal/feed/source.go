package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/cdp-indexer/internal/indexer"
)

// headerFetchLimit bounds concurrent header requests per batch.
const headerFetchLimit = 8

// Chain is the subset of ethclient.Client the source needs.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Processor consumes decoded logs.
type Processor interface {
	Process(ctx context.Context, lg indexer.Log) (indexer.Result, error)
}

// Options controls how the source walks the chain.
type Options struct {
	BatchSize     uint64        // blocks per eth_getLogs request
	Confirmations uint64        // blocks to stay behind head
	PollInterval  time.Duration // wait between polls once caught up
}

// Source polls the CDP contract for logs and feeds them to a Processor one
// at a time, ordered by (block, log index).
type Source struct {
	chain  Chain
	tub    common.Address
	proc   Processor
	opts   Options
	logger *slog.Logger
}

// NewSource creates a source over the contract at tub.
func NewSource(chain Chain, tub common.Address, proc Processor, opts Options, logger *slog.Logger) *Source {
	if opts.BatchSize == 0 {
		opts.BatchSize = 1000
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		chain:  chain,
		tub:    tub,
		proc:   proc,
		opts:   opts,
		logger: logger.With("component", "feed"),
	}
}

// ResumeBlock returns the first block to scan. The last applied block is
// scanned again; replayed events are absorbed by the processor.
func ResumeBlock(startBlock, lastBlock uint64) uint64 {
	if lastBlock > startBlock {
		return lastBlock
	}
	return startBlock
}

// Run syncs from block next until ctx is cancelled.
func (s *Source) Run(ctx context.Context, next uint64) error {
	s.logger.Info("feed starting", "from", next, "tub", s.tub.Hex())
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		n, err := s.Sync(ctx, next)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("sync failed", "from", next, "err", err)
		}
		next = n

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sync processes every confirmed block from next up to the current safe
// head and returns the next block to scan. On error the returned block is
// the first one not fully processed.
func (s *Source) Sync(ctx context.Context, next uint64) (uint64, error) {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return next, fmt.Errorf("block number: %w", err)
	}
	if head < s.opts.Confirmations {
		return next, nil
	}
	safe := head - s.opts.Confirmations

	for next <= safe {
		to := next + s.opts.BatchSize - 1
		if to > safe {
			to = safe
		}
		if err := s.syncRange(ctx, next, to); err != nil {
			return next, err
		}
		next = to + 1
	}
	return next, nil
}

func (s *Source) syncRange(ctx context.Context, from, to uint64) error {
	logs, err := s.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.tub},
	})
	if err != nil {
		return fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	live := logs[:0]
	for _, lg := range logs {
		if !lg.Removed {
			live = append(live, lg)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].BlockNumber != live[j].BlockNumber {
			return live[i].BlockNumber < live[j].BlockNumber
		}
		return live[i].Index < live[j].Index
	})

	// Decode first so headers are only fetched for blocks with tracked logs.
	var pending []indexer.Log
	for _, raw := range live {
		lg, err := Decode(raw, time.Time{})
		if errors.Is(err, ErrUnrecognized) {
			continue
		}
		if err != nil {
			return err
		}
		pending = append(pending, lg)
	}

	times, err := s.blockTimes(ctx, pending)
	if err != nil {
		return err
	}

	for _, lg := range pending {
		lg.Block.Timestamp = times[lg.Block.Number]
		if _, err := s.proc.Process(ctx, lg); err != nil {
			var de *indexer.DecodeError
			if errors.As(err, &de) {
				s.logger.Warn("skipping malformed log",
					"block", lg.Block.Number,
					"tx", lg.Block.TxHash.Hex(),
					"index", lg.Block.LogIndex,
					"err", err,
				)
				continue
			}
			return fmt.Errorf("process %s at block %d: %w", lg.Action, lg.Block.Number, err)
		}
	}

	s.logger.Debug("range synced", "from", from, "to", to, "logs", len(live), "applied", len(pending))
	return nil
}

// blockTimes fetches the timestamp of every block that holds a log.
func (s *Source) blockTimes(ctx context.Context, logs []indexer.Log) (map[uint64]time.Time, error) {
	times := make(map[uint64]time.Time)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(headerFetchLimit)

	seen := make(map[uint64]bool)
	for _, lg := range logs {
		n := lg.Block.Number
		if seen[n] {
			continue
		}
		seen[n] = true

		g.Go(func() error {
			h, err := s.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
			if err != nil {
				return fmt.Errorf("header %d: %w", n, err)
			}
			mu.Lock()
			times[n] = time.Unix(int64(h.Time), 0).UTC()
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return times, nil
}
