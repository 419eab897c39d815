package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-indexer/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Apply writes one event's records in a single transaction.
func (s *PostgresStore) Apply(ctx context.Context, c Commit) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := saveAction(ctx, tx, c.Action); err != nil {
			return err
		}
		if c.Cdp != nil {
			if err := saveCdp(ctx, tx, c.Cdp); err != nil {
				return err
			}
		}
		if c.Stats != nil {
			if err := saveStats(ctx, tx, *c.Stats); err != nil {
				return err
			}
		}
		if c.Owner != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO cdp_owners (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`,
				model.OwnerKey(*c.Owner)); err != nil {
				return fmt.Errorf("save owner %s: %w", c.Owner.Hex(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply %s: %w", c.Action.ID, err)
	}
	return nil
}

const cdpColumns = `id, owner,
	debt::TEXT, collateral::TEXT, collateral_usd::TEXT, ratio::TEXT,
	eth_price::TEXT, mkr_price::TEXT,
	created, created_at_block, created_at_transaction,
	modified, modified_at_block, modified_at_transaction,
	latest_action, closed`

func (s *PostgresStore) GetCdp(ctx context.Context, id string) (*model.Cdp, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cdpColumns+` FROM cdps WHERE id = $1`, id)
	c, err := scanCdp(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cdp %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cdp %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) SaveCdp(ctx context.Context, c *model.Cdp) error {
	return saveCdp(ctx, s.pool, c)
}

func saveCdp(ctx context.Context, db execer, c *model.Cdp) error {
	_, err := db.Exec(ctx,
		`INSERT INTO cdps (id, owner, debt, collateral, collateral_usd, ratio,
		                   eth_price, mkr_price,
		                   created, created_at_block, created_at_transaction,
		                   modified, modified_at_block, modified_at_transaction,
		                   latest_action, closed)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC,
		         $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		     owner = EXCLUDED.owner,
		     debt = EXCLUDED.debt,
		     collateral = EXCLUDED.collateral,
		     collateral_usd = EXCLUDED.collateral_usd,
		     ratio = EXCLUDED.ratio,
		     eth_price = EXCLUDED.eth_price,
		     mkr_price = EXCLUDED.mkr_price,
		     modified = EXCLUDED.modified,
		     modified_at_block = EXCLUDED.modified_at_block,
		     modified_at_transaction = EXCLUDED.modified_at_transaction,
		     latest_action = EXCLUDED.latest_action,
		     closed = EXCLUDED.closed`,
		c.ID, c.Owner.Hex(),
		c.Debt.String(), c.Collateral.String(), c.CollateralUsd.String(), c.Ratio.String(),
		nullDecimalArg(c.EthPrice), nullDecimalArg(c.MkrPrice),
		c.Created, int64(c.CreatedAtBlock), c.CreatedAtTransaction.Hex(),
		c.Modified, int64(c.ModifiedAtBlock), c.ModifiedAtTransaction.Hex(),
		c.LatestAction, c.Closed,
	)
	if err != nil {
		return fmt.Errorf("save cdp %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListCdps(ctx context.Context, owner *common.Address) ([]model.Cdp, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if owner != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+cdpColumns+` FROM cdps WHERE owner = $1 ORDER BY created_at_block, id`, owner.Hex())
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+cdpColumns+` FROM cdps ORDER BY created_at_block, id`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cdps []model.Cdp
	for rows.Next() {
		c, err := scanCdp(rows)
		if err != nil {
			return nil, err
		}
		cdps = append(cdps, *c)
	}
	return cdps, rows.Err()
}

const actionColumns = `id, type, cdp_id, sender, target, amount::TEXT,
	block, log_index, timestamp, transaction_hash,
	eth_price::TEXT, mkr_price::TEXT`

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*model.Action, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM cdp_actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get action %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) SaveAction(ctx context.Context, a *model.Action) error {
	return saveAction(ctx, s.pool, a)
}

func saveAction(ctx context.Context, db execer, a *model.Action) error {
	var target *string
	if a.Target != nil {
		hex := a.Target.Hex()
		target = &hex
	}
	_, err := db.Exec(ctx,
		`INSERT INTO cdp_actions (id, type, cdp_id, sender, target, amount,
		                          block, log_index, timestamp, transaction_hash,
		                          eth_price, mkr_price)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11::NUMERIC, $12::NUMERIC)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, string(a.Type), a.Cdp, a.Sender.Hex(), target, nullDecimalArg(a.Amount),
		int64(a.Block), int32(a.LogIndex), a.Timestamp, a.TransactionHash.Hex(),
		nullDecimalArg(a.EthPrice), nullDecimalArg(a.MkrPrice),
	)
	if err != nil {
		return fmt.Errorf("save action %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListActionsByCdp(ctx context.Context, cdpID string) ([]model.Action, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+actionColumns+` FROM cdp_actions WHERE cdp_id = $1 ORDER BY block, log_index`, cdpID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

func (s *PostgresStore) GetPriceSnapshot(ctx context.Context, asset model.Asset, block uint64) (*model.PriceSnapshot, error) {
	var p model.PriceSnapshot
	var assetS, valueS string
	var blockN int64

	err := s.pool.QueryRow(ctx,
		`SELECT asset, block, timestamp, value::TEXT
		 FROM price_snapshots WHERE asset = $1 AND block = $2`,
		string(asset), int64(block)).
		Scan(&assetS, &blockN, &p.Timestamp, &valueS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s price at block %d: %w", asset, block, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s price at block %d: %w", asset, block, err)
	}

	p.Asset = model.Asset(assetS)
	p.Block = uint64(blockN)
	p.Value, _ = decimal.NewFromString(valueS)
	return &p, nil
}

func (s *PostgresStore) SavePriceSnapshot(ctx context.Context, p *model.PriceSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_snapshots (asset, block, timestamp, value)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (asset, block) DO NOTHING`,
		string(p.Asset), int64(p.Block), p.Timestamp, p.Value.String(),
	)
	if err != nil {
		return fmt.Errorf("save %s price at block %d: %w", p.Asset, p.Block, err)
	}
	return nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (model.Stats, error) {
	st := model.NewStats()
	var cdpCount, ownerCount, lastBlock int64
	var collateralS, debtS string

	err := s.pool.QueryRow(ctx,
		`SELECT cdp_count, open_cdp_count, total_collateral::TEXT, total_debt::TEXT,
		        owner_count, last_block, last_timestamp
		 FROM cdp_stats WHERE id = $1`, model.StatsID).
		Scan(&cdpCount, &st.OpenCdpCount, &collateralS, &debtS,
			&ownerCount, &lastBlock, &st.LastTimestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewStats(), nil
	}
	if err != nil {
		return model.Stats{}, fmt.Errorf("get stats: %w", err)
	}

	st.CdpCount = uint64(cdpCount)
	st.OwnerCount = uint64(ownerCount)
	st.LastBlock = uint64(lastBlock)
	st.TotalCollateral, _ = decimal.NewFromString(collateralS)
	st.TotalDebt, _ = decimal.NewFromString(debtS)
	return st, nil
}

func (s *PostgresStore) SaveStats(ctx context.Context, st model.Stats) error {
	return saveStats(ctx, s.pool, st)
}

func saveStats(ctx context.Context, db execer, st model.Stats) error {
	_, err := db.Exec(ctx,
		`INSERT INTO cdp_stats (id, cdp_count, open_cdp_count, total_collateral, total_debt,
		                        owner_count, last_block, last_timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		     cdp_count = EXCLUDED.cdp_count,
		     open_cdp_count = EXCLUDED.open_cdp_count,
		     total_collateral = EXCLUDED.total_collateral,
		     total_debt = EXCLUDED.total_debt,
		     owner_count = EXCLUDED.owner_count,
		     last_block = EXCLUDED.last_block,
		     last_timestamp = EXCLUDED.last_timestamp`,
		model.StatsID, int64(st.CdpCount), st.OpenCdpCount,
		st.TotalCollateral.String(), st.TotalDebt.String(),
		int64(st.OwnerCount), int64(st.LastBlock), st.LastTimestamp,
	)
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasOwner(ctx context.Context, addr common.Address) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cdp_owners WHERE address = $1)`,
		model.OwnerKey(addr)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check owner %s: %w", addr.Hex(), err)
	}
	return exists, nil
}

func (s *PostgresStore) ListOwners(ctx context.Context) ([]common.Address, error) {
	rows, err := s.pool.Query(ctx, `SELECT address FROM cdp_owners ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []common.Address
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, err
		}
		owners = append(owners, common.HexToAddress(hex))
	}
	return owners, rows.Err()
}

// scanCdp reads one cdps row selected with cdpColumns.
func scanCdp(row pgx.Row) (*model.Cdp, error) {
	var c model.Cdp
	var owner, createdTx, modifiedTx string
	var debtS, collS, collUsdS, ratioS string
	var ethS, mkrS *string
	var createdBlock, modifiedBlock int64
	var closed *time.Time

	if err := row.Scan(&c.ID, &owner,
		&debtS, &collS, &collUsdS, &ratioS,
		&ethS, &mkrS,
		&c.Created, &createdBlock, &createdTx,
		&c.Modified, &modifiedBlock, &modifiedTx,
		&c.LatestAction, &closed); err != nil {
		return nil, err
	}

	c.Owner = common.HexToAddress(owner)
	c.Debt, _ = decimal.NewFromString(debtS)
	c.Collateral, _ = decimal.NewFromString(collS)
	c.CollateralUsd, _ = decimal.NewFromString(collUsdS)
	c.Ratio, _ = decimal.NewFromString(ratioS)
	c.EthPrice = parseNullDecimal(ethS)
	c.MkrPrice = parseNullDecimal(mkrS)
	c.CreatedAtBlock = uint64(createdBlock)
	c.CreatedAtTransaction = common.HexToHash(createdTx)
	c.ModifiedAtBlock = uint64(modifiedBlock)
	c.ModifiedAtTransaction = common.HexToHash(modifiedTx)
	c.Closed = closed
	return &c, nil
}

// scanAction reads one cdp_actions row selected with actionColumns.
func scanAction(row pgx.Row) (*model.Action, error) {
	var a model.Action
	var typ, sender, txHash string
	var target, amountS, ethS, mkrS *string
	var block int64
	var logIndex int32

	if err := row.Scan(&a.ID, &typ, &a.Cdp, &sender, &target, &amountS,
		&block, &logIndex, &a.Timestamp, &txHash,
		&ethS, &mkrS); err != nil {
		return nil, err
	}

	a.Type = model.ActionType(typ)
	a.Sender = common.HexToAddress(sender)
	if target != nil {
		addr := common.HexToAddress(*target)
		a.Target = &addr
	}
	a.Amount = parseNullDecimal(amountS)
	a.Block = uint64(block)
	a.LogIndex = uint(logIndex)
	a.TransactionHash = common.HexToHash(txHash)
	a.EthPrice = parseNullDecimal(ethS)
	a.MkrPrice = parseNullDecimal(mkrS)
	return &a, nil
}

// nullDecimalArg maps an optional decimal to a nullable NUMERIC argument.
func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
