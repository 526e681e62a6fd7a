// Package history reads the indexed chain history used to warm the monitors
// on startup.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chainwatch/internal/borrowers"
	"chainwatch/internal/chain"
	"chainwatch/internal/config"
	"chainwatch/internal/oracle"
)

var (
	// ErrNotConfigured indicates the history pool was not initialised.
	ErrNotConfigured = errors.New("history: pool not configured")
)

const (
	listBorrowersSQL = `SELECT DISTINCT
        contract,
        topic2
    FROM logs
    WHERE topic0 = $1;`

	latestOraclePricesSQL = `SELECT
        args->>'key' AS pair,
        ((args->>'value')::numeric / 10^8)::float8 AS latest_value,
        (args->>'timestamp')::bigint AS latest_timestamp,
        block_number AS latest_block_number
    FROM logs AS l1
    WHERE event_name = 'OracleUpdate'
      AND block_number = (
        SELECT MAX(block_number)
        FROM logs AS l2
        WHERE l2.event_name = 'OracleUpdate'
          AND l2.args->>'key' = l1.args->>'key'
      )
    ORDER BY pair;`
)

// Querier is the subset of a pgx pool the store needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store answers historical queries.
type Store struct {
	db   Querier
	pool *pgxpool.Pool
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.HistoryConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, ErrNotConfigured
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse history dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return pool, nil
}

// Open connects to the history database.
func Open(ctx context.Context, cfg config.HistoryConfig) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: pool, pool: pool}, nil
}

// NewStore wraps an existing querier.
func NewStore(db Querier) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getDB() (Querier, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// Borrowers lists every (pool, account) pair that ever borrowed.
func (s *Store) Borrowers(ctx context.Context) ([]borrowers.Position, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	topic := chain.LendingPoolABI.Events["Borrow"].ID.Hex()
	rows, queryErr := db.Query(ctx, listBorrowersSQL, topic)
	if queryErr != nil {
		return nil, fmt.Errorf("list borrowers: %w", queryErr)
	}
	defer rows.Close()

	positions := make([]borrowers.Position, 0)
	for rows.Next() {
		var contract, account string
		if scanErr := rows.Scan(&contract, &account); scanErr != nil {
			return nil, fmt.Errorf("scan borrower: %w", scanErr)
		}
		if !common.IsHexAddress(contract) {
			continue
		}
		positions = append(positions, borrowers.Position{
			Pool: common.HexToAddress(contract),
			User: common.HexToAddress(strings.TrimSpace(account)),
		})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return positions, nil
}

// LatestOraclePrices returns the newest OracleUpdate per key.
func (s *Store) LatestOraclePrices(ctx context.Context) ([]oracle.Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, latestOraclePricesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("latest oracle prices: %w", queryErr)
	}
	defer rows.Close()

	observations := make([]oracle.Observation, 0)
	for rows.Next() {
		var (
			obs   oracle.Observation
			block int64
		)
		if scanErr := rows.Scan(&obs.Key, &obs.Value, &obs.Timestamp, &block); scanErr != nil {
			return nil, fmt.Errorf("scan oracle price: %w", scanErr)
		}
		if block > 0 {
			obs.Block = uint64(block)
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

var (
	_ borrowers.Source = (*Store)(nil)
	_ oracle.Source    = (*Store)(nil)
)
