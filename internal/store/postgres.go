package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx" for migrations.
	"github.com/pressly/goose/v3"

	"klinedb/internal/domain"
)

var _ Store = (*PostgresStore)(nil)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool. The pool is safe
// for concurrent use and shared by every loader; each LoadBatch holds one
// connection for the lifetime of its transaction.
type PostgresStore struct {
	pool      *pgxpool.Pool
	batchSize int
}

// NewPostgresStore migrates the database at dsn and opens a pool sized by
// opts.MaxConns.
func NewPostgresStore(ctx context.Context, dsn string, opts Options) (*PostgresStore, error) {
	if err := migratePostgres(ctx, dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresStore{pool: pool, batchSize: opts.batchSize()}, nil
}

func migratePostgres(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()
	return Migrate(ctx, db, goose.DialectPostgres)
}

// Close releases every pooled connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgInsertCandle = `INSERT INTO candles
	(symbol, "interval", open_time, open, high, low, close, num_trades, volume, taker_volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (symbol, "interval", open_time) DO NOTHING`

// LoadBatch inserts records inside one transaction, queuing them in
// pgx batches of batchSize rows.
func (s *PostgresStore) LoadBatch(ctx context.Context, records []domain.Candle, symbol, interval string) (int64, error) {
	if err := checkPartition(records, symbol, interval); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var inserted int64
	for i := 0; i < len(records); i += s.batchSize {
		j := min(i+s.batchSize, len(records))

		b := &pgx.Batch{}
		for _, c := range records[i:j] {
			b.Queue(pgInsertCandle, c.Symbol, c.Interval, c.OpenTime,
				c.Open, c.High, c.Low, c.Close, c.NumTrades, c.Volume, c.TakerVolume)
		}
		br := tx.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return 0, fmt.Errorf("%w: insert row %d of %s/%s: %v", ErrPersistence, k, symbol, interval, err)
			}
			inserted += tag.RowsAffected()
		}
		if err := br.Close(); err != nil {
			return 0, fmt.Errorf("%w: batch: %v", ErrPersistence, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return inserted, nil
}

// CountCandles returns the number of stored candles in a partition.
func (s *PostgresStore) CountCandles(ctx context.Context, symbol, interval string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = $1 AND "interval" = $2`, symbol, interval).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s/%s: %w", symbol, interval, err)
	}
	return n, nil
}

// ReadCandles returns a partition's candles in [from, to] ordered by open_time.
func (s *PostgresStore) ReadCandles(ctx context.Context, symbol, interval string, from, to int64) ([]domain.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT open_time, open, high, low, close, num_trades, volume, taker_volume
		 FROM candles
		 WHERE symbol = $1 AND "interval" = $2 AND open_time BETWEEN $3 AND $4
		 ORDER BY open_time`, symbol, interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", symbol, interval, err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		c := domain.Candle{Symbol: symbol, Interval: interval}
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close,
			&c.NumTrades, &c.Volume, &c.TakerVolume); err != nil {
			return nil, fmt.Errorf("scanning %s/%s: %w", symbol, interval, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertSymbol adds a symbol, returning ErrSymbolExists on a key conflict.
func (s *PostgresStore) InsertSymbol(ctx context.Context, sym domain.Symbol) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO symbols (symbol, status, base_asset, quote_asset) VALUES ($1, $2, $3, $4)`,
		sym.Code, sym.Status, sym.BaseAsset, sym.QuoteAsset)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s (%s)", ErrSymbolExists, sym.Code, pgErr.ConstraintName)
		}
		return fmt.Errorf("inserting symbol %s: %w", sym.Code, err)
	}
	return nil
}

// ListSymbols returns stored symbols with the given status ordered by code.
func (s *PostgresStore) ListSymbols(ctx context.Context, status string) ([]domain.Symbol, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, status, base_asset, quote_asset FROM symbols
		 WHERE $1::text = '' OR status = $1
		 ORDER BY symbol`, status)
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	defer rows.Close()

	var out []domain.Symbol
	for rows.Next() {
		var sym domain.Symbol
		if err := rows.Scan(&sym.Code, &sym.Status, &sym.BaseAsset, &sym.QuoteAsset); err != nil {
			return nil, fmt.Errorf("scanning symbol: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}
