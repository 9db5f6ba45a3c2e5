package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"klinedb/internal/domain"
)

// Compile-time interface checks.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// migrations and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(ctx context.Context, dbPath string, _ Options) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, goose.DialectSQLite3); err != nil {
		db.Close()
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// CandleStore implementation
// ---------------------------------------------------------------------------

const sqliteInsertCandle = `INSERT INTO candles
	(symbol, "interval", open_time, open, high, low, close, num_trades, volume, taker_volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (symbol, "interval", open_time) DO NOTHING`

// LoadBatch inserts records inside one transaction, skipping existing keys.
func (s *SQLiteStore) LoadBatch(ctx context.Context, records []domain.Candle, symbol, interval string) (int64, error) {
	if err := checkPartition(records, symbol, interval); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertCandle)
	if err != nil {
		return 0, fmt.Errorf("%w: prepare: %v", ErrPersistence, err)
	}
	defer stmt.Close()

	var inserted int64
	for i, c := range records {
		res, err := stmt.ExecContext(ctx, c.Symbol, c.Interval, c.OpenTime,
			c.Open, c.High, c.Low, c.Close, c.NumTrades, c.Volume, c.TakerVolume)
		if err != nil {
			return 0, fmt.Errorf("%w: insert row %d of %s/%s: %v", ErrPersistence, i, symbol, interval, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("%w: rows affected: %v", ErrPersistence, err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return inserted, nil
}

// CountCandles returns the number of stored candles in a partition.
func (s *SQLiteStore) CountCandles(ctx context.Context, symbol, interval string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = ? AND "interval" = ?`, symbol, interval).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s/%s: %w", symbol, interval, err)
	}
	return n, nil
}

// ReadCandles returns a partition's candles in [from, to] ordered by open_time.
func (s *SQLiteStore) ReadCandles(ctx context.Context, symbol, interval string, from, to int64) ([]domain.Candle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT open_time, open, high, low, close, num_trades, volume, taker_volume
		 FROM candles
		 WHERE symbol = ? AND "interval" = ? AND open_time >= ? AND open_time <= ?
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

// ---------------------------------------------------------------------------
// SymbolStore implementation
// ---------------------------------------------------------------------------

// InsertSymbol adds a symbol, returning ErrSymbolExists on a key conflict.
func (s *SQLiteStore) InsertSymbol(ctx context.Context, sym domain.Symbol) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO symbols (symbol, status, base_asset, quote_asset) VALUES (?, ?, ?, ?)`,
		sym.Code, sym.Status, sym.BaseAsset, sym.QuoteAsset)
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			return fmt.Errorf("%w: %s", ErrSymbolExists, sym.Code)
		}
		return fmt.Errorf("inserting symbol %s: %w", sym.Code, err)
	}
	return nil
}

// ListSymbols returns stored symbols with the given status ordered by code.
func (s *SQLiteStore) ListSymbols(ctx context.Context, status string) ([]domain.Symbol, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, status, base_asset, quote_asset FROM symbols
		 WHERE ? = '' OR status = ?
		 ORDER BY symbol`, status, status)
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
