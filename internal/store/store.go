// Package store defines storage interfaces for persisting and retrieving
// candles and trading symbols, along with their SQL implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"klinedb/internal/domain"
)

var (
	// ErrPersistence wraps every failure of a candle load. The transaction has
	// been rolled back when it is returned.
	ErrPersistence = errors.New("persistence failed")
	// ErrPartitionMismatch is returned when a record's symbol or interval
	// differs from the partition being loaded.
	ErrPartitionMismatch = errors.New("record outside partition")
	// ErrSymbolExists is returned by InsertSymbol on a primary-key conflict.
	ErrSymbolExists = errors.New("symbol already exists")
)

// DefaultInsertBatchSize is the number of rows sent per round trip when the
// caller does not set one.
const DefaultInsertBatchSize = 1000

// CandleStore persists and retrieves candle data.
type CandleStore interface {
	// LoadBatch inserts records for one (symbol, interval) partition inside a
	// single transaction. Existing keys are skipped. It returns the number of
	// rows actually inserted.
	LoadBatch(ctx context.Context, records []domain.Candle, symbol, interval string) (int64, error)

	// CountCandles returns the number of stored candles in a partition.
	CountCandles(ctx context.Context, symbol, interval string) (int64, error)

	// ReadCandles returns the partition's candles with open_time in
	// [from, to], ordered by open_time.
	ReadCandles(ctx context.Context, symbol, interval string, from, to int64) ([]domain.Candle, error)
}

// SymbolStore persists and retrieves trading symbols.
type SymbolStore interface {
	// InsertSymbol adds a symbol. It returns ErrSymbolExists if the code is
	// already stored.
	InsertSymbol(ctx context.Context, s domain.Symbol) error

	// ListSymbols returns stored symbols with the given status, ordered by
	// code. An empty status returns every symbol.
	ListSymbols(ctx context.Context, status string) ([]domain.Symbol, error)
}

// Store is a full database backend.
type Store interface {
	CandleStore
	SymbolStore
	Close() error
}

// Options tunes a Store.
type Options struct {
	MaxConns        int
	InsertBatchSize int
}

func (o Options) batchSize() int {
	if o.InsertBatchSize <= 0 {
		return DefaultInsertBatchSize
	}
	return o.InsertBatchSize
}

// Open connects to the backend named by driver ("postgres" or "sqlite"),
// applies pending migrations and returns the store.
func Open(ctx context.Context, driver, dsn string, opts Options) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgresStore(ctx, dsn, opts)
	case "sqlite":
		return NewSQLiteStore(ctx, dsn, opts)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// checkPartition rejects records that do not belong to (symbol, interval).
func checkPartition(records []domain.Candle, symbol, interval string) error {
	for i, c := range records {
		if c.Symbol != symbol || c.Interval != interval {
			return fmt.Errorf("%w: %w: record %d is %s/%s, loading %s/%s",
				ErrPersistence, ErrPartitionMismatch, i, c.Symbol, c.Interval, symbol, interval)
		}
	}
	return nil
}
