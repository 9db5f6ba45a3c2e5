package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"klinedb/internal/domain"
)

// ParquetExporter dumps stored partitions to Parquet files on disk.
type ParquetExporter struct {
	Source  CandleStore
	DataDir string
}

// NewParquetExporter creates an exporter reading from src and writing under
// dataDir.
func NewParquetExporter(src CandleStore, dataDir string) *ParquetExporter {
	return &ParquetExporter{Source: src, DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// CandleRecord is the Parquet schema for candle data.
type CandleRecord struct {
	Symbol      string  `parquet:"symbol,dict"`
	Interval    string  `parquet:"interval,dict"`
	OpenTime    int64   `parquet:"open_time,timestamp(millisecond)"` // Unix ms
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      float64 `parquet:"volume"`
	TakerVolume float64 `parquet:"taker_volume"`
	NumTrades   int64   `parquet:"num_trades"`
}

func toRecord(c domain.Candle) CandleRecord {
	return CandleRecord{
		Symbol:      c.Symbol,
		Interval:    c.Interval,
		OpenTime:    c.OpenTime,
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		TakerVolume: c.TakerVolume,
		NumTrades:   c.NumTrades,
	}
}

func (r CandleRecord) candle() domain.Candle {
	return domain.Candle{
		Symbol:      r.Symbol,
		Interval:    r.Interval,
		OpenTime:    r.OpenTime,
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		TakerVolume: r.TakerVolume,
		NumTrades:   r.NumTrades,
	}
}

// ExportPartition writes the partition's candles with open_time in [from, to]
// to <DataDir>/<SYMBOL>/<interval>.parquet, replacing any previous export.
// It returns the file path and the number of rows written.
func (e *ParquetExporter) ExportPartition(ctx context.Context, symbol, interval string, from, to int64) (string, int, error) {
	candles, err := e.Source.ReadCandles(ctx, symbol, interval, from, to)
	if err != nil {
		return "", 0, fmt.Errorf("exporting %s/%s: %w", symbol, interval, err)
	}

	records := make([]CandleRecord, len(candles))
	for i, c := range candles {
		records[i] = toRecord(c)
	}

	path := e.partitionPath(symbol, interval)
	if err := writeParquetFile(path, records); err != nil {
		return "", 0, fmt.Errorf("writing %s: %w", path, err)
	}
	return path, len(records), nil
}

// ReadPartition reads a previously exported partition back into candles.
func (e *ParquetExporter) ReadPartition(symbol, interval string) ([]domain.Candle, error) {
	records, err := readParquetFile[CandleRecord](e.partitionPath(symbol, interval))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Candle, len(records))
	for i, r := range records {
		out[i] = r.candle()
	}
	return out, nil
}

// partitionPath returns the filesystem path for a partition export.
// Layout: <dataDir>/<SYMBOL>/<interval>.parquet
func (e *ParquetExporter) partitionPath(symbol, interval string) string {
	return filepath.Join(e.DataDir, strings.ToUpper(symbol), interval+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".part"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
