package archive

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"klinedb/internal/domain"
)

var (
	// ErrArchiveCorrupt is returned when the cached archive cannot be opened
	// as a zip container.
	ErrArchiveCorrupt = errors.New("archive corrupt")
	// ErrMissingEntry is returned when the archive lacks the expected CSV entry.
	ErrMissingEntry = errors.New("archive entry missing")
	// ErrRowMalformed is returned for rows with too few fields or
	// unparseable numbers. The concrete error is a *RowError.
	ErrRowMalformed = errors.New("row malformed")
)

// Row layout of the monthly kline CSV.
const (
	colOpenTime    = 0
	colOpen        = 1
	colHigh        = 2
	colLow         = 3
	colClose       = 4
	colVolume      = 5
	colNumTrades   = 8
	colTakerVolume = 9

	minFields = 10
)

// RowError describes a malformed row. Line and Column are 1-based; Column is
// zero when the row is too short.
type RowError struct {
	Line   int
	Column int
	Reason string
}

func (e *RowError) Error() string {
	if e.Column == 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Reason)
}

// Is makes errors.Is(err, ErrRowMalformed) hold for every RowError.
func (e *RowError) Is(target error) bool { return target == ErrRowMalformed }

// Parse returns a lazy sequence of the candles stored in the cached archive
// at path. Each iteration reopens the file, so the sequence can be ranged
// over repeatedly. After the first error nothing more is yielded.
func Parse(path string, cell domain.Cell) iter.Seq2[domain.Candle, error] {
	return func(yield func(domain.Candle, error) bool) {
		zr, err := zip.OpenReader(path)
		if err != nil {
			yield(domain.Candle{}, fmt.Errorf("%w: %s: %v", ErrArchiveCorrupt, path, err))
			return
		}
		defer zr.Close()

		name := cell.EntryName()
		var entry *zip.File
		for _, f := range zr.File {
			if f.Name == name {
				entry = f
				break
			}
		}
		if entry == nil {
			yield(domain.Candle{}, fmt.Errorf("%w: %s in %s", ErrMissingEntry, name, path))
			return
		}

		rc, err := entry.Open()
		if err != nil {
			yield(domain.Candle{}, fmt.Errorf("%w: open %s: %v", ErrArchiveCorrupt, name, err))
			return
		}
		defer rc.Close()

		parseRows(rc, cell, yield)
	}
}

func parseRows(r io.Reader, cell domain.Cell, yield func(domain.Candle, error) bool) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				yield(domain.Candle{}, &RowError{Line: pe.Line, Column: pe.Column, Reason: pe.Err.Error()})
				return
			}
			yield(domain.Candle{}, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err))
			return
		}
		line, _ := cr.FieldPos(0)
		// csv.Reader drops blank lines, but a lone whitespace field can
		// still show up at end of file.
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		c, rerr := parseRow(rec, line, cell)
		if rerr != nil {
			yield(domain.Candle{}, rerr)
			return
		}
		if !yield(c, nil) {
			return
		}
	}
}

func parseRow(rec []string, line int, cell domain.Cell) (domain.Candle, error) {
	if len(rec) < minFields {
		return domain.Candle{}, &RowError{
			Line:   line,
			Reason: fmt.Sprintf("expected at least %d fields, got %d", minFields, len(rec)),
		}
	}

	c := domain.Candle{Symbol: cell.Symbol, Interval: cell.Interval}
	var err error
	if c.OpenTime, err = parseInt(rec, line, colOpenTime); err != nil {
		return domain.Candle{}, err
	}
	if c.NumTrades, err = parseInt(rec, line, colNumTrades); err != nil {
		return domain.Candle{}, err
	}

	floats := []struct {
		col int
		dst *float64
	}{
		{colOpen, &c.Open},
		{colHigh, &c.High},
		{colLow, &c.Low},
		{colClose, &c.Close},
		{colVolume, &c.Volume},
		{colTakerVolume, &c.TakerVolume},
	}
	for _, f := range floats {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[f.col]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Candle{}, &RowError{Line: line, Column: f.col + 1, Reason: fmt.Sprintf("invalid number %q", rec[f.col])}
		}
		*f.dst = v
	}
	return c, nil
}

func parseInt(rec []string, line, col int) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(rec[col]), 10, 64)
	if err != nil {
		return 0, &RowError{Line: line, Column: col + 1, Reason: fmt.Sprintf("invalid integer %q", rec[col])}
	}
	return v, nil
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[domain.Candle, error]) ([]domain.Candle, error) {
	var out []domain.Candle
	for c, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
