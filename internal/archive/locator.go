// Package archive maps ingestion cells onto the remote monthly kline archive
// and the local cache, and parses cached archives into candles.
package archive

import (
	"fmt"
	"iter"
	"path/filepath"
	"strings"

	"klinedb/internal/domain"
)

// DefaultBaseURL is the root of the Binance public spot monthly kline archive.
const DefaultBaseURL = "https://data.binance.vision/data/spot/monthly/klines"

// Intervals supported by the monthly archive.
var knownIntervals = map[string]bool{
	"1s": true, "1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1mo": true,
}

// IsKnownInterval reports whether iv is published in the monthly archive.
func IsKnownInterval(iv string) bool { return knownIntervals[iv] }

// Universe is the fixed range of intervals and years ingested for every
// symbol. Months always run 1 through 12.
type Universe struct {
	Intervals []string
	StartYear int
	EndYear   int
}

// DefaultUniverse returns the standard ingestion universe: nine intervals over
// 2017-2024 inclusive.
func DefaultUniverse() Universe {
	return Universe{
		Intervals: []string{"15m", "30m", "1h", "2h", "4h", "12h", "1d", "1w", "1mo"},
		StartYear: 2017,
		EndYear:   2024,
	}
}

// Validate checks that the universe is non-empty and uses known intervals.
func (u Universe) Validate() error {
	if len(u.Intervals) == 0 {
		return fmt.Errorf("universe has no intervals")
	}
	seen := make(map[string]bool, len(u.Intervals))
	for _, iv := range u.Intervals {
		if !knownIntervals[iv] {
			return fmt.Errorf("unknown interval %q", iv)
		}
		if seen[iv] {
			return fmt.Errorf("duplicate interval %q", iv)
		}
		seen[iv] = true
	}
	if u.StartYear <= 0 || u.EndYear < u.StartYear {
		return fmt.Errorf("invalid year range %d-%d", u.StartYear, u.EndYear)
	}
	return nil
}

// Size returns the number of cells the universe yields for n symbols.
func (u Universe) Size(n int) int {
	if u.EndYear < u.StartYear {
		return 0
	}
	return n * len(u.Intervals) * (u.EndYear - u.StartYear + 1) * 12
}

// Cells yields the full symbol × interval × year × month cross product in a
// stable order: symbol, then interval, then year, then month.
func (u Universe) Cells(symbols []string) iter.Seq[domain.Cell] {
	return func(yield func(domain.Cell) bool) {
		for _, sym := range symbols {
			for _, iv := range u.Intervals {
				for year := u.StartYear; year <= u.EndYear; year++ {
					for month := 1; month <= 12; month++ {
						if !yield(domain.Cell{Symbol: sym, Interval: iv, Year: year, Month: month}) {
							return
						}
					}
				}
			}
		}
	}
}

// Location is where a cell's archive lives remotely and in the local cache.
type Location struct {
	URL  string
	Path string
}

// Locator maps cells to archive URLs and cache paths. It performs no I/O.
type Locator struct {
	baseURL  string
	cacheDir string
}

// NewLocator creates a Locator for the archive rooted at baseURL, caching
// into cacheDir.
func NewLocator(baseURL, cacheDir string) *Locator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Locator{
		baseURL:  strings.TrimRight(baseURL, "/"),
		cacheDir: cacheDir,
	}
}

// CacheDir returns the root of the local archive cache.
func (l *Locator) CacheDir() string { return l.cacheDir }

// Locate returns the remote URL and local cache path for a cell.
//
//	URL:  <base>/<SYMBOL>/<interval>/<SYMBOL>-<interval>-<YYYY>-<MM>.zip
//	Path: <cacheDir>/<SYMBOL>/<interval>/<YYYY>-<MM>.zip
func (l *Locator) Locate(c domain.Cell) Location {
	period := c.Period()
	return Location{
		URL:  fmt.Sprintf("%s/%s/%s/%s-%s-%s.zip", l.baseURL, c.Symbol, c.Interval, c.Symbol, c.Interval, period),
		Path: filepath.Join(l.cacheDir, c.Symbol, c.Interval, period+".zip"),
	}
}
