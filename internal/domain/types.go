// Package domain defines the core types shared across klinedb: trading
// symbols, candles, and the archive cells that the ingestion pipeline works
// through.
package domain

import "fmt"

// SymbolStatusTrading is the exchange status of a symbol that is actively
// traded. Only these symbols take part in historical ingestion.
const SymbolStatusTrading = "TRADING"

// Symbol identifies a trading pair as published by the exchange directory.
type Symbol struct {
	Code       string `json:"symbol"`
	Status     string `json:"status"` // TRADING, BREAK, ...
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

// Trading reports whether the symbol is actively traded.
func (s Symbol) Trading() bool { return s.Status == SymbolStatusTrading }

// Candle is one OHLCV observation keyed by (Symbol, Interval, OpenTime).
type Candle struct {
	Symbol      string
	Interval    string
	OpenTime    int64 // Unix ms
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	TakerVolume float64
	NumTrades   int64
}

// Partition returns the (symbol, interval) pair the candle belongs to.
func (c Candle) Partition() Partition {
	return Partition{Symbol: c.Symbol, Interval: c.Interval}
}

// Partition is the set of candles for one (symbol, interval) pair.
type Partition struct {
	Symbol   string
	Interval string
}

func (p Partition) String() string { return p.Symbol + "/" + p.Interval }

// Cell is one unit of ingestion work: the monthly archive of a symbol at a
// given interval.
type Cell struct {
	Symbol   string
	Interval string
	Year     int
	Month    int // 1-12
}

// Partition returns the (symbol, interval) pair the cell loads into.
func (c Cell) Partition() Partition {
	return Partition{Symbol: c.Symbol, Interval: c.Interval}
}

// Period returns the cell's month as YYYY-MM.
func (c Cell) Period() string {
	return fmt.Sprintf("%d-%02d", c.Year, c.Month)
}

// EntryName returns the name of the CSV file embedded in the cell's archive.
func (c Cell) EntryName() string {
	return fmt.Sprintf("%s-%s-%d-%02d.csv", c.Symbol, c.Interval, c.Year, c.Month)
}

// String renders the cell as SYMBOL/interval/YYYY-MM.
func (c Cell) String() string {
	return c.Symbol + "/" + c.Interval + "/" + c.Period()
}
