package domain

import "testing"

func TestTypesExist(t *testing.T) {
	// Verify Candle can be instantiated with zero values.
	c := Candle{}
	if c.Symbol != "" || c.Interval != "" {
		t.Error("expected empty Symbol/Interval for zero-value Candle")
	}
	if c.OpenTime != 0 {
		t.Error("expected zero OpenTime for zero-value Candle")
	}
	if c.Open != 0 || c.High != 0 || c.Low != 0 || c.Close != 0 {
		t.Error("expected zero OHLC values for zero-value Candle")
	}
	if c.Volume != 0 || c.TakerVolume != 0 || c.NumTrades != 0 {
		t.Error("expected zero Volume/TakerVolume/NumTrades for zero-value Candle")
	}

	if SymbolStatusTrading != "TRADING" {
		t.Errorf("SymbolStatusTrading = %q, want %q", SymbolStatusTrading, "TRADING")
	}

	s := Symbol{Code: "BTCUSDT", Status: "TRADING", BaseAsset: "BTC", QuoteAsset: "USDT"}
	if !s.Trading() {
		t.Error("BTCUSDT with status TRADING should be trading")
	}
	s.Status = "BREAK"
	if s.Trading() {
		t.Error("symbol with status BREAK should not be trading")
	}
}

func TestCellNaming(t *testing.T) {
	cell := Cell{Symbol: "BTCUSDT", Interval: "1h", Year: 2021, Month: 3}

	if got := cell.Period(); got != "2021-03" {
		t.Errorf("Period() = %q, want %q", got, "2021-03")
	}
	if got := cell.EntryName(); got != "BTCUSDT-1h-2021-03.csv" {
		t.Errorf("EntryName() = %q, want %q", got, "BTCUSDT-1h-2021-03.csv")
	}
	if got := cell.String(); got != "BTCUSDT/1h/2021-03" {
		t.Errorf("String() = %q, want %q", got, "BTCUSDT/1h/2021-03")
	}

	want := Partition{Symbol: "BTCUSDT", Interval: "1h"}
	if got := cell.Partition(); got != want {
		t.Errorf("Partition() = %+v, want %+v", got, want)
	}
	if got := (Candle{Symbol: "BTCUSDT", Interval: "1h"}).Partition(); got != want {
		t.Errorf("Candle.Partition() = %+v, want %+v", got, want)
	}
	if got := want.String(); got != "BTCUSDT/1h" {
		t.Errorf("Partition.String() = %q, want %q", got, "BTCUSDT/1h")
	}
}
