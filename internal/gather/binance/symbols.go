package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bytedance/sonic"

	"klinedb/internal/domain"
	"klinedb/internal/store"
)

// DefaultExchangeInfoURL is the Binance spot exchange metadata endpoint.
const DefaultExchangeInfoURL = "https://api.binance.com/api/v3/exchangeInfo"

// ErrDirectoryUnavailable means the symbol list could not be obtained. It is
// fatal to a run.
var ErrDirectoryUnavailable = errors.New("symbol directory unavailable")

// SymbolSource yields the symbols that take part in ingestion.
type SymbolSource interface {
	FetchActive(ctx context.Context) ([]domain.Symbol, error)
}

var (
	_ SymbolSource = (*Directory)(nil)
	_ SymbolSource = StoredSymbols{}
)

// Directory reads symbol metadata from the exchange.
type Directory struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// NewDirectory creates a Directory for the exchange-info endpoint at url.
// A nil client uses http.DefaultClient.
func NewDirectory(url string, client *http.Client) *Directory {
	if url == "" {
		url = DefaultExchangeInfoURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Directory{
		url:    url,
		client: client,
		log:    slog.Default().With("component", "directory"),
	}
}

type exchangeInfo struct {
	Symbols []domain.Symbol `json:"symbols"`
}

// FetchAll returns every listed symbol regardless of status.
func (d *Directory) FetchAll(ctx context.Context) ([]domain.Symbol, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrDirectoryUnavailable, d.url, resp.StatusCode)
	}

	var info exchangeInfo
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: decoding exchange info: %v", ErrDirectoryUnavailable, err)
	}
	return info.Symbols, nil
}

// FetchActive returns the symbols whose status is TRADING.
func (d *Directory) FetchActive(ctx context.Context) ([]domain.Symbol, error) {
	all, err := d.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]domain.Symbol, 0, len(all))
	for _, s := range all {
		if s.Trading() {
			active = append(active, s)
		}
	}
	d.log.Info("fetched symbols", "total", len(all), "trading", len(active))
	return active, nil
}

// PopulateResult counts what Populate did.
type PopulateResult struct {
	Inserted int
	Skipped  int
}

// Populate fetches the full exchange metadata once and stores every symbol.
// Symbols that are already stored are skipped with a warning; any other
// insert error aborts.
func (d *Directory) Populate(ctx context.Context, st store.SymbolStore) (PopulateResult, error) {
	var res PopulateResult

	symbols, err := d.FetchAll(ctx)
	if err != nil {
		return res, err
	}

	for _, s := range symbols {
		err := st.InsertSymbol(ctx, s)
		switch {
		case err == nil:
			res.Inserted++
		case errors.Is(err, store.ErrSymbolExists):
			d.log.Warn("symbol already stored, skipping", "symbol", s.Code)
			res.Skipped++
		default:
			return res, fmt.Errorf("populating %s: %w", s.Code, err)
		}
	}

	d.log.Info("populated symbols", "inserted", res.Inserted, "skipped", res.Skipped)
	return res, nil
}

// StoredSymbols reads TRADING symbols from the database, as written by
// Populate.
type StoredSymbols struct {
	Store store.SymbolStore
}

// FetchActive returns the stored TRADING symbols.
func (s StoredSymbols) FetchActive(ctx context.Context) ([]domain.Symbol, error) {
	syms, err := s.Store.ListSymbols(ctx, domain.SymbolStatusTrading)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return syms, nil
}
