// Package binance backfills spot klines from the Binance public monthly
// archive into a candle store.
package binance

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"klinedb/internal/archive"
	"klinedb/internal/domain"
	"klinedb/internal/gather"
	"klinedb/internal/store"
)

var _ gather.Gatherer = (*HistoryGatherer)(nil)

// ---------------------------------------------------------------------------
// Cell lifecycle
// ---------------------------------------------------------------------------

// CellState is a step in a cell's lifecycle.
type CellState int

const (
	StatePending CellState = iota
	StateFetching
	StateCached
	StateFetched
	StateNotFound
	StateFetchFailed
	StateParsing
	StateParsed
	StateParseFailed
	StateLoading
	StateLoaded
	StateLoadFailed
	StateDone
)

var stateNames = [...]string{
	StatePending:     "pending",
	StateFetching:    "fetching",
	StateCached:      "cached",
	StateFetched:     "fetched",
	StateNotFound:    "not_found",
	StateFetchFailed: "fetch_failed",
	StateParsing:     "parsing",
	StateParsed:      "parsed",
	StateParseFailed: "parse_failed",
	StateLoading:     "loading",
	StateLoaded:      "loaded",
	StateLoadFailed:  "load_failed",
	StateDone:        "done",
}

func (s CellState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// resultAttrs renders per-state counts as log attributes in lifecycle order.
func resultAttrs(results map[CellState]int) []any {
	var attrs []any
	for s := StatePending; s <= StateDone; s++ {
		if n, ok := results[s]; ok {
			attrs = append(attrs, s.String(), n)
		}
	}
	return attrs
}

// Failed reports whether s is one of the failure states.
func (s CellState) Failed() bool {
	return s == StateFetchFailed || s == StateParseFailed || s == StateLoadFailed
}

var transitions = map[CellState][]CellState{
	StatePending:     {StateFetching},
	StateFetching:    {StateCached, StateFetched, StateNotFound, StateFetchFailed},
	StateCached:      {StateParsing},
	StateFetched:     {StateParsing},
	StateNotFound:    {StateDone},
	StateFetchFailed: {StateDone},
	StateParsing:     {StateParsed, StateParseFailed},
	StateParsed:      {StateLoading},
	StateParseFailed: {StateDone},
	StateLoading:     {StateLoaded, StateLoadFailed},
	StateLoaded:      {StateDone},
	StateLoadFailed:  {StateDone},
}

// validTransition reports whether a cell may move from one state to another.
func validTransition(from, to CellState) bool {
	return slices.Contains(transitions[from], to)
}

// cellRun tracks one cell through the pipeline. It is owned by exactly one
// goroutine at a time.
type cellRun struct {
	cell    domain.Cell
	loc     archive.Location
	state   CellState
	outcome CellState // last state that decides the cell's result
	err     error
	candles []domain.Candle
	rows    int64
}

func (r *cellRun) advance(to CellState) {
	if !validTransition(r.state, to) {
		panic(fmt.Sprintf("cell %s: invalid transition %s -> %s", r.cell, r.state, to))
	}
	r.state = to
	switch to {
	case StateNotFound, StateFetchFailed, StateParseFailed, StateLoaded, StateLoadFailed:
		r.outcome = to
	}
}

func (r *cellRun) fail(to CellState, err error) {
	r.advance(to)
	r.err = err
	r.candles = nil
}

// ---------------------------------------------------------------------------
// Summary
// ---------------------------------------------------------------------------

// CellFailure records a cell that ended in a failure state.
type CellFailure struct {
	Cell  domain.Cell
	Stage CellState
	Err   error
}

// Summary reports the result of one ingestion run.
type Summary struct {
	RunID    string
	Cells    int
	Results  map[CellState]int
	Rows     int64
	Failures []CellFailure
	Elapsed  time.Duration
}

// ---------------------------------------------------------------------------
// HistoryGatherer
// ---------------------------------------------------------------------------

// HistoryOptions configures a HistoryGatherer.
type HistoryOptions struct {
	Universe    archive.Universe
	MaxWorkers  int
	LoadWorkers int
	Heartbeat   time.Duration
	// Symbols restricts ingestion to the named symbols when non-empty.
	Symbols []string
	// RecheckMissing re-requests cells recorded in .not-found.
	RecheckMissing bool
}

// HistoryGatherer ingests the full symbol × interval × year × month matrix.
// Fetches run on MaxWorkers goroutines; loads run on LoadWorkers goroutines
// with at most one open transaction per partition.
type HistoryGatherer struct {
	symbols     SymbolSource
	fetcher     ArchiveFetcher
	store       store.CandleStore
	locator     *archive.Locator
	universe    archive.Universe
	maxWorkers  int
	loadWorkers int
	heartbeat   time.Duration
	allow       []string
	recheck     bool

	parse func(path string, cell domain.Cell) iter.Seq2[domain.Candle, error]
	now   func() time.Time
	log   *slog.Logger
}

// NewHistoryGatherer creates a HistoryGatherer.
func NewHistoryGatherer(src SymbolSource, f ArchiveFetcher, st store.CandleStore, loc *archive.Locator, opts HistoryOptions) *HistoryGatherer {
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = 30 * time.Second
	}
	return &HistoryGatherer{
		symbols:     src,
		fetcher:     f,
		store:       st,
		locator:     loc,
		universe:    opts.Universe,
		maxWorkers:  max(opts.MaxWorkers, 1),
		loadWorkers: max(opts.LoadWorkers, 1),
		heartbeat:   hb,
		allow:       opts.Symbols,
		recheck:     opts.RecheckMissing,
		parse:       archive.Parse,
		now:         time.Now,
		log:         slog.Default().With("gatherer", "binance-history"),
	}
}

// Name returns the gatherer identifier.
func (g *HistoryGatherer) Name() string { return "binance-history" }

// Run resolves the trading symbols and ingests every cell for them. Cell
// failures are reported in the summary and never fail the run; a symbol
// source failure does.
func (g *HistoryGatherer) Run(ctx context.Context) error {
	syms, err := g.symbols.FetchActive(ctx)
	if err != nil {
		return fmt.Errorf("resolving symbols: %w", err)
	}

	codes := g.filterSymbols(syms)
	if len(codes) == 0 {
		g.log.Warn("no symbols to ingest")
		return nil
	}

	_, err = g.Ingest(ctx, codes)
	return err
}

func (g *HistoryGatherer) filterSymbols(syms []domain.Symbol) []string {
	codes := make([]string, 0, len(syms))
	for _, s := range syms {
		codes = append(codes, s.Code)
	}
	if len(g.allow) == 0 {
		return codes
	}

	known := make(map[string]bool, len(codes))
	for _, c := range codes {
		known[c] = true
	}
	var out []string
	for _, c := range g.allow {
		if !known[c] {
			g.log.Warn("allow-listed symbol is not trading, skipping", "symbol", c)
			continue
		}
		out = append(out, c)
	}
	return out
}

// ingestRun holds the shared state of one Ingest call.
type ingestRun struct {
	g       *HistoryGatherer
	log     *slog.Logger
	missing *missingTracker
	locks   *partitionLocks

	mu       sync.Mutex
	results  map[CellState]int
	failures []CellFailure

	done atomic.Int64
	rows atomic.Int64
}

// Ingest runs every cell for symbols through fetch, parse and load and
// returns the run summary. It returns ctx.Err() if ctx was cancelled before
// all cells were dispatched.
func (g *HistoryGatherer) Ingest(ctx context.Context, symbols []string) (*Summary, error) {
	runID := uuid.NewString()
	log := g.log.With("run_id", runID)
	start := time.Now()
	total := g.universe.Size(len(symbols))

	missing, err := newMissingTracker(g.locator.CacheDir())
	if err != nil {
		return nil, fmt.Errorf("opening not-found tracker: %w", err)
	}
	defer missing.Close()
	if g.recheck && missing.Len() > 0 {
		log.Info("rechecking cells recorded as not found", "count", missing.Len())
		if err := missing.Reset(); err != nil {
			return nil, fmt.Errorf("resetting not-found tracker: %w", err)
		}
	}

	run := &ingestRun{
		g:       g,
		log:     log,
		missing: missing,
		locks:   newPartitionLocks(),
		results: make(map[CellState]int),
	}

	log.Info("starting ingestion",
		"symbols", len(symbols),
		"intervals", len(g.universe.Intervals),
		"years", fmt.Sprintf("%d-%d", g.universe.StartYear, g.universe.EndYear),
		"cells", total,
		"fetch_workers", g.maxWorkers,
		"load_workers", g.loadWorkers,
	)

	stopHeartbeat := run.startHeartbeat(total, start)

	cellCh := make(chan *cellRun)
	loadCh := make(chan *cellRun, g.loadWorkers)

	go func() {
		defer close(cellCh)
		for cell := range g.universe.Cells(symbols) {
			r := &cellRun{cell: cell, loc: g.locator.Locate(cell), state: StatePending}
			select {
			case cellCh <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	var fetchWG sync.WaitGroup
	for w := 0; w < g.maxWorkers; w++ {
		fetchWG.Add(1)
		go func() {
			defer fetchWG.Done()
			for r := range cellCh {
				if ctx.Err() != nil {
					continue
				}
				if run.fetchAndParse(ctx, r) {
					loadCh <- r
				} else {
					run.finish(r)
				}
			}
		}()
	}

	var loadWG sync.WaitGroup
	for w := 0; w < g.loadWorkers; w++ {
		loadWG.Add(1)
		go func() {
			defer loadWG.Done()
			for r := range loadCh {
				run.load(ctx, r)
				run.finish(r)
			}
		}()
	}

	fetchWG.Wait()
	close(loadCh)
	loadWG.Wait()
	stopHeartbeat()

	sum := &Summary{
		RunID:    runID,
		Cells:    int(run.done.Load()),
		Results:  run.results,
		Rows:     run.rows.Load(),
		Failures: run.failures,
		Elapsed:  time.Since(start),
	}

	if err := writeRunReport(log, g.locator.CacheDir(), sum.Failures); err != nil {
		log.Error("writing run report failed", "err", err)
	}

	attrs := []any{
		"cells", sum.Cells,
		"rows", sum.Rows,
		"failed", len(sum.Failures),
		"elapsed", sum.Elapsed.Round(time.Millisecond),
	}
	attrs = append(attrs, resultAttrs(sum.Results)...)
	if len(sum.Failures) > 0 {
		attrs = append(attrs, "failures", joinFailedReasons(sum.Failures))
	}
	log.Info("ingestion finished", attrs...)

	if ctx.Err() != nil {
		return sum, ctx.Err()
	}
	return sum, nil
}

// fetchAndParse moves r through the fetch and parse stages. It reports
// whether r is ready to load.
func (run *ingestRun) fetchAndParse(ctx context.Context, r *cellRun) bool {
	r.advance(StateFetching)

	if !run.g.recheck && run.missing.IsMissing(r.cell) {
		r.advance(StateNotFound)
		return false
	}

	res := run.g.fetcher.Fetch(ctx, r.cell, r.loc)
	switch res.Outcome {
	case OutcomeCached:
		r.advance(StateCached)
	case OutcomeDownloaded:
		r.advance(StateFetched)
	case OutcomeNotFound:
		r.advance(StateNotFound)
		if _, err := run.missing.MarkMissing(r.cell, run.g.now()); err != nil {
			run.log.Warn("recording not-found cell failed", "cell", r.cell.String(), "err", err)
		}
		return false
	default:
		err := res.Err
		if err == nil {
			err = fmt.Errorf("fetch failed with status %d", res.Status)
		}
		r.fail(StateFetchFailed, err)
		return false
	}

	r.advance(StateParsing)
	candles, err := archive.Collect(run.g.parse(r.loc.Path, r.cell))
	if err != nil {
		r.fail(StateParseFailed, err)
		return false
	}
	r.candles = candles
	r.advance(StateParsed)
	return true
}

// load writes r's candles in one transaction while holding its partition.
func (run *ingestRun) load(ctx context.Context, r *cellRun) {
	r.advance(StateLoading)

	unlock := run.locks.lock(r.cell.Partition())
	n, err := run.g.store.LoadBatch(ctx, r.candles, r.cell.Symbol, r.cell.Interval)
	unlock()

	r.candles = nil
	if err != nil {
		r.fail(StateLoadFailed, err)
		return
	}
	r.rows = n
	r.advance(StateLoaded)
}

// finish closes out r and records its result.
func (run *ingestRun) finish(r *cellRun) {
	r.advance(StateDone)
	run.done.Add(1)
	run.rows.Add(r.rows)

	run.mu.Lock()
	run.results[r.outcome]++
	if r.outcome.Failed() {
		run.failures = append(run.failures, CellFailure{Cell: r.cell, Stage: r.outcome, Err: r.err})
	}
	run.mu.Unlock()

	if r.outcome.Failed() {
		level := slog.LevelWarn
		if errors.Is(r.err, store.ErrPersistence) {
			level = slog.LevelError
		}
		run.log.Log(context.Background(), level, "cell failed",
			"symbol", r.cell.Symbol,
			"interval", r.cell.Interval,
			"year", r.cell.Year,
			"month", r.cell.Month,
			"stage", r.outcome.String(),
			"err", r.err,
		)
		return
	}
	run.log.Debug("cell done", "cell", r.cell.String(), "result", r.outcome.String(), "rows", r.rows)
}

func (run *ingestRun) startHeartbeat(total int, start time.Time) (stop func()) {
	ticker := time.NewTicker(run.g.heartbeat)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run.mu.Lock()
				failed := len(run.failures)
				run.mu.Unlock()
				run.log.Info("progress",
					"done", run.done.Load(),
					"total", total,
					"rows", run.rows.Load(),
					"failed", failed,
					"elapsed", time.Since(start).Round(time.Second),
				)
			case <-quit:
				return
			}
		}
	}()
	return func() {
		close(quit)
		wg.Wait()
	}
}

// ---------------------------------------------------------------------------
// Partition locks
// ---------------------------------------------------------------------------

// partitionLocks serialises loads per (symbol, interval).
type partitionLocks struct {
	mu    sync.Mutex
	locks map[domain.Partition]*sync.Mutex
}

func newPartitionLocks() *partitionLocks {
	return &partitionLocks{locks: make(map[domain.Partition]*sync.Mutex)}
}

func (p *partitionLocks) lock(part domain.Partition) (unlock func()) {
	p.mu.Lock()
	m, ok := p.locks[part]
	if !ok {
		m = &sync.Mutex{}
		p.locks[part] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m.Unlock
}
