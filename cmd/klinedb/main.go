package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"klinedb/internal/api"
	"klinedb/internal/archive"
	"klinedb/internal/config"
	"klinedb/internal/gather"
	"klinedb/internal/gather/binance"
	"klinedb/internal/store"
	"klinedb/internal/util"
)

const configEnv = "KLINEDB_CONFIG"

type rootFlags struct {
	configPath         string
	populateSymbols    bool
	downloadHistorical bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatalf("klinedb: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "klinedb",
		Short: "Binance kline archive ingester",
		Long: `Ingest the Binance public monthly kline archives into a relational store.

With no flags the HTTP/gRPC API server is started.

Examples:
  # Store the exchange symbol list
  klinedb --populate-symbols

  # Backfill every configured interval for every trading symbol
  klinedb --download-historical --config config/klinedb.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if err := flags.validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runRoot(cmd.Context(), cfg, flags)
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to the YAML config (default $"+configEnv+")")
	cmd.Flags().BoolVar(&flags.populateSymbols, "populate-symbols", false, "fetch the exchange symbol list into the store")
	cmd.Flags().BoolVar(&flags.downloadHistorical, "download-historical", false, "download and load the monthly kline archives")

	cmd.AddCommand(newExportCmd(&flags.configPath))
	return cmd
}

// serveOnly reports whether the root command only starts the API server.
func (f rootFlags) serveOnly() bool {
	return !f.populateSymbols && !f.downloadHistorical
}

// validate checks the config sections the selected mode uses. Serving the
// API never opens the store.
func (f rootFlags) validate(cfg *config.Config) error {
	if f.serveOnly() {
		return cfg.ValidateServer()
	}
	return cfg.Validate()
}

// loadConfig resolves the config path and installs the configured logger as
// the default.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(configEnv)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN(), store.Options{
		MaxConns:        cfg.Storage.MaxConns,
		InsertBatchSize: cfg.Storage.InsertBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Driver, err)
	}
	return st, nil
}

func runRoot(ctx context.Context, cfg *config.Config, flags rootFlags) error {
	if flags.serveOnly() {
		slog.Info("starting api server", "port", cfg.Server.Port, "grpc_port", cfg.Server.GRPCPort)
		return api.NewServer(cfg).ListenAndServe(ctx)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	client := &http.Client{Timeout: cfg.Binance.RequestTimeout}
	dir := binance.NewDirectory(cfg.Binance.ExchangeInfoURL, client)

	if flags.populateSymbols {
		res, err := dir.Populate(ctx, st)
		if err != nil {
			return fmt.Errorf("populating symbols: %w", err)
		}
		slog.Info("symbols populated", "inserted", res.Inserted, "skipped", res.Skipped)
	}

	if flags.downloadHistorical {
		if err := downloadHistorical(ctx, cfg, st, dir); err != nil {
			return err
		}
	}
	return nil
}

func downloadHistorical(ctx context.Context, cfg *config.Config, st store.Store, dir *binance.Directory) error {
	h := cfg.Gather.History

	var src binance.SymbolSource = dir
	if h.SymbolSource == "database" {
		src = binance.StoredSymbols{Store: st}
	}

	fetcher := binance.NewFetcher(binance.FetcherOptions{
		Workers:         h.MaxWorkers,
		Timeout:         cfg.Binance.RequestTimeout,
		RateLimitPerSec: h.RateLimitPerSec,
		Retries:         h.Retries,
		RetryDelay:      h.RetryDelay,
	})
	loc := archive.NewLocator(cfg.Binance.ArchiveURL, cfg.Storage.CacheDir)

	var g gather.Gatherer = binance.NewHistoryGatherer(src, fetcher, st, loc, binance.HistoryOptions{
		Universe:       h.Universe(),
		MaxWorkers:     h.MaxWorkers,
		LoadWorkers:    h.LoadWorkers,
		Heartbeat:      h.Heartbeat,
		Symbols:        h.Symbols,
		RecheckMissing: h.RecheckMissing,
	})

	slog.Info("starting historical download",
		"gatherer", g.Name(),
		"intervals", h.Intervals,
		"start_year", h.StartYear,
		"end_year", h.EndYear,
		"symbol_source", h.SymbolSource,
	)
	if err := g.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("historical download interrupted")
			return nil
		}
		return fmt.Errorf("historical download: %w", err)
	}
	return nil
}
