package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/spf13/cobra"

	"klinedb/internal/archive"
	"klinedb/internal/store"
)

const dateLayout = "2006-01-02"

type exportFlags struct {
	symbol   string
	interval string
	from     string
	to       string
}

func newExportCmd(configPath *string) *cobra.Command {
	var flags exportFlags

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write one stored partition to a Parquet file",
		Long: `Write the candles of one symbol and interval to <export_dir>/<SYMBOL>/<interval>.parquet.

Examples:
  klinedb export --symbol BTCUSDT --interval 1d
  klinedb export --symbol ETHUSDT --interval 1h --from 2021-01-01 --to 2021-12-31`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, to, err := parseRange(flags.from, flags.to)
			if err != nil {
				return err
			}
			if !archive.IsKnownInterval(flags.interval) {
				return fmt.Errorf("unknown interval %q", flags.interval)
			}

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStorage(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			path, n, err := store.NewParquetExporter(st, cfg.Storage.ExportDir).
				ExportPartition(ctx, flags.symbol, flags.interval, from, to)
			if err != nil {
				return fmt.Errorf("exporting %s/%s: %w", flags.symbol, flags.interval, err)
			}
			slog.Info("partition exported", "symbol", flags.symbol, "interval", flags.interval, "rows", n, "path", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.symbol, "symbol", "", "symbol to export (e.g. BTCUSDT)")
	cmd.Flags().StringVar(&flags.interval, "interval", "", "kline interval (e.g. 1h)")
	cmd.Flags().StringVar(&flags.from, "from", "", "first day to include, "+dateLayout+" (default: beginning)")
	cmd.Flags().StringVar(&flags.to, "to", "", "last day to include, "+dateLayout+" (default: end)")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("interval")
	return cmd
}

// parseRange turns optional UTC day bounds into an inclusive open_time
// range in milliseconds.
func parseRange(fromStr, toStr string) (from, to int64, err error) {
	from, to = 0, math.MaxInt64
	if fromStr != "" {
		t, err := time.Parse(dateLayout, fromStr)
		if err != nil {
			return 0, 0, fmt.Errorf("--from: %w", err)
		}
		from = t.UnixMilli()
	}
	if toStr != "" {
		t, err := time.Parse(dateLayout, toStr)
		if err != nil {
			return 0, 0, fmt.Errorf("--to: %w", err)
		}
		to = t.AddDate(0, 0, 1).UnixMilli() - 1
	}
	if from > to {
		return 0, 0, errors.New("--from must not be after --to")
	}
	return from, to, nil
}
