package binance

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
)

const failedReportFile = ".lastrun.failed.json"

type failedEntry struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
}

func failedEntries(failures []CellFailure) []failedEntry {
	entries := make([]failedEntry, len(failures))
	for i, f := range failures {
		entries[i] = failedEntry{
			Symbol:   f.Cell.Symbol,
			Interval: f.Cell.Interval,
			Year:     f.Cell.Year,
			Month:    f.Cell.Month,
			Stage:    f.Stage.String(),
			Reason:   f.Err.Error(),
		}
	}
	return entries
}

// writeRunReport writes the run's failed cells to .lastrun.failed.json in
// cacheDir and logs the path on log. A run without failures removes any
// stale report.
func writeRunReport(log *slog.Logger, cacheDir string, failures []CellFailure) error {
	p := filepath.Join(cacheDir, failedReportFile)
	if len(failures) == 0 {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return err
	}
	data, err := sonic.ConfigStd.MarshalIndent(failedEntries(failures), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return err
	}
	log.Info("wrote failed-cell report", "path", p, "count", len(failures))
	return nil
}

// joinFailedReasons renders up to five failures for a single log line.
func joinFailedReasons(failures []CellFailure) string {
	if len(failures) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range failures {
		if i > 0 {
			b.WriteString("; ")
		}
		if i == 5 {
			b.WriteString(fmt.Sprintf("(+%d more)", len(failures)-5))
			break
		}
		b.WriteString(f.Cell.String())
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}
