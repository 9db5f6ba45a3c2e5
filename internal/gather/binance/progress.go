package binance

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"klinedb/internal/domain"
)

const notFoundFile = ".not-found"

// missingTracker manages the .not-found file: cells whose archive returned
// 404, one SYMBOL/interval/YYYY-MM per line.
type missingTracker struct {
	mu      sync.Mutex
	missing map[string]struct{}
	writer  *bufio.Writer
	file    *os.File
	path    string
}

// newMissingTracker loads any existing .not-found entries under cacheDir and
// opens the file for appending.
func newMissingTracker(cacheDir string) (*missingTracker, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	mt := &missingTracker{
		missing: make(map[string]struct{}),
		path:    filepath.Join(cacheDir, notFoundFile),
	}

	data, err := os.ReadFile(mt.path)
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			key := strings.TrimSpace(line)
			if key != "" {
				mt.missing[key] = struct{}{}
			}
		}
	}

	if err := mt.open(); err != nil {
		return nil, err
	}
	return mt, nil
}

func (m *missingTracker) open() error {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", notFoundFile, err)
	}
	m.file = f
	m.writer = bufio.NewWriter(f)
	return nil
}

// IsMissing reports whether cell was recorded as not found.
func (m *missingTracker) IsMissing(cell domain.Cell) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.missing[cell.String()]
	return ok
}

// MarkMissing records cell as not found. Cells for the month of now or later
// are not recorded because their archives are published after the month
// ends. It reports whether the cell was recorded.
func (m *missingTracker) MarkMissing(cell domain.Cell, now time.Time) (bool, error) {
	if !settled(cell, now) {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := cell.String()
	if _, ok := m.missing[key]; ok {
		return true, nil
	}
	m.missing[key] = struct{}{}
	if _, err := m.writer.WriteString(key + "\n"); err != nil {
		return false, fmt.Errorf("writing to %s: %w", notFoundFile, err)
	}
	return true, m.writer.Flush()
}

// settled reports whether cell's month ended before now's month began.
func settled(cell domain.Cell, now time.Time) bool {
	now = now.UTC()
	y, mo := now.Year(), int(now.Month())
	return cell.Year < y || (cell.Year == y && cell.Month < mo)
}

// Len returns the number of recorded cells.
func (m *missingTracker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.missing)
}

// Reset deletes the .not-found file and clears the in-memory set.
func (m *missingTracker) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		m.file.Close()
	}
	m.missing = make(map[string]struct{})
	os.Remove(m.path)
	return m.open()
}

// Close flushes and closes the .not-found file.
func (m *missingTracker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer != nil {
		m.writer.Flush()
	}
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}
