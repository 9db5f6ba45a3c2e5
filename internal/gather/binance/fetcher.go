package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"klinedb/internal/archive"
	"klinedb/internal/domain"
	"klinedb/internal/util"
)

// Outcome is the result class of a single archive fetch.
type Outcome int

const (
	// OutcomeCached means the archive was already in the local cache.
	OutcomeCached Outcome = iota
	// OutcomeDownloaded means the archive was fetched and stored.
	OutcomeDownloaded
	// OutcomeNotFound means the archive does not exist for that period.
	OutcomeNotFound
	// OutcomeFailed means the fetch failed; the cell is abandoned.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCached:
		return "cached"
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StatusError reports an unexpected HTTP status from the archive service.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// FetchResult describes what happened to one archive. Status is the HTTP
// status of a Failed fetch, or 0 when no response was received.
type FetchResult struct {
	Outcome Outcome
	Status  int
	Bytes   int64
	Err     error
}

// ArchiveFetcher makes a cell's archive available in the local cache.
type ArchiveFetcher interface {
	Fetch(ctx context.Context, cell domain.Cell, loc archive.Location) FetchResult
}

var _ ArchiveFetcher = (*Fetcher)(nil)

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// Workers sizes the per-host connection pool.
	Workers int
	// Timeout bounds one whole request including the body download.
	Timeout time.Duration
	// RateLimitPerSec caps request starts; 0 means unlimited.
	RateLimitPerSec float64
	// Retries is the number of attempts for transport errors.
	Retries    int
	RetryDelay time.Duration
	// Client overrides the HTTP client built from the options above.
	Client *http.Client
}

// Fetcher downloads monthly archives into the local cache.
type Fetcher struct {
	client     *http.Client
	limiter    *rate.Limiter
	retries    int
	retryDelay time.Duration
	log        *slog.Logger
}

// NewFetcher creates a Fetcher. One Fetcher is shared by every worker.
func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		client = newHTTPClient(opts.Workers, opts.Timeout)
	}
	return &Fetcher{
		client:     client,
		limiter:    util.NewRateLimiter(opts.RateLimitPerSec),
		retries:    max(opts.Retries, 1),
		retryDelay: opts.RetryDelay,
		log:        slog.Default().With("component", "fetcher"),
	}
}

func newHTTPClient(workers int, timeout time.Duration) *http.Client {
	workers = max(workers, 1)
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   workers,
		MaxConnsPerHost:       workers,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Fetch ensures the archive for cell is at loc.Path. An existing file is
// trusted without any network call. Transport errors are retried with
// backoff; HTTP statuses are final.
func (f *Fetcher) Fetch(ctx context.Context, cell domain.Cell, loc archive.Location) FetchResult {
	if _, err := os.Stat(loc.Path); err == nil {
		return FetchResult{Outcome: OutcomeCached}
	}

	var res FetchResult
	err := util.Retry(ctx, f.retries, f.retryDelay, func() error {
		var err error
		res, err = f.download(ctx, loc)
		if err != nil && ctx.Err() == nil {
			f.log.Debug("fetch attempt failed", "cell", cell.String(), "err", err)
		}
		return err
	})
	if err != nil {
		return FetchResult{Outcome: OutcomeFailed, Err: err}
	}

	if res.Outcome == OutcomeDownloaded {
		f.log.Debug("downloaded", "cell", cell.String(), "size", humanize.Bytes(uint64(res.Bytes)))
	}
	return res
}

// download performs one GET. A returned error means no usable response;
// errors wrapped with util.Permanent are not retried.
func (f *Fetcher) download(ctx context.Context, loc archive.Location) (FetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return FetchResult{}, util.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.URL, nil)
	if err != nil {
		return FetchResult{}, util.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return FetchResult{Outcome: OutcomeNotFound, Status: resp.StatusCode}, nil
	case resp.StatusCode != http.StatusOK:
		return FetchResult{
			Outcome: OutcomeFailed,
			Status:  resp.StatusCode,
			Err:     &StatusError{Code: resp.StatusCode, URL: loc.URL},
		}, nil
	}

	n, err := writeAtomic(loc.Path, resp.Body)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{Outcome: OutcomeDownloaded, Status: resp.StatusCode, Bytes: n}, nil
}

// writeAtomic streams r into path via a .part file renamed on success, so a
// partial download never appears at path.
func writeAtomic(path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, util.Permanent(fmt.Errorf("creating cache dir: %w", err))
	}

	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, util.Permanent(fmt.Errorf("creating %s: %w", tmp, err))
	}

	n, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("writing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, util.Permanent(fmt.Errorf("renaming %s: %w", tmp, err))
	}
	return n, nil
}
