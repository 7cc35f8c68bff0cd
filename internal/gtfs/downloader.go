package gtfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"busindex/internal/errs"
)

// Downloader handles GTFS zip file downloads with conditional requests.
type Downloader struct {
	client     *http.Client
	url        string
	dir        string // Directory to store downloaded files
	retries    uint64
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// NewDownloader creates a Downloader for the given GTFS URL.
func NewDownloader(url, dir string, logger *slog.Logger) *Downloader {
	return &Downloader{
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		url:     url,
		dir:     dir,
		retries: 3,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		logger: logger,
	}
}

// CheckResult holds the result of a conditional check.
type CheckResult struct {
	NeedsUpdate  bool
	LastModified string
	ETag         string
}

// Check sends a HEAD request to see if the feed has changed since the
// recorded Last-Modified. An unchanged Last-Modified header, or a 304, means
// no update.
func (d *Downloader) Check(ctx context.Context, lastModified, etag string) (*CheckResult, error) {
	var result *CheckResult
	err := d.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		if lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("HEAD request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotModified {
			result = &CheckResult{NeedsUpdate: false, LastModified: lastModified, ETag: etag}
			return nil
		}
		if err := statusError(resp.StatusCode); err != nil {
			return err
		}

		remote := resp.Header.Get("Last-Modified")
		result = &CheckResult{
			NeedsUpdate:  remote == "" || remote != lastModified,
			LastModified: remote,
			ETag:         resp.Header.Get("ETag"),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: check %s: %w", errs.ErrSourceUnavailable, d.url, err)
	}
	if !result.NeedsUpdate {
		d.logger.Info("GTFS feed not modified", "last_modified", result.LastModified)
	}
	return result, nil
}

// Download fetches the GTFS zip and saves it to a temp file.
// Returns the path to the downloaded file and the response headers.
func (d *Downloader) Download(ctx context.Context) (path string, lastModified string, etag string, err error) {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", "", "", fmt.Errorf("create dir: %w", err)
	}

	d.logger.Info("downloading GTFS feed", "url", d.url)
	var written int64
	err = d.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("GET request: %w", err)
		}
		defer resp.Body.Close()

		if err := statusError(resp.StatusCode); err != nil {
			return err
		}

		tmpFile, err := os.CreateTemp(d.dir, "gtfs-*.zip")
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create temp file: %w", err))
		}
		defer tmpFile.Close()

		written, err = io.Copy(tmpFile, resp.Body)
		if err != nil {
			os.Remove(tmpFile.Name())
			return fmt.Errorf("write file: %w", err)
		}
		path = tmpFile.Name()
		lastModified = resp.Header.Get("Last-Modified")
		etag = resp.Header.Get("ETag")
		return nil
	})
	if err != nil {
		return "", "", "", fmt.Errorf("%w: download %s: %w", errs.ErrSourceUnavailable, d.url, err)
	}

	d.logger.Info("GTFS feed downloaded",
		"path", filepath.Base(path),
		"size_mb", fmt.Sprintf("%.1f", float64(written)/(1024*1024)),
	)
	return path, lastModified, etag, nil
}

func (d *Downloader) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), d.retries), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		d.logger.Warn("feed request failed, retrying", "error", err, "wait", wait)
	})
}

// statusError classifies a non-success status. Client errors will not fix
// themselves, so they stop the retry loop.
func statusError(code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("unexpected status: %d", code)
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
