// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"vmsupervisor/progress"
	"vmsupervisor/vmerrors"
)

const userAgent = "vmsupervisor-image-fetcher/1"

// downloadFile fetches url into destPath, retrying transient failures
// with exponential backoff. It streams through a temp file in destPath's
// directory and renames atomically on success, so a crash mid-download
// never leaves a partial file at destPath.
func (p *Preparer) downloadFile(ctx context.Context, url, destPath, label string) error {
	retries := p.cfg.DownloadRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		err := p.downloadOnce(ctx, url, destPath, label)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == retries {
			break
		}
		p.log.Warn("download attempt failed, retrying", "url", url, "attempt", attempt, "of", retries, "error", err)
		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return vmerrors.NewResourceError("download %s failed after %d attempts: %v", url, retries, lastErr)
}

// backoffDelay doubles per attempt starting at 2s, capped at 30s —
// the same exponential shape the rest of the codebase uses for retry
// scheduling, just without the job-tracking bookkeeping that pattern
// carries elsewhere.
func backoffDelay(attempt int) time.Duration {
	delay := 2 * time.Second * time.Duration(uint(1)<<uint(attempt-1))
	const max = 30 * time.Second
	if delay > max {
		return max
	}
	return delay
}

func (p *Preparer) downloadOnce(ctx context.Context, url, destPath, label string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	client := &http.Client{Timeout: 0} // body streaming is bounded by ctx, not a blanket timeout
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := ensureParentDir(destPath); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	bar := progress.NewDownloadProgress(os.Stderr, label, resp.ContentLength)
	defer bar.Close()

	written, err := io.Copy(io.MultiWriter(tmp, barWriter{bar}), resp.Body)
	if err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return fmt.Errorf("short read: got %d bytes, expected %d", written, resp.ContentLength)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	p.log.Info("download complete", "url", url, "bytes", written, "destination", destPath)
	return nil
}

// barWriter adapts a *progress.BarProgress to io.Writer so it can sit
// inside an io.MultiWriter alongside the destination file.
type barWriter struct {
	bar interface{ Add(int64) }
}

func (w barWriter) Write(b []byte) (int, error) {
	w.bar.Add(int64(len(b)))
	return len(b), nil
}
