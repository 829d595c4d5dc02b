package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultDownloadTimeout bounds a single artifact download.
	DefaultDownloadTimeout = 30 * time.Minute

	chunkSize         = 8192
	maxErrorBodyBytes = 8 * 1024
)

// DownloadError reports a failed materialization.
type DownloadError struct {
	Name string
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Name, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Downloader fetches remote artifacts to local files.
type Downloader struct {
	client *http.Client
}

// NewDownloader wraps client; nil uses a client with DefaultDownloadTimeout.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: DefaultDownloadTimeout}
	}
	return &Downloader{client: client}
}

// Fetch downloads url to dest. Bytes go to a temporary file next to dest
// which is renamed into place on success. An existing non-empty dest is
// kept as is. progress, when set, sees fractions in [0,1] and always ends
// with 1.
func (d *Downloader) Fetch(ctx context.Context, url, dest string, progress func(float64)) error {
	report := func(f float64) {
		if progress != nil {
			progress(min(max(f, 0), 1))
		}
	}

	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		report(1)
		return nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat dest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir dest dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if msg := strings.TrimSpace(string(body)); msg != "" {
			return fmt.Errorf("download failed: %s: %s", resp.Status, msg)
		}
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, chunkSize)
	report(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write temp: %w", werr)
			}
			written += int64(n)
			if total > 0 {
				report(float64(written) / float64(total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read body: %w", rerr)
		}
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	report(1)
	return nil
}
