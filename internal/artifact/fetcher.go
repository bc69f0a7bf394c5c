// Package artifact downloads and installs the service binaries declared in
// the node manifest. Downloads are verified against the manifest's SHA-256
// digest and retried with exponential backoff, so a briefly unavailable
// artifact store delays a service start instead of failing it.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxAttempts bounds the download attempts (the first try plus retries) for
// one Ensure call.
const maxAttempts = 5

// Fetcher installs service binaries into a single directory, one file per
// service name.
type Fetcher struct {
	dir    string
	client *http.Client
	logger *slog.Logger
}

// NewFetcher creates a Fetcher installing into dir. A nil logger falls back
// to slog.Default().
func NewFetcher(dir string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		dir:    dir,
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: logger,
	}
}

// Ensure makes the artifact for the named service present and verified, and
// returns its installed path. When the installed file already matches
// wantDigest the download is skipped entirely.
//
// Transient failures (network errors, non-2xx responses, truncated bodies)
// are retried with exponential backoff, for at most maxAttempts attempts in
// all; a complete
// download whose digest differs from wantDigest is permanent — retrying
// cannot fix a wrong artifact.
func (f *Fetcher) Ensure(ctx context.Context, name, url, wantDigest string) (string, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: create %q: %w", f.dir, err)
	}
	path := filepath.Join(f.dir, name)

	if digest, err := fileDigest(path); err == nil && digest == wantDigest {
		f.logger.Debug("artifact already installed",
			slog.String("service", name),
			slog.String("sha256", digest),
		)
		return path, nil
	}

	op := func() error {
		return f.download(ctx, url, path, wantDigest)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		f.logger.Warn("artifact download failed, retrying",
			slog.String("service", name),
			slog.String("url", url),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", fmt.Errorf("artifact: fetch %q: %w", name, err)
	}

	f.logger.Info("artifact installed",
		slog.String("service", name),
		slog.String("path", path),
		slog.String("sha256", wantDigest),
	)
	return path, nil
}

// download fetches url into path via a temp file, verifying the digest
// before the rename so a half-written binary is never installed.
func (f *Fetcher) download(ctx context.Context, url, path, wantDigest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".partial-*")
	if err != nil {
		return backoff.Permanent(err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if digest := hex.EncodeToString(h.Sum(nil)); digest != wantDigest {
		return backoff.Permanent(fmt.Errorf("digest mismatch: got %s, want %s", digest, wantDigest))
	}

	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return backoff.Permanent(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return backoff.Permanent(err)
	}
	return nil
}

// fileDigest returns the hex SHA-256 of the file at path.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
