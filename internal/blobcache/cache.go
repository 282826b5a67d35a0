// Package blobcache atomically downloads content-addressed bottle
// archives, verifying their sha256 against the caller-supplied expected
// digest before making them visible under their final path. It
// deduplicates concurrent requests for the same digest both in-process
// (golang.org/x/sync/singleflight) and across processes (a per-digest
// lockfile), following the two-tier caching shape the teacher itself
// uses (internal/store/cache.go's in-memory Cache sitting in front of
// internal/store/local.go's filesystem-backed LocalStore).
package blobcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/zb-project/zb/internal/lockfile"
)

// Cache manages <root>/cache/blobs (verified archives), <root>/cache/tmp
// (in-progress downloads), and <root>/locks (per-digest cross-process
// locks).
type Cache struct {
	blobsDir string
	tmpDir   string
	locksDir string
	http     *http.Client
	group    singleflight.Group
}

func New(root string, httpClient *http.Client) (*Cache, error) {
	c := &Cache{
		blobsDir: filepath.Join(root, "cache", "blobs"),
		tmpDir:   filepath.Join(root, "cache", "tmp"),
		locksDir: filepath.Join(root, "locks"),
		http:     httpClient,
	}
	for _, dir := range []string{c.blobsDir, c.tmpDir, c.locksDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("blobcache: mkdir %s: %w", dir, err)
		}
	}
	return c, nil
}

// BlobPath returns the path a verified archive for sha256 lives at,
// regardless of whether it currently exists.
func (c *Cache) BlobPath(sha256Hex string) string {
	return filepath.Join(c.blobsDir, sha256Hex+".tar.gz")
}

// Has reports whether the blob for sha256 already exists.
func (c *Cache) Has(sha256Hex string) bool {
	_, err := os.Stat(c.BlobPath(sha256Hex))
	return err == nil
}

// Ensure returns a local path whose contents hash to expectedSHA256,
// downloading from url only if necessary. It implements §4.5 exactly:
// existence check, single-flight dedup by digest (in-process fast path,
// then a cross-process lockfile with a double-checked re-read),
// stream-to-tmp with a rolling hash, atomic rename on match, and exactly
// one retry on checksum mismatch.
func (c *Cache) Ensure(ctx context.Context, url, expectedSHA256 string) (string, error) {
	if c.Has(expectedSHA256) {
		return c.BlobPath(expectedSHA256), nil
	}

	v, err, _ := c.group.Do(expectedSHA256, func() (interface{}, error) {
		return c.ensureLocked(ctx, url, expectedSHA256)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) ensureLocked(ctx context.Context, url, expectedSHA256 string) (string, error) {
	lockPath := filepath.Join(c.locksDir, expectedSHA256)
	lock, err := lockfile.Acquire(ctx, lockPath)
	if err != nil {
		return "", fmt.Errorf("blobcache: acquire lock for %s: %w", expectedSHA256, err)
	}
	defer lock.Release()

	if c.Has(expectedSHA256) {
		return c.BlobPath(expectedSHA256), nil
	}

	const maxCorruptionRetries = 2
	var lastErr error
	for attempt := 0; attempt < maxCorruptionRetries; attempt++ {
		path, err := c.downloadOnce(ctx, url, expectedSHA256)
		if err == nil {
			return path, nil
		}
		if !isChecksumMismatch(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (c *Cache) downloadOnce(ctx context.Context, url, expectedSHA256 string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("blobcache: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("blobcache: network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("blobcache: api http error: status %d for %s", resp.StatusCode, url)
	}

	tmpPath := filepath.Join(c.tmpDir, expectedSHA256+".tar.gz.part")
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("blobcache: create tmp file: %w", err)
	}

	hasher := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	closeErr := tmp.Close()

	if copyErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("blobcache: stream download: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("blobcache: close tmp file: %w", closeErr)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != expectedSHA256 {
		os.Remove(tmpPath)
		return "", &checksumMismatchError{expected: expectedSHA256, actual: actual}
	}

	finalPath := c.BlobPath(expectedSHA256)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("blobcache: rename to final path: %w", err)
	}
	return finalPath, nil
}

type checksumMismatchError struct {
	expected, actual string
}

func (e *checksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.expected, e.actual)
}

func isChecksumMismatch(err error) bool {
	_, ok := err.(*checksumMismatchError)
	return ok
}

// IsChecksumMismatch reports whether err is a checksum mismatch, so the
// pipeline can map it to zb.KindChecksumMismatch without the caller
// needing to know blobcache's internal error type.
func IsChecksumMismatch(err error) bool { return isChecksumMismatch(err) }

// Prune removes any leftover .part files in the tmp directory, which a
// crash between write and rename leaves behind harmlessly (§4.5: "a
// crash... leaves only a tmp file that is ignored on the next run and
// eventually swept by prune").
func (c *Cache) Prune() error {
	entries, err := os.ReadDir(c.tmpDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(c.tmpDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
