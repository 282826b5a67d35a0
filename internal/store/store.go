// Package store materializes a verified bottle archive into the
// content-addressed store directory once, at a git-style sharded path
// keyed by the archive's own sha256 (the store key), following the
// sharding scheme the teacher's content-addressed filesystem used for
// its own objects directory (objects/ab/cd123...). Because the key is
// the bottle's content hash rather than anything derived from the
// formula name or version, two formulas (or two versions of the same
// formula) that happen to publish byte-identical bottles share exactly
// one store entry. A per-key lockfile and a tmp-dir-then-rename
// sequence make EnsureStoreEntry safe under concurrent callers and
// crash-safe: a crash leaves only an unreferenced tmp directory, never a
// half-extracted store entry.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zb-project/zb/internal/extractor"
	"github.com/zb-project/zb/internal/lockfile"
)

// Store manages <root>/store/<shard>/<key> entries and the locks and
// scratch space used to build them. prefix is the single installation
// prefix store entries are patched for (see patch_linux.go): the store
// itself is content-addressed and may be shared by any number of kegs,
// but every one of those kegs is still materialized into this one
// prefix, so patching RPATH against it at unpack time is safe.
type Store struct {
	storeDir string
	tmpDir   string
	locksDir string
	prefix   string
}

func New(root, prefix string) (*Store, error) {
	s := &Store{
		storeDir: filepath.Join(root, "store"),
		tmpDir:   filepath.Join(root, "store-tmp"),
		locksDir: filepath.Join(root, "locks", "store"),
		prefix:   prefix,
	}
	for _, dir := range []string{s.storeDir, s.tmpDir, s.locksDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	return s, nil
}

// StoreKey normalizes a bottle's sha256 (as already verified by
// blobcache against the formula's published checksum) into the store
// key used for sharding. The key is the archive's content hash and
// nothing else, per the store's content-addressing contract: it must
// not be derived from the formula name, version, or platform tag, or
// two formulas sharing a bottle would get two store entries instead of
// one.
func StoreKey(sha256Hex string) string {
	return strings.ToLower(sha256Hex)
}

// Path returns where storeKey lives on disk, regardless of whether it
// has been materialized yet.
func (s *Store) Path(storeKey string) string {
	if len(storeKey) < 2 {
		return filepath.Join(s.storeDir, storeKey)
	}
	return filepath.Join(s.storeDir, storeKey[:2], storeKey[2:])
}

// Has reports whether storeKey has a complete entry.
func (s *Store) Has(storeKey string) bool {
	_, err := os.Stat(s.completeMarker(storeKey))
	return err == nil
}

func (s *Store) completeMarker(storeKey string) string {
	return filepath.Join(s.Path(storeKey), ".complete")
}

// EnsureStoreEntry extracts the gzip-compressed tar archive at blobPath
// into the store entry for storeKey if it doesn't already exist,
// platform-patches the resulting tree, and returns the final path. It
// is idempotent and safe for concurrent callers sharing a root: a
// per-key lockfile serializes the build, and a late-arriving caller that
// loses the race simply observes the marker its competitor wrote.
func (s *Store) EnsureStoreEntry(ctx context.Context, storeKey, blobPath string) (string, error) {
	if s.Has(storeKey) {
		return s.Path(storeKey), nil
	}

	lockPath := filepath.Join(s.locksDir, storeKey)
	lock, err := lockfile.Acquire(ctx, lockPath)
	if err != nil {
		return "", fmt.Errorf("store: acquire lock for %s: %w", storeKey, err)
	}
	defer lock.Release()

	if s.Has(storeKey) {
		return s.Path(storeKey), nil
	}

	scratch, err := os.MkdirTemp(s.tmpDir, storeKey+"-*")
	if err != nil {
		return "", fmt.Errorf("store: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	blob, err := os.Open(blobPath)
	if err != nil {
		return "", fmt.Errorf("store: open blob %s: %w", blobPath, err)
	}
	defer blob.Close()

	if err := extractor.ExtractTarGz(blob, scratch); err != nil {
		return "", fmt.Errorf("store: extract %s: %w", blobPath, err)
	}

	if err := patchTree(scratch, s.prefix); err != nil {
		return "", fmt.Errorf("store: patch %s: %w", storeKey, err)
	}

	finalPath := s.Path(storeKey)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return "", fmt.Errorf("store: mkdir parent of %s: %w", finalPath, err)
	}
	if err := os.Rename(scratch, finalPath); err != nil {
		return "", fmt.Errorf("store: rename into place: %w", err)
	}

	if err := os.WriteFile(s.completeMarker(storeKey), nil, 0644); err != nil {
		return "", fmt.Errorf("store: write completion marker: %w", err)
	}
	return finalPath, nil
}

// Remove deletes a store entry entirely. Installer.GC calls it only
// after confirming via the metadata store that no installed keg
// references storeKey anymore.
func (s *Store) Remove(storeKey string) error {
	return os.RemoveAll(s.Path(storeKey))
}

// ListEntries returns every store key currently on disk, by walking the
// two-level shard directories. GC intersects this against the metadata
// store's referenced-keys set to find reclaimable entries.
func (s *Store) ListEntries() ([]string, error) {
	var keys []string
	shards, err := os.ReadDir(s.storeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.storeDir, shard.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				keys = append(keys, shard.Name()+e.Name())
			}
		}
	}
	return keys, nil
}
