// Package metastore is the durable metadata store: installed kegs, link
// records, store refcounts, HTTP cache entries, and configured taps. It
// is backed by github.com/cznic/ql, a pure-Go embedded SQL engine with
// no cgo dependency, paired with github.com/BurntSushi/migration for
// forward-only schema migrations — the same pairing ndlib-bendo uses for
// its own embedded-database cache (server/db_ql.go, server/db_mysql.go),
// adapted here from a development-mode convenience into the sole
// backing store.
//
// Concurrent writers from multiple processes are serialized with an
// exclusive lockfile held for the duration of a write transaction; ql
// itself only serializes within one process.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"

	"github.com/zb-project/zb/internal/lockfile"
)

// DB is the metadata store handle.
type DB struct {
	sql      *sql.DB
	lockPath string
}

// Open opens (creating and migrating if necessary) the metadata store
// rooted at <root>/db/zb.ql, with its writer lock at <root>/db/zb.lock.
func Open(root string) (*DB, error) {
	dbDir := filepath.Join(root, "db")
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("metastore: mkdir %s: %w", dbDir, err)
	}
	filename := filepath.Join(dbDir, "zb.ql")

	sqlDB, err := migration.OpenWith("ql", filename, migrations, versioningTable.Get, versioningTable.Set)
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", filename, err)
	}

	return &DB{sql: sqlDB, lockPath: filepath.Join(dbDir, "zb.lock")}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error { return d.sql.Close() }

// withWriteTx acquires the cross-process writer lock, runs fn inside a
// single ql transaction, and commits on success or rolls back on error
// or panic. This is the atomic commit point the install pipeline relies
// on: fn either applies fully or not at all, matching §4.1's "fully
// applied or fully absent after a crash" contract.
func (d *DB) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	lock, err := lockfile.Acquire(ctx, d.lockPath)
	if err != nil {
		return fmt.Errorf("metastore: acquire write lock: %w", err)
	}
	defer lock.Release()

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: commit: %w", err)
	}
	return nil
}

// InstalledKeg is a row of the installed_kegs table.
type InstalledKeg struct {
	Name        string
	Version     string
	StoreKey    string
	PlatformTag string
	InstalledAt time.Time
}

// LinkRecord is a row of the link_records table: a symlink created in
// the prefix for one installed keg.
type LinkRecord struct {
	KegName    string
	KegVersion string
	LinkPath   string
	TargetPath string
}

// HTTPCacheEntry is a row of the http_cache table.
type HTTPCacheEntry struct {
	URL          string
	ETag         string
	LastModified string
	Body         []byte
	CachedAt     time.Time
}

// Tap is a row of the taps table.
type Tap struct {
	Owner    string
	Repo     string
	Priority int
	AddedAt  time.Time
}
