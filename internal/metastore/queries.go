package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordInstall commits an install atomically: upserts the InstalledKeg
// row, inserts every LinkRecord, and increments (or creates) the
// StoreRef row for storeKey. This is the visibility barrier described in
// §4.10: the filesystem changes (materialize, link) precede this call,
// and this call is what makes the install durable and discoverable.
func (d *DB) RecordInstall(ctx context.Context, keg InstalledKeg, links []LinkRecord) error {
	return d.withWriteTx(ctx, func(tx *sql.Tx) error {
		if err := upsertInstalledKeg(tx, keg); err != nil {
			return fmt.Errorf("record install: %w", err)
		}
		for _, l := range links {
			if _, err := tx.Exec(
				`INSERT INTO link_records (keg_name, keg_version, link_path, target_path) VALUES (?1, ?2, ?3, ?4)`,
				l.KegName, l.KegVersion, l.LinkPath, l.TargetPath,
			); err != nil {
				return fmt.Errorf("record link %s: %w", l.LinkPath, err)
			}
		}
		if err := incrementStoreRef(tx, keg.StoreKey); err != nil {
			return fmt.Errorf("increment store ref %s: %w", keg.StoreKey, err)
		}
		return nil
	})
}

func upsertInstalledKeg(tx *sql.Tx, keg InstalledKeg) error {
	res, err := tx.Exec(
		`UPDATE installed_kegs SET version = ?2, store_key = ?3, platform_tag = ?4, installed_at = ?5 WHERE name == ?1`,
		keg.Name, keg.Version, keg.StoreKey, keg.PlatformTag, keg.InstalledAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = tx.Exec(
			`INSERT INTO installed_kegs (name, version, store_key, platform_tag, installed_at) VALUES (?1, ?2, ?3, ?4, ?5)`,
			keg.Name, keg.Version, keg.StoreKey, keg.PlatformTag, keg.InstalledAt,
		)
	}
	return err
}

func incrementStoreRef(tx *sql.Tx, storeKey string) error {
	res, err := tx.Exec(`UPDATE store_refs SET refcount = refcount + 1 WHERE store_key == ?1`, storeKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = tx.Exec(`INSERT INTO store_refs (store_key, refcount) VALUES (?1, ?2)`, storeKey, 1)
	}
	return err
}

// RecordUninstall removes an installed keg's metadata atomically: it
// deletes the InstalledKeg row and its LinkRecords, decrements the
// StoreRef row (removing it once it reaches zero), and returns the store
// key that was referenced so the caller can decide whether to GC it.
func (d *DB) RecordUninstall(ctx context.Context, name string) (storeKey string, err error) {
	err = d.withWriteTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT store_key FROM installed_kegs WHERE name == ?1 LIMIT 1`, name)
		if scanErr := row.Scan(&storeKey); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return fmt.Errorf("keg not installed: %s", name)
			}
			return scanErr
		}

		if _, err := tx.Exec(`DELETE FROM installed_kegs WHERE name == ?1`, name); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM link_records WHERE keg_name == ?1`, name); err != nil {
			return err
		}
		return decrementStoreRef(tx, storeKey)
	})
	return storeKey, err
}

func decrementStoreRef(tx *sql.Tx, storeKey string) error {
	var refcount int
	row := tx.QueryRow(`SELECT refcount FROM store_refs WHERE store_key == ?1 LIMIT 1`, storeKey)
	if err := row.Scan(&refcount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if refcount <= 1 {
		_, err := tx.Exec(`DELETE FROM store_refs WHERE store_key == ?1`, storeKey)
		return err
	}
	_, err := tx.Exec(`UPDATE store_refs SET refcount = refcount - 1 WHERE store_key == ?1`, storeKey)
	return err
}

// GetInstalledKeg looks up one InstalledKeg by name.
func (d *DB) GetInstalledKeg(ctx context.Context, name string) (*InstalledKeg, bool, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT name, version, store_key, platform_tag, installed_at FROM installed_kegs WHERE name == ?1 LIMIT 1`, name)
	var k InstalledKeg
	if err := row.Scan(&k.Name, &k.Version, &k.StoreKey, &k.PlatformTag, &k.InstalledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &k, true, nil
}

// ListInstalledKegs returns every InstalledKeg row, ordered by name.
func (d *DB) ListInstalledKegs(ctx context.Context) ([]InstalledKeg, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT name, version, store_key, platform_tag, installed_at FROM installed_kegs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstalledKeg
	for rows.Next() {
		var k InstalledKeg
		if err := rows.Scan(&k.Name, &k.Version, &k.StoreKey, &k.PlatformTag, &k.InstalledAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// LinkRecordsForKeg returns every LinkRecord for a given installed keg
// name, so Uninstall can remove exactly the symlinks it created.
func (d *DB) LinkRecordsForKeg(ctx context.Context, name string) ([]LinkRecord, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT keg_name, keg_version, link_path, target_path FROM link_records WHERE keg_name == ?1`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LinkRecord
	for rows.Next() {
		var l LinkRecord
		if err := rows.Scan(&l.KegName, &l.KegVersion, &l.LinkPath, &l.TargetPath); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetStoreRefcount returns the current refcount for storeKey, or 0 if
// there is no row (meaning the key is unreferenced or was never
// installed).
func (d *DB) GetStoreRefcount(ctx context.Context, storeKey string) (int, error) {
	var refcount int
	row := d.sql.QueryRowContext(ctx, `SELECT refcount FROM store_refs WHERE store_key == ?1 LIMIT 1`, storeKey)
	if err := row.Scan(&refcount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return refcount, nil
}

// ListReferencedStoreKeys returns every store key with a refcount > 0,
// the complement GC uses to decide which on-disk store entries survive.
func (d *DB) ListReferencedStoreKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT store_key FROM store_refs WHERE refcount > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out[key] = true
	}
	return out, rows.Err()
}

// GetHTTPCacheEntry looks up a cached API response by URL.
func (d *DB) GetHTTPCacheEntry(ctx context.Context, url string) (*HTTPCacheEntry, bool, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT url, etag, last_modified, body, cached_at FROM http_cache WHERE url == ?1 LIMIT 1`, url)
	var e HTTPCacheEntry
	if err := row.Scan(&e.URL, &e.ETag, &e.LastModified, &e.Body, &e.CachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &e, true, nil
}

// PutHTTPCacheEntry inserts or replaces the cache entry for e.URL.
func (d *DB) PutHTTPCacheEntry(ctx context.Context, e HTTPCacheEntry) error {
	return d.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE http_cache SET etag = ?2, last_modified = ?3, body = ?4, cached_at = ?5 WHERE url == ?1`,
			e.URL, e.ETag, e.LastModified, e.Body, e.CachedAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			_, err = tx.Exec(
				`INSERT INTO http_cache (url, etag, last_modified, body, cached_at) VALUES (?1, ?2, ?3, ?4, ?5)`,
				e.URL, e.ETag, e.LastModified, e.Body, e.CachedAt,
			)
		}
		return err
	})
}

// ClearHTTPCache deletes every row from http_cache and returns the
// number removed, resolving the design's Open Question in favor of
// `update` clearing only the HTTP cache by default (see DESIGN.md).
func (d *DB) ClearHTTPCache(ctx context.Context) (removed int, err error) {
	err = d.withWriteTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow(`SELECT count(url) FROM http_cache`).Scan(&count); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM http_cache`); err != nil {
			return err
		}
		removed = count
		return nil
	})
	return removed, err
}

// HTTPCacheStats reports entry count and the oldest/newest cached_at
// timestamps, for administrative inspection.
type HTTPCacheStats struct {
	EntryCount int
	Oldest     *time.Time
	Newest     *time.Time
}

func (d *DB) HTTPCacheStats(ctx context.Context) (HTTPCacheStats, error) {
	var stats HTTPCacheStats
	row := d.sql.QueryRowContext(ctx, `SELECT count(url), min(cached_at), max(cached_at) FROM http_cache`)
	var oldest, newest sql.NullTime
	if err := row.Scan(&stats.EntryCount, &oldest, &newest); err != nil {
		return stats, err
	}
	if oldest.Valid {
		stats.Oldest = &oldest.Time
	}
	if newest.Valid {
		stats.Newest = &newest.Time
	}
	return stats, nil
}

// AddTap records that a tap is configured. No network fetch happens
// here; fetching formulas from taps beyond the core index is out of
// scope (see spec.md Non-goals) — this is inert metadata only.
func (d *DB) AddTap(ctx context.Context, owner, repo string, priority int) error {
	return d.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO taps (owner, repo, priority, added_at) VALUES (?1, ?2, ?3, ?4)`,
			owner, repo, priority, time.Now(),
		)
		return err
	})
}

func (d *DB) RemoveTap(ctx context.Context, owner, repo string) error {
	return d.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM taps WHERE owner == ?1 AND repo == ?2`, owner, repo)
		return err
	})
}

func (d *DB) ListTaps(ctx context.Context) ([]Tap, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT owner, repo, priority, added_at FROM taps ORDER BY owner, repo`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tap
	for rows.Next() {
		var t Tap
		if err := rows.Scan(&t.Owner, &t.Repo, &t.Priority, &t.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
