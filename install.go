package zb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/zb-project/zb/internal/apiclient"
	"github.com/zb-project/zb/internal/blobcache"
	"github.com/zb-project/zb/internal/extractor"
	"github.com/zb-project/zb/internal/linker"
	"github.com/zb-project/zb/internal/metastore"
	"github.com/zb-project/zb/internal/pipeline"
	"github.com/zb-project/zb/internal/store"
)

// Installer is the package's main entry point: it owns the metadata
// store, blob cache, content store, and API client for one root/prefix
// pair, and exposes the install/uninstall/gc operations described in
// §4 of the design.
type Installer struct {
	opts  *Options
	db    *metastore.DB
	api   *apiclient.Client
	blobs *blobcache.Cache
	store *store.Store
}

// Open initializes (or reattaches to) an existing root, creating the
// root/prefix directory tree when AutoInit is set (the default).
func Open(options ...Option) (*Installer, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(opts)
	}

	if opts.AutoInit {
		for _, dir := range []string{opts.Root, opts.Prefix} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, newErr(KindIOError, "", "", "create directory "+dir, err)
			}
		}
	}

	db, err := metastore.Open(opts.Root)
	if err != nil {
		return nil, newErr(KindMigrationFailed, "", "", "open metadata store", err)
	}

	blobs, err := blobcache.New(opts.Root, opts.HTTPClient)
	if err != nil {
		db.Close()
		return nil, newErr(KindIOError, "", "", "open blob cache", err)
	}

	st, err := store.New(opts.Root, opts.Prefix)
	if err != nil {
		db.Close()
		return nil, newErr(KindIOError, "", "", "open content store", err)
	}

	api := apiclient.New(opts.APIBaseURL, opts.HTTPClient, db)

	return &Installer{opts: opts, db: db, api: api, blobs: blobs, store: st}, nil
}

// Close releases the metadata store's handle.
func (in *Installer) Close() error {
	return in.db.Close()
}

// Install resolves the full transitive dependency closure of names,
// fetches and downloads anything not already installed, and links every
// resolved formula into the prefix, in topological order.
func (in *Installer) Install(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	formulas, err := in.fetchClosureFormulas(ctx, names)
	if err != nil {
		return err
	}

	order, err := ResolveClosureMulti(names, formulas)
	if err != nil {
		return err
	}

	items := make([]pipeline.Item, 0, len(order))
	for _, name := range order {
		keg, ok, err := in.db.GetInstalledKeg(ctx, name)
		if err != nil {
			return newErr(KindIOError, name, "install", "check installed state", err)
		}
		f := formulas[name]
		if ok && keg.Version == f.Version {
			continue // already installed at the resolved version
		}

		bottle, err := SelectBottle(f)
		if err != nil {
			return err
		}
		items = append(items, pipeline.Item{
			Name:        name,
			Version:     f.Version,
			PlatformTag: PlatformTag(),
			BottleURL:   bottle.URL,
			SHA256:      bottle.SHA256,
		})
	}
	if len(items) == 0 {
		return nil
	}

	deps := pipeline.Deps{
		Blob:  in.blobs,
		Store: in.store,
		DB:    in.db,
		Sink:  sinkAdapter{in.opts.Sink},
	}
	conc := pipeline.Concurrency{
		Download:    in.opts.DownloadConcurrency,
		Unpack:      in.opts.UnpackConcurrency,
		Materialize: in.opts.MaterializeConcurrency,
		SkipLink:    in.opts.NoLink,
	}

	results := pipeline.Run(ctx, in.opts.Prefix, items, deps, conc)

	var firstErr error
	var failedNames []string
	for _, r := range results {
		if r.Err != nil {
			failedNames = append(failedNames, r.Item.Name)
			if firstErr == nil {
				firstErr = mapInstallErr(r.Item.Name, r.Err)
			}
		}
	}
	if len(failedNames) == 1 {
		return firstErr
	}
	if firstErr != nil {
		return newErr(KindPartialInstall, "", "install",
			fmt.Sprintf("install failed for: %v", failedNames), firstErr)
	}
	return nil
}

// fetchClosureFormulas fetches and parses every formula reachable from
// names, following dependency edges breadth-first until no new formula
// names appear. Per §4.2, each breadth-first level is fetched
// concurrently (bounded by DownloadConcurrency) rather than one name at
// a time; apiclient's own single-flight dedup collapses same-name
// fetches that land in the same level, and its HTTP cache makes repeat
// Install calls for overlapping formula sets cheap.
func (in *Installer) fetchClosureFormulas(ctx context.Context, names []string) (map[string]*Formula, error) {
	formulas := make(map[string]*Formula)
	var mu sync.Mutex
	level := append([]string(nil), names...)

	for len(level) > 0 {
		var firstErr error
		var nextLevel []string

		p := pool.New().WithMaxGoroutines(max(in.opts.DownloadConcurrency, 1))
		for _, name := range level {
			name := name
			mu.Lock()
			_, already := formulas[name]
			mu.Unlock()
			if already {
				continue
			}

			p.Go(func() {
				result, err := in.api.GetFormulaRaw(ctx, name)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = newErr(KindFormulaNotFound, name, "resolve", "fetch formula metadata", err)
					}
					mu.Unlock()
					return
				}
				f, err := ParseFormula(result.Body)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}

				mu.Lock()
				if _, ok := formulas[name]; !ok {
					formulas[name] = f
					nextLevel = append(nextLevel, f.Dependencies...)
				}
				mu.Unlock()
			})
		}
		p.Wait()

		if firstErr != nil {
			return nil, firstErr
		}
		level = nextLevel
	}

	return formulas, nil
}

// mapInstallErr converts a pipeline failure for name into a *zb.Error
// carrying the most specific kind it can identify, so callers can
// branch on KindOf(err) rather than re-deriving it from the message.
// blobcache surfaces a checksum mismatch as its own unexported error
// type; a linker conflict and an unsafe archive entry arrive wrapped by
// the pipeline and are matched with errors.As. Everything else passes
// through unchanged.
func mapInstallErr(name string, err error) error {
	if blobcache.IsChecksumMismatch(err) {
		return newErr(KindChecksumMismatch, name, "download",
			"bottle archive did not match the published checksum", err)
	}
	var conflict *linker.LinkConflictError
	if errors.As(err, &conflict) {
		return newErr(KindLinkConflict, name, "link", conflict.Error(), err)
	}
	var unsafeEntry *extractor.ErrUnsafeArchive
	if errors.As(err, &unsafeEntry) {
		return newErr(KindUnsafeArchive, name, "unpack", unsafeEntry.Error(), err)
	}
	return err
}

// Uninstall removes an installed formula: its link records are
// unprojected from the prefix, its keg tree is removed, and its
// metadata row and store reference are dropped. The underlying store
// entry is only reclaimed by GC, once no installed keg references it.
func (in *Installer) Uninstall(ctx context.Context, name string) error {
	keg, ok, err := in.db.GetInstalledKeg(ctx, name)
	if err != nil {
		return newErr(KindIOError, name, "uninstall", "look up installed keg", err)
	}
	if !ok {
		return newErr(KindFormulaNotFound, name, "uninstall", "formula not installed", nil)
	}

	records, err := in.db.LinkRecordsForKeg(ctx, name)
	if err != nil {
		return newErr(KindIOError, name, "uninstall", "look up link records", err)
	}
	links := make([]linker.SymLink, len(records))
	for i, r := range records {
		links[i] = linker.SymLink{LinkPath: r.LinkPath, TargetPath: r.TargetPath}
	}
	if err := linker.Unlink(links); err != nil {
		return newErr(KindIOError, name, "uninstall", "remove links", err)
	}

	kegPath := filepath.Join(in.opts.Prefix, "Cellar", name, keg.Version)
	if err := os.RemoveAll(kegPath); err != nil {
		return newErr(KindIOError, name, "uninstall", "remove keg tree", err)
	}

	if _, err := in.db.RecordUninstall(ctx, name); err != nil {
		return newErr(KindIOError, name, "uninstall", "update metadata", err)
	}
	return nil
}

// GC removes every store entry no longer referenced by any installed
// keg.
func (in *Installer) GC(ctx context.Context) (removed []string, err error) {
	referenced, err := in.db.ListReferencedStoreKeys(ctx)
	if err != nil {
		return nil, newErr(KindIOError, "", "gc", "list referenced store keys", err)
	}
	entries, err := in.store.ListEntries()
	if err != nil {
		return nil, newErr(KindIOError, "", "gc", "list store entries", err)
	}

	for _, key := range entries {
		if referenced[key] {
			continue
		}
		if err := in.store.Remove(key); err != nil {
			return removed, newErr(KindIOError, "", "gc", "remove store entry "+key, err)
		}
		removed = append(removed, key)
	}
	return removed, nil
}

// ListInstalledKegs returns every installed formula and version, sorted
// by name.
func (in *Installer) ListInstalledKegs(ctx context.Context) ([]metastore.InstalledKeg, error) {
	return in.db.ListInstalledKegs(ctx)
}

// CacheStats reports HTTP cache occupancy for administrative inspection.
func (in *Installer) CacheStats(ctx context.Context) (metastore.HTTPCacheStats, error) {
	return in.db.HTTPCacheStats(ctx)
}

// ClearHTTPCache empties the formula metadata HTTP cache. It does not
// touch the blob cache or any installed keg — see DESIGN.md for why
// `update` clears only this cache by default.
func (in *Installer) ClearHTTPCache(ctx context.Context) (int, error) {
	return in.db.ClearHTTPCache(ctx)
}

// AddTap records a tap as configured, for future formula resolution.
// Fetching formulas from a tap's own index is out of scope (see
// spec.md Non-goals); this is inert bookkeeping only.
func (in *Installer) AddTap(ctx context.Context, owner, repo string, priority int) error {
	return in.db.AddTap(ctx, owner, repo, priority)
}

func (in *Installer) RemoveTap(ctx context.Context, owner, repo string) error {
	return in.db.RemoveTap(ctx, owner, repo)
}

func (in *Installer) ListTaps(ctx context.Context) ([]metastore.Tap, error) {
	return in.db.ListTaps(ctx)
}

// sinkAdapter bridges the richer public ProgressSink (which carries a
// download URL and byte progress the pipeline package doesn't track) to
// pipeline.ProgressSink's narrower event set.
type sinkAdapter struct {
	sink ProgressSink
}

func (a sinkAdapter) DownloadStarted(name string)   { a.sink.DownloadStarted(name, "") }
func (a sinkAdapter) DownloadCompleted(name string)  { a.sink.DownloadCompleted(name) }
func (a sinkAdapter) UnpackStarted(name string)      { a.sink.UnpackStarted(name) }
func (a sinkAdapter) UnpackCompleted(name string)    { a.sink.UnpackCompleted(name) }
func (a sinkAdapter) LinkStarted(name string)        { a.sink.LinkStarted(name) }
func (a sinkAdapter) LinkCompleted(name string)      { a.sink.LinkCompleted(name) }
func (a sinkAdapter) InstallCompleted(name, version string) {
	a.sink.InstallCompleted(name, version)
}
