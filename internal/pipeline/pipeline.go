// Package pipeline runs an install plan through three bounded-
// concurrency stages — download, unpack (store), materialize+link —
// connected by channels so that, e.g., formula 3's download can run
// while formula 1 is already unpacking. Each stage completes formulas
// out of order relative to the plan's topological order; a final commit
// loop re-serializes them back into that order before writing anything
// to the metadata store, so a dependency's install is always durable
// before its dependent's, exactly as §4.10 specifies. This staged-pool
// shape is grounded on the teacher's internal/remote/oci.go, which uses
// sourcegraph/conc/pool.New().WithMaxGoroutines(n) to bound parallel
// layer downloads; here the same primitive bounds three stages instead
// of one.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/zb-project/zb/internal/linker"
	"github.com/zb-project/zb/internal/materializer"
	"github.com/zb-project/zb/internal/metastore"
	"github.com/zb-project/zb/internal/store"
)

// Item is one formula's install unit.
type Item struct {
	Name        string
	Version     string
	PlatformTag string
	BottleURL   string
	SHA256      string
}

// Deps bundles the collaborators the pipeline drives. Blob and Store
// are narrow interfaces so tests can substitute fakes without standing
// up a real blobcache.Cache/store.Store.
type Deps struct {
	Blob  BlobEnsurer
	Store StoreEnsurer
	DB    *metastore.DB
	Sink  ProgressSink
}

// BlobEnsurer downloads (or reuses) the archive for a bottle, returning
// its local path.
type BlobEnsurer interface {
	Ensure(ctx context.Context, url, sha256Hex string) (string, error)
}

// StoreEnsurer extracts (or reuses) a store entry for a blob.
type StoreEnsurer interface {
	EnsureStoreEntry(ctx context.Context, storeKey, blobPath string) (string, error)
}

// ProgressSink receives lifecycle events as the pipeline advances.
// Stages report concurrently, so implementations must be concurrency-
// safe.
type ProgressSink interface {
	DownloadStarted(name string)
	DownloadCompleted(name string)
	UnpackStarted(name string)
	UnpackCompleted(name string)
	LinkStarted(name string)
	LinkCompleted(name string)
	InstallCompleted(name, version string)
}

// Result is one formula's outcome after its commit has landed.
type Result struct {
	Item  Item
	Links []linker.SymLink
	Err   error
}

type stage1Out struct {
	idx      int
	item     Item
	blobPath string
	err      error
}

type stage2Out struct {
	idx       int
	item      Item
	storePath string
	err       error
}

// Concurrency bounds one stage pool each. SkipLink materializes kegs
// without projecting them into the prefix, for callers that only want
// the store/Cellar populated (e.g. WithNoLink).
type Concurrency struct {
	Download    int
	Unpack      int
	Materialize int
	SkipLink    bool
}

// Run executes items (already topologically ordered, dependencies
// first) through download -> unpack -> materialize+link, commits each
// formula's InstalledKeg/LinkRecords to deps.DB in plan order, and
// returns one Result per item in that same order.
func Run(ctx context.Context, prefix string, items []Item, deps Deps, conc Concurrency) []Result {
	n := len(items)
	results := make([]Result, n)
	stage2Ch := make(chan stage1Out, n)
	stage3Ch := make(chan stage2Out, n)
	doneCh := make([]chan struct{}, n)
	for i := range doneCh {
		doneCh[i] = make(chan struct{})
	}

	dlPool := pool.New().WithMaxGoroutines(max(conc.Download, 1))
	for i, item := range items {
		i, item := i, item
		dlPool.Go(func() {
			deps.Sink.DownloadStarted(item.Name)
			blobPath, err := deps.Blob.Ensure(ctx, item.BottleURL, item.SHA256)
			deps.Sink.DownloadCompleted(item.Name)
			stage2Ch <- stage1Out{idx: i, item: item, blobPath: blobPath, err: err}
		})
	}
	go func() {
		dlPool.Wait()
		close(stage2Ch)
	}()

	unpackPool := pool.New().WithMaxGoroutines(max(conc.Unpack, 1))
	go func() {
		for out := range stage2Ch {
			out := out
			unpackPool.Go(func() {
				if out.err != nil {
					stage3Ch <- stage2Out{idx: out.idx, item: out.item, err: out.err}
					return
				}
				deps.Sink.UnpackStarted(out.item.Name)
				storeKey := store.StoreKey(out.item.SHA256)
				storePath, err := deps.Store.EnsureStoreEntry(ctx, storeKey, out.blobPath)
				deps.Sink.UnpackCompleted(out.item.Name)
				stage3Ch <- stage2Out{idx: out.idx, item: out.item, storePath: storePath, err: err}
			})
		}
		unpackPool.Wait()
		close(stage3Ch)
	}()

	matPool := pool.New().WithMaxGoroutines(max(conc.Materialize, 1))
	go func() {
		for out := range stage3Ch {
			out := out
			matPool.Go(func() {
				if out.err != nil {
					results[out.idx] = Result{Item: out.item, Err: out.err}
					close(doneCh[out.idx])
					return
				}

				deps.Sink.LinkStarted(out.item.Name)
				kegPath := kegDir(prefix, out.item.Name, out.item.Version)
				links, err := materializeAndLink(prefix, kegPath, out.item.Name, out.storePath, conc.SkipLink)
				deps.Sink.LinkCompleted(out.item.Name)

				if err != nil {
					err = cleanupFailedNode(kegPath, links, err)
					results[out.idx] = Result{Item: out.item, Err: err}
					close(doneCh[out.idx])
					return
				}

				results[out.idx] = Result{Item: out.item, Links: links}
				close(doneCh[out.idx])
			})
		}
		matPool.Wait()
	}()

	// Commit in plan order: block on each index's completion signal
	// before writing it, so a dependency earlier in items is always
	// durable in the metadata store before a later item that depends on
	// it commits — regardless of which index's stage-3 goroutine
	// actually finished first.
	for i := range items {
		<-doneCh[i]
		r := &results[i]
		if r.Err != nil {
			continue
		}
		kegPath := kegDir(prefix, r.Item.Name, r.Item.Version)
		if err := commit(ctx, deps.DB, r.Item, kegPath, r.Links); err != nil {
			r.Err = cleanupFailedNode(kegPath, r.Links, err)
			r.Links = nil
			continue
		}
		deps.Sink.InstallCompleted(r.Item.Name, r.Item.Version)
	}

	return results
}

func materializeAndLink(prefix, kegPath, name, storePath string, skipLink bool) ([]linker.SymLink, error) {
	if err := materializer.Materialize(storePath, kegPath); err != nil {
		return nil, fmt.Errorf("pipeline: materialize %s: %w", name, err)
	}
	if skipLink {
		return nil, nil
	}
	links, err := linker.Link(prefix, name, kegPath)
	if err != nil {
		// links may hold whatever Link managed to create before the
		// failure; the caller rolls these back via cleanupFailedNode.
		return links, fmt.Errorf("pipeline: link %s: %w", name, err)
	}
	return links, nil
}

// cleanupFailedNode reverses any partial progress for a node that failed
// during materialize, link, or commit: it unlinks whatever symlinks were
// already created and removes the partial keg directory, per §4.10 step
// 5 — a failed node must leave neither an InstalledKeg row nor a partial
// keg directory nor orphaned symlinks behind. cleanupFailedNode never
// hides the original error; cleanup failures are appended to it.
func cleanupFailedNode(kegPath string, links []linker.SymLink, cause error) error {
	if uerr := linker.Unlink(links); uerr != nil {
		cause = fmt.Errorf("%w (also failed to unlink partial links: %v)", cause, uerr)
	}
	if rerr := os.RemoveAll(kegPath); rerr != nil {
		cause = fmt.Errorf("%w (also failed to remove partial keg directory: %v)", cause, rerr)
	}
	return cause
}

func commit(ctx context.Context, db *metastore.DB, item Item, kegPath string, links []linker.SymLink) error {
	storeKey := store.StoreKey(item.SHA256)

	records := make([]metastore.LinkRecord, len(links))
	for i, l := range links {
		records[i] = metastore.LinkRecord{
			KegName:    item.Name,
			KegVersion: item.Version,
			LinkPath:   l.LinkPath,
			TargetPath: l.TargetPath,
		}
	}

	return db.RecordInstall(ctx, metastore.InstalledKeg{
		Name:        item.Name,
		Version:     item.Version,
		StoreKey:    storeKey,
		PlatformTag: item.PlatformTag,
		InstalledAt: time.Now(),
	}, records)
}

func kegDir(prefix, name, version string) string {
	return filepath.Join(prefix, "Cellar", name, version)
}
