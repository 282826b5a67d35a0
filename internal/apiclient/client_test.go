package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zb-project/zb/internal/metastore"
)

func newTestCache(t *testing.T) *metastore.DB {
	t.Helper()
	db, err := metastore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetFormulaRaw_CachesETagAndRevalidates(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/jq.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"name":"jq","versions":{"stable":"1.7"},"dependencies":[],"bottle":{"stable":{"files":{}}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cache := newTestCache(t)
	client := New(srv.URL, srv.Client(), cache)

	first, err := client.GetFormulaRaw(context.Background(), "jq")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache {
		t.Fatalf("first fetch should not be from cache")
	}

	second, err := client.GetFormulaRaw(context.Background(), "jq")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.FromCache {
		t.Fatalf("second fetch should be served from cache via 304")
	}
	if string(second.Body) != string(first.Body) {
		t.Fatalf("cached body mismatch")
	}
	if hits != 2 {
		t.Fatalf("expected 2 HTTP round trips (one per call), got %d", hits)
	}
}

func TestGetFormulaRaw_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := New(srv.URL, srv.Client(), newTestCache(t))
	_, err := client.GetFormulaRaw(context.Background(), "nonexistent")
	if err == nil {
		t.Fatalf("expected error for missing formula")
	}
}

func TestGetFormulaRaw_DeduplicatesConcurrentFetches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"name":"jq","versions":{"stable":"1.7"},"dependencies":[],"bottle":{"stable":{"files":{}}}}`))
	}))
	defer srv.Close()

	client := New(srv.URL, srv.Client(), newTestCache(t))

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.GetFormulaRaw(context.Background(), "jq"); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	wg.Wait()

	if hits != 1 {
		t.Fatalf("expected exactly one HTTP GET across %d concurrent callers, got %d", n, hits)
	}
}
