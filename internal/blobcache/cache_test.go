package blobcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestEnsure_ValidChecksumPasses(t *testing.T) {
	content := []byte("hello world")
	digest := sha256Hex(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	cache, err := New(t.TempDir(), srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := cache.Ensure(context.Background(), srv.URL+"/test.tar.gz", digest)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != string(content) {
		t.Fatalf("blob contents mismatch: err=%v", err)
	}
}

func TestEnsure_MismatchDeletesBlobAndTmp(t *testing.T) {
	content := []byte("hello world")
	wrongDigest := "0000000000000000000000000000000000000000000000000000000000000000"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	root := t.TempDir()
	cache, err := New(root, srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cache.Ensure(context.Background(), srv.URL+"/test.tar.gz", wrongDigest)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}

	if _, err := os.Stat(cache.BlobPath(wrongDigest)); !os.IsNotExist(err) {
		t.Fatalf("blob path should not exist after mismatch")
	}
	if _, err := os.Stat(filepath.Join(root, "cache", "tmp", wrongDigest+".tar.gz.part")); !os.IsNotExist(err) {
		t.Fatalf("tmp file should not exist after mismatch")
	}
}

func TestEnsure_SkipsDownloadIfBlobExists(t *testing.T) {
	content := []byte("hello world")
	digest := sha256Hex(content)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write(content)
	}))
	defer srv.Close()

	cache, err := New(t.TempDir(), srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Pre-create the blob by downloading once.
	if _, err := cache.Ensure(context.Background(), srv.URL+"/test.tar.gz", digest); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected 1 hit after first ensure, got %d", hits)
	}

	if _, err := cache.Ensure(context.Background(), srv.URL+"/test.tar.gz", digest); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected network to not be hit again, got %d total hits", hits)
	}
}
