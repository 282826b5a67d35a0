package store

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func writeTestBlob(t *testing.T, dir string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: "bin/tool", Typeflag: tar.TypeReg, Mode: 0755, Size: 4}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte("tool")); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "blob.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEnsureStoreEntryExtractsOnce(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, filepath.Join(root, "prefix"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blobPath := writeTestBlob(t, t.TempDir())
	key := StoreKey("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	path1, err := s.EnsureStoreEntry(context.Background(), key, blobPath)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if !s.Has(key) {
		t.Fatalf("expected store entry to be marked complete")
	}
	got, err := os.ReadFile(filepath.Join(path1, "bin", "tool"))
	if err != nil || string(got) != "tool" {
		t.Fatalf("extracted content mismatch: err=%v got=%q", err, got)
	}

	path2, err := s.EnsureStoreEntry(context.Background(), key, blobPath)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if path1 != path2 {
		t.Fatalf("expected idempotent path, got %q then %q", path1, path2)
	}
}

func TestListEntriesAndRemove(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, filepath.Join(root, "prefix"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blobPath := writeTestBlob(t, t.TempDir())
	key := StoreKey("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	if _, err := s.EnsureStoreEntry(context.Background(), key, blobPath); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	keys, err := s.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("expected [%s], got %v", key, keys)
	}

	if err := s.Remove(key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Has(key) {
		t.Fatalf("expected entry to be gone after Remove")
	}
}
