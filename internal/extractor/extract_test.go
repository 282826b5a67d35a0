package extractor

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func writeTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typ,
			Mode:     e.mode,
			Size:     int64(len(e.body)),
			Linkname: e.linkname,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", e.name, err)
		}
		if len(e.body) > 0 {
			if _, err := tw.Write(e.body); err != nil {
				t.Fatalf("write body %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return buf.Bytes()
}

type tarEntry struct {
	name     string
	typ      byte
	mode     int64
	body     []byte
	linkname string
}

func TestExtractsFileWithContent(t *testing.T) {
	data := writeTarGz(t, []tarEntry{
		{name: "bin/jq", typ: tar.TypeReg, mode: 0644, body: []byte("content")},
	})
	dest := t.TempDir()
	if err := ExtractTarGz(bytes.NewReader(data), dest); err != nil {
		t.Fatalf("extract: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "bin", "jq"))
	if err != nil || string(got) != "content" {
		t.Fatalf("bin/jq contents mismatch: err=%v got=%q", err, got)
	}
}

func TestPreservesExecutableBit(t *testing.T) {
	data := writeTarGz(t, []tarEntry{
		{name: "bin/jq", typ: tar.TypeReg, mode: 0755, body: []byte("x")},
	})
	dest := t.TempDir()
	if err := ExtractTarGz(bytes.NewReader(data), dest); err != nil {
		t.Fatalf("extract: %v", err)
	}
	info, err := os.Stat(filepath.Join(dest, "bin", "jq"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm()&0111 == 0 {
		t.Fatalf("expected executable bit to be preserved, got mode %v", info.Mode())
	}
}

func TestPreservesSymlink(t *testing.T) {
	data := writeTarGz(t, []tarEntry{
		{name: "bin/jq", typ: tar.TypeReg, mode: 0755, body: []byte("x")},
		{name: "bin/jq-link", typ: tar.TypeSymlink, linkname: "jq"},
	})
	dest := t.TempDir()
	if err := ExtractTarGz(bytes.NewReader(data), dest); err != nil {
		t.Fatalf("extract: %v", err)
	}
	target, err := os.Readlink(filepath.Join(dest, "bin", "jq-link"))
	if err != nil || target != "jq" {
		t.Fatalf("symlink not preserved: err=%v target=%q", err, target)
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	data := writeTarGz(t, []tarEntry{
		{name: "../../etc/passwd", typ: tar.TypeReg, mode: 0644, body: []byte("evil")},
	})
	dest := t.TempDir()
	err := ExtractTarGz(bytes.NewReader(data), dest)
	if err == nil {
		t.Fatalf("expected rejection of path traversal entry")
	}
	if _, ok := asUnsafeArchive(err); !ok {
		t.Fatalf("expected ErrUnsafeArchive, got %T: %v", err, err)
	}
}

func TestRejectsAbsolutePath(t *testing.T) {
	data := writeTarGz(t, []tarEntry{
		{name: "/etc/passwd", typ: tar.TypeReg, mode: 0644, body: []byte("evil")},
	})
	dest := t.TempDir()
	err := ExtractTarGz(bytes.NewReader(data), dest)
	if err == nil {
		t.Fatalf("expected rejection of absolute path entry")
	}
	if _, ok := asUnsafeArchive(err); !ok {
		t.Fatalf("expected ErrUnsafeArchive, got %T: %v", err, err)
	}
}

func asUnsafeArchive(err error) (*ErrUnsafeArchive, bool) {
	e, ok := err.(*ErrUnsafeArchive)
	return e, ok
}
