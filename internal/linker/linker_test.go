package linker

import (
	"os"
	"path/filepath"
	"testing"
)

func buildKeg(t *testing.T) string {
	t.Helper()
	keg := t.TempDir()
	if err := os.MkdirAll(filepath.Join(keg, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(keg, "bin", "jq"), []byte("bin"), 0755); err != nil {
		t.Fatal(err)
	}
	return keg
}

func TestLinkProjectsBinAndOpt(t *testing.T) {
	prefix := t.TempDir()
	keg := buildKeg(t)

	links, err := Link(prefix, "jq", keg)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links (opt + bin/jq), got %d: %+v", len(links), links)
	}

	optTarget, err := os.Readlink(filepath.Join(prefix, "opt", "jq"))
	if err != nil || optTarget != keg {
		t.Fatalf("opt link mismatch: err=%v target=%q", err, optTarget)
	}

	binPath := filepath.Join(prefix, "bin", "jq")
	resolved, err := filepath.EvalSymlinks(binPath)
	if err != nil {
		t.Fatalf("resolve bin/jq: %v", err)
	}
	want, _ := filepath.EvalSymlinks(filepath.Join(keg, "bin", "jq"))
	if resolved != want {
		t.Fatalf("bin/jq should resolve through opt to keg binary: got %q want %q", resolved, want)
	}
}

func TestLinkIsIdempotent(t *testing.T) {
	prefix := t.TempDir()
	keg := buildKeg(t)

	if _, err := Link(prefix, "jq", keg); err != nil {
		t.Fatalf("first link: %v", err)
	}
	links, err := Link(prefix, "jq", keg)
	if err != nil {
		t.Fatalf("second link: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected stable link count on relink, got %d", len(links))
	}
}

func TestLinkRejectsForeignConflict(t *testing.T) {
	prefix := t.TempDir()
	keg1 := buildKeg(t)
	if _, err := Link(prefix, "jq", keg1); err != nil {
		t.Fatalf("link jq: %v", err)
	}

	keg2 := t.TempDir()
	if err := os.MkdirAll(filepath.Join(keg2, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(keg2, "bin", "jq"), []byte("other"), 0755); err != nil {
		t.Fatal(err)
	}

	_, err := Link(prefix, "jq-fork", keg2)
	if err == nil {
		t.Fatalf("expected conflict error linking jq-fork over jq's bin/jq")
	}
	if _, ok := err.(*LinkConflictError); !ok {
		t.Fatalf("expected *LinkConflictError, got %T: %v", err, err)
	}
}

func TestUnlinkRemovesOwnedLinksOnly(t *testing.T) {
	prefix := t.TempDir()
	keg := buildKeg(t)

	links, err := Link(prefix, "jq", keg)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := Unlink(links); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	for _, l := range links {
		if _, err := os.Lstat(l.LinkPath); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, stat err=%v", l.LinkPath, err)
		}
	}
}
