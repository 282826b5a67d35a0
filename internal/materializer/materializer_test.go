package materializer

import (
	"os"
	"path/filepath"
	"testing"
)

func buildTree(t *testing.T, root string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bin", "tool"), []byte("tool-bytes"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "lib"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "lib", "libtool.so"), []byte("lib-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("libtool.so", filepath.Join(root, "lib", "libtool.so.1")); err != nil {
		t.Fatal(err)
	}
}

func TestTreeReproducedExactly(t *testing.T) {
	storeRoot := filepath.Join(t.TempDir(), "store-entry")
	if err := os.MkdirAll(storeRoot, 0755); err != nil {
		t.Fatal(err)
	}
	buildTree(t, storeRoot)

	kegPath := filepath.Join(t.TempDir(), "keg")
	if err := Materialize(storeRoot, kegPath); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(kegPath, "bin", "tool"))
	if err != nil || string(got) != "tool-bytes" {
		t.Fatalf("bin/tool mismatch: err=%v got=%q", err, got)
	}

	info, err := os.Stat(filepath.Join(kegPath, "bin", "tool"))
	if err != nil || info.Mode().Perm()&0111 == 0 {
		t.Fatalf("expected executable bit preserved: err=%v mode=%v", err, info.Mode())
	}

	target, err := os.Readlink(filepath.Join(kegPath, "lib", "libtool.so.1"))
	if err != nil || target != "libtool.so" {
		t.Fatalf("symlink mismatch: err=%v target=%q", err, target)
	}
}

func TestMaterializeIsRepeatable(t *testing.T) {
	storeRoot := filepath.Join(t.TempDir(), "store-entry")
	if err := os.MkdirAll(storeRoot, 0755); err != nil {
		t.Fatal(err)
	}
	buildTree(t, storeRoot)

	kegPath := filepath.Join(t.TempDir(), "keg")
	if err := Materialize(storeRoot, kegPath); err != nil {
		t.Fatalf("first materialize: %v", err)
	}

	// A second materialize into a fresh keg path behaves identically;
	// materializing twice into the *same* existing tree isn't something
	// the pipeline ever does (kegPath is always newly minted), so this
	// only needs to show repeatability, not overwrite-safety.
	kegPath2 := filepath.Join(t.TempDir(), "keg2")
	if err := Materialize(storeRoot, kegPath2); err != nil {
		t.Fatalf("second materialize: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(kegPath2, "bin", "tool"))
	if err != nil || string(got) != "tool-bytes" {
		t.Fatalf("second materialize content mismatch: err=%v got=%q", err, got)
	}
}

func TestRemoveCleansUp(t *testing.T) {
	storeRoot := filepath.Join(t.TempDir(), "store-entry")
	if err := os.MkdirAll(storeRoot, 0755); err != nil {
		t.Fatal(err)
	}
	buildTree(t, storeRoot)

	kegPath := filepath.Join(t.TempDir(), "keg")
	if err := Materialize(storeRoot, kegPath); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if err := Remove(kegPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(kegPath); !os.IsNotExist(err) {
		t.Fatalf("expected keg path to be removed, stat err=%v", err)
	}
}

func TestHardlinkFallbackToCopyWorks(t *testing.T) {
	// copyFile is exercised directly since clonefile/FICLONE availability
	// is host-dependent; materializeFile's own fallback order (clone ->
	// hardlink -> copy) is covered structurally by TestTreeReproducedExactly
	// succeeding on every CI platform regardless of which branch fires.
	src := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "dest")
	if err := copyFile(src, dest); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "payload" {
		t.Fatalf("copy mismatch: err=%v got=%q", err, got)
	}
}
