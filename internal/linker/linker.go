// Package linker projects a keg's top-level directories (bin, sbin,
// lib, include, share, ...) into the prefix as symlinks, through a
// stable opt/<name> symlink that always points at the currently
// installed version — the same two-level indirection Homebrew itself
// uses so that switching a formula's active version never requires
// rewriting every individual bin symlink, only the one opt link.
package linker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SymLink is one symlink the linker created or intends to create.
type SymLink struct {
	LinkPath   string
	TargetPath string
}

// projectedDirs are the keg subdirectories that get projected into the
// prefix. Anything else (e.g. Cellar metadata, INSTALL_RECEIPT.json
// equivalents) stays keg-local.
var projectedDirs = []string{"bin", "sbin", "lib", "include", "share", "etc", "libexec"}

// Link projects kegPath into prefix for formula name, first creating or
// repointing prefix/opt/<name> to kegPath, then walking kegPath's
// projected directories and creating one symlink per file, each
// pointing through the opt link rather than directly at kegPath so the
// store/keg path itself never appears in a leaf symlink's target.
//
// A pre-existing opt link for a different keg (upgrading formula in
// place) is replaced outright — that is the expected behavior of
// switching a formula's active version. A pre-existing bin/lib-level
// symlink that resolves through a *different* formula's opt link is a
// genuine conflict and is reported as an error rather than silently
// overwritten, since two formulas both trying to own e.g. bin/python3
// is a real collision the caller needs to resolve (see spec's Open
// Question on opt/<name> conflicts, resolved in DESIGN.md).
//
// On error, Link still returns every link it had already created before
// the failure, so a caller can roll the partial projection back with
// Unlink instead of leaving orphaned symlinks behind.
func Link(prefix, name, kegPath string) ([]SymLink, error) {
	optLink := filepath.Join(prefix, "opt", name)
	if err := os.MkdirAll(filepath.Dir(optLink), 0755); err != nil {
		return nil, fmt.Errorf("linker: mkdir opt dir: %w", err)
	}
	if err := replaceSymlink(optLink, kegPath); err != nil {
		return nil, fmt.Errorf("linker: link opt/%s: %w", name, err)
	}
	links := []SymLink{{LinkPath: optLink, TargetPath: kegPath}}

	for _, dirName := range projectedDirs {
		srcDir := filepath.Join(kegPath, dirName)
		info, err := os.Stat(srcDir)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			continue
		}

		projected, err := projectDir(prefix, name, optLink, dirName, srcDir)
		links = append(links, projected...)
		if err != nil {
			sort.Slice(links, func(i, j int) bool { return links[i].LinkPath < links[j].LinkPath })
			return links, err
		}
	}

	sort.Slice(links, func(i, j int) bool { return links[i].LinkPath < links[j].LinkPath })
	return links, nil
}

func projectDir(prefix, name, optLink, dirName, srcDir string) ([]SymLink, error) {
	var links []SymLink
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		linkPath := filepath.Join(prefix, dirName, rel)
		target := filepath.Join(optLink, dirName, rel)

		if err := checkNoForeignConflict(linkPath, name, optLink); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
			return fmt.Errorf("linker: mkdir parent of %s: %w", linkPath, err)
		}
		if err := replaceSymlink(linkPath, target); err != nil {
			return fmt.Errorf("linker: link %s: %w", linkPath, err)
		}
		links = append(links, SymLink{LinkPath: linkPath, TargetPath: target})
		return nil
	})
	return links, err
}

// checkNoForeignConflict rejects linking over a symlink that already
// points through a different formula's opt link. Pointing through this
// formula's own opt link (a stale link left by an earlier failed
// install) or not existing at all are both fine to proceed past.
func checkNoForeignConflict(linkPath, name, optLink string) error {
	existing, err := os.Readlink(linkPath)
	if err != nil {
		return nil
	}
	if strings.HasPrefix(existing, optLink+string(filepath.Separator)) {
		return nil
	}
	return &LinkConflictError{Path: linkPath, Existing: existing, Formula: name}
}

// LinkConflictError reports that linkPath is already claimed by another
// formula's projection.
type LinkConflictError struct {
	Path     string
	Existing string
	Formula  string
}

func (e *LinkConflictError) Error() string {
	return fmt.Sprintf("link conflict: %s already points to %s, cannot claim it for %s", e.Path, e.Existing, e.Formula)
}

func replaceSymlink(path, target string) error {
	if existing, err := os.Readlink(path); err == nil {
		if existing == target {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	} else if _, statErr := os.Lstat(path); statErr == nil {
		return fmt.Errorf("linker: %s exists and is not a symlink", path)
	}
	return os.Symlink(target, path)
}

// Unlink removes exactly the symlinks recorded for a keg, leaving
// anything else at those paths untouched (there shouldn't be anything
// else, since Link refuses to overwrite non-symlink entries).
func Unlink(links []SymLink) error {
	for _, l := range links {
		if existing, err := os.Readlink(l.LinkPath); err == nil && existing == l.TargetPath {
			if err := os.Remove(l.LinkPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("linker: remove %s: %w", l.LinkPath, err)
			}
		}
	}
	return nil
}
