// Package extractor stream-extracts compressed tar archives under
// strict path-safety rules (§4.6): no absolute paths, no ".." path
// components, and no entry or symlink/hardlink target that escapes the
// destination once canonicalized. Mode bits and symlinks are preserved
// literally.
package extractor

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrUnsafeArchive is returned for every path-safety violation; callers
// match it with errors.As, and the zb package boundary maps it to the
// unsafe-archive error kind.
type ErrUnsafeArchive struct {
	Entry  string
	Reason string
}

func (e *ErrUnsafeArchive) Error() string {
	return fmt.Sprintf("unsafe archive entry %q: %s", e.Entry, e.Reason)
}

// ExtractTarGz extracts a gzip-compressed tar stream into dest, which
// must already exist. klauspost/compress/gzip is used in place of the
// standard library's compress/gzip — it is a drop-in, faster
// implementation already pulled in by this module's klauspost/compress
// dependency (the same module the metadata store's HTTP-cache body
// compression uses), so no new dependency is introduced to read bottle
// archives.
func ExtractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("extractor: open gzip stream: %w", err)
	}
	defer gz.Close()
	return ExtractTar(gz, dest)
}

// ExtractTar extracts an uncompressed tar stream into dest.
func ExtractTar(r io.Reader, dest string) error {
	destAbs, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("extractor: resolve destination: %w", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("extractor: read tar header: %w", err)
		}

		target, err := safeJoin(destAbs, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("extractor: mkdir %s: %w", target, err)
			}

		case tar.TypeReg, tar.TypeRegA:
			if err := extractRegular(tr, target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := validateLinkTarget(destAbs, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("extractor: mkdir parent of %s: %w", target, err)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("extractor: symlink %s -> %s: %w", target, hdr.Linkname, err)
			}

		case tar.TypeLink:
			linkTarget, err := safeJoin(destAbs, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("extractor: mkdir parent of %s: %w", target, err)
			}
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("extractor: hardlink %s -> %s: %w", target, linkTarget, err)
			}

		default:
			// Character/block devices, FIFOs, etc. never appear in
			// bottles; skip silently rather than failing the whole
			// extraction on an entry type we don't expect.
		}
	}
}

func extractRegular(tr *tar.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("extractor: mkdir parent of %s: %w", target, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("extractor: create %s: %w", target, err)
	}
	_, copyErr := io.Copy(f, tr)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("extractor: write %s: %w", target, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("extractor: close %s: %w", target, closeErr)
	}
	return nil
}

// safeJoin rejects absolute entry names and ".." components before
// joining, then re-verifies containment against the canonicalized
// destination — defense in depth against TOCTOU and symlink tricks
// already present under dest, mirroring the original implementation's
// component check followed by a canonicalize-based containment check.
func safeJoin(destAbs, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", &ErrUnsafeArchive{Entry: name, Reason: "absolute path"}
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", &ErrUnsafeArchive{Entry: name, Reason: "path contains .. component"}
		}
	}

	target := filepath.Join(destAbs, name)
	if !isDescendant(destAbs, target) {
		return "", &ErrUnsafeArchive{Entry: name, Reason: "escapes destination after join"}
	}

	if canonicalDest, err := filepath.EvalSymlinks(destAbs); err == nil {
		// The entry itself may not exist yet; check containment against
		// its parent, which must already have been created by a prior
		// directory entry or this Join.
		parent := filepath.Dir(target)
		if canonicalParent, err := filepath.EvalSymlinks(parent); err == nil {
			if !isDescendant(canonicalDest, canonicalParent) {
				return "", &ErrUnsafeArchive{Entry: name, Reason: "escapes destination via symlink"}
			}
		}
	}

	return target, nil
}

// validateLinkTarget applies the same containment rule to a symlink's
// target when it is relative; absolute symlink targets are preserved
// as opaque strings (bottle convention: they may point into the prefix
// and are resolved at materialize/link time, not during extraction).
func validateLinkTarget(destAbs, linkPath, linkname string) error {
	if filepath.IsAbs(linkname) {
		return nil
	}
	resolved := filepath.Join(filepath.Dir(linkPath), linkname)
	if !isDescendant(destAbs, resolved) {
		return &ErrUnsafeArchive{Entry: linkPath, Reason: "symlink target escapes destination"}
	}
	return nil
}

func isDescendant(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}
