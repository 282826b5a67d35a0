// Package materializer reproduces a store entry's tree at a keg
// directory using the cheapest mechanism the filesystem supports:
// copy-on-write clone where the OS provides one (APFS clonefile on
// Darwin, FICLONE on Linux), falling back to a hardlink, falling back
// to a full copy when the store and keg directories live on different
// filesystems or the filesystem lacks both primitives. This fallback
// chain is grounded on the original implementation's materialize step,
// which tries the same sequence in the same order.
package materializer

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Materialize reproduces the tree rooted at storePath into kegPath.
// kegPath itself must not exist yet; it and any missing parent
// directories are created.
func Materialize(storePath, kegPath string) error {
	return filepath.WalkDir(storePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(storePath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(kegPath, 0755)
		}
		if rel == ".complete" {
			return nil
		}
		dest := filepath.Join(kegPath, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(dest, 0755)

		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("materializer: readlink %s: %w", path, err)
			}
			return os.Symlink(target, dest)

		default:
			return materializeFile(path, dest)
		}
	})
}

// materializeFile tries clone, then hardlink, then a byte copy, in that
// order — each one a strict improvement in portability over the last at
// the cost of disk efficiency.
func materializeFile(src, dest string) error {
	if err := cloneFile(src, dest); err == nil {
		return nil
	}
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("materializer: stat %s: %w", src, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("materializer: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("materializer: create %s: %w", dest, err)
	}

	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("materializer: copy %s -> %s: %w", src, dest, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("materializer: close %s: %w", dest, closeErr)
	}
	return os.Chmod(dest, info.Mode())
}

// Remove deletes a materialized keg tree entirely. Called only after
// the metadata store's link records for the keg have been removed.
func Remove(kegPath string) error {
	return os.RemoveAll(kegPath)
}
