//go:build linux

package store

import (
	"io/fs"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// homebrewInterpreterPlaceholder is the substring a bottle's ELF
// interpreter path carries in place of a concrete loader location,
// since the build host's dynamic linker path may not exist on the
// installing host.
const homebrewInterpreterPlaceholder = "@@HOMEBREW"

// patchTree rewrites every file under root that carries an executable
// permission bit so it runs correctly once materialized into prefix;
// files without one, shared libraries included, are not patched.
// RPATH is set to
// prefix's lib directory, and any interpreter path carrying the
// @@HOMEBREW placeholder is rewritten to this host's real dynamic
// linker. RPATH points at the prefix rather than the store entry's own
// lib directory because the store entry is content-addressed and may be
// shared by more than one keg, while every keg sharing it is still
// materialized into the one prefix patchTree is given here. No pack
// example links an ELF-editing library directly (ELF rewriting is
// routinely done by invoking patchelf rather than reimplementing it),
// so this shells out rather than hand-rolling section-header surgery.
func patchTree(root, prefix string) error {
	libDir := filepath.Join(prefix, "lib")
	interp := systemInterpreter()

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().Perm()&0111 == 0 {
			return nil
		}

		// Non-ELF executables (shell wrappers, scripts) make patchelf
		// fail harmlessly; skip rather than abort the whole store entry.
		_ = exec.Command("patchelf", "--set-rpath", libDir, path).Run()

		if interp == "" {
			return nil
		}
		out, err := exec.Command("patchelf", "--print-interpreter", path).Output()
		if err != nil {
			return nil
		}
		if current := strings.TrimSpace(string(out)); strings.Contains(current, homebrewInterpreterPlaceholder) {
			_ = exec.Command("patchelf", "--set-interpreter", interp, path).Run()
		}
		return nil
	})
}

// systemInterpreter returns the conventional glibc dynamic linker path
// for the running architecture, or "" for architectures zb has no fixed
// path for, in which case interpreter patching is skipped but RPATH
// patching still runs.
func systemInterpreter() string {
	switch runtime.GOARCH {
	case "amd64":
		return "/lib64/ld-linux-x86-64.so.2"
	case "arm64":
		return "/lib/ld-linux-aarch64.so.1"
	default:
		return ""
	}
}
