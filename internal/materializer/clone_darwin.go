//go:build darwin

package materializer

import "golang.org/x/sys/unix"

// cloneFile attempts an APFS copy-on-write clone via the clonefile(2)
// syscall, exposed by x/sys/unix — the same dependency the teacher
// already carries transitively, promoted here to a direct import for a
// use x/sys documents explicitly.
func cloneFile(src, dest string) error {
	return unix.Clonefile(src, dest, 0)
}
