//go:build linux

package materializer

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// cloneFile attempts a reflink copy via the FICLONE ioctl, supported by
// btrfs, XFS, and overlayfs-on-supporting-backends. It fails (and the
// caller falls back to a hardlink) on filesystems without reflink
// support, such as ext4.
func cloneFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		os.Remove(dest)
		return fmt.Errorf("ficlone: %w", err)
	}
	return nil
}
