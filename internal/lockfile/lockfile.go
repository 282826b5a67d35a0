// Package lockfile provides cross-process exclusive advisory locks used
// by the metadata store (one process writing at a time) and the content
// store (one writer per store key). No dedicated locking library appears
// anywhere in the reference corpus; golang.org/x/sys is a direct
// dependency elsewhere in that corpus for low-level OS interaction, so
// the flock(2) syscall it exposes is used directly here rather than
// reaching for an unrelated stdlib workaround.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory lock on a file. The file itself carries no
// meaningful content; its existence and fd are the lock.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if needed) path and blocks, polling at a fixed
// interval, until an exclusive flock is obtained or ctx is done. flock(2)
// has no cancellable blocking form, so a non-blocking attempt is retried
// on a short ticker rather than calling it with LOCK_EX alone.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("lockfile: %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// AcquireTimeout is a convenience wrapper producing a BusyTimeout-shaped
// error (via the caller mapping ctx.Err()) after d.
func AcquireTimeout(path string, d time.Duration) (*Lock, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return Acquire(ctx, path)
}

// Release unlocks and closes the underlying file. Safe to call once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
