//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package backend

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive takes a non-blocking advisory flock on the whole file:
// exclusive for a read-write open, shared for a read-only one. A second
// open of an image that is already open read-write is refused instead
// of silently racing with the first, while several read-only opens may
// coexist (spec.md §5 notes the core has no cross-process concurrency
// control of its own).
func lockExclusive(f *os.File, readOnly bool) error {
	how := unix.LOCK_EX
	if readOnly {
		how = unix.LOCK_SH
	}
	return unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
}

func unlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
