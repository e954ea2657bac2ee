//go:build !(aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package backend

import "os"

// lockExclusive is a no-op on platforms without flock semantics.
func lockExclusive(f *os.File, readOnly bool) error { return nil }

func unlock(f *os.File) {}
