// Package backend abstracts the raw block device TananFS is built on: a
// regular file or a block-special file. It offers whole-block reads and
// writes at an absolute byte offset and nothing else; any caching,
// read-modify-write of sub-block ranges, or chain logic belongs to the
// layers above it.
package backend

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ErrNotSuitable is returned when the backing file does not support an
// operation the caller asked for (e.g. WriteAt on a read-only open).
var ErrNotSuitable = errors.New("backing file is not suitable for this operation")

// Device is the block-device abstraction consumed by the rest of
// TananFS. Open and Create return an implementation backed by an
// *os.File; other backings (an
// in-memory ring for tests, a network block device) only need to
// implement this interface.
type Device interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Size reports the current byte length of the device.
	Size() (int64, error)
	// Sync flushes any OS-buffered writes to stable storage.
	Sync() error
}

type fileDevice struct {
	f        *os.File
	readOnly bool
}

// Open opens an existing regular file or block device at path. The file
// must already exist; use Create to make a fresh image.
func Open(path string, readOnly bool) (Device, error) {
	if path == "" {
		return nil, errors.New("backend: path must not be empty")
	}
	flag := os.O_RDONLY
	if !readOnly {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	dev := &fileDevice{f: f, readOnly: readOnly}
	if err := lockExclusive(f, readOnly); err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: lock %s: %w", path, err)
	}
	return dev, nil
}

// Create makes a new backing file of exactly size bytes, failing if one
// already exists at path. Used by mkfs.tananfs before formatting.
func Create(path string, size int64) (Device, error) {
	if path == "" {
		return nil, errors.New("backend: path must not be empty")
	}
	if size <= 0 {
		return nil, fmt.Errorf("backend: invalid device size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("backend: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: truncate %s to %d: %w", path, size, err)
	}
	dev := &fileDevice{f: f}
	if err := lockExclusive(f, false); err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: lock %s: %w", path, err)
	}
	return dev, nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, ErrNotSuitable
	}
	return d.f.WriteAt(p, off)
}

func (d *fileDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (d *fileDevice) Sync() error {
	if d.readOnly {
		return nil
	}
	return d.f.Sync()
}

func (d *fileDevice) Close() error {
	unlock(d.f)
	return d.f.Close()
}

// Stat exposes the underlying file's fs.FileInfo, mainly so callers can
// tell a regular image file from an actual block-special device.
func Stat(d Device) (fs.FileInfo, error) {
	fd, ok := d.(*fileDevice)
	if !ok {
		return nil, ErrNotSuitable
	}
	return fd.f.Stat()
}
