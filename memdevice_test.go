package tananfs

import "fmt"

// memDevice is an in-memory backend.Device, grounded on go-diskfs's
// testhelper.FileImpl (a stubbed-out ReaderAt/WriterAt) but backed by a
// plain byte slice so tests never touch the filesystem.
type memDevice struct {
	buf []byte
}

func newMemDevice(size int64) *memDevice {
	return &memDevice{buf: make([]byte, size)}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(d.buf)) {
		return 0, fmt.Errorf("memDevice: read offset %d out of range", off)
	}
	n := copy(p, d.buf[off:])
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(d.buf)) {
		return 0, fmt.Errorf("memDevice: write of %d bytes at offset %d exceeds device size %d", len(p), off, len(d.buf))
	}
	n := copy(d.buf[off:end], p)
	return n, nil
}

func (d *memDevice) Size() (int64, error) { return int64(len(d.buf)), nil }
func (d *memDevice) Sync() error          { return nil }
func (d *memDevice) Close() error         { return nil }
