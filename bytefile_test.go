package tananfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tananfs/tananfs/bitmap"
)

// newTestFilesystem builds a Filesystem over an in-memory device with
// every inode and block free, ready for byte-file tests, without going
// through the public Mount/format path.
func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	g := testGeometry(t)
	dev := newMemDevice(g.deviceSize)
	fs := &Filesystem{
		dev:      dev,
		geometry: g,
		sb: &superblock{
			totalInodes: g.inodeCount,
			freeInodes:  g.inodeCount,
			totalBlocks: g.blockCount,
			freeBlocks:  g.blockCount,
			blockSize:   g.blockSize,
		},
		session: uuid.New(),
		log:     logrus.NewEntry(logrus.New()),
	}
	fs.inodeBitmap = bitmap.New(int(g.inodeCount))
	fs.blockBitmap = bitmap.New(int(g.blockCount))
	fs.cache = newCache(dev, g, 64, time.Hour, 0, fs.log)
	return fs
}

func (fs *Filesystem) allocTestInode(t *testing.T, ft fileType) uint64 {
	t.Helper()
	ord, err := fs.allocateInode()
	if err != nil {
		t.Fatal(err)
	}
	n := newFreeInode(ord)
	n.fileType = ft
	fs.writeInode(n)
	return ord
}

func TestByteFileWriteReadRoundTrip(t *testing.T) {
	fs := newTestFilesystem(t)
	ord := fs.allocTestInode(t, fileTypeRegular)

	bf := fs.loadByteFile(ord)
	payload := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := bf.Write(payload); err != nil {
		t.Fatal(err)
	}

	size, err := bf.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), size)
	}

	bf2 := fs.loadByteFile(ord)
	got := make([]byte, len(payload))
	if err := bf2.Read(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestByteFileWriteSpansMultipleBlocks(t *testing.T) {
	fs := newTestFilesystem(t)
	ord := fs.allocTestInode(t, fileTypeRegular)

	payload := bytes.Repeat([]byte{0xAB}, int(fs.payloadSize())*3+17)
	bf := fs.loadByteFile(ord)
	if _, err := bf.Write(payload); err != nil {
		t.Fatal(err)
	}

	n, err := fs.readInode(ord)
	if err != nil {
		t.Fatal(err)
	}
	if n.blockCount != 4 {
		t.Fatalf("expected 4 blocks for a write spanning 3 full + partial blocks, got %d", n.blockCount)
	}

	bf2 := fs.loadByteFile(ord)
	got := make([]byte, len(payload))
	if err := bf2.Read(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round trip across multiple blocks mismatched")
	}
}

func TestByteFileReadPastSizeFails(t *testing.T) {
	fs := newTestFilesystem(t)
	ord := fs.allocTestInode(t, fileTypeRegular)
	bf := fs.loadByteFile(ord)
	if _, err := bf.Write([]byte("short")); err != nil {
		t.Fatal(err)
	}
	if _, err := bf.Seek(SeekStart, 0); err != nil {
		t.Fatal(err)
	}
	if err := bf.Read(make([]byte, 100)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestByteFileGrowZeroFills(t *testing.T) {
	fs := newTestFilesystem(t)
	ord := fs.allocTestInode(t, fileTypeRegular)
	bf := fs.loadByteFile(ord)
	if _, err := bf.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := bf.Grow(10); err != nil {
		t.Fatal(err)
	}

	bf2 := fs.loadByteFile(ord)
	got := make([]byte, 10)
	if err := bf2.Read(got); err != nil {
		t.Fatal(err)
	}
	want := append([]byte("abc"), make([]byte, 7)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestByteFileShrinkFreesBlocks(t *testing.T) {
	fs := newTestFilesystem(t)
	ord := fs.allocTestInode(t, fileTypeRegular)
	bf := fs.loadByteFile(ord)
	payload := bytes.Repeat([]byte{1}, int(fs.payloadSize())*2+5)
	if _, err := bf.Write(payload); err != nil {
		t.Fatal(err)
	}

	freeBefore := fs.sb.freeBlocks
	if err := bf.Shrink(1); err != nil {
		t.Fatal(err)
	}
	if fs.sb.freeBlocks <= freeBefore {
		t.Fatal("expected shrink to free at least one block")
	}

	n, err := fs.readInode(ord)
	if err != nil {
		t.Fatal(err)
	}
	if n.blockCount != 1 {
		t.Fatalf("expected 1 remaining block, got %d", n.blockCount)
	}
}

func TestByteFileShrinkToZeroClearsChain(t *testing.T) {
	fs := newTestFilesystem(t)
	ord := fs.allocTestInode(t, fileTypeRegular)
	bf := fs.loadByteFile(ord)
	if _, err := bf.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := bf.Destroy(); err != nil {
		t.Fatal(err)
	}
	n, err := fs.readInode(ord)
	if err != nil {
		t.Fatal(err)
	}
	if n.firstBlock != nilBlock || n.lastBlock != nilBlock || n.blockCount != 0 || n.sizeBytes != 0 {
		t.Fatal("expected destroy to fully reset the chain")
	}
}

func TestByteFileWriteRollsBackOnOutOfSpace(t *testing.T) {
	fs := newTestFilesystem(t)
	ord := fs.allocTestInode(t, fileTypeRegular)

	// Exhaust every block but one.
	total := fs.blockBitmap.Len()
	for fs.blockBitmap.PopCount() < total-1 {
		if _, err := fs.allocateBlock(); err != nil {
			t.Fatal(err)
		}
	}

	bf := fs.loadByteFile(ord)
	payload := bytes.Repeat([]byte{1}, int(fs.payloadSize())*3)
	freeBefore := fs.sb.freeBlocks
	if _, err := bf.Write(payload); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}

	if fs.sb.freeBlocks != freeBefore {
		t.Fatalf("expected free block count to be rolled back: before %d, after %d", freeBefore, fs.sb.freeBlocks)
	}
	n, err := fs.readInode(ord)
	if err != nil {
		t.Fatal(err)
	}
	if n.sizeBytes != 0 || n.firstBlock != nilBlock {
		t.Fatal("expected inode chain fields to be rolled back on write failure")
	}
}

// A rolled-back append to a non-empty file must restore the old tail
// block's next-pointer to nilBlock; otherwise it dangles at a freed
// ordinal and a later Destroy hits ErrCorruptChain trying to walk it.
func TestByteFileAppendRollbackRestoresTailPointer(t *testing.T) {
	fs := newTestFilesystem(t)
	ord := fs.allocTestInode(t, fileTypeRegular)

	bf := fs.loadByteFile(ord)
	first := bytes.Repeat([]byte{2}, int(fs.payloadSize()))
	if _, err := bf.Write(first); err != nil {
		t.Fatal(err)
	}
	n, err := fs.readInode(ord)
	if err != nil {
		t.Fatal(err)
	}
	oldTail := n.lastBlock

	// Exhaust every remaining block but one, so the next append can
	// acquire exactly one block before running out.
	total := fs.blockBitmap.Len()
	for fs.blockBitmap.PopCount() < total-1 {
		if _, err := fs.allocateBlock(); err != nil {
			t.Fatal(err)
		}
	}

	bf2 := fs.loadByteFile(ord)
	if _, err := bf2.Seek(SeekEnd, 0); err != nil {
		t.Fatal(err)
	}
	more := bytes.Repeat([]byte{3}, int(fs.payloadSize())*2)
	if _, err := bf2.Write(more); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}

	raw, err := fs.cache.getBlock(oldTail)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(raw[0:8]); got != nilBlock {
		t.Fatalf("expected old tail's next-pointer restored to nilBlock, got %#x", got)
	}

	n2, err := fs.readInode(ord)
	if err != nil {
		t.Fatal(err)
	}
	if n2.lastBlock != oldTail || n2.sizeBytes != uint64(len(first)) {
		t.Fatal("expected chain fields restored to their pre-append state")
	}

	// The file must still be fully destroyable afterwards.
	if err := fs.loadByteFile(ord).Destroy(); err != nil {
		t.Fatalf("expected destroy to succeed after a clean rollback, got %v", err)
	}
}
