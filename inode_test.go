package tananfs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestInodeRoundTrip(t *testing.T) {
	n := &inode{
		ordinal:    7,
		mode:       0o755,
		fileType:   fileTypeDirectory,
		sizeBytes:  12345,
		uid:        1000,
		gid:        1000,
		atime:      1,
		mtimeMeta:  2,
		mtimeData:  3,
		dtime:      0,
		blockCount: 4,
		slots:      [5]uint64{1, 2, 3, 4, 5},
		firstBlock: 10,
		lastBlock:  20,
	}

	raw := n.toBytes()
	if len(raw) != inodeRecordSize {
		t.Fatalf("expected %d bytes, got %d", inodeRecordSize, len(raw))
	}

	got, err := inodeFromBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(n, got, cmp.AllowUnexported(inode{})); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInodeFromBytesShortBuffer(t *testing.T) {
	if _, err := inodeFromBytes(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestNewFreeInodeHasNilChain(t *testing.T) {
	n := newFreeInode(3)
	if n.firstBlock != nilBlock || n.lastBlock != nilBlock {
		t.Fatal("a fresh free inode must have a nil chain")
	}
	if n.fileType != fileTypeFree {
		t.Fatal("a fresh free inode must have file type Free")
	}
}
