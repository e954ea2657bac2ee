package tananfs

import "testing"

func TestSuperblockRoundTrip(t *testing.T) {
	sb := &superblock{
		totalInodes: 4096,
		freeInodes:  4090,
		totalBlocks: 30000,
		freeBlocks:  29000,
		blockSize:   512,
	}
	raw := sb.toBytes()
	if int64(len(raw)) != SuperblockSize {
		t.Fatalf("expected %d bytes, got %d", SuperblockSize, len(raw))
	}
	got, err := superblockFromBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *sb {
		t.Fatalf("round trip mismatch: want %+v, got %+v", sb, got)
	}
}

func TestSuperblockFromBytesRejectsMissingMagic(t *testing.T) {
	raw := make([]byte, SuperblockSize)
	if _, err := superblockFromBytes(raw); err != ErrNotFormatted {
		t.Fatalf("expected ErrNotFormatted, got %v", err)
	}
}
