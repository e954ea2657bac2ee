package tananfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func mountFresh(t *testing.T, size int64, opts Options) *Filesystem {
	t.Helper()
	dev := newMemDevice(size)
	fs, err := Mount(dev, opts)
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

// Scenario 1 (spec.md §8): format a 16MiB device with B=512.
func TestScenarioFormatGeometry(t *testing.T) {
	fs := mountFresh(t, 16*1024*1024, Options{BlockSize: 512})
	stats := fs.Statfs()
	if stats.TotalInodes != 4096 {
		t.Fatalf("expected 4096 total inodes, got %d", stats.TotalInodes)
	}
	if stats.BlockSize != 512 {
		t.Fatalf("expected block size 512, got %d", stats.BlockSize)
	}

	raw := make([]byte, 8)
	if _, err := fs.dev.ReadAt(raw, 568); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(raw); got != magic {
		t.Fatalf("expected magic %x at byte 568, got %x", magic, got)
	}
}

// Scenario 2 (spec.md §8): read-your-writes and free_blocks accounting.
func TestScenarioReadYourWrites(t *testing.T) {
	fs := mountFresh(t, 16*1024*1024, Options{BlockSize: 512})
	before := fs.Statfs().FreeBlocks

	ino, err := fs.Mknod(RootOrdinal, "a.txt", ModeRegular|0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := fs.Write(ino, 0, payload); err != nil {
		t.Fatal(err)
	}

	got, err := fs.Read(ino, 0, 256)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("expected read-your-writes to return exactly what was written")
	}

	after := fs.Statfs().FreeBlocks
	if before-after != 1 {
		t.Fatalf("expected free_blocks to drop by 1 (ceil(256/504)), dropped by %d", before-after)
	}
}

// Scenario 3 (spec.md §8): rmdir DirectoryNotEmpty, then success, then
// free_inodes returns to baseline.
func TestScenarioRmdirNotEmptyThenSuccess(t *testing.T) {
	fs := mountFresh(t, 16*1024*1024, Options{BlockSize: 512})
	baseline := fs.Statfs().FreeInodes

	dIno, err := fs.Mkdir(RootOrdinal, "d", ModeDir|0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Mkdir(dIno, "e", ModeDir|0o755, 0, 0); err != nil {
		t.Fatal(err)
	}

	if err := fs.Rmdir(RootOrdinal, "d"); !errors.Is(err, ErrDirectoryNotEmpty) {
		t.Fatalf("expected ErrDirectoryNotEmpty, got %v", err)
	}
	if err := fs.Rmdir(dIno, "e"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rmdir(RootOrdinal, "d"); err != nil {
		t.Fatal(err)
	}

	if got := fs.Statfs().FreeInodes; got != baseline {
		t.Fatalf("expected free_inodes to return to baseline %d, got %d", baseline, got)
	}
}

// Scenario 4 (spec.md §8): a write that cannot fit returns OutOfSpace
// and leaves size_bytes and free counts unchanged.
func TestScenarioOutOfSpaceLeavesStateUnchanged(t *testing.T) {
	fs := mountFresh(t, 4*1024*1024, Options{BlockSize: 4096})
	ino, err := fs.Mknod(RootOrdinal, "big", ModeRegular|0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	freeBefore := fs.Statfs().FreeBlocks
	payload := make([]byte, 10*1024*1024)
	if _, err := fs.Write(ino, 0, payload); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}

	attr, err := fs.Getattr(ino)
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != 0 {
		t.Fatalf("expected size_bytes 0 after a failed write, got %d", attr.Size)
	}
	if got := fs.Statfs().FreeBlocks; got != freeBefore {
		t.Fatalf("expected free_blocks unchanged at %d, got %d", freeBefore, got)
	}
}

// A write whose offset is past the current size first grows a
// zero-filled gap, then extends again for the payload; if that second
// extend runs out of space the whole operation must undo the gap too
// (spec.md §7: "the filesystem as unchanged").
func TestWriteRollsBackGapFillOnOutOfSpace(t *testing.T) {
	fs := mountFresh(t, 4*1024*1024, Options{BlockSize: 4096})
	ino, err := fs.Mknod(RootOrdinal, "gappy", ModeRegular|0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	freeBefore := fs.Statfs().FreeBlocks
	payload := make([]byte, 10*1024*1024)
	if _, err := fs.Write(ino, 4096*10, payload); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}

	attr, err := fs.Getattr(ino)
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != 0 {
		t.Fatalf("expected size_bytes 0 after the whole write rolled back, got %d", attr.Size)
	}
	if got := fs.Statfs().FreeBlocks; got != freeBefore {
		t.Fatalf("expected free_blocks unchanged at %d (gap-fill blocks freed too), got %d", freeBefore, got)
	}
}

// Scenario 5 (spec.md §8): flush, unmount, remount, read back.
func TestScenarioFlushUnmountRemountPersists(t *testing.T) {
	dev := newMemDevice(16 * 1024 * 1024)
	fs, err := Mount(dev, Options{BlockSize: 512})
	if err != nil {
		t.Fatal(err)
	}

	ino, err := fs.Mknod(RootOrdinal, "f", ModeRegular|0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(ino, 0, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatal(err)
	}

	fs2, err := Mount(dev, Options{BlockSize: 512})
	if err != nil {
		t.Fatal(err)
	}
	ino2, err := fs2.Lookup(RootOrdinal, "f")
	if err != nil {
		t.Fatal(err)
	}
	got, err := fs2.Read(ino2, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q to survive remount, got %q", "hello", got)
	}
}

// Unlink must mark the freed inode's on-disk record Free, not just its
// bitmap bit, so Getattr/Access on the stale ordinal report NotFound
// (spec.md §3 lifecycle, invariant I1) instead of the old attributes.
func TestUnlinkMarksInodeRecordFree(t *testing.T) {
	fs := mountFresh(t, 16*1024*1024, Options{BlockSize: 512})
	ino, err := fs.Mknod(RootOrdinal, "gone", ModeRegular|0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Unlink(RootOrdinal, "gone"); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Getattr(ino); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound reading a freed inode's attrs, got %v", err)
	}
	if err := fs.Access(ino); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on Access of a freed inode, got %v", err)
	}
}

// Scenario 6 (spec.md §8): rename atomicity and NotFound cases.
func TestScenarioRenameAtomicity(t *testing.T) {
	fs := mountFresh(t, 16*1024*1024, Options{BlockSize: 512})

	if err := fs.Rename(RootOrdinal, "a", RootOrdinal, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound renaming a nonexistent source, got %v", err)
	}

	ino, err := fs.Mknod(RootOrdinal, "a", ModeRegular|0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename(RootOrdinal, "a", RootOrdinal, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Lookup(RootOrdinal, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected lookup(a) to be NotFound after rename")
	}
	got, err := fs.Lookup(RootOrdinal, "b")
	if err != nil {
		t.Fatal(err)
	}
	if got != ino {
		t.Fatalf("expected lookup(b) to return the original ordinal %d, got %d", ino, got)
	}
}

// Idempotence law: unlink(x); unlink(x) -> second returns NotFound;
// mkdir(p,n); mkdir(p,n) -> second returns AlreadyExists.
func TestLawIdempotence(t *testing.T) {
	fs := mountFresh(t, 16*1024*1024, Options{BlockSize: 512})

	if _, err := fs.Mknod(RootOrdinal, "x", ModeRegular|0o644, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unlink(RootOrdinal, "x"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unlink(RootOrdinal, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second unlink, got %v", err)
	}

	if _, err := fs.Mkdir(RootOrdinal, "p", ModeDir|0o755, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Mkdir(RootOrdinal, "p", ModeDir|0o755, 0, 0); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on second mkdir, got %v", err)
	}
}

// Truncate-then-read law: bytes in [new_size, old_size) are unreadable
// after truncate; bytes in [old_size, new_size) after a grow read 0.
func TestLawTruncateThenRead(t *testing.T) {
	fs := mountFresh(t, 16*1024*1024, Options{BlockSize: 512})
	ino, err := fs.Mknod(RootOrdinal, "t", ModeRegular|0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(ino, 0, bytes.Repeat([]byte{1}, 100)); err != nil {
		t.Fatal(err)
	}
	size10 := int64(10)
	if _, err := fs.Setattr(ino, AttrPatch{Size: &size10}); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Read(ino, 50, 1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange reading past a truncated size, got %v", err)
	}

	size20 := int64(20)
	if _, err := fs.Setattr(ino, AttrPatch{Size: &size20}); err != nil {
		t.Fatal(err)
	}
	grown, err := fs.Read(ino, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(grown, make([]byte, 10)) {
		t.Fatal("expected bytes in a grown range to read back as zero")
	}
}

func TestMountFormatsThenReloadsSameSuperblock(t *testing.T) {
	dev := newMemDevice(16 * 1024 * 1024)
	fs, err := Mount(dev, Options{BlockSize: 512})
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatal(err)
	}

	fs2, err := Mount(dev, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if fs2.Statfs().BlockSize != 512 {
		t.Fatalf("expected remount to detect block size 512, got %d", fs2.Statfs().BlockSize)
	}
}

func TestReaddirListsChildren(t *testing.T) {
	fs := mountFresh(t, 16*1024*1024, Options{BlockSize: 512})
	if _, err := fs.Mknod(RootOrdinal, "one", ModeRegular|0o644, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Mkdir(RootOrdinal, "two", ModeDir|0o755, 0, 0); err != nil {
		t.Fatal(err)
	}

	entries, err := fs.Readdir(RootOrdinal)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	kinds := map[string]Kind{}
	for _, e := range entries {
		kinds[e.Name] = e.Kind
	}
	if kinds["one"] != KindRegular {
		t.Fatal("expected \"one\" to be a regular file")
	}
	if kinds["two"] != KindDirectory {
		t.Fatal("expected \"two\" to be a directory")
	}
}
