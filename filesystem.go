package tananfs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tananfs/tananfs/backend"
	"github.com/tananfs/tananfs/bitmap"
	"github.com/tananfs/tananfs/timeutil"
)

// POSIX type bits packed into the 16-bit mode field; TananFS does not
// otherwise interpret mode beyond passing it through to the host
// driver shim.
const (
	ModeTypeMask = 0xF000
	ModeDir      = 0x4000
	ModeRegular  = 0x8000

	// RootOrdinal is always the root directory (spec.md §4: "format...
	// write empty root directory into inode 0... Root is identified by
	// ordinal 0 and is its own parent").
	RootOrdinal uint64 = 0
)

// Kind distinguishes directories from regular files in Readdir/Getattr
// results, without leaking the unexported fileType representation.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
)

func (k fileType) kind() Kind {
	if k == fileTypeDirectory {
		return KindDirectory
	}
	return KindRegular
}

// MaxNameLen is the longest name a directory entry can carry (spec.md
// §4.7: name_len is a u16).
const MaxNameLen = maxNameLen

// Stats is the statfs(2)-shaped summary spec.md §4.8 calls for, with
// the extra fields the FUSE shim's StatfsOut needs (SPEC_FULL.md §5).
type Stats struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	TotalInodes uint64
	FreeInodes  uint64
	NameLen     uint32
}

// Attr is the subset of inode fields getattr/readdir expose to the
// host driver shim.
type Attr struct {
	Ordinal   uint64
	Mode      uint16
	Kind      Kind
	Size      int64
	UID       uint32
	GID       uint32
	Atime     uint64
	MtimeMeta uint64
	MtimeData uint64
}

// AttrPatch carries the fields setattr is allowed to change; a nil
// field is left untouched.
type AttrPatch struct {
	Mode *uint16
	UID  *uint32
	GID  *uint32
	Size *int64
}

// DirEntry is one Readdir result row.
type DirEntry struct {
	Name    string
	Ordinal uint64
	Kind    Kind
}

// Filesystem composes the bitmap, superblock, cache, byte-file, and
// directory layers into the single serialising entry point spec.md §5
// describes. Every exported method that reads or changes filesystem
// state takes fs.mu for its duration (SessionID reads only the
// immutable session UUID and takes no lock); there is no finer-grained
// locking.
type Filesystem struct {
	mu sync.Mutex

	dev      backend.Device
	geometry *geometry
	sb       *superblock

	inodeBitmap *bitmap.Bitmap
	blockBitmap *bitmap.Bitmap

	cache *cache

	opts    Options
	session uuid.UUID
	log     *logrus.Entry
}

// Mount detects an existing filesystem on dev, or formats one if the
// magic is absent on every candidate block size (spec.md §4.8:
// "run Superblock::detect; if absent, format").
func Mount(dev backend.Device, opts Options) (*Filesystem, error) {
	session := uuid.New()
	log := logrus.WithFields(logrus.Fields{"component": "tananfs", "session": session.String()})

	deviceSize, err := dev.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: reading device size: %v", ErrIoError, err)
	}

	blockSize, err := detectBlockSize(dev)
	formatted := true
	switch {
	case errors.Is(err, ErrNotFormatted):
		formatted = false
		blockSize = opts.BlockSize
		if blockSize == 0 {
			blockSize = 4096
		}
	case err != nil:
		return nil, err
	}

	g, err := computeGeometry(deviceSize, blockSize)
	if err != nil {
		return nil, err
	}

	fs := &Filesystem{
		dev:      dev,
		geometry: g,
		opts:     opts,
		session:  session,
		log:      log,
	}

	if !formatted {
		log.WithField("block_size", blockSize).Info("formatting unformatted device")
		if err := fs.format(); err != nil {
			return nil, err
		}
	} else {
		if err := fs.load(); err != nil {
			return nil, err
		}
	}

	// format() already built the cache and left the root directory in
	// it; replacing that cache here would discard the root.
	if fs.cache == nil {
		fs.cache = newCache(dev, g, opts.CacheCapacity, opts.flushInterval(), opts.DirtyWatermark, log)
	}
	log.WithFields(logrus.Fields{
		"total_inodes": fs.sb.totalInodes,
		"total_blocks": fs.sb.totalBlocks,
		"block_size":   fs.sb.blockSize,
	}).Info("mounted")
	return fs, nil
}

func (fs *Filesystem) readBitmapRegion(offset, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := fs.dev.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: reading bitmap region: %v", ErrIoError, err)
	}
	return buf, nil
}

func (fs *Filesystem) writeBitmapRegion(offset int64, data []byte) error {
	if _, err := fs.dev.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing bitmap region: %v", ErrIoError, err)
	}
	return nil
}

// load reads an already-formatted device's superblock and bitmaps.
func (fs *Filesystem) load() error {
	sb, err := readSuperblock(fs.dev, fs.geometry)
	if err != nil {
		return err
	}
	fs.sb = sb

	inodeRaw, err := fs.readBitmapRegion(fs.geometry.inodeBitmapOffset, fs.geometry.inodeBitmapSize)
	if err != nil {
		return err
	}
	blockRaw, err := fs.readBitmapRegion(fs.geometry.blockBitmapOffset, fs.geometry.blockBitmapSize)
	if err != nil {
		return err
	}
	fs.inodeBitmap = bitmap.FromBytes(inodeRaw, int(fs.geometry.inodeCount))
	fs.blockBitmap = bitmap.FromBytes(blockRaw, int(fs.geometry.blockCount))
	return nil
}

// format zero-initialises bitmaps and superblock, then creates the
// root directory at inode 0 (spec.md §4: "format(device, block_size)").
func (fs *Filesystem) format() error {
	g := fs.geometry
	fs.sb = &superblock{
		totalInodes: g.inodeCount,
		freeInodes:  g.inodeCount,
		totalBlocks: g.blockCount,
		freeBlocks:  g.blockCount,
		blockSize:   g.blockSize,
	}
	fs.inodeBitmap = bitmap.New(int(g.inodeCount))
	fs.blockBitmap = bitmap.New(int(g.blockCount))
	fs.cache = newCache(fs.dev, g, fs.opts.CacheCapacity, fs.opts.flushInterval(), fs.opts.DirtyWatermark, fs.log)

	if err := fs.inodeBitmap.Set(int(RootOrdinal)); err != nil {
		return fmt.Errorf("%w: reserving root inode: %v", ErrIoError, err)
	}
	fs.sb.freeInodes--

	now := timeutil.NowSeconds()
	root := newFreeInode(RootOrdinal)
	root.fileType = fileTypeDirectory
	root.mode = ModeDir | 0o755
	root.uid = fs.opts.RootUID
	root.gid = fs.opts.RootGID
	root.atime, root.mtimeMeta, root.mtimeData = now, now, now
	createEmptyFile(root)
	fs.writeInode(root)

	if err := fs.createDirectoryPayload(RootOrdinal, RootOrdinal, "root"); err != nil {
		return err
	}
	return fs.persistMetadata()
}

// persistMetadata writes the superblock and both bitmaps directly to
// the device; they live outside the block/inode cache namespaces, so
// this is the only path that commits them.
func (fs *Filesystem) persistMetadata() error {
	if err := writeSuperblock(fs.dev, fs.geometry, fs.sb); err != nil {
		return err
	}
	if err := fs.writeBitmapRegion(fs.geometry.inodeBitmapOffset, fs.inodeBitmap.ToBytes()); err != nil {
		return err
	}
	if err := fs.writeBitmapRegion(fs.geometry.blockBitmapOffset, fs.blockBitmap.ToBytes()); err != nil {
		return err
	}
	return nil
}

func (fs *Filesystem) allocateInode() (uint64, error) {
	ord, err := fs.inodeBitmap.Allocate()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfSpace, err)
	}
	fs.sb.freeInodes--
	return uint64(ord), nil
}

// freeInode marks ordinal's on-disk record Free and clears its bitmap
// bit (spec.md §3 lifecycle: "marked Free on unlink"; invariant I1 ties
// a clear bitmap bit to file_type == Free). The caller must already have
// destroyed the inode's block chain.
func (fs *Filesystem) freeInode(ordinal uint64) error {
	n, err := fs.readInode(ordinal)
	if err != nil {
		return err
	}
	n.fileType = fileTypeFree
	n.dtime = timeutil.NowSeconds()
	fs.writeInode(n)

	if err := fs.inodeBitmap.Clear(int(ordinal)); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptChain, err)
	}
	fs.sb.freeInodes++
	return nil
}

func attrFromInode(n *inode) Attr {
	return Attr{
		Ordinal:   n.ordinal,
		Mode:      n.mode,
		Kind:      n.fileType.kind(),
		Size:      int64(n.sizeBytes),
		UID:       n.uid,
		GID:       n.gid,
		Atime:     n.atime,
		MtimeMeta: n.mtimeMeta,
		MtimeData: n.mtimeData,
	}
}

// Statfs reports totals and free counts from the superblock.
func (fs *Filesystem) Statfs() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return Stats{
		BlockSize:   fs.sb.blockSize,
		TotalBlocks: fs.sb.totalBlocks,
		FreeBlocks:  fs.sb.freeBlocks,
		TotalInodes: fs.sb.totalInodes,
		FreeInodes:  fs.sb.freeInodes,
		NameLen:     MaxNameLen,
	}
}

// SessionID returns the random UUID generated for this mount, used to
// correlate log lines across a single mount's lifetime.
func (fs *Filesystem) SessionID() string {
	return fs.session.String()
}

// Getattr reads one inode's metadata.
func (fs *Filesystem) Getattr(ino uint64) (Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	if n.fileType == fileTypeFree {
		return Attr{}, fmt.Errorf("%w: inode %d", ErrNotFound, ino)
	}
	return attrFromInode(n), nil
}

// Setattr applies patch to ino; a Size patch delegates to truncate.
func (fs *Filesystem) Setattr(ino uint64, patch AttrPatch) (Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	if n.fileType == fileTypeFree {
		return Attr{}, fmt.Errorf("%w: inode %d", ErrNotFound, ino)
	}

	if patch.Mode != nil {
		n.mode = (n.mode &^ ModeTypeMask) | (*patch.Mode &^ ModeTypeMask) | (n.mode & ModeTypeMask)
	}
	if patch.UID != nil {
		n.uid = *patch.UID
	}
	if patch.GID != nil {
		n.gid = *patch.GID
	}
	n.touchMeta()
	fs.writeInode(n)

	if patch.Size != nil {
		bf := fs.loadByteFile(ino)
		if err := bf.Truncate(*patch.Size); err != nil {
			return Attr{}, err
		}
	}

	n, err = fs.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	if err := fs.maintain(); err != nil {
		return Attr{}, err
	}
	return attrFromInode(n), nil
}

// Lookup resolves name within parentIno (a supplemented convenience
// spec.md's directory.lookup generalises to the Filesystem surface).
func (fs *Filesystem) Lookup(parentIno uint64, name string) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, err := fs.openDirectory(parentIno)
	if err != nil {
		return 0, err
	}
	return d.lookup(name)
}

func (fs *Filesystem) newInodeCommon(parentIno uint64, mode uint16, uid, gid uint32) (*inode, error) {
	ord, err := fs.allocateInode()
	if err != nil {
		return nil, err
	}
	now := timeutil.NowSeconds()
	n := newFreeInode(ord)
	n.mode = mode
	n.uid = uid
	n.gid = gid
	n.atime, n.mtimeMeta, n.mtimeData = now, now, now
	n.slots[slotParent] = parentIno
	return n, nil
}

// Mkdir creates a new, empty subdirectory named name under parentIno.
func (fs *Filesystem) Mkdir(parentIno uint64, name string, mode uint16, uid, gid uint32) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.openDirectory(parentIno)
	if err != nil {
		return 0, err
	}
	if _, exists := parent.byName[name]; exists {
		return 0, fmt.Errorf("%w: %q in directory %d", ErrAlreadyExists, name, parentIno)
	}

	n, err := fs.newInodeCommon(parentIno, (mode &^ ModeTypeMask)|ModeDir, uid, gid)
	if err != nil {
		return 0, err
	}
	n.fileType = fileTypeDirectory
	createEmptyFile(n)
	fs.writeInode(n)

	if err := fs.createDirectoryPayload(n.ordinal, parentIno, name); err != nil {
		_ = fs.freeInode(n.ordinal)
		return 0, err
	}
	if err := parent.insert(name, n.ordinal); err != nil {
		_ = fs.loadByteFile(n.ordinal).Destroy()
		_ = fs.freeInode(n.ordinal)
		return 0, err
	}
	if err := fs.maintain(); err != nil {
		return 0, err
	}
	return n.ordinal, nil
}

// Rmdir removes the empty subdirectory name under parentIno.
func (fs *Filesystem) Rmdir(parentIno uint64, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.openDirectory(parentIno)
	if err != nil {
		return err
	}
	childOrd, err := parent.lookup(name)
	if err != nil {
		return err
	}

	child, err := fs.openDirectory(childOrd)
	if err != nil {
		return err
	}
	if len(child.entries) > 0 {
		return fmt.Errorf("%w: directory %d has %d entries", ErrDirectoryNotEmpty, childOrd, len(child.entries))
	}

	if err := child.bf.Destroy(); err != nil {
		return err
	}
	if err := parent.remove(name); err != nil {
		return err
	}
	if err := fs.freeInode(childOrd); err != nil {
		return err
	}
	return fs.maintain()
}

// Mknod creates a new, empty regular file named name under parentIno.
func (fs *Filesystem) Mknod(parentIno uint64, name string, mode uint16, uid, gid uint32) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.openDirectory(parentIno)
	if err != nil {
		return 0, err
	}
	if _, exists := parent.byName[name]; exists {
		return 0, fmt.Errorf("%w: %q in directory %d", ErrAlreadyExists, name, parentIno)
	}

	n, err := fs.newInodeCommon(parentIno, (mode &^ ModeTypeMask)|ModeRegular, uid, gid)
	if err != nil {
		return 0, err
	}
	n.fileType = fileTypeRegular
	createEmptyFile(n)
	fs.writeInode(n)

	if err := parent.insert(name, n.ordinal); err != nil {
		_ = fs.freeInode(n.ordinal)
		return 0, err
	}
	if err := fs.maintain(); err != nil {
		return 0, err
	}
	return n.ordinal, nil
}

// Unlink removes the regular file name under parentIno.
func (fs *Filesystem) Unlink(parentIno uint64, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.openDirectory(parentIno)
	if err != nil {
		return err
	}
	childOrd, err := parent.lookup(name)
	if err != nil {
		return err
	}

	n, err := fs.readInode(childOrd)
	if err != nil {
		return err
	}
	if n.fileType != fileTypeRegular {
		return fmt.Errorf("%w: inode %d is not a regular file", ErrInvalidArgument, childOrd)
	}

	bf := fs.loadByteFile(childOrd)
	if err := bf.Destroy(); err != nil {
		return err
	}
	if err := parent.remove(name); err != nil {
		return err
	}
	if err := fs.freeInode(childOrd); err != nil {
		return err
	}
	return fs.maintain()
}

// Read returns exactly length bytes starting at offset; a request that
// runs past the file's current size fails with ErrOutOfRange (spec.md
// §8's truncate-then-read law requires this, not a POSIX-style short
// read at EOF).
func (fs *Filesystem) Read(ino uint64, offset int64, length int) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if offset < 0 {
		return nil, fmt.Errorf("%w: negative read offset %d", ErrOutOfRange, offset)
	}
	if length <= 0 {
		return []byte{}, nil
	}

	bf := fs.loadByteFile(ino)
	if _, err := bf.Seek(SeekStart, offset); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if err := bf.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write writes data at offset, growing the file (zero-filling any gap
// before offset) as needed, and returns the number of bytes written.
func (fs *Filesystem) Write(ino uint64, offset int64, data []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if offset < 0 {
		return 0, fmt.Errorf("%w: negative write offset %d", ErrOutOfRange, offset)
	}
	bf := fs.loadByteFile(ino)
	size, err := bf.Size()
	if err != nil {
		return 0, err
	}
	if offset > size {
		if err := bf.Grow(offset); err != nil {
			return 0, err
		}
	}
	if _, err := bf.Seek(SeekStart, offset); err != nil {
		return 0, err
	}
	written, err := bf.Write(data)
	if err != nil {
		if offset > size {
			// The gap-filling grow succeeded but the write itself
			// failed: undo the grow too, so the operation as a whole
			// leaves the filesystem unchanged (spec.md §7).
			_ = bf.Shrink(size)
		}
		return written, err
	}
	if err := fs.maintain(); err != nil {
		return written, err
	}
	return written, nil
}

// Fallocate extends ino with zero bytes up to newSize; it never
// shrinks (spec.md §4.8).
func (fs *Filesystem) Fallocate(ino uint64, newSize int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	bf := fs.loadByteFile(ino)
	if err := bf.Grow(newSize); err != nil {
		return err
	}
	return fs.maintain()
}

// Readdir lists every entry of directory ino.
func (fs *Filesystem) Readdir(ino uint64) ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d, err := fs.openDirectory(ino)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(d.entries))
	for _, e := range d.list() {
		child, err := fs.readInode(e.ordinal)
		if err != nil {
			return nil, err
		}
		out = append(out, DirEntry{Name: e.name, Ordinal: e.ordinal, Kind: child.fileType.kind()})
	}
	return out, nil
}

// Rename moves name from srcParent to (dstParent, newName); atomic
// with respect to external observers because fs.mu is held across
// both the remove and insert steps.
func (fs *Filesystem) Rename(srcParentIno uint64, oldName string, dstParentIno uint64, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if srcParentIno == dstParentIno {
		d, err := fs.openDirectory(srcParentIno)
		if err != nil {
			return err
		}
		if err := d.rename(oldName, newName); err != nil {
			return err
		}
		return fs.maintain()
	}

	src, err := fs.openDirectory(srcParentIno)
	if err != nil {
		return err
	}
	dst, err := fs.openDirectory(dstParentIno)
	if err != nil {
		return err
	}
	ordinal, err := src.lookup(oldName)
	if err != nil {
		return err
	}
	if _, exists := dst.byName[newName]; exists {
		return fmt.Errorf("%w: %q in directory %d", ErrAlreadyExists, newName, dstParentIno)
	}
	if err := src.remove(oldName); err != nil {
		return err
	}
	if err := dst.insert(newName, ordinal); err != nil {
		return err
	}
	n, err := fs.readInode(ordinal)
	if err != nil {
		return err
	}
	n.slots[slotParent] = dstParentIno
	fs.writeInode(n)
	return fs.maintain()
}

// Access always succeeds; TananFS does not enforce permissions
// (spec.md §4.8).
func (fs *Filesystem) Access(ino uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	if n.fileType == fileTypeFree {
		return fmt.Errorf("%w: inode %d", ErrNotFound, ino)
	}
	return nil
}

// Flush forces every dirty cache entry and the superblock/bitmaps to
// the device without releasing any resources.
func (fs *Filesystem) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flushLocked()
}

// Fsync is a synonym for Flush at the Filesystem granularity; TananFS
// has no per-inode durability tracking finer than the whole cache.
func (fs *Filesystem) Fsync(ino uint64) error {
	return fs.Flush()
}

func (fs *Filesystem) flushLocked() error {
	if err := fs.cache.flush(); err != nil {
		return err
	}
	return fs.persistMetadata()
}

// maintain runs the cache's periodic flush/eviction upkeep; called at
// the tail of every mutating operation since the core has no internal
// suspension points to hang a background ticker off of (spec.md §5).
// This only flushes block/inode cache entries; superblock and bitmap
// durability is deferred to an explicit Flush or Unmount.
func (fs *Filesystem) maintain() error {
	return fs.cache.maintain(timeutil.Now())
}

// Unmount flushes everything durable and releases the device handle.
func (fs *Filesystem) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.cache.close(); err != nil {
		return err
	}
	if err := fs.persistMetadata(); err != nil {
		return err
	}
	return fs.dev.Close()
}
