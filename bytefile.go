package tananfs

import (
	"encoding/binary"
	"fmt"
)

// Whence selects the origin a Seek offset is relative to.
type Whence int

const (
	SeekStart Whence = iota
	SeekCurrent
	SeekEnd
)

// ByteFile is the random-access byte-stream view over one inode's
// block chain (spec.md §4.6). It doubles as the persistent handle
// contemplated by Open Question O1: a caller that keeps one ByteFile
// alive across repeated Read/Write calls amortises chain traversal via
// curBlockIdx/curBlockOrd instead of walking from first_block every
// time. Filesystem.Read/Write, and so cmd/tananfs's FUSE glue, build a
// fresh ByteFile per call and keep none alive.
type ByteFile struct {
	fs           *Filesystem
	inodeOrdinal uint64
	cursor       int64

	// curBlockIdx/curBlockOrd cache the block last visited, so
	// sequential access costs O(1) per block instead of O(chain
	// length). -1 means "unknown, walk from first_block".
	curBlockIdx int64
	curBlockOrd uint64
}

// payloadSize is B-8, the usable bytes per block once the chain
// next-pointer is subtracted (spec.md §3).
func (fs *Filesystem) payloadSize() int64 {
	return int64(fs.geometry.blockSize) - 8
}

func (fs *Filesystem) loadByteFile(inodeOrdinal uint64) *ByteFile {
	return &ByteFile{fs: fs, inodeOrdinal: inodeOrdinal, curBlockIdx: -1}
}

// createEmptyFile initialises a brand-new inode's chain fields to the
// empty state: no blocks, size 0.
func createEmptyFile(n *inode) {
	n.sizeBytes = 0
	n.blockCount = 0
	n.firstBlock = nilBlock
	n.lastBlock = nilBlock
}

// newEmptyByteFile resets ordinal's chain fields to the empty state
// and returns a handle to it (spec.md §4.6 create_empty).
func (fs *Filesystem) newEmptyByteFile(inodeOrdinal uint64) (*ByteFile, error) {
	n, err := fs.readInode(inodeOrdinal)
	if err != nil {
		return nil, err
	}
	createEmptyFile(n)
	fs.writeInode(n)
	return fs.loadByteFile(inodeOrdinal), nil
}

// newZeroedByteFile allocates and zeros enough blocks to hold size
// bytes (spec.md §4.6 create_zeroed).
func (fs *Filesystem) newZeroedByteFile(inodeOrdinal uint64, size int64) (*ByteFile, error) {
	bf, err := fs.newEmptyByteFile(inodeOrdinal)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if err := bf.Grow(size); err != nil {
			return nil, err
		}
	}
	return bf, nil
}

func (fs *Filesystem) readInode(ordinal uint64) (*inode, error) {
	n, err := fs.cache.getInode(ordinal)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (fs *Filesystem) writeInode(n *inode) {
	fs.cache.putInode(n)
}

// Size returns the inode's current logical length.
func (bf *ByteFile) Size() (int64, error) {
	n, err := bf.fs.readInode(bf.inodeOrdinal)
	if err != nil {
		return 0, err
	}
	return int64(n.sizeBytes), nil
}

// Seek repositions the cursor. Seeking past the current size is an
// error; size changes only happen through Grow/Shrink/Truncate.
func (bf *ByteFile) Seek(whence Whence, offset int64) (int64, error) {
	n, err := bf.fs.readInode(bf.inodeOrdinal)
	if err != nil {
		return 0, err
	}
	size := int64(n.sizeBytes)

	var target int64
	switch whence {
	case SeekStart:
		target = offset
	case SeekCurrent:
		target = bf.cursor + offset
	case SeekEnd:
		target = size + offset
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", ErrInvalidArgument, whence)
	}
	if target < 0 || target > size {
		return 0, fmt.Errorf("%w: seek target %d outside [0,%d]", ErrOutOfRange, target, size)
	}
	if target > int64(nilBlock-1) {
		return 0, fmt.Errorf("%w: seek target %d beyond addressable limit", ErrOutOfRange, target)
	}

	payload := bf.fs.payloadSize()
	oldBlockIdx := bf.cursor / payload
	newBlockIdx := target / payload
	if newBlockIdx != oldBlockIdx {
		bf.curBlockIdx = -1
	}
	bf.cursor = target
	return target, nil
}

// blockOrdinalAt returns the ordinal of the block holding logical
// block index idx within n's chain, walking from the cached position
// when possible and from first_block otherwise.
func (bf *ByteFile) blockOrdinalAt(n *inode, idx int64) (uint64, error) {
	if bf.curBlockIdx == idx {
		return bf.curBlockOrd, nil
	}

	startIdx := int64(0)
	startOrd := n.firstBlock
	if bf.curBlockIdx >= 0 && bf.curBlockIdx <= idx {
		startIdx = bf.curBlockIdx
		startOrd = bf.curBlockOrd
	}
	if startOrd == nilBlock {
		return 0, fmt.Errorf("%w: block index %d requested on empty chain", ErrCorruptChain, idx)
	}

	ord := startOrd
	for i := startIdx; i < idx; i++ {
		raw, err := bf.fs.cache.getBlock(ord)
		if err != nil {
			return 0, err
		}
		next := binary.LittleEndian.Uint64(raw[0:8])
		if next == nilBlock {
			return 0, fmt.Errorf("%w: chain ended before block index %d", ErrCorruptChain, idx)
		}
		ord = next
	}
	bf.curBlockIdx = idx
	bf.curBlockOrd = ord
	return ord, nil
}

// Read copies len(buf) logical bytes starting at the cursor, walking
// the chain as needed and advancing the cursor. Reading past size is
// an error (spec.md §4.6's "ShortRead").
func (bf *ByteFile) Read(buf []byte) error {
	n, err := bf.fs.readInode(bf.inodeOrdinal)
	if err != nil {
		return err
	}
	if bf.cursor+int64(len(buf)) > int64(n.sizeBytes) {
		return fmt.Errorf("%w: read of %d bytes at offset %d exceeds size %d", ErrOutOfRange, len(buf), bf.cursor, n.sizeBytes)
	}

	payload := bf.fs.payloadSize()
	remaining := buf
	pos := bf.cursor
	for len(remaining) > 0 {
		blockIdx := pos / payload
		byteInBlock := 8 + pos%payload
		ord, err := bf.blockOrdinalAt(n, blockIdx)
		if err != nil {
			return err
		}
		raw, err := bf.fs.cache.getBlock(ord)
		if err != nil {
			return err
		}
		n2 := copy(remaining, raw[byteInBlock:])
		remaining = remaining[n2:]
		pos += int64(n2)
	}
	bf.cursor = pos
	return nil
}

// Write copies len(buf) bytes starting at the cursor, growing the
// chain at the tail as needed, and advances the cursor. On allocation
// failure mid-extend every block acquired during this call is freed
// and the inode's chain fields are rolled back, leaving the on-disk
// state as if the call never happened (spec.md §4.6/§7).
func (bf *ByteFile) Write(buf []byte) (int, error) {
	n, err := bf.fs.readInode(bf.inodeOrdinal)
	if err != nil {
		return 0, err
	}

	endOffset := bf.cursor + int64(len(buf))
	if endOffset > int64(nilBlock-1) {
		return 0, fmt.Errorf("%w: write would extend past addressable limit", ErrOutOfRange)
	}

	origSize, origBlockCount, origFirst, origLast := n.sizeBytes, n.blockCount, n.firstBlock, n.lastBlock
	var acquired []uint64
	rollback := func() {
		bf.fs.rollbackExtend(n, acquired, origSize, origBlockCount, origFirst, origLast)
		bf.curBlockIdx = -1
	}

	if endOffset > int64(n.sizeBytes) {
		if err := bf.extendChain(n, endOffset, &acquired); err != nil {
			rollback()
			return 0, err
		}
		n.sizeBytes = uint64(endOffset)
	}

	payload := bf.fs.payloadSize()
	remaining := buf
	pos := bf.cursor
	for len(remaining) > 0 {
		blockIdx := pos / payload
		byteInBlock := 8 + pos%payload
		ord, err := bf.blockOrdinalAt(n, blockIdx)
		if err != nil {
			rollback()
			return 0, err
		}
		raw, err := bf.fs.cache.getBlock(ord)
		if err != nil {
			rollback()
			return 0, err
		}
		written := copy(raw[byteInBlock:], remaining)
		bf.fs.cache.putBlock(ord, raw)
		remaining = remaining[written:]
		pos += int64(written)
	}
	bf.cursor = pos
	n.touchData()
	bf.fs.writeInode(n)
	return len(buf), nil
}

// extendChain allocates and chains whatever additional blocks are
// needed so the chain covers newSize bytes, appending acquired
// ordinals to *acquired so a failed call can free them again.
func (fs *Filesystem) extendChain(n *inode, newSize int64, acquired *[]uint64) error {
	payload := fs.payloadSize()
	neededBlocks := uint64((newSize + payload - 1) / payload)
	if neededBlocks <= n.blockCount {
		return nil
	}

	for n.blockCount < neededBlocks {
		ord, err := fs.allocateBlock()
		if err != nil {
			return err
		}
		*acquired = append(*acquired, ord)

		zero := make([]byte, fs.geometry.blockSize)
		binary.LittleEndian.PutUint64(zero[0:8], nilBlock)
		fs.cache.putBlock(ord, zero)

		if n.firstBlock == nilBlock {
			n.firstBlock = ord
		} else {
			tail, err := fs.cache.getBlock(n.lastBlock)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(tail[0:8], ord)
			fs.cache.putBlock(n.lastBlock, tail)
		}
		n.lastBlock = ord
		n.blockCount++
	}
	return nil
}

// rollbackExtend undoes a failed extendChain call: every block acquired
// during it is freed, and if extendChain linked the first of them onto a
// pre-existing tail (origFirst != nilBlock), that tail's next-pointer is
// reset to nilBlock so it does not dangle at a now-freed ordinal before
// n's chain fields are restored to their pre-call values.
func (fs *Filesystem) rollbackExtend(n *inode, acquired []uint64, origSize, origBlockCount uint64, origFirst, origLast uint64) {
	for i := len(acquired) - 1; i >= 0; i-- {
		_ = fs.freeBlock(acquired[i])
	}
	if origFirst != nilBlock && len(acquired) > 0 {
		if raw, err := fs.cache.getBlock(origLast); err == nil {
			binary.LittleEndian.PutUint64(raw[0:8], nilBlock)
			fs.cache.putBlock(origLast, raw)
		}
	}
	n.sizeBytes, n.blockCount, n.firstBlock, n.lastBlock = origSize, origBlockCount, origFirst, origLast
}

// Grow extends the file to newSize with zero bytes; a no-op if
// newSize does not exceed the current size.
func (bf *ByteFile) Grow(newSize int64) error {
	n, err := bf.fs.readInode(bf.inodeOrdinal)
	if err != nil {
		return err
	}
	if newSize <= int64(n.sizeBytes) {
		return nil
	}

	origSize, origBlockCount, origFirst, origLast := n.sizeBytes, n.blockCount, n.firstBlock, n.lastBlock
	var acquired []uint64
	if err := bf.fs.extendChain(n, newSize, &acquired); err != nil {
		bf.fs.rollbackExtend(n, acquired, origSize, origBlockCount, origFirst, origLast)
		return err
	}

	// extendChain already zeroed every newly-allocated block in full;
	// the only pre-existing block that can carry stale bytes is the
	// one straddling the old size, so zero its unused tail explicitly.
	payload := bf.fs.payloadSize()
	pos := origSize
	end := uint64(newSize)
	if blockEnd := uint64((int64(pos)/payload + 1) * payload); blockEnd < end {
		end = blockEnd
	}
	if pos < end {
		blockIdx := int64(pos) / payload
		byteInBlock := 8 + int64(pos)%payload
		ord, err := bf.blockOrdinalAt(n, blockIdx)
		if err != nil {
			return err
		}
		raw, err := bf.fs.cache.getBlock(ord)
		if err != nil {
			return err
		}
		span := int64(end) - int64(pos)
		for i := int64(0); i < span; i++ {
			raw[byteInBlock+i] = 0
		}
		bf.fs.cache.putBlock(ord, raw)
	}

	n.sizeBytes = uint64(newSize)
	n.touchData()
	bf.fs.writeInode(n)
	return nil
}

// Shrink truncates the file to newSize, freeing every block beyond the
// new tail.
func (bf *ByteFile) Shrink(newSize int64) error {
	n, err := bf.fs.readInode(bf.inodeOrdinal)
	if err != nil {
		return err
	}
	if newSize >= int64(n.sizeBytes) {
		return nil
	}

	payload := bf.fs.payloadSize()
	if newSize == 0 {
		ord := n.firstBlock
		for ord != nilBlock {
			raw, err := bf.fs.cache.getBlock(ord)
			if err != nil {
				return err
			}
			next := binary.LittleEndian.Uint64(raw[0:8])
			if err := bf.fs.freeBlock(ord); err != nil {
				return err
			}
			ord = next
		}
		n.firstBlock = nilBlock
		n.lastBlock = nilBlock
		n.blockCount = 0
	} else {
		newTailIdx := (newSize - 1) / payload
		tailOrd, err := bf.blockOrdinalAt(n, newTailIdx)
		if err != nil {
			return err
		}
		raw, err := bf.fs.cache.getBlock(tailOrd)
		if err != nil {
			return err
		}
		next := binary.LittleEndian.Uint64(raw[0:8])
		binary.LittleEndian.PutUint64(raw[0:8], nilBlock)
		bf.fs.cache.putBlock(tailOrd, raw)

		keep := newTailIdx + 1
		ord := next
		for ord != nilBlock {
			raw, err := bf.fs.cache.getBlock(ord)
			if err != nil {
				return err
			}
			nxt := binary.LittleEndian.Uint64(raw[0:8])
			if err := bf.fs.freeBlock(ord); err != nil {
				return err
			}
			ord = nxt
		}
		n.lastBlock = tailOrd
		n.blockCount = uint64(keep)
	}

	n.sizeBytes = uint64(newSize)
	n.touchData()
	bf.fs.writeInode(n)
	bf.curBlockIdx = -1
	if bf.cursor > newSize {
		bf.cursor = newSize
	}
	return nil
}

// Truncate is shorthand for Grow or Shrink.
func (bf *ByteFile) Truncate(newSize int64) error {
	n, err := bf.fs.readInode(bf.inodeOrdinal)
	if err != nil {
		return err
	}
	switch {
	case newSize > int64(n.sizeBytes):
		return bf.Grow(newSize)
	case newSize < int64(n.sizeBytes):
		return bf.Shrink(newSize)
	default:
		return nil
	}
}

// Destroy frees every block in the chain; the caller is responsible
// for freeing the inode itself.
func (bf *ByteFile) Destroy() error {
	return bf.Shrink(0)
}

// freeBlock clears the block's bitmap bit, returns it to the free
// counters, and invalidates any cached copy (spec.md invariant I6).
func (fs *Filesystem) freeBlock(ordinal uint64) error {
	if err := fs.blockBitmap.Clear(int(ordinal)); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptChain, err)
	}
	fs.sb.freeBlocks++
	fs.cache.invalidate(cacheKey{ns: nsBlock, ordinal: ordinal})
	return nil
}

// allocateBlock finds the first free block, marks it occupied, and
// returns its ordinal.
func (fs *Filesystem) allocateBlock() (uint64, error) {
	ord, err := fs.blockBitmap.Allocate()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfSpace, err)
	}
	fs.sb.freeBlocks--
	return uint64(ord), nil
}
