package tananfs

import (
	"encoding/binary"
	"fmt"

	"github.com/tananfs/tananfs/timeutil"
)

// nilBlock is the reserved "no next block" sentinel (spec.md §3/§6).
const nilBlock uint64 = 0x00FFFFFFFFFFFFFF

// fileType identifies what an inode record holds.
type fileType uint8

const (
	fileTypeFree fileType = iota
	fileTypeRegular
	fileTypeDirectory
)

// Directory metadata-slot indices (spec.md §3): repurposed for
// directories as parent ordinal / child count / own-name length; for
// regular files only slot 0 (parent ordinal) is meaningful.
const (
	slotParent     = 0
	slotChildCount = 1
	slotNameLen    = 2
)

// inode is the in-memory form of the fixed on-disk inode record. See
// layout.go for why first_block/last_block sit 2 bytes later than the
// literal offsets in spec.md §3.
type inode struct {
	ordinal   uint64
	mode      uint16
	fileType  fileType
	sizeBytes uint64
	uid       uint32
	gid       uint32
	atime     uint64
	mtimeMeta uint64
	mtimeData uint64
	dtime     uint64
	blockCount uint64
	slots     [5]uint64
	firstBlock uint64
	lastBlock  uint64
}

func newFreeInode(ordinal uint64) *inode {
	return &inode{
		ordinal:    ordinal,
		fileType:   fileTypeFree,
		firstBlock: nilBlock,
		lastBlock:  nilBlock,
	}
}

func (n *inode) touchAccess() { n.atime = timeutil.NowSeconds() }
func (n *inode) touchMeta()   { n.mtimeMeta = timeutil.NowSeconds() }
func (n *inode) touchData()   { n.mtimeData = timeutil.NowSeconds() }

func (n *inode) toBytes() []byte {
	b := make([]byte, inodeRecordSize)
	binary.LittleEndian.PutUint64(b[0:8], n.ordinal)
	binary.LittleEndian.PutUint16(b[8:10], n.mode)
	b[10] = byte(n.fileType)
	binary.LittleEndian.PutUint64(b[18:26], n.sizeBytes)
	binary.LittleEndian.PutUint32(b[26:30], n.uid)
	binary.LittleEndian.PutUint32(b[30:34], n.gid)
	binary.LittleEndian.PutUint64(b[34:42], n.atime)
	binary.LittleEndian.PutUint64(b[42:50], n.mtimeMeta)
	binary.LittleEndian.PutUint64(b[50:58], n.mtimeData)
	binary.LittleEndian.PutUint64(b[58:66], n.dtime)
	binary.LittleEndian.PutUint64(b[66:74], n.blockCount)
	for i, slot := range n.slots {
		off := 74 + i*8
		binary.LittleEndian.PutUint64(b[off:off+8], slot)
	}
	binary.LittleEndian.PutUint64(b[114:122], n.firstBlock)
	binary.LittleEndian.PutUint64(b[122:130], n.lastBlock)
	return b
}

func inodeFromBytes(b []byte) (*inode, error) {
	if len(b) < inodeRecordSize {
		return nil, fmt.Errorf("%w: short inode buffer (%d bytes)", ErrIoError, len(b))
	}
	n := &inode{
		ordinal:    binary.LittleEndian.Uint64(b[0:8]),
		mode:       binary.LittleEndian.Uint16(b[8:10]),
		fileType:   fileType(b[10]),
		sizeBytes:  binary.LittleEndian.Uint64(b[18:26]),
		uid:        binary.LittleEndian.Uint32(b[26:30]),
		gid:        binary.LittleEndian.Uint32(b[30:34]),
		atime:      binary.LittleEndian.Uint64(b[34:42]),
		mtimeMeta:  binary.LittleEndian.Uint64(b[42:50]),
		mtimeData:  binary.LittleEndian.Uint64(b[50:58]),
		dtime:      binary.LittleEndian.Uint64(b[58:66]),
		blockCount: binary.LittleEndian.Uint64(b[66:74]),
		firstBlock: binary.LittleEndian.Uint64(b[114:122]),
		lastBlock:  binary.LittleEndian.Uint64(b[122:130]),
	}
	for i := range n.slots {
		off := 74 + i*8
		n.slots[i] = binary.LittleEndian.Uint64(b[off : off+8])
	}
	return n, nil
}
