package tananfs

import (
	"encoding/binary"
	"fmt"

	"github.com/tananfs/tananfs/backend"
)

// magic is the fixed value superblock detection looks for, at fixed
// offset 56 within the 1024-byte superblock region (spec.md §3/§6).
const magic uint64 = 0x54616E616E465321

// superblock mirrors the fixed-offset layout of spec.md §3. Every
// field not named here is reserved and must stay zero-filled.
type superblock struct {
	totalInodes uint64 // offset 0
	freeInodes  uint64 // offset 8
	totalBlocks uint64 // offset 16
	freeBlocks  uint64 // offset 24
	blockSize   uint32 // offset 32
	// magic lives at offset 56 and is written/checked separately.
}

func (sb *superblock) toBytes() []byte {
	buf := make([]byte, SuperblockSize)
	binary.LittleEndian.PutUint64(buf[0:8], sb.totalInodes)
	binary.LittleEndian.PutUint64(buf[8:16], sb.freeInodes)
	binary.LittleEndian.PutUint64(buf[16:24], sb.totalBlocks)
	binary.LittleEndian.PutUint64(buf[24:32], sb.freeBlocks)
	binary.LittleEndian.PutUint32(buf[32:36], sb.blockSize)
	binary.LittleEndian.PutUint64(buf[56:64], magic)
	return buf
}

func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < int(SuperblockSize) {
		return nil, fmt.Errorf("%w: short superblock buffer (%d bytes)", ErrIoError, len(b))
	}
	if binary.LittleEndian.Uint64(b[56:64]) != magic {
		return nil, ErrNotFormatted
	}
	return &superblock{
		totalInodes: binary.LittleEndian.Uint64(b[0:8]),
		freeInodes:  binary.LittleEndian.Uint64(b[8:16]),
		totalBlocks: binary.LittleEndian.Uint64(b[16:24]),
		freeBlocks:  binary.LittleEndian.Uint64(b[24:32]),
		blockSize:   binary.LittleEndian.Uint32(b[32:36]),
	}, nil
}

// detectBlockSize probes each candidate block size in turn (spec.md
// §4.3), preferring the largest match when more than one candidate
// superblock location happens to carry the magic (e.g. after a
// formatting accident on resize).
func detectBlockSize(dev backend.Device) (uint32, error) {
	deviceSize, err := dev.Size()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	var best uint32
	for _, bs := range candidateBlockSizes {
		offset := int64(bs)
		if offset+SuperblockSize > deviceSize {
			continue
		}
		buf := make([]byte, SuperblockSize)
		if _, err := dev.ReadAt(buf, offset); err != nil {
			continue
		}
		if binary.LittleEndian.Uint64(buf[56:64]) == magic {
			if bs > best {
				best = bs
			}
		}
	}
	if best == 0 {
		return 0, ErrNotFormatted
	}
	return best, nil
}

func readSuperblock(dev backend.Device, g *geometry) (*superblock, error) {
	buf := make([]byte, SuperblockSize)
	if _, err := dev.ReadAt(buf, g.superblockOffset); err != nil {
		return nil, fmt.Errorf("%w: reading superblock: %v", ErrIoError, err)
	}
	return superblockFromBytes(buf)
}

func writeSuperblock(dev backend.Device, g *geometry, sb *superblock) error {
	if _, err := dev.WriteAt(sb.toBytes(), g.superblockOffset); err != nil {
		return fmt.Errorf("%w: writing superblock: %v", ErrIoError, err)
	}
	return nil
}
