package tananfs

import (
	"encoding/binary"
	"fmt"
)

// dirEntry is one parsed directory entry (spec.md §4.7/§6).
type dirEntry struct {
	ordinal uint64
	name    string
}

// directory is the in-memory view of a Directory inode's byte-file
// payload: own name, followed by a flat list of (ordinal, name)
// entries. The parsed name->ordinal map exists only while this value
// is live; the payload on disk is always the source of truth on
// reload (spec.md §4.7).
type directory struct {
	fs      *Filesystem
	ordinal uint64
	bf      *ByteFile

	ownName string
	entries []dirEntry
	byName  map[string]int // name -> index into entries
}

// maxNameLen is the name_len field width limit (spec.md §4.7): a u16
// length prefix caps names at 65535 bytes.
const maxNameLen = 65535

// openDirectory loads and parses ordinal's byte-file payload. ordinal
// must already be file_type Directory.
func (fs *Filesystem) openDirectory(ordinal uint64) (*directory, error) {
	n, err := fs.readInode(ordinal)
	if err != nil {
		return nil, err
	}
	if n.fileType != fileTypeDirectory {
		return nil, fmt.Errorf("%w: inode %d is not a directory", ErrInvalidArgument, ordinal)
	}

	bf := fs.loadByteFile(ordinal)
	size, err := bf.Size()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, size)
	if size > 0 {
		if err := bf.Read(raw); err != nil {
			return nil, err
		}
		bf.cursor = 0
		bf.curBlockIdx = -1
	}

	d := &directory{fs: fs, ordinal: ordinal, bf: bf, byName: make(map[string]int)}
	nameLen := int(n.slots[slotNameLen])
	if nameLen > len(raw) {
		return nil, fmt.Errorf("%w: directory %d own-name length exceeds payload", ErrCorruptChain, ordinal)
	}
	d.ownName = string(raw[:nameLen])

	pos := nameLen
	for pos < len(raw) {
		if pos+10 > len(raw) {
			return nil, fmt.Errorf("%w: directory %d payload truncated mid-entry", ErrCorruptChain, ordinal)
		}
		childOrd := binary.LittleEndian.Uint64(raw[pos : pos+8])
		nlen := int(binary.LittleEndian.Uint16(raw[pos+8 : pos+10]))
		pos += 10
		if pos+nlen > len(raw) {
			return nil, fmt.Errorf("%w: directory %d entry name truncated", ErrCorruptChain, ordinal)
		}
		name := string(raw[pos : pos+nlen])
		pos += nlen

		d.byName[name] = len(d.entries)
		d.entries = append(d.entries, dirEntry{ordinal: childOrd, name: name})
	}

	if uint64(len(d.entries)) != n.slots[slotChildCount] {
		return nil, fmt.Errorf("%w: directory %d child_count %d does not match %d parsed entries",
			ErrCorruptChain, ordinal, n.slots[slotChildCount], len(d.entries))
	}
	return d, nil
}

// lookup returns the child ordinal for name.
func (d *directory) lookup(name string) (uint64, error) {
	idx, ok := d.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q in directory %d", ErrNotFound, name, d.ordinal)
	}
	return d.entries[idx].ordinal, nil
}

// list returns every (name, ordinal) pair in payload order.
func (d *directory) list() []dirEntry {
	out := make([]dirEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// encodedEntryLen is the on-disk size of one entry: 8-byte ordinal,
// 2-byte name length, name bytes.
func encodedEntryLen(name string) int64 {
	return 8 + 2 + int64(len(name))
}

// persistMeta rewrites slot[1] (child_count) on the backing inode and
// touches mtime_data; callers mutate d.entries/d.byName first.
func (d *directory) persistMeta() error {
	n, err := d.fs.readInode(d.ordinal)
	if err != nil {
		return err
	}
	n.slots[slotChildCount] = uint64(len(d.entries))
	n.touchData()
	d.fs.writeInode(n)
	return nil
}

// insert appends a new entry to the payload and updates child_count.
func (d *directory) insert(name string, childOrdinal uint64) error {
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: name of %d bytes exceeds %d", ErrNameTooLong, len(name), maxNameLen)
	}
	if _, exists := d.byName[name]; exists {
		return fmt.Errorf("%w: %q already present in directory %d", ErrAlreadyExists, name, d.ordinal)
	}

	size, err := d.bf.Size()
	if err != nil {
		return err
	}
	entryLen := encodedEntryLen(name)
	buf := make([]byte, entryLen)
	binary.LittleEndian.PutUint64(buf[0:8], childOrdinal)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(name)))
	copy(buf[10:], name)

	if err := d.bf.Grow(size + entryLen); err != nil {
		return err
	}
	if _, err := d.bf.Seek(SeekStart, size); err != nil {
		return err
	}
	if _, err := d.bf.Write(buf); err != nil {
		return err
	}

	d.byName[name] = len(d.entries)
	d.entries = append(d.entries, dirEntry{ordinal: childOrdinal, name: name})
	return d.persistMeta()
}

// remove deletes name's entry, compacting the payload by rewriting
// the trailing portion over the removed entry and shrinking the tail
// (spec.md §4.7: "compact the payload").
func (d *directory) remove(name string) error {
	idx, ok := d.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q in directory %d", ErrNotFound, name, d.ordinal)
	}

	entryOffset := int64(len(d.ownName))
	for i := 0; i < idx; i++ {
		entryOffset += encodedEntryLen(d.entries[i].name)
	}
	removedLen := encodedEntryLen(d.entries[idx].name)

	size, err := d.bf.Size()
	if err != nil {
		return err
	}
	tailOffset := entryOffset + removedLen
	tailLen := size - tailOffset

	if tailLen > 0 {
		tail := make([]byte, tailLen)
		if _, err := d.bf.Seek(SeekStart, tailOffset); err != nil {
			return err
		}
		if err := d.bf.Read(tail); err != nil {
			return err
		}
		if _, err := d.bf.Seek(SeekStart, entryOffset); err != nil {
			return err
		}
		if _, err := d.bf.Write(tail); err != nil {
			return err
		}
	}
	if err := d.bf.Shrink(size - removedLen); err != nil {
		return err
	}

	d.entries = append(d.entries[:idx], d.entries[idx+1:]...)
	delete(d.byName, name)
	for name2, i := range d.byName {
		if i > idx {
			d.byName[name2] = i - 1
		}
	}
	return d.persistMeta()
}

// rename moves the entry at old to new, atomic with respect to
// external observers because the filesystem-wide mutex is held across
// both steps by the caller (spec.md §4.7).
func (d *directory) rename(oldName, newName string) error {
	ordinal, err := d.lookup(oldName)
	if err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}
	if _, exists := d.byName[newName]; exists {
		return fmt.Errorf("%w: %q already present in directory %d", ErrAlreadyExists, newName, d.ordinal)
	}
	if err := d.remove(oldName); err != nil {
		return err
	}
	return d.insert(newName, ordinal)
}

// createDirectoryPayload writes a brand-new directory's initial
// payload (own name only, no entries) and slot[0]/slot[1]/slot[2].
func (fs *Filesystem) createDirectoryPayload(ordinal, parentOrdinal uint64, name string) error {
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: name of %d bytes exceeds %d", ErrNameTooLong, len(name), maxNameLen)
	}
	bf, err := fs.newZeroedByteFile(ordinal, int64(len(name)))
	if err != nil {
		return err
	}
	if len(name) > 0 {
		if _, err := bf.Seek(SeekStart, 0); err != nil {
			return err
		}
		if _, err := bf.Write([]byte(name)); err != nil {
			return err
		}
	}

	n, err := fs.readInode(ordinal)
	if err != nil {
		return err
	}
	n.slots[slotParent] = parentOrdinal
	n.slots[slotChildCount] = 0
	n.slots[slotNameLen] = uint64(len(name))
	fs.writeInode(n)
	return nil
}
