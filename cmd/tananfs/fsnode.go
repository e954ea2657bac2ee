package main

import (
	"context"
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tananfs/tananfs"
)

// tananNode is a thin fs.InodeEmbedder translating one TananFS inode
// ordinal to go-fuse's NodeXxxer interfaces. No business logic lives
// here beyond argument marshalling and the error-kind-to-errno table
// (SPEC_FULL.md §6); every call delegates straight to tananfs.Filesystem.
type tananNode struct {
	fs.Inode
	core     *tananfs.Filesystem
	ordinal  uint64
	readOnly bool
}

var (
	_ fs.NodeLookuper   = (*tananNode)(nil)
	_ fs.NodeReaddirer  = (*tananNode)(nil)
	_ fs.NodeGetattrer  = (*tananNode)(nil)
	_ fs.NodeSetattrer  = (*tananNode)(nil)
	_ fs.NodeMkdirer    = (*tananNode)(nil)
	_ fs.NodeRmdirer    = (*tananNode)(nil)
	_ fs.NodeCreater    = (*tananNode)(nil)
	_ fs.NodeUnlinker   = (*tananNode)(nil)
	_ fs.NodeOpener     = (*tananNode)(nil)
	_ fs.NodeReader     = (*tananNode)(nil)
	_ fs.NodeWriter     = (*tananNode)(nil)
	_ fs.NodeFlusher    = (*tananNode)(nil)
	_ fs.NodeFsyncer    = (*tananNode)(nil)
	_ fs.NodeRenamer    = (*tananNode)(nil)
	_ fs.NodeAccesser   = (*tananNode)(nil)
	_ fs.NodeStatfser   = (*tananNode)(nil)
	_ fs.NodeAllocater  = (*tananNode)(nil)
)

// errnoFor maps a TananFS error kind to the syscall.Errno the kernel
// expects, per spec.md §7's table. Unrecognised errors map to EIO.
func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, tananfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, tananfs.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, tananfs.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, tananfs.ErrDirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, tananfs.ErrOutOfSpace):
		return syscall.ENOSPC
	case errors.Is(err, tananfs.ErrOutOfRange):
		return syscall.EINVAL
	case errors.Is(err, tananfs.ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, tananfs.ErrCorruptChain):
		return syscall.EIO
	case errors.Is(err, tananfs.ErrNotFormatted):
		return syscall.EIO
	case errors.Is(err, tananfs.ErrIoError):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

func (n *tananNode) child(ordinal uint64) *tananNode {
	return &tananNode{core: n.core, ordinal: ordinal, readOnly: n.readOnly}
}

func attrToFuse(a tananfs.Attr, out *fuse.Attr) {
	out.Ino = a.Ordinal
	out.Mode = uint32(a.Mode)
	out.Size = uint64(a.Size)
	out.Uid = a.UID
	out.Gid = a.GID
	out.Atime = a.Atime
	out.Mtime = a.MtimeData
	out.Ctime = a.MtimeMeta
	out.Blksize = 4096
}

func (n *tananNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, err := n.core.Getattr(n.ordinal)
	if err != nil {
		return errnoFor(err)
	}
	attrToFuse(a, &out.Attr)
	return 0
}

func (n *tananNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.readOnly {
		return syscall.EROFS
	}
	var patch tananfs.AttrPatch
	if mode, ok := in.GetMode(); ok {
		m := uint16(mode)
		patch.Mode = &m
	}
	if uid, ok := in.GetUID(); ok {
		patch.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		patch.GID = &gid
	}
	if size, ok := in.GetSize(); ok {
		s := int64(size)
		patch.Size = &s
	}
	a, err := n.core.Setattr(n.ordinal, patch)
	if err != nil {
		return errnoFor(err)
	}
	attrToFuse(a, &out.Attr)
	return 0
}

func (n *tananNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ordinal, err := n.core.Lookup(n.ordinal, name)
	if err != nil {
		return nil, errnoFor(err)
	}
	a, err := n.core.Getattr(ordinal)
	if err != nil {
		return nil, errnoFor(err)
	}
	attrToFuse(a, &out.Attr)
	child := n.child(ordinal)
	mode := uint32(fuse.S_IFREG)
	if a.Kind == tananfs.KindDirectory {
		mode = fuse.S_IFDIR
	}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: ordinal}), 0
}

func (n *tananNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.core.Readdir(n.ordinal)
	if err != nil {
		return nil, errnoFor(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Kind == tananfs.KindDirectory {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Ino: e.Ordinal, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

func (n *tananNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.readOnly {
		return nil, syscall.EROFS
	}
	caller, _ := fs.Caller(ctx)
	ordinal, err := n.core.Mkdir(n.ordinal, name, uint16(mode), caller.Uid, caller.Gid)
	if err != nil {
		return nil, errnoFor(err)
	}
	a, err := n.core.Getattr(ordinal)
	if err != nil {
		return nil, errnoFor(err)
	}
	attrToFuse(a, &out.Attr)
	return n.NewInode(ctx, n.child(ordinal), fs.StableAttr{Mode: fuse.S_IFDIR, Ino: ordinal}), 0
}

func (n *tananNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.readOnly {
		return syscall.EROFS
	}
	return errnoFor(n.core.Rmdir(n.ordinal, name))
}

func (n *tananNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.readOnly {
		return nil, nil, 0, syscall.EROFS
	}
	caller, _ := fs.Caller(ctx)
	ordinal, err := n.core.Mknod(n.ordinal, name, uint16(mode), caller.Uid, caller.Gid)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	a, err := n.core.Getattr(ordinal)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	attrToFuse(a, &out.Attr)
	child := n.NewInode(ctx, n.child(ordinal), fs.StableAttr{Mode: fuse.S_IFREG, Ino: ordinal})
	return child, nil, 0, 0
}

func (n *tananNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.readOnly {
		return syscall.EROFS
	}
	return errnoFor(n.core.Unlink(n.ordinal, name))
}

func (n *tananNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.readOnly {
		return syscall.EROFS
	}
	dst, ok := newParent.(*tananNode)
	if !ok {
		return syscall.EINVAL
	}
	return errnoFor(n.core.Rename(n.ordinal, name, dst.ordinal, newName))
}

// Open returns a zero-valued handle; TananFS's core carries no
// per-descriptor state of its own (spec.md §6: "open... return zero
// handles").
func (n *tananNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, 0, 0
}

func (n *tananNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.core.Read(n.ordinal, off, len(dest))
	if err != nil {
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *tananNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if n.readOnly {
		return 0, syscall.EROFS
	}
	written, err := n.core.Write(n.ordinal, off, data)
	if err != nil {
		return uint32(written), errnoFor(err)
	}
	return uint32(written), 0
}

func (n *tananNode) Allocate(ctx context.Context, f fs.FileHandle, off uint64, size uint64, mode uint32) syscall.Errno {
	if n.readOnly {
		return syscall.EROFS
	}
	return errnoFor(n.core.Fallocate(n.ordinal, int64(off+size)))
}

func (n *tananNode) Flush(ctx context.Context, f fs.FileHandle) syscall.Errno {
	return errnoFor(n.core.Flush())
}

func (n *tananNode) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return errnoFor(n.core.Fsync(n.ordinal))
}

func (n *tananNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	return errnoFor(n.core.Access(n.ordinal))
}

func (n *tananNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	stats := n.core.Statfs()
	out.Bsize = stats.BlockSize
	out.Frsize = stats.BlockSize
	out.Blocks = stats.TotalBlocks
	out.Bfree = stats.FreeBlocks
	out.Bavail = stats.FreeBlocks
	out.Files = stats.TotalInodes
	out.Ffree = stats.FreeInodes
	out.NameLen = stats.NameLen
	return 0
}
