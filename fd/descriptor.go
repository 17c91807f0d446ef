package fd

import "sync"

import "sv39kernel/defs"
import "sv39kernel/fs/inode"

/// File descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

/// Descriptor is a process's handle on an open File: a reference plus the
/// permission bits that fcntl/open derived for this particular fd (two fds
/// may point at the same File with different permissions after dup2).
type Descriptor struct {
	Table *FileTable
	File  *File
	Perms int
}

/// Dup duplicates d, taking a fresh reference on the same underlying File.
func (d *Descriptor) Dup() *Descriptor {
	d.Table.Ref(d.File)
	nd := *d
	return &nd
}

/// Close drops d's reference, running File finalization if it was the
/// last one.
func (d *Descriptor) Close() defs.Err_t {
	return d.Table.Unref(d.File)
}

/// ClosePanic closes d and panics on failure, for call sites that have
/// already established the descriptor cannot legitimately fail to close.
func ClosePanic(d *Descriptor) {
	if d.Close() != 0 {
		panic("must succeed")
	}
}

/// Cwd_t tracks a process's current working directory: the inode itself
/// plus the canonical path string used to resolve relative lookups. A cwd
/// reference is never part of the fd table's refcount arena, since it is
/// not a File.
type Cwd_t struct {
	sync.Mutex
	Ino  *inode.RcInode
	Path string
}

/// MkRootCwd constructs a Cwd_t rooted at "/", holding root's own inode
/// reference.
func MkRootCwd(root *inode.RcInode) *Cwd_t {
	return &Cwd_t{Ino: root, Path: "/"}
}

/// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p
	}
	if len(cwd.Path) > 0 && cwd.Path[len(cwd.Path)-1] == '/' {
		return cwd.Path + p
	}
	return cwd.Path + "/" + p
}
