// Package fs composes the buffer cache, log, and inode cache into the
// path-resolution and directory-mutation operations: namei, nameiparent,
// link, unlink, create, open, chdir, per the spec's component design.
package fs

import (
	"sv39kernel/defs"
	"sv39kernel/fs/bcache"
	"sv39kernel/fs/inode"
	"sv39kernel/fs/log"
	"sv39kernel/ondisk"
	"sv39kernel/ustr"
	"sv39kernel/virtio"
)

/// Fs bundles the three collaborators namei/link/unlink/create/open/chdir
// are defined over.
type Fs struct {
	Cache *bcache.Cache
	Log   *log.Log
	Ic    *inode.Icache
	Sb    *ondisk.Superblock
}

/// New mounts a filesystem over disk, reading the superblock from
// ondisk.SuperblockNum.
func New(disk *virtio.Disk, cacheCapacity int) *Fs {
	cache := bcache.NewCache(disk, ondisk.BSIZE, cacheCapacity)
	sbBuf := cache.Get(ondisk.SuperblockNum)
	sb := ondisk.UnmarshalSuperblock(sbBuf.Data)
	cache.Release(sbBuf)

	l := log.Open(cache, disk, sb.LogStart)
	ic := inode.NewIcache(cache, sb)
	return &Fs{Cache: cache, Log: l, Ic: ic, Sb: sb}
}

/// BeginTx opens a transaction; every mutating operation below must be
// called within one tx and the caller must Commit it afterwards.
func (f *Fs) BeginTx() *log.Tx { return f.Log.Begin() }

// splitPath splits an absolute or relative path into its raw,
// NUL-free component strings, ignoring empty segments from repeated or
// leading/trailing slashes.
func splitPath(path string) []ustr.Ustr {
	return ustr.MkUstr(path).Components()
}

// dirlookup scans dir's entries for name, returning the entry's inum, or 0
// if absent.
func dirlookup(g *inode.InodeGuard, name ustr.Ustr) uint32 {
	buf := make([]byte, ondisk.DirentWireSize)
	size := g.Size()
	for off := 0; off+ondisk.DirentWireSize <= size; off += ondisk.DirentWireSize {
		n := g.Read(buf, off)
		if n < ondisk.DirentWireSize {
			break
		}
		de := ondisk.UnmarshalDirent(buf)
		if de.Inum != 0 && ustr.MkUstr(de.NameString()).Eq(name) {
			return de.Inum
		}
	}
	return 0
}

// dirlink adds (name -> inum) to dir, reusing the first empty (Inum==0)
// slot if one exists, else appending. Fails if name already exists.
func dirlink(tx *log.Tx, g *inode.InodeGuard, name ustr.Ustr, inum uint32) bool {
	if dirlookup(g, name) != 0 {
		return false
	}
	buf := make([]byte, ondisk.DirentWireSize)
	size := g.Size()
	off := size
	for o := 0; o+ondisk.DirentWireSize <= size; o += ondisk.DirentWireSize {
		n := g.Read(buf, o)
		if n < ondisk.DirentWireSize {
			break
		}
		de := ondisk.UnmarshalDirent(buf)
		if de.Inum == 0 {
			off = o
			break
		}
	}
	de := &ondisk.Dirent{Inum: inum}
	de.SetName(name.String())
	g.Write(de.Marshal(), off)
	return true
}

// dirunlink zeroes the directory entry naming name within dir.
func dirunlink(tx *log.Tx, g *inode.InodeGuard, name ustr.Ustr) bool {
	buf := make([]byte, ondisk.DirentWireSize)
	size := g.Size()
	for off := 0; off+ondisk.DirentWireSize <= size; off += ondisk.DirentWireSize {
		n := g.Read(buf, off)
		if n < ondisk.DirentWireSize {
			break
		}
		de := ondisk.UnmarshalDirent(buf)
		if de.Inum != 0 && ustr.MkUstr(de.NameString()).Eq(name) {
			zero := make([]byte, ondisk.DirentWireSize)
			g.Write(zero, off)
			return true
		}
	}
	return false
}

// isEmptyDir reports whether dir contains only "." and "..".
func isEmptyDir(g *inode.InodeGuard) bool {
	buf := make([]byte, ondisk.DirentWireSize)
	size := g.Size()
	for off := 0; off+ondisk.DirentWireSize <= size; off += ondisk.DirentWireSize {
		n := g.Read(buf, off)
		if n < ondisk.DirentWireSize {
			break
		}
		de := ondisk.UnmarshalDirent(buf)
		if de.Inum == 0 {
			continue
		}
		u := ustr.MkUstr(de.NameString())
		if !u.Isdot() && !u.Isdotdot() {
			return false
		}
	}
	return true
}

/// Namei resolves path to an inode handle, starting from cwd (the root
// inode if path is absolute, or nil treated as root since this core has
// no per-process cwd threaded in yet beyond what chdir tracks externally).
func (f *Fs) Namei(tx *log.Tx, cwd *inode.RcInode, path string) (*inode.RcInode, defs.Err_t) {
	ip, _, _, err := f.resolve(tx, cwd, path, false)
	return ip, err
}

/// NameiParent resolves path's parent directory and returns it along with
// the final path component, without requiring that component to exist.
func (f *Fs) NameiParent(tx *log.Tx, cwd *inode.RcInode, path string) (*inode.RcInode, string, defs.Err_t) {
	dir, name, _, err := f.resolve(tx, cwd, path, true)
	return dir, name, err
}

// resolve walks path's components under tx. If parentOnly, it returns the
// directory containing the last component (unresolved) and that
// component's name; otherwise it returns the fully resolved inode.
func (f *Fs) resolve(tx *log.Tx, cwd *inode.RcInode, path string, parentOnly bool) (*inode.RcInode, string, bool, defs.Err_t) {
	comps := splitPath(path)
	var cur *inode.RcInode
	if len(path) > 0 && path[0] == '/' || cwd == nil {
		cur = f.Ic.Root()
	} else {
		cur = cwd
		g := cur.Lock(tx)
		g.Unlock()
		cur = f.Ic.Get(cur.Inum())
	}
	if len(comps) == 0 {
		return cur, "", true, 0
	}
	for i, name := range comps {
		last := i == len(comps)-1
		if last && parentOnly {
			return cur, name.String(), false, 0
		}
		g := cur.Lock(tx)
		if g.Type() != defs.I_DIR {
			g.Unlock()
			cur.Put()
			return nil, "", false, -defs.ENOTDIR
		}
		inum := dirlookup(g, name)
		g.Unlock()
		if inum == 0 {
			cur.Put()
			return nil, "", false, -defs.ENOENT
		}
		next := f.Ic.Get(inum)
		cur.Put()
		cur = next
	}
	return cur, "", true, 0
}

/// Link adds a second name for an existing non-directory inode. Rejects
// directories per the spec's hard-link restriction.
func (f *Fs) Link(tx *log.Tx, cwd *inode.RcInode, target *inode.RcInode, newpath string) defs.Err_t {
	tg := target.Lock(tx)
	if tg.Type() == defs.I_DIR {
		tg.Unlock()
		return -defs.EPERM
	}
	tg.SetNlink(tg.Nlink() + 1)
	tg.Unlock()

	dir, name, err := f.NameiParent(tx, cwd, newpath)
	if err != 0 {
		rollback(tx, target)
		return err
	}
	dg := dir.Lock(tx)
	ok := dirlink(tx, dg, ustr.MkUstr(name), target.Inum())
	dg.Unlock()
	dir.Put()
	if !ok {
		rollback(tx, target)
		return -defs.EEXIST
	}
	return 0
}

func rollback(tx *log.Tx, ip *inode.RcInode) {
	g := ip.Lock(tx)
	g.SetNlink(g.Nlink() - 1)
	g.Unlock()
}

/// Unlink removes a directory entry. When the target's link count reaches
// zero its inode is freed at once, inside Unlink, even while open
// descriptors still hold references to it.
func (f *Fs) Unlink(tx *log.Tx, cwd *inode.RcInode, path string) defs.Err_t {
	comps := splitPath(path)
	if len(comps) == 0 {
		return -defs.EPERM
	}
	last := comps[len(comps)-1]
	if last.Isdot() || last.Isdotdot() {
		return -defs.EPERM
	}

	dir, name, err := f.NameiParent(tx, cwd, path)
	if err != 0 {
		return err
	}
	nameU := ustr.MkUstr(name)
	dg := dir.Lock(tx)
	inum := dirlookup(dg, nameU)
	if inum == 0 {
		dg.Unlock()
		dir.Put()
		return -defs.ENOENT
	}
	target := f.Ic.Get(inum)
	tg := target.Lock(tx)
	if tg.Type() == defs.I_DIR && !isEmptyDir(tg) {
		tg.Unlock()
		target.Put()
		dg.Unlock()
		dir.Put()
		return -defs.ENOTEMPTY
	}

	dirunlink(tx, dg, nameU)
	if tg.Type() == defs.I_DIR {
		dg.SetNlink(dg.Nlink() - 1)
	}
	tg.SetNlink(tg.Nlink() - 1)
	if tg.Nlink() < 0 {
		panic("unlink: nlink < 0")
	}
	nlinkZero := tg.Nlink() == 0
	tg.Unlock()
	dg.Unlock()
	dir.Put()

	if nlinkZero {
		f.Ic.Finalize(tx, target)
	}
	target.Put()
	return 0
}

/// CreateFunc is applied to the resolved or newly-created inode's locked
// guard under the same transaction, letting callers (e.g. open(2)) fold
// further mutation (like O_TRUNC) into the same InodeGuard acquisition.
type CreateFunc func(g *inode.InodeGuard)

/// Create resolves path's parent, and either folds into an existing
// regular-file entry (when typ==I_FILE and the existing target is also a
// regular file) or allocates a new inode of typ, links it into the
// parent, and (for directories) creates "." and ".." without bumping the
// new directory's own nlink (avoiding a self-referential cycle).
func (f *Fs) Create(tx *log.Tx, cwd *inode.RcInode, path string, typ defs.Itype_t, apply CreateFunc) (*inode.RcInode, defs.Err_t) {
	dir, name, err := f.NameiParent(tx, cwd, path)
	if err != 0 {
		return nil, err
	}
	nameU := ustr.MkUstr(name)
	dg := dir.Lock(tx)
	if inum := dirlookup(dg, nameU); inum != 0 {
		dg.Unlock()
		dir.Put()
		existing := f.Ic.Get(inum)
		eg := existing.Lock(tx)
		if typ != defs.I_FILE || eg.Type() != defs.I_FILE {
			eg.Unlock()
			existing.Put()
			return nil, -defs.EEXIST
		}
		if apply != nil {
			apply(eg)
		}
		eg.Unlock()
		return existing, 0
	}

	ip := f.Ic.Ialloc(tx, typ)
	g := ip.Lock(tx)
	g.SetNlink(1)

	if typ == defs.I_DIR {
		dg2 := dir.Lock(tx)
		dg2.SetNlink(dg2.Nlink() + 1) // parent's ".." reference
		ok1 := dirlink(tx, g, ustr.MkUstrDot(), ip.Inum())
		ok2 := dirlink(tx, g, ustr.DotDot(), dir.Inum())
		dg2.Unlock()
		if !ok1 || !ok2 {
			panic("create: \".\"/\"..\" must not already exist in a fresh directory")
		}
	}

	if apply != nil {
		apply(g)
	}
	g.Unlock()

	dg3 := dir.Lock(tx)
	ok := dirlink(tx, dg3, nameU, ip.Inum())
	dg3.Unlock()
	dir.Put()
	if !ok {
		panic("create: name materialized concurrently; no concurrent namespace mutation is modeled")
	}
	return ip, 0
}

/// Open resolves or creates path per omode, returning the inode handle
// ready for a File wrapper. Rejects write-intent opens of a directory.
func (f *Fs) Open(tx *log.Tx, cwd *inode.RcInode, path string, omode int) (*inode.RcInode, defs.Err_t) {
	var ip *inode.RcInode
	var err defs.Err_t
	if omode&defs.O_CREAT != 0 {
		ip, err = f.Create(tx, cwd, path, defs.I_FILE, nil)
	} else {
		ip, err = f.Namei(tx, cwd, path)
	}
	if err != 0 {
		return nil, err
	}

	g := ip.Lock(tx)
	if g.Type() == defs.I_DIR && omode != defs.O_RDONLY {
		g.Unlock()
		ip.Put()
		return nil, -defs.EISDIR
	}
	if omode&defs.O_TRUNC != 0 && g.Type() == defs.I_FILE {
		g.Truncate()
	}
	g.Unlock()
	return ip, 0
}

/// Chdir validates that ip is a directory, for the caller to install as
// the process's new cwd (this core tracks cwd outside fs, in kernel's
// per-process state, per spec's external-collaborator note on process
// structure).
func (f *Fs) Chdir(tx *log.Tx, ip *inode.RcInode) defs.Err_t {
	g := ip.Lock(tx)
	defer g.Unlock()
	if g.Type() != defs.I_DIR {
		return -defs.ENOTDIR
	}
	return 0
}
