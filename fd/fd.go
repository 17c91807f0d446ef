// Package fd implements the per-kernel file table and the File object
// dispatched across pipes, inodes, and devices: the arena of open file
// descriptions every process's own descriptor table points into.
package fd

import (
	"sync"

	"sv39kernel/defs"
	"sv39kernel/fdops"
	"sv39kernel/fs"
	"sv39kernel/fs/inode"
	"sv39kernel/limits"
	"sv39kernel/ondisk"
	"sv39kernel/pipe"
	"sv39kernel/stat"
)

// NFILE bounds the number of simultaneously open file descriptions.
const NFILE = 512

// writeChunk bounds one inode write's per-transaction byte count, so no
// single write holds the log past its per-transaction block budget.
const writeChunk = ((ondisk.MAXOPBLOCKS - 4) / 2) * ondisk.BSIZE

/// FileType tags which backing kind a File dispatches to.
type FileType int

const (
	FD_PIPE FileType = iota
	FD_INODE
	FD_DEV
)

/// File is one open file description: the unit FileTable hands out and
/// refcounts. Its body is fixed once allocated; only Off and the refcount
/// mutate over its life.
type File struct {
	mu       sync.Mutex
	used     bool
	ref      int
	Type     FileType
	Readable bool
	Writable bool

	Off int // inode cursor; unused for pipes and devices

	Ip    *inode.RcInode
	Fsys  *fs.Fs
	Pipe  *pipe.Pipe_t
	Major int
}

var devswMu sync.Mutex
var devsw = make(map[int]fdops.Device)

/// RegisterDevice installs dev at major, for kernel startup to wire the
/// console (or any other device) into File's Device dispatch path.
func RegisterDevice(major int, dev fdops.Device) {
	devswMu.Lock()
	defer devswMu.Unlock()
	devsw[major] = dev
}

func lookupDevice(major int) (fdops.Device, bool) {
	devswMu.Lock()
	defer devswMu.Unlock()
	d, ok := devsw[major]
	return d, ok
}

/// FileTable is the fixed NFILE-slot arena; one mutex covers the slot
/// metadata (used/ref), never the slot body once populated.
type FileTable struct {
	mu    sync.Mutex
	files [NFILE]File
}

/// NewFileTable builds an empty file table.
func NewFileTable() *FileTable { return &FileTable{} }

/// AllocFile scans for a free slot, populates its body, and returns it with
/// one reference. Returns (nil, false) if every slot is taken or the
/// system-wide open file descriptor limit is already exhausted.
func (ft *FileTable) AllocFile(typ FileType, readable, writable bool) (*File, bool) {
	if !limits.Syslimit.Fds.Take() {
		return nil, false
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i := range ft.files {
		f := &ft.files[i]
		if !f.used {
			*f = File{used: true, ref: 1, Type: typ, Readable: readable, Writable: writable}
			return f, true
		}
	}
	limits.Syslimit.Fds.Give()
	return nil, false
}

/// Ref increments f's refcount (dup(2), fork(2)).
func (ft *FileTable) Ref(f *File) {
	ft.mu.Lock()
	f.ref++
	ft.mu.Unlock()
}

/// Unref drops one reference; at zero it runs finalize with the arena lock
/// released so inode I/O never blocks other slots' allocation or refcount
/// traffic.
func (ft *FileTable) Unref(f *File) defs.Err_t {
	ft.mu.Lock()
	f.ref--
	dead := f.ref == 0
	ft.mu.Unlock()
	if !dead {
		return 0
	}
	err := f.finalize()
	ft.mu.Lock()
	f.used = false
	ft.mu.Unlock()
	limits.Syslimit.Fds.Give()
	return err
}

// finalize runs outside the arena lock: for a pipe it signals closure of
// this end; for an inode or device it opens a short transaction and drops
// the inode handle. Dropping the handle never frees blocks; Unlink frees
// them through Icache.Finalize once the link count reaches zero.
func (f *File) finalize() defs.Err_t {
	switch f.Type {
	case FD_PIPE:
		if f.Writable {
			f.Pipe.CloseWriter()
		}
		if f.Readable {
			f.Pipe.CloseReader()
		}
		return 0
	case FD_INODE, FD_DEV:
		tx := f.Fsys.BeginTx()
		f.Ip.Put()
		tx.Commit()
		return 0
	}
	panic("fd: unreachable file type")
}

/// Stat captures the file's metadata into st. Only inodes and devices
/// support stat; pipes have none.
func (f *File) Stat(st *stat.Stat_t) defs.Err_t {
	switch f.Type {
	case FD_INODE, FD_DEV:
		tx := f.Fsys.BeginTx()
		g := f.Ip.Lock(tx)
		g.Stat(st)
		g.Unlock()
		tx.Commit()
		return 0
	default:
		return -defs.EINVAL
	}
}

/// Read dispatches by type: a pipe read blocks on its own wait channels; an
/// inode read opens a transaction, reads from the current cursor, and
/// advances it; a device read is handed to its devsw entry.
func (f *File) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if !f.Readable {
		return 0, -defs.EPERM
	}
	switch f.Type {
	case FD_PIPE:
		return f.Pipe.Read(dst)
	case FD_INODE:
		f.mu.Lock()
		off := f.Off
		f.mu.Unlock()

		tx := f.Fsys.BeginTx()
		g := f.Ip.Lock(tx)
		buf := make([]byte, dst.Remain())
		n := g.Read(buf, off)
		g.Unlock()
		tx.Commit()

		if n > 0 {
			if _, err := dst.Uiowrite(buf[:n]); err != 0 {
				return 0, err
			}
		}
		f.mu.Lock()
		f.Off += n
		f.mu.Unlock()
		return n, 0
	case FD_DEV:
		dev, ok := lookupDevice(f.Major)
		if !ok {
			return 0, -defs.ENXIO
		}
		return dev.Read(dst, 0)
	}
	panic("fd: unreachable file type")
}

/// Write dispatches by type. Inode writes are split into writeChunk-sized
/// pieces, each under its own transaction, so one large write never holds
/// the log past its per-transaction block budget. A chunk that writes
/// fewer bytes than requested panics ("fd: short write"); it must never
/// happen on a correctly sized image.
func (f *File) Write(src fdops.Userio_i) (int, defs.Err_t) {
	if !f.Writable {
		return 0, -defs.EPERM
	}
	switch f.Type {
	case FD_PIPE:
		return f.Pipe.Write(src)
	case FD_INODE:
		total := 0
		for src.Remain() > 0 {
			n := src.Remain()
			if n > writeChunk {
				n = writeChunk
			}
			chunk := make([]byte, n)
			got, err := src.Uioread(chunk)
			if err != 0 {
				return total, err
			}
			chunk = chunk[:got]

			f.mu.Lock()
			off := f.Off
			f.mu.Unlock()

			tx := f.Fsys.BeginTx()
			g := f.Ip.Lock(tx)
			written := g.Write(chunk, off)
			g.Unlock()
			tx.Commit()

			if written != len(chunk) {
				panic("fd: short write")
			}

			f.mu.Lock()
			f.Off += written
			f.mu.Unlock()
			total += written
		}
		return total, 0
	case FD_DEV:
		dev, ok := lookupDevice(f.Major)
		if !ok {
			return 0, -defs.ENXIO
		}
		return dev.Write(src, 0)
	}
	panic("fd: unreachable file type")
}

/// Poll dispatches readiness queries; inodes are always ready.
func (f *File) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	switch f.Type {
	case FD_PIPE:
		return f.Pipe.Poll(pm)
	case FD_INODE:
		return pm.Events & (fdops.R_READ | fdops.R_WRITE), 0
	case FD_DEV:
		dev, ok := lookupDevice(f.Major)
		if !ok {
			return 0, -defs.ENXIO
		}
		return dev.Poll(pm)
	}
	panic("fd: unreachable file type")
}
