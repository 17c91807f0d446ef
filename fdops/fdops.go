// Package fdops holds the small interfaces shared between the fd/file layer
// and anything that moves bytes across the user/kernel boundary (pipes,
// circular buffers, the console device) without those packages importing
// each other directly.
package fdops

import "sv39kernel/defs"

/// Userio_i abstracts a user-memory-backed I/O cursor: Uioread copies from
/// the cursor into dst (a "read from userspace" going the kernel's way, e.g.
/// write(2)'s source buffer); Uiowrite copies src into the cursor (a
/// "write to userspace", e.g. read(2)'s destination buffer). Remain/Totalsz
/// let a writer stop early once the userspace buffer is exhausted.
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

/// Ready_t is a bitmask of readiness conditions reported by Pollmsg_t.
type Ready_t uint8

const (
	R_READ  Ready_t = 1 << 0
	R_WRITE Ready_t = 1 << 1
	R_ERROR Ready_t = 1 << 2
	R_HUP   Ready_t = 1 << 3
)

/// Pollmsg_t names which readiness conditions a caller of a poll-capable
/// method (Device.Poll, pipe.Pipe_t.Poll, ...) is waiting for.
type Pollmsg_t struct {
	Events Ready_t
}

/// Fdops_i is the operation set every open file description must support,
/// dispatched from fd.File regardless of the concrete backing object
/// (regular inode, pipe, console, raw device).
type Fdops_i interface {
	Read(dst Userio_i, offset int) (int, defs.Err_t)
	Write(src Userio_i, offset int) (int, defs.Err_t)
	Poll(pm Pollmsg_t) (Ready_t, defs.Err_t)
	Close() defs.Err_t
}

/// Device is the operation set a devsw entry must support; major numbers are
/// looked up in a registry owned by the fd package rather than hardcoded,
/// so kernel startup can install the console (and any future device)
/// without fd importing it directly.
type Device interface {
	Read(dst Userio_i, offset int) (int, defs.Err_t)
	Write(src Userio_i, offset int) (int, defs.Err_t)
	Poll(pm Pollmsg_t) (Ready_t, defs.Err_t)
}

/// ByteUio adapts a plain []byte buffer with a read cursor to Userio_i, for
/// callers (tests, in-kernel buffer fills) that are not driven by an actual
/// user virtual-memory region.
type ByteUio struct {
	Buf []uint8
	off int
}

func (b *ByteUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, b.Buf[b.off:])
	b.off += n
	return n, 0
}

func (b *ByteUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(b.Buf[b.off:], src)
	b.off += n
	return n, 0
}

func (b *ByteUio) Remain() int  { return len(b.Buf) - b.off }
func (b *ByteUio) Totalsz() int { return len(b.Buf) }
