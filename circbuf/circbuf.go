// Package circbuf implements a single-page circular byte buffer, the
// backing store for pipe and any other single-reader/single-writer byte
// stream that needs lazy page allocation rather than a fixed Go slice.
package circbuf

import (
	"sv39kernel/addr"
	"sv39kernel/defs"
	"sv39kernel/fdops"
	"sv39kernel/mem"
)

/// Circbuf_t is not safe for concurrent use; callers (pipe.Pipe_t) supply
/// their own lock around Copyin/Copyout.
type Circbuf_t struct {
	phys  *mem.Phys
	page  *mem.Page
	buf   []uint8
	bufsz int
	head  int
	tail  int
}

/// Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int { return cb.bufsz }

/// CbInit prepares a circular buffer of sz bytes (<= one page), allocating
/// its backing page lazily on first use rather than at init time, so a
/// pipe that is created but never written to never costs a page.
func (cb *Circbuf_t) CbInit(sz int, phys *mem.Phys) {
	if sz <= 0 || sz > addr.PGSIZE {
		panic("bad circbuf size")
	}
	cb.phys = phys
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
}

/// CbRelease drops the reference to the backing page, if one was allocated.
func (cb *Circbuf_t) CbRelease() {
	if cb.page == nil {
		return
	}
	cb.page.Free()
	cb.page = nil
	cb.buf = nil
	cb.head, cb.tail = 0, 0
}

func (cb *Circbuf_t) ensure() defs.Err_t {
	if cb.buf != nil {
		return 0
	}
	if cb.bufsz == 0 {
		panic("circbuf: not initialized")
	}
	pg, ok := mem.AllocPage(cb.phys)
	if !ok {
		return -defs.ENOMEM
	}
	cb.page = pg
	cb.buf = pg.Bytes()[:cb.bufsz]
	return 0
}

/// Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool { return cb.head-cb.tail == cb.bufsz }

/// Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool { return cb.head == cb.tail }

/// Left returns the remaining capacity in bytes.
func (cb *Circbuf_t) Left() int { return cb.bufsz - (cb.head - cb.tail) }

/// Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int { return cb.head - cb.tail }

/// Copyin reads from src into the circular buffer, wrapping as needed.
func (cb *Circbuf_t) Copyin(src fdops.Userio_i) (int, defs.Err_t) {
	if err := cb.ensure(); err != 0 {
		return 0, err
	}
	if cb.Full() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if ti <= hi {
		dst := cb.buf[hi:]
		wrote, err := src.Uioread(dst)
		if err != 0 {
			return 0, err
		}
		if wrote != len(dst) {
			cb.head += wrote
			return wrote, 0
		}
		c += wrote
		hi = (cb.head + wrote) % cb.bufsz
	}
	if hi > ti {
		panic("circbuf: impossible wraparound state")
	}
	dst := cb.buf[hi:ti]
	wrote, err := src.Uioread(dst)
	c += wrote
	if err != 0 {
		return c, err
	}
	cb.head += c
	return c, 0
}

/// Copyout writes the entire buffer contents to dst.
func (cb *Circbuf_t) Copyout(dst fdops.Userio_i) (int, defs.Err_t) {
	return cb.CopyoutN(dst, 0)
}

/// CopyoutN writes up to max bytes (0 meaning unbounded) of the buffer to
/// dst, advancing tail by however much was actually written.
func (cb *Circbuf_t) CopyoutN(dst fdops.Userio_i, max int) (int, defs.Err_t) {
	if err := cb.ensure(); err != 0 {
		return 0, err
	}
	if cb.Empty() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if hi <= ti {
		src := cb.buf[ti:]
		if max != 0 && max < len(src) {
			src = src[:max]
		}
		wrote, err := dst.Uiowrite(src)
		if err != 0 {
			return 0, err
		}
		if wrote != len(src) || wrote == max {
			cb.tail += wrote
			return wrote, 0
		}
		c += wrote
		if max != 0 {
			max -= c
		}
		ti = (cb.tail + wrote) % cb.bufsz
	}
	if ti > hi {
		panic("circbuf: impossible wraparound state")
	}
	src := cb.buf[ti:hi]
	if max != 0 && max < len(src) {
		src = src[:max]
	}
	wrote, err := dst.Uiowrite(src)
	if err != 0 {
		return 0, err
	}
	c += wrote
	cb.tail += c
	return c, 0
}
