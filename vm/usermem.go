package vm

import (
	"runtime"
	"sort"

	"sv39kernel/addr"
	"sv39kernel/mem"
)

// maxInitialImage bounds the copy-in of a fresh process's first page of
// code, matching the teacher's one-page bootstrap image convention.
const maxInitialImage = addr.PGSIZE

/// UserMemory owns a PageTable[UV] and the byte size of its mapped prefix.
// Invariants (spec §3): TRAMPOLINE and TRAPFRAME are always mapped;
// pgroundup(sz) itself is never mapped; the mapped region below sz is
// prefix-contiguous.
type UserMemory struct {
	phys   *mem.Phys
	pt     *PageTable[addr.UV]
	sz     uint64
	pages  map[uint64]*mem.Page // keyed by page-aligned VA, data pages only
	trampP addr.Pa
	tf     *mem.Page
	live   bool
}

/// NewUserMemory builds a page table, installs the trampoline and
/// trap-frame mappings, and optionally copies at most one page of initial
/// code at VA 0 with R|W|X|U permission.
func NewUserMemory(phys *mem.Phys, trampoline addr.Pa, trapframe *mem.Page, initialImage []byte) (*UserMemory, bool) {
	pt, ok := New[addr.UV](phys)
	if !ok {
		return nil, false
	}
	um := &UserMemory{phys: phys, pt: pt, pages: make(map[uint64]*mem.Page), trampP: trampoline, tf: trapframe, live: true}

	if !pt.Insert(addr.Va[addr.UV](addr.TRAMPOLINE), trampoline, PteR|PteX) {
		pt.Free()
		return nil, false
	}
	if !pt.Insert(addr.Va[addr.UV](addr.TRAPFRAME), trapframe.PA(), PteR|PteW) {
		pt.Free()
		return nil, false
	}

	if len(initialImage) > 0 {
		if len(initialImage) > maxInitialImage {
			panic("initial image exceeds one page")
		}
		pg, ok := mem.AllocPage(phys)
		if !ok {
			um.teardownPartial()
			return nil, false
		}
		copy(pg.Bytes()[:], initialImage)
		if !pt.Insert(0, pg.PA(), PteR|PteW|PteX|PteU) {
			pg.Free()
			um.teardownPartial()
			return nil, false
		}
		um.pages[0] = pg
		um.sz = addr.PGSIZE
	}
	runtime.SetFinalizer(um, func(um *UserMemory) {
		if um.live {
			panic("UserMemory dropped without Free")
		}
	})
	return um, true
}

func (um *UserMemory) teardownPartial() {
	um.pt.Remove(addr.Va[addr.UV](addr.TRAMPOLINE))
	um.pt.Remove(addr.Va[addr.UV](addr.TRAPFRAME))
	um.pt.Free()
	um.live = false
}

/// Clone deep-copies every mapped data page into a fresh UserMemory backed
/// by trapframe. On allocation failure it rolls back by deallocating every
/// page already copied.
func (um *UserMemory) Clone(trapframe *mem.Page) (*UserMemory, bool) {
	n, ok := NewUserMemory(um.phys, um.trampP, trapframe, nil)
	if !ok {
		return nil, false
	}
	var vas []uint64
	for va := range um.pages {
		vas = append(vas, va)
	}
	sort.Slice(vas, func(i, j int) bool { return vas[i] < vas[j] })

	for _, va := range vas {
		src := um.pages[va]
		pg, ok := mem.AllocPage(um.phys)
		if !ok {
			n.Free()
			return nil, false
		}
		copy(pg.Bytes()[:], src.Bytes()[:])
		if !n.pt.Insert(addr.Va[addr.UV](va), pg.PA(), PteR|PteW|PteX|PteU) {
			pg.Free()
			n.Free()
			return nil, false
		}
		n.pages[va] = pg
	}
	n.sz = um.sz
	return n, true
}

/// Resize grows (delta>0) or shrinks (delta<0) the mapped prefix.
func (um *UserMemory) Resize(delta int64) bool {
	if delta >= 0 {
		return um.Alloc(uint64(int64(um.sz) + delta))
	}
	return um.Dealloc(uint64(int64(um.sz) + delta))
}

/// Alloc grows the mapped prefix to the next page boundary covering newsz,
/// rolling back to the original size on any allocation failure.
func (um *UserMemory) Alloc(newsz uint64) bool {
	oldsz := um.sz
	if newsz <= oldsz {
		um.sz = newsz
		return true
	}
	oldtop := addr.Va[addr.UV](oldsz).Roundup().Uint64()
	newtop := addr.Va[addr.UV](newsz).Roundup().Uint64()
	for va := oldtop; va < newtop; va += addr.PGSIZE {
		pg, ok := mem.AllocPage(um.phys)
		if !ok {
			um.Dealloc(oldsz)
			return false
		}
		if !um.pt.Insert(addr.Va[addr.UV](va), pg.PA(), PteR|PteW|PteX|PteU) {
			pg.Free()
			um.sz = va
			um.Dealloc(oldsz)
			return false
		}
		um.pages[va] = pg
		um.sz = va + addr.PGSIZE
	}
	um.sz = newsz
	return true
}

/// Dealloc monotonically releases pages from the top down to newsz.
func (um *UserMemory) Dealloc(newsz uint64) bool {
	if newsz >= um.sz {
		um.sz = newsz
		return true
	}
	oldtop := addr.Va[addr.UV](um.sz).Roundup().Uint64()
	newtop := addr.Va[addr.UV](newsz).Roundup().Uint64()
	for va := oldtop; va > newtop; va -= addr.PGSIZE {
		v := va - addr.PGSIZE
		if pg, ok := um.pages[v]; ok {
			um.pt.Remove(addr.Va[addr.UV](v))
			pg.Free()
			delete(um.pages, v)
		}
	}
	um.sz = newsz
	return true
}

/// Clear strips the U bit from a leaf PTE without freeing the frame; used
/// to install a user-stack guard page that remains mapped (for the kernel
/// to detect overflow) but is inaccessible from user mode.
func (um *UserMemory) Clear(va addr.Va[addr.UV]) {
	e, ok := um.pt.Get(va)
	if !ok {
		panic("Clear: unmapped address")
	}
	slot := um.pt.walk(va, false)
	*slot = mkPte(e.pa(), e.perm()&^PteU)
}

func (um *UserMemory) translate(va addr.Va[addr.UV]) (*mem.Page, uint64, bool) {
	base := va.Rounddown().Uint64()
	pg, ok := um.pages[base]
	if !ok {
		return nil, 0, false
	}
	e, ok := um.pt.Get(addr.Va[addr.UV](base))
	if !ok || e.perm()&PteU == 0 {
		return nil, 0, false
	}
	return pg, va.Offset(), true
}

/// CopyOut writes bytes into user memory starting at dstva, walking one
/// page at a time. Fails if any page along the range is unmapped or lacks
/// the U bit.
func (um *UserMemory) CopyOut(dstva addr.Va[addr.UV], data []byte) bool {
	off := 0
	for off < len(data) {
		pg, pgoff, ok := um.translate(addr.Va[addr.UV](dstva.Uint64() + uint64(off)))
		if !ok {
			return false
		}
		n := addr.PGSIZE - int(pgoff)
		if n > len(data)-off {
			n = len(data) - off
		}
		copy(pg.Bytes()[pgoff:], data[off:off+n])
		off += n
	}
	return true
}

/// CopyIn reads len(dst) bytes from user memory starting at srcva into dst.
func (um *UserMemory) CopyIn(dst []byte, srcva addr.Va[addr.UV]) bool {
	off := 0
	for off < len(dst) {
		pg, pgoff, ok := um.translate(addr.Va[addr.UV](srcva.Uint64() + uint64(off)))
		if !ok {
			return false
		}
		n := addr.PGSIZE - int(pgoff)
		if n > len(dst)-off {
			n = len(dst) - off
		}
		copy(dst[off:off+n], pg.Bytes()[pgoff:pgoff+uint64(n)])
		off += n
	}
	return true
}

/// CopyInStr is CopyIn's NUL-terminated variant: it stops at the first NUL
/// byte and fails if none is found within len(dst).
func (um *UserMemory) CopyInStr(dst []byte, srcva addr.Va[addr.UV]) (int, bool) {
	for i := range dst {
		var b [1]byte
		if !um.CopyIn(b[:], addr.Va[addr.UV](srcva.Uint64()+uint64(i))) {
			return 0, false
		}
		if b[0] == 0 {
			return i, true
		}
		dst[i] = b[0]
	}
	return 0, false
}

/// Sz returns the current mapped-prefix size in bytes.
func (um *UserMemory) Sz() uint64 { return um.sz }

/// PageTable exposes the underlying page table, e.g. to install SATP on a
/// context switch.
func (um *UserMemory) PageTable() *PageTable[addr.UV] { return um.pt }

/// Free deallocates all data pages, then frees the page table (including
/// the trampoline/trapframe leaf mappings, but not the trapframe page
/// itself — that page is owned by the process, not by UserMemory). The
/// instance must not be used afterwards; a second Free panics.
func (um *UserMemory) Free() {
	if !um.live {
		panic("double free of UserMemory")
	}
	um.Dealloc(0)
	um.pt.Remove(addr.Va[addr.UV](addr.TRAMPOLINE))
	um.pt.Remove(addr.Va[addr.UV](addr.TRAPFRAME))
	um.pt.Free()
	um.live = false
	runtime.SetFinalizer(um, nil)
}
