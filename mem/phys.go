// Package mem implements the physical frame allocator (the spec's L0
// "external" page allocator, promoted here to a concrete collaborator so
// the rest of the core has something real to allocate from) and Page, the
// affine owning handle over one physical frame.
package mem

import (
	"runtime"
	"sync"

	"sv39kernel/addr"
	"sv39kernel/oommsg"
)

/// Bytepg is the byte-addressable view of one physical page.
type Bytepg [addr.PGSIZE]uint8

/// physpg_t is the per-frame bookkeeping record: refcount and free-list
/// link, mirroring the teacher's Physpg_t.
type physpg_t struct {
	refcnt int32
	nexti  uint32
}

/// Phys is the global physical-frame allocator. A single free list behind
/// one mutex is used rather than the teacher's per-CPU free lists, since
/// this core has no SMP scheduler (non-goal) to make per-CPU pools worth
/// their complexity.
type Phys struct {
	mu      sync.Mutex
	pgs     []physpg_t
	store   []Bytepg
	base    addr.Pa
	freehd  uint32 // 0-indexed page number; noFree means empty
	npages  int
	nfree   int
}

const noFree = ^uint32(0)

/// NewPhys creates an allocator managing npages frames starting at base.
func NewPhys(base addr.Pa, npages int) *Phys {
	p := &Phys{
		pgs:    make([]physpg_t, npages),
		store:  make([]Bytepg, npages),
		base:   base,
		npages: npages,
	}
	p.freehd = noFree
	for i := npages - 1; i >= 0; i-- {
		p.pgs[i].nexti = p.freehd
		p.freehd = uint32(i)
	}
	p.nfree = npages
	return p
}

func (p *Phys) idx(pa addr.Pa) int {
	i := (int64(pa) - int64(p.base)) / addr.PGSIZE
	if i < 0 || int(i) >= p.npages {
		panic("pa out of range for this allocator")
	}
	return int(i)
}

/// pa2bytes returns the backing storage for pa without touching refcounts.
func (p *Phys) pa2bytes(pa addr.Pa) *Bytepg {
	return &p.store[p.idx(pa)]
}

/// BytesAt returns the backing storage for an already-allocated frame.
// Used by vm's page-table walk to read/write PTE pages it does not
// separately own as a mem.Page: ownership of those frames is tracked by
// the owning PageTable itself (an affine handle one level up), not by a
// second affine wrapper per intermediate table.
func (p *Phys) BytesAt(pa addr.Pa) *Bytepg {
	return p.pa2bytes(pa)
}

/// AllocFrame allocates one zeroed frame without wrapping it in a Page,
/// for internal callers (vm's page-table levels) that manage the frame's
/// lifetime themselves.
func (p *Phys) AllocFrame() (addr.Pa, bool) {
	pa, ok := p.allocRaw()
	if !ok {
		return 0, false
	}
	b := p.pa2bytes(pa)
	for i := range b {
		b[i] = 0
	}
	return pa, true
}

/// FreeFrame releases a frame allocated with AllocFrame.
func (p *Phys) FreeFrame(pa addr.Pa) {
	p.Refdown(pa)
}

/// allocRaw pops one frame off the free list with refcount 1. Returns false
/// if the pool is exhausted, after notifying oommsg.OomCh so a diagnostic
/// listener (cmd/kstat, tests) can observe the exhaustion.
func (p *Phys) allocRaw() (addr.Pa, bool) {
	p.mu.Lock()
	if p.freehd == noFree {
		p.mu.Unlock()
		oommsg.Notify(1)
		return 0, false
	}
	i := p.freehd
	p.freehd = p.pgs[i].nexti
	p.pgs[i].refcnt = 1
	p.nfree--
	p.mu.Unlock()
	return p.base + addr.Pa(i)*addr.PGSIZE, true
}

/// Refup increments pa's refcount.
func (p *Phys) Refup(pa addr.Pa) {
	p.mu.Lock()
	p.pgs[p.idx(pa)].refcnt++
	p.mu.Unlock()
}

/// Refdown decrements pa's refcount, freeing the frame when it reaches zero.
func (p *Phys) Refdown(pa addr.Pa) {
	p.mu.Lock()
	i := p.idx(pa)
	p.pgs[i].refcnt--
	if p.pgs[i].refcnt < 0 {
		p.mu.Unlock()
		panic("refcount underflow")
	}
	if p.pgs[i].refcnt == 0 {
		p.pgs[i].nexti = p.freehd
		p.freehd = uint32(i)
		p.nfree++
	}
	p.mu.Unlock()
}

/// Refcnt returns pa's current refcount, for tests and diagnostics.
func (p *Phys) Refcnt(pa addr.Pa) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pgs[p.idx(pa)].refcnt
}

/// Nfree returns the number of unallocated frames, for property tests.
func (p *Phys) Nfree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nfree
}

/// Snapshot returns a bitmap of allocated (refcnt>0) frames, for callers
/// asserting an allocator's outstanding-page count without reaching into
/// its internals (e.g. a property test checking alloc/free symmetry).
func (p *Phys) Snapshot() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, p.npages)
	for i := range p.pgs {
		out[i] = p.pgs[i].refcnt > 0
	}
	return out
}

/// Page is the affine owning handle over one physical frame: it must be
/// released via Free exactly once. A debug-mode finalizer panics if a Page
/// is garbage collected while still live, standing in for the source
/// language's compile-time linear-type enforcement (spec design note on
/// the affine/linear resource discipline).
type Page struct {
	phys *Phys
	pa   addr.Pa
	live bool
}

/// AllocPage allocates and zeroes one frame.
func AllocPage(p *Phys) (*Page, bool) {
	pg, ok := p.allocRaw()
	if !ok {
		return nil, false
	}
	b := p.pa2bytes(pg)
	for i := range b {
		b[i] = 0
	}
	return newPage(p, pg), true
}

/// AllocPageNoZero allocates one frame without zeroing it, for call sites
/// that immediately overwrite the whole page (e.g. a disk-block read).
func AllocPageNoZero(p *Phys) (*Page, bool) {
	pg, ok := p.allocRaw()
	if !ok {
		return nil, false
	}
	return newPage(p, pg), true
}

func newPage(p *Phys, pa addr.Pa) *Page {
	pg := &Page{phys: p, pa: pa, live: true}
	runtime.SetFinalizer(pg, func(pg *Page) {
		if pg.live {
			panic("mem.Page dropped without Free: at most one live Page per PA must be released exactly once")
		}
	})
	return pg
}

/// PA returns the underlying physical address.
func (pg *Page) PA() addr.Pa { return pg.pa }

/// Bytes returns the byte-addressable view of the frame.
func (pg *Page) Bytes() *Bytepg {
	if !pg.live {
		panic("use of freed Page")
	}
	return pg.phys.pa2bytes(pg.pa)
}

/// Refup bumps the frame's refcount, used when a Page's mapping is shared
/// (e.g. fork-style copy-on-write, or a second PTE aliasing the same data
/// page while each owner still calls Free once).
func (pg *Page) Refup() { pg.phys.Refup(pg.pa) }

/// Free releases the frame. Must be called exactly once; calling it twice
/// is a programming error and panics, matching the teacher's panicking
/// Drop impls for affine handles.
func (pg *Page) Free() {
	if !pg.live {
		panic("double free of mem.Page")
	}
	pg.live = false
	pg.phys.Refdown(pg.pa)
	runtime.SetFinalizer(pg, nil)
}
