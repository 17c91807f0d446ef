// Package vm implements the Sv39 three-level page table, typed by which
// virtual address space (user or kernel) it translates, plus the
// UserMemory and KernelMemory address-space containers built on top of it.
package vm

import (
	"sv39kernel/addr"
	"sv39kernel/mem"
)

// Pte permission bits. A PTE is a "table entry" iff valid and R|W|X are
// all clear; it is a "leaf" iff valid and at least one of R|W|X is set.
const (
	PteV = 1 << 0 // valid
	PteR = 1 << 1
	PteW = 1 << 2
	PteX = 1 << 3
	PteU = 1 << 4 // accessible from user mode
	PteG = 1 << 5 // global

	pteFlagBits = 10
	pteFlagMask = (1 << pteFlagBits) - 1
)

/// Pte is one Sv39 page-table entry.
type Pte uint64

func mkPte(pa addr.Pa, perm uint64) Pte {
	return Pte((uint64(pa)>>addr.PGSHIFT)<<pteFlagBits | perm | PteV)
}

func (e Pte) valid() bool { return uint64(e)&PteV != 0 }
func (e Pte) isLeaf() bool {
	return e.valid() && uint64(e)&(PteR|PteW|PteX) != 0
}
func (e Pte) isTable() bool {
	return e.valid() && uint64(e)&(PteR|PteW|PteX) == 0
}
func (e Pte) pa() addr.Pa {
	return addr.Pa((uint64(e) >> pteFlagBits) << addr.PGSHIFT)
}
func (e Pte) perm() uint64 { return uint64(e) & pteFlagMask &^ PteV }

/// rawTable is one 512-entry page of PTEs, occupying exactly one physical
/// frame. It is not itself an affine handle: its frame's lifetime is
/// managed by the owning PageTable, which is the affine handle the spec
/// requires.
type rawTable struct {
	phys *mem.Phys
	pa   addr.Pa
}

func newRawTable(phys *mem.Phys) (*rawTable, bool) {
	pa, ok := phys.AllocFrame()
	if !ok {
		return nil, false
	}
	return &rawTable{phys: phys, pa: pa}, true
}

func (rt *rawTable) entries() *[512]Pte {
	return (*[512]Pte)(unsafePtr(rt.phys.BytesAt(rt.pa)))
}

func (rt *rawTable) get(i int) Pte     { return rt.entries()[i] }
func (rt *rawTable) set(i int, e Pte)  { rt.entries()[i] = e }

/// PageTable is the typed Sv39 page table, parameterized by the address
/// space flavor A (addr.UV or addr.KV). Per the spec it must be explicitly
/// freed: dropping one without calling Free is a fatal bug, detected here
/// by the same finalizer-tombstone discipline used by mem.Page.
type PageTable[A addr.Kind] struct {
	phys *mem.Phys
	root *rawTable
	live bool
}

/// New allocates and zeroes one root page.
func New[A addr.Kind](phys *mem.Phys) (*PageTable[A], bool) {
	rt, ok := newRawTable(phys)
	if !ok {
		return nil, false
	}
	pt := &PageTable[A]{phys: phys, root: rt, live: true}
	armFinalizer(pt)
	return pt, true
}

// walk returns the level-0 (leaf) PTE slot for va, allocating intermediate
// tables along the way when alloc is true. Returns nil if alloc is false
// and an intermediate table is missing.
func (pt *PageTable[A]) walk(va addr.Va[A], alloc bool) *Pte {
	if !va.Valid() {
		panic("virtual address exceeds Sv39 MAXVA")
	}
	table := pt.root
	for level := 2; level > 0; level-- {
		idx := va.VPN(level)
		e := table.get(idx)
		if e.isLeaf() {
			panic("walk: intermediate level already holds a leaf mapping")
		}
		if !e.valid() {
			if !alloc {
				return nil
			}
			nt, ok := newRawTable(pt.phys)
			if !ok {
				return nil
			}
			table.set(idx, mkPte(nt.pa, 0))
			table = nt
		} else {
			table = rawTableAt(pt.phys, e.pa())
		}
	}
	ents := table.entries()
	return &ents[va.VPN(0)]
}

// rawTableAt reconstructs a view of an already-allocated table page by its
// physical address; the frame's lifetime is owned by the PTE chain above
// it until PageTable.Free walks it down.
func rawTableAt(phys *mem.Phys, pa addr.Pa) *rawTable {
	return &rawTable{phys: phys, pa: pa}
}

/// Insert creates (refining intermediate tables as needed) a leaf mapping
/// va -> pa with the given permission. va must be page-aligned; the target
/// leaf PTE must currently be invalid.
func (pt *PageTable[A]) Insert(va addr.Va[A], pa addr.Pa, perm uint64) bool {
	if !va.PageAligned() {
		panic("Insert: va not page-aligned")
	}
	if perm&(PteR|PteW|PteX) == 0 {
		panic("Insert: perm must set at least one of R/W/X")
	}
	slot := pt.walk(va, true)
	if slot == nil {
		return false
	}
	if slot.valid() {
		panic("Insert: leaf PTE already valid")
	}
	*slot = mkPte(pa, perm)
	return true
}

/// InsertRange maps [va, va+size) to consecutive physical frames starting
/// at pa, one page at a time. Not atomic on failure: a partial mapping is
/// left in place and the caller must unwind it.
func (pt *PageTable[A]) InsertRange(va addr.Va[A], size uint64, pa addr.Pa, perm uint64) bool {
	n := addr.Va[A](size).Roundup().Uint64() / addr.PGSIZE
	for i := uint64(0); i < n; i++ {
		if !pt.Insert(addr.Va[A](va.Uint64()+i*addr.PGSIZE), pa+addr.Pa(i*addr.PGSIZE), perm) {
			return false
		}
	}
	return true
}

/// Remove invalidates a leaf PTE and returns the physical address it
/// pointed to. Panics if the entry is a table entry rather than a leaf.
func (pt *PageTable[A]) Remove(va addr.Va[A]) (addr.Pa, bool) {
	slot := pt.walk(va, false)
	if slot == nil || !slot.valid() {
		return 0, false
	}
	if !slot.isLeaf() {
		panic("Remove: PTE is a table entry, not a leaf")
	}
	pa := slot.pa()
	*slot = 0
	return pa, true
}

/// Get walks all three levels and returns the leaf PTE for va, or false if
/// any intermediate table (or the leaf itself) is missing.
func (pt *PageTable[A]) Get(va addr.Va[A]) (Pte, bool) {
	slot := pt.walk(va, false)
	if slot == nil || !slot.valid() {
		return 0, false
	}
	return *slot, true
}

/// Root returns the physical address of the root table, for installing
/// into the hardware SATP-equivalent register.
func (pt *PageTable[A]) Root() addr.Pa { return pt.root.pa }

// freeWalk recursively frees every intermediate table page reachable from
// table, assuming all leaf mappings have already been removed by the
// caller (UserMemory.Free / KernelMemory teardown).
func freeWalk(phys *mem.Phys, table *rawTable) {
	for i := 0; i < 512; i++ {
		e := table.get(i)
		if e.isLeaf() {
			panic("freeWalk: leaf mapping still present; caller must remove all leaves first")
		}
		if e.valid() {
			freeWalk(phys, rawTableAt(phys, e.pa()))
		}
	}
	phys.FreeFrame(table.pa)
}

/// Free recursively walks all intermediate tables releasing their pages,
/// then releases the root. All leaf mappings must already have been
/// removed. The PageTable must not be used afterwards.
func (pt *PageTable[A]) Free() {
	if !pt.live {
		panic("double free of PageTable")
	}
	for i := 0; i < 512; i++ {
		e := pt.root.get(i)
		if e.isLeaf() {
			panic("Free: leaf mapping still present at root level")
		}
		if e.valid() {
			freeWalk(pt.phys, rawTableAt(pt.phys, e.pa()))
		}
	}
	pt.phys.FreeFrame(pt.root.pa)
	pt.live = false
	disarmFinalizer(pt)
}
