// Package kernel composes the filesystem, file table, and virtual memory
// layers behind the thin syscall dispatch table: argument marshaling only,
// per the syscall ABI's register convention. Process scheduling, trap
// entry, and exec's image loading are external collaborators; this package
// does not implement them and contains no scheduler.
package kernel

import (
	"fmt"
	"sync"

	"sv39kernel/accnt"
	"sv39kernel/caller"
	"sv39kernel/defs"
	"sv39kernel/fd"
	"sv39kernel/fs"
	"sv39kernel/fs/inode"
	"sv39kernel/mem"
	"sv39kernel/tinfo"
	"sv39kernel/vm"
)

/// Proc_t is one user process's kernel-side state: its address space, open
/// file descriptors, working directory, and accounting. Scheduling state
/// (run queue membership, register save area) belongs to the external
/// scheduler and is not modeled here.
type Proc_t struct {
	Pid  int
	Mem  *vm.UserMemory
	Fdt  *fd.FileTable
	Fds  map[int]*fd.Descriptor
	Cwd  *fd.Cwd_t
	Acct accnt.Accnt_t

	mu     sync.Mutex
	nextFd int
}

/// NewProc constructs a process rooted at root with pid assigned by the
/// caller (the external scheduler owns pid allocation in a multi-process
/// build; this core only needs distinct pids for bookkeeping).
func NewProc(pid int, mem *vm.UserMemory, root *inode.RcInode) *Proc_t {
	return &Proc_t{
		Pid: pid,
		Mem: mem,
		Fdt: fd.NewFileTable(),
		Fds: make(map[int]*fd.Descriptor),
		Cwd: fd.MkRootCwd(root),
	}
}

// addFd installs d at the lowest unused descriptor number.
func (p *Proc_t) addFd(d *fd.Descriptor) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.nextFd
	for {
		if _, taken := p.Fds[n]; !taken {
			break
		}
		n++
	}
	p.Fds[n] = d
	if n == p.nextFd {
		p.nextFd = n + 1
	}
	return n
}

func (p *Proc_t) getFd(n int) (*fd.Descriptor, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.Fds[n]
	if !ok {
		return nil, -defs.EBADF
	}
	return d, 0
}

/// Kernel wires together the filesystem, thread-info registry, and the
/// process table the dispatch table operates over.
type Kernel struct {
	Fsys  *fs.Fs
	Tinfo tinfo.Threadinfo_t
	phys  *mem.Phys

	mu    sync.Mutex
	procs map[int]*Proc_t
}

/// New wires a Kernel over an already-mounted filesystem and the physical
/// page allocator pipes draw their backing pages from.
func New(fsys *fs.Fs, phys *mem.Phys) *Kernel {
	k := &Kernel{Fsys: fsys, phys: phys, procs: make(map[int]*Proc_t)}
	k.Tinfo.Init()
	registerConsole()
	return k
}

/// AddProc registers p so syscalls dispatched with p's pid can find it.
func (k *Kernel) AddProc(p *Proc_t) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.procs[p.Pid] = p
}

// unknownCallers dedupes the warning below by call chain: a process that
// loops on the same unimplemented syscall would otherwise flood the log
// with one identical line per call.
var unknownCallers = caller.Distinct_caller_t{Enabled: true}

/// Unknown implements the dispatcher's fallback for an out-of-range or
/// unimplemented syscall number: log the first call from each distinct
/// caller chain and return the fixed sentinel rather than panic, so one
/// bad syscall number cannot bring down the kernel thread.
func Unknown(pid int, num int) int {
	if fresh, trace := unknownCallers.Distinct(); fresh {
		fmt.Printf("%d: unknown sys call %d\n%s", pid, num, trace)
	}
	return -1
}
