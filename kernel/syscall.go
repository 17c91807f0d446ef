package kernel

import (
	"sv39kernel/addr"
	"sv39kernel/defs"
	"sv39kernel/fd"
	"sv39kernel/fdops"
	"sv39kernel/pipe"
	"sv39kernel/stat"
)

// Syscall numbers, fixed by the on-wire ABI.
const (
	SYS_FORK     = 1
	SYS_EXIT     = 2
	SYS_WAIT     = 3
	SYS_PIPE     = 4
	SYS_READ     = 5
	SYS_KILL     = 6
	SYS_EXEC     = 7
	SYS_FSTAT    = 8
	SYS_CHDIR    = 9
	SYS_DUP      = 10
	SYS_GETPID   = 11
	SYS_SBRK     = 12
	SYS_SLEEP    = 13
	SYS_UPTIME   = 14
	SYS_OPEN     = 15
	SYS_WRITE    = 16
	SYS_MKNOD    = 17
	SYS_UNLINK   = 18
	SYS_LINK     = 19
	SYS_MKDIR    = 20
	SYS_CLOSE    = 21
	SYS_POWEROFF = 22

	sysMax = 23
)

/// Dispatch reads num out of the [0, sysMax) table and invokes the
/// matching handler; an out-of-range number returns Unknown's sentinel
/// rather than panicking, matching the ABI's documented fallback.
func (k *Kernel) Dispatch(p *Proc_t, num int, a [6]int) int {
	if num < 1 || num >= sysMax {
		return Unknown(p.Pid, num)
	}
	switch num {
	case SYS_PIPE:
		return k.sysPipe(p)
	case SYS_READ:
		return k.sysRead(p, a[0], a[1], a[2])
	case SYS_WRITE:
		return k.sysWrite(p, a[0], a[1], a[2])
	case SYS_OPEN:
		return k.sysOpen(p, a[0], a[1], a[2])
	case SYS_CLOSE:
		return k.sysClose(p, a[0])
	case SYS_FSTAT:
		return k.sysFstat(p, a[0], a[1])
	case SYS_UNLINK:
		return k.sysUnlink(p, a[0])
	case SYS_LINK:
		return k.sysLink(p, a[0], a[1])
	case SYS_MKDIR:
		return k.sysMkdir(p, a[0])
	case SYS_CHDIR:
		return k.sysChdir(p, a[0])
	case SYS_DUP:
		return k.sysDup(p, a[0])
	case SYS_GETPID:
		return p.Pid
	default:
		// fork/exec/wait/kill/sbrk/sleep/uptime/mknod/poweroff marshal
		// their arguments here but dispatch into the external scheduler
		// and image loader, neither of which this core implements.
		return Unknown(p.Pid, num)
	}
}

func userPath(p *Proc_t, addrVal int) string {
	buf := make([]byte, 256)
	n, ok := p.Mem.CopyInStr(buf, addr.Va[addr.UV](addrVal))
	if !ok {
		return ""
	}
	return string(buf[:n])
}

func (k *Kernel) sysOpen(p *Proc_t, pathAddr, omode, _ int) int {
	path := p.Cwd.Fullpath(userPath(p, pathAddr))

	tx := k.Fsys.BeginTx()
	ip, err := k.Fsys.Open(tx, p.Cwd.Ino, path, omode)
	if err != 0 {
		tx.Commit()
		return int(err)
	}
	tx.Commit()

	readable := omode&defs.O_WRONLY == 0
	writable := omode&defs.O_WRONLY != 0 || omode&defs.O_RDWR != 0

	f, ok := p.Fdt.AllocFile(fd.FD_INODE, readable, writable)
	if !ok {
		ip.Put()
		return int(-defs.ENFILE)
	}
	f.Ip = ip
	f.Fsys = k.Fsys

	d := &fd.Descriptor{Table: p.Fdt, File: f}
	return p.addFd(d)
}

func (k *Kernel) sysRead(p *Proc_t, fdn, addrVal, n int) int {
	d, err := p.getFd(fdn)
	if err != 0 {
		return int(err)
	}
	buf := make([]byte, n)
	dst := &fdops.ByteUio{Buf: buf}
	got, rerr := d.File.Read(dst)
	if rerr != 0 {
		return int(rerr)
	}
	if !p.Mem.CopyOut(addr.Va[addr.UV](addrVal), buf[:got]) {
		return int(-defs.EINVAL)
	}
	return got
}

func (k *Kernel) sysWrite(p *Proc_t, fdn, addrVal, n int) int {
	d, err := p.getFd(fdn)
	if err != 0 {
		return int(err)
	}
	buf := make([]byte, n)
	if !p.Mem.CopyIn(buf, addr.Va[addr.UV](addrVal)) {
		return int(-defs.EINVAL)
	}
	src := &fdops.ByteUio{Buf: buf}
	got, werr := d.File.Write(src)
	if werr != 0 {
		return int(werr)
	}
	return got
}

func (k *Kernel) sysClose(p *Proc_t, fdn int) int {
	p.mu.Lock()
	d, ok := p.Fds[fdn]
	if ok {
		delete(p.Fds, fdn)
	}
	p.mu.Unlock()
	if !ok {
		return int(-defs.EBADF)
	}
	return int(d.Close())
}

func (k *Kernel) sysDup(p *Proc_t, fdn int) int {
	d, err := p.getFd(fdn)
	if err != 0 {
		return int(err)
	}
	return p.addFd(d.Dup())
}

func (k *Kernel) sysFstat(p *Proc_t, fdn, addrVal int) int {
	d, err := p.getFd(fdn)
	if err != 0 {
		return int(err)
	}
	var st stat.Stat_t
	if serr := d.File.Stat(&st); serr != 0 {
		return int(serr)
	}
	if !p.Mem.CopyOut(addr.Va[addr.UV](addrVal), st.Bytes()) {
		return int(-defs.EINVAL)
	}
	return 0
}

func (k *Kernel) sysUnlink(p *Proc_t, pathAddr int) int {
	path := p.Cwd.Fullpath(userPath(p, pathAddr))
	tx := k.Fsys.BeginTx()
	err := k.Fsys.Unlink(tx, p.Cwd.Ino, path)
	tx.Commit()
	return int(err)
}

func (k *Kernel) sysLink(p *Proc_t, oldAddr, newAddr int) int {
	oldPath := p.Cwd.Fullpath(userPath(p, oldAddr))
	newPath := p.Cwd.Fullpath(userPath(p, newAddr))

	tx := k.Fsys.BeginTx()
	target, err := k.Fsys.Namei(tx, p.Cwd.Ino, oldPath)
	if err != 0 {
		tx.Commit()
		return int(err)
	}
	err = k.Fsys.Link(tx, p.Cwd.Ino, target, newPath)
	target.Put()
	tx.Commit()
	return int(err)
}

func (k *Kernel) sysMkdir(p *Proc_t, pathAddr int) int {
	path := p.Cwd.Fullpath(userPath(p, pathAddr))
	tx := k.Fsys.BeginTx()
	ip, err := k.Fsys.Create(tx, p.Cwd.Ino, path, defs.I_DIR, nil)
	tx.Commit()
	if err != 0 {
		return int(err)
	}
	ip.Put()
	return 0
}

func (k *Kernel) sysChdir(p *Proc_t, pathAddr int) int {
	path := p.Cwd.Fullpath(userPath(p, pathAddr))
	tx := k.Fsys.BeginTx()
	ip, err := k.Fsys.Namei(tx, p.Cwd.Ino, path)
	if err != 0 {
		tx.Commit()
		return int(err)
	}
	err = k.Fsys.Chdir(tx, ip)
	tx.Commit()
	if err != 0 {
		ip.Put()
		return int(err)
	}
	p.Cwd.Lock()
	old := p.Cwd.Ino
	p.Cwd.Ino = ip
	p.Cwd.Path = path
	p.Cwd.Unlock()
	old.Put()
	return 0
}

func (k *Kernel) sysPipe(p *Proc_t) int {
	pp := pipe.MkPipe(k.phys)

	rf, ok := p.Fdt.AllocFile(fd.FD_PIPE, true, false)
	if !ok {
		return int(-defs.ENFILE)
	}
	rf.Pipe = pp
	wf, ok := p.Fdt.AllocFile(fd.FD_PIPE, false, true)
	if !ok {
		p.Fdt.Unref(rf)
		return int(-defs.ENFILE)
	}
	wf.Pipe = pp

	rfd := p.addFd(&fd.Descriptor{Table: p.Fdt, File: rf})
	wfd := p.addFd(&fd.Descriptor{Table: p.Fdt, File: wf})
	return rfd<<16 | wfd
}
