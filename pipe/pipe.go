// Package pipe implements an anonymous, unidirectional byte-stream IPC
// channel backed by circbuf.Circbuf_t, with blocking readers/writers woken
// via condition variables rather than busy-polling.
package pipe

import (
	"sync"

	"sv39kernel/circbuf"
	"sv39kernel/defs"
	"sv39kernel/fdops"
	"sv39kernel/mem"
)

const pipesz = 4096

/// Pipe_t is shared by both ends of one pipe(2); readers and writers
/// increment/decrement the matching ref count on close so the last closer
/// releases the backing page and wakes anyone still parked on the other
/// end (who will observe EOF/EPIPE next, never block forever).
type Pipe_t struct {
	mu       sync.Mutex
	cond     *sync.Cond
	cb       circbuf.Circbuf_t
	readers  int
	writers  int
}

/// MkPipe allocates a pipe backed by phys and returns it with one reader
/// and one writer reference, matching the two fds pipe(2) hands back.
func MkPipe(phys *mem.Phys) *Pipe_t {
	p := &Pipe_t{readers: 1, writers: 1}
	p.cond = sync.NewCond(&p.mu)
	p.cb.CbInit(pipesz, phys)
	return p
}

/// AddReader/AddWriter register another fd referencing this end, for dup(2)
/// and fork(2).
func (p *Pipe_t) AddReader() { p.mu.Lock(); p.readers++; p.mu.Unlock() }
func (p *Pipe_t) AddWriter() { p.mu.Lock(); p.writers++; p.mu.Unlock() }

/// CloseReader drops one reader reference, releasing the buffer and waking
/// any blocked writer once the last reader is gone (further writes then
/// fail with EPIPE).
func (p *Pipe_t) CloseReader() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers--
	if p.readers == 0 {
		p.cb.CbRelease()
	}
	p.cond.Broadcast()
}

/// CloseWriter drops one writer reference, waking any blocked reader once
/// the last writer is gone (further reads then return EOF).
func (p *Pipe_t) CloseWriter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers--
	p.cond.Broadcast()
}

/// Read blocks until the buffer has data, a writer is gone (EOF, returns
/// 0, nil), or the last reader is gone (programming error, should not
/// happen: the caller holding this Pipe_t is itself a reader).
func (p *Pipe_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.cb.Empty() && p.writers > 0 {
		p.cond.Wait()
	}
	if p.cb.Empty() {
		return 0, 0
	}
	n, err := p.cb.Copyout(dst)
	p.cond.Broadcast()
	return n, err
}

/// Write blocks until there is room, returning EPIPE once every reader has
/// gone. Large writes that do not fit the buffer in one pass loop,
/// matching a real pipe's short-write-then-retry semantics.
func (p *Pipe_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for src.Remain() > 0 {
		for p.cb.Full() && p.readers > 0 {
			p.cond.Wait()
		}
		if p.readers == 0 {
			return total, -defs.EPIPE
		}
		n, err := p.cb.Copyin(src)
		total += n
		p.cond.Broadcast()
		if err != 0 {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, 0
}

/// Poll reports readiness: R_READ when data is buffered or all writers are
/// gone (EOF also "ready", per poll(2)'s convention); R_WRITE when there is
/// room or all readers are gone (so a write attempt can return EPIPE
/// immediately instead of blocking).
func (p *Pipe_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var r fdops.Ready_t
	if pm.Events&fdops.R_READ != 0 && (!p.cb.Empty() || p.writers == 0) {
		r |= fdops.R_READ
	}
	if pm.Events&fdops.R_WRITE != 0 && (!p.cb.Full() || p.readers == 0) {
		r |= fdops.R_WRITE
	}
	return r, 0
}
