// Package accnt accumulates per-process CPU-time accounting, exported to
// user space as a getrusage-style record.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"

	"sv39kernel/util"
)

/// Accnt_t accumulates a process's user and system time, in nanoseconds.
/// The embedded mutex lets callers take a consistent snapshot across both
/// fields when exporting usage.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

/// Utadd adds delta nanoseconds of user time.
func (a *Accnt_t) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

/// Systadd adds delta nanoseconds of system time.
func (a *Accnt_t) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

/// Now returns the current time in nanoseconds.
func (a *Accnt_t) Now() int {
	return int(time.Now().UnixNano())
}

/// Io_time removes time spent waiting for I/O, measured from since, from
/// system time.
func (a *Accnt_t) Io_time(since int) {
	d := a.Now() - since
	a.Systadd(-d)
}

/// Sleep_time removes time spent sleeping, measured from since, from
/// system time.
func (a *Accnt_t) Sleep_time(since int) {
	d := a.Now() - since
	a.Systadd(-d)
}

/// Finish adds time elapsed since inttime to system time, at the end of a
/// syscall or interrupt handler.
func (a *Accnt_t) Finish(inttime int) {
	a.Systadd(a.Now() - inttime)
}

/// Add merges a child's exited accounting into this one (wait(2)).
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	a.Userns += n.Userns
	a.Sysns += n.Sysns
	a.Unlock()
}

/// Fetch returns a consistent snapshot encoded as an rusage record.
func (a *Accnt_t) Fetch() []uint8 {
	a.Lock()
	ru := a.To_rusage()
	a.Unlock()
	return ru
}

/// To_rusage serializes user and system time as two rusage timeval pairs.
func (a *Accnt_t) To_rusage() []uint8 {
	words := 4
	ret := make([]uint8, words*8)
	totv := func(nano int64) (int, int) {
		secs := int(nano / 1e9)
		usecs := int((nano % 1e9) / 1000)
		return secs, usecs
	}
	off := 0
	s, us := totv(a.Userns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	s, us = totv(a.Sysns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	return ret
}
