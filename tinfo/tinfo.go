// Package tinfo tracks per-thread kill/sleep state. The teacher's stock
// runtime carries a per-goroutine scratch pointer (runtime.Gptr) for this;
// a stock Go runtime has no such hook, so the current thread's note is
// instead threaded explicitly through a context.Context value, installed
// once per kernel thread at its entry point.
package tinfo

import (
	"context"
	"sync"

	"sv39kernel/defs"
)

/// Tnote_t stores per-thread state consulted by the scheduler and by
/// syscalls that must check whether their caller has been killed.
type Tnote_t struct {
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

/// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

/// Threadinfo_t tracks every thread's note, keyed by tid.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

/// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

type ctxKey struct{}

/// WithCurrent returns a context carrying note as the current thread's
/// note, for a kernel thread's entry point to install once before running
/// any syscall handler.
func WithCurrent(ctx context.Context, note *Tnote_t) context.Context {
	if note == nil {
		panic("nuts")
	}
	return context.WithValue(ctx, ctxKey{}, note)
}

/// Current returns the calling kernel thread's note, panicking if ctx was
/// never given one via WithCurrent.
func Current(ctx context.Context) *Tnote_t {
	v := ctx.Value(ctxKey{})
	if v == nil {
		panic("nuts")
	}
	return v.(*Tnote_t)
}
