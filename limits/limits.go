// Package limits holds the system-wide resource ceilings (open files,
// pipes, cached vnodes, disk blocks). Only the open-file ceiling, Fds, is
// enforced, by fd.FileTable's allocation; the others are not consulted.
package limits

import (
	"sync/atomic"
	"unsafe"
)

/// Sysatomic_t is a numeric limit that can be atomically given/taken.
type Sysatomic_t int64

/// Syslimit_t tracks system-wide resource limits.
type Syslimit_t struct {
	Sysprocs int
	Vnodes   int
	Pipes    Sysatomic_t
	Blocks   int
	Fds      Sysatomic_t
}

/// Syslimit holds the configured system-wide limits.
var Syslimit = MkSysLimit()

/// MkSysLimit returns a pointer to the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs: 1e4,
		Vnodes:   20000,
		Pipes:    1e4,
		Blocks:   100000,
		Fds:      1e5,
	}
}

func (s *Sysatomic_t) aptr() *int64 { return (*int64)(unsafe.Pointer(s)) }

/// Given increases the limit by n.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(s.aptr(), int64(n))
}

/// Taken tries to decrement the limit by n, returning false (without
/// modifying the limit) if that would drive it negative.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64(s.aptr(), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s.aptr(), int64(n))
	return false
}

/// Take decrements the limit by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

/// Give increments the limit by one.
func (s *Sysatomic_t) Give() { s.Given(1) }
