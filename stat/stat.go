// Package stat mirrors the on-wire stat structure copied out to user space
// by File.stat.
package stat

import "unsafe"

/// Stat_t mirrors a file's stat information.
type Stat_t struct {
	dev    uint
	ino    uint
	mode   uint
	size   uint
	rdev   uint
	nlink  uint
}

func (st *Stat_t) Wdev(v uint)   { st.dev = v }
func (st *Stat_t) Wino(v uint)   { st.ino = v }
func (st *Stat_t) Wmode(v uint)  { st.mode = v }
func (st *Stat_t) Wsize(v uint)  { st.size = v }
func (st *Stat_t) Wrdev(v uint)  { st.rdev = v }
func (st *Stat_t) Wnlink(v uint) { st.nlink = v }

func (st *Stat_t) Mode() uint  { return st.mode }
func (st *Stat_t) Size() uint  { return st.size }
func (st *Stat_t) Rdev() uint  { return st.rdev }
func (st *Stat_t) Rino() uint  { return st.ino }
func (st *Stat_t) Nlink() uint { return st.nlink }

/// Bytes exposes the raw bytes of the structure for copy-out to user space.
func (st *Stat_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(&st.dev))
	return sl[:]
}
