// Package ondisk holds the on-disk layout constants and record codecs
// shared by fs, fs/log, and fs/inode — split into its own leaf package so
// those three can all depend on the layout without a cycle through fs
// itself (fs imports fs/log and fs/inode, not the reverse).
package ondisk

import "encoding/binary"

// BSIZE is the filesystem block size in bytes.
const BSIZE = 1024

// NDIRECT is the number of direct block pointers in a Dinode; NINDIRECT is
// the number of block pointers one indirect block holds; MAXFILE is the
// largest file size expressible, in blocks.
const (
	NDIRECT   = 12
	NINDIRECT = BSIZE / 4
	MAXFILE   = NDIRECT + NINDIRECT
)

// DIRSIZ bounds one path component's length, including the Dirent's fixed
// name field.
const DIRSIZ = 14

// MAXOPBLOCKS bounds the number of distinct blocks one transaction may
// dirty; LOGSIZE is the on-disk log region's capacity in blocks, room for
// three transactions' MAXOPBLOCKS budgets (the log header has its own
// block, LogHeaderBlock).
const (
	MAXOPBLOCKS = 10
	LOGSIZE     = MAXOPBLOCKS * 3
)

// NSEGMENT is a fixed count of write-ahead-log segments; no code uses it
// (a virtio.Disk.WriteSequential chain is bounded by virtio.MaxSeqWrite
// instead). Kept as a fixed constant rather than derived from
// DiskSize/SegSize: DiskSize is supplied at mkimg time and varies per
// image, so a compile-time ratio would either be wrong for most images or
// require threading the disk geometry through every log.New call for a
// derivation only cmd/mkimg ever needs.
const NSEGMENT = 10

// RootInum is the inode number of the root directory. SuperblockNum is the
// disk block holding the Superblock. LogHeaderBlock is the block holding
// the LogHeader record (block 2, following the superblock).
const (
	RootInum       = 1
	SuperblockNum  = 1
	LogHeaderBlock = 2
)

/// Superblock is the on-disk layout record at block SuperblockNum.
type Superblock struct {
	Size       uint32 // total blocks on disk
	Nblocks    uint32 // data blocks
	Ninodes    uint32 // number of inodes
	Nlog       uint32 // number of log blocks
	LogStart   uint32 // first log block
	InodeStart uint32 // first inode block
	BmapStart  uint32 // first free-bitmap block
	RootInum   uint32
}

const superblockWireSize = 8 * 4

/// Marshal encodes sb into a BSIZE-byte block.
func (sb *Superblock) Marshal() []byte {
	b := make([]byte, BSIZE)
	binary.LittleEndian.PutUint32(b[0:4], sb.Size)
	binary.LittleEndian.PutUint32(b[4:8], sb.Nblocks)
	binary.LittleEndian.PutUint32(b[8:12], sb.Ninodes)
	binary.LittleEndian.PutUint32(b[12:16], sb.Nlog)
	binary.LittleEndian.PutUint32(b[16:20], sb.LogStart)
	binary.LittleEndian.PutUint32(b[20:24], sb.InodeStart)
	binary.LittleEndian.PutUint32(b[24:28], sb.BmapStart)
	binary.LittleEndian.PutUint32(b[28:32], sb.RootInum)
	return b
}

/// UnmarshalSuperblock decodes a Superblock from a BSIZE-byte block.
func UnmarshalSuperblock(b []byte) *Superblock {
	return &Superblock{
		Size:       binary.LittleEndian.Uint32(b[0:4]),
		Nblocks:    binary.LittleEndian.Uint32(b[4:8]),
		Ninodes:    binary.LittleEndian.Uint32(b[8:12]),
		Nlog:       binary.LittleEndian.Uint32(b[12:16]),
		LogStart:   binary.LittleEndian.Uint32(b[16:20]),
		InodeStart: binary.LittleEndian.Uint32(b[20:24]),
		BmapStart:  binary.LittleEndian.Uint32(b[24:28]),
		RootInum:   binary.LittleEndian.Uint32(b[28:32]),
	}
}

// DinodeWireSize is the marshaled size of one Dinode record.
const DinodeWireSize = 4 + 4 + 4 + 4*(NDIRECT+1)

// IPB is the number of Dinode records packed per disk block.
const IPB = BSIZE / DinodeWireSize

/// Dinode is the on-disk inode record: type, link count, size, and
/// NDIRECT direct block pointers plus one indirect block pointer.
type Dinode struct {
	Type  uint16
	Nlink uint16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

/// Marshal encodes a Dinode into its fixed-size wire slice.
func (d *Dinode) Marshal() []byte {
	b := make([]byte, DinodeWireSize)
	binary.LittleEndian.PutUint16(b[0:2], d.Type)
	binary.LittleEndian.PutUint16(b[2:4], d.Nlink)
	binary.LittleEndian.PutUint32(b[4:8], d.Size)
	for i, a := range d.Addrs {
		off := 8 + i*4
		binary.LittleEndian.PutUint32(b[off:off+4], a)
	}
	return b
}

/// UnmarshalDinode decodes a Dinode from its fixed-size wire slice.
func UnmarshalDinode(b []byte) *Dinode {
	d := &Dinode{
		Type:  binary.LittleEndian.Uint16(b[0:2]),
		Nlink: binary.LittleEndian.Uint16(b[2:4]),
		Size:  binary.LittleEndian.Uint32(b[4:8]),
	}
	for i := range d.Addrs {
		off := 8 + i*4
		d.Addrs[i] = binary.LittleEndian.Uint32(b[off : off+4])
	}
	return d
}

// InodeBlock returns the block number holding inum's Dinode, and
// DinodeOffset the byte offset of that record within the block.
func InodeBlock(inum uint32, inodeStart uint32) uint32 {
	return inodeStart + inum/uint32(IPB)
}
func DinodeOffset(inum uint32) int {
	return int(inum%uint32(IPB)) * DinodeWireSize
}

/// Dirent is one fixed-size on-disk directory entry: an inode number plus
/// a DIRSIZ-byte (NUL-padded) name.
type Dirent struct {
	Inum uint32
	Name [DIRSIZ]byte
}

const DirentWireSize = 4 + DIRSIZ

// DirentsPerBlock is the number of Dirent records packed per block.
const DirentsPerBlock = BSIZE / DirentWireSize

/// Marshal encodes a Dirent into its fixed-size wire slice.
func (de *Dirent) Marshal() []byte {
	b := make([]byte, DirentWireSize)
	binary.LittleEndian.PutUint32(b[0:4], de.Inum)
	copy(b[4:], de.Name[:])
	return b
}

/// UnmarshalDirent decodes a Dirent from its fixed-size wire slice.
func UnmarshalDirent(b []byte) *Dirent {
	de := &Dirent{Inum: binary.LittleEndian.Uint32(b[0:4])}
	copy(de.Name[:], b[4:4+DIRSIZ])
	return de
}

/// NameString returns name as a Go string, trimmed at the first NUL.
func (de *Dirent) NameString() string {
	n := 0
	for n < DIRSIZ && de.Name[n] != 0 {
		n++
	}
	return string(de.Name[:n])
}

/// SetName copies name into the fixed-size Name field, truncating to
/// DIRSIZ and zero-padding the remainder.
func (de *Dirent) SetName(name string) {
	de.Name = [DIRSIZ]byte{}
	copy(de.Name[:], name)
}

/// LogHeader is the on-disk record at LogHeaderBlock: the count of valid
/// entries in Blocks, and the home block number each logged block belongs
/// to, in commit order.
type LogHeader struct {
	N      uint32
	Blocks [LOGSIZE]uint32
}

/// Marshal encodes lh into a BSIZE-byte block.
func (lh *LogHeader) Marshal() []byte {
	b := make([]byte, BSIZE)
	binary.LittleEndian.PutUint32(b[0:4], lh.N)
	for i, bn := range lh.Blocks {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(b[off:off+4], bn)
	}
	return b
}

/// UnmarshalLogHeader decodes a LogHeader from a BSIZE-byte block.
func UnmarshalLogHeader(b []byte) *LogHeader {
	lh := &LogHeader{N: binary.LittleEndian.Uint32(b[0:4])}
	for i := range lh.Blocks {
		off := 4 + i*4
		lh.Blocks[i] = binary.LittleEndian.Uint32(b[off : off+4])
	}
	return lh
}
