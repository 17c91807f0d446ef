// Command mkimg builds a bootable disk image: superblock, write-ahead log
// region, inode table, free-block bitmap, and a root directory, optionally
// populated from a host skeleton directory tree.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sv39kernel/defs"
	"sv39kernel/fs"
	"sv39kernel/ondisk"
	"sv39kernel/virtio"
)

const (
	defaultNblocks = 40000
	defaultNinodes = 4000
	bcacheCap      = 256
)

func main() {
	out := flag.String("o", "", "output image path (required)")
	nblocks := flag.Int("nblocks", defaultNblocks, "number of data blocks")
	ninodes := flag.Int("ninodes", defaultNinodes, "number of inodes")
	skel := flag.String("skel", "", "host directory tree to copy into the image root")
	flag.Parse()

	if *out == "" {
		fmt.Fprintln(os.Stderr, "usage: mkimg -o <image> [-nblocks N] [-ninodes N] [-skel dir]")
		os.Exit(1)
	}

	layout := computeLayout(uint32(*ninodes), uint32(*nblocks))

	if err := createImage(*out, layout); err != nil {
		fmt.Fprintln(os.Stderr, "mkimg:", err)
		os.Exit(1)
	}

	host, err := virtio.OpenHostDisk(*out, ondisk.BSIZE)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkimg:", err)
		os.Exit(1)
	}
	defer host.Close()

	disk := virtio.NewSimulatedDisk(host, ondisk.BSIZE)
	defer disk.Close()
	fsys := fs.New(disk, bcacheCap)

	if *skel != "" {
		addfiles(fsys, *skel)
	}

	if err := host.Sync(); err != nil {
		fmt.Fprintln(os.Stderr, "mkimg:", err)
		os.Exit(1)
	}
}

/// layout_t is the block-address plan written to the superblock.
type layout_t struct {
	totalBlocks int
	ninodes     uint32
	nblocks     uint32
	logStart    uint32
	bmapStart   uint32
	inodeStart  uint32
	dataStart   uint32
	bmapBlocks  uint32
	inodeBlocks uint32
}

// computeLayout lays regions out in the order superblock, log header, log,
// bitmap, inode table, data — so the data region (computed by the runtime
// as inodeStart+ninodes/IPB, matching fs/inode.Icache's Balloc/Bfree
// formula) never overlaps the bitmap region placed ahead of it.
func computeLayout(ninodes, nblocks uint32) layout_t {
	l := layout_t{ninodes: ninodes, nblocks: nblocks}
	l.logStart = ondisk.LogHeaderBlock + 1
	l.bmapBlocks = (nblocks + ondisk.BSIZE*8 - 1) / (ondisk.BSIZE * 8)
	l.bmapStart = l.logStart + ondisk.LOGSIZE
	l.inodeBlocks = (ninodes + uint32(ondisk.IPB) - 1) / uint32(ondisk.IPB)
	l.inodeStart = l.bmapStart + l.bmapBlocks
	l.dataStart = l.inodeStart + ninodes/uint32(ondisk.IPB)
	l.totalBlocks = int(l.dataStart + nblocks)
	return l
}

// createImage allocates the backing file and writes every metadata block:
// a zeroed body throughout, then the superblock, a cleared log header, and
// the root directory's inode plus its "." and ".." entries.
func createImage(path string, l layout_t) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(l.totalBlocks) * ondisk.BSIZE); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	sb := &ondisk.Superblock{
		Size:       uint32(l.totalBlocks),
		Nblocks:    l.nblocks,
		Ninodes:    l.ninodes,
		Nlog:       ondisk.LOGSIZE,
		LogStart:   l.logStart,
		InodeStart: l.inodeStart,
		BmapStart:  l.bmapStart,
		RootInum:   ondisk.RootInum,
	}
	if _, err := f.WriteAt(sb.Marshal(), int64(ondisk.SuperblockNum)*ondisk.BSIZE); err != nil {
		return err
	}

	lh := &ondisk.LogHeader{}
	if _, err := f.WriteAt(lh.Marshal(), int64(ondisk.LogHeaderBlock)*ondisk.BSIZE); err != nil {
		return err
	}

	rootBlock := l.dataStart
	bmapByte := make([]byte, ondisk.BSIZE)
	bmapByte[0] = 0x1 // root's first data block, bit 0 of the bitmap region
	if _, err := f.WriteAt(bmapByte, int64(l.bmapStart)*ondisk.BSIZE); err != nil {
		return err
	}

	root := &ondisk.Dinode{Type: uint16(defs.I_DIR), Nlink: 1, Size: 2 * ondisk.DirentWireSize}
	root.Addrs[0] = rootBlock
	inodeBlock := ondisk.InodeBlock(ondisk.RootInum, l.inodeStart)
	blk := make([]byte, ondisk.BSIZE)
	off := ondisk.DinodeOffset(ondisk.RootInum)
	copy(blk[off:off+ondisk.DinodeWireSize], root.Marshal())
	if _, err := f.WriteAt(blk, int64(inodeBlock)*ondisk.BSIZE); err != nil {
		return err
	}

	dot := &ondisk.Dirent{Inum: ondisk.RootInum}
	dot.SetName(".")
	dotdot := &ondisk.Dirent{Inum: ondisk.RootInum}
	dotdot.SetName("..")
	dirblk := make([]byte, ondisk.BSIZE)
	copy(dirblk[0:ondisk.DirentWireSize], dot.Marshal())
	copy(dirblk[ondisk.DirentWireSize:2*ondisk.DirentWireSize], dotdot.Marshal())
	if _, err := f.WriteAt(dirblk, int64(rootBlock)*ondisk.BSIZE); err != nil {
		return err
	}
	return nil
}

// copydata streams the host file at src into the image path dst, writing
// it through InodeGuard.Write in BSIZE*8-byte pieces, one transaction per
// piece.
func copydata(fsys *fs.Fs, src, dst string) {
	srcFile, err := os.Open(src)
	if err != nil {
		panic(err)
	}
	defer srcFile.Close()

	tx := fsys.BeginTx()
	ip, ferr := fsys.Open(tx, nil, dst, defs.O_CREAT)
	tx.Commit()
	if ferr != 0 {
		fmt.Fprintf(os.Stderr, "mkimg: open %s: %d\n", dst, ferr)
		return
	}
	defer ip.Put()

	buf := make([]byte, ondisk.BSIZE*8)
	off := 0
	for {
		n, rerr := srcFile.Read(buf)
		if rerr != nil && rerr != io.EOF {
			panic(rerr)
		}
		if n == 0 {
			break
		}
		wtx := fsys.BeginTx()
		g := ip.Lock(wtx)
		written := g.Write(buf[:n], off)
		g.Unlock()
		wtx.Commit()
		off += written
		if rerr == io.EOF {
			break
		}
	}
}

// addfiles walks skeldir on the host and replicates it into the image,
// directory by directory, file by file.
func addfiles(fsys *fs.Fs, skeldir string) {
	err := filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkimg: failed to access %q: %v\n", path, err)
			return err
		}
		rel := strings.TrimPrefix(path, skeldir)
		if rel == "" {
			return nil
		}
		rel = "/" + strings.TrimPrefix(rel, "/")

		if d.IsDir() {
			tx := fsys.BeginTx()
			ip, ferr := fsys.Create(tx, nil, rel, defs.I_DIR, nil)
			tx.Commit()
			if ferr != 0 {
				fmt.Fprintf(os.Stderr, "mkimg: mkdir %s: %d\n", rel, ferr)
				return nil
			}
			ip.Put()
			return nil
		}
		copydata(fsys, path, rel)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkimg: error walking %q: %v\n", skeldir, err)
		os.Exit(1)
	}
}
