package fd

import (
	"os"
	"testing"

	"sv39kernel/addr"
	"sv39kernel/defs"
	"sv39kernel/fdops"
	"sv39kernel/fs"
	"sv39kernel/mem"
	"sv39kernel/ondisk"
	"sv39kernel/pipe"
	"sv39kernel/stat"
	"sv39kernel/virtio"
)

func newTestPhys(t *testing.T) *mem.Phys {
	t.Helper()
	return mem.NewPhys(addr.Pa(0x80000000), 16)
}

// newTestFsys builds a minimal mounted filesystem the same way fs_test.go
// does, for File/FD_INODE tests that need a real backing inode.
func newTestFsys(t *testing.T) *fs.Fs {
	t.Helper()
	const ninodes, nblocks = 64, 256
	logStart := uint32(ondisk.LogHeaderBlock + 1)
	bmapBlocks := uint32((nblocks + ondisk.BSIZE*8 - 1) / (ondisk.BSIZE * 8))
	bmapStart := logStart + ondisk.LOGSIZE
	inodeStart := bmapStart + bmapBlocks
	dataStart := inodeStart + ninodes/uint32(ondisk.IPB)
	total := int64(dataStart+nblocks) * ondisk.BSIZE

	f, err := os.CreateTemp(t.TempDir(), "fd-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	if err := f.Truncate(total); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	sb := &ondisk.Superblock{
		Size:       uint32(total / ondisk.BSIZE),
		Nblocks:    nblocks,
		Ninodes:    ninodes,
		Nlog:       ondisk.LOGSIZE,
		LogStart:   logStart,
		InodeStart: inodeStart,
		BmapStart:  bmapStart,
		RootInum:   ondisk.RootInum,
	}
	if _, err := f.WriteAt(sb.Marshal(), int64(ondisk.SuperblockNum)*ondisk.BSIZE); err != nil {
		t.Fatal(err)
	}
	lh := &ondisk.LogHeader{}
	if _, err := f.WriteAt(lh.Marshal(), int64(ondisk.LogHeaderBlock)*ondisk.BSIZE); err != nil {
		t.Fatal(err)
	}

	rootBlock := dataStart
	bmapByte := make([]byte, ondisk.BSIZE)
	bmapByte[0] = 0x1
	if _, err := f.WriteAt(bmapByte, int64(bmapStart)*ondisk.BSIZE); err != nil {
		t.Fatal(err)
	}

	root := &ondisk.Dinode{Type: uint16(defs.I_DIR), Nlink: 1, Size: 2 * ondisk.DirentWireSize}
	root.Addrs[0] = rootBlock
	inodeBlock := ondisk.InodeBlock(ondisk.RootInum, inodeStart)
	blk := make([]byte, ondisk.BSIZE)
	off := ondisk.DinodeOffset(ondisk.RootInum)
	copy(blk[off:off+ondisk.DinodeWireSize], root.Marshal())
	if _, err := f.WriteAt(blk, int64(inodeBlock)*ondisk.BSIZE); err != nil {
		t.Fatal(err)
	}

	dot := &ondisk.Dirent{Inum: ondisk.RootInum}
	dot.SetName(".")
	dotdot := &ondisk.Dirent{Inum: ondisk.RootInum}
	dotdot.SetName("..")
	dirblk := make([]byte, ondisk.BSIZE)
	copy(dirblk[0:ondisk.DirentWireSize], dot.Marshal())
	copy(dirblk[ondisk.DirentWireSize:2*ondisk.DirentWireSize], dotdot.Marshal())
	if _, err := f.WriteAt(dirblk, int64(rootBlock)*ondisk.BSIZE); err != nil {
		t.Fatal(err)
	}
	f.Close()

	host, err := virtio.OpenHostDisk(path, ondisk.BSIZE)
	if err != nil {
		t.Fatalf("OpenHostDisk: %v", err)
	}
	t.Cleanup(func() { host.Close() })
	disk := virtio.NewSimulatedDisk(host, ondisk.BSIZE)
	t.Cleanup(disk.Close)
	return fs.New(disk, 64)
}

func TestAllocFileExhaustsAtNfile(t *testing.T) {
	ft := NewFileTable()
	for i := 0; i < NFILE; i++ {
		if _, ok := ft.AllocFile(FD_PIPE, true, true); !ok {
			t.Fatalf("AllocFile failed at slot %d, want success up to NFILE", i)
		}
	}
	if _, ok := ft.AllocFile(FD_PIPE, true, true); ok {
		t.Error("AllocFile succeeded past NFILE open slots")
	}
}

func TestUnrefReleasesSlotForReuse(t *testing.T) {
	ft := NewFileTable()
	f, ok := ft.AllocFile(FD_PIPE, true, true)
	if !ok {
		t.Fatal("AllocFile failed")
	}
	f.Pipe = pipe.MkPipe(newTestPhys(t))

	if err := ft.Unref(f); err != 0 {
		t.Fatalf("Unref error %d", err)
	}

	for i := 0; i < NFILE; i++ {
		if _, ok := ft.AllocFile(FD_PIPE, true, true); !ok {
			t.Fatalf("AllocFile failed to reuse freed slot at %d", i)
		}
	}
}

func TestRefKeepsFileAliveAcrossOneUnref(t *testing.T) {
	ft := NewFileTable()
	f, _ := ft.AllocFile(FD_PIPE, true, true)
	f.Pipe = pipe.MkPipe(newTestPhys(t))
	ft.Ref(f)

	ft.Unref(f)
	// one reference remains; the pipe must still be usable.
	if _, err := f.Write(&fdops.ByteUio{Buf: []byte("x")}); err != 0 {
		t.Errorf("Write on a still-referenced file errored: %d", err)
	}
}

func TestReadWriteDeniedWhenNotPermitted(t *testing.T) {
	ft := NewFileTable()
	f, _ := ft.AllocFile(FD_PIPE, true, false)
	f.Pipe = pipe.MkPipe(newTestPhys(t))

	if _, err := f.Write(&fdops.ByteUio{Buf: []byte("x")}); err != -defs.EPERM {
		t.Errorf("Write on a non-writable file = %d, want -EPERM", err)
	}

	f2, _ := ft.AllocFile(FD_PIPE, false, true)
	f2.Pipe = pipe.MkPipe(newTestPhys(t))
	if _, err := f2.Read(&fdops.ByteUio{Buf: make([]byte, 4)}); err != -defs.EPERM {
		t.Errorf("Read on a non-readable file = %d, want -EPERM", err)
	}
}

func TestPipeFileDispatchRoundTrip(t *testing.T) {
	ft := NewFileTable()
	rf, _ := ft.AllocFile(FD_PIPE, true, false)
	wf, _ := ft.AllocFile(FD_PIPE, false, true)
	p := pipe.MkPipe(newTestPhys(t))
	rf.Pipe = p
	wf.Pipe = p

	n, err := wf.Write(&fdops.ByteUio{Buf: []byte("hi")})
	if err != 0 || n != 2 {
		t.Fatalf("Write = (%d, %d), want (2, 0)", n, err)
	}
	dst := &fdops.ByteUio{Buf: make([]byte, 2)}
	n, err = rf.Read(dst)
	if err != 0 || n != 2 {
		t.Fatalf("Read = (%d, %d), want (2, 0)", n, err)
	}
	if string(dst.Buf) != "hi" {
		t.Errorf("Read content = %q, want %q", dst.Buf, "hi")
	}
}

func TestInodeFileReadWriteAdvancesCursor(t *testing.T) {
	fsys := newTestFsys(t)
	ft := NewFileTable()

	tx := fsys.BeginTx()
	ip, ferr := fsys.Open(tx, nil, "/x", defs.O_CREAT)
	tx.Commit()
	if ferr != 0 {
		t.Fatalf("Open error %d", ferr)
	}

	f, ok := ft.AllocFile(FD_INODE, true, true)
	if !ok {
		t.Fatal("AllocFile failed")
	}
	f.Ip = ip
	f.Fsys = fsys

	n, err := f.Write(&fdops.ByteUio{Buf: []byte("hello")})
	if err != 0 || n != 5 {
		t.Fatalf("Write = (%d, %d), want (5, 0)", n, err)
	}
	if f.Off != 5 {
		t.Errorf("Off = %d after Write, want 5", f.Off)
	}

	f.Off = 0
	dst := &fdops.ByteUio{Buf: make([]byte, 5)}
	n, err = f.Read(dst)
	if err != 0 || n != 5 {
		t.Fatalf("Read = (%d, %d), want (5, 0)", n, err)
	}
	if string(dst.Buf) != "hello" {
		t.Errorf("Read content = %q, want %q", dst.Buf, "hello")
	}
	if f.Off != 5 {
		t.Errorf("Off = %d after Read, want 5", f.Off)
	}

	if err := ft.Unref(f); err != 0 {
		t.Errorf("Unref error %d", err)
	}
}

func TestInodeFileStat(t *testing.T) {
	fsys := newTestFsys(t)
	ft := NewFileTable()

	tx := fsys.BeginTx()
	ip, ferr := fsys.Open(tx, nil, "/y", defs.O_CREAT)
	tx.Commit()
	if ferr != 0 {
		t.Fatalf("Open error %d", ferr)
	}

	f, _ := ft.AllocFile(FD_INODE, true, true)
	f.Ip = ip
	f.Fsys = fsys

	var st stat.Stat_t
	if err := f.Stat(&st); err != 0 {
		t.Fatalf("Stat error %d", err)
	}
	if st.Rino() != ip.Inum() {
		t.Errorf("Stat ino = %d, want %d", st.Rino(), ip.Inum())
	}
	ft.Unref(f)
}

func TestDeviceDispatchUsesRegisteredDevice(t *testing.T) {
	const major = 999
	dev := &fakeDevice{}
	RegisterDevice(major, dev)

	ft := NewFileTable()
	f, _ := ft.AllocFile(FD_DEV, true, true)
	f.Major = major

	f.Write(&fdops.ByteUio{Buf: []byte("z")})
	if !dev.wrote {
		t.Error("File.Write on FD_DEV did not reach the registered device")
	}
	f.Read(&fdops.ByteUio{Buf: make([]byte, 1)})
	if !dev.read {
		t.Error("File.Read on FD_DEV did not reach the registered device")
	}
}

func TestDeviceDispatchMissingMajorReturnsENXIO(t *testing.T) {
	ft := NewFileTable()
	f, _ := ft.AllocFile(FD_DEV, true, true)
	f.Major = 12345 // never registered

	if _, err := f.Read(&fdops.ByteUio{Buf: make([]byte, 1)}); err != -defs.ENXIO {
		t.Errorf("Read on unregistered device = %d, want -ENXIO", err)
	}
}

type fakeDevice struct {
	wrote, read bool
}

func (d *fakeDevice) Read(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	d.read = true
	return 0, 0
}
func (d *fakeDevice) Write(src fdops.Userio_i, offset int) (int, defs.Err_t) {
	d.wrote = true
	return src.Remain(), 0
}
func (d *fakeDevice) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return 0, 0
}

func TestDescriptorDupSharesFileAndIndependentPerms(t *testing.T) {
	ft := NewFileTable()
	f, _ := ft.AllocFile(FD_PIPE, true, true)
	f.Pipe = pipe.MkPipe(newTestPhys(t))

	d := &Descriptor{Table: ft, File: f, Perms: FD_READ}
	d2 := d.Dup()
	d2.Perms = FD_READ | FD_CLOEXEC

	if d2.File != d.File {
		t.Error("Dup did not share the underlying File")
	}
	if d.Perms == d2.Perms {
		t.Error("mutating the dup's Perms affected the original")
	}

	if err := d.Close(); err != 0 {
		t.Errorf("Close error %d", err)
	}
	// one reference remains via d2.
	if _, err := f.Write(&fdops.ByteUio{Buf: []byte("a")}); err != 0 {
		t.Errorf("Write after closing one of two dup'd descriptors errored: %d", err)
	}
	ClosePanic(d2)
}

func TestCwdFullpathJoinsRelativePaths(t *testing.T) {
	cwd := &Cwd_t{Path: "/usr/bin"}
	if got := cwd.Fullpath("ls"); got != "/usr/bin/ls" {
		t.Errorf("Fullpath(ls) = %q, want /usr/bin/ls", got)
	}
	if got := cwd.Fullpath("/etc/passwd"); got != "/etc/passwd" {
		t.Errorf("Fullpath(/etc/passwd) = %q, want /etc/passwd (already absolute)", got)
	}
}

func TestCwdFullpathHandlesTrailingSlash(t *testing.T) {
	cwd := &Cwd_t{Path: "/"}
	if got := cwd.Fullpath("etc"); got != "/etc" {
		t.Errorf("Fullpath(etc) from root = %q, want /etc", got)
	}
}
