package virtio

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

/// HostDisk is the "device side" backing store used by cmd/mkimg and by
/// tests: a flat host file addressed at block granularity through
/// positioned reads/writes (golang.org/x/sys/unix.Pread/Pwrite), in place
/// of the teacher's Seek-then-Read/Write pair — a real driver prefers
/// positioned syscalls over buffered stream I/O so concurrent requests
/// from multiple in-flight chains cannot race on a shared file offset.
type HostDisk struct {
	mu        sync.Mutex
	fd        int
	blockSize int
}

/// OpenHostDisk opens path for read/write access to a disk image.
func OpenHostDisk(path string, blockSize int) (*HostDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open disk image %s: %w", path, err)
	}
	return &HostDisk{fd: fd, blockSize: blockSize}, nil
}

/// ReadBlock reads one block at blockno into dst.
func (h *HostDisk) ReadBlock(blockno uint64, dst []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := unix.Pread(h.fd, dst, int64(blockno)*int64(h.blockSize))
	if err != nil {
		return fmt.Errorf("pread block %d: %w", blockno, err)
	}
	if n != len(dst) {
		return fmt.Errorf("short read at block %d: got %d want %d", blockno, n, len(dst))
	}
	return nil
}

/// WriteBlock writes src to block blockno.
func (h *HostDisk) WriteBlock(blockno uint64, src []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := unix.Pwrite(h.fd, src, int64(blockno)*int64(h.blockSize))
	if err != nil {
		return fmt.Errorf("pwrite block %d: %w", blockno, err)
	}
	if n != len(src) {
		return fmt.Errorf("short write at block %d: wrote %d want %d", blockno, n, len(src))
	}
	return nil
}

/// Sync flushes the image to stable storage.
func (h *HostDisk) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return unix.Fsync(h.fd)
}

/// Close closes the backing file descriptor.
func (h *HostDisk) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return unix.Close(h.fd)
}

// --- In-process device simulation, for tests and for cmd/mkimg's "boot
// without a real QEMU" verification pass. ---

/// fakeDMA satisfies DMAWindow by handing out synthetic addresses that are
/// really indices into a registry of slices shared in-process between the
/// driver and the simulated device (there being no real separate guest
/// physical memory to DMA into in this host-process simulation).
type fakeDMA struct {
	mu       sync.Mutex
	registry map[uint64][]byte
	next     uint64
}

func newFakeDMA() *fakeDMA {
	return &fakeDMA{registry: make(map[uint64][]byte)}
}

func (f *fakeDMA) DescTablePA() uint64 { return 0 }

func (f *fakeDMA) BufPA(buf []byte) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.registry[f.next] = buf
	return f.next
}

func (f *fakeDMA) resolve(pa uint64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registry[pa]
}

/// FakeMMIO simulates the virtio-blk MMIO register window and the device's
/// processing of one submitted chain against a HostDisk, delivering
/// completion via an asynchronous interrupt callback — modeling the same
/// submit-then-interrupt shape as real hardware without requiring an
/// actual QEMU instance.
type FakeMMIO struct {
	mu    sync.Mutex
	regs  map[int]uint32
	disk  *HostDisk
	dma   *fakeDMA
	d     *Disk
	onIrq func()
}

/// NewSimulatedDisk builds a Disk whose "device" is a goroutine that
/// services requests against host by reading/writing fixed-size blocks,
/// wiring cmd/mkimg and tests without a hypervisor.
func NewSimulatedDisk(host *HostDisk, blockSize int) *Disk {
	fm := &FakeMMIO{regs: map[int]uint32{RegHostFeat: 0, RegQueueNumMax: NUM}, disk: host, dma: newFakeDMA()}
	d := NewDisk(fm, fm.dma)
	fm.d = d
	fm.onIrq = d.Intr
	return d
}

func (fm *FakeMMIO) ReadReg(off int) uint32 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.regs[off]
}

func (fm *FakeMMIO) WriteReg(off int, v uint32) {
	fm.mu.Lock()
	fm.regs[off] = v
	fm.mu.Unlock()
	if off == RegQueueNotify {
		go fm.service()
	}
}

func (fm *FakeMMIO) AckInterrupt(status uint32) {
	fm.mu.Lock()
	fm.regs[RegInterruptSt] = 0
	fm.mu.Unlock()
}

// service drains every chain currently on the avail ring, honoring
// in-order descriptor traversal the way spec.md §5 requires of the device,
// then raises one interrupt per drained batch.
func (fm *FakeMMIO) service() {
	fm.mu.Lock()
	d := fm.d
	fm.mu.Unlock()
	fm.serviceOnce(d)
}

func (fm *FakeMMIO) serviceOnce(d *Disk) {
	d.mu.Lock()
	type job struct {
		head uint16
		sz   int
	}
	var jobs []job
	for d.deviceIdx < d.avail.Idx {
		head := d.avail.Ring[d.deviceIdx%NUM]
		jobs = append(jobs, job{head: head})
		d.deviceIdx++
	}
	d.mu.Unlock()

	for _, j := range jobs {
		fm.execChain(d, j.head)
	}
	if len(jobs) > 0 {
		d.mu.Lock()
		fm.mu.Lock()
		fm.regs[RegInterruptSt] = 1
		fm.mu.Unlock()
		d.mu.Unlock()
		fm.onIrq()
	}
}

// execChain walks one descriptor chain starting at head: zero or more data
// descriptors (Header -> D0 -> ... -> Dk-1), terminated by the one
// write-only descriptor with no FNext bit, the device-written status byte.
// It performs one block operation per data descriptor, then posts a single
// used-ring entry for the whole chain.
func (fm *FakeMMIO) execChain(d *Disk, head uint16) {
	d.mu.Lock()
	hdr := d.desc[head]
	hdrBytes := fm.dma.resolve(hdr.Addr)

	var dataBufs [][]byte
	cur := hdr.Next
	for d.desc[cur].Flags&vringDescFNext != 0 {
		dataBufs = append(dataBufs, fm.dma.resolve(d.desc[cur].Addr))
		cur = d.desc[cur].Next
	}
	statDesc := d.desc[cur]
	statBytes := fm.dma.resolve(statDesc.Addr)
	d.mu.Unlock()

	typ := uint32(hdrBytes[0]) | uint32(hdrBytes[1])<<8 | uint32(hdrBytes[2])<<16 | uint32(hdrBytes[3])<<24
	var sector uint64
	for i := 0; i < 8; i++ {
		sector |= uint64(hdrBytes[8+i]) << (8 * i)
	}
	baseBlockno := sector * sectorSize / uint64(len(dataBufs[0]))

	var opErr error
	for i, data := range dataBufs {
		blockno := baseBlockno + uint64(i)
		var err error
		if typ == blkTypeOut {
			err = fm.disk.WriteBlock(blockno, data)
		} else {
			err = fm.disk.ReadBlock(blockno, data)
		}
		if err != nil && opErr == nil {
			opErr = err
		}
	}
	if opErr != nil {
		statBytes[0] = 1
	} else {
		statBytes[0] = 0
	}

	d.mu.Lock()
	d.used.Ring[d.used.Idx%NUM] = usedElem{Id: uint32(head), Len: uint32(len(dataBufs))}
	d.used.Idx++
	d.mu.Unlock()
}
