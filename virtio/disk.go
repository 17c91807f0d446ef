// Package virtio implements the legacy (v1) virtio-blk split-queue driver:
// a three-descriptor request chain per block operation, interrupt-driven
// completion, and a sequential-write chain mode for log-structured
// filesystem writers.
package virtio

import (
	"runtime"
	"sync"

	"sv39kernel/irq"
)

// NUM is the virtqueue depth. MAX_SEQ_WRITE buffers plus a header and a
// tailer descriptor must fit in one chain, so NUM must satisfy
// MAX_SEQ_WRITE + 2 <= NUM.
const (
	NUM          = 64
	MaxSeqWrite  = 30
	sectorSize   = 512
)

func init() {
	if MaxSeqWrite+2 > NUM {
		panic("virtio: MAX_SEQ_WRITE + 2 must not exceed NUM")
	}
}

// Descriptor flags.
const (
	vringDescFNext  = 1
	vringDescFWrite = 2
)

const (
	blkTypeIn  = 0 // device reads from host memory... i.e. driver reads from device
	blkTypeOut = 1 // driver writes to device
)

/// VirtqDesc is one device-visible descriptor table entry.
type VirtqDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

/// VirtqAvail is the driver-to-device ring: head-descriptor indices of
/// chains awaiting service.
type VirtqAvail struct {
	Flags uint16
	Idx   uint16
	Ring  [NUM]uint16
}

/// usedElem is one entry of the device-to-driver used ring.
type usedElem struct {
	Id  uint32
	Len uint32
}

/// VirtqUsed is the device-to-driver ring: completed chain heads.
type VirtqUsed struct {
	Flags uint16
	Idx   uint16
	Ring  [NUM]usedElem
}

/// blkOutHeader is the 16-byte virtio-blk request header co-located with
/// each chain's header descriptor.
type blkOutHeader struct {
	Typ      uint32
	Reserved uint32
	Sector   uint64
}

/// inflightInfo is keyed by chain-head descriptor index: a pointer to the
/// initiating Buf and the index of the chain's actual status descriptor,
/// the slot the device writes its single status byte into.
type inflightInfo struct {
	buf     *Buf
	statIdx int
}

/// MMIO abstracts the virtio-blk memory-mapped register window so the
/// driver can run against a real mapping or, in tests, a fake. Queue
/// notification is a write to RegQueueNotify rather than a separate method,
/// matching the legacy v1 register layout.
type MMIO interface {
	ReadReg(off int) uint32
	WriteReg(off int, v uint32)
	AckInterrupt(status uint32)
}

// MMIO register offsets, virtio v1 legacy layout.
const (
	RegMagic       = 0x00
	RegVersion     = 0x04
	RegDeviceID    = 0x08
	RegHostFeat    = 0x10
	RegGuestFeat   = 0x20
	RegQueueSel    = 0x30
	RegQueueNumMax = 0x34
	RegQueueNum    = 0x38
	RegQueuePFN    = 0x40
	RegQueueNotify = 0x50
	RegInterruptSt = 0x60
	RegInterruptAck = 0x64
	RegStatus      = 0x70
)

// Feature bits negotiated away, per spec.md §4.3 init().
const (
	featBlkRO        = 1 << 5
	featBlkSCSI      = 1 << 7
	featBlkConfigWCE = 1 << 11
	featBlkMQ        = 1 << 12
	featAnyLayout    = 1 << 27
	featRingEventIdx = 1 << 29
	featRingIndirect = 1 << 28
)

const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
)

/// Buf is the caller-owned block buffer the driver DMAs into or out of.
// Disk becomes true while the I/O is in flight; WaitCh is woken exactly
// once per completed request.
type Buf struct {
	Blockno uint64
	Data    []byte // exactly BlockSize bytes
	Disk    bool
	WaitCh  chan struct{}
}

/// NewBuf allocates a Buf for the given block number, sized to blockSize.
func NewBuf(blockno uint64, blockSize int) *Buf {
	return &Buf{Blockno: blockno, Data: make([]byte, blockSize), WaitCh: make(chan struct{}, 1)}
}

/// BytesPerSector is the virtio-blk addressing unit (always 512, independent
/// of the filesystem's own BSIZE).
const BytesPerSector = sectorSize

/// Disk is the virtio-blk legacy driver: one sleepable lock guards the
/// entire descriptor table and inflight map, matching the spec's
/// concurrency model (§5).
type Disk struct {
	mu sync.Mutex

	mmio   MMIO
	dma    DMAWindow
	irqVec irq.Vec_t

	desc  *[NUM]VirtqDesc
	avail *VirtqAvail
	used  *VirtqUsed

	usedIdx   uint16
	deviceIdx uint16 // simulated-device-only: avail entries already dequeued
	allocBM  [NUM]bool
	inflight [NUM]inflightInfo
	ops      [NUM]blkOutHeader
	status   [NUM]byte // tailer byte co-located per descriptor slot

	freeCh chan struct{} // woken whenever descriptors are released
}

/// DMAWindow is the guest-physical memory region backing the descriptor
/// table, avail ring, and used ring, addressable by the device.
type DMAWindow interface {
	// DescTablePA returns the guest-physical address of the descriptor
	// table, for publishing via RegQueuePFN.
	DescTablePA() uint64
	// BufPA returns the guest-physical address backing buf's Data slice,
	// for populating VirtqDesc.Addr.
	BufPA(buf []byte) uint64
}

/// NewDisk constructs a driver over mmio/dma with freshly zeroed rings and
/// negotiates features, subtracting {RO, SCSI, CONFIG_WCE, MQ,
/// ANY_LAYOUT, EVENT_IDX, INDIRECT_DESC}, then sets DRIVER_OK and
/// publishes the queue-0 descriptor table physical address.
func NewDisk(mmio MMIO, dma DMAWindow) *Disk {
	d := &Disk{
		mmio:   mmio,
		dma:    dma,
		irqVec: irq.Alloc(),
		desc:   new([NUM]VirtqDesc),
		avail:  new(VirtqAvail),
		used:   new(VirtqUsed),
		freeCh: make(chan struct{}, NUM),
	}
	d.init()
	return d
}

// IRQVec returns the PLIC source this device's completion interrupt is
// wired to, for the platform's interrupt-dispatch table to route Intr
// calls from.
func (d *Disk) IRQVec() irq.Vec_t {
	return d.irqVec
}

// Close releases the device's PLIC source. Not safe to call while any
// request is in flight.
func (d *Disk) Close() {
	irq.Free(d.irqVec)
}

func (d *Disk) init() {
	d.mmio.WriteReg(RegStatus, 0)
	d.mmio.WriteReg(RegStatus, statusAcknowledge)
	d.mmio.WriteReg(RegStatus, statusAcknowledge|statusDriver)

	feat := d.mmio.ReadReg(RegHostFeat)
	feat &^= featBlkRO | featBlkSCSI | featBlkConfigWCE | featBlkMQ |
		featAnyLayout | featRingEventIdx | featRingIndirect
	d.mmio.WriteReg(RegGuestFeat, feat)
	d.mmio.WriteReg(RegStatus, statusAcknowledge|statusDriver|statusFeaturesOK)

	d.mmio.WriteReg(RegQueueSel, 0)
	max := d.mmio.ReadReg(RegQueueNumMax)
	if max < NUM {
		panic("virtio device queue too small")
	}
	d.mmio.WriteReg(RegQueueNum, NUM)
	d.mmio.WriteReg(RegQueuePFN, uint32(d.dma.DescTablePA()>>12))

	d.mmio.WriteReg(RegStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
}

// --- Descriptor lifecycle ---

/// descriptor is an affine handle over one descriptor-table slot: it must
/// be either submitted (embedded in a chain) or released via free.
// Accidental discard is a fatal bug, detected via finalizer.
type descriptor struct {
	d    *Disk
	idx  int
	live bool
}

func (d *Disk) allocOne() (*descriptor, bool) {
	for i := 0; i < NUM; i++ {
		if !d.allocBM[i] {
			d.allocBM[i] = true
			desc := &descriptor{d: d, idx: i, live: true}
			runtime.SetFinalizer(desc, func(desc *descriptor) {
				if desc.live {
					panic("virtio Descriptor dropped without free")
				}
			})
			return desc, true
		}
	}
	return nil, false
}

// allocN allocates n descriptors, releasing any held on partial failure.
func (d *Disk) allocN(n int) ([]*descriptor, bool) {
	got := make([]*descriptor, 0, n)
	for i := 0; i < n; i++ {
		desc, ok := d.allocOne()
		if !ok {
			for _, g := range got {
				g.free()
			}
			return nil, false
		}
		got = append(got, desc)
	}
	return got, true
}

func (desc *descriptor) free() {
	if !desc.live {
		panic("double free of virtio Descriptor")
	}
	d := desc.d
	d.desc[desc.idx] = VirtqDesc{}
	d.allocBM[desc.idx] = false
	desc.live = false
	runtime.SetFinalizer(desc, nil)
	select {
	case d.freeCh <- struct{}{}:
	default:
	}
}

// waitForFree blocks (releasing mu) until freeCh is signaled, i.e. until
// some other chain's descriptors are released. Used by rw and
// writeChainFrom when no descriptors are currently free.
func (d *Disk) waitForFree() {
	d.mu.Unlock()
	<-d.freeCh
	d.mu.Lock()
}

func (d *Disk) publish(head int) {
	// Two memory fences bracket avail.idx's increment so the device
	// observes the descriptor writes before it observes the new index.
	memoryFence()
	d.avail.Ring[d.avail.Idx%NUM] = uint16(head)
	memoryFence()
	d.avail.Idx++
	memoryFence()
	d.mmio.WriteReg(RegQueueNotify, 0)
}

// Read fills buf with block blockno's contents from the device; every call
// issues the read.
func (d *Disk) Read(blockno uint64, buf *Buf) {
	buf.Blockno = blockno
	d.rw(buf, false)
}

/// Write issues a single-block write via rw(write=true).
func (d *Disk) Write(buf *Buf) {
	d.rw(buf, true)
}

/// WriteSequential builds one chain Header -> D1 -> ... -> Dk -> Tailer
/// writing len(bufs) (<= MaxSeqWrite) contiguous buffers for a
/// log-structured filesystem's group-commit, per spec.md §4.3.2. If
/// descriptors run out mid-chain it finalizes (submits, awaits
/// completion) the partial chain built so far and continues with a fresh
/// chain for the remaining buffers.
func (d *Disk) WriteSequential(bufs []*Buf) {
	if len(bufs) > MaxSeqWrite {
		panic("WriteSequential: too many buffers for one sequential chain")
	}
	i := 0
	for i < len(bufs) {
		i = d.writeChainFrom(bufs, i)
	}
}

// writeChainFrom submits one chain covering bufs[start:end] and returns
// end, the index of the first buffer not yet covered.
func (d *Disk) writeChainFrom(bufs []*Buf, start int) int {
	d.mu.Lock()
	var hdrD, tailD *descriptor
	var dataDescs []*descriptor
	for {
		descs, ok := d.allocN(2)
		if !ok {
			d.waitForFree()
			continue
		}
		hdrD, tailD = descs[0], descs[1]

		idx := start
		for idx < len(bufs) {
			dd, ok := d.allocOne()
			if !ok {
				break
			}
			dataDescs = append(dataDescs, dd)
			idx++
		}
		if len(dataDescs) == 0 {
			// Could not reserve even one data descriptor: release the
			// header/tailer and retry the whole reservation once more
			// descriptors are freed, rather than submitting an empty
			// chain that makes no progress.
			hdrD.free()
			tailD.free()
			d.waitForFree()
			continue
		}
		break
	}

	end := start + len(dataDescs)

	prev := hdrD
	for _, dd := range dataDescs {
		d.desc[prev.idx].Next = uint16(dd.idx)
		d.desc[prev.idx].Flags |= vringDescFNext
		prev = dd
	}
	for k, dd := range dataDescs {
		buf := bufs[start+k]
		d.desc[dd.idx] = VirtqDesc{
			Addr:  d.dma.BufPA(buf.Data),
			Len:   uint32(len(buf.Data)),
			Flags: vringDescFNext,
		}
		buf.Disk = true
	}

	first := bufs[start]
	d.ops[hdrD.idx] = blkOutHeader{Typ: blkTypeOut, Sector: first.Blockno * uint64(len(first.Data)) / sectorSize}
	d.desc[hdrD.idx] = VirtqDesc{
		Addr:  d.dma.BufPA(headerBytes(&d.ops[hdrD.idx])),
		Len:   16,
		Flags: vringDescFNext,
		Next:  uint16(dataDescs[0].idx),
	}

	last := dataDescs[len(dataDescs)-1]
	d.desc[last.idx].Next = uint16(tailD.idx)
	d.desc[last.idx].Flags |= vringDescFNext
	d.status[tailD.idx] = 0xFF
	d.desc[tailD.idx] = VirtqDesc{
		Addr:  d.dma.BufPA(d.status[tailD.idx : tailD.idx+1]),
		Len:   1,
		Flags: vringDescFWrite,
	}

	lastBuf := bufs[end-1]
	// Record the chain's completion against the last buffer's wait
	// channel: the single interrupt for this chain must wake whichever
	// goroutine actually submitted it. statIdx records where the device
	// actually writes the status byte, so Intr checks the right slot.
	d.inflight[hdrD.idx] = inflightInfo{buf: lastBuf, statIdx: tailD.idx}

	d.publish(hdrD.idx)
	d.mu.Unlock()

	<-lastBuf.WaitCh

	d.mu.Lock()
	d.inflight[hdrD.idx] = inflightInfo{}
	hdrD.free()
	for _, dd := range dataDescs {
		dd.free()
	}
	tailD.free()
	d.mu.Unlock()

	for k := start; k < end; k++ {
		bufs[k].Disk = false
	}

	return end
}

// rw implements the state machine in spec.md §4.3.1: DescAlloc ->
// Enqueued -> AwaitingCompletion -> Done.
func (d *Disk) rw(buf *Buf, write bool) {
	d.mu.Lock()

	var descs []*descriptor
	for {
		var ok bool
		descs, ok = d.allocN(3)
		if ok {
			break
		}
		d.waitForFree()
	}
	hdrD, dataD, statD := descs[0], descs[1], descs[2]

	typ := uint32(blkTypeIn)
	dataFlags := uint16(vringDescFNext | vringDescFWrite)
	if write {
		typ = blkTypeOut
		dataFlags = vringDescFNext
	}
	d.ops[hdrD.idx] = blkOutHeader{Typ: typ, Sector: buf.Blockno * uint64(len(buf.Data)) / sectorSize}

	d.desc[hdrD.idx] = VirtqDesc{
		Addr:  d.dma.BufPA(headerBytes(&d.ops[hdrD.idx])),
		Len:   16,
		Flags: vringDescFNext,
		Next:  uint16(dataD.idx),
	}
	d.desc[dataD.idx] = VirtqDesc{
		Addr:  d.dma.BufPA(buf.Data),
		Len:   uint32(len(buf.Data)),
		Flags: dataFlags,
		Next:  uint16(statD.idx),
	}
	d.status[statD.idx] = 0xFF
	d.desc[statD.idx] = VirtqDesc{
		Addr:  d.dma.BufPA(d.status[statD.idx : statD.idx+1]),
		Len:   1,
		Flags: vringDescFWrite,
	}

	d.inflight[hdrD.idx] = inflightInfo{buf: buf, statIdx: statD.idx}
	buf.Disk = true

	d.publish(hdrD.idx)
	d.mu.Unlock()

	<-buf.WaitCh // AwaitingCompletion

	d.mu.Lock()
	d.inflight[hdrD.idx] = inflightInfo{}
	hdrD.free()
	dataD.free()
	statD.free()
	d.mu.Unlock()
}

func headerBytes(h *blkOutHeader) []byte {
	// 16 bytes: 4 (Typ) + 4 (Reserved) + 8 (Sector), matching virtio-blk's
	// wire layout.
	b := make([]byte, 16)
	putU32(b[0:4], h.Typ)
	putU32(b[4:8], h.Reserved)
	putU64(b[8:16], h.Sector)
	return b
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putU64(b []byte, v uint64) {
	putU32(b[0:4], uint32(v))
	putU32(b[4:8], uint32(v>>32))
}

/// Intr acknowledges the device interrupt, drains the used ring until
/// usedIdx == used.Idx, asserting each entry's recorded status is zero
/// (success), clears buf.Disk, and wakes the per-buffer waiter.
func (d *Disk) Intr() {
	status := d.mmio.ReadReg(RegInterruptSt)
	d.mmio.AckInterrupt(status)

	d.mu.Lock()
	defer d.mu.Unlock()

	for d.usedIdx != d.used.Idx {
		id := d.used.Ring[d.usedIdx%NUM].Id
		info := d.inflight[id]
		if d.status[info.statIdx] != 0 {
			panic("virtio: used-ring entry reported nonzero status")
		}
		if info.buf != nil {
			info.buf.Disk = false
			select {
			case info.buf.WaitCh <- struct{}{}:
			default:
			}
		}
		d.usedIdx++
	}
}
