// Package log implements the on-disk write-ahead log and the Tx scope
// that groups block writes into crash-atomic transactions, resolving the
// spec's Tx<Lfs> stubs (tx_begin/tx_end/write) against a concrete xv6-style
// two-phase log: write-behind to a fixed log region, write a header
// recording which home blocks are valid, then install to home locations
// and clear the header. A crash before the header write loses the
// transaction entirely (as if it never began); a crash after leaves a
// header an implementer's boot-time recovery pass can replay, though that
// replay is not itself exercised here (no reboot path in this core).
package log

import (
	"sync"

	"sv39kernel/fs/bcache"
	"sv39kernel/ondisk"
	"sv39kernel/virtio"
)

/// Log serializes commits: multiple Tx may be outstanding concurrently
// (each accumulating its own dirty set), but only the Tx that observes
// outstanding drop to zero performs the actual group commit, batching
// everyone's writes into one sequential-write chain.
type Log struct {
	mu          sync.Mutex
	cond        *sync.Cond
	cache       *bcache.Cache
	disk        *virtio.Disk
	headerBlock uint32
	start       uint32 // first log data block
	size        int    // capacity in blocks, ondisk.LOGSIZE

	committing  bool
	outstanding int
	pending     map[uint32]*bcache.Buf // home blockno -> dirty buffer, merged across concurrent Tx
}

/// Open constructs a Log whose header lives at ondisk.LogHeaderBlock and
/// whose data region starts at logStart, sized ondisk.LOGSIZE blocks,
/// clearing any header left over from a previous run.
func Open(cache *bcache.Cache, disk *virtio.Disk, logStart uint32) *Log {
	l := &Log{
		cache:       cache,
		disk:        disk,
		headerBlock: ondisk.LogHeaderBlock,
		start:       logStart,
		size:        ondisk.LOGSIZE,
		pending:     make(map[uint32]*bcache.Buf),
	}
	l.cond = sync.NewCond(&l.mu)
	l.clearHeader()
	return l
}

/// Tx is a scoped handle on one open transaction; every mutation performed
// under it must route its dirty buffers through WriteBlock so they are
// captured by the group commit.
type Tx struct {
	log   *Log
	dirty map[uint32]*bcache.Buf
}

/// Begin opens a transaction, sleeping while a commit is in progress or
// while admitting this transaction's worst-case block budget
// (ondisk.MAXOPBLOCKS) would overflow the log's capacity.
func (l *Log) Begin() *Tx {
	l.mu.Lock()
	for l.committing || (l.outstanding+1)*ondisk.MAXOPBLOCKS > l.size {
		l.cond.Wait()
	}
	l.outstanding++
	l.mu.Unlock()
	return &Tx{log: l, dirty: make(map[uint32]*bcache.Buf)}
}

/// WriteBlock registers b as dirty within tx: installed at commit time
// rather than written immediately, so concurrent transactions touching the
// same block within one group commit collapse to its final value.
func (tx *Tx) WriteBlock(b *bcache.Buf) {
	b.Dirty = true
	tx.dirty[uint32(b.Blockno)] = b
}

/// Commit merges tx's dirty set into the log's pending set and, if tx is
// the last outstanding transaction, performs the group commit: write the
// log region, write the header, install to home locations, clear the
// header. Waiters on Begin are woken whenever a transaction commits, and
// again once the header clears.
func (tx *Tx) Commit() {
	l := tx.log
	l.mu.Lock()
	for bn, b := range tx.dirty {
		l.pending[bn] = b
	}
	l.outstanding--
	if l.outstanding > 0 {
		l.cond.Broadcast()
		l.mu.Unlock()
		return
	}
	l.committing = true
	pending := l.pending
	l.pending = make(map[uint32]*bcache.Buf)
	l.mu.Unlock()

	if len(pending) > 0 {
		l.writeLog(pending)
		l.writeHeader(pending)
		l.installHome(pending)
		l.clearHeader()
	}

	l.mu.Lock()
	l.committing = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

// writeLog writes every pending block's current contents into the log
// data region as one sequential-write chain, so the whole batch reaches
// disk atomically from the device's point of view.
func (l *Log) writeLog(pending map[uint32]*bcache.Buf) {
	if len(pending) > virtio.MaxSeqWrite {
		panic("log: transaction batch exceeds MaxSeqWrite; MAXOPBLOCKS/LOGSIZE budget violated")
	}
	i := 0
	logBufs := make([]*virtio.Buf, 0, len(pending))
	for _, b := range pending {
		lb := virtio.NewBuf(uint64(l.start)+uint64(i), len(b.Data))
		copy(lb.Data, b.Data)
		logBufs = append(logBufs, lb)
		i++
	}
	l.disk.WriteSequential(logBufs)
}

// writeHeader records which home block each log slot (in the same order
// writeLog used) belongs to.
func (l *Log) writeHeader(pending map[uint32]*bcache.Buf) {
	lh := &ondisk.LogHeader{N: uint32(len(pending))}
	i := 0
	for bn := range pending {
		lh.Blocks[i] = bn
		i++
	}
	hb := virtio.NewBuf(uint64(l.headerBlock), ondisk.BSIZE)
	copy(hb.Data, lh.Marshal())
	l.disk.Write(hb)
}

// installHome writes every pending block to its true home location and
// clears its dirty bit, making it safe for bcache to evict again.
func (l *Log) installHome(pending map[uint32]*bcache.Buf) {
	for _, b := range pending {
		l.cache.Write(b)
	}
}

// clearHeader marks the log empty by zeroing the header's entry count.
func (l *Log) clearHeader() {
	lh := &ondisk.LogHeader{}
	hb := virtio.NewBuf(uint64(l.headerBlock), ondisk.BSIZE)
	copy(hb.Data, lh.Marshal())
	l.disk.Write(hb)
}
