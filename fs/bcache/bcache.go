// Package bcache implements the block buffer cache: a fixed-capacity LRU
// of blocks backed by a virtio.Disk, with concurrent misses on the same
// block number coalesced through golang.org/x/sync/singleflight so that N
// readers of a cold block issue exactly one disk request.
package bcache

import (
	"container/list"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"sv39kernel/stats"
	"sv39kernel/virtio"
)

/// Buf wraps one cached block: Ref counts outstanding borrowers (an evicted
/// entry must have Ref==0), Dirty marks pages bcache must write back before
/// reuse or on explicit Write.
type Buf struct {
	sync.Mutex
	Blockno uint64
	Data    []byte
	Ref     int
	Dirty   bool

	vbuf *virtio.Buf
	elem *list.Element
}

/// Stats counts cache activity: hits, misses and evictions.
type Stats struct {
	Hits   stats.Counter_t
	Misses stats.Counter_t
	Evicts stats.Counter_t
}

/// Cache is the buffer cache: capacity-bounded, LRU-evicting, coalescing
/// concurrent misses via singleflight.
type Cache struct {
	mu       sync.Mutex
	disk     *virtio.Disk
	blockSz  int
	capacity int
	table    map[uint64]*list.Element // blockno -> lru element
	lru      *list.List               // front = most recently used
	sf       singleflight.Group
	Stats    Stats
}

/// NewCache builds a cache of at most capacity blocks of size blockSz over
/// disk.
func NewCache(disk *virtio.Disk, blockSz, capacity int) *Cache {
	return &Cache{
		disk:     disk,
		blockSz:  blockSz,
		capacity: capacity,
		table:    make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached block, reading it from disk on a miss. Concurrent
// Get calls for the same cold blockno share one disk read via singleflight
// and all receive the same *Buf; that shared read counts as one miss.
func (c *Cache) Get(blockno uint64) *Buf {
	c.mu.Lock()
	if e, ok := c.table[blockno]; ok {
		c.lru.MoveToFront(e)
		b := e.Value.(*Buf)
		b.Ref++
		c.mu.Unlock()
		c.Stats.Hits.Inc()
		return b
	}
	c.mu.Unlock()

	v, _, _ := c.sf.Do(strconv.FormatUint(blockno, 10), func() (interface{}, error) {
		c.mu.Lock()
		if e, ok := c.table[blockno]; ok {
			b := e.Value.(*Buf)
			c.mu.Unlock()
			return b, nil
		}
		c.mu.Unlock()

		c.Stats.Misses.Inc()
		vbuf := virtio.NewBuf(blockno, c.blockSz)
		c.disk.Read(blockno, vbuf)

		b := &Buf{Blockno: blockno, Data: vbuf.Data, vbuf: vbuf}
		c.mu.Lock()
		b.elem = c.lru.PushFront(b)
		c.table[blockno] = b.elem
		c.evictIfNeeded()
		c.mu.Unlock()
		return b, nil
	})

	b := v.(*Buf)
	c.mu.Lock()
	b.Ref++
	c.lru.MoveToFront(b.elem)
	c.mu.Unlock()
	return b
}

// evictIfNeeded drops least-recently-used, zero-refcount, non-dirty blocks
// until the cache is back within capacity. Dirty blocks are never silently
// dropped; fs/log is responsible for writing them back before releasing
// the last reference.
func (c *Cache) evictIfNeeded() {
	e := c.lru.Back()
	for c.lru.Len() > c.capacity && e != nil {
		victim := e.Value.(*Buf)
		prev := e.Prev()
		if victim.Ref == 0 && !victim.Dirty {
			c.lru.Remove(e)
			delete(c.table, victim.Blockno)
			c.Stats.Evicts.Inc()
		}
		e = prev
	}
}

/// Write marks buf dirty and issues a synchronous single-block write, for
/// callers writing outside of a transaction (the log package writes
/// transactional blocks itself via virtio.Disk.WriteSequential).
func (c *Cache) Write(b *Buf) {
	b.Dirty = true
	c.disk.Write(b.vbuf)
	b.Dirty = false
}

/// Release drops one reference to b, allowing it to become evictable.
func (c *Cache) Release(b *Buf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.Ref--
	if b.Ref < 0 {
		panic(fmt.Sprintf("bcache: negative refcount on block %d", b.Blockno))
	}
}

/// VBuf exposes the underlying virtio buffer, for fs/log to include b in a
/// WriteSequential chain.
func (b *Buf) VBuf() *virtio.Buf { return b.vbuf }
