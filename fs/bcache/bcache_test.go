package bcache

import (
	"os"
	"sync"
	"testing"

	"sv39kernel/virtio"
)

const testBlockSize = 1024

func newTestDisk(t *testing.T, nblocks int) *virtio.Disk {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bcache-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	if err := f.Truncate(int64(nblocks) * testBlockSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	f.Close()

	host, err := virtio.OpenHostDisk(path, testBlockSize)
	if err != nil {
		t.Fatalf("OpenHostDisk: %v", err)
	}
	t.Cleanup(func() { host.Close() })
	disk := virtio.NewSimulatedDisk(host, testBlockSize)
	t.Cleanup(disk.Close)
	return disk
}

func TestGetReadsThroughOnMiss(t *testing.T) {
	disk := newTestDisk(t, 8)
	c := NewCache(disk, testBlockSize, 4)

	b := c.Get(3)
	if b.Blockno != 3 {
		t.Errorf("Blockno = %d, want 3", b.Blockno)
	}
	if c.Stats.Misses.Get() != 1 {
		t.Errorf("Misses = %d, want 1", c.Stats.Misses.Get())
	}
	c.Release(b)
}

func TestGetHitsOnSecondCall(t *testing.T) {
	disk := newTestDisk(t, 8)
	c := NewCache(disk, testBlockSize, 4)

	b1 := c.Get(2)
	c.Release(b1)
	b2 := c.Get(2)
	defer c.Release(b2)

	if b1 != b2 {
		t.Error("second Get returned a different *Buf for the same block")
	}
	if c.Stats.Hits.Get() != 1 {
		t.Errorf("Hits = %d, want 1", c.Stats.Hits.Get())
	}
}

func TestWritePersistsToDisk(t *testing.T) {
	disk := newTestDisk(t, 8)
	c := NewCache(disk, testBlockSize, 4)

	b := c.Get(1)
	b.Data[0] = 0x42
	c.Write(b)
	c.Release(b)

	c2 := NewCache(disk, testBlockSize, 4)
	b2 := c2.Get(1)
	defer c2.Release(b2)
	if b2.Data[0] != 0x42 {
		t.Errorf("Data[0] = %#x after reopening the cache, want 0x42", b2.Data[0])
	}
}

func TestReleaseUnderflowPanics(t *testing.T) {
	disk := newTestDisk(t, 4)
	c := NewCache(disk, testBlockSize, 4)
	b := c.Get(0)
	c.Release(b)

	defer func() {
		if recover() == nil {
			t.Error("Release did not panic on a zero refcount")
		}
	}()
	c.Release(b)
}

func TestEvictionDropsLeastRecentlyUsed(t *testing.T) {
	disk := newTestDisk(t, 16)
	c := NewCache(disk, testBlockSize, 2)

	b0 := c.Get(0)
	c.Release(b0)
	b1 := c.Get(1)
	c.Release(b1)
	// b2's insertion should evict block 0 (least recently used, ref==0).
	b2 := c.Get(2)
	defer c.Release(b2)

	if _, ok := c.table[0]; ok {
		t.Error("block 0 was not evicted past capacity")
	}
	if _, ok := c.table[1]; !ok {
		t.Error("block 1 was unexpectedly evicted")
	}
}

// TestConcurrentMissesCoalesce exercises the singleflight coalescing
// property: many concurrent Get calls on the same cold block must result in
// exactly one disk miss, all callers observing the identical *Buf.
func TestConcurrentMissesCoalesce(t *testing.T) {
	disk := newTestDisk(t, 8)
	c := NewCache(disk, testBlockSize, 8)

	const n = 20
	var wg sync.WaitGroup
	bufs := make([]*Buf, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bufs[i] = c.Get(5)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if bufs[i] != bufs[0] {
			t.Fatalf("goroutine %d got a different *Buf than goroutine 0", i)
		}
	}
	if c.Stats.Misses.Get() != 1 {
		t.Errorf("Misses = %d, want exactly 1 for %d concurrent Get calls", c.Stats.Misses.Get(), n)
	}
	for _, b := range bufs {
		c.Release(b)
	}
}
