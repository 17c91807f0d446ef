package hashtable

import (
	"sync"
	"testing"
)

func TestSetGetUint64Keys(t *testing.T) {
	ht := MkHash(8)
	if _, ok := ht.Set(uint64(1), "one"); !ok {
		t.Fatal("Set reported an existing key for a fresh table")
	}
	if _, ok := ht.Set(uint64(2), "two"); !ok {
		t.Fatal("Set reported an existing key for a fresh table")
	}

	v, ok := ht.Get(uint64(1))
	if !ok || v != "one" {
		t.Errorf("Get(1) = (%v, %v), want (one, true)", v, ok)
	}
	v, ok = ht.Get(uint64(2))
	if !ok || v != "two" {
		t.Errorf("Get(2) = (%v, %v), want (two, true)", v, ok)
	}
	if _, ok := ht.Get(uint64(3)); ok {
		t.Error("Get found a key that was never Set")
	}
}

func TestSetDoesNotOverwriteExistingKey(t *testing.T) {
	ht := MkHash(8)
	ht.Set(uint64(1), "first")
	v, ok := ht.Set(uint64(1), "second")
	if ok {
		t.Error("Set reported success overwriting an existing key")
	}
	if v != "first" {
		t.Errorf("Set returned %v for an existing key, want the original value", v)
	}
	got, _ := ht.Get(uint64(1))
	if got != "first" {
		t.Errorf("Get after a rejected overwrite = %v, want first", got)
	}
}

func TestDelRemovesKey(t *testing.T) {
	ht := MkHash(8)
	ht.Set(uint64(5), "five")
	ht.Del(uint64(5))
	if _, ok := ht.Get(uint64(5)); ok {
		t.Error("Get found a key after Del")
	}
}

func TestDelOfMissingKeyPanics(t *testing.T) {
	ht := MkHash(8)
	defer func() {
		if recover() == nil {
			t.Error("Del of a missing key did not panic")
		}
	}()
	ht.Del(uint64(42))
}

func TestSizeAndElems(t *testing.T) {
	ht := MkHash(4)
	ht.Set(uint64(1), "a")
	ht.Set(uint64(2), "b")
	ht.Set(uint64(3), "c")
	if n := ht.Size(); n != 3 {
		t.Errorf("Size() = %d, want 3", n)
	}
	elems := ht.Elems()
	if len(elems) != 3 {
		t.Errorf("Elems() returned %d pairs, want 3", len(elems))
	}
}

func TestConcurrentSetGetDistinctKeys(t *testing.T) {
	ht := MkHash(16)
	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ht.Set(uint64(i), i)
		}(i)
	}
	wg.Wait()

	if got := ht.Size(); got != n {
		t.Errorf("Size() = %d, want %d", got, n)
	}
	for i := 0; i < n; i++ {
		v, ok := ht.Get(uint64(i))
		if !ok || v != i {
			t.Fatalf("Get(%d) = (%v, %v), want (%d, true)", i, v, ok, i)
		}
	}
}
