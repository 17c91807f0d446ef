package pipe

import (
	"testing"
	"time"

	"sv39kernel/addr"
	"sv39kernel/defs"
	"sv39kernel/fdops"
	"sv39kernel/mem"
)

func newTestPhys(t *testing.T) *mem.Phys {
	t.Helper()
	return mem.NewPhys(addr.Pa(0x80000000), 16)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	p := MkPipe(newTestPhys(t))

	n, err := p.Write(&fdops.ByteUio{Buf: []byte("hello")})
	if err != 0 || n != 5 {
		t.Fatalf("Write = (%d, %d), want (5, 0)", n, err)
	}

	dst := &fdops.ByteUio{Buf: make([]byte, 5)}
	n, err = p.Read(dst)
	if err != 0 || n != 5 {
		t.Fatalf("Read = (%d, %d), want (5, 0)", n, err)
	}
	if string(dst.Buf) != "hello" {
		t.Errorf("Read content = %q, want %q", dst.Buf, "hello")
	}
}

func TestReadBlocksUntilWrite(t *testing.T) {
	p := MkPipe(newTestPhys(t))

	done := make(chan struct{})
	var n int
	dst := &fdops.ByteUio{Buf: make([]byte, 3)}
	go func() {
		n, _ = p.Read(dst)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Read returned before any data was written")
	case <-time.After(50 * time.Millisecond):
	}

	p.Write(&fdops.ByteUio{Buf: []byte("abc")})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Read never returned after a Write")
	}
	if n != 3 {
		t.Errorf("Read = %d, want 3", n)
	}
}

func TestReadReturnsEOFAfterLastWriterCloses(t *testing.T) {
	p := MkPipe(newTestPhys(t))
	p.CloseWriter()

	dst := &fdops.ByteUio{Buf: make([]byte, 4)}
	n, err := p.Read(dst)
	if err != 0 || n != 0 {
		t.Errorf("Read after writer close = (%d, %d), want (0, 0) for EOF", n, err)
	}
}

func TestWriteReturnsEpipeAfterLastReaderCloses(t *testing.T) {
	p := MkPipe(newTestPhys(t))
	p.CloseReader()

	_, err := p.Write(&fdops.ByteUio{Buf: []byte("x")})
	if err != -defs.EPIPE {
		t.Errorf("Write after reader close = %d, want -EPIPE", err)
	}
}

func TestWriteBlocksUntilReaderDrains(t *testing.T) {
	p := MkPipe(newTestPhys(t))

	big := make([]byte, pipesz)
	for i := range big {
		big[i] = byte(i)
	}
	// Fill the pipe completely first so a second writer blocks.
	n, err := p.Write(&fdops.ByteUio{Buf: big})
	if err != 0 || n != pipesz {
		t.Fatalf("initial fill Write = (%d, %d), want (%d, 0)", n, err, pipesz)
	}

	done := make(chan struct{})
	go func() {
		p.Write(&fdops.ByteUio{Buf: []byte("more")})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Write into a full pipe returned before any room was freed")
	case <-time.After(50 * time.Millisecond):
	}

	drain := &fdops.ByteUio{Buf: make([]byte, pipesz)}
	p.Read(drain)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Write never returned after the reader drained the pipe")
	}
}

func TestAddReaderAddWriterKeepPipeAliveAcrossOneClose(t *testing.T) {
	p := MkPipe(newTestPhys(t))
	p.AddReader()
	p.CloseReader()

	// One reader reference remains; writes must still succeed.
	n, err := p.Write(&fdops.ByteUio{Buf: []byte("ok")})
	if err != 0 || n != 2 {
		t.Errorf("Write with a surviving reader ref = (%d, %d), want (2, 0)", n, err)
	}
}

func TestPollReportsReadinessAfterWrite(t *testing.T) {
	p := MkPipe(newTestPhys(t))

	r, _ := p.Poll(fdops.Pollmsg_t{Events: fdops.R_READ | fdops.R_WRITE})
	if r&fdops.R_READ != 0 {
		t.Error("R_READ reported ready on an empty pipe with a writer still open")
	}
	if r&fdops.R_WRITE == 0 {
		t.Error("R_WRITE not reported ready on an empty pipe with room available")
	}

	p.Write(&fdops.ByteUio{Buf: []byte("x")})
	r, _ = p.Poll(fdops.Pollmsg_t{Events: fdops.R_READ})
	if r&fdops.R_READ == 0 {
		t.Error("R_READ not reported ready once data is buffered")
	}
}
