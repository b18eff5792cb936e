package video

import (
	"errors"
	"testing"
	"time"
)

func TestPoolReusesBuffers(t *testing.T) {
	p := NewBufferPool(2, 0, time.Millisecond)
	p.Resize(16)

	a, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Data) != 16 || a.Transient() {
		t.Fatalf("got %d byte buffer, transient=%v", len(a.Data), a.Transient())
	}
	a.Release()

	b, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if b != a {
		t.Error("released buffer was not reused")
	}
	b.Release()

	s := p.Stats()
	if s.Allocations != 2 || s.Free != 2 || s.InUse != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestPoolTransientThenExhausted(t *testing.T) {
	p := NewBufferPool(1, 1, 10*time.Millisecond)
	p.Resize(8)

	pooled, _ := p.Acquire()
	extra, err := p.Acquire()
	if err != nil {
		t.Fatalf("transient Acquire: %v", err)
	}
	if !extra.Transient() {
		t.Error("second buffer should be transient")
	}

	start := time.Now()
	if _, err := p.Acquire(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Acquire = %v, want ErrPoolExhausted", err)
	}
	if d := time.Since(start); d < 10*time.Millisecond {
		t.Errorf("exhausted Acquire returned after %v, want a bounded wait", d)
	}

	s := p.Stats()
	if s.Live() != 2 || s.Exhausted != 1 || s.TransientAllocs != 1 {
		t.Errorf("unexpected stats %+v", s)
	}

	extra.Release()
	pooled.Release()
	if s := p.Stats(); s.Transient != 0 || s.Free != 1 {
		t.Errorf("transient buffer kept: %+v", s)
	}
}

func TestPoolAcquireWaitsForRelease(t *testing.T) {
	p := NewBufferPool(1, 0, time.Second)
	p.Resize(4)
	b, _ := p.Acquire()

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Release()
	}()
	got, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got != b {
		t.Error("waiting Acquire did not get the released buffer")
	}
}

func TestPoolResizeRetiresOldBuffers(t *testing.T) {
	p := NewBufferPool(2, 0, time.Millisecond)
	p.Resize(4)
	old, _ := p.Acquire()

	p.Resize(8)
	for i := 0; i < 2; i++ {
		b, err := p.Acquire()
		if err != nil {
			t.Fatal(err)
		}
		if len(b.Data) != 8 {
			t.Fatalf("got %d byte buffer after resize", len(b.Data))
		}
		defer b.Release()
	}

	if s := p.Stats(); s.Stale != 1 {
		t.Errorf("stale = %d, want 1", s.Stale)
	}
	old.Release()
	s := p.Stats()
	if s.Stale != 0 || s.Free != 0 {
		t.Errorf("old buffer returned to the pool: %+v", s)
	}
}

func TestPoolUnsizedAndClosed(t *testing.T) {
	p := NewBufferPool(1, 0, time.Millisecond)
	if _, err := p.Acquire(); err == nil {
		t.Error("Acquire on an unsized pool succeeded")
	}
	p.Resize(4)
	b, _ := p.Acquire()
	p.Close()
	if _, err := p.Acquire(); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close = %v", err)
	}
	b.Release()
	if l := p.Stats().Live(); l != 0 {
		t.Errorf("%d buffers live after Close", l)
	}
}

func TestBufferDoubleReleasePanics(t *testing.T) {
	p := NewBufferPool(1, 0, time.Millisecond)
	p.Resize(4)
	b, _ := p.Acquire()
	b.Release()

	defer func() {
		if recover() == nil {
			t.Error("second Release did not panic")
		}
	}()
	b.Release()
}
