package video

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolExhausted is returned by Acquire when no buffer freed up within the
// acquire timeout and the transient allowance is spent.
var ErrPoolExhausted = errors.New("buffer pool exhausted")

// Buffer is an output block from a BufferPool. Its owner must call Release
// exactly once.
type Buffer struct {
	Data []byte

	pool      *BufferPool
	gen       uint64
	transient bool
	released  atomic.Bool
}

// Transient reports whether the buffer was allocated outside the pool.
func (b *Buffer) Transient() bool {
	return b.transient
}

func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		panic("buffer already released")
	}
	b.pool.put(b)
}

// PoolStats is a snapshot of pool accounting.
type PoolStats struct {
	BufferSize   int    `json:"buffer_size"`
	Capacity     int    `json:"capacity"`
	MaxTransient int    `json:"max_transient"`
	Generation   uint64 `json:"generation"`
	Free         int    `json:"free"`
	InUse        int    `json:"in_use"`
	Transient    int    `json:"transient"`
	// Stale counts buffers of an older size still held downstream; they are
	// freed when released.
	Stale           int    `json:"stale"`
	Allocations     uint64 `json:"allocations"`
	TransientAllocs uint64 `json:"transient_allocs"`
	Exhausted       uint64 `json:"exhausted"`
}

// Live is the number of buffers currently in memory.
func (s PoolStats) Live() int {
	return s.Free + s.InUse + s.Transient + s.Stale
}

// BufferPool keeps Capacity pre-allocated output buffers of one frame size.
// When all are out, up to MaxTransient extra buffers are allocated and thrown
// away on release; past that Acquire waits at most the acquire timeout.
// Within one generation the live buffer count never exceeds
// Capacity+MaxTransient.
type BufferPool struct {
	capacity       int
	maxTransient   int
	acquireTimeout time.Duration

	mu     sync.Mutex
	size   int
	gen    uint64
	free   []*Buffer
	closed bool
	stats  PoolStats

	returned chan struct{}
}

func NewBufferPool(capacity, maxTransient int, acquireTimeout time.Duration) *BufferPool {
	if capacity < 1 {
		capacity = 1
	}
	if maxTransient < 0 {
		maxTransient = 0
	}
	return &BufferPool{
		capacity:       capacity,
		maxTransient:   maxTransient,
		acquireTimeout: acquireTimeout,
		returned:       make(chan struct{}, 1),
		stats: PoolStats{
			Capacity:     capacity,
			MaxTransient: maxTransient,
		},
	}
}

// Resize drains the pool and reallocates it for a new frame size. Buffers
// still held elsewhere become stale: they are not reused after Resize starts.
func (p *BufferPool) Resize(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || size == p.size {
		return
	}
	p.gen++
	p.size = size
	p.stats.Stale += p.stats.InUse + p.stats.Transient
	p.stats.InUse = 0
	p.stats.Transient = 0

	p.free = make([]*Buffer, 0, p.capacity)
	for i := 0; i < p.capacity; i++ {
		p.free = append(p.free, &Buffer{
			Data: make([]byte, size),
			pool: p,
			gen:  p.gen,
		})
	}
	p.stats.Allocations += uint64(p.capacity)
}

// Size is the current buffer size in bytes, 0 before the first Resize.
func (p *BufferPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Acquire returns a buffer of the current size.
func (p *BufferPool) Acquire() (*Buffer, error) {
	var timer *time.Timer
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if p.size == 0 {
			p.mu.Unlock()
			return nil, fmt.Errorf("buffer pool not sized: %w", ErrPoolExhausted)
		}
		if n := len(p.free); n > 0 {
			b := p.free[n-1]
			p.free = p.free[:n-1]
			p.stats.InUse++
			p.mu.Unlock()
			b.released.Store(false)
			return b, nil
		}
		if p.stats.Transient < p.maxTransient {
			p.stats.Transient++
			p.stats.TransientAllocs++
			b := &Buffer{
				Data:      make([]byte, p.size),
				pool:      p,
				gen:       p.gen,
				transient: true,
			}
			p.mu.Unlock()
			return b, nil
		}
		p.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(p.acquireTimeout)
			defer timer.Stop()
		}
		select {
		case <-p.returned:
		case <-timer.C:
			p.mu.Lock()
			p.stats.Exhausted++
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}
	}
}

func (p *BufferPool) put(b *Buffer) {
	p.mu.Lock()
	switch {
	case b.gen != p.gen:
		p.stats.Stale--
	case b.transient:
		p.stats.Transient--
	default:
		p.stats.InUse--
		if !p.closed {
			p.free = append(p.free, b)
		}
	}
	p.mu.Unlock()

	select {
	case p.returned <- struct{}{}:
	default:
	}
}

func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.BufferSize = p.size
	s.Generation = p.gen
	s.Free = len(p.free)
	return s
}

// Close frees the idle buffers. Buffers still out are freed on release.
func (p *BufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.free = nil
}
