package video

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"camrelay/video/source"
)

// DropPolicy decides what Push does when the queue is full.
type DropPolicy int

const (
	// DropOldest evicts the longest waiting frame. Push never blocks.
	DropOldest DropPolicy = iota
	// DropNone blocks the producer until a worker makes room.
	DropNone
)

func (d DropPolicy) String() string {
	switch d {
	case DropOldest:
		return "oldest"
	case DropNone:
		return "block"
	}
	return fmt.Sprintf("DropPolicy(%d)", int(d))
}

func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(s) {
	case "", "oldest", "drop-oldest":
		return DropOldest, nil
	case "none", "block":
		return DropNone, nil
	}
	return 0, fmt.Errorf("unknown drop policy %q", s)
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Capacity  int    `json:"capacity"`
	Depth     int    `json:"depth"`
	PeakDepth int    `json:"peak_depth"`
	Pushed    uint64 `json:"pushed"`
	Popped    uint64 `json:"popped"`
	Dropped   uint64 `json:"dropped"`
	Discarded uint64 `json:"discarded"`
}

// FrameQueue is a fixed capacity FIFO of frames shared by one producer and any
// number of workers. Each frame comes out of Pop exactly once or is released
// by the queue itself (eviction, Close).
type FrameQueue struct {
	policy DropPolicy

	mu     sync.Mutex
	ring   []*source.Frame
	head   int
	n      int
	closed bool
	stats  QueueStats

	// ready and space carry wakeups; a missed send only costs a retry.
	ready     chan struct{}
	space     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewFrameQueue(capacity int, policy DropPolicy) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		policy: policy,
		ring:   make([]*source.Frame, capacity),
		stats:  QueueStats{Capacity: capacity},
		ready:  make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func wake(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// Push inserts f, taking ownership of it. Under DropOldest a full queue
// releases its oldest frame first; under DropNone Push waits for room. After
// Close, f is released and source.ErrClosed returned.
func (q *FrameQueue) Push(f *source.Frame) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.stats.Discarded++
			q.mu.Unlock()
			f.Release()
			return source.ErrClosed
		}

		var evicted *source.Frame
		if q.n == len(q.ring) {
			if q.policy == DropNone {
				q.mu.Unlock()
				select {
				case <-q.space:
				case <-q.done:
				}
				continue
			}
			evicted = q.ring[q.head]
			q.ring[q.head] = nil
			q.head = (q.head + 1) % len(q.ring)
			q.n--
			q.stats.Dropped++
		}

		q.ring[(q.head+q.n)%len(q.ring)] = f
		q.n++
		q.stats.Pushed++
		if q.n > q.stats.PeakDepth {
			q.stats.PeakDepth = q.n
		}
		q.mu.Unlock()

		wake(q.ready)
		if evicted != nil {
			evicted.Release()
		}
		return nil
	}
}

// TryPop returns the oldest frame without waiting.
func (q *FrameQueue) TryPop() (*source.Frame, bool) {
	q.mu.Lock()
	if q.n == 0 {
		q.mu.Unlock()
		return nil, false
	}
	f := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.n--
	q.stats.Popped++
	more := q.n > 0
	q.mu.Unlock()

	if more {
		// Pass the wakeup on to another waiting worker.
		wake(q.ready)
	}
	wake(q.space)
	return f, true
}

// Pop returns the oldest frame, waiting up to timeout for one to arrive. It
// returns early with false when the queue is closed.
func (q *FrameQueue) Pop(timeout time.Duration) (*source.Frame, bool) {
	var timer *time.Timer
	for {
		if f, ok := q.TryPop(); ok {
			return f, true
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-q.ready:
		case <-q.done:
			return nil, false
		case <-timer.C:
			return nil, false
		}
	}
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *FrameQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = q.n
	return s
}

// Close releases every frame still queued and returns how many there were.
// Later calls return 0.
func (q *FrameQueue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	left := make([]*source.Frame, 0, q.n)
	for q.n > 0 {
		left = append(left, q.ring[q.head])
		q.ring[q.head] = nil
		q.head = (q.head + 1) % len(q.ring)
		q.n--
	}
	q.stats.Discarded += uint64(len(left))
	q.mu.Unlock()

	q.closeOnce.Do(func() { close(q.done) })
	for _, f := range left {
		f.Release()
	}
	return len(left)
}
