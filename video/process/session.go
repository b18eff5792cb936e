package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrSessionClosed is returned by Run after Close.
var ErrSessionClosed = errors.New("transform session closed")

// Session owns a Transform for the lifetime of a relay and enforces its
// concurrency ceiling. With a ceiling of 1 every call is serialized, which is
// what single-queue accelerators require.
type Session struct {
	t   Transform
	max int
	sem *semaphore.Weighted

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	calls    atomic.Uint64
	failures atomic.Uint64
	active   atomic.Int64
	peak     atomic.Int64
}

// SessionStats is a snapshot of session activity.
type SessionStats struct {
	MaxConcurrency int    `json:"max_concurrency"`
	Calls          uint64 `json:"calls"`
	Failures       uint64 `json:"failures"`
	// PeakConcurrency is the most calls ever observed inside the transform at
	// once.
	PeakConcurrency int64 `json:"peak_concurrency"`
}

// NewSession wraps t. maxConcurrency <= 0 means unlimited, but a transform
// that declares its own limit (see Limited) always wins when it is tighter.
func NewSession(t Transform, maxConcurrency int) *Session {
	limit := maxConcurrency
	if own := maxConcurrencyOf(t); own > 0 && (limit <= 0 || own < limit) {
		limit = own
	}
	s := &Session{
		t:   t,
		max: limit,
	}
	if limit > 0 {
		s.sem = semaphore.NewWeighted(int64(limit))
	}
	return s
}

// MaxConcurrency returns the enforced ceiling, 0 for unlimited.
func (s *Session) MaxConcurrency() int {
	return s.max
}

// Run invokes the transform once. Waiting for a free slot honours ctx; the
// transform call itself is never interrupted.
func (s *Session) Run(ctx context.Context, dst, src []byte, m Meta) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrSessionClosed
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer s.sem.Release(1)
	}

	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	err := s.t.Apply(dst, src, m)
	s.active.Add(-1)

	s.calls.Add(1)
	if err != nil {
		s.failures.Add(1)
	}
	return err
}

func (s *Session) Stats() SessionStats {
	return SessionStats{
		MaxConcurrency:  s.max,
		Calls:           s.calls.Load(),
		Failures:        s.failures.Load(),
		PeakConcurrency: s.peak.Load(),
	}
}

// Close waits for in-flight calls to finish and then releases the transform.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()
	if err := closeIfCloser(s.t); err != nil {
		log.Errorf("Failed to close transform: %v", err)
		return err
	}
	return nil
}
