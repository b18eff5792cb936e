package util

import (
	"sync"
	"time"
)

// Event is a one-shot broadcast signal. Every loop of the relay watches the
// same Event so a single Notify stops them all.
type Event struct {
	once sync.Once
	c    chan struct{}
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}),
	}
}

// Notify fires the event. Calls after the first are no-ops.
func (e *Event) Notify() {
	e.once.Do(func() {
		close(e.c)
	})
}

// Done returns a channel that is closed once the event fires.
func (e *Event) Done() <-chan struct{} {
	return e.c
}

func (e *Event) Wait() {
	<-e.c
}

// WaitTimeout waits for the event for at most d and reports whether it fired.
func (e *Event) WaitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.c:
		return true
	case <-t.C:
		return false
	}
}

func (e *Event) HasBeenNotified() bool {
	select {
	case <-e.c:
		return true
	default:
		return false
	}
}
