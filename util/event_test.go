package util

import (
	"sync"
	"testing"
	"time"
)

func TestEventNotifyIsIdempotent(t *testing.T) {
	e := NewEvent()
	if e.HasBeenNotified() {
		t.Fatal("fresh event reports notified")
	}
	e.Notify()
	e.Notify()
	if !e.HasBeenNotified() {
		t.Fatal("event not notified after Notify")
	}
	e.Wait()
}

func TestEventWakesAllWaiters(t *testing.T) {
	e := NewEvent()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Wait()
		}()
	}
	e.Notify()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not released")
	}
}

func TestEventWaitTimeout(t *testing.T) {
	e := NewEvent()
	if e.WaitTimeout(5 * time.Millisecond) {
		t.Fatal("WaitTimeout reported fired before Notify")
	}
	e.Notify()
	if !e.WaitTimeout(time.Second) {
		t.Fatal("WaitTimeout missed Notify")
	}
}
