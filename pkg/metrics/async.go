package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// AsyncObserver hands events to a background goroutine so the capture
// callback and the session event loop never wait on file or log I/O. When
// the queue is full the event is counted and dropped.
type AsyncObserver struct {
	inner Observer
	queue chan MetricsEvent
	done  chan struct{}

	// mu guards closing queue against concurrent sends.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewAsyncObserver(inner Observer, size int) *AsyncObserver {
	if size <= 0 {
		size = 256
	}
	a := &AsyncObserver{
		inner: inner,
		queue: make(chan MetricsEvent, size),
		done:  make(chan struct{}),
	}
	go a.forward()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped is the number of events lost to a full queue.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close rejects further events, waits at most timeout for the queued ones to
// reach the inner observer and then flushes it if it buffers.
func (a *AsyncObserver) Close(timeout time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	if timeout <= 0 {
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-a.done:
		if f, ok := a.inner.(Flusher); ok {
			_ = f.Flush()
		}
	case <-t.C:
	}
}

func (a *AsyncObserver) forward() {
	defer close(a.done)
	for ev := range a.queue {
		a.inner.RecordEvent(ev)
	}
}
