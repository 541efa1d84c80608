package http

import (
	"sync"
	"time"
)

// InFlightTracker counts requests currently being processed. Used during
// graceful shutdown to drain in-flight work before the process exits.
type InFlightTracker struct {
	mu    sync.Mutex
	count int
	zero  chan struct{} // closed when count reaches zero with a waiter present
}

// NewInFlightTracker returns a new tracker with zero in-flight requests.
func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{}
}

// Inc marks a request as started.
func (t *InFlightTracker) Inc() {
	t.mu.Lock()
	t.count++
	t.mu.Unlock()
}

// Dec marks a request as finished.
func (t *InFlightTracker) Dec() {
	t.mu.Lock()
	t.count--
	if t.count < 0 {
		t.count = 0
	}
	if t.count == 0 && t.zero != nil {
		close(t.zero)
		t.zero = nil
	}
	t.mu.Unlock()
}

// Count returns the number of requests currently in flight.
func (t *InFlightTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait blocks until all in-flight requests have completed or the timeout
// elapses. Returns the number of requests still in flight when it returns.
func (t *InFlightTracker) Wait(timeout time.Duration) int {
	t.mu.Lock()
	if t.count == 0 {
		t.mu.Unlock()
		return 0
	}
	if t.zero == nil {
		t.zero = make(chan struct{})
	}
	zero := t.zero
	t.mu.Unlock()

	select {
	case <-zero:
		return 0
	case <-time.After(timeout):
		return t.Count()
	}
}
