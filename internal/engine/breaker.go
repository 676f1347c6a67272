package engine

import (
	"fmt"
	"sync"
	"time"
)

// outcome classifies a finished request for the outage tracker.
type outcome int

const (
	outcomeOK      outcome = iota
	outcomeFailed          // the server failed or was unreachable
	outcomeNeutral         // says nothing about server health, e.g. a cancelled caller
)

// outageError is returned while the model server is considered down.
type outageError struct {
	Failures int
	RetryIn  time.Duration
}

func (e *outageError) Error() string {
	return fmt.Sprintf("model server is down after %d consecutive failures, next attempt in %s",
		e.Failures, e.RetryIn.Round(time.Second))
}

// outageTracker stops sending utterances to a model server that keeps failing.
// After threshold consecutive failures the server is marked down for cooldown;
// then a single request is let through, and its outcome decides whether the
// server is back. A successful health check in Load clears the outage at once.
type outageTracker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures int
	downAt   time.Time // zero while the server is up
	probing  bool      // a trial request is in flight
}

func newOutageTracker(threshold int, cooldown time.Duration) *outageTracker {
	return &outageTracker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// allow returns an *outageError when no request should be sent.
func (t *outageTracker) allow() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.downAt.IsZero() {
		return nil
	}
	wait := t.cooldown - t.now().Sub(t.downAt)
	if wait > 0 || t.probing {
		if wait < 0 {
			wait = 0
		}
		return &outageError{Failures: t.failures, RetryIn: wait}
	}
	t.probing = true
	return nil
}

// record updates the tracker with the outcome of a request that allow let
// through. Every allowed request must be recorded exactly once.
func (t *outageTracker) record(o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.probing = false
	switch o {
	case outcomeNeutral:
		return
	case outcomeOK:
		t.failures = 0
		t.downAt = time.Time{}
		return
	}
	t.failures++
	if t.failures >= t.threshold || !t.downAt.IsZero() {
		t.downAt = t.now()
	}
}

func (t *outageTracker) reset() {
	t.record(outcomeOK)
}

// status describes the tracker for logs and errors.
func (t *outageTracker) status() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.downAt.IsZero() && t.failures == 0:
		return "up"
	case t.downAt.IsZero():
		return fmt.Sprintf("up, %d recent failures", t.failures)
	default:
		return fmt.Sprintf("down since %s", t.downAt.Format(time.TimeOnly))
	}
}
