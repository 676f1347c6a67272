// Package model guards the one-time initialization of the synthesis engine.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gotts/internal/core"
)

// State is the lifecycle state of the synthesis model.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a point-in-time view of the gate.
type Snapshot struct {
	State    State
	Reason   string // set when State is Failed
	Since    time.Time
	Attempts int
}

// LoaderFunc performs the expensive initialization. It runs at most once per
// attempt and never concurrently with itself.
type LoaderFunc func(ctx context.Context) error

// Options configures a Gate.
type Options struct {
	// Timeout bounds a single load attempt. Zero means no limit.
	Timeout time.Duration

	// OnChange is called after state transitions, outside the gate's lock.
	// Calls never overlap and arrive in transition order; a notification
	// overtaken by a later transition is dropped.
	OnChange func(Snapshot)
}

// Gate runs a loader exactly once and lets any number of callers wait for it.
// A failed load is sticky until Retry is called.
type Gate struct {
	load LoaderFunc
	opts Options

	mu       sync.Mutex
	state    State
	err      error
	since    time.Time
	attempts int
	done     chan struct{} // closed when the current attempt finishes
	seq      uint64        // bumped on every transition

	notifyMu sync.Mutex
	notified uint64 // seq of the last delivered notification
}

// NewGate creates a gate in the Unloaded state.
func NewGate(load LoaderFunc, opts Options) *Gate {
	return &Gate{
		load:  load,
		opts:  opts,
		state: Unloaded,
		since: time.Now(),
	}
}

// EnsureReady returns nil once the model is Ready. The first caller starts the
// load; later callers join the attempt in flight. A Failed gate returns a
// not-ready error immediately without retrying. Cancelling ctx stops the wait
// but never the load itself.
func (g *Gate) EnsureReady(ctx context.Context) error {
	for {
		g.mu.Lock()
		switch g.state {
		case Ready:
			g.mu.Unlock()
			return nil
		case Failed:
			err := g.err
			g.mu.Unlock()
			return core.NewNotReadyError("model failed to load: "+err.Error(), err)
		case Unloaded:
			g.startLocked()
		}
		done := g.done
		g.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return core.NewNotReadyError("gave up waiting for model to load", ctx.Err())
		}
	}
}

// Retry starts a new attempt when the gate is Failed and waits for it.
// In any other state it behaves like EnsureReady.
func (g *Gate) Retry(ctx context.Context) error {
	g.mu.Lock()
	if g.state == Failed {
		slog.Info("retrying model load", "previous_error", g.err)
		g.startLocked()
	}
	g.mu.Unlock()
	return g.EnsureReady(ctx)
}

// Preload starts loading in the background if nothing has been attempted yet.
func (g *Gate) Preload() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Unloaded {
		g.startLocked()
	}
}

// Status returns the current state without blocking on a load.
func (g *Gate) Status() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Gate) snapshotLocked() Snapshot {
	s := Snapshot{State: g.state, Since: g.since, Attempts: g.attempts}
	if g.state == Failed && g.err != nil {
		s.Reason = g.err.Error()
	}
	return s
}

// startLocked moves the gate to Loading and launches the loader. g.mu must be held.
func (g *Gate) startLocked() {
	g.state = Loading
	g.err = nil
	g.since = time.Now()
	g.attempts++
	g.done = make(chan struct{})
	g.seq++

	go g.run(g.done, g.seq, g.snapshotLocked())
}

func (g *Gate) run(done chan struct{}, seq uint64, loading Snapshot) {
	g.notify(seq, loading)
	start := time.Now()
	err := g.safeLoad()

	g.mu.Lock()
	if err != nil {
		g.state = Failed
		g.err = err
	} else {
		g.state = Ready
	}
	g.since = time.Now()
	g.seq++
	seq = g.seq
	snap := g.snapshotLocked()
	close(done)
	g.mu.Unlock()

	if err != nil {
		slog.Error("model load failed", "error", err, "attempt", snap.Attempts, "duration", time.Since(start))
	} else {
		slog.Info("model loaded", "attempt", snap.Attempts, "duration", time.Since(start))
	}
	g.notify(seq, snap)
}

// safeLoad runs the loader detached from any caller, converting a panic into an error.
func (g *Gate) safeLoad() (err error) {
	ctx := context.Background()
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model loader panicked: %v", r)
		}
	}()

	if g.load == nil {
		return fmt.Errorf("no model loader configured")
	}
	return g.load(ctx)
}

func (g *Gate) notify(seq uint64, s Snapshot) {
	if g.opts.OnChange == nil {
		return
	}
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()
	if seq <= g.notified {
		return
	}
	g.notified = seq
	g.opts.OnChange(s)
}
