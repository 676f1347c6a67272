package cache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultTargetRatio is the fraction of the budget a sweep shrinks the cache to.
	// Stopping below the budget keeps the next small write from triggering another sweep.
	DefaultTargetRatio = 0.9

	// DefaultReconcileEvery is how many sweeps may trust the running size before
	// a full directory scan replaces it.
	DefaultReconcileEvery = 64
)

// Sweepable is the view of a store the Evictor needs.
type Sweepable interface {
	Usage() int64
	Reconcile() (int64, error)
	Entries() ([]Entry, error)
	Delete(key Key) error
}

// EvictionResult summarizes one sweep.
type EvictionResult struct {
	Before     int64
	After      int64
	Removed    int
	Failed     int
	FreedBytes int64
}

// Swept reports whether the sweep had anything to do.
func (r EvictionResult) Swept() bool {
	return r.Removed > 0 || r.Failed > 0
}

// Evictor keeps a store under a byte budget by deleting the oldest entries first.
// Entries are ordered by creation time and reads never refresh it, so eviction
// is first-in-first-out.
type Evictor struct {
	store          Sweepable
	maxBytes       int64
	targetRatio    float64
	reconcileEvery int

	mu     sync.Mutex // one sweep at a time
	sweeps int
}

// EvictorConfig holds eviction settings.
type EvictorConfig struct {
	// MaxBytes is the size budget. Zero or negative disables eviction.
	MaxBytes int64

	// TargetRatio is the fraction of MaxBytes a sweep shrinks to (default 0.9).
	TargetRatio float64

	// ReconcileEvery forces a full scan every N sweeps (default 64).
	ReconcileEvery int
}

// NewEvictor creates an Evictor over store.
func NewEvictor(store Sweepable, cfg EvictorConfig) *Evictor {
	if cfg.TargetRatio <= 0 || cfg.TargetRatio > 1 {
		cfg.TargetRatio = DefaultTargetRatio
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = DefaultReconcileEvery
	}
	return &Evictor{
		store:          store,
		maxBytes:       cfg.MaxBytes,
		targetRatio:    cfg.TargetRatio,
		reconcileEvery: cfg.ReconcileEvery,
	}
}

// MaxBytes returns the configured budget.
func (e *Evictor) MaxBytes() int64 {
	return e.maxBytes
}

// Target returns the size a sweep shrinks the cache to.
func (e *Evictor) Target() int64 {
	return int64(float64(e.maxBytes) * e.targetRatio)
}

// Enforce runs one sweep. When the store is within budget it returns without
// touching anything; otherwise it deletes entries oldest first until the size
// is at or below Target or nothing is left. Failed deletions are logged and
// skipped. The returned error only reports failures to enumerate the store.
func (e *Evictor) Enforce(ctx context.Context) (EvictionResult, error) {
	if e.maxBytes <= 0 {
		return EvictionResult{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sweeps++
	size := e.store.Usage()
	if e.sweeps%e.reconcileEvery == 0 {
		var err error
		if size, err = e.store.Reconcile(); err != nil {
			return EvictionResult{}, err
		}
	}
	if size <= e.maxBytes {
		return EvictionResult{Before: size, After: size}, nil
	}

	// The running size says we are over budget; confirm with a scan before deleting.
	total, err := e.store.Reconcile()
	if err != nil {
		return EvictionResult{}, err
	}
	result := EvictionResult{Before: total, After: total}
	if total <= e.maxBytes {
		return result, nil
	}

	entries, err := e.store.Entries()
	if err != nil {
		return result, err
	}

	target := e.Target()
	slog.Info("cache over budget, evicting oldest entries",
		"size", humanize.IBytes(uint64(total)),
		"max", humanize.IBytes(uint64(e.maxBytes)),
		"target", humanize.IBytes(uint64(target)),
	)

	for _, entry := range entries {
		if total <= target {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if err := e.store.Delete(entry.Key); err != nil {
			slog.Warn("failed to evict cache entry", "key", entry.Key, "error", err)
			result.Failed++
			continue
		}
		total -= entry.Size
		result.Removed++
		result.FreedBytes += entry.Size
		slog.Debug("evicted cache entry", "key", entry.Key, "size", entry.Size)
	}

	result.After = total
	slog.Info("cache eviction finished",
		"removed", result.Removed,
		"failed", result.Failed,
		"freed", humanize.IBytes(uint64(result.FreedBytes)),
		"size", humanize.IBytes(uint64(result.After)),
	)
	return result, nil
}
