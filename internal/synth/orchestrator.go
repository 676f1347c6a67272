// Package synth turns text into audio, serving repeats from the cache and
// sending misses through the model gate to the engine.
package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"gotts/internal/cache"
	"gotts/internal/core"
	"gotts/internal/model"
)

const (
	DefaultLanguage = "fr"
	DefaultSpeed    = 1.15
	MaxSpeed        = 4.0
)

// Store is the cache the orchestrator reads and publishes to.
type Store interface {
	Lookup(key cache.Key) (cache.Entry, bool, error)
	Open(key cache.Key) (*os.File, cache.Entry, error)
	Store(ctx context.Context, key cache.Key, audio []byte) (cache.Entry, bool, error)
	Usage() int64
}

// Sweeper enforces the cache budget after a publish.
type Sweeper interface {
	Enforce(ctx context.Context) (cache.EvictionResult, error)
}

// Gate guards engine initialization.
type Gate interface {
	EnsureReady(ctx context.Context) error
	Status() model.Snapshot
}

// Reference is the reference voice check.
type Reference interface {
	Exists() (bool, string)
	Path() string
}

// Hooks receives metrics events. All methods must be safe for concurrent use.
type Hooks interface {
	EngineDuration(language string, d time.Duration)
	CacheSize(bytes int64)
	Eviction(r cache.EvictionResult)
}

// Config holds request defaults and limits.
type Config struct {
	DefaultLanguage string
	DefaultSpeed    float64
	// MaxTextLength limits the input in runes. Zero means unlimited.
	MaxTextLength int
}

// Result is a finished synthesis. Audio must be closed by the caller.
type Result struct {
	Key      cache.Key
	Status   core.CacheStatus
	Size     int64
	Language string
	Speed    float64
	Audio    io.ReadCloser
}

// Orchestrator coordinates the cache, the model gate and the engine.
type Orchestrator struct {
	store   Store
	evictor Sweeper
	gate    Gate
	ref     Reference
	engine  core.Engine
	hooks   Hooks
	cfg     Config

	flights  singleflight.Group
	engineMu sync.Mutex // the engine is not re-entrant
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store   Store
	Evictor Sweeper
	Gate    Gate
	Ref     Reference
	Engine  core.Engine
	Hooks   Hooks // optional
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultLanguage
	}
	if cfg.DefaultSpeed <= 0 {
		cfg.DefaultSpeed = DefaultSpeed
	}
	return &Orchestrator{
		store:   deps.Store,
		evictor: deps.Evictor,
		gate:    deps.Gate,
		ref:     deps.Ref,
		engine:  deps.Engine,
		hooks:   deps.Hooks,
		cfg:     cfg,
	}
}

// Synthesize returns audio for req, from the cache when possible.
// Concurrent misses for the same text and language share one engine call.
func (o *Orchestrator) Synthesize(ctx context.Context, req core.SynthesisRequest) (*Result, error) {
	params, err := o.normalize(req)
	if err != nil {
		return nil, err
	}
	key := cache.ComputeKey(params.Text, params.Language)

	if res, err := o.fromCache(key, params); res != nil || err != nil {
		return res, err
	}

	// Waiters may give up; the flight itself runs to completion so the work
	// is not wasted for the other callers.
	ch := o.flights.DoChan(string(key), func() (interface{}, error) {
		return o.generate(context.WithoutCancel(ctx), key, params)
	})
	select {
	case <-ctx.Done():
		return nil, core.NewNotReadyError("gave up waiting for synthesis", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		out := r.Val.(*flightResult)
		status := core.CacheMiss
		if out.hit {
			status = core.CacheHit
		}
		return &Result{
			Key:      key,
			Status:   status,
			Size:     int64(len(out.audio)),
			Language: params.Language,
			Speed:    params.Speed,
			Audio:    io.NopCloser(bytes.NewReader(out.audio)),
		}, nil
	}
}

type flightResult struct {
	audio []byte
	hit   bool
}

// generate runs once per key at a time.
func (o *Orchestrator) generate(ctx context.Context, key cache.Key, params core.SynthesisParams) (*flightResult, error) {
	// A previous flight may have published while this caller was checking the cache.
	if _, ok, err := o.store.Lookup(key); err != nil {
		return nil, core.NewIOError("cache lookup failed", err)
	} else if ok {
		if audio, err := o.readCached(key); err == nil {
			return &flightResult{audio: audio, hit: true}, nil
		} else if !errors.Is(err, cache.ErrNotFound) {
			return nil, core.NewIOError("failed to read cached audio", err)
		}
	}

	if err := o.gate.EnsureReady(ctx); err != nil {
		var se *core.SynthesisError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, core.NewNotReadyError("model is not ready", err)
	}

	if ok, msg := o.ref.Exists(); !ok {
		return nil, core.NewMissingAssetError(msg)
	}
	params.ReferencePath = o.ref.Path()

	audio, err := o.runEngine(ctx, params)
	if err != nil {
		slog.Error("audio generation failed",
			"engine", o.engine.Name(),
			"key", key,
			"language", params.Language,
			"text_chars", len([]rune(params.Text)),
			"error", err,
		)
		return nil, core.NewInferenceError("audio generation failed: "+err.Error(), err)
	}

	entry, published, err := o.store.Store(ctx, key, audio)
	if err != nil {
		return nil, core.NewIOError("failed to cache synthesized audio", err)
	}
	if published {
		slog.Info("audio cached", "key", key, "size", entry.Size)
		o.enforce(ctx)
	}
	return &flightResult{audio: audio}, nil
}

func (o *Orchestrator) runEngine(ctx context.Context, params core.SynthesisParams) ([]byte, error) {
	o.engineMu.Lock()
	defer o.engineMu.Unlock()

	start := time.Now()
	audio, err := o.engine.Synthesize(ctx, params)
	if o.hooks != nil {
		o.hooks.EngineDuration(params.Language, time.Since(start))
	}
	if err == nil && len(audio) == 0 {
		err = fmt.Errorf("engine returned no audio")
	}
	return audio, err
}

// enforce keeps the cache within budget. Failures are logged only.
func (o *Orchestrator) enforce(ctx context.Context) {
	if o.evictor == nil {
		return
	}
	result, err := o.evictor.Enforce(ctx)
	if err != nil {
		slog.Warn("cache eviction failed", "error", err)
	}
	if o.hooks != nil {
		if result.Swept() {
			o.hooks.Eviction(result)
		}
		o.hooks.CacheSize(o.store.Usage())
	}
}

func (o *Orchestrator) readCached(key cache.Key) ([]byte, error) {
	f, _, err := o.store.Open(key)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	return io.ReadAll(f)
}

// fromCache returns a hit, or nil with no error on a miss.
func (o *Orchestrator) fromCache(key cache.Key, params core.SynthesisParams) (*Result, error) {
	rc, entry, err := o.store.Open(key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, core.NewIOError("failed to read cached audio", err)
	}
	slog.Debug("cache hit", "key", key, "size", entry.Size)
	return &Result{
		Key:      key,
		Status:   core.CacheHit,
		Size:     entry.Size,
		Language: params.Language,
		Speed:    params.Speed,
		Audio:    rc,
	}, nil
}

func (o *Orchestrator) normalize(req core.SynthesisRequest) (core.SynthesisParams, error) {
	if strings.TrimSpace(req.Text) == "" {
		return core.SynthesisParams{}, core.NewValidationError("text must not be empty")
	}
	if o.cfg.MaxTextLength > 0 {
		if n := len([]rune(req.Text)); n > o.cfg.MaxTextLength {
			return core.SynthesisParams{}, core.NewValidationError(
				fmt.Sprintf("text is %d characters long, the limit is %d", n, o.cfg.MaxTextLength))
		}
	}

	language := req.Language
	if language == "" {
		language = o.cfg.DefaultLanguage
	}

	speed := o.cfg.DefaultSpeed
	if req.Speed != nil {
		speed = *req.Speed
	}
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 || speed > MaxSpeed {
		return core.SynthesisParams{}, core.NewValidationError(
			fmt.Sprintf("speed must be greater than 0 and at most %g", MaxSpeed))
	}

	return core.SynthesisParams{Text: req.Text, Language: language, Speed: speed}, nil
}

// Readiness reports whether a synthesis request could succeed right now.
// It never waits for a load in progress.
func (o *Orchestrator) Readiness() core.Readiness {
	snap := o.gate.Status()
	refOK, refMsg := o.ref.Exists()
	size := o.store.Usage()

	r := core.Readiness{
		ModelLoaded:      snap.State == model.Ready,
		ModelState:       snap.State.String(),
		ModelError:       snap.Reason,
		ReferencePresent: refOK,
		CacheSizeBytes:   size,
		CacheSizeMB:      math.Round(float64(size)/1024/1024*100) / 100,
		CheckedAt:        time.Now().UTC(),
	}

	switch {
	case snap.State == model.Failed || !refOK:
		r.Status = "error"
	case snap.State == model.Ready:
		r.Status = "ok"
	default:
		r.Status = "loading"
	}

	if !refOK {
		r.Error = &refMsg
	} else if snap.State == model.Failed {
		reason := snap.Reason
		r.Error = &reason
	}
	return r
}
