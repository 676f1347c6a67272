package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotts/internal/asset"
	"gotts/internal/cache"
	"gotts/internal/core"
	"gotts/internal/model"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   []core.SynthesisParams
	err     error
	block   chan struct{}
	active  atomic.Int32
	overlap atomic.Bool
}

func (f *fakeEngine) Name() string                   { return "fake" }
func (f *fakeEngine) Load(ctx context.Context) error { return nil }
func (f *fakeEngine) Close() error                   { return nil }

func (f *fakeEngine) Synthesize(ctx context.Context, p core.SynthesisParams) ([]byte, error) {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.active.Add(-1)

	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte(fmt.Sprintf("RIFF|%s|%s|%g", p.Language, p.Text, p.Speed)), nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	orch    *Orchestrator
	store   *cache.DiskStore
	engine  *fakeEngine
	gate    *model.Gate
	refPath string
}

type fixtureOpts struct {
	loadErr   error
	loadBlock chan struct{}
	noRef     bool
	maxBytes  int64
	maxLength int
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.NewDiskStore(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	refPath := filepath.Join(dir, "voice_ref.wav")
	if !opts.noRef {
		require.NoError(t, os.WriteFile(refPath, []byte("RIFF-ref"), 0o644))
	}

	eng := &fakeEngine{}
	gate := model.NewGate(func(ctx context.Context) error {
		if opts.loadBlock != nil {
			<-opts.loadBlock
		}
		return opts.loadErr
	}, model.Options{})

	orch := New(Deps{
		Store:   store,
		Evictor: cache.NewEvictor(store, cache.EvictorConfig{MaxBytes: opts.maxBytes}),
		Gate:    gate,
		Ref:     asset.NewReference(refPath),
		Engine:  eng,
	}, Config{MaxTextLength: opts.maxLength})

	return &fixture{orch: orch, store: store, engine: eng, gate: gate, refPath: refPath}
}

func readAll(t *testing.T, res *Result) []byte {
	t.Helper()
	defer res.Audio.Close()
	data, err := io.ReadAll(res.Audio)
	require.NoError(t, err)
	return data
}

func speed(v float64) *float64 { return &v }

func TestSynthesize_MissThenHit(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	req := core.SynthesisRequest{Text: "Bonjour tout le monde", Language: "fr"}

	first, err := f.orch.Synthesize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, core.CacheMiss, first.Status)
	firstAudio := readAll(t, first)

	second, err := f.orch.Synthesize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, core.CacheHit, second.Status)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, firstAudio, readAll(t, second))
	assert.Equal(t, int64(len(firstAudio)), second.Size)

	assert.Equal(t, 1, f.engine.callCount())
}

func TestSynthesize_Defaults(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	res, err := f.orch.Synthesize(context.Background(), core.SynthesisRequest{Text: "Salut"})
	require.NoError(t, err)
	res.Audio.Close()

	require.Equal(t, 1, f.engine.callCount())
	p := f.engine.calls[0]
	assert.Equal(t, "fr", p.Language)
	assert.Equal(t, 1.15, p.Speed)
	assert.Equal(t, f.refPath, p.ReferencePath)
	assert.Equal(t, "fr", res.Language)
	assert.Equal(t, cache.ComputeKey("Salut", "fr"), res.Key)
}

func TestSynthesize_LongTextWithoutLimit(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	text := strings.Repeat("é", 6000)

	res, err := f.orch.Synthesize(context.Background(), core.SynthesisRequest{Text: text})
	require.NoError(t, err)
	res.Audio.Close()
	assert.Equal(t, 1, f.engine.callCount())
}

func TestSynthesize_Validation(t *testing.T) {
	// Model failing and reference missing must not mask validation errors
	f := newFixture(t, fixtureOpts{loadErr: errors.New("broken"), noRef: true, maxLength: 20})

	tests := []struct {
		name string
		req  core.SynthesisRequest
	}{
		{"empty", core.SynthesisRequest{Text: ""}},
		{"whitespace", core.SynthesisRequest{Text: " \t\n "}},
		{"zero speed", core.SynthesisRequest{Text: "a", Speed: speed(0)}},
		{"negative speed", core.SynthesisRequest{Text: "a", Speed: speed(-1)}},
		{"too fast", core.SynthesisRequest{Text: "a", Speed: speed(4.5)}},
		{"nan speed", core.SynthesisRequest{Text: "a", Speed: speed(math.NaN())}},
		{"infinite speed", core.SynthesisRequest{Text: "a", Speed: speed(math.Inf(1))}},
		{"too long", core.SynthesisRequest{Text: "cette phrase dépasse vingt caractères"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Synthesize(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, core.IsType(err, core.ErrorTypeValidation), "got %v", err)
		})
	}

	assert.Equal(t, 0, f.engine.callCount())
	assert.Equal(t, model.Unloaded, f.gate.Status().State, "validation must not trigger a load")
}

func TestSynthesize_NotReady(t *testing.T) {
	f := newFixture(t, fixtureOpts{loadErr: errors.New("checkpoint missing")})

	_, err := f.orch.Synthesize(context.Background(), core.SynthesisRequest{Text: "Bonjour"})
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeNotReady))
	assert.Contains(t, err.Error(), "checkpoint missing")
	assert.Equal(t, 0, f.engine.callCount())

	entries, err := f.store.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSynthesize_HitServedWhileModelFailed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	key := cache.ComputeKey("déjà là", "fr")
	_, _, err := f.store.Store(ctx, key, []byte("cached"))
	require.NoError(t, err)

	// Reference gone and model never loaded: hits still work.
	require.NoError(t, os.Remove(f.refPath))
	res, err := f.orch.Synthesize(ctx, core.SynthesisRequest{Text: "déjà là"})
	require.NoError(t, err)
	assert.Equal(t, core.CacheHit, res.Status)
	assert.Equal(t, []byte("cached"), readAll(t, res))
	assert.Equal(t, model.Unloaded, f.gate.Status().State)
}

func TestSynthesize_MissingAssetEvenWhenReady(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.gate.EnsureReady(context.Background()))
	require.NoError(t, os.Remove(f.refPath))

	_, err := f.orch.Synthesize(context.Background(), core.SynthesisRequest{Text: "Bonjour"})
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeMissingAsset))
	assert.Contains(t, err.Error(), "ffmpeg")
	assert.Equal(t, 0, f.engine.callCount())
}

func TestSynthesize_InferenceErrorCachesNothing(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.engine.err = errors.New("CUDA out of memory")

	_, err := f.orch.Synthesize(context.Background(), core.SynthesisRequest{Text: "Bonjour"})
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeInference))
	assert.Contains(t, err.Error(), "audio generation failed: CUDA out of memory")

	entries, err := f.store.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The failure is not cached either: the next request tries again.
	f.engine.err = nil
	res, err := f.orch.Synthesize(context.Background(), core.SynthesisRequest{Text: "Bonjour"})
	require.NoError(t, err)
	res.Audio.Close()
	assert.Equal(t, 2, f.engine.callCount())
}

func TestSynthesize_ConcurrentSameKeyCallsEngineOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.engine.block = make(chan struct{})

	const callers = 10
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.orch.Synthesize(context.Background(), core.SynthesisRequest{Text: "Même phrase"})
			if !assert.NoError(t, err) {
				return
			}
			defer res.Audio.Close()
			data, err := io.ReadAll(res.Audio)
			assert.NoError(t, err)
			results[i] = data
		}(i)
	}

	require.Eventually(t, func() bool { return f.engine.callCount() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.engine.block)
	wg.Wait()

	assert.Equal(t, 1, f.engine.callCount())
	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i])
	}
	assert.NotEmpty(t, results[0])
}

func TestSynthesize_EngineCallsAreSerialized(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.orch.Synthesize(context.Background(), core.SynthesisRequest{Text: fmt.Sprintf("phrase %d", i)})
			if assert.NoError(t, err) {
				res.Audio.Close()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, f.engine.callCount())
	assert.False(t, f.engine.overlap.Load(), "engine must never run concurrently")
}

func TestSynthesize_CanceledWaiterDoesNotAbortGeneration(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.engine.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.orch.Synthesize(ctx, core.SynthesisRequest{Text: "longue phrase"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return f.engine.callCount() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(f.engine.block)
	key := cache.ComputeKey("longue phrase", "fr")
	require.Eventually(t, func() bool {
		_, ok, _ := f.store.Lookup(key)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "abandoned generation should still be cached")
}

func TestSynthesize_DeadlineDuringLoadIsNotReady(t *testing.T) {
	block := make(chan struct{})
	f := newFixture(t, fixtureOpts{loadBlock: block})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.orch.Synthesize(ctx, core.SynthesisRequest{Text: "premier chargement"})
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeNotReady), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var se *core.SynthesisError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.HTTPStatusCode())
	assert.Equal(t, model.Loading, f.gate.Status().State)
	assert.Zero(t, f.engine.callCount())

	// The load and the generation carry on without the caller.
	close(block)
	key := cache.ComputeKey("premier chargement", "fr")
	require.Eventually(t, func() bool {
		_, ok, _ := f.store.Lookup(key)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSynthesize_EnforcesBudget(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxBytes: 200})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		res, err := f.orch.Synthesize(ctx, core.SynthesisRequest{Text: fmt.Sprintf("une phrase numéro %02d", i)})
		require.NoError(t, err)
		res.Audio.Close()

		total, err := f.store.TotalSize()
		require.NoError(t, err)
		require.LessOrEqual(t, total, int64(200), "after request %d", i)
	}
}

func TestReadiness(t *testing.T) {
	t.Run("unloaded", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		r := f.orch.Readiness()
		assert.Equal(t, "loading", r.Status)
		assert.False(t, r.ModelLoaded)
		assert.True(t, r.ReferencePresent)
		assert.Nil(t, r.Error)
		assert.Equal(t, 0, f.engine.callCount())
		assert.Equal(t, model.Unloaded, f.gate.Status().State, "readiness must not trigger a load")
	})

	t.Run("ready", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		require.NoError(t, f.gate.EnsureReady(context.Background()))
		_, _, err := f.store.Store(context.Background(), cache.ComputeKey("x", "fr"), make([]byte, 3*1024*1024))
		require.NoError(t, err)

		r := f.orch.Readiness()
		assert.Equal(t, "ok", r.Status)
		assert.True(t, r.ModelLoaded)
		assert.Equal(t, "ready", r.ModelState)
		assert.Equal(t, int64(3*1024*1024), r.CacheSizeBytes)
		assert.Equal(t, 3.0, r.CacheSizeMB)
	})

	t.Run("missing reference", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{noRef: true})
		require.NoError(t, f.gate.EnsureReady(context.Background()))

		r := f.orch.Readiness()
		assert.Equal(t, "error", r.Status)
		assert.False(t, r.ReferencePresent)
		require.NotNil(t, r.Error)
		assert.Contains(t, *r.Error, "voice_ref.wav")
	})

	t.Run("failed model", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{loadErr: errors.New("bad weights")})
		_ = f.gate.EnsureReady(context.Background())

		r := f.orch.Readiness()
		assert.Equal(t, "error", r.Status)
		assert.Equal(t, "failed", r.ModelState)
		assert.Equal(t, "bad weights", r.ModelError)
		require.NotNil(t, r.Error)
		assert.Equal(t, "bad weights", *r.Error)
	})
}
