package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, ComputeKey("Bonjour", "fr"), ComputeKey("Bonjour", "fr"))
	})

	t.Run("fixed width hex", func(t *testing.T) {
		key := ComputeKey("Bonjour", "fr")
		_, err := ParseKey(string(key))
		require.NoError(t, err)
		assert.Len(t, string(key), 16)
	})

	t.Run("distinct inputs give distinct keys", func(t *testing.T) {
		seen := make(map[Key]string)
		for i := 0; i < 5000; i++ {
			text := fmt.Sprintf("phrase numéro %d", i)
			key := ComputeKey(text, "fr")
			if prev, dup := seen[key]; dup {
				t.Fatalf("collision between %q and %q", prev, text)
			}
			seen[key] = text
		}
	})

	tests := []struct {
		name   string
		a, b   [2]string
		differ bool
	}{
		{"surrounding whitespace is significant", [2]string{"hello", "en"}, [2]string{" hello ", "en"}, true},
		{"language is case sensitive", [2]string{"hello", "en"}, [2]string{"hello", "EN"}, true},
		{"field boundary is unambiguous", [2]string{"a:b", "c"}, [2]string{"a", "b:c"}, true},
		{"same pair", [2]string{"salut", "fr"}, [2]string{"salut", "fr"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := ComputeKey(tt.a[0], tt.a[1])
			kb := ComputeKey(tt.b[0], tt.b[1])
			if tt.differ {
				assert.NotEqual(t, ka, kb)
			} else {
				assert.Equal(t, ka, kb)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	_, err := ParseKey("0123456789abcdef")
	require.NoError(t, err)

	for _, bad := range []string{"", "0123", "0123456789ABCDEF", "../../etc/passwd", "0123456789abcdeg"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, "ParseKey(%q)", bad)
	}
}

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestDiskStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := ComputeKey("Bonjour tout le monde", "fr")
	audio := []byte("RIFF....WAVEfmt audio payload")

	_, ok, err := store.Lookup(key)
	require.NoError(t, err)
	assert.False(t, ok, "empty store must miss")

	entry, published, err := store.Store(ctx, key, audio)
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, key, entry.Key)
	assert.Equal(t, int64(len(audio)), entry.Size)
	assert.Equal(t, filepath.Join(store.Dir(), string(key)+ArtifactExt), entry.Path)

	got, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, audio, got)

	f, opened, err := store.Open(key)
	require.NoError(t, err)
	defer f.Close()
	streamed, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, audio, streamed)
	assert.Equal(t, entry.Size, opened.Size)
}

func TestDiskStore_EntriesAreImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := ComputeKey("texte", "fr")

	_, published, err := store.Store(ctx, key, []byte("first"))
	require.NoError(t, err)
	require.True(t, published)

	entry, published, err := store.Store(ctx, key, []byte("second, longer payload"))
	require.NoError(t, err)
	assert.False(t, published, "second store must not republish")
	assert.Equal(t, int64(len("first")), entry.Size)

	got, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
	assert.Equal(t, int64(len("first")), store.Usage())
}

func TestDiskStore_ConcurrentWritersSameKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := ComputeKey("course", "fr")

	const writers = 16
	payloads := make([][]byte, writers)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 64*1024)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	publishedCount := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, published, err := store.Store(ctx, key, payloads[i])
			assert.NoError(t, err)
			if published {
				mu.Lock()
				publishedCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, publishedCount, "exactly one writer publishes")

	got, err := store.Get(key)
	require.NoError(t, err)
	require.Len(t, got, 64*1024, "published artifact must be complete")
	assert.Equal(t, bytes.Repeat(got[:1], len(got)), got, "artifact must come from a single writer")

	names, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n.Name(), tempPrefix), "temp file %s left behind", n.Name())
	}
	assert.Equal(t, int64(64*1024), store.Usage())
}

func TestDiskStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	key := ComputeKey("absent", "fr")

	_, err := store.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = store.Open(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskStore_DeleteAndSizes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	k1 := ComputeKey("un", "fr")
	k2 := ComputeKey("deux", "fr")
	_, _, err := store.Store(ctx, k1, make([]byte, 100))
	require.NoError(t, err)
	_, _, err = store.Store(ctx, k2, make([]byte, 250))
	require.NoError(t, err)

	total, err := store.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, int64(350), total)
	assert.Equal(t, int64(350), store.Usage())

	require.NoError(t, store.Delete(k1))
	require.NoError(t, store.Delete(k1), "deleting a missing entry is a no-op")

	total, err = store.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, int64(250), total)
	assert.Equal(t, int64(250), store.Usage())

	_, ok, err := store.Lookup(k1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskStore_OpenHandleSurvivesDelete(t *testing.T) {
	store := newTestStore(t)
	key := ComputeKey("lecture", "fr")
	_, _, err := store.Store(context.Background(), key, []byte("still readable"))
	require.NoError(t, err)

	f, _, err := store.Open(key)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, store.Delete(key))

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "still readable", string(data))
}

func TestDiskStore_ReconcileCorrectsDrift(t *testing.T) {
	store := newTestStore(t)
	key := ComputeKey("drift", "fr")
	_, _, err := store.Store(context.Background(), key, make([]byte, 40))
	require.NoError(t, err)

	// A file dropped in behind the store's back
	foreign := ComputeKey("foreign", "fr")
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), string(foreign)+ArtifactExt), make([]byte, 60), 0o644))
	assert.Equal(t, int64(40), store.Usage())

	total, err := store.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)
	assert.Equal(t, int64(100), store.Usage())
}

func TestDiskStore_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-key.wav"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "0123456789abcdef.wav"), 0o755))

	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	entries, err := store.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, int64(0), store.Usage())
}

func TestNewDiskStore_RemovesStaleTemps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tempPrefix+"12345")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	key := ComputeKey("existant", "fr")
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(key)+ArtifactExt), make([]byte, 10), 0o644))

	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale temp file should be removed")
	assert.Equal(t, int64(10), store.Usage(), "existing artifacts are picked up on open")
}

func TestNewDiskStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	_, err := NewDiskStore(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = NewDiskStore("")
	assert.Error(t, err)
}

func TestDiskStore_EntriesOrderedByCreation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	keys := []Key{ComputeKey("c", "fr"), ComputeKey("a", "fr"), ComputeKey("b", "fr")}
	for i, key := range keys {
		entry, _, err := store.Store(ctx, key, []byte("x"))
		require.NoError(t, err)
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(entry.Path, ts, ts))
	}

	entries, err := store.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, key := range keys {
		assert.Equal(t, key, entries[i].Key, "position %d", i)
	}
}

func TestDiskStore_StoreHonorsCanceledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.Store(ctx, ComputeKey("annulé", "fr"), []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := store.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

var errNoHardLinks = errors.New("link: operation not supported")

func TestDiskStore_RenameFallbackKeepsFirstWriter(t *testing.T) {
	store := newTestStore(t)
	key := ComputeKey("sans liens", "fr")

	// Another writer publishes between our temp write and the failed link.
	store.link = func(oldname, newname string) error {
		require.NoError(t, os.WriteFile(newname, []byte("first writer"), 0o644))
		return errNoHardLinks
	}

	entry, published, err := store.Store(context.Background(), key, []byte("second writer, longer"))
	require.NoError(t, err)
	assert.False(t, published)
	assert.Equal(t, int64(len("first writer")), entry.Size)

	got, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "first writer", string(got))
	assert.Equal(t, int64(0), store.Usage(), "nothing was published by this store")
}

func TestDiskStore_RenameFallbackConcurrentWriters(t *testing.T) {
	store := newTestStore(t)
	store.link = func(string, string) error { return errNoHardLinks }
	key := ComputeKey("course sans liens", "fr")

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	publishedCount := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, published, err := store.Store(context.Background(), key, bytes.Repeat([]byte{byte('a' + i)}, 1024))
			assert.NoError(t, err)
			if published {
				mu.Lock()
				publishedCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, publishedCount)
	assert.Equal(t, int64(1024), store.Usage())

	total, err := store.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, int64(1024), total)
}
