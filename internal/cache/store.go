package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const tempPrefix = ".tmp-"

// DiskStore implements the artifact store on a local directory.
// It is safe for concurrent use. Readers never observe a partially written
// artifact: data is written to a private temp file and then published under
// the key's name in a single link or rename.
type DiskStore struct {
	dir   string
	usage atomic.Int64

	// link publishes a temp file without replacing an existing entry.
	link func(oldname, newname string) error
	// renameMu serializes in-process publishes that fall back to rename,
	// which would otherwise replace an entry published in between.
	renameMu sync.Mutex
}

// NewDiskStore opens (creating if needed) the cache directory, removes temp
// files left behind by an interrupted write and computes the initial size.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &DiskStore{dir: dir, link: os.Link}
	s.removeStaleTemps()

	if _, err := s.Reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the cache directory.
func (s *DiskStore) Dir() string {
	return s.dir
}

func (s *DiskStore) path(key Key) string {
	return filepath.Join(s.dir, string(key)+ArtifactExt)
}

// Lookup reports whether an artifact exists for key.
func (s *DiskStore) Lookup(key Key) (Entry, bool, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to stat cache entry: %w", err)
	}
	return s.entry(key, info), true, nil
}

// Get reads the whole artifact for key.
func (s *DiskStore) Get(key Key) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return data, nil
}

// Open returns a read handle on the artifact for key. The handle stays valid
// even if the entry is evicted while it is being read.
func (s *DiskStore) Open(key Key) (*os.File, Entry, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Entry{}, ErrNotFound
		}
		return nil, Entry{}, fmt.Errorf("failed to open cache entry: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Entry{}, fmt.Errorf("failed to stat cache entry: %w", err)
	}
	return f, s.entry(key, info), nil
}

// Store publishes audio under key. Entries are immutable: when the key is
// already present, the existing entry is returned untouched and published is
// false. Two writers racing on one key both write a private temp file; only
// the first publish wins and the loser's temp file is discarded.
func (s *DiskStore) Store(ctx context.Context, key Key, audio []byte) (entry Entry, published bool, err error) {
	if existing, ok, err := s.Lookup(key); err != nil {
		return Entry{}, false, err
	} else if ok {
		return existing, false, nil
	}

	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}

	tmp, err := s.writeTemp(audio)
	if err != nil {
		return Entry{}, false, err
	}
	defer os.Remove(tmp) //nolint:errcheck

	final := s.path(key)
	if err := s.link(tmp, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Lost the race to another writer
			existing, ok, lookupErr := s.Lookup(key)
			if lookupErr != nil || !ok {
				return Entry{}, false, fmt.Errorf("failed to publish cache entry: %w", err)
			}
			return existing, false, nil
		}
		// Some filesystems do not support hard links
		return s.publishByRename(key, tmp, final)
	}

	info, err := os.Stat(final)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to stat published cache entry: %w", err)
	}
	s.usage.Add(info.Size())

	return s.entry(key, info), true, nil
}

// publishByRename is the publish path for filesystems without hard links.
// Rename replaces its target, so the key is checked again under renameMu.
// First-writer-wins then holds between writers of this process only.
func (s *DiskStore) publishByRename(key Key, tmp, final string) (Entry, bool, error) {
	s.renameMu.Lock()
	defer s.renameMu.Unlock()

	if existing, ok, err := s.Lookup(key); err != nil {
		return Entry{}, false, err
	} else if ok {
		return existing, false, nil
	}
	if err := os.Rename(tmp, final); err != nil {
		return Entry{}, false, fmt.Errorf("failed to publish cache entry: %w", err)
	}
	info, err := os.Stat(final)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to stat published cache entry: %w", err)
	}
	s.usage.Add(info.Size())
	return s.entry(key, info), true, nil
}

// writeTemp writes data to a fresh temp file in the cache directory, so the
// final publish never crosses a filesystem boundary.
func (s *DiskStore) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return name, nil
}

// Delete removes the artifact for key. Deleting a missing entry is a no-op.
func (s *DiskStore) Delete(key Key) error {
	p := s.path(key)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat cache entry: %w", err)
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	s.usage.Add(-info.Size())
	return nil
}

// Entries enumerates all published artifacts, oldest first.
func (s *DiskStore) Entries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		key, ok := keyFromName(de)
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to stat cache entry: %w", err)
		}
		entries = append(entries, s.entry(key, info))
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// TotalSize sums the sizes of all published artifacts by enumerating the directory.
func (s *DiskStore) TotalSize() (int64, error) {
	entries, err := s.Entries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

// Usage returns the incrementally maintained size of the store. It can drift
// from TotalSize when files are changed behind the store's back; Reconcile
// corrects it.
func (s *DiskStore) Usage() int64 {
	return s.usage.Load()
}

// Reconcile replaces the running size with a full scan and returns it.
func (s *DiskStore) Reconcile() (int64, error) {
	total, err := s.TotalSize()
	if err != nil {
		return 0, err
	}
	if prev := s.usage.Swap(total); prev != total {
		slog.Debug("cache size reconciled", "previous", prev, "actual", total)
	}
	return total, nil
}

func (s *DiskStore) entry(key Key, info fs.FileInfo) Entry {
	return Entry{
		Key:       key,
		Path:      s.path(key),
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
	}
}

func (s *DiskStore) removeStaleTemps() {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		p := filepath.Join(s.dir, de.Name())
		if err := os.Remove(p); err != nil {
			slog.Warn("failed to remove stale temp file", "path", p, "error", err)
			continue
		}
		slog.Debug("removed stale temp file", "path", p)
	}
}

func keyFromName(de fs.DirEntry) (Key, bool) {
	if !de.Type().IsRegular() {
		return "", false
	}
	name := de.Name()
	if !strings.HasSuffix(name, ArtifactExt) {
		return "", false
	}
	key, err := ParseKey(strings.TrimSuffix(name, ArtifactExt))
	if err != nil {
		return "", false
	}
	return key, true
}
