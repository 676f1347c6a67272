// Package cache provides the content-addressed audio cache.
// Artifacts are immutable files named by the digest of (text, language); the
// directory itself is the index, so a restart picks up whatever is on disk.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ArtifactExt is the file extension of published artifacts.
const ArtifactExt = ".wav"

// keyLen is the length of a hex-encoded 64-bit digest.
const keyLen = 16

// ErrNotFound is returned when no artifact exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Key identifies one cached artifact.
type Key string

// ComputeKey derives the cache key of a (text, language) pair.
// Text is used verbatim, language is compared case-sensitively. Each field is
// length-prefixed so that no two distinct pairs share an encoding.
func ComputeKey(text, language string) Key {
	d := xxhash.New()
	writeField(d, text)
	writeField(d, language)
	return Key(fmt.Sprintf("%0*x", keyLen, d.Sum64()))
}

func writeField(d *xxhash.Digest, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = d.Write(n[:])
	_, _ = d.WriteString(s)
}

// ParseKey validates s as a key produced by ComputeKey.
func ParseKey(s string) (Key, error) {
	if len(s) != keyLen {
		return "", fmt.Errorf("invalid cache key %q: want %d hex characters", s, keyLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return "", fmt.Errorf("invalid cache key %q: non-hex character %q", s, c)
		}
	}
	return Key(s), nil
}

// Entry describes a published artifact.
type Entry struct {
	Key       Key
	Path      string
	Size      int64
	CreatedAt time.Time
}
