// Package usage records one entry per synthesis request and aggregates them
// for the admin API. Records are informational; cache decisions never read them.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"gotts/internal/core"
)

// UsageStore defines the interface for usage storage backends.
// Implementations must be safe for concurrent use.
type UsageStore interface {
	// WriteBatch writes multiple usage entries to storage.
	WriteBatch(ctx context.Context, entries []*UsageEntry) error

	// Flush forces any pending writes to complete.
	Flush(ctx context.Context) error

	// Close releases resources held by the store. The database connection
	// itself belongs to the storage layer.
	Close() error
}

// UsageEntry is a single synthesis request record.
type UsageEntry struct {
	ID        string    `json:"id" bson:"_id"`
	RequestID string    `json:"request_id" bson:"request_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	// CacheStatus is "hit" or "miss"; empty when the request failed before the cache was consulted.
	CacheStatus string `json:"cache_status" bson:"cache_status"`
	CacheKey    string `json:"cache_key" bson:"cache_key"`

	Language  string  `json:"language" bson:"language"`
	TextChars int     `json:"text_chars" bson:"text_chars"`
	Speed     float64 `json:"speed" bson:"speed"`

	// Bytes is the size of the audio returned to the client.
	Bytes      int64 `json:"bytes" bson:"bytes"`
	DurationMs int64 `json:"duration_ms" bson:"duration_ms"`

	// ErrorType is the core.ErrorType of a failed request, empty on success.
	ErrorType string `json:"error_type,omitempty" bson:"error_type"`
}

// NewEntry creates an entry stamped with a fresh id and the current time.
func NewEntry(requestID string) *UsageEntry {
	return &UsageEntry{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
}

// SetError records the failure type of err. Errors that are not typed
// synthesis errors are recorded as internal_error.
func (e *UsageEntry) SetError(err error) {
	if err == nil {
		return
	}
	for _, t := range []core.ErrorType{
		core.ErrorTypeValidation,
		core.ErrorTypeNotReady,
		core.ErrorTypeMissingAsset,
		core.ErrorTypeInference,
		core.ErrorTypeIO,
	} {
		if core.IsType(err, t) {
			e.ErrorType = string(t)
			return
		}
	}
	e.ErrorType = "internal_error"
}

// Config holds usage tracking configuration
type Config struct {
	// Enabled controls whether usage tracking is active
	Enabled bool

	// BufferSize is the number of usage entries to buffer before dropping
	BufferSize int

	// FlushInterval is how often to flush buffered entries
	FlushInterval time.Duration

	// RetentionDays is how long to keep usage data (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}
