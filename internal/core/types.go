package core

import "time"

// CacheStatus tells whether a synthesis result came from the cache or the engine.
type CacheStatus string

const (
	CacheHit  CacheStatus = "hit"
	CacheMiss CacheStatus = "miss"
)

// SynthesisRequest represents a text-to-speech request
type SynthesisRequest struct {
	Text     string   `json:"text"`
	Language string   `json:"language,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	// Emotions is accepted for client compatibility and does not affect synthesis.
	Emotions bool `json:"emotions,omitempty"`
}

// SynthesisParams are the arguments handed to a synthesis engine.
type SynthesisParams struct {
	Text          string
	Language      string
	ReferencePath string
	Speed         float64
}

// Readiness is the payload of the readiness probe.
type Readiness struct {
	Status           string    `json:"status"`
	ModelLoaded      bool      `json:"model_loaded"`
	ModelState       string    `json:"model_state"`
	ModelError       string    `json:"model_error,omitempty"`
	ReferencePresent bool      `json:"voice_ref_exists"`
	CacheSizeBytes   int64     `json:"cache_size_bytes"`
	CacheSizeMB      float64   `json:"cache_size_mb"`
	Error            *string   `json:"error"`
	CheckedAt        time.Time `json:"checked_at"`
}
