// Package core defines the core interfaces and types for the TTS shim.
package core

import "context"

// Engine is the opaque synthesis resource.
// Implementations are not required to be safe for concurrent use; callers serialize
// Synthesize calls.
type Engine interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// Load prepares the engine for synthesis. It is called at most once at a time.
	Load(ctx context.Context) error

	// Synthesize turns text into encoded audio bytes.
	Synthesize(ctx context.Context, params SynthesisParams) ([]byte, error)

	// Close releases any resources held by the engine.
	Close() error
}
