// Package engine provides the synthesis backends behind core.Engine.
package engine

import (
	"fmt"
	"net/http"
	"time"

	"gotts/internal/core"
)

// Engine types accepted by New.
const (
	TypeCommand = "command"
	TypeHTTP    = "http"
)

// Config selects and configures a synthesis backend.
type Config struct {
	Type    string
	Timeout time.Duration
	Command CommandConfig
	HTTP    HTTPConfig

	// Client is used by the http backend. Nil selects the shared default.
	Client *http.Client
}

// CommandConfig configures the local-program backend.
type CommandConfig struct {
	Path      string
	Args      []string
	ProbeArgs []string
	Model     string
	Env       map[string]string
	Timeout   time.Duration
}

// HTTPConfig configures the model-server backend.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// FailureThreshold consecutive failures mark the server down for
	// OpenTimeout; a successful Load brings it back immediately.
	FailureThreshold int
	OpenTimeout      time.Duration
}

// New creates the backend named by cfg.Type.
func New(cfg Config) (core.Engine, error) {
	switch cfg.Type {
	case TypeCommand, "":
		cc := cfg.Command
		if cc.Timeout == 0 {
			cc.Timeout = cfg.Timeout
		}
		return NewCommandEngine(cc, nil)
	case TypeHTTP:
		return NewHTTPEngine(cfg.HTTP, cfg.Client)
	default:
		return nil, fmt.Errorf("unknown engine type: %q (expected %q or %q)", cfg.Type, TypeCommand, TypeHTTP)
	}
}
