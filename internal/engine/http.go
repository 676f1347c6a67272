package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"gotts/internal/core"
	"gotts/internal/httpclient"
)

// HTTPEngine delegates synthesis to a model server that keeps the weights
// resident. It expects:
//
//	GET  {base}/health      -> 200 once the model is loaded
//	POST {base}/synthesize  -> audio/wav body
type HTTPEngine struct {
	cfg    HTTPConfig
	client *http.Client
	outage *outageTracker
}

type synthesizeRequest struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	SpeakerWav string  `json:"speaker_wav"`
	Speed      float64 `json:"speed"`
	Model      string  `json:"model,omitempty"`
}

// statusError is a non-2xx answer from the model server.
type statusError struct {
	StatusCode int
	Message    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("model server returned %d: %s", e.StatusCode, e.Message)
}

// NewHTTPEngine creates an engine for the server at cfg.BaseURL.
// A nil client uses httpclient defaults.
func NewHTTPEngine(cfg HTTPConfig, client *http.Client) (*HTTPEngine, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("http engine: base URL is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if client == nil {
		client = httpclient.NewHTTPClient(nil)
	}

	return &HTTPEngine{
		cfg:    cfg,
		client: client,
		outage: newOutageTracker(cfg.FailureThreshold, cfg.OpenTimeout),
	}, nil
}

// Name implements core.Engine.
func (e *HTTPEngine) Name() string {
	return "http"
}

// Load checks that the server is reachable and reports its model loaded.
// Success clears any outage recorded by Synthesize, so a model retry
// resumes traffic without waiting out the cooldown.
func (e *HTTPEngine) Load(ctx context.Context) error {
	if err := e.checkHealth(ctx); err != nil {
		return fmt.Errorf("%w (model server %s)", err, e.outage.status())
	}
	e.outage.reset()
	return nil
}

func (e *HTTPEngine) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	e.setHeaders(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("model server unreachable: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return &statusError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	if r := gjson.GetBytes(body, "model_loaded"); r.Exists() && !r.Bool() {
		return fmt.Errorf("model server is up but its model is not loaded")
	}
	return nil
}

// Synthesize posts one utterance, retrying rate limits and gateway errors with
// exponential backoff. While the server is marked down it fails fast.
func (e *HTTPEngine) Synthesize(ctx context.Context, p core.SynthesisParams) ([]byte, error) {
	if err := e.outage.allow(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(synthesizeRequest{
		Text:       p.Text,
		Language:   p.Language,
		SpeakerWav: p.ReferencePath,
		Speed:      p.Speed,
		Model:      e.cfg.Model,
	})
	if err != nil {
		e.outage.record(outcomeNeutral)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	audio, result, err := e.send(ctx, payload)
	e.outage.record(result)
	return audio, err
}

// send runs the retry loop and classifies its result for the outage tracker.
func (e *HTTPEngine) send(ctx context.Context, payload []byte) ([]byte, outcome, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.backoff(attempt)
			slog.Debug("retrying model server request", "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, outcomeNeutral, ctx.Err()
			case <-time.After(backoff):
			}
		}

		audio, err := e.post(ctx, payload)
		if err == nil {
			return audio, outcomeOK, nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) {
			if !isRetryable(se.StatusCode) {
				if se.StatusCode >= 500 {
					return nil, outcomeFailed, err
				}
				// A rejected utterance says nothing about the server's health
				return nil, outcomeNeutral, err
			}
			continue
		}
		if ctx.Err() != nil {
			return nil, outcomeNeutral, err
		}
	}
	return nil, outcomeFailed, lastErr
}

func (e *HTTPEngine) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	e.setHeaders(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("model server returned no audio")
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil, fmt.Errorf("model server returned JSON instead of audio: %s", errorMessage(body))
	}
	return body, nil
}

// Close releases idle connections.
func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *HTTPEngine) setHeaders(req *http.Request) {
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
}

func (e *HTTPEngine) backoff(attempt int) time.Duration {
	b := float64(e.cfg.InitialBackoff) * math.Pow(e.cfg.BackoffFactor, float64(attempt-1))
	if b > float64(e.cfg.MaxBackoff) {
		b = float64(e.cfg.MaxBackoff)
	}
	return time.Duration(b)
}

func isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusGatewayTimeout
}

// errorMessage extracts a readable message from the error bodies produced by
// common Python model servers.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "detail.0.msg", "detail", "error", "message"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String && r.String() != "" {
				return r.String()
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		return "empty response"
	}
	return msg
}
