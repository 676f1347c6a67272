package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"gotts/internal/core"
	"gotts/internal/model"
	"gotts/internal/synth"
	"gotts/internal/usage"
)

// Response headers set on /tts.
const (
	HeaderCache    = "X-Cache"
	HeaderCacheKey = "X-Cache-Key"
)

// Synthesizer produces audio and reports readiness.
type Synthesizer interface {
	Synthesize(ctx context.Context, req core.SynthesisRequest) (*synth.Result, error)
	Readiness() core.Readiness
}

// ModelController exposes the model gate to operators.
type ModelController interface {
	Retry(ctx context.Context) error
	Status() model.Snapshot
}

// RequestHooks receives one event per finished /tts request.
type RequestHooks interface {
	Request(status core.CacheStatus, errType core.ErrorType)
}

// Handler holds the HTTP handlers
type Handler struct {
	synth  Synthesizer
	usage  usage.LoggerInterface
	reader usage.UsageReader
	hooks  RequestHooks
	model  ModelController
}

// NewHandler creates a new handler
func NewHandler(s Synthesizer, cfg *Config) *Handler {
	h := &Handler{
		synth:  s,
		usage:  cfg.UsageLogger,
		reader: cfg.UsageReader,
		hooks:  cfg.Hooks,
		model:  cfg.Model,
	}
	if h.usage == nil {
		h.usage = usage.NoopLogger{}
	}
	return h
}

// Synthesize handles POST /tts
func (h *Handler) Synthesize(c echo.Context) error {
	start := time.Now()
	ctx := c.Request().Context()
	entry := usage.NewEntry(core.GetRequestID(ctx))

	var req core.SynthesisRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, entry, start, core.NewValidationError("invalid request body: "+bindMessage(err)))
	}
	entry.Language = req.Language
	entry.TextChars = utf8.RuneCountInString(req.Text)
	if req.Speed != nil {
		entry.Speed = *req.Speed
	}

	res, err := h.synth.Synthesize(ctx, req)
	if err != nil {
		return h.fail(c, entry, start, err)
	}
	defer res.Audio.Close() //nolint:errcheck

	entry.CacheStatus = string(res.Status)
	entry.CacheKey = string(res.Key)
	entry.Language = res.Language
	entry.Speed = res.Speed
	entry.Bytes = res.Size
	h.record(entry, start, res.Status, "")

	header := c.Response().Header()
	header.Set(HeaderCache, string(res.Status))
	header.Set(HeaderCacheKey, string(res.Key))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(res.Size, 10))
	return c.Stream(http.StatusOK, "audio/wav", res.Audio)
}

// Health handles GET /health. It answers 200 only when a synthesis request
// could be served right now.
func (h *Handler) Health(c echo.Context) error {
	r := h.synth.Readiness()
	status := http.StatusOK
	if r.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, r)
}

// ModelStatus handles GET /admin/model
func (h *Handler) ModelStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, snapshotJSON(h.model.Status()))
}

// RetryModel handles POST /admin/model/retry. It waits for the new attempt
// and reports its outcome.
func (h *Handler) RetryModel(c echo.Context) error {
	err := h.model.Retry(c.Request().Context())
	snap := snapshotJSON(h.model.Status())
	if err != nil {
		slog.Warn("model retry failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, snap)
	}
	return c.JSON(http.StatusOK, snap)
}

// UsageSummary handles GET /admin/usage/summary
func (h *Handler) UsageSummary(c echo.Context) error {
	params, err := usageParams(c)
	if err != nil {
		return handleError(c, err)
	}
	summary, err := h.reader.GetSummary(c.Request().Context(), params)
	if err != nil {
		slog.Error("failed to read usage summary", "error", err)
		return handleError(c, core.NewIOError("failed to read usage summary", err))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"summary":   summary,
		"hit_ratio": summary.HitRatio(),
	})
}

// DailyUsage handles GET /admin/usage/daily
func (h *Handler) DailyUsage(c echo.Context) error {
	params, err := usageParams(c)
	if err != nil {
		return handleError(c, err)
	}
	rows, err := h.reader.GetDailyUsage(c.Request().Context(), params)
	if err != nil {
		slog.Error("failed to read daily usage", "error", err)
		return handleError(c, core.NewIOError("failed to read daily usage", err))
	}
	return c.JSON(http.StatusOK, rows)
}

func usageParams(c echo.Context) (usage.UsageQueryParams, error) {
	var p usage.UsageQueryParams
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{{"start", &p.StartDate}, {"end", &p.EndDate}} {
		v := c.QueryParam(f.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return p, core.NewValidationError(fmt.Sprintf("%s must be a YYYY-MM-DD date", f.name))
		}
		*f.dst = t
	}
	switch p.Interval = c.QueryParam("interval"); p.Interval {
	case "", usage.IntervalDaily, usage.IntervalWeekly, usage.IntervalMonthly, usage.IntervalYearly:
	default:
		return p, core.NewValidationError("interval must be daily, weekly, monthly or yearly")
	}
	return p, nil
}

func (h *Handler) fail(c echo.Context, entry *usage.UsageEntry, start time.Time, err error) error {
	entry.SetError(err)
	h.record(entry, start, "", core.ErrorType(entry.ErrorType))
	return handleError(c, err)
}

func (h *Handler) record(entry *usage.UsageEntry, start time.Time, status core.CacheStatus, errType core.ErrorType) {
	entry.DurationMs = time.Since(start).Milliseconds()
	h.usage.Write(entry)
	if h.hooks != nil {
		h.hooks.Request(status, errType)
	}
}

type modelStatus struct {
	State    string    `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	Since    time.Time `json:"since"`
	Attempts int       `json:"attempts"`
}

func snapshotJSON(s model.Snapshot) modelStatus {
	return modelStatus{
		State:    s.State.String(),
		Reason:   s.Reason,
		Since:    s.Since,
		Attempts: s.Attempts,
	}
}

func bindMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return fmt.Sprint(he.Message)
	}
	return err.Error()
}

// handleError converts synthesis errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		// The client is gone; nobody reads this response
		return c.NoContent(499)
	}
	var synthErr *core.SynthesisError
	if errors.As(err, &synthErr) {
		return c.JSON(synthErr.HTTPStatusCode(), synthErr.ToJSON())
	}

	slog.Error("unexpected error", "error", err, "request_id", core.GetRequestID(c.Request().Context()))
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
