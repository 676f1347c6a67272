// Package observability exports Prometheus metrics for synthesis, the audio
// cache and the model lifecycle.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gotts/internal/cache"
	"gotts/internal/core"
	"gotts/internal/model"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gotts",
			Name:      "requests_total",
			Help:      "Synthesis requests by cache status and outcome",
		},
		[]string{"cache", "outcome"},
	)

	synthesisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gotts",
			Name:      "engine_duration_seconds",
			Help:      "Time spent in the synthesis engine per cache miss",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"language"},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gotts",
			Name:      "cache_size_bytes",
			Help:      "Current size of the audio cache",
		},
	)

	evictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gotts",
			Name:      "cache_evicted_entries_total",
			Help:      "Cache entries removed by eviction",
		},
	)

	evictedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gotts",
			Name:      "cache_evicted_bytes_total",
			Help:      "Bytes freed by eviction",
		},
	)

	evictionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gotts",
			Name:      "cache_eviction_failures_total",
			Help:      "Cache entries that could not be removed during a sweep",
		},
	)

	modelState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gotts",
			Name:      "model_state",
			Help:      "1 for the current model state, 0 otherwise",
		},
		[]string{"state"},
	)

	modelLoadAttempts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gotts",
			Name:      "model_load_attempts",
			Help:      "Number of model load attempts since startup",
		},
	)
)

var allStates = []model.State{model.Unloaded, model.Loading, model.Ready, model.Failed}

// PrometheusHooks records orchestrator and gate events as Prometheus metrics.
type PrometheusHooks struct{}

// NewPrometheusHooks returns hooks backed by the default registry.
func NewPrometheusHooks() *PrometheusHooks {
	return &PrometheusHooks{}
}

// Request counts one finished request. errType is empty on success.
func (PrometheusHooks) Request(status core.CacheStatus, errType core.ErrorType) {
	cacheLabel := string(status)
	if cacheLabel == "" {
		cacheLabel = "none"
	}
	outcome := "ok"
	if errType != "" {
		outcome = string(errType)
	}
	requestsTotal.WithLabelValues(cacheLabel, outcome).Inc()
}

// EngineDuration observes one engine call.
func (PrometheusHooks) EngineDuration(language string, d time.Duration) {
	synthesisDuration.WithLabelValues(language).Observe(d.Seconds())
}

// CacheSize sets the cache size gauge.
func (PrometheusHooks) CacheSize(bytes int64) {
	cacheBytes.Set(float64(bytes))
}

// Eviction records the outcome of one sweep.
func (PrometheusHooks) Eviction(r cache.EvictionResult) {
	evictedTotal.Add(float64(r.Removed))
	evictedBytesTotal.Add(float64(r.FreedBytes))
	evictionFailuresTotal.Add(float64(r.Failed))
	cacheBytes.Set(float64(r.After))
}

// ModelState is a model.Options.OnChange callback.
func (PrometheusHooks) ModelState(s model.Snapshot) {
	for _, st := range allStates {
		v := 0.0
		if st == s.State {
			v = 1
		}
		modelState.WithLabelValues(st.String()).Set(v)
	}
	modelLoadAttempts.Set(float64(s.Attempts))
}
