package usage

import (
	"context"
	"time"
)

// Grouping intervals accepted by GetDailyUsage.
const (
	IntervalDaily   = "daily"
	IntervalWeekly  = "weekly"
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

// UsageQueryParams specifies the query parameters for usage data retrieval.
type UsageQueryParams struct {
	StartDate time.Time // Inclusive start (day precision)
	EndDate   time.Time // Inclusive end (day precision)
	Interval  string    // "daily", "weekly", "monthly", "yearly"
}

// UsageSummary holds aggregated usage statistics over a time period.
type UsageSummary struct {
	TotalRequests int   `json:"total_requests"`
	CacheHits     int   `json:"cache_hits"`
	CacheMisses   int   `json:"cache_misses"`
	Errors        int   `json:"errors"`
	BytesServed   int64 `json:"bytes_served"`
	TextChars     int64 `json:"text_chars"`

	// AvgSynthesisMs is the mean duration of successful misses, the requests
	// that actually ran the engine.
	AvgSynthesisMs float64 `json:"avg_synthesis_ms"`
}

// HitRatio is the fraction of successful requests served from the cache.
func (s *UsageSummary) HitRatio() float64 {
	served := s.CacheHits + s.CacheMisses
	if served == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(served)
}

// DailyUsage holds usage statistics for a single period.
// Date holds the period label: YYYY-MM-DD for daily, YYYY-Www for weekly,
// YYYY-MM for monthly, or YYYY for yearly intervals.
type DailyUsage struct {
	Date        string `json:"date"`
	Requests    int    `json:"requests"`
	CacheHits   int    `json:"cache_hits"`
	CacheMisses int    `json:"cache_misses"`
	Errors      int    `json:"errors"`
	BytesServed int64  `json:"bytes_served"`
}

// UsageReader provides read access to usage data for the admin API.
type UsageReader interface {
	// GetSummary returns aggregated usage statistics for the given date range.
	// Zero dates leave that side of the range open.
	GetSummary(ctx context.Context, params UsageQueryParams) (*UsageSummary, error)

	// GetDailyUsage returns usage statistics grouped by the specified interval.
	GetDailyUsage(ctx context.Context, params UsageQueryParams) ([]DailyUsage, error)
}

// bounds turns inclusive day-precision dates into a half-open UTC range.
func (p UsageQueryParams) bounds() (start, end time.Time) {
	if !p.StartDate.IsZero() {
		s := p.StartDate.UTC()
		start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC)
	}
	if !p.EndDate.IsZero() {
		e := p.EndDate.UTC()
		end = time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
	return start, end
}

func (p UsageQueryParams) interval() string {
	switch p.Interval {
	case IntervalWeekly, IntervalMonthly, IntervalYearly:
		return p.Interval
	default:
		return IntervalDaily
	}
}
