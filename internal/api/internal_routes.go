package api

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/lipish/xtrace/internal/ratelimit"
)

// rateLimitStatsHandler answers GET /api/internal/rate_limit_stats with
// the limiter's aggregated counters. It is deliberately unauthenticated
// (§4.6): it exposes only process-wide counts, no per-principal detail.
// Alongside the raw counters it includes a "summary" string an operator
// can read at a glance without doing the comma-grouping in their head.
func rateLimitStatsHandler(limiter *ratelimit.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		stats := limiter.Stats()
		summary := humanize.Comma(stats.AllowedTotal) + " allowed, " +
			humanize.Comma(stats.RejectedTotal) + " rejected across " +
			humanize.Comma(int64(stats.ActiveBuckets)) + " active buckets"
		writeSuccess(w, http.StatusOK, map[string]any{
			"active_buckets": stats.ActiveBuckets,
			"allowed_total":  stats.AllowedTotal,
			"rejected_total": stats.RejectedTotal,
			"sustained_qps":  stats.SustainedQPS,
			"burst":          stats.Burst,
			"summary":        summary,
		}, nil)
	})
}
