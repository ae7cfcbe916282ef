package api

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/lipish/xtrace/internal/apierror"
	"github.com/lipish/xtrace/internal/store"
)

const dailyRollupDefaultWindow = 30 * 24 * time.Hour

// metricNamesHandler answers GET /api/public/metrics/names.
func metricNamesHandler(db store.Store, defaultProjectID string, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		names, err := db.QueryMetricNames(r.Context(), defaultProjectID)
		if err != nil {
			respondError(w, log, r, err)
			return
		}
		sort.Strings(names)
		writeSuccess(w, http.StatusOK, names, nil)
	})
}

// metricsQueryHandler answers GET /api/public/metrics/query.
func metricsQueryHandler(db store.Store, defaultProjectID string, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		query := r.URL.Query()
		name := query.Get("name")
		if name == "" {
			respondError(w, log, r, apierror.BadRequest("name is required"))
			return
		}

		now := time.Now().UTC()
		fromTS, fromOK, err := parseTimeQuery(query.Get("from"))
		if err != nil {
			respondError(w, log, r, apierror.BadRequest(err.Error()))
			return
		}
		toTS, toOK, err := parseTimeQuery(query.Get("to"))
		if err != nil {
			respondError(w, log, r, apierror.BadRequest(err.Error()))
			return
		}
		if !toOK {
			toTS = now
		}
		if !fromOK {
			fromTS = toTS.Add(-1 * time.Hour)
		}
		if fromTS.After(toTS) {
			respondError(w, log, r, apierror.BadRequest("from must not be after to"))
			return
		}

		step, err := parseStep(query.Get("step"))
		if err != nil {
			respondError(w, log, r, err)
			return
		}
		agg, err := parseAgg(query.Get("agg"))
		if err != nil {
			respondError(w, log, r, err)
			return
		}
		labels, err := parseLabels(query.Get("labels"))
		if err != nil {
			respondError(w, log, r, err)
			return
		}

		result, err := db.QueryMetrics(r.Context(), store.MetricQuery{
			ProjectID: defaultProjectID,
			Name:      name,
			From:      fromTS,
			To:        toTS,
			Labels:    labels,
			StepS:     step,
			Agg:       agg,
			GroupBy:   query.Get("group_by"),
		})
		if err != nil {
			respondError(w, log, r, err)
			return
		}

		data := make([]map[string]any, 0, len(result.Series))
		for _, series := range result.Series {
			points := make([]map[string]any, 0, len(series.Points))
			for _, point := range series.Points {
				points = append(points, map[string]any{
					"timestamp": point.Timestamp.UTC().Format(rfc3339Micro),
					"value":     point.Value,
				})
			}
			data = append(data, map[string]any{
				"labels": series.Labels,
				"points": points,
			})
		}

		meta := map[string]any{
			"series_count": result.SeriesCount,
			"truncated":    result.Truncated,
		}
		if result.LatestTS != nil {
			meta["latest_ts"] = result.LatestTS.UTC().Format(rfc3339Micro)
		}

		writeSuccess(w, http.StatusOK, data, meta)
	})
}

// dailyRollupHandler answers GET /api/public/metrics/daily: one row per
// UTC calendar day in the window, paginated like the trace list (§4.5).
func dailyRollupHandler(db store.Store, defaultProjectID string, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		query := r.URL.Query()
		now := time.Now().UTC()
		fromTS, fromOK, err := parseTimeQuery(query.Get("fromTimestamp"))
		if err != nil {
			respondError(w, log, r, apierror.BadRequest(err.Error()))
			return
		}
		toTS, toOK, err := parseTimeQuery(query.Get("toTimestamp"))
		if err != nil {
			respondError(w, log, r, apierror.BadRequest(err.Error()))
			return
		}
		if !toOK {
			toTS = now
		}
		if !fromOK {
			fromTS = toTS.Add(-dailyRollupDefaultWindow)
		}
		page, err := parseIntQuery(query.Get("page"), "page", 1, 0)
		if err != nil {
			respondError(w, log, r, apierror.BadRequest(err.Error()))
			return
		}
		if page == 0 {
			page = defaultTracePage
		}
		limit, err := parseIntQuery(query.Get("limit"), "limit", 1, maxTraceLimit)
		if err != nil {
			respondError(w, log, r, apierror.BadRequest(err.Error()))
			return
		}
		if limit == 0 {
			limit = defaultTraceLimit
		}

		rollup, err := db.GetDailyRollup(r.Context(), store.DailyRollupFilter{
			ProjectID:     defaultProjectID,
			TraceName:     query.Get("traceName"),
			UserID:        query.Get("userId"),
			Tags:          parseMultiValue(query, "tags"),
			FromTimestamp: fromTS,
			ToTimestamp:   toTS,
			Version:       query.Get("version"),
			Release:       query.Get("release"),
			Page:          page,
			Limit:         limit,
		})
		if err != nil {
			respondError(w, log, r, err)
			return
		}

		items := make([]map[string]any, 0, len(rollup.Items))
		for _, item := range rollup.Items {
			usage := make([]map[string]any, 0, len(item.ByModel))
			for _, m := range item.ByModel {
				usage = append(usage, map[string]any{
					"model":             m.Model,
					"inputUsage":        m.InputUsage,
					"outputUsage":       m.OutputUsage,
					"totalUsage":        m.TotalUsage,
					"countTraces":       m.CountTraces,
					"countObservations": m.CountObservations,
					"totalCost":         m.TotalCost,
				})
			}
			items = append(items, map[string]any{
				"date":              item.Date,
				"countTraces":       item.CountTraces,
				"countObservations": item.CountObservations,
				"totalCost":         item.TotalCost,
				"usage":             usage,
			})
		}

		writeSuccess(w, http.StatusOK, items, map[string]any{
			"page":       rollup.Page,
			"limit":      rollup.Limit,
			"totalItems": rollup.TotalItems,
			"totalPages": rollup.TotalPages,
		})
	})
}
