package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/lipish/xtrace/internal/apierror"
	"github.com/lipish/xtrace/internal/store"
)

const (
	defaultTracePage  = 1
	defaultTraceLimit = 50
	maxTraceLimit     = 200
)

// traceListHandler answers GET /api/public/traces.
func traceListHandler(db store.Store, defaultProjectID string, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		query := r.URL.Query()

		orderBy, err := parseOrderBy(query.Get("orderBy"))
		if err != nil {
			respondError(w, log, r, err)
			return
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
		fromTS, _, err := parseTimeQuery(query.Get("fromTimestamp"))
		if err != nil {
			respondError(w, log, r, apierror.BadRequest(err.Error()))
			return
		}
		toTS, _, err := parseTimeQuery(query.Get("toTimestamp"))
		if err != nil {
			respondError(w, log, r, apierror.BadRequest(err.Error()))
			return
		}

		filter := store.TraceFilter{
			ProjectID:     defaultProjectID,
			UserID:        query.Get("userId"),
			Name:          query.Get("name"),
			SessionID:     query.Get("sessionId"),
			FromTimestamp: fromTS,
			ToTimestamp:   toTS,
			Tags:          parseMultiValue(query, "tags"),
			Version:       query.Get("version"),
			Release:       query.Get("release"),
			Environment:   parseMultiValue(query, "environment"),
			Page:          page,
			Limit:         limit,
			OrderBy:       orderBy,
		}

		result, err := db.QueryTraces(r.Context(), filter)
		if err != nil {
			respondError(w, log, r, err)
			return
		}

		fields := parseFields(query.Get("fields"))
		rows := make([]map[string]any, 0, len(result.Items))
		for _, trace := range result.Items {
			rows = append(rows, projectTrace(trace, nil, fields))
		}

		writeSuccess(w, http.StatusOK, rows, map[string]any{
			"page":       result.Page,
			"limit":      result.Limit,
			"totalItems": result.TotalItems,
			"totalPages": result.TotalPages,
		})
	})
}

// traceDetailHandler answers GET /api/public/traces/{id}.
func traceDetailHandler(db store.Store, defaultProjectID string, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/public/traces/")
		if id == "" || id == r.URL.Path {
			respondError(w, log, r, apierror.NotFound("trace not found"))
			return
		}

		trace, observations, err := db.GetTrace(r.Context(), defaultProjectID, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondError(w, log, r, apierror.NotFound("trace not found"))
				return
			}
			respondError(w, log, r, err)
			return
		}

		sort.SliceStable(observations, func(i, j int) bool {
			return observations[i].StartTime.Before(observations[j].StartTime)
		})

		fields := parseFields(r.URL.Query().Get("fields"))
		fields.observations = true
		row := projectTrace(trace, observations, fields)
		writeSuccess(w, http.StatusOK, row, nil)
	})
}

// projectTrace flattens a store.Trace (plus optional observations) into
// the response row shape, applying the ?fields= elision rules from §4.5:
// io absent elides input/output/metadata, metrics absent reports -1 for
// latency/totalCost, observations absent reports an empty list.
func projectTrace(trace *store.Trace, observations []*store.Observation, fields fieldsProjection) map[string]any {
	row := map[string]any{
		"id":          trace.ID,
		"projectId":   trace.ProjectID,
		"timestamp":   trace.Timestamp.UTC().Format(rfc3339Micro),
		"name":        trace.Name,
		"userId":      trace.UserID,
		"sessionId":   trace.SessionID,
		"release":     trace.Release,
		"version":     trace.Version,
		"tags":        trace.Tags,
		"public":      trace.Public,
		"externalId":  trace.ExternalID,
		"bookmarked":  trace.Bookmarked,
		"environment": trace.Environment,
	}

	if fields.io {
		row["metadata"] = rawMessageOrNil(trace.Metadata)
		row["input"] = rawMessageOrNil(trace.Input)
		row["output"] = rawMessageOrNil(trace.Output)
	}

	if fields.metrics {
		row["latency"] = floatOrZero(trace.LatencyS)
		row["totalCost"] = floatOrZero(trace.TotalCost)
	} else {
		row["latency"] = -1
		row["totalCost"] = -1
	}

	if fields.observations {
		rows := make([]map[string]any, 0, len(observations))
		for _, obs := range observations {
			rows = append(rows, projectObservation(obs, fields))
		}
		row["observations"] = rows
	} else {
		row["observations"] = []map[string]any{}
	}

	return row
}

func projectObservation(obs *store.Observation, fields fieldsProjection) map[string]any {
	row := map[string]any{
		"id":                  obs.ID,
		"traceId":             obs.TraceID,
		"type":                obs.Type,
		"name":                obs.Name,
		"startTime":           obs.StartTime.UTC().Format(rfc3339Micro),
		"model":               obs.Model,
		"level":               obs.Level,
		"statusMessage":       obs.StatusMessage,
		"parentObservationId": obs.ParentObservationID,
	}
	if obs.EndTime != nil {
		row["endTime"] = obs.EndTime.UTC().Format(rfc3339Micro)
	} else {
		row["endTime"] = nil
	}
	if fields.io {
		row["modelParameters"] = rawMessageOrNil(obs.ModelParameters)
		row["input"] = rawMessageOrNil(obs.Input)
		row["output"] = rawMessageOrNil(obs.Output)
		row["metadata"] = rawMessageOrNil(obs.Metadata)
	}
	if obs.Usage != nil {
		row["usage"] = map[string]any{
			"input":  obs.Usage.Input,
			"output": obs.Usage.Output,
			"total":  obs.Usage.Total,
			"unit":   obs.Usage.Unit,
		}
	}
	if fields.metrics {
		row["latency"] = floatOrZero(obs.LatencyS)
		row["totalCost"] = floatOrZero(obs.TotalCost)
	} else {
		row["latency"] = -1
		row["totalCost"] = -1
	}
	return row
}

const rfc3339Micro = "2006-01-02T15:04:05.000000Z07:00"

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func rawMessageOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return json.RawMessage(raw)
}
