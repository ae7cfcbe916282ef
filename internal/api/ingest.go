package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/lipish/xtrace/internal/apierror"
	"github.com/lipish/xtrace/internal/ingest"
	"github.com/lipish/xtrace/internal/observability"
	"github.com/lipish/xtrace/internal/otlp"
	"github.com/lipish/xtrace/internal/store"
)

const (
	ingestBodyLimit = 4 << 20  // 4 MiB per batch request
	otlpBodyLimit   = 16 << 20 // OTLP exports can carry many spans
)

// batchHandler answers POST /v1/l/batch: an optional trace plus zero or
// more observations, enqueued together so they land in the same
// micro-batch transaction.
func batchHandler(traceWriter *ingest.TraceWriter, defaultProjectID string, obs *observability.Runtime, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		var req batchIngestRequest
		if err := decodeIngestBody(r, ingestBodyLimit, &req); err != nil {
			respondError(w, log, r, err)
			return
		}
		if req.Trace != nil && req.Trace.ID == "" {
			respondError(w, log, r, apierror.BadRequest("trace.id is required"))
			return
		}
		for i := range req.Observations {
			if req.Observations[i].ID == "" || req.Observations[i].TraceID == "" {
				respondError(w, log, r, apierror.BadRequest("observations[].id and traceId are required"))
				return
			}
		}

		batch := ingest.TraceBatch{}
		now := timeNow()
		if req.Trace != nil {
			batch.Traces = append(batch.Traces, req.Trace.toStoreTrace(defaultProjectID, now))
		}
		for i := range req.Observations {
			batch.Observations = append(batch.Observations, req.Observations[i].toStoreObservation(defaultProjectID, now))
		}

		enqueueTraceBatch(w, r, traceWriter, batch, obs, log)
	})
}

// traceHandler answers POST /v1/l/traces: a single trace row, for
// clients and debugging tools that don't want to build a batch envelope.
func traceHandler(traceWriter *ingest.TraceWriter, defaultProjectID string, obs *observability.Runtime, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		var req traceIngestRequest
		if err := decodeIngestBody(r, ingestBodyLimit, &req); err != nil {
			respondError(w, log, r, err)
			return
		}
		if req.ID == "" {
			respondError(w, log, r, apierror.BadRequest("id is required"))
			return
		}

		batch := ingest.TraceBatch{Traces: []*store.Trace{req.toStoreTrace(defaultProjectID, timeNow())}}
		enqueueTraceBatch(w, r, traceWriter, batch, obs, log)
	})
}

// observationHandler answers POST /v1/l/observations: a single
// observation row.
func observationHandler(traceWriter *ingest.TraceWriter, defaultProjectID string, obs *observability.Runtime, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		var req observationIngestRequest
		if err := decodeIngestBody(r, ingestBodyLimit, &req); err != nil {
			respondError(w, log, r, err)
			return
		}
		if req.ID == "" || req.TraceID == "" {
			respondError(w, log, r, apierror.BadRequest("id and traceId are required"))
			return
		}

		batch := ingest.TraceBatch{Observations: []*store.Observation{req.toStoreObservation(defaultProjectID, timeNow())}}
		enqueueTraceBatch(w, r, traceWriter, batch, obs, log)
	})
}

// metricsBatchHandler answers POST /v1/metrics/batch: a list of metric
// points destined for the separate, higher-capacity metrics queue.
func metricsBatchHandler(metricWriter *ingest.MetricWriter, defaultProjectID string, obs *observability.Runtime, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		var req metricsBatchIngestRequest
		if err := decodeIngestBody(r, ingestBodyLimit, &req); err != nil {
			respondError(w, log, r, err)
			return
		}
		for i := range req.Points {
			if req.Points[i].Name == "" {
				respondError(w, log, r, apierror.BadRequest("points[].name is required"))
				return
			}
		}

		now := timeNow()
		points := make([]*store.MetricPoint, 0, len(req.Points))
		for i := range req.Points {
			points = append(points, req.Points[i].toStoreMetricPoint(defaultProjectID, now))
		}

		result := metricWriter.TryEnqueue(points)
		if apiErr := translateEnqueueResult(result); apiErr != nil {
			if result == ingest.EnqueueRejectedFull {
				obs.RecordQueueDrop(r.URL.Path, apiErr.Status)
			}
			writeAPIError(w, apiErr, nil)
			return
		}
		writeIngestSuccess(w)
	})
}

// otlpTracesHandler answers POST /api/public/otel/v1/traces: an
// OTLP/HTTP ExportTraceServiceRequest, decoded into the same TraceBatch
// shape the native ingest routes produce.
func otlpTracesHandler(traceWriter *ingest.TraceWriter, defaultProjectID string, obs *observability.Runtime, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, otlpBodyLimit))
		if err != nil {
			respondError(w, log, r, apierror.BadRequest("failed to read request body"))
			return
		}

		batch, err := otlp.Decode(defaultProjectID, r.Header.Get("Content-Type"), r.Header.Get("Content-Encoding"), body)
		if err != nil {
			respondError(w, log, r, apierror.BadRequest(err.Error()))
			return
		}

		enqueueTraceBatch(w, r, traceWriter, *batch, obs, log)
	})
}

func enqueueTraceBatch(w http.ResponseWriter, r *http.Request, traceWriter *ingest.TraceWriter, batch ingest.TraceBatch, obs *observability.Runtime, log *slog.Logger) {
	result := traceWriter.TryEnqueue(batch)
	if apiErr := translateEnqueueResult(result); apiErr != nil {
		if result == ingest.EnqueueRejectedFull {
			obs.RecordQueueDrop(r.URL.Path, apiErr.Status)
		}
		writeAPIError(w, apiErr, nil)
		return
	}
	writeIngestSuccess(w)
}

func decodeIngestBody(r *http.Request, limit int64, dst any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, limit))
	if err := decoder.Decode(dst); err != nil {
		return apierror.BadRequest("malformed request body: " + err.Error())
	}
	return nil
}
