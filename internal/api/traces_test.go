package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lipish/xtrace/internal/store"
)

func strp(s string) *string { return &s }
func floatp(f float64) *float64 { return &f }

func TestTraceListHandlerAppliesFieldsElision(t *testing.T) {
	fs := newFakeStore()
	fs.traceList = &store.TraceListResult{
		Items: []*store.Trace{
			{
				ID:        "t1",
				ProjectID: "proj1",
				Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				Name:      strp("root"),
				Metadata:  []byte(`{"k":"v"}`),
				LatencyS:  floatp(1.5),
				TotalCost: floatp(0.25),
			},
		},
		Page:       1,
		Limit:      50,
		TotalItems: 1,
		TotalPages: 1,
	}
	handler := traceListHandler(fs, "proj1", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/public/traces", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var payload struct {
		Data []map[string]any `json:"data"`
		Meta map[string]any   `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Data) != 1 {
		t.Fatalf("data len=%d, want 1", len(payload.Data))
	}
	row := payload.Data[0]
	if _, ok := row["metadata"]; ok {
		t.Fatalf("row must elide metadata without fields=io, got %v", row["metadata"])
	}
	if lat, ok := row["latency"].(float64); !ok || lat != -1 {
		t.Fatalf("latency=%v, want -1 (metrics not requested)", row["latency"])
	}
	obs, ok := row["observations"].([]any)
	if !ok || len(obs) != 0 {
		t.Fatalf("observations=%v, want empty list", row["observations"])
	}
	if payload.Meta["totalItems"].(float64) != 1 {
		t.Fatalf("meta.totalItems=%v, want 1", payload.Meta["totalItems"])
	}
}

func TestTraceListHandlerIncludesIOAndMetricsWhenRequested(t *testing.T) {
	fs := newFakeStore()
	fs.traceList = &store.TraceListResult{
		Items: []*store.Trace{
			{
				ID:        "t1",
				ProjectID: "proj1",
				Timestamp: time.Now().UTC(),
				Metadata:  []byte(`{"k":"v"}`),
				LatencyS:  floatp(2.5),
				TotalCost: floatp(0.5),
			},
		},
		Page: 1, Limit: 50, TotalItems: 1, TotalPages: 1,
	}
	handler := traceListHandler(fs, "proj1", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/public/traces?fields=io,metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var payload struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	row := payload.Data[0]
	if row["metadata"] == nil {
		t.Fatalf("expected metadata present with fields=io")
	}
	if lat := row["latency"].(float64); lat != 2.5 {
		t.Fatalf("latency=%v, want 2.5", lat)
	}
}

func TestTraceListHandlerRejectsInvalidOrderBy(t *testing.T) {
	fs := newFakeStore()
	handler := traceListHandler(fs, "proj1", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/public/traces?orderBy=bogus", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusBadRequest)
	}
	assertErrorEnvelope(t, rec.Body.Bytes(), "BAD_REQUEST")
}

func TestTraceDetailHandlerReturnsNotFoundForMissingID(t *testing.T) {
	fs := newFakeStore()
	handler := traceDetailHandler(fs, "proj1", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/public/traces/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want %d, body=%s", rec.Code, http.StatusNotFound, rec.Body.String())
	}
	assertErrorEnvelope(t, rec.Body.Bytes(), "NOT_FOUND")
}

func TestTraceDetailHandlerSortsObservationsByStartTime(t *testing.T) {
	fs := newFakeStore()
	fs.traces["t1"] = &store.Trace{ID: "t1", ProjectID: "proj1", Timestamp: time.Now().UTC()}
	later := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs.observations["t1"] = []*store.Observation{
		{ID: "o2", TraceID: "t1", StartTime: later},
		{ID: "o1", TraceID: "t1", StartTime: earlier},
	}
	handler := traceDetailHandler(fs, "proj1", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/public/traces/t1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var payload struct {
		Data struct {
			Observations []map[string]any `json:"observations"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Data.Observations) != 2 {
		t.Fatalf("observations len=%d, want 2", len(payload.Data.Observations))
	}
	if payload.Data.Observations[0]["id"] != "o1" {
		t.Fatalf("first observation=%v, want o1 (earliest start_time)", payload.Data.Observations[0]["id"])
	}
}
