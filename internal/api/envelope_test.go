package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lipish/xtrace/internal/apierror"
)

func TestWriteSuccessOmitsCodeField(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSuccess(rec, http.StatusOK, map[string]string{"id": "1"}, nil)

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := payload["code"]; ok {
		t.Fatalf("2xx response must omit code, got %v", payload["code"])
	}
	if payload["message"] != "Request Successful." {
		t.Fatalf("message=%v, want Request Successful.", payload["message"])
	}
}

func TestWriteIngestSuccessOmitsData(t *testing.T) {
	rec := httptest.NewRecorder()
	writeIngestSuccess(rec)

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := payload["data"]; ok {
		t.Fatalf("ingest success must omit data entirely, got %v", payload["data"])
	}
}

func TestWriteAPIErrorAlwaysIncludesNullData(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAPIError(rec, apierror.BadRequest("bad input"), nil)

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := payload["data"]; !ok {
		t.Fatalf("error envelope must always include data key")
	}
	if payload["data"] != nil {
		t.Fatalf("data=%v, want null", payload["data"])
	}
	if payload["code"] != "BAD_REQUEST" {
		t.Fatalf("code=%v, want BAD_REQUEST", payload["code"])
	}
}

func TestRespondErrorTranslatesUnknownErrorsToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/some/path", nil)
	respondError(rec, testLogger(), req, errors.New("driver: connection refused"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusInternalServerError)
	}
	assertErrorEnvelope(t, rec.Body.Bytes(), "INTERNAL_ERROR")
}

func TestRespondErrorPassesThroughAPIError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/some/path", nil)
	respondError(rec, testLogger(), req, apierror.NotFound("trace not found"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusNotFound)
	}
	assertErrorEnvelope(t, rec.Body.Bytes(), "NOT_FOUND")
}

func TestRequireMethodSetsAllowHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)

	if requireMethod(rec, req, http.MethodGet) {
		t.Fatalf("requireMethod should return false for mismatched method")
	}
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if rec.Header().Get("Allow") == "" {
		t.Fatalf("expected Allow header to be set")
	}
}
