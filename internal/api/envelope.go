// Package api implements the HTTP surface (C7): route dispatch, request
// decoding, the uniform response envelope, and error mapping at the
// outer boundary. It calls into auth, ratelimit, ingest, otlp, and store
// but owns no domain logic of its own.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lipish/xtrace/internal/apierror"
)

// successEnvelope is the shape of every 2xx response. Data is omitted
// entirely for ingest endpoints, which only confirm acceptance.
type successEnvelope struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Meta    any    `json:"meta,omitempty"`
}

// errorEnvelope is the shape of every non-2xx response. Data is always
// present and always null; code is always present.
type errorEnvelope struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Data    any    `json:"data"`
	Meta    any    `json:"meta,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"internal server error","code":"INTERNAL_ERROR","data":null}` + "\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

// writeSuccess writes the list/detail/rollup envelope: message plus data
// and optional meta.
func writeSuccess(w http.ResponseWriter, status int, data any, meta any) {
	writeJSON(w, status, successEnvelope{Message: "Request Successful.", Data: data, Meta: meta})
}

// writeIngestSuccess writes the no-payload ingest confirmation.
func writeIngestSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, successEnvelope{Message: "Request Successful."})
}

// writeAPIError writes err's status/code/message. meta carries
// rate-limit details when set; it is nil for every other error.
func writeAPIError(w http.ResponseWriter, err *apierror.Error, meta any) {
	writeJSON(w, err.Status, errorEnvelope{Message: err.Message, Code: err.Code, Data: nil, Meta: meta})
}

// respondError translates any error to the HTTP taxonomy at the
// boundary. Errors that are not already an *apierror.Error are logged
// with their real cause and reported to the client as a generic
// INTERNAL_ERROR, so no internal detail (a driver error, a file path)
// ever reaches the response body. The log line carries the request's
// correlation id so a client-reported failure can be matched back to
// the exact server-side error without exposing it in the response.
func respondError(w http.ResponseWriter, log *slog.Logger, r *http.Request, err error) {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		writeAPIError(w, apiErr, nil)
		return
	}
	if log != nil {
		log.Error("unhandled request error",
			"route", r.URL.Path,
			"request_id", requestIDFromContext(r.Context()),
			"error", err)
	}
	writeAPIError(w, apierror.Internal("internal error"), nil)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeAPIError(w, apierror.New(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed"), nil)
	return false
}
