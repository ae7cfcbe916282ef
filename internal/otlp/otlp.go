// Package otlp decodes OTLP/HTTP trace export requests (JSON or
// protobuf, optionally gzip-compressed) into the trace/observation rows
// the ingest queue understands. It reconstructs the trace/span tree from
// the wire's 16-byte trace ids and 8-byte span ids and promotes a fixed
// set of Langfuse-compatible span attributes onto the trace and
// observation rows they describe.
package otlp

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/lipish/xtrace/internal/ingest"
)

// Decode turns one OTLP ExportTraceServiceRequest body into a TraceBatch
// ready for ingest.TraceWriter.TryEnqueue. contentType and contentEncoding
// are the request's Content-Type and Content-Encoding header values.
func Decode(defaultProjectID, contentType, contentEncoding string, body []byte) (*ingest.TraceBatch, error) {
	body, err := maybeGunzip(contentEncoding, body)
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}

	var req exportTraceServiceRequest
	switch mediaType(contentType) {
	case "", "application/json":
		req, err = decodeJSON(body)
	case "application/x-protobuf", "application/protobuf":
		req, err = decodeProtobuf(body)
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
	if err != nil {
		return nil, err
	}

	return buildBatch(defaultProjectID, req), nil
}

func mediaType(contentType string) string {
	t, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(t))
}

func maybeGunzip(contentEncoding string, body []byte) ([]byte, error) {
	if !strings.Contains(strings.ToLower(contentEncoding), "gzip") {
		return body, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
