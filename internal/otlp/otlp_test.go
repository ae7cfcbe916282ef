package otlp

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"testing"

	"github.com/lipish/xtrace/internal/store"
)

const traceIDHex = "0102030405060708090a0b0c0d0e0f10"
const rootSpanIDHex = "1112131415161718"
const childSpanIDHex = "2122232425262728"

func otlpJSONPayload(t *testing.T) []byte {
	t.Helper()
	payload := map[string]any{
		"resourceSpans": []any{
			map[string]any{
				"resource": map[string]any{
					"attributes": []any{
						map[string]any{"key": "service.name", "value": map[string]any{"stringValue": "agent-svc"}},
					},
				},
				"scopeSpans": []any{
					map[string]any{
						"spans": []any{
							map[string]any{
								"traceId":           traceIDHex,
								"spanId":            rootSpanIDHex,
								"name":              "cycle",
								"startTimeUnixNano": "1700000000000000000",
								"endTimeUnixNano":   "1700000001000000000",
								"attributes": []any{
									map[string]any{"key": "user.id", "value": map[string]any{"stringValue": "u-1"}},
									map[string]any{"key": "session.id", "value": map[string]any{"stringValue": "s-1"}},
									map[string]any{"key": "langfuse.trace.tags", "value": map[string]any{"arrayValue": map[string]any{
										"values": []any{map[string]any{"stringValue": "demo"}},
									}}},
								},
							},
							map[string]any{
								"traceId":           traceIDHex,
								"spanId":            childSpanIDHex,
								"parentSpanId":      rootSpanIDHex,
								"name":              "generate",
								"startTimeUnixNano": "1700000000500000000",
								"endTimeUnixNano":   "1700000000900000000",
								"attributes": []any{
									map[string]any{"key": "langfuse.observation.type", "value": map[string]any{"stringValue": "generation"}},
									map[string]any{"key": "gen_ai.request.model", "value": map[string]any{"stringValue": "gpt-test"}},
									map[string]any{"key": "langfuse.observation.usage_details", "value": map[string]any{
										"stringValue": `{"promptTokens":13,"completionTokens":353,"totalTokens":366}`,
									}},
								},
							},
						},
					},
				},
			},
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return b
}

func TestDecodeJSONBuildsTraceAndObservations(t *testing.T) {
	body := otlpJSONPayload(t)
	batch, err := Decode("default", "application/json", "", body)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	if len(batch.Traces) != 1 {
		t.Fatalf("len(Traces) = %d, want 1", len(batch.Traces))
	}
	trace := batch.Traces[0]
	if trace.Name == nil || *trace.Name != "cycle" {
		t.Fatalf("trace name = %v, want cycle (root span name)", trace.Name)
	}
	if trace.UserID == nil || *trace.UserID != "u-1" {
		t.Fatalf("trace user id = %v, want u-1", trace.UserID)
	}
	if len(trace.Tags) != 1 || trace.Tags[0] != "demo" {
		t.Fatalf("trace tags = %v, want [demo]", trace.Tags)
	}

	if len(batch.Observations) != 2 {
		t.Fatalf("len(Observations) = %d, want 2", len(batch.Observations))
	}

	var root, child *store.Observation
	for _, o := range batch.Observations {
		if o.Name == nil {
			continue
		}
		switch *o.Name {
		case "cycle":
			root = o
		case "generate":
			child = o
		}
	}
	if root == nil || child == nil {
		t.Fatalf("expected both root and child observations, got %#v", batch.Observations)
	}
	if root.ParentObservationID != nil {
		t.Fatalf("root observation has a parent: %v", *root.ParentObservationID)
	}
	if child.ParentObservationID == nil || *child.ParentObservationID != root.ID {
		t.Fatalf("child parent = %v, want %q", child.ParentObservationID, root.ID)
	}
	if child.Type == nil || *child.Type != "GENERATION" {
		t.Fatalf("child type = %v, want GENERATION", child.Type)
	}
	if child.Model == nil || *child.Model != "gpt-test" {
		t.Fatalf("child model = %v, want gpt-test", child.Model)
	}
	if child.Usage == nil || child.Usage.Total != 366 {
		t.Fatalf("child usage = %+v, want total 366", child.Usage)
	}
}

func TestDecodeGzipJSON(t *testing.T) {
	body := otlpJSONPayload(t)
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(body); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	batch, err := Decode("default", "application/json", "gzip", buf.Bytes())
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(batch.Traces) != 1 {
		t.Fatalf("len(Traces) = %d, want 1", len(batch.Traces))
	}
}

func TestDecodeRejectsUnsupportedContentType(t *testing.T) {
	if _, err := Decode("default", "text/plain", "", []byte("nope")); err == nil {
		t.Fatal("Decode() error = nil, want unsupported content type error")
	}
}

func TestDecodeSkipsSpansWithMalformedIDs(t *testing.T) {
	payload := map[string]any{
		"resourceSpans": []any{
			map[string]any{
				"scopeSpans": []any{
					map[string]any{
						"spans": []any{
							map[string]any{"traceId": "not-hex", "spanId": rootSpanIDHex, "name": "bad"},
						},
					},
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	batch, err := Decode("default", "application/json", "", body)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(batch.Traces) != 0 || len(batch.Observations) != 0 {
		t.Fatalf("expected span with malformed trace id to be skipped, got %+v", batch)
	}
}

func TestTraceIDFromHex(t *testing.T) {
	if _, ok := traceIDFromHex("short"); ok {
		t.Fatal("traceIDFromHex() accepted a non-16-byte value")
	}
	id, ok := traceIDFromHex(traceIDHex)
	if !ok || id != traceIDHex {
		t.Fatalf("traceIDFromHex(%q) = %q, %v", traceIDHex, id, ok)
	}
}

func TestSpanIDToObservationIDZeroPadsLowHalf(t *testing.T) {
	id, ok := spanIDToObservationID(rootSpanIDHex)
	if !ok {
		t.Fatal("spanIDToObservationID() ok = false")
	}
	want := rootSpanIDHex + "0000000000000000"
	if id != want {
		t.Fatalf("spanIDToObservationID(%q) = %q, want %q", rootSpanIDHex, id, want)
	}
}

func TestParentSpanIDAllZeroSentinelMeansNoParent(t *testing.T) {
	if _, ok := parentSpanIDToObservationID("0000000000000000"); ok {
		t.Fatal("all-zero parent span id should mean no parent")
	}
	if _, ok := parentSpanIDToObservationID(""); ok {
		t.Fatal("empty parent span id should mean no parent")
	}
}
