package otlp

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// The wire types below mirror the OTLP/JSON encoding directly (trace_id
// and span_id are hex strings, not the base64 a generic protojson
// unmarshal would expect), so decoding goes through these plain structs
// rather than protojson. The protobuf path fills the same structs from
// the generated proto types, keeping one conversion/extraction path for
// both wire formats.
type anyValue struct {
	StringValue *string     `json:"stringValue,omitempty"`
	IntValue    *string     `json:"intValue,omitempty"`
	DoubleValue *float64    `json:"doubleValue,omitempty"`
	BoolValue   *bool       `json:"boolValue,omitempty"`
	ArrayValue  *arrayValue `json:"arrayValue,omitempty"`
}

type arrayValue struct {
	Values []anyValue `json:"values"`
}

type keyValue struct {
	Key   string    `json:"key"`
	Value *anyValue `json:"value"`
}

type resource struct {
	Attributes []keyValue `json:"attributes"`
}

type span struct {
	TraceID           string     `json:"traceId"`
	SpanID            string     `json:"spanId"`
	ParentSpanID      string     `json:"parentSpanId"`
	Name              string     `json:"name"`
	StartTimeUnixNano string     `json:"startTimeUnixNano"`
	EndTimeUnixNano   string     `json:"endTimeUnixNano"`
	Attributes        []keyValue `json:"attributes"`
}

type scopeSpans struct {
	Spans []span `json:"spans"`
}

type resourceSpans struct {
	Resource   *resource    `json:"resource"`
	ScopeSpans []scopeSpans `json:"scopeSpans"`
}

type exportTraceServiceRequest struct {
	ResourceSpans []resourceSpans `json:"resourceSpans"`
}

func decodeJSON(body []byte) (exportTraceServiceRequest, error) {
	var req exportTraceServiceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return exportTraceServiceRequest{}, fmt.Errorf("decode otlp json: %w", err)
	}
	return req, nil
}

func decodeProtobuf(body []byte) (exportTraceServiceRequest, error) {
	var pb coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(body, &pb); err != nil {
		return exportTraceServiceRequest{}, fmt.Errorf("decode otlp protobuf: %w", err)
	}
	return pbToWire(&pb), nil
}

// pbToWire extracts only the fields the mapper reads. It deliberately
// discards everything else (events, links, status, scope, schema urls)
// rather than round-tripping the full proto tree.
func pbToWire(pb *coltracepb.ExportTraceServiceRequest) exportTraceServiceRequest {
	out := exportTraceServiceRequest{ResourceSpans: make([]resourceSpans, 0, len(pb.ResourceSpans))}
	for _, rs := range pb.ResourceSpans {
		var res *resource
		if rs.Resource != nil {
			r := resource{Attributes: pbAttributesToWire(rs.Resource.Attributes)}
			res = &r
		}
		scopes := make([]scopeSpans, 0, len(rs.ScopeSpans))
		for _, ss := range rs.ScopeSpans {
			spans := make([]span, 0, len(ss.Spans))
			for _, s := range ss.Spans {
				spans = append(spans, pbSpanToWire(s))
			}
			scopes = append(scopes, scopeSpans{Spans: spans})
		}
		out.ResourceSpans = append(out.ResourceSpans, resourceSpans{Resource: res, ScopeSpans: scopes})
	}
	return out
}

func pbSpanToWire(s *tracepb.Span) span {
	return span{
		TraceID:           hex.EncodeToString(s.TraceId),
		SpanID:            hex.EncodeToString(s.SpanId),
		ParentSpanID:      hex.EncodeToString(s.ParentSpanId),
		Name:              s.Name,
		StartTimeUnixNano: fmt.Sprintf("%d", s.StartTimeUnixNano),
		EndTimeUnixNano:   fmt.Sprintf("%d", s.EndTimeUnixNano),
		Attributes:        pbAttributesToWire(s.Attributes),
	}
}

func pbAttributesToWire(attrs []*commonpb.KeyValue) []keyValue {
	out := make([]keyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, keyValue{Key: kv.Key, Value: pbAnyValueToWire(kv.Value)})
	}
	return out
}

func pbAnyValueToWire(v *commonpb.AnyValue) *anyValue {
	if v == nil {
		return nil
	}
	switch val := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		s := val.StringValue
		return &anyValue{StringValue: &s}
	case *commonpb.AnyValue_IntValue:
		s := fmt.Sprintf("%d", val.IntValue)
		return &anyValue{IntValue: &s}
	case *commonpb.AnyValue_DoubleValue:
		d := val.DoubleValue
		return &anyValue{DoubleValue: &d}
	case *commonpb.AnyValue_BoolValue:
		b := val.BoolValue
		return &anyValue{BoolValue: &b}
	case *commonpb.AnyValue_ArrayValue:
		if val.ArrayValue == nil {
			return nil
		}
		values := make([]anyValue, 0, len(val.ArrayValue.Values))
		for _, item := range val.ArrayValue.Values {
			if conv := pbAnyValueToWire(item); conv != nil {
				values = append(values, *conv)
			}
		}
		return &anyValue{ArrayValue: &arrayValue{Values: values}}
	default:
		// bytes/kvlist values and the empty oneof have no mapping the
		// Langfuse attribute set uses; dropped like any other attribute
		// extraction miss.
		return nil
	}
}
