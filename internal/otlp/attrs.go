package otlp

import "strings"

// anyValueToJSON converts a wire AnyValue into the plain Go value
// encoding/json would produce for it, discarding nothing the JSON
// encoder can represent and dropping only the oneof cases the OTLP
// wire types never populate via our decode path (kvlist, bytes).
func anyValueToJSON(v *anyValue) any {
	if v == nil {
		return nil
	}
	switch {
	case v.StringValue != nil:
		return *v.StringValue
	case v.IntValue != nil:
		return *v.IntValue
	case v.DoubleValue != nil:
		return *v.DoubleValue
	case v.BoolValue != nil:
		return *v.BoolValue
	case v.ArrayValue != nil:
		out := make([]any, 0, len(v.ArrayValue.Values))
		for i := range v.ArrayValue.Values {
			out = append(out, anyValueToJSON(&v.ArrayValue.Values[i]))
		}
		return out
	default:
		return nil
	}
}

func attributesToMap(attrs []keyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[kv.Key] = anyValueToJSON(kv.Value)
	}
	return out
}

func attrString(attrs []keyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if kv.Key != key {
			continue
		}
		if kv.Value == nil || kv.Value.StringValue == nil {
			return "", false
		}
		return *kv.Value.StringValue, true
	}
	return "", false
}

func attrStringArray(attrs []keyValue, key string) ([]string, bool) {
	for _, kv := range attrs {
		if kv.Key != key {
			continue
		}
		if kv.Value == nil || kv.Value.ArrayValue == nil {
			return nil, false
		}
		out := make([]string, 0, len(kv.Value.ArrayValue.Values))
		for _, item := range kv.Value.ArrayValue.Values {
			if item.StringValue != nil {
				out = append(out, *item.StringValue)
			}
		}
		return out, true
	}
	return nil, false
}

// extractPrefixedMap collects every attribute whose key starts with
// prefix into a map keyed by the remainder, used for
// langfuse.trace.metadata.* promotion.
func extractPrefixedMap(attrs []keyValue, prefix string) map[string]any {
	out := map[string]any{}
	for _, kv := range attrs {
		rest, ok := strings.CutPrefix(kv.Key, prefix)
		if !ok || rest == "" {
			continue
		}
		out[rest] = anyValueToJSON(kv.Value)
	}
	return out
}
