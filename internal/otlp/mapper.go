package otlp

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lipish/xtrace/internal/ingest"
	"github.com/lipish/xtrace/internal/store"
)

// accTrace accumulates the trace-level fields promoted from whichever
// spans in the batch happen to carry them. The first span to set a
// given field wins; later spans only fill in what's still unset.
type accTrace struct {
	name         *string
	rootSpanName *string
	userID       *string
	sessionID    *string
	tags         []string
	metadata     map[string]any
	firstStart   time.Time
	hasStart     bool
}

// buildBatch is the OTLP-to-xtrace conversion: every span becomes one
// observation, and every distinct trace id seen across the batch becomes
// one trace row built from whatever langfuse.trace.* attributes its
// spans carried.
func buildBatch(defaultProjectID string, req exportTraceServiceRequest) *ingest.TraceBatch {
	order := make([]string, 0)
	traces := map[string]*accTrace{}
	var observations []*store.Observation

	touch := func(id string) *accTrace {
		t, ok := traces[id]
		if !ok {
			t = &accTrace{}
			traces[id] = t
			order = append(order, id)
		}
		return t
	}

	for _, rs := range req.ResourceSpans {
		var resourceAttrs map[string]any
		if rs.Resource != nil {
			resourceAttrs = attributesToMap(rs.Resource.Attributes)
		}
		for _, ss := range rs.ScopeSpans {
			for _, sp := range ss.Spans {
				traceID, ok := traceIDFromHex(sp.TraceID)
				if !ok {
					continue
				}
				obsID, ok := spanIDToObservationID(sp.SpanID)
				if !ok {
					continue
				}
				parentObsID, hasParent := parentSpanIDToObservationID(sp.ParentSpanID)

				acc := touch(traceID)
				promoteTraceFields(acc, sp, hasParent)

				observations = append(observations, buildObservation(defaultProjectID, traceID, obsID, parentObsID, hasParent, sp, resourceAttrs))
			}
		}
	}

	batch := &ingest.TraceBatch{Observations: observations}
	for _, id := range order {
		batch.Traces = append(batch.Traces, buildTrace(defaultProjectID, id, traces[id]))
	}
	return batch
}

func promoteTraceFields(acc *accTrace, sp span, hasParent bool) {
	if startTime, ok := unixNanoToTime(sp.StartTimeUnixNano); ok {
		if !acc.hasStart || startTime.Before(acc.firstStart) {
			acc.firstStart, acc.hasStart = startTime, true
		}
	}
	if !hasParent && acc.rootSpanName == nil && sp.Name != "" {
		name := sp.Name
		acc.rootSpanName = &name
	}
	attrs := sp.Attributes
	if name, ok := attrString(attrs, "langfuse.trace.name"); ok && acc.name == nil {
		acc.name = &name
	}
	if userID, ok := attrString(attrs, "user.id"); ok && acc.userID == nil {
		acc.userID = &userID
	}
	if sessionID, ok := attrString(attrs, "session.id"); ok && acc.sessionID == nil {
		acc.sessionID = &sessionID
	}
	if tags, ok := attrStringArray(attrs, "langfuse.trace.tags"); ok && len(acc.tags) == 0 {
		acc.tags = tags
	}
	if meta := extractPrefixedMap(attrs, "langfuse.trace.metadata."); len(meta) > 0 {
		if acc.metadata == nil {
			acc.metadata = map[string]any{}
		}
		for k, v := range meta {
			if _, seen := acc.metadata[k]; !seen {
				acc.metadata[k] = v
			}
		}
	}
}

func buildTrace(defaultProjectID, id string, acc *accTrace) *store.Trace {
	timestamp := time.Now().UTC()
	if acc != nil && acc.hasStart {
		timestamp = acc.firstStart
	}
	t := &store.Trace{
		ID:          id,
		ProjectID:   defaultProjectID,
		Timestamp:   timestamp,
		Environment: strPtr(store.DefaultEnvironment),
	}
	if acc == nil {
		return t
	}
	t.Name = acc.name
	if t.Name == nil {
		t.Name = acc.rootSpanName
	}
	t.UserID = acc.userID
	t.SessionID = acc.sessionID
	if len(acc.tags) > 0 {
		t.Tags = acc.tags
	}
	if len(acc.metadata) > 0 {
		t.Metadata = marshalJSON(acc.metadata)
	}
	return t
}

func buildObservation(projectID, traceID, obsID, parentObsID string, hasParent bool, sp span, resourceAttrs map[string]any) *store.Observation {
	o := &store.Observation{
		ID:        obsID,
		TraceID:   traceID,
		Name:      strPtrIfNonEmpty(sp.Name),
		ProjectID: projectID,
	}
	if hasParent {
		o.ParentObservationID = &parentObsID
	}
	if startTime, ok := unixNanoToTime(sp.StartTimeUnixNano); ok {
		o.StartTime = startTime
	} else {
		o.StartTime = time.Now().UTC()
	}
	if endTime, ok := unixNanoToTime(sp.EndTimeUnixNano); ok {
		o.EndTime = &endTime
	}

	if obsType, ok := attrString(sp.Attributes, "langfuse.observation.type"); ok {
		upper := strings.ToUpper(obsType)
		o.Type = &upper
	}

	if model, ok := attrString(sp.Attributes, "langfuse.generation.model"); ok {
		o.Model = &model
	} else if model, ok := attrString(sp.Attributes, "gen_ai.request.model"); ok {
		o.Model = &model
	}

	if input, ok := attrString(sp.Attributes, "langfuse.observation.input"); ok {
		o.Input = jsonOrRawString(input)
	}
	if output, ok := attrString(sp.Attributes, "langfuse.observation.output"); ok {
		o.Output = jsonOrRawString(output)
	}

	o.Usage = parseUsage(sp.Attributes)

	meta := attributesToMap(sp.Attributes)
	if len(resourceAttrs) > 0 {
		meta["otel.resource"] = resourceAttrs
	}
	o.Metadata = marshalJSON(meta)

	return o
}

// usageDetails is the JSON document langfuse.observation.usage_details
// carries: {"promptTokens": N, "completionTokens": N, "totalTokens": N}.
type usageDetails struct {
	PromptTokens     *int64 `json:"promptTokens"`
	CompletionTokens *int64 `json:"completionTokens"`
	TotalTokens      *int64 `json:"totalTokens"`
}

func parseUsage(attrs []keyValue) *store.Usage {
	raw, ok := attrString(attrs, "langfuse.observation.usage_details")
	if !ok {
		return nil
	}
	var d usageDetails
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil
	}
	u := &store.Usage{}
	if d.PromptTokens != nil {
		u.Input = *d.PromptTokens
	}
	if d.CompletionTokens != nil {
		u.Output = *d.CompletionTokens
	}
	if d.TotalTokens != nil {
		u.Total = *d.TotalTokens
	}
	return u
}

// jsonOrRawString treats an attribute value as JSON when it parses as
// such (Langfuse SDKs usually send already-serialized objects/arrays)
// and falls back to a plain JSON string otherwise.
func jsonOrRawString(s string) []byte {
	trimmed := strings.TrimSpace(s)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return []byte(trimmed)
	}
	return marshalJSON(s)
}

func marshalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func strPtr(s string) *string { return &s }

func strPtrIfNonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
