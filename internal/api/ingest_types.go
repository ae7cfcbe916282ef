package api

import (
	"encoding/json"
	"time"

	"github.com/lipish/xtrace/internal/store"
)

// timeNow is the single clock read point for the ingest DTOs; handlers
// call it once per request and thread the value through so every row in
// a batch gets the same CreatedAt/fallback timestamp.
func timeNow() time.Time { return time.Now().UTC() }

// traceIngestRequest mirrors the wire shape every ingest route accepts
// for a trace row. Every field but id is optional; nil pointers leave
// the corresponding store column untouched on upsert, except projectId,
// timestamp and environment, which fall back to the default project id,
// the current time and "default" and overwrite the stored value.
type traceIngestRequest struct {
	ID          string          `json:"id"`
	ProjectID   *string         `json:"projectId"`
	Timestamp   *time.Time      `json:"timestamp"`
	Name        *string         `json:"name"`
	UserID      *string         `json:"userId"`
	SessionID   *string         `json:"sessionId"`
	Release     *string         `json:"release"`
	Version     *string         `json:"version"`
	Tags        []string        `json:"tags"`
	Metadata    json.RawMessage `json:"metadata"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	Public      *bool           `json:"public"`
	ExternalID  *string         `json:"externalId"`
	Bookmarked  *bool           `json:"bookmarked"`
	Environment *string         `json:"environment"`
	Latency     *float64        `json:"latency"`
	TotalCost   *float64        `json:"totalCost"`
}

func (t *traceIngestRequest) toStoreTrace(defaultProjectID string, now time.Time) *store.Trace {
	projectID := defaultProjectID
	if t.ProjectID != nil && *t.ProjectID != "" {
		projectID = *t.ProjectID
	}
	timestamp := now
	if t.Timestamp != nil {
		timestamp = t.Timestamp.UTC()
	}

	row := &store.Trace{
		ID:          t.ID,
		ProjectID:   projectID,
		Timestamp:   timestamp,
		Name:        t.Name,
		UserID:      t.UserID,
		SessionID:   t.SessionID,
		Release:     t.Release,
		Version:     t.Version,
		Tags:        t.Tags,
		Metadata:    rawOrNil(t.Metadata),
		Input:       rawOrNil(t.Input),
		Output:      rawOrNil(t.Output),
		Public:      t.Public,
		ExternalID:  t.ExternalID,
		Bookmarked:  t.Bookmarked,
		Environment: t.Environment,
		LatencyS:    t.Latency,
		TotalCost:   t.TotalCost,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if row.Environment == nil {
		env := store.DefaultEnvironment
		row.Environment = &env
	}
	return row
}

// usageIngest is the token-accounting object Langfuse-compatible SDKs
// attach to a GENERATION observation.
type usageIngest struct {
	PromptTokens     *int64  `json:"promptTokens"`
	CompletionTokens *int64  `json:"completionTokens"`
	TotalTokens      *int64  `json:"totalTokens"`
	Unit             *string `json:"unit"`
}

type observationIngestRequest struct {
	ID                   string          `json:"id"`
	TraceID              string          `json:"traceId"`
	ProjectID            *string         `json:"projectId"`
	Type                 *string         `json:"type"`
	Name                 *string         `json:"name"`
	StartTime            *time.Time      `json:"startTime"`
	EndTime              *time.Time      `json:"endTime"`
	CompletionStartTime  *time.Time      `json:"completionStartTime"`
	Model                *string         `json:"model"`
	ModelParameters      json.RawMessage `json:"modelParameters"`
	Input                json.RawMessage `json:"input"`
	Output               json.RawMessage `json:"output"`
	Usage                *usageIngest    `json:"usage"`
	Level                *string         `json:"level"`
	StatusMessage        *string         `json:"statusMessage"`
	ParentObservationID  *string         `json:"parentObservationId"`
	PromptName           *string         `json:"promptName"`
	PromptVersion        *int            `json:"promptVersion"`
	CalculatedInputCost  *float64        `json:"calculatedInputCost"`
	CalculatedOutputCost *float64        `json:"calculatedOutputCost"`
	CalculatedTotalCost  *float64        `json:"calculatedTotalCost"`
	Latency              *float64        `json:"latency"`
	TimeToFirstToken     *float64        `json:"timeToFirstToken"`
	Metadata             json.RawMessage `json:"metadata"`
	Environment          *string         `json:"environment"`
}

func (o *observationIngestRequest) toStoreObservation(defaultProjectID string, now time.Time) *store.Observation {
	projectID := defaultProjectID
	if o.ProjectID != nil && *o.ProjectID != "" {
		projectID = *o.ProjectID
	}
	obsType := o.Type
	if obsType == nil {
		generation := store.ObservationTypeGeneration
		obsType = &generation
	}

	row := &store.Observation{
		ID:                  o.ID,
		TraceID:             o.TraceID,
		Type:                obsType,
		Name:                o.Name,
		EndTime:             o.EndTime,
		CompletionStartTime: o.CompletionStartTime,
		Model:               o.Model,
		ModelParameters:     rawOrNil(o.ModelParameters),
		Input:               rawOrNil(o.Input),
		Output:              rawOrNil(o.Output),
		Usage:               o.Usage.toStoreUsage(),
		Level:               o.Level,
		StatusMessage:       o.StatusMessage,
		ParentObservationID: o.ParentObservationID,
		PromptName:          o.PromptName,
		PromptVersion:       o.PromptVersion,
		InputCost:           o.CalculatedInputCost,
		OutputCost:          o.CalculatedOutputCost,
		TotalCost:           o.CalculatedTotalCost,
		LatencyS:            o.Latency,
		TimeToFirstTokenS:   o.TimeToFirstToken,
		Metadata:            rawOrNil(o.Metadata),
		ProjectID:           projectID,
		Environment:         o.Environment,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if o.StartTime != nil {
		row.StartTime = o.StartTime.UTC()
	} else {
		row.StartTime = now
	}
	if row.Environment == nil {
		env := store.DefaultEnvironment
		row.Environment = &env
	}
	return row
}

func (u *usageIngest) toStoreUsage() *store.Usage {
	if u == nil {
		return nil
	}
	usage := &store.Usage{}
	if u.PromptTokens != nil {
		usage.Input = *u.PromptTokens
	}
	if u.CompletionTokens != nil {
		usage.Output = *u.CompletionTokens
	}
	if u.TotalTokens != nil {
		usage.Total = *u.TotalTokens
	}
	if u.Unit != nil {
		usage.Unit = *u.Unit
	}
	return usage
}

// batchIngestRequest is the body of POST /v1/l/batch: an optional trace
// row plus zero or more observation rows, all landing in the same
// ingest.TraceBatch so they share one micro-batch transaction.
type batchIngestRequest struct {
	Trace        *traceIngestRequest        `json:"trace"`
	Observations []observationIngestRequest `json:"observations"`
}

// metricPointIngestRequest is one row of POST /v1/metrics/batch.
type metricPointIngestRequest struct {
	ProjectID   *string           `json:"projectId"`
	Environment *string           `json:"environment"`
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels"`
	Value       float64           `json:"value"`
	Timestamp   *time.Time        `json:"timestamp"`
}

func (m *metricPointIngestRequest) toStoreMetricPoint(defaultProjectID string, now time.Time) *store.MetricPoint {
	projectID := defaultProjectID
	if m.ProjectID != nil && *m.ProjectID != "" {
		projectID = *m.ProjectID
	}
	environment := store.DefaultEnvironment
	if m.Environment != nil && *m.Environment != "" {
		environment = *m.Environment
	}
	timestamp := now
	if m.Timestamp != nil {
		timestamp = m.Timestamp.UTC()
	}
	return &store.MetricPoint{
		ProjectID:   projectID,
		Environment: environment,
		Name:        m.Name,
		Labels:      m.Labels,
		Value:       m.Value,
		Timestamp:   timestamp,
		CreatedAt:   now,
	}
}

type metricsBatchIngestRequest struct {
	Points []metricPointIngestRequest `json:"points"`
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
