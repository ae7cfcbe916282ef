package store

import "time"

// Trace is one logical request or business call; it owns a set of
// Observations. Optional fields are pointers so the upsert path can tell
// "not present in this batch" (nil, preserve existing value) apart from
// "explicitly set to the zero value" (non-nil).
type Trace struct {
	ID          string
	ProjectID   string
	Timestamp   time.Time
	Name        *string
	UserID      *string
	SessionID   *string
	Release     *string
	Version     *string
	Tags        []string // nil means "not provided"; non-nil (incl. empty) overwrites
	Metadata    []byte   // raw JSON document; nil means "not provided"
	Input       []byte
	Output      []byte
	Public      *bool
	ExternalID  *string
	Bookmarked  *bool
	Environment *string
	LatencyS    *float64
	TotalCost   *float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Usage is the token accounting object on a GENERATION observation.
type Usage struct {
	Input  int64
	Output int64
	Total  int64
	Unit   string
}

// Observation is a span within a trace, including the GENERATION variant
// for LLM calls. ParentObservationID is nil for root observations.
type Observation struct {
	ID                  string
	TraceID             string
	Type                *string
	Name                *string
	StartTime           time.Time
	EndTime             *time.Time
	CompletionStartTime *time.Time
	Model               *string
	ModelParameters     []byte
	Input               []byte
	Output              []byte
	Usage               *Usage
	Level               *string
	StatusMessage       *string
	ParentObservationID *string
	PromptName          *string
	PromptVersion       *int
	InputCost           *float64
	OutputCost          *float64
	TotalCost           *float64
	LatencyS            *float64
	TimeToFirstTokenS   *float64
	Metadata            []byte
	ProjectID           string
	Environment         *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// MetricPoint is an immutable (name, labels, value, timestamp) datum.
// There is no upsert for metrics; every write is a fresh insert.
type MetricPoint struct {
	ID          int64
	ProjectID   string
	Environment string
	Name        string
	Labels      map[string]string
	Value       float64
	Timestamp   time.Time
	CreatedAt   time.Time
}

// Canonical observation types. The store treats Type as a free-form
// string; these are the values the OTLP decoder and ingest handlers know
// how to set explicitly.
const (
	ObservationTypeGeneration = "GENERATION"
	ObservationTypeSpan       = "SPAN"
	ObservationTypeEmbedding  = "EMBEDDING"
	ObservationTypeRetrieval  = "RETRIEVAL"
)

const DefaultEnvironment = "default"

func strPtr(s string) *string { return &s }

// PlaceholderTrace builds the minimal trace row the writer inserts when
// an observation arrives before its trace (see ingest queue design note
// on late arrivals).
func PlaceholderTrace(projectID, id string, now time.Time) *Trace {
	return &Trace{
		ID:          id,
		ProjectID:   projectID,
		Timestamp:   now,
		Environment: strPtr(DefaultEnvironment),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
