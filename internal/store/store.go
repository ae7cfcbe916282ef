package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup by id matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidSort is returned for an orderBy value outside the whitelist.
	ErrInvalidSort = errors.New("store: invalid sort")
)

// TraceFilter selects traces for the list endpoint.
type TraceFilter struct {
	ProjectID     string
	UserID        string
	Name          string
	SessionID     string
	FromTimestamp time.Time
	ToTimestamp   time.Time
	Tags          []string
	Version       string
	Release       string
	Environment   []string
	Page          int
	Limit         int
	OrderBy       string // e.g. "timestamp.desc"
}

// TraceListResult is a page of traces plus pagination metadata.
type TraceListResult struct {
	Items      []*Trace
	Page       int
	Limit      int
	TotalItems int64
	TotalPages int64
}

// DailyRollupFilter selects the window, scope, and page for the daily
// rollup (§4.5: one row per UTC calendar day, paginated like the trace
// list).
type DailyRollupFilter struct {
	ProjectID     string
	TraceName     string
	UserID        string
	Tags          []string
	FromTimestamp time.Time
	ToTimestamp   time.Time
	Version       string
	Release       string
	Page          int
	Limit         int
}

// ModelUsage is one row of the per-model breakdown for a single day.
type ModelUsage struct {
	Model             string
	InputUsage        int64
	OutputUsage       int64
	TotalUsage        int64
	CountTraces       int64
	CountObservations int64
	TotalCost         float64
}

// DailyRollupItem is one UTC calendar day's aggregate.
type DailyRollupItem struct {
	Date              string // YYYY-MM-DD
	CountTraces       int64
	CountObservations int64
	TotalCost         float64
	ByModel           []ModelUsage
}

// DailyRollupResult is a page of per-day aggregates plus pagination
// metadata, shaped like TraceListResult.
type DailyRollupResult struct {
	Items      []DailyRollupItem
	Page       int
	Limit      int
	TotalItems int64
	TotalPages int64
}

// MetricQuery describes one /api/public/metrics/query request.
type MetricQuery struct {
	ProjectID string
	Name      string
	From      time.Time
	To        time.Time
	Labels    map[string]string
	StepS     int64
	Agg       string
	GroupBy   string
}

// MetricPointOut is one bucketed output point.
type MetricPointOut struct {
	Timestamp time.Time
	Value     float64
}

// MetricSeries is one group of bucketed points sharing a (possibly
// collapsed) label set.
type MetricSeries struct {
	Labels map[string]string
	Points []MetricPointOut
}

// MetricQueryResult is the full response to a metrics query, including
// the cap-enforcement metadata the HTTP layer surfaces verbatim.
type MetricQueryResult struct {
	Series      []MetricSeries
	Truncated   bool
	SeriesCount int
	LatestTS    *time.Time
}

// Store is the C1 persistence contract. A single implementation
// (Postgres) backs it in production; tests may supply an in-memory fake.
type Store interface {
	// Ingest path. WriteTraceBatch applies a micro-batch's trace and
	// observation rows inside a single transaction (§4.2, §5): a crash or
	// error partway through never leaves one half of the batch committed
	// without the other.
	WriteTraceBatch(ctx context.Context, traces []*Trace, observations []*Observation) error
	InsertMetricPoints(ctx context.Context, points []*MetricPoint) error

	// Query path (C5).
	GetTrace(ctx context.Context, projectID, id string) (*Trace, []*Observation, error)
	QueryTraces(ctx context.Context, filter TraceFilter) (*TraceListResult, error)
	GetDailyRollup(ctx context.Context, filter DailyRollupFilter) (*DailyRollupResult, error)

	// Query path (C4).
	QueryMetricNames(ctx context.Context, projectID string) ([]string, error)
	QueryMetrics(ctx context.Context, query MetricQuery) (*MetricQueryResult, error)

	Close() error
}
