package api

import (
	"context"
	"sync"

	"github.com/lipish/xtrace/internal/store"
)

// fakeStore is an in-memory store.Store used across this package's
// handler tests, grounded on the same pattern the ingest writer tests use.
type fakeStore struct {
	mu             sync.Mutex
	traces         map[string]*store.Trace
	observations   map[string][]*store.Observation
	upsertedTraces []*store.Trace
	upsertedObs    []*store.Observation
	insertedPoints []*store.MetricPoint
	traceList      *store.TraceListResult
	traceListErr   error
	rollup         *store.DailyRollupResult
	rollupErr      error
	metricNames    []string
	metricNamesErr error
	metricResult   *store.MetricQueryResult
	metricErr      error
	getTraceErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		traces:       map[string]*store.Trace{},
		observations: map[string][]*store.Observation{},
	}
}

func (f *fakeStore) WriteTraceBatch(_ context.Context, traces []*store.Trace, observations []*store.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertedTraces = append(f.upsertedTraces, traces...)
	f.upsertedObs = append(f.upsertedObs, observations...)
	return nil
}

func (f *fakeStore) InsertMetricPoints(_ context.Context, points []*store.MetricPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertedPoints = append(f.insertedPoints, points...)
	return nil
}

func (f *fakeStore) traceUpsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upsertedTraces)
}

func (f *fakeStore) observationUpsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upsertedObs)
}

func (f *fakeStore) metricPointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.insertedPoints)
}

func (f *fakeStore) GetTrace(_ context.Context, _ string, id string) (*store.Trace, []*store.Observation, error) {
	if f.getTraceErr != nil {
		return nil, nil, f.getTraceErr
	}
	trace, ok := f.traces[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	return trace, f.observations[id], nil
}

func (f *fakeStore) QueryTraces(context.Context, store.TraceFilter) (*store.TraceListResult, error) {
	if f.traceListErr != nil {
		return nil, f.traceListErr
	}
	if f.traceList != nil {
		return f.traceList, nil
	}
	return &store.TraceListResult{Items: []*store.Trace{}}, nil
}

func (f *fakeStore) GetDailyRollup(context.Context, store.DailyRollupFilter) (*store.DailyRollupResult, error) {
	if f.rollupErr != nil {
		return nil, f.rollupErr
	}
	if f.rollup != nil {
		return f.rollup, nil
	}
	return &store.DailyRollupResult{Items: []store.DailyRollupItem{}}, nil
}

func (f *fakeStore) QueryMetricNames(context.Context, string) ([]string, error) {
	return f.metricNames, f.metricNamesErr
}

func (f *fakeStore) QueryMetrics(context.Context, store.MetricQuery) (*store.MetricQueryResult, error) {
	if f.metricErr != nil {
		return nil, f.metricErr
	}
	if f.metricResult != nil {
		return f.metricResult, nil
	}
	return &store.MetricQueryResult{Series: []store.MetricSeries{}}, nil
}

func (f *fakeStore) Close() error { return nil }
