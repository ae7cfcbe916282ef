// Package ingest buffers incoming trace/observation and metric batches
// in bounded in-process queues and coalesces them into micro-batched
// store writes. HTTP handlers only validate and enqueue; they never
// block on database I/O.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lipish/xtrace/internal/store"
)

// EnqueueResult reports what happened to an item handed to TryEnqueue.
type EnqueueResult int

const (
	EnqueueAccepted EnqueueResult = iota
	EnqueueRejectedFull
	EnqueueRejectedClosed
)

const (
	// TraceQueueCapacity is the bound on outstanding trace/observation batches (§4.2).
	TraceQueueCapacity = 1000
	// MetricQueueCapacity is the bound on outstanding metric point batches (§4.2).
	MetricQueueCapacity = 5000

	microBatchWindow       = 50 * time.Millisecond
	microBatchMaxRecords   = 2000
)

// TraceBatch is one accepted unit of work: the trace and observation rows
// parsed from a single ingest request.
type TraceBatch struct {
	Traces       []*store.Trace
	Observations []*store.Observation
}

// TraceWriter owns the trace/observation queue and its single writer task.
type TraceWriter struct {
	store store.Store
	log   *slog.Logger
	queue chan TraceBatch

	wg      sync.WaitGroup
	stopped atomic.Bool
	queueMu sync.RWMutex
}

func NewTraceWriter(s store.Store, log *slog.Logger) *TraceWriter {
	return &TraceWriter{
		store: s,
		log:   log,
		queue: make(chan TraceBatch, TraceQueueCapacity),
	}
}

// TryEnqueue places batch on the queue without blocking.
func (w *TraceWriter) TryEnqueue(batch TraceBatch) EnqueueResult {
	if w.stopped.Load() {
		return EnqueueRejectedClosed
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return EnqueueRejectedClosed
	}
	select {
	case w.queue <- batch:
		return EnqueueAccepted
	default:
		return EnqueueRejectedFull
	}
}

// Start runs the writer loop until Shutdown is called or ctx is canceled.
func (w *TraceWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

func (w *TraceWriter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain(context.Background())
			return
		case first, ok := <-w.queue:
			if !ok {
				return
			}
			batch := []TraceBatch{first}
			records := len(first.Traces) + len(first.Observations)
			deadline := time.NewTimer(microBatchWindow)
		collect:
			for records < microBatchMaxRecords {
				select {
				case next, ok := <-w.queue:
					if !ok {
						deadline.Stop()
						w.flush(context.Background(), batch)
						return
					}
					batch = append(batch, next)
					records += len(next.Traces) + len(next.Observations)
				case <-deadline.C:
					break collect
				case <-ctx.Done():
					deadline.Stop()
					w.flush(context.Background(), batch)
					return
				}
			}
			deadline.Stop()
			w.flush(ctx, batch)
		}
	}
}

// drain flushes whatever is still buffered on the queue once the writer's
// context is canceled, so already-enqueued work still completes. After
// Shutdown closes the queue, run's own receive loop empties it instead.
func (w *TraceWriter) drain(ctx context.Context) {
	var batch []TraceBatch
	for {
		select {
		case next, ok := <-w.queue:
			if !ok {
				w.flush(ctx, batch)
				return
			}
			batch = append(batch, next)
		default:
			w.flush(ctx, batch)
			return
		}
	}
}

func (w *TraceWriter) flush(ctx context.Context, batch []TraceBatch) {
	if len(batch) == 0 {
		return
	}
	var traces []*store.Trace
	var observations []*store.Observation
	for _, b := range batch {
		traces = append(traces, b.Traces...)
		observations = append(observations, b.Observations...)
	}
	if len(traces) == 0 && len(observations) == 0 {
		return
	}
	if err := w.store.WriteTraceBatch(ctx, traces, observations); err != nil {
		w.log.Error("write trace batch failed",
			"trace_count", len(traces), "observation_count", len(observations), "err", err)
	}
}

// Shutdown stops accepting new enqueues, closes the queue, and waits for
// the writer to drain up to ctx's deadline.
func (w *TraceWriter) Shutdown(ctx context.Context) error {
	w.stopped.Store(true)
	w.queueMu.Lock()
	close(w.queue)
	w.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLen returns the number of batches currently waiting to be written.
func (w *TraceWriter) QueueLen() int {
	return len(w.queue)
}
