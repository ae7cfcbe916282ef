package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lipish/xtrace/internal/store"
)

// MetricWriter owns the metrics queue and its single writer task.
type MetricWriter struct {
	store store.Store
	log   *slog.Logger
	queue chan []*store.MetricPoint

	wg      sync.WaitGroup
	stopped atomic.Bool
	queueMu sync.RWMutex
}

func NewMetricWriter(s store.Store, log *slog.Logger) *MetricWriter {
	return &MetricWriter{
		store: s,
		log:   log,
		queue: make(chan []*store.MetricPoint, MetricQueueCapacity),
	}
}

func (w *MetricWriter) TryEnqueue(points []*store.MetricPoint) EnqueueResult {
	if w.stopped.Load() {
		return EnqueueRejectedClosed
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return EnqueueRejectedClosed
	}
	select {
	case w.queue <- points:
		return EnqueueAccepted
	default:
		return EnqueueRejectedFull
	}
}

func (w *MetricWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

func (w *MetricWriter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain(context.Background())
			return
		case first, ok := <-w.queue:
			if !ok {
				return
			}
			batch := append([]*store.MetricPoint{}, first...)
			deadline := time.NewTimer(microBatchWindow)
		collect:
			for len(batch) < microBatchMaxRecords {
				select {
				case next, ok := <-w.queue:
					if !ok {
						deadline.Stop()
						w.flush(context.Background(), batch)
						return
					}
					batch = append(batch, next...)
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

func (w *MetricWriter) drain(ctx context.Context) {
	var batch []*store.MetricPoint
	for {
		select {
		case next, ok := <-w.queue:
			if !ok {
				w.flush(ctx, batch)
				return
			}
			batch = append(batch, next...)
		default:
			w.flush(ctx, batch)
			return
		}
	}
}

func (w *MetricWriter) flush(ctx context.Context, batch []*store.MetricPoint) {
	if len(batch) == 0 {
		return
	}
	if err := w.store.InsertMetricPoints(ctx, batch); err != nil {
		w.log.Error("insert metric points failed", "batch_size", len(batch), "err", err)
	}
}

func (w *MetricWriter) Shutdown(ctx context.Context) error {
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

func (w *MetricWriter) QueueLen() int {
	return len(w.queue)
}
