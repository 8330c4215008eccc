package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lai/fieldtrack/metrics"
)

// PositionWriter accepts samples for durable storage without blocking the caller.
type PositionWriter interface {
	Enqueue(rec PositionRecord)
}

type positionInserter interface {
	InsertPositions(ctx context.Context, recs []PositionRecord) error
}

// BatchWriter buffers position records and flushes them when the batch is full
// or the batch timeout elapses, whichever comes first.
type BatchWriter struct {
	store        positionInserter
	in           chan PositionRecord
	batchSize    int
	batchTimeout time.Duration
	batch        []PositionRecord
	metrics      *metrics.Tracking
}

// NewBatchWriter creates a writer; Run must be started for anything to be stored.
func NewBatchWriter(store positionInserter, batchSize int, batchTimeout time.Duration, m *metrics.Tracking) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	return &BatchWriter{
		store:        store,
		in:           make(chan PositionRecord, batchSize*16),
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		batch:        make([]PositionRecord, 0, batchSize),
		metrics:      m,
	}
}

// Enqueue hands rec to the writer. When the buffer is full the record is dropped.
func (w *BatchWriter) Enqueue(rec PositionRecord) {
	select {
	case w.in <- rec:
	default:
		slog.Warn("position buffer full, dropping sample",
			"agent_id", rec.AgentID,
			"event_id", rec.EventID,
			"captured_at", rec.Sample.CapturedAt,
		)
		w.metrics.PositionsPersisted(context.Background(), 1, ErrPersistence)
	}
}

// Run flushes batches until ctx is cancelled, then drains what is buffered.
func (w *BatchWriter) Run(ctx context.Context) {
	timer := time.NewTimer(w.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.flush()
			return
		case <-timer.C:
			w.flush()
			timer.Reset(w.batchTimeout)
		case rec := <-w.in:
			w.batch = append(w.batch, rec)
			if len(w.batch) >= w.batchSize {
				w.flush()
				timer.Reset(w.batchTimeout)
			}
		}
	}
}

func (w *BatchWriter) drain() {
	for {
		select {
		case rec := <-w.in:
			w.batch = append(w.batch, rec)
		default:
			return
		}
	}
}

func (w *BatchWriter) flush() {
	if len(w.batch) == 0 {
		return
	}
	toFlush := w.batch
	w.batch = make([]PositionRecord, 0, w.batchSize)

	// detached from Run's ctx so the final flush survives shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := w.store.InsertPositions(ctx, toFlush)
	w.metrics.PositionsPersisted(ctx, len(toFlush), err)
	if err != nil {
		if !errors.Is(err, ErrPersistence) {
			err = fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		slog.Error("persist positions failed", "error", err, "count", len(toFlush))
		return
	}
	slog.Debug("persisted positions", "count", len(toFlush))
}
