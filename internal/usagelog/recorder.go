// Package usagelog batches data-plane usage marks (last access, request
// count) off the hot path. Backends enqueue a mark per forwarded unit; a
// background worker aggregates per circuit and flushes to a sink.
package usagelog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/circuitproxy/circuitproxy/internal/registry"
)

// Sink receives flushed usage batches. The registry satisfies it directly;
// workers write to the shared circuit_stats table.
type Sink interface {
	BumpCircuitStats(ctx context.Context, deltas []registry.StatDelta) error
}

const (
	defaultQueueSize     = 4096
	defaultFlushInterval = 10 * time.Second
	flushTimeout         = 30 * time.Second
	// maxFlushAttempts bounds how many flush cycles a failing batch is
	// carried forward before its deltas are dropped.
	maxFlushAttempts = 3
)

type mark struct {
	circuitID uuid.UUID
	at        time.Time
}

// Recorder is an asynchronous usage recorder.
//
// - Non-blocking: Mark() never waits; marks are dropped when the queue is full
// - Aggregating: marks for one circuit collapse into a single delta row
// - Graceful shutdown: drains the queue and flushes once more
type Recorder struct {
	sink   Sink
	logger *slog.Logger

	queue         chan mark
	flushInterval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup

	queued  uint64
	flushed uint64
	dropped uint64
	errors  uint64
}

// NewRecorder creates a Recorder. Call Start to spawn the flush worker.
func NewRecorder(sink Sink, queueSize int, flushInterval time.Duration, logger *slog.Logger) *Recorder {
	if sink == nil {
		panic("usagelog: sink is required")
	}
	if logger == nil {
		panic("usagelog: logger is required")
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Recorder{
		sink:          sink,
		logger:        logger,
		queue:         make(chan mark, queueSize),
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}
}

// Start spawns the background flush worker. Must be called once.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.worker()
	r.logger.Info("Usage recorder started",
		"queue_size", cap(r.queue),
		"flush_interval", r.flushInterval,
	)
}

// Mark enqueues a usage mark for the circuit. Never blocks: when the queue is
// full the mark is dropped and counted, the relay path is not delayed.
func (r *Recorder) Mark(circuitID uuid.UUID, at time.Time) {
	select {
	case r.queue <- mark{circuitID: circuitID, at: at}:
		atomic.AddUint64(&r.queued, 1)
	default:
		atomic.AddUint64(&r.dropped, 1)
	}
}

// Shutdown stops the worker, draining and flushing pending marks.
func (r *Recorder) Shutdown(ctx context.Context) error {
	close(r.stopChan)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Usage recorder shutdown complete",
			"flushed", atomic.LoadUint64(&r.flushed),
			"dropped", atomic.LoadUint64(&r.dropped),
			"errors", atomic.LoadUint64(&r.errors),
		)
		return nil
	case <-ctx.Done():
		r.logger.Warn("Usage recorder shutdown timeout", "pending", len(r.queue))
		return ctx.Err()
	}
}

// Stats is a point-in-time view of recorder counters.
type Stats struct {
	QueueLen int
	Queued   uint64
	Flushed  uint64
	Dropped  uint64
	Errors   uint64
}

// GetStats returns recorder counters.
func (r *Recorder) GetStats() Stats {
	return Stats{
		QueueLen: len(r.queue),
		Queued:   atomic.LoadUint64(&r.queued),
		Flushed:  atomic.LoadUint64(&r.flushed),
		Dropped:  atomic.LoadUint64(&r.dropped),
		Errors:   atomic.LoadUint64(&r.errors),
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	pending := make(map[uuid.UUID]*registry.StatDelta)
	attempts := 0
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			r.drain(pending)
			r.flush(pending, &attempts)
			return

		case m := <-r.queue:
			accumulate(pending, m)

		case <-ticker.C:
			r.flush(pending, &attempts)
		}
	}
}

// drain folds all remaining queued marks into the pending map.
func (r *Recorder) drain(pending map[uuid.UUID]*registry.StatDelta) {
	for {
		select {
		case m := <-r.queue:
			accumulate(pending, m)
		default:
			return
		}
	}
}

func accumulate(pending map[uuid.UUID]*registry.StatDelta, m mark) {
	d, ok := pending[m.circuitID]
	if !ok {
		pending[m.circuitID] = &registry.StatDelta{
			CircuitID:  m.circuitID,
			LastAccess: m.at,
			Requests:   1,
		}
		return
	}
	d.Requests++
	if m.at.After(d.LastAccess) {
		d.LastAccess = m.at
	}
}

// flush writes the pending deltas through the sink. On failure the batch is
// retained and merged with the next interval's marks; after maxFlushAttempts
// consecutive failures it is dropped so memory stays bounded.
func (r *Recorder) flush(pending map[uuid.UUID]*registry.StatDelta, attempts *int) {
	if len(pending) == 0 {
		return
	}

	deltas := make([]registry.StatDelta, 0, len(pending))
	for _, d := range pending {
		deltas = append(deltas, *d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := r.sink.BumpCircuitStats(ctx, deltas); err != nil {
		*attempts++
		atomic.AddUint64(&r.errors, 1)
		if *attempts >= maxFlushAttempts {
			r.logger.Error("Usage batch dropped after repeated flush failures",
				"error", err,
				"circuits", len(deltas),
				"attempts", *attempts,
			)
			clear(pending)
			*attempts = 0
			return
		}
		r.logger.Warn("Usage batch flush failed, will retry",
			"error", err,
			"circuits", len(deltas),
			"attempt", *attempts,
		)
		return
	}

	atomic.AddUint64(&r.flushed, uint64(len(deltas)))
	*attempts = 0
	clear(pending)
}
