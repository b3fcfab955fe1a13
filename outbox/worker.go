/*
worker.go - Outbox delivery loop

PURPOSE:

	Polls the outbox on an interval, claims a batch, invokes the handler
	registered for each event type, and acks or fails the event. Sagas
	progress through this loop: the saga engine registers a handler for
	saga.step.ready.

DESIGN:
  - One goroutine per Worker; run several Workers for a pool
  - Handlers receive a context carrying the event's trace id
  - Handler panic or error marks the event failed (retry/backoff);
    delivery is at-least-once, handlers key their effects idempotently
  - Stop drains the in-flight batch before returning

CONFIGURATION:

	BatchSize, LockDuration, PollInterval come from config.Config
	(OutboxBatchSize, OutboxLockDuration, OutboxPollInterval).

SEE ALSO:
  - outbox.go: claim/ack primitives
  - saga/engine.go: the saga.step.ready handler
*/
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLERS
// =============================================================================

// Handler processes one claimed event. Returning an error schedules a
// retry; delivery is at-least-once.
type Handler func(ctx context.Context, e Event) error

// ErrHandlerFailed wraps handler errors recorded on the event row.
var ErrHandlerFailed = errors.New("outbox handler failed")

// ErrNoHandler is recorded when an event type has no registered handler.
var ErrNoHandler = errors.New("no handler registered for event type")

type traceIDKey struct{}

// WithTraceID returns a context carrying the trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the trace id set by the worker, or "".
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// =============================================================================
// WORKER
// =============================================================================

// Worker is a long-lived claim/process loop.
type Worker struct {
	ID           string
	BatchSize    int
	LockDuration time.Duration
	PollInterval time.Duration

	outbox   *Outbox
	log      *zap.Logger
	handlers map[string]Handler

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewWorker builds a worker with the configured polling parameters.
func NewWorker(ob *Outbox, log *zap.Logger, batchSize int, lockDuration, pollInterval time.Duration) *Worker {
	return &Worker{
		ID:           "worker-" + uuid.NewString()[:8],
		BatchSize:    batchSize,
		LockDuration: lockDuration,
		PollInterval: pollInterval,
		outbox:       ob,
		log:          log,
		handlers:     make(map[string]Handler),
	}
}

// Register installs the handler for an event type. Last registration wins.
func (w *Worker) Register(eventType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[eventType] = h
}

// Start launches the poll loop.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.run()
	w.log.Info("outbox worker started",
		zap.String("worker_id", w.ID),
		zap.Int("batch_size", w.BatchSize),
		zap.Duration("poll_interval", w.PollInterval))
}

// Stop halts polling and waits for the in-flight batch.
func (w *Worker) Stop() {
	w.mu.Lock()
	stop := w.stop
	w.stop = nil
	w.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	w.wg.Wait()
	w.log.Info("outbox worker stopped", zap.String("worker_id", w.ID))
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	// Drain immediately on start, then on each tick.
	w.ProcessOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			w.ProcessOnce(context.Background())
		case <-w.stop:
			return
		}
	}
}

// ProcessOnce claims and processes a single batch. Returns the number of
// events handled; the CLI calls this directly for `outbox process -n`.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	events, err := w.outbox.Claim(ctx, w.ID, w.BatchSize, w.LockDuration)
	if err != nil {
		w.log.Error("claim failed", zap.String("worker_id", w.ID), zap.Error(err))
		return 0
	}
	for _, e := range events {
		w.process(ctx, e)
	}
	return len(events)
}

func (w *Worker) process(ctx context.Context, e Event) {
	w.mu.Lock()
	h, ok := w.handlers[e.EventType]
	w.mu.Unlock()

	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoHandler, e.EventType)
		w.log.Warn("unhandled event type",
			zap.String("event_id", e.ID),
			zap.String("event_type", e.EventType))
		w.fail(ctx, e, err)
		return
	}

	hctx := WithTraceID(ctx, e.TraceID)
	if err := w.invoke(hctx, h, e); err != nil {
		w.log.Warn("handler failed",
			zap.String("event_id", e.ID),
			zap.String("event_type", e.EventType),
			zap.Int("attempts", e.Attempts+1),
			zap.Error(err))
		w.fail(ctx, e, fmt.Errorf("%w: %v", ErrHandlerFailed, err))
		return
	}

	if err := w.outbox.MarkProcessed(ctx, e.ID); err != nil {
		w.log.Error("mark processed failed", zap.String("event_id", e.ID), zap.Error(err))
	}
}

// invoke shields the loop from handler panics.
func (w *Worker) invoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

func (w *Worker) fail(ctx context.Context, e Event, cause error) {
	if err := w.outbox.MarkFailed(ctx, e.ID, cause); err != nil {
		w.log.Error("mark failed errored", zap.String("event_id", e.ID), zap.Error(err))
	}
}
