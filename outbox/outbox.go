/*
outbox.go - Durable event queue with claim/retry/dead-letter

PURPOSE:

	Events are written to the outbox table - standalone or inside the same
	transaction as a ledger write - and a worker claims and delivers them.
	This is the only path from the synchronous write side to external
	side effects (bank, notifications).

CLAIM CONTRACT:

	Claim atomically selects pending rows due now whose lock has expired,
	marks them processing, and stamps locked_until/locked_by. No two
	workers observe the same row processing. The store implements this as
	one UPDATE inside one transaction (the SQLite analog of
	SELECT ... FOR UPDATE SKIP LOCKED).

RETRY POLICY:

	markFailed increments attempts. Below max_attempts the row returns to
	pending with scheduled_for = now + 2^attempts seconds (capped at 15
	minutes) plus up to 10% jitter. At max_attempts it is copied to the dead-letter
	table and the row becomes dead_letter. RetryDeadLetter rehydrates a
	fresh pending event and records the linkage.

SEE ALSO:
  - worker.go: the claim/process loop
  - events.go: event catalog
*/
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEventNotFound is returned for unknown event ids.
	ErrEventNotFound = errors.New("outbox event not found")

	// ErrNotDeadLetter is returned when retrying an event that is not in
	// the dead-letter state.
	ErrNotDeadLetter = errors.New("event is not dead-lettered")

	// ErrClaimFailed wraps store failures during claim.
	ErrClaimFailed = errors.New("outbox claim failed")
)

// =============================================================================
// STORE
// =============================================================================

// Store persists outbox rows.
type Store interface {
	// InsertEvent writes a pending row in the surrounding transaction.
	InsertEvent(ctx context.Context, e Event) error

	// ClaimEvents atomically transitions up to batchSize due pending rows
	// to processing, stamping the lock. Returns them ordered by
	// scheduled_for then created_at.
	ClaimEvents(ctx context.Context, workerID string, batchSize int, lockedUntil time.Time, now time.Time) ([]Event, error)

	// GetEvent loads one event.
	GetEvent(ctx context.Context, id string) (*Event, error)

	// UpdateEventProcessed finalizes a delivered event.
	UpdateEventProcessed(ctx context.Context, id string, at time.Time) error

	// UpdateEventRetry returns a failed event to pending with the next
	// attempt scheduled.
	UpdateEventRetry(ctx context.Context, id string, attempts int, lastErr string, nextAttempt time.Time) error

	// UpdateEventDeadLetter moves an exhausted event to dead_letter and
	// copies it into the dead-letter table.
	UpdateEventDeadLetter(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error

	// LinkReprocessed records dead-letter -> replacement linkage.
	LinkReprocessed(ctx context.Context, deadID, newID string) error

	// ListDeadLetters returns dead-lettered events, newest first.
	ListDeadLetters(ctx context.Context, org string, limit int) ([]Event, error)
}

// =============================================================================
// SERVICE
// =============================================================================

const (
	DefaultMaxAttempts = 5
	backoffCap         = 15 * time.Minute
)

// Clock lets tests pin time.
type Clock func() time.Time

// Outbox is the emit/claim/ack surface over the Store.
type Outbox struct {
	store Store
	now   Clock
}

func New(store Store) *Outbox {
	return &Outbox{store: store, now: time.Now}
}

func (o *Outbox) WithClock(c Clock) *Outbox {
	o.now = c
	return o
}

// EmitInput describes an event to enqueue.
type EmitInput struct {
	OrgID         string
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       any
	TraceID       string
	SagaID        string
	CorrelationID string
	CausationID   string
	MaxAttempts   int
	ScheduledFor  time.Time
}

// Emit inserts a pending event. Pass a store participating in a ledger
// transaction to make the emission atomic with the domain write.
func Emit(ctx context.Context, store Store, in EmitInput) (*Event, error) {
	return emit(ctx, store, in, time.Now)
}

// Emit enqueues through the service's own store and clock.
func (o *Outbox) Emit(ctx context.Context, in EmitInput) (*Event, error) {
	return emit(ctx, o.store, in, o.now)
}

func emit(ctx context.Context, store Store, in EmitInput, now Clock) (*Event, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", in.EventType, err)
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = DefaultMaxAttempts
	}
	n := now().UTC()
	sched := in.ScheduledFor
	if sched.IsZero() {
		sched = n
	}
	e := Event{
		ID:            uuid.NewString(),
		OrgID:         in.OrgID,
		EventType:     in.EventType,
		AggregateType: in.AggregateType,
		AggregateID:   in.AggregateID,
		Payload:       payload,
		Status:        StatusPending,
		MaxAttempts:   in.MaxAttempts,
		TraceID:       in.TraceID,
		SagaID:        in.SagaID,
		CorrelationID: in.CorrelationID,
		CausationID:   in.CausationID,
		CreatedAt:     n,
		ScheduledFor:  sched,
	}
	if err := store.InsertEvent(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Claim locks up to batchSize due events for the worker.
func (o *Outbox) Claim(ctx context.Context, workerID string, batchSize int, lockDuration time.Duration) ([]Event, error) {
	now := o.now().UTC()
	events, err := o.store.ClaimEvents(ctx, workerID, batchSize, now.Add(lockDuration), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}
	return events, nil
}

// MarkProcessed finalizes a delivered event.
func (o *Outbox) MarkProcessed(ctx context.Context, id string) error {
	return o.store.UpdateEventProcessed(ctx, id, o.now().UTC())
}

// MarkFailed records a handler failure: retry with backoff, or dead-letter
// once attempts reach max_attempts.
func (o *Outbox) MarkFailed(ctx context.Context, id string, handlerErr error) error {
	e, err := o.store.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	attempts := e.Attempts + 1
	msg := ""
	if handlerErr != nil {
		msg = handlerErr.Error()
	}
	now := o.now().UTC()
	if attempts >= e.MaxAttempts {
		return o.store.UpdateEventDeadLetter(ctx, id, attempts, msg, now)
	}
	return o.store.UpdateEventRetry(ctx, id, attempts, msg, now.Add(Backoff(attempts)))
}

// RetryDeadLetter rehydrates a dead-lettered event as a fresh pending one
// and records the linkage on the dead row.
func (o *Outbox) RetryDeadLetter(ctx context.Context, id string) (*Event, error) {
	dead, err := o.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if dead.Status != StatusDeadLetter {
		return nil, ErrNotDeadLetter
	}
	n := o.now().UTC()
	fresh := Event{
		ID:            uuid.NewString(),
		OrgID:         dead.OrgID,
		EventType:     dead.EventType,
		AggregateType: dead.AggregateType,
		AggregateID:   dead.AggregateID,
		Payload:       dead.Payload,
		Status:        StatusPending,
		MaxAttempts:   dead.MaxAttempts,
		TraceID:       dead.TraceID,
		SagaID:        dead.SagaID,
		CorrelationID: dead.CorrelationID,
		CausationID:   dead.ID,
		CreatedAt:     n,
		ScheduledFor:  n,
	}
	if err := o.store.InsertEvent(ctx, fresh); err != nil {
		return nil, err
	}
	if err := o.store.LinkReprocessed(ctx, dead.ID, fresh.ID); err != nil {
		return nil, err
	}
	return &fresh, nil
}

// ListDeadLetters returns dead-lettered events for operator review.
func (o *Outbox) ListDeadLetters(ctx context.Context, org string, limit int) ([]Event, error) {
	return o.store.ListDeadLetters(ctx, org, limit)
}

// Backoff returns the exponential retry delay for the attempt count:
// 2^attempts seconds capped at 15 minutes, plus up to 10% jitter on top of
// the capped delay.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 20 {
		attempts = 20
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}
