/*
outboxstore.go - outbox.Store implementation

PURPOSE:

	Outbox rows and the atomic claim. The claim runs SELECT-then-UPDATE in
	one transaction under the store mutex; rows move pending -> processing
	exactly once per lock window.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/propmaster/ledger-engine/outbox"
)

const eventColumns = `id, org_id, event_type, aggregate_type, aggregate_id, payload, status,
	attempts, max_attempts, last_error, trace_id, saga_id, correlation_id, causation_id,
	created_at, scheduled_for, locked_until, locked_by, processed_at, reprocessed_as`

func (s *Store) InsertEvent(ctx context.Context, e outbox.Event) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO outbox_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, e.EventType, e.AggregateType, e.AggregateID, string(e.Payload), e.Status,
		e.Attempts, e.MaxAttempts, e.LastError, e.TraceID, e.SagaID, e.CorrelationID, e.CausationID,
		fmtTime(e.CreatedAt), fmtTime(e.ScheduledFor), nullTime(e.LockedUntil), e.LockedBy,
		nullTime(e.ProcessedAt), e.ReprocessedAs)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ClaimEvents implements the atomic claim: due pending rows with expired
// locks transition to processing and are returned in delivery order.
func (s *Store) ClaimEvents(ctx context.Context, workerID string, batchSize int, lockedUntil, now time.Time) ([]outbox.Event, error) {
	defer s.lock()()

	txStore, tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := txStore.q.QueryContext(ctx, `
		SELECT id FROM outbox_events
		WHERE status = 'pending' AND scheduled_for <= ?
		  AND (locked_until IS NULL OR locked_until <= ?)
		ORDER BY scheduled_for, created_at
		LIMIT ?`,
		fmtTime(now), fmtTime(now), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable events: %w", err)
	}
	var ids []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := append([]any{fmtTime(lockedUntil), workerID}, ids...)
	_, err = txStore.q.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'processing', locked_until = ?, locked_by = ?
		WHERE id IN (`+placeholders+`) AND status = 'pending'`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock claimed events: %w", err)
	}

	claimed, err := txStore.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM outbox_events
		WHERE id IN (`+placeholders+`)
		ORDER BY scheduled_for, created_at`, ids...)
	if err != nil {
		return nil, err
	}
	return claimed, tx.Commit()
}

func (s *Store) GetEvent(ctx context.Context, id string) (*outbox.Event, error) {
	events, err := s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, outbox.ErrEventNotFound
	}
	return &events[0], nil
}

func (s *Store) UpdateEventProcessed(ctx context.Context, id string, at time.Time) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'processed', processed_at = ?, locked_until = NULL
		WHERE id = ?`, fmtTime(at), id)
	return err
}

func (s *Store) UpdateEventRetry(ctx context.Context, id string, attempts int, lastErr string, nextAttempt time.Time) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending', attempts = ?, last_error = ?, scheduled_for = ?,
		    locked_until = NULL, locked_by = ''
		WHERE id = ?`, attempts, lastErr, fmtTime(nextAttempt), id)
	return err
}

func (s *Store) UpdateEventDeadLetter(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	defer s.lock()()

	txStore, tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = txStore.q.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'dead_letter', attempts = ?, last_error = ?, locked_until = NULL
		WHERE id = ?`, attempts, lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter event: %w", err)
	}
	_, err = txStore.q.ExecContext(ctx, `
		INSERT INTO outbox_dead_letters (id, org_id, event_type, payload, attempts, last_error, dead_at)
		SELECT id, org_id, event_type, payload, ?, ?, ? FROM outbox_events WHERE id = ?`,
		attempts, lastErr, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to copy to dead-letter table: %w", err)
	}
	return tx.Commit()
}

func (s *Store) LinkReprocessed(ctx context.Context, deadID, newID string) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx,
		`UPDATE outbox_events SET reprocessed_as = ? WHERE id = ?`, newID, deadID)
	return err
}

func (s *Store) ListDeadLetters(ctx context.Context, org string, limit int) ([]outbox.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM outbox_events
		WHERE org_id = ? AND status = 'dead_letter'
		ORDER BY created_at DESC LIMIT ?`, org, limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]outbox.Event, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var e outbox.Event
		var payload, createdAt, scheduledFor string
		var lockedUntil, processedAt sql.NullString
		err := rows.Scan(&e.ID, &e.OrgID, &e.EventType, &e.AggregateType, &e.AggregateID,
			&payload, &e.Status, &e.Attempts, &e.MaxAttempts, &e.LastError,
			&e.TraceID, &e.SagaID, &e.CorrelationID, &e.CausationID,
			&createdAt, &scheduledFor, &lockedUntil, &e.LockedBy, &processedAt, &e.ReprocessedAs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = parseTime(createdAt)
		e.ScheduledFor = parseTime(scheduledFor)
		e.LockedUntil = scanNullTime(lockedUntil)
		e.ProcessedAt = scanNullTime(processedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
