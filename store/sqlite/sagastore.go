/*
sagastore.go - saga.Store implementation

PURPOSE:

	Saga state rows and the append-only step log. UpdateSaga is a
	compare-and-set on status, which makes the saga row the serialization
	point for concurrent step executions.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/propmaster/ledger-engine/saga"
)

func (s *Store) InsertSaga(ctx context.Context, sg saga.Saga) error {
	defer s.lock()()

	completed, _ := json.Marshal(sg.StepsCompleted)
	compensation, _ := json.Marshal(sg.CompensationSteps)

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sagas
		(id, org_id, saga_name, saga_version, current_step, status, steps_completed,
		 compensation_steps, payload, result, error_message, error_step, retry_count,
		 trace_id, initiated_by, created_at, updated_at, completed_at, last_heartbeat, timeout_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.OrgID, sg.Name, sg.Version, sg.CurrentStep, sg.Status,
		string(completed), string(compensation), string(sg.Payload), nullJSON(sg.Result),
		sg.ErrorMessage, sg.ErrorStep, sg.RetryCount, sg.TraceID, sg.InitiatedBy,
		fmtTime(sg.CreatedAt), fmtTime(sg.UpdatedAt), nullTime(sg.CompletedAt),
		fmtTime(sg.LastHeartbeat), nullTime(sg.TimeoutAt))
	if err != nil {
		return fmt.Errorf("failed to insert saga: %w", err)
	}
	return nil
}

const sagaColumns = `id, org_id, saga_name, saga_version, current_step, status, steps_completed,
	compensation_steps, payload, result, error_message, error_step, retry_count,
	trace_id, initiated_by, created_at, updated_at, completed_at, last_heartbeat, timeout_at`

func (s *Store) GetSaga(ctx context.Context, id string) (*saga.Saga, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE id = ?`, id)
	sg, err := scanSaga(row)
	if err == sql.ErrNoRows {
		return nil, saga.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga: %w", err)
	}
	return sg, nil
}

// UpdateSaga applies the mutable fields guarded by the expected status.
// A zero-row update means the status moved underneath us.
func (s *Store) UpdateSaga(ctx context.Context, sg saga.Saga, expectStatus saga.Status) error {
	defer s.lock()()

	completed, _ := json.Marshal(sg.StepsCompleted)
	compensation, _ := json.Marshal(sg.CompensationSteps)

	res, err := s.q.ExecContext(ctx, `
		UPDATE sagas SET
			current_step = ?, status = ?, steps_completed = ?, compensation_steps = ?,
			payload = ?, result = ?, error_message = ?, error_step = ?, retry_count = ?,
			updated_at = ?, completed_at = ?, last_heartbeat = ?
		WHERE id = ? AND status = ?`,
		sg.CurrentStep, sg.Status, string(completed), string(compensation),
		string(sg.Payload), nullJSON(sg.Result), sg.ErrorMessage, sg.ErrorStep, sg.RetryCount,
		fmtTime(sg.UpdatedAt), nullTime(sg.CompletedAt), fmtTime(sg.LastHeartbeat),
		sg.ID, expectStatus)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, gerr := s.GetSaga(ctx, sg.ID); gerr != nil {
			return gerr
		}
		return &saga.InvalidStatusError{SagaID: sg.ID, Have: sg.Status, Want: expectStatus, Op: "update"}
	}
	return nil
}

func (s *Store) AppendStepLog(ctx context.Context, l saga.StepLog) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO saga_step_logs
		(id, saga_id, step_name, step_type, status, input, output, error, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SagaID, l.StepName, l.StepType, l.Status,
		nullJSON(l.Input), nullJSON(l.Output), l.Error,
		fmtTime(l.StartedAt), nullTime(l.CompletedAt), l.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to append step log: %w", err)
	}
	return nil
}

func (s *Store) ListStepLogs(ctx context.Context, sagaID string) ([]saga.StepLog, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, saga_id, step_name, step_type, status, input, output, error, started_at, completed_at, duration_ms
		FROM saga_step_logs WHERE saga_id = ? ORDER BY rowid`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step logs: %w", err)
	}
	defer rows.Close()

	var logs []saga.StepLog
	for rows.Next() {
		var l saga.StepLog
		var input, output, completedAt sql.NullString
		var startedAt string
		if err := rows.Scan(&l.ID, &l.SagaID, &l.StepName, &l.StepType, &l.Status,
			&input, &output, &l.Error, &startedAt, &completedAt, &l.DurationMS); err != nil {
			return nil, err
		}
		if input.Valid {
			l.Input = []byte(input.String)
		}
		if output.Valid {
			l.Output = []byte(output.String)
		}
		l.StartedAt = parseTime(startedAt)
		l.CompletedAt = scanNullTime(completedAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Store) ListTimedOut(ctx context.Context, now time.Time) ([]saga.Saga, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+sagaColumns+` FROM sagas
		WHERE status = 'running' AND timeout_at IS NOT NULL AND timeout_at <= ?`,
		fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list timed-out sagas: %w", err)
	}
	defer rows.Close()

	var sagas []saga.Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, *sg)
	}
	return sagas, rows.Err()
}

func scanSaga(row rowScanner) (*saga.Saga, error) {
	var sg saga.Saga
	var completed, compensation, payload string
	var result, completedAt, timeoutAt sql.NullString
	var createdAt, updatedAt, heartbeat string
	err := row.Scan(&sg.ID, &sg.OrgID, &sg.Name, &sg.Version, &sg.CurrentStep, &sg.Status,
		&completed, &compensation, &payload, &result, &sg.ErrorMessage, &sg.ErrorStep,
		&sg.RetryCount, &sg.TraceID, &sg.InitiatedBy, &createdAt, &updatedAt,
		&completedAt, &heartbeat, &timeoutAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(completed), &sg.StepsCompleted)
	json.Unmarshal([]byte(compensation), &sg.CompensationSteps)
	sg.Payload = []byte(payload)
	if result.Valid {
		sg.Result = []byte(result.String)
	}
	sg.CreatedAt = parseTime(createdAt)
	sg.UpdatedAt = parseTime(updatedAt)
	sg.CompletedAt = scanNullTime(completedAt)
	sg.LastHeartbeat = parseTime(heartbeat)
	sg.TimeoutAt = scanNullTime(timeoutAt)
	return &sg, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
