/*
engine.go - Saga transitions and outbox-driven execution

PURPOSE:

	Owns every state transition (start, advance, complete, fail,
	compensation) and the step execution entry point the outbox worker
	calls for saga.step.ready events. A saga never runs in a long-lived
	goroutine: each step executes inside one event delivery, records its
	outcome, and schedules the next step as a new event.

CONCURRENCY:

	The saga row is the serialization point. Every transition re-checks
	status through the store's compare-and-set update; a concurrent
	execution of the same saga loses the check and is rejected with
	ErrInvalidStatus.

TIMEOUTS:

	Heartbeat refreshes last_heartbeat on every step. The Reaper fails
	running sagas past timeout_at and triggers their compensation, so a
	crashed handler cannot strand a saga forever.

SEE ALSO:
  - types.go: state machine shape
  - outbox/worker.go: delivers saga.step.ready to HandleStepReady
*/
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propmaster/ledger-engine/outbox"
)

// =============================================================================
// ENGINE
// =============================================================================

// Clock lets tests pin time.
type Clock func() time.Time

// Engine drives saga state over its store and schedules steps through
// the outbox.
type Engine struct {
	store     Store
	outbox    *outbox.Outbox
	log       *zap.Logger
	now       Clock
	executors map[string]Executor

	// DefaultTimeout bounds a saga run (config saga.default_timeout_minutes).
	DefaultTimeout time.Duration
}

func NewEngine(store Store, ob *outbox.Outbox, log *zap.Logger) *Engine {
	return &Engine{
		store:          store,
		outbox:         ob,
		log:            log,
		now:            time.Now,
		executors:      make(map[string]Executor),
		DefaultTimeout: 30 * time.Minute,
	}
}

func (e *Engine) WithClock(c Clock) *Engine {
	e.now = c
	return e
}

// RegisterExecutor installs the executor for its saga name.
func (e *Engine) RegisterExecutor(x Executor) {
	e.executors[x.Name()] = x
}

// =============================================================================
// START
// =============================================================================

// StartInput describes a new saga instance.
type StartInput struct {
	OrgID       string
	Name        string
	Version     int
	Payload     any
	TraceID     string
	InitiatedBy string
	Timeout     time.Duration
}

// Start persists a running saga at its executor's first step and emits
// the first saga.step.ready event.
func (e *Engine) Start(ctx context.Context, in StartInput) (*Saga, error) {
	x, ok := e.executors[in.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotRegistered, in.Name)
	}
	steps := x.Steps()
	if len(steps) == 0 {
		return nil, fmt.Errorf("saga %s declares no steps", in.Name)
	}

	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal saga payload: %w", err)
	}
	if in.TraceID == "" {
		in.TraceID = uuid.NewString()
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	if in.Version <= 0 {
		in.Version = 1
	}

	now := e.now().UTC()
	timeoutAt := now.Add(timeout)
	s := Saga{
		ID:            uuid.NewString(),
		OrgID:         in.OrgID,
		Name:          in.Name,
		Version:       in.Version,
		CurrentStep:   steps[0],
		Status:        StatusRunning,
		Payload:       payload,
		TraceID:       in.TraceID,
		InitiatedBy:   in.InitiatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastHeartbeat: now,
		TimeoutAt:     &timeoutAt,
	}
	if err := e.store.InsertSaga(ctx, s); err != nil {
		return nil, err
	}
	if err := e.scheduleStep(ctx, &s, s.CurrentStep, StepForward); err != nil {
		return nil, err
	}
	e.log.Info("saga started",
		zap.String("saga_id", s.ID),
		zap.String("saga_name", s.Name),
		zap.String("first_step", s.CurrentStep),
		zap.String("trace_id", s.TraceID))
	return &s, nil
}

// stepReadyPayload is the saga.step.ready event body.
type stepReadyPayload struct {
	SagaID   string   `json:"saga_id"`
	Step     string   `json:"next_step"`
	StepType StepType `json:"step_type"`
	TraceID  string   `json:"trace_id"`
}

func (e *Engine) scheduleStep(ctx context.Context, s *Saga, step string, kind StepType) error {
	_, err := e.outbox.Emit(ctx, outbox.EmitInput{
		OrgID:         s.OrgID,
		EventType:     outbox.EventSagaStepReady,
		AggregateType: "saga",
		AggregateID:   s.ID,
		TraceID:       s.TraceID,
		SagaID:        s.ID,
		Payload:       stepReadyPayload{SagaID: s.ID, Step: step, StepType: kind, TraceID: s.TraceID},
	})
	return err
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Get loads a saga.
func (e *Engine) Get(ctx context.Context, id string) (*Saga, error) {
	return e.store.GetSaga(ctx, id)
}

// StepLogs returns the saga's execution history.
func (e *Engine) StepLogs(ctx context.Context, id string) ([]StepLog, error) {
	return e.store.ListStepLogs(ctx, id)
}

// Advance records the current step as completed and moves to next.
// Rejected unless the saga is running.
func (e *Engine) Advance(ctx context.Context, s *Saga, next string) error {
	if s.Status != StatusRunning {
		return &InvalidStatusError{SagaID: s.ID, Have: s.Status, Want: StatusRunning, Op: "advance"}
	}
	s.StepsCompleted = append(s.StepsCompleted, s.CurrentStep)
	s.CurrentStep = next
	s.touch()
	return e.store.UpdateSaga(ctx, *s, StatusRunning)
}

// Complete records the current step and the final result.
func (e *Engine) Complete(ctx context.Context, s *Saga, result json.RawMessage) error {
	if s.Status != StatusRunning {
		return &InvalidStatusError{SagaID: s.ID, Have: s.Status, Want: StatusRunning, Op: "complete"}
	}
	s.StepsCompleted = append(s.StepsCompleted, s.CurrentStep)
	s.CurrentStep = ""
	s.Status = StatusCompleted
	s.Result = result
	now := e.now().UTC()
	s.CompletedAt = &now
	s.touch()
	return e.store.UpdateSaga(ctx, *s, StatusRunning)
}

// Fail moves a running saga to failed, recording the error and the step
// it died on.
func (e *Engine) Fail(ctx context.Context, s *Saga, stepErr error) error {
	if s.Status != StatusRunning {
		return &InvalidStatusError{SagaID: s.ID, Have: s.Status, Want: StatusRunning, Op: "fail"}
	}
	s.Status = StatusFailed
	s.ErrorMessage = stepErr.Error()
	s.ErrorStep = s.CurrentStep
	s.touch()
	return e.store.UpdateSaga(ctx, *s, StatusRunning)
}

// StartCompensation computes compensation steps as the reverse of the
// completed steps and begins the walk. Only valid from failed. A saga
// with nothing to undo goes straight to compensated.
func (e *Engine) StartCompensation(ctx context.Context, s *Saga) error {
	if s.Status != StatusFailed {
		return &InvalidStatusError{SagaID: s.ID, Have: s.Status, Want: StatusFailed, Op: "startCompensation"}
	}
	s.CompensationSteps = nil
	for i := len(s.StepsCompleted) - 1; i >= 0; i-- {
		s.CompensationSteps = append(s.CompensationSteps, s.StepsCompleted[i])
	}
	if len(s.CompensationSteps) == 0 {
		s.Status = StatusCompensated
		now := e.now().UTC()
		s.CompletedAt = &now
		s.touch()
		return e.store.UpdateSaga(ctx, *s, StatusFailed)
	}
	s.Status = StatusCompensating
	s.CurrentStep = s.CompensationSteps[0]
	s.touch()
	if err := e.store.UpdateSaga(ctx, *s, StatusFailed); err != nil {
		return err
	}
	return e.scheduleStep(ctx, s, s.CurrentStep, StepCompensation)
}

// AdvanceCompensation consumes one compensation step; on the last one the
// saga becomes compensated.
func (e *Engine) AdvanceCompensation(ctx context.Context, s *Saga) error {
	if s.Status != StatusCompensating {
		return &InvalidStatusError{SagaID: s.ID, Have: s.Status, Want: StatusCompensating, Op: "advanceCompensation"}
	}
	s.CompensationSteps = s.CompensationSteps[1:]
	if len(s.CompensationSteps) == 0 {
		s.Status = StatusCompensated
		s.CurrentStep = ""
		now := e.now().UTC()
		s.CompletedAt = &now
		s.touch()
		return e.store.UpdateSaga(ctx, *s, StatusCompensating)
	}
	s.CurrentStep = s.CompensationSteps[0]
	s.touch()
	if err := e.store.UpdateSaga(ctx, *s, StatusCompensating); err != nil {
		return err
	}
	return e.scheduleStep(ctx, s, s.CurrentStep, StepCompensation)
}

// Heartbeat refreshes last_heartbeat for zombie detection.
func (e *Engine) Heartbeat(ctx context.Context, s *Saga) error {
	s.LastHeartbeat = e.now().UTC()
	s.UpdatedAt = s.LastHeartbeat
	return e.store.UpdateSaga(ctx, *s, s.Status)
}

func (s *Saga) touch() {
	now := time.Now().UTC()
	s.UpdatedAt = now
	s.LastHeartbeat = now
}

// =============================================================================
// STEP EXECUTION - the saga.step.ready handler
// =============================================================================

// Handler returns the outbox handler that drives saga progression.
// Register it for outbox.EventSagaStepReady.
func (e *Engine) Handler() outbox.Handler {
	return func(ctx context.Context, ev outbox.Event) error {
		var p stepReadyPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode step.ready payload: %w", err)
		}
		return e.ExecuteStep(ctx, p.SagaID, p.Step, p.StepType)
	}
}

// ExecuteStep runs one step (forward or compensation) of a saga.
// Redelivered events for already-advanced steps are ignored, which keeps
// execution idempotent under at-least-once delivery.
func (e *Engine) ExecuteStep(ctx context.Context, sagaID, step string, kind StepType) error {
	s, err := e.store.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return nil
	}
	if s.CurrentStep != step {
		// Stale redelivery for a step that already ran.
		e.log.Debug("ignoring stale step event",
			zap.String("saga_id", sagaID),
			zap.String("event_step", step),
			zap.String("current_step", s.CurrentStep))
		return nil
	}

	x, ok := e.executors[s.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutorNotRegistered, s.Name)
	}

	switch kind {
	case StepCompensation:
		return e.executeCompensation(ctx, s, x, step)
	default:
		return e.executeForward(ctx, s, x, step)
	}
}

func (e *Engine) executeForward(ctx context.Context, s *Saga, x Executor, step string) error {
	if s.Status != StatusRunning {
		return nil
	}
	if !stepDeclared(x, step) {
		return fmt.Errorf("%w: %s.%s", ErrStepUnknown, s.Name, step)
	}

	started := e.now().UTC()
	e.logStep(ctx, s, step, StepForward, StepStarted, s.Payload, nil, "", started, nil)

	result, stepErr := x.Execute(ctx, s, step)
	finished := e.now().UTC()

	if stepErr != nil {
		e.logStep(ctx, s, step, StepForward, StepFailed, s.Payload, nil, stepErr.Error(), started, &finished)
		e.log.Warn("saga step failed",
			zap.String("saga_id", s.ID),
			zap.String("step", step),
			zap.Error(stepErr))
		if err := e.Fail(ctx, s, stepErr); err != nil {
			return err
		}
		return e.StartCompensation(ctx, s)
	}

	e.logStep(ctx, s, step, StepForward, StepCompleted, s.Payload, result.Output, "", started, &finished)
	if result.Output != nil {
		s.Payload = mergePayload(s.Payload, result.Output)
	}

	if result.NextStep == "" {
		return e.Complete(ctx, s, result.Result)
	}
	if !stepDeclared(x, result.NextStep) {
		return fmt.Errorf("%w: %s.%s", ErrStepUnknown, s.Name, result.NextStep)
	}
	if err := e.Advance(ctx, s, result.NextStep); err != nil {
		return err
	}
	return e.scheduleStep(ctx, s, result.NextStep, StepForward)
}

func (e *Engine) executeCompensation(ctx context.Context, s *Saga, x Executor, step string) error {
	if s.Status != StatusCompensating {
		return nil
	}

	started := e.now().UTC()
	e.logStep(ctx, s, step, StepCompensation, StepStarted, s.Payload, nil, "", started, nil)

	output, compErr := x.Compensate(ctx, s, step)
	finished := e.now().UTC()

	if compErr != nil {
		// Compensation failures are retried through the outbox; the event
		// redelivers until it dead-letters for operator intervention.
		e.logStep(ctx, s, step, StepCompensation, StepFailed, s.Payload, nil, compErr.Error(), started, &finished)
		return fmt.Errorf("compensate %s.%s: %w", s.Name, step, compErr)
	}

	e.logStep(ctx, s, step, StepCompensation, StepCompleted, s.Payload, output, "", started, &finished)
	if output != nil {
		s.Payload = mergePayload(s.Payload, output)
	}
	return e.AdvanceCompensation(ctx, s)
}

func (e *Engine) logStep(ctx context.Context, s *Saga, step string, kind StepType, status StepStatus, input, output json.RawMessage, errMsg string, started time.Time, completed *time.Time) {
	l := StepLog{
		ID:        uuid.NewString(),
		SagaID:    s.ID,
		StepName:  step,
		StepType:  kind,
		Status:    status,
		Input:     input,
		Output:    output,
		Error:     errMsg,
		StartedAt: started,
	}
	if completed != nil {
		l.CompletedAt = completed
		l.DurationMS = completed.Sub(started).Milliseconds()
	}
	if err := e.store.AppendStepLog(ctx, l); err != nil {
		e.log.Error("step log append failed", zap.String("saga_id", s.ID), zap.Error(err))
	}
}

func stepDeclared(x Executor, step string) bool {
	for _, s := range x.Steps() {
		if s == step {
			return true
		}
	}
	return false
}

// mergePayload overlays the step output's keys onto the saga payload so
// later steps see accumulated state.
func mergePayload(base, overlay json.RawMessage) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil || m == nil {
		m = map[string]json.RawMessage{}
	}
	var o map[string]json.RawMessage
	if err := json.Unmarshal(overlay, &o); err != nil {
		return base
	}
	for k, v := range o {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return base
	}
	return merged
}

// =============================================================================
// REAPER - zombie detection
// =============================================================================

// Reap fails running sagas whose timeout_at has passed and starts their
// compensation. Returns how many were reaped. Run it on a schedule.
func (e *Engine) Reap(ctx context.Context) (int, error) {
	stale, err := e.store.ListTimedOut(ctx, e.now().UTC())
	if err != nil {
		return 0, err
	}
	reaped := 0
	for i := range stale {
		s := stale[i]
		if err := e.Fail(ctx, &s, errors.New("saga timed out")); err != nil {
			if errors.Is(err, ErrInvalidStatus) {
				continue // advanced concurrently; not a zombie anymore
			}
			return reaped, err
		}
		if err := e.StartCompensation(ctx, &s); err != nil {
			return reaped, err
		}
		e.log.Warn("saga reaped after timeout",
			zap.String("saga_id", s.ID),
			zap.String("saga_name", s.Name),
			zap.String("step", s.ErrorStep))
		reaped++
	}
	return reaped, nil
}
