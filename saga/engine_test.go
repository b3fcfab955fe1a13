package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/saga"
	"github.com/propmaster/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// scriptedExecutor is a three-step saga whose behavior per step is
// programmable from the test.
type scriptedExecutor struct {
	failOn      string
	executed    []string
	compensated []string
}

func (x *scriptedExecutor) Name() string { return "SCRIPTED" }

func (x *scriptedExecutor) Steps() []string { return []string{"STEP_A", "STEP_B", "STEP_C"} }

func (x *scriptedExecutor) Execute(ctx context.Context, s *saga.Saga, step string) (saga.StepResult, error) {
	x.executed = append(x.executed, step)
	if step == x.failOn {
		return saga.StepResult{}, errors.New("scripted failure at " + step)
	}
	switch step {
	case "STEP_A":
		out, _ := json.Marshal(map[string]any{"a": "done"})
		return saga.StepResult{Output: out, NextStep: "STEP_B"}, nil
	case "STEP_B":
		return saga.StepResult{NextStep: "STEP_C"}, nil
	case "STEP_C":
		result, _ := json.Marshal(map[string]any{"final": true})
		return saga.StepResult{Result: result}, nil
	}
	return saga.StepResult{}, saga.ErrStepUnknown
}

func (x *scriptedExecutor) Compensate(ctx context.Context, s *saga.Saga, step string) (json.RawMessage, error) {
	x.compensated = append(x.compensated, step)
	return nil, nil
}

type harness struct {
	store  *sqlite.Store
	engine *saga.Engine
	worker *outbox.Worker
	exec   *scriptedExecutor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ob := outbox.New(store)
	engine := saga.NewEngine(store, ob, zap.NewNop())
	exec := &scriptedExecutor{}
	engine.RegisterExecutor(exec)

	worker := outbox.NewWorker(ob, zap.NewNop(), 10, time.Minute, time.Second)
	worker.Register(outbox.EventSagaStepReady, engine.Handler())

	return &harness{store: store, engine: engine, worker: worker, exec: exec}
}

// drain processes outbox batches until the queue is quiet.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if h.worker.ProcessOnce(context.Background()) == 0 {
			return
		}
	}
	t.Fatal("outbox did not drain")
}

func start(t *testing.T, h *harness) *saga.Saga {
	t.Helper()
	s, err := h.engine.Start(context.Background(), saga.StartInput{
		OrgID: "org-1", Name: "SCRIPTED",
		Payload:     map[string]any{"seed": 1},
		InitiatedBy: "tester",
	})
	require.NoError(t, err)
	return s
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestSaga_RunsToCompletion(t *testing.T) {
	h := newHarness(t)
	s := start(t, h)
	h.drain(t)

	final, err := h.engine.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, final.Status)
	assert.Equal(t, []string{"STEP_A", "STEP_B", "STEP_C"}, final.StepsCompleted)
	assert.Equal(t, []string{"STEP_A", "STEP_B", "STEP_C"}, h.exec.executed)
	assert.NotNil(t, final.CompletedAt)
	assert.JSONEq(t, `{"final":true}`, string(final.Result))
}

func TestSaga_StepOutputMergedIntoPayload(t *testing.T) {
	h := newHarness(t)
	s := start(t, h)
	h.drain(t)

	final, err := h.engine.Get(context.Background(), s.ID)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(final.Payload, &payload))
	assert.Equal(t, "done", payload["a"], "STEP_A output must accumulate")
	assert.EqualValues(t, 1, payload["seed"], "original payload must survive")
}

func TestSaga_StepLogsRecorded(t *testing.T) {
	h := newHarness(t)
	s := start(t, h)
	h.drain(t)

	logs, err := h.engine.StepLogs(context.Background(), s.ID)
	require.NoError(t, err)
	// started + completed per step.
	assert.Len(t, logs, 6)
	assert.Equal(t, saga.StepStarted, logs[0].Status)
	assert.Equal(t, "STEP_A", logs[0].StepName)
	assert.Equal(t, saga.StepCompleted, logs[1].Status)
}

// =============================================================================
// FAILURE AND COMPENSATION
// =============================================================================

func TestSaga_FailureCompensatesInReverse(t *testing.T) {
	// GIVEN: STEP_C fails after A and B completed
	// WHEN: the saga drains
	// THEN: compensation runs B then A and the saga lands compensated

	h := newHarness(t)
	h.exec.failOn = "STEP_C"
	s := start(t, h)
	h.drain(t)

	final, err := h.engine.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, final.Status)
	assert.Equal(t, "STEP_C", final.ErrorStep)
	assert.Contains(t, final.ErrorMessage, "scripted failure")
	assert.Equal(t, []string{"STEP_B", "STEP_A"}, h.exec.compensated,
		"compensation must walk completed steps in reverse")
}

func TestSaga_FirstStepFailure_NothingToCompensate(t *testing.T) {
	h := newHarness(t)
	h.exec.failOn = "STEP_A"
	s := start(t, h)
	h.drain(t)

	final, err := h.engine.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, final.Status)
	assert.Empty(t, h.exec.compensated)
}

// =============================================================================
// TRANSITION GUARDS
// =============================================================================

func TestAdvance_RejectedWhenNotRunning(t *testing.T) {
	h := newHarness(t)
	s := start(t, h)
	h.drain(t) // completes

	final, err := h.engine.Get(context.Background(), s.ID)
	require.NoError(t, err)
	err = h.engine.Advance(context.Background(), final, "STEP_B")
	assert.ErrorIs(t, err, saga.ErrInvalidStatus)
}

func TestStartCompensation_OnlyFromFailed(t *testing.T) {
	h := newHarness(t)
	s := start(t, h)

	loaded, err := h.engine.Get(context.Background(), s.ID)
	require.NoError(t, err)
	err = h.engine.StartCompensation(context.Background(), loaded)
	assert.ErrorIs(t, err, saga.ErrInvalidStatus)
}

func TestExecuteStep_StaleRedelivery_Ignored(t *testing.T) {
	// Redelivering an event for a step the saga already moved past is a
	// no-op, which makes at-least-once delivery safe.
	h := newHarness(t)
	s := start(t, h)
	h.drain(t)

	execCount := len(h.exec.executed)
	require.NoError(t, h.engine.ExecuteStep(context.Background(), s.ID, "STEP_A", saga.StepForward))
	assert.Len(t, h.exec.executed, execCount, "stale event must not re-execute")
}

func TestStart_UnregisteredSaga_Rejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), saga.StartInput{
		OrgID: "org-1", Name: "UNKNOWN", Payload: map[string]any{},
	})
	assert.ErrorIs(t, err, saga.ErrExecutorNotRegistered)
}

func TestGet_UnknownSaga(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, saga.ErrSagaNotFound)
}

// =============================================================================
// TIMEOUTS
// =============================================================================

func TestReap_TimedOutSaga_Compensated(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), saga.StartInput{
		OrgID: "org-1", Name: "SCRIPTED",
		Payload: map[string]any{}, Timeout: time.Nanosecond,
	})
	require.NoError(t, err)

	// The step event is still pending; the saga is a zombie past its
	// timeout. Reap must fail it and schedule compensation.
	time.Sleep(2 * time.Millisecond)
	n, err := h.engine.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHeartbeat_Refreshes(t *testing.T) {
	h := newHarness(t)
	s := start(t, h)

	loaded, err := h.engine.Get(context.Background(), s.ID)
	require.NoError(t, err)
	before := loaded.LastHeartbeat
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, h.engine.Heartbeat(context.Background(), loaded))

	reloaded, err := h.engine.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.LastHeartbeat.After(before))
}
