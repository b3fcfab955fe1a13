/*
periodclose.go - Period close workflow

PURPOSE:

	DIAGNOSTIC_GATE -> FREEZE -> GENERATE_REPORTS

	This saga is the service's path to closing a period (the ledgerctl
	close-period command runs the same gate and calls Close directly). The gate runs
	the full canary and fails the close on any integrity violation; freeze
	marks the period closed (terminal - reopening does not exist);
	reports snapshot the trial balance as of the period end.

COMPENSATION:

	Closure is terminal, so FREEZE has no inverse. Compensation of the
	gate and report steps is a no-op; a saga that fails after FREEZE
	leaves the period closed, which is the safe direction.
*/
package sagas

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/saga"
)

// SagaPeriodClose is the saga_name of the period close workflow.
const SagaPeriodClose = "PERIOD_CLOSE"

const (
	stepDiagnosticGate  = "DIAGNOSTIC_GATE"
	stepFreeze          = "FREEZE"
	stepGenerateReports = "GENERATE_REPORTS"
)

// PeriodClosePayload is the saga payload.
type PeriodClosePayload struct {
	OrgID      string `json:"org_id"`
	TraceID    string `json:"trace_id"`
	PeriodDate string `json:"period_date"` // any date inside the period, YYYY-MM-DD
	ClosedBy   string `json:"closed_by"`

	PeriodID  string `json:"period_id,omitempty"`
	PeriodEnd string `json:"period_end,omitempty"`
}

// PeriodCloseSaga executes the close workflow.
type PeriodCloseSaga struct {
	svc *Services
}

func NewPeriodCloseSaga(svc *Services) *PeriodCloseSaga {
	return &PeriodCloseSaga{svc: svc}
}

func (pc *PeriodCloseSaga) Name() string { return SagaPeriodClose }

func (pc *PeriodCloseSaga) Steps() []string {
	return []string{stepDiagnosticGate, stepFreeze, stepGenerateReports}
}

func (pc *PeriodCloseSaga) Execute(ctx context.Context, s *saga.Saga, step string) (saga.StepResult, error) {
	var p PeriodClosePayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return saga.StepResult{}, fmt.Errorf("decode period close payload: %w", err)
	}
	if p.TraceID == "" {
		p.TraceID = s.TraceID
	}
	date, err := time.Parse("2006-01-02", p.PeriodDate)
	if err != nil {
		return saga.StepResult{}, fmt.Errorf("invalid period_date %q: %w", p.PeriodDate, err)
	}

	switch step {
	case stepDiagnosticGate:
		if _, err := pc.svc.Canary.Gate(ctx, s.OrgID); err != nil {
			return saga.StepResult{}, err
		}
		return saga.StepResult{NextStep: stepFreeze}, nil

	case stepFreeze:
		closed, err := pc.svc.Periods.Close(ctx, s.OrgID, date, p.ClosedBy)
		if err != nil {
			return saga.StepResult{}, err
		}
		if _, err := pc.svc.Outbox.Emit(ctx, outbox.EmitInput{
			OrgID: s.OrgID, EventType: outbox.EventPeriodClosed,
			AggregateType: "period", AggregateID: closed.ID,
			TraceID: p.TraceID, SagaID: s.ID,
			Payload: map[string]any{
				"period_id": closed.ID,
				"start":     closed.Start.Format("2006-01-02"),
				"end":       closed.End.Format("2006-01-02"),
				"closed_by": p.ClosedBy, "trace_id": p.TraceID, "saga_id": s.ID,
			},
		}); err != nil {
			return saga.StepResult{}, err
		}
		out, _ := json.Marshal(map[string]any{
			"period_id":  closed.ID,
			"period_end": closed.End.Format("2006-01-02"),
		})
		return saga.StepResult{Output: out, NextStep: stepGenerateReports}, nil

	case stepGenerateReports:
		end, err := time.Parse("2006-01-02", p.PeriodEnd)
		if err != nil {
			return saga.StepResult{}, fmt.Errorf("invalid period_end %q: %w", p.PeriodEnd, err)
		}
		tb, err := pc.svc.Ledger.TrialBalanceAsOf(ctx, ledger.OrgID(s.OrgID), end)
		if err != nil {
			return saga.StepResult{}, err
		}
		result, _ := json.Marshal(map[string]any{
			"period_id":     p.PeriodID,
			"trial_balance": tb,
			"balanced":      tb.Balanced(),
		})
		return saga.StepResult{Result: result}, nil
	}
	return saga.StepResult{}, fmt.Errorf("%w: %s", saga.ErrStepUnknown, step)
}

// Compensate is a no-op for every step: closure is terminal and the gate
// and report steps have no effects to undo.
func (pc *PeriodCloseSaga) Compensate(ctx context.Context, s *saga.Saga, step string) (json.RawMessage, error) {
	return nil, nil
}
