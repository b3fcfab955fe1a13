/*
securitydeposit.go - Security deposit collect and return workflows

PURPOSE:

	Collect:
	  VALIDATE_AMOUNT -> CREATE_ENTRY -> ISOLATE_FUNDS -> NOTIFY_TENANT
	The amount is capped at the state maximum (months of rent); the entry
	debits trust cash and credits the deposit liability under the tenant
	dimension; states requiring segregation get a sweep event.

	Return:
	  CALCULATE_INTEREST -> ASSESS_DEDUCTIONS -> CREATE_ENTRIES
	  -> GENERATE_STATEMENT -> PROCESS_REFUND -> NOTIFY_TENANT
	Interest accrues simple-daily at the state rate (zero when the rule is
	absent). Deductions are capped at deposit plus interest; the refund
	check draws trust cash, deductions settle against receivables. The
	statutory deadline is move-out plus the state's return_days.
*/
package sagas

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/compliance"
	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/saga"
)

const (
	// SagaDepositCollect and SagaDepositReturn are the saga_name values.
	SagaDepositCollect = "SECURITY_DEPOSIT_COLLECT"
	SagaDepositReturn  = "SECURITY_DEPOSIT_RETURN"
)

const (
	stepValidateAmount = "VALIDATE_AMOUNT"
	stepCreateEntry    = "CREATE_ENTRY"
	stepIsolateFunds   = "ISOLATE_FUNDS"
	stepNotifyTenant   = "NOTIFY_TENANT"

	stepCalcInterest     = "CALCULATE_INTEREST"
	stepAssessDeductions = "ASSESS_DEDUCTIONS"
	stepCreateEntries    = "CREATE_ENTRIES"
	stepStatement        = "GENERATE_STATEMENT"
	stepProcessRefund    = "PROCESS_REFUND"
)

// =============================================================================
// COLLECT
// =============================================================================

// CollectPayload is the deposit-collect saga payload.
type CollectPayload struct {
	OrgID       string          `json:"org_id"`
	TraceID     string          `json:"trace_id"`
	TenantID    string          `json:"tenant_id"`
	PropertyID  string          `json:"property_id"`
	UnitID      string          `json:"unit_id"`
	StateCode   string          `json:"state_code"`
	Amount      decimal.Decimal `json:"amount"`
	MonthlyRent decimal.Decimal `json:"monthly_rent"`

	DepositID string `json:"deposit_id,omitempty"`
	EntryID   string `json:"entry_id,omitempty"`
}

// DepositCollectSaga executes the collection workflow.
type DepositCollectSaga struct {
	svc *Services
}

func NewDepositCollectSaga(svc *Services) *DepositCollectSaga {
	return &DepositCollectSaga{svc: svc}
}

func (d *DepositCollectSaga) Name() string { return SagaDepositCollect }

func (d *DepositCollectSaga) Steps() []string {
	return []string{stepValidateAmount, stepCreateEntry, stepIsolateFunds, stepNotifyTenant}
}

func (d *DepositCollectSaga) Execute(ctx context.Context, s *saga.Saga, step string) (saga.StepResult, error) {
	var p CollectPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return saga.StepResult{}, fmt.Errorf("decode collect payload: %w", err)
	}
	if p.TraceID == "" {
		p.TraceID = s.TraceID
	}
	today := d.svc.Periods.Today()

	switch step {
	case stepValidateAmount:
		cap, err := d.svc.Compliance.MaxDeposit(ctx, s.OrgID, p.StateCode, p.MonthlyRent, today)
		if err != nil {
			return saga.StepResult{}, err
		}
		if p.Amount.GreaterThan(cap) {
			return saga.StepResult{}, fmt.Errorf("%w: %s > %s (%s)", ErrExceedsStateMax, p.Amount, cap, p.StateCode)
		}
		return saga.StepResult{NextStep: stepCreateEntry}, nil

	case stepCreateEntry:
		dims := ledger.Dimensions{TenantID: p.TenantID, PropertyID: p.PropertyID, UnitID: p.UnitID}
		entry, err := d.svc.Ledger.CreateEntry(ctx, ledger.EntryInput{
			OrgID:       ledger.OrgID(s.OrgID),
			EntryDate:   today,
			Description: fmt.Sprintf("Security deposit collected from tenant %s", p.TenantID),
			SourceType:  ledger.SourcePayment,
			SourceID:    s.ID,
			TraceID:     p.TraceID,
			CreatedBy:   s.InitiatedBy,
			Postings: []ledger.PostingInput{
				{AccountID: d.svc.Chart.TrustBank, Amount: p.Amount},
				{AccountID: d.svc.Chart.SecurityDeposit, Amount: p.Amount.Neg(), Dimensions: dims},
			},
		}, fmt.Sprintf("deposit-collect-%s", s.ID), outbox.EmitInput{
			OrgID: s.OrgID, EventType: outbox.EventDepositCollected,
			AggregateType: "security_deposit", AggregateID: s.ID,
			TraceID: p.TraceID, SagaID: s.ID,
			Payload: map[string]any{
				"tenant_id": p.TenantID, "amount": p.Amount,
				"trace_id": p.TraceID, "saga_id": s.ID,
			},
		})
		if err != nil {
			return saga.StepResult{}, err
		}

		dep := SecurityDeposit{
			ID:          uuid.NewString(),
			OrgID:       s.OrgID,
			TenantID:    p.TenantID,
			PropertyID:  p.PropertyID,
			UnitID:      p.UnitID,
			StateCode:   p.StateCode,
			Amount:      p.Amount,
			CollectedAt: today,
			Status:      DepositHeld,
			EntryID:     string(entry.ID),
			CreatedAt:   time.Now().UTC(),
		}
		if err := d.svc.Store.CreateSecurityDeposit(ctx, dep); err != nil {
			return saga.StepResult{}, err
		}
		out, _ := json.Marshal(map[string]any{"deposit_id": dep.ID, "entry_id": entry.ID})
		return saga.StepResult{Output: out, NextStep: stepIsolateFunds}, nil

	case stepIsolateFunds:
		required, err := d.svc.Compliance.RequiresSeparateAccount(ctx, s.OrgID, p.StateCode, today)
		if err != nil {
			return saga.StepResult{}, err
		}
		if required {
			if _, err := d.svc.Outbox.Emit(ctx, outbox.EmitInput{
				OrgID: s.OrgID, EventType: outbox.EventDepositSweep,
				AggregateType: "security_deposit", AggregateID: p.DepositID,
				TraceID: p.TraceID, SagaID: s.ID,
				Payload: map[string]any{
					"deposit_id": p.DepositID, "amount": p.Amount,
					"trace_id": p.TraceID, "saga_id": s.ID,
				},
			}); err != nil {
				return saga.StepResult{}, err
			}
		}
		return saga.StepResult{NextStep: stepNotifyTenant}, nil

	case stepNotifyTenant:
		if _, err := d.svc.Outbox.Emit(ctx, notification(s, p.TraceID, p.TenantID,
			"security_deposit_receipt", map[string]any{"deposit_id": p.DepositID, "amount": p.Amount})); err != nil {
			return saga.StepResult{}, err
		}
		result, _ := json.Marshal(map[string]any{"deposit_id": p.DepositID, "entry_id": p.EntryID})
		return saga.StepResult{Result: result}, nil
	}
	return saga.StepResult{}, fmt.Errorf("%w: %s", saga.ErrStepUnknown, step)
}

func (d *DepositCollectSaga) Compensate(ctx context.Context, s *saga.Saga, step string) (json.RawMessage, error) {
	var p CollectPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return nil, err
	}
	if step == stepCreateEntry {
		if p.EntryID != "" {
			_, err := d.svc.Ledger.ReverseEntry(ctx, ledger.OrgID(s.OrgID),
				ledger.EntryID(p.EntryID), "deposit collection compensation",
				fmt.Sprintf("deposit-collect-comp-%s", s.ID))
			if err != nil && !ledger.IsClientError(err) {
				return nil, err
			}
		}
		if p.DepositID != "" {
			if err := d.svc.Store.DeleteSecurityDeposit(ctx, p.DepositID); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// =============================================================================
// RETURN
// =============================================================================

// Deduction is one itemized charge against the deposit.
type Deduction struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}

// ReturnPayload is the deposit-return saga payload.
type ReturnPayload struct {
	OrgID      string      `json:"org_id"`
	TraceID    string      `json:"trace_id"`
	DepositID  string      `json:"deposit_id"`
	MoveOut    string      `json:"move_out"` // YYYY-MM-DD
	Deductions []Deduction `json:"deductions"`

	Interest       decimal.Decimal `json:"interest,omitempty"`
	DeductionTotal decimal.Decimal `json:"deduction_total,omitempty"`
	Refund         decimal.Decimal `json:"refund,omitempty"`
	Residual       decimal.Decimal `json:"residual,omitempty"`
	RefundDeadline string          `json:"refund_deadline,omitempty"`
	EntryID        string          `json:"entry_id,omitempty"`
	CheckNumber    int64           `json:"check_number,omitempty"`
	Statement      string          `json:"statement,omitempty"`
}

// DepositReturnSaga executes the return workflow.
type DepositReturnSaga struct {
	svc *Services
}

func NewDepositReturnSaga(svc *Services) *DepositReturnSaga {
	return &DepositReturnSaga{svc: svc}
}

func (d *DepositReturnSaga) Name() string { return SagaDepositReturn }

func (d *DepositReturnSaga) Steps() []string {
	return []string{stepCalcInterest, stepAssessDeductions, stepCreateEntries,
		stepStatement, stepProcessRefund, stepNotifyTenant}
}

func (d *DepositReturnSaga) Execute(ctx context.Context, s *saga.Saga, step string) (saga.StepResult, error) {
	var p ReturnPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return saga.StepResult{}, fmt.Errorf("decode return payload: %w", err)
	}
	if p.TraceID == "" {
		p.TraceID = s.TraceID
	}

	dep, err := d.svc.Store.GetSecurityDeposit(ctx, s.OrgID, p.DepositID)
	if err != nil {
		return saga.StepResult{}, err
	}
	moveOut, err := time.Parse("2006-01-02", p.MoveOut)
	if err != nil {
		return saga.StepResult{}, fmt.Errorf("invalid move_out date %q: %w", p.MoveOut, err)
	}

	switch step {
	case stepCalcInterest:
		if dep.Status != DepositHeld {
			return saga.StepResult{}, fmt.Errorf("%w: %s is %s", ErrDepositNotHeld, dep.ID, dep.Status)
		}
		rate, err := d.svc.Compliance.DepositInterestRate(ctx, s.OrgID, dep.StateCode, moveOut)
		if err != nil {
			return saga.StepResult{}, err
		}
		interest := compliance.AccrueSimpleDailyInterest(dep.Amount, rate, dep.CollectedAt, moveOut)
		out, _ := json.Marshal(map[string]any{"interest": interest})
		return saga.StepResult{Output: out, NextStep: stepAssessDeductions}, nil

	case stepAssessDeductions:
		gross := dep.Amount.Add(p.Interest)
		total := decimal.Zero
		for _, ded := range p.Deductions {
			total = total.Add(ded.Amount)
		}
		residual := decimal.Zero
		if total.GreaterThan(gross) {
			// Excess deductions leave a residual receivable; the refund
			// bottoms out at zero.
			residual = total.Sub(gross)
			total = gross
		}
		refund := gross.Sub(total)

		days, err := d.svc.Compliance.DepositReturnDays(ctx, s.OrgID, dep.StateCode, moveOut)
		if err != nil {
			return saga.StepResult{}, err
		}
		deadline := moveOut.AddDate(0, 0, days).Format("2006-01-02")

		out, _ := json.Marshal(map[string]any{
			"deduction_total": total, "refund": refund,
			"residual": residual, "refund_deadline": deadline,
		})
		return saga.StepResult{Output: out, NextStep: stepCreateEntries}, nil

	case stepCreateEntries:
		return d.createReturnEntries(ctx, s, &p, dep)

	case stepStatement:
		stmt := d.buildStatement(&p, dep)
		out, _ := json.Marshal(map[string]any{"statement": stmt})
		return saga.StepResult{Output: out, NextStep: stepProcessRefund}, nil

	case stepProcessRefund:
		if p.Refund.IsPositive() {
			n, err := d.svc.Store.NextCheckNumber(ctx, s.OrgID)
			if err != nil {
				return saga.StepResult{}, err
			}
			if _, err := d.svc.Outbox.Emit(ctx, outbox.EmitInput{
				OrgID: s.OrgID, EventType: outbox.EventCheckPrintQueue,
				AggregateType: "security_deposit", AggregateID: dep.ID,
				TraceID: p.TraceID, SagaID: s.ID,
				Payload: map[string]any{
					"tenant_id": dep.TenantID, "amount": p.Refund, "check_number": n,
					"deadline": p.RefundDeadline, "trace_id": p.TraceID, "saga_id": s.ID,
				},
			}); err != nil {
				return saga.StepResult{}, err
			}
			out, _ := json.Marshal(map[string]any{"check_number": n})
			return saga.StepResult{Output: out, NextStep: stepNotifyTenant}, nil
		}
		return saga.StepResult{NextStep: stepNotifyTenant}, nil

	case stepNotifyTenant:
		if _, err := d.svc.Outbox.Emit(ctx, outbox.EmitInput{
			OrgID: s.OrgID, EventType: outbox.EventDepositReturned,
			AggregateType: "security_deposit", AggregateID: dep.ID,
			TraceID: p.TraceID, SagaID: s.ID,
			Payload: map[string]any{
				"deposit_id": dep.ID, "refund": p.Refund, "interest": p.Interest,
				"deductions": p.DeductionTotal, "deadline": p.RefundDeadline,
				"trace_id": p.TraceID, "saga_id": s.ID,
			},
		}); err != nil {
			return saga.StepResult{}, err
		}
		if _, err := d.svc.Outbox.Emit(ctx, notification(s, p.TraceID, dep.TenantID,
			"security_deposit_statement", map[string]any{"statement": p.Statement})); err != nil {
			return saga.StepResult{}, err
		}
		result, _ := json.Marshal(map[string]any{
			"refund": p.Refund, "interest": p.Interest,
			"deductions": p.DeductionTotal, "deadline": p.RefundDeadline,
		})
		return saga.StepResult{Result: result}, nil
	}
	return saga.StepResult{}, fmt.Errorf("%w: %s", saga.ErrStepUnknown, step)
}

// createReturnEntries posts the release set: debit the full liability
// (and interest expense when owed), credit trust cash for the refund,
// credit receivables for each deduction.
func (d *DepositReturnSaga) createReturnEntries(ctx context.Context, s *saga.Saga, p *ReturnPayload, dep *SecurityDeposit) (saga.StepResult, error) {
	dims := ledger.Dimensions{TenantID: dep.TenantID, PropertyID: dep.PropertyID, UnitID: dep.UnitID}
	postings := []ledger.PostingInput{
		{AccountID: d.svc.Chart.SecurityDeposit, Amount: dep.Amount, Dimensions: dims,
			Description: "release deposit liability"},
	}
	if p.Interest.IsPositive() {
		postings = append(postings, ledger.PostingInput{
			AccountID: d.svc.Chart.InterestExpense, Amount: p.Interest,
			Description: "deposit interest accrual",
		})
	}
	if p.Refund.IsPositive() {
		postings = append(postings, ledger.PostingInput{
			AccountID: d.svc.Chart.TrustBank, Amount: p.Refund.Neg(),
			Description: "refund to tenant",
		})
	}
	remaining := p.DeductionTotal
	for _, ded := range p.Deductions {
		amt := ded.Amount
		if amt.GreaterThan(remaining) {
			amt = remaining
		}
		if !amt.IsPositive() {
			continue
		}
		remaining = remaining.Sub(amt)
		postings = append(postings, ledger.PostingInput{
			AccountID: d.svc.Chart.AccountsReceivable, Amount: amt.Neg(),
			Dimensions: dims, Description: "deduction: " + ded.Category,
		})
	}

	entry, err := d.svc.Ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID:       ledger.OrgID(s.OrgID),
		EntryDate:   d.svc.Periods.Today(),
		Description: fmt.Sprintf("Security deposit return for tenant %s", dep.TenantID),
		SourceType:  ledger.SourceRefund,
		SourceID:    dep.ID,
		TraceID:     p.TraceID,
		CreatedBy:   s.InitiatedBy,
		Postings:    postings,
	}, fmt.Sprintf("deposit-return-%s", s.ID))
	if err != nil {
		return saga.StepResult{}, err
	}

	moveOut, _ := time.Parse("2006-01-02", p.MoveOut)
	dep.Status = DepositReturned
	dep.MoveOut = &moveOut
	if err := d.svc.Store.UpdateSecurityDeposit(ctx, *dep); err != nil {
		return saga.StepResult{}, err
	}

	out, _ := json.Marshal(map[string]any{"entry_id": entry.ID})
	return saga.StepResult{Output: out, NextStep: stepStatement}, nil
}

func (d *DepositReturnSaga) buildStatement(p *ReturnPayload, dep *SecurityDeposit) string {
	stmt := fmt.Sprintf("SECURITY DEPOSIT STATEMENT\nTenant: %s\nDeposit held: %s\nInterest: %s\n",
		dep.TenantID, dep.Amount.StringFixed(2), p.Interest.StringFixed(2))
	for _, ded := range p.Deductions {
		stmt += fmt.Sprintf("Deduction (%s): -%s\n", ded.Category, ded.Amount.StringFixed(2))
	}
	stmt += fmt.Sprintf("Refund: %s\nReturn deadline: %s\n", p.Refund.StringFixed(2), p.RefundDeadline)
	if p.Residual.IsPositive() {
		stmt += fmt.Sprintf("Balance still owed: %s\n", p.Residual.StringFixed(2))
	}
	return stmt
}

func (d *DepositReturnSaga) Compensate(ctx context.Context, s *saga.Saga, step string) (json.RawMessage, error) {
	var p ReturnPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return nil, err
	}
	if step == stepCreateEntries {
		if p.EntryID != "" {
			_, err := d.svc.Ledger.ReverseEntry(ctx, ledger.OrgID(s.OrgID),
				ledger.EntryID(p.EntryID), "deposit return compensation",
				fmt.Sprintf("deposit-return-comp-%s", s.ID))
			if err != nil && !ledger.IsClientError(err) {
				return nil, err
			}
		}
		dep, err := d.svc.Store.GetSecurityDeposit(ctx, s.OrgID, p.DepositID)
		if err != nil {
			return nil, err
		}
		dep.Status = DepositHeld
		if err := d.svc.Store.UpdateSecurityDeposit(ctx, *dep); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// notification builds the notification.send emission shared by the
// catalog.
func notification(s *saga.Saga, traceID, recipient, template string, data map[string]any) outbox.EmitInput {
	data["trace_id"] = traceID
	data["saga_id"] = s.ID
	return outbox.EmitInput{
		OrgID: s.OrgID, EventType: outbox.EventNotificationSend,
		AggregateType: "notification", AggregateID: recipient,
		TraceID: traceID, SagaID: s.ID,
		Payload: map[string]any{
			"recipient": recipient, "template": template, "data": data,
			"trace_id": traceID, "saga_id": s.ID,
		},
	}
}
