/*
nsf.go - Bounced payment workflow

PURPOSE:

	REVERSE_PAYMENT -> ASSESS_NSF_FEE -> NOTIFY

	Reverses the bounced payment's journal entry, re-charges the tenant
	the NSF fee (debit receivable, credit fee income), and notifies.
*/
package sagas

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/saga"
)

// SagaNSF is the saga_name of the NSF workflow.
const SagaNSF = "NSF_HANDLING"

const (
	stepReversePayment = "REVERSE_PAYMENT"
	stepAssessFee      = "ASSESS_NSF_FEE"
	stepNotify         = "NOTIFY"
)

// defaultNSFFee applies when the payload does not carry a fee.
var defaultNSFFee = decimal.NewFromInt(25)

// NSFPayload is the saga payload.
type NSFPayload struct {
	OrgID          string          `json:"org_id"`
	TraceID        string          `json:"trace_id"`
	PaymentEntryID string          `json:"payment_entry_id"`
	TenantID       string          `json:"tenant_id"`
	PropertyID     string          `json:"property_id"`
	Fee            decimal.Decimal `json:"fee"`

	ReversalEntryID string `json:"reversal_entry_id,omitempty"`
	FeeEntryID      string `json:"fee_entry_id,omitempty"`
}

// NSFSaga executes the bounced-payment workflow.
type NSFSaga struct {
	svc *Services
}

func NewNSFSaga(svc *Services) *NSFSaga {
	return &NSFSaga{svc: svc}
}

func (n *NSFSaga) Name() string { return SagaNSF }

func (n *NSFSaga) Steps() []string {
	return []string{stepReversePayment, stepAssessFee, stepNotify}
}

func (n *NSFSaga) Execute(ctx context.Context, s *saga.Saga, step string) (saga.StepResult, error) {
	var p NSFPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return saga.StepResult{}, fmt.Errorf("decode nsf payload: %w", err)
	}
	if p.TraceID == "" {
		p.TraceID = s.TraceID
	}
	dims := ledger.Dimensions{TenantID: p.TenantID, PropertyID: p.PropertyID}

	switch step {
	case stepReversePayment:
		reversal, err := n.svc.Ledger.ReverseEntry(ctx, ledger.OrgID(s.OrgID),
			ledger.EntryID(p.PaymentEntryID), "payment returned NSF",
			fmt.Sprintf("nsf-reverse-%s", s.ID), outbox.EmitInput{
				OrgID: s.OrgID, EventType: outbox.EventPaymentNSF,
				AggregateType: "journal_entry", AggregateID: p.PaymentEntryID,
				TraceID: p.TraceID, SagaID: s.ID,
				Payload: map[string]any{
					"payment_entry_id": p.PaymentEntryID, "tenant_id": p.TenantID,
					"trace_id": p.TraceID, "saga_id": s.ID,
				},
			})
		if err != nil {
			return saga.StepResult{}, err
		}
		out, _ := json.Marshal(map[string]any{"reversal_entry_id": reversal.ID})
		return saga.StepResult{Output: out, NextStep: stepAssessFee}, nil

	case stepAssessFee:
		fee := p.Fee
		if !fee.IsPositive() {
			fee = defaultNSFFee
		}
		entry, err := n.svc.Ledger.CreateEntry(ctx, ledger.EntryInput{
			OrgID:       ledger.OrgID(s.OrgID),
			EntryDate:   n.svc.Periods.Today(),
			Description: fmt.Sprintf("NSF fee for tenant %s", p.TenantID),
			SourceType:  ledger.SourceCharge,
			SourceID:    p.PaymentEntryID,
			TraceID:     p.TraceID,
			CreatedBy:   s.InitiatedBy,
			Postings: []ledger.PostingInput{
				{AccountID: n.svc.Chart.AccountsReceivable, Amount: fee, Dimensions: dims},
				{AccountID: n.svc.Chart.NSFFeeIncome, Amount: fee.Neg(), Dimensions: dims},
			},
		}, fmt.Sprintf("nsf-fee-%s", s.ID))
		if err != nil {
			return saga.StepResult{}, err
		}
		out, _ := json.Marshal(map[string]any{"fee_entry_id": entry.ID, "fee": fee})
		return saga.StepResult{Output: out, NextStep: stepNotify}, nil

	case stepNotify:
		if _, err := n.svc.Outbox.Emit(ctx, notification(s, p.TraceID, p.TenantID,
			"nsf_notice", map[string]any{"payment_entry_id": p.PaymentEntryID, "fee": p.Fee})); err != nil {
			return saga.StepResult{}, err
		}
		result, _ := json.Marshal(map[string]any{
			"reversal_entry_id": p.ReversalEntryID, "fee_entry_id": p.FeeEntryID,
		})
		return saga.StepResult{Result: result}, nil
	}
	return saga.StepResult{}, fmt.Errorf("%w: %s", saga.ErrStepUnknown, step)
}

func (n *NSFSaga) Compensate(ctx context.Context, s *saga.Saga, step string) (json.RawMessage, error) {
	var p NSFPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return nil, err
	}
	switch step {
	case stepReversePayment:
		// Undoing the reversal means reversing the reversal entry.
		if p.ReversalEntryID != "" {
			_, err := n.svc.Ledger.ReverseEntry(ctx, ledger.OrgID(s.OrgID),
				ledger.EntryID(p.ReversalEntryID), "nsf compensation",
				fmt.Sprintf("nsf-reverse-comp-%s", s.ID))
			if err != nil && !ledger.IsClientError(err) {
				return nil, err
			}
		}
	case stepAssessFee:
		if p.FeeEntryID != "" {
			_, err := n.svc.Ledger.ReverseEntry(ctx, ledger.OrgID(s.OrgID),
				ledger.EntryID(p.FeeEntryID), "nsf fee compensation",
				fmt.Sprintf("nsf-fee-comp-%s", s.ID))
			if err != nil && !ledger.IsClientError(err) {
				return nil, err
			}
		}
	}
	return nil, nil
}
