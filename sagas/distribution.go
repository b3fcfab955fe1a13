/*
distribution.go - Owner distribution workflow

PURPOSE:

	Pays out owner surpluses from the trust account:

	  CALCULATE_DISTRIBUTION -> VALIDATE_RESERVES -> CREATE_JOURNAL_ENTRIES
	  -> GENERATE_NACHA -> SUBMIT_TO_BANK -> RECORD_CONFIRMATION

	Every owner whose liability balance exceeds their minimum reserve gets
	a distribution row and a journal entry debiting owner liability and
	crediting trust cash. ACH owners are batched into one NACHA file;
	check owners get a check number and a print-queue event instead.

COMPENSATION:

	Journal entries are reversed through the ledger, distribution rows are
	deleted, the NACHA file is marked cancelled, and - if already
	submitted - a bank.nacha.cancel event asks the bank for an out-of-band
	reversal. The last compensation step emits
	distribution.compensation.completed followed by distribution.failed.
*/
package sagas

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/nacha"
	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/saga"
)

// SagaDistribution is the saga_name of the owner distribution workflow.
const SagaDistribution = "OWNER_DISTRIBUTION"

const (
	stepCalculate = "CALCULATE_DISTRIBUTION"
	stepValidate  = "VALIDATE_RESERVES"
	stepEntries   = "CREATE_JOURNAL_ENTRIES"
	stepNacha     = "GENERATE_NACHA"
	stepSubmit    = "SUBMIT_TO_BANK"
	stepConfirm   = "RECORD_CONFIRMATION"
)

// DistributionPayload is the saga payload. Steps append their outputs.
type DistributionPayload struct {
	OrgID       string `json:"org_id"`
	TraceID     string `json:"trace_id"`
	InitiatedBy string `json:"initiated_by"`

	// Filled by CALCULATE_DISTRIBUTION.
	Distributions []DistributionLine `json:"distributions,omitempty"`

	// Filled by GENERATE_NACHA.
	NachaFileID string `json:"nacha_file_id,omitempty"`
	Submitted   bool   `json:"submitted,omitempty"`
}

// DistributionLine is one owner's payout in the payload.
type DistributionLine struct {
	DistributionID string          `json:"distribution_id"`
	OwnerID        string          `json:"owner_id"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	EntryID        string          `json:"entry_id,omitempty"`
	CheckNumber    int64           `json:"check_number,omitempty"`
}

// DistributionSaga executes the owner distribution workflow.
type DistributionSaga struct {
	svc *Services

	// Bank holds the file-level NACHA identity. Configured at startup.
	Bank nacha.FileConfig
}

func NewDistributionSaga(svc *Services) *DistributionSaga {
	return &DistributionSaga{svc: svc, Bank: defaultBank}
}

var defaultBank = nacha.FileConfig{
	ImmediateDestination: "091000019",
	ImmediateOrigin:      "1234567890",
	DestinationName:      "FIRST TRUST BANK",
	OriginName:           "PROPMASTER TRUST",
	CompanyName:          "PROPMASTER",
	CompanyID:            "1234567890",
	ODFIRouting:          "09100001",
	ReferenceCode:        "OWNRDIST",
}

func (d *DistributionSaga) Name() string { return SagaDistribution }

func (d *DistributionSaga) Steps() []string {
	return []string{stepCalculate, stepValidate, stepEntries, stepNacha, stepSubmit, stepConfirm}
}

func (d *DistributionSaga) Execute(ctx context.Context, s *saga.Saga, step string) (saga.StepResult, error) {
	var p DistributionPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return saga.StepResult{}, fmt.Errorf("decode distribution payload: %w", err)
	}
	if p.TraceID == "" {
		p.TraceID = s.TraceID
	}

	switch step {
	case stepCalculate:
		return d.calculate(ctx, s, &p)
	case stepValidate:
		return d.validateReserves(ctx, s, &p)
	case stepEntries:
		return d.createEntries(ctx, s, &p)
	case stepNacha:
		return d.generateNacha(ctx, s, &p)
	case stepSubmit:
		return d.submitToBank(ctx, s, &p)
	case stepConfirm:
		return d.recordConfirmation(ctx, s, &p)
	}
	return saga.StepResult{}, fmt.Errorf("%w: %s", saga.ErrStepUnknown, step)
}

// calculate selects eligible owners and records pending distribution rows.
// An owner is eligible when their liability balance exceeds the minimum
// reserve; the payable amount is the excess.
func (d *DistributionSaga) calculate(ctx context.Context, s *saga.Saga, p *DistributionPayload) (saga.StepResult, error) {
	owners, err := d.svc.Store.ListOwners(ctx, s.OrgID)
	if err != nil {
		return saga.StepResult{}, err
	}

	var lines []DistributionLine
	for _, o := range owners {
		// Liability balances are credit-signed; negate for the owner's
		// equity position.
		bal, err := d.svc.Ledger.DimensionalBalanceSubset(ctx, ledger.OrgID(s.OrgID),
			d.svc.Chart.OwnerLiability, ledger.Dimensions{OwnerID: o.ID})
		if err != nil {
			return saga.StepResult{}, err
		}
		available := bal.Neg()
		if !available.GreaterThan(o.MinimumReserve) {
			continue
		}
		amount := available.Sub(o.MinimumReserve).RoundBank(2)
		dist := Distribution{
			ID:        uuid.NewString(),
			OrgID:     s.OrgID,
			SagaID:    s.ID,
			OwnerID:   o.ID,
			Amount:    amount,
			Status:    DistributionPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := d.svc.Store.CreateDistribution(ctx, dist); err != nil {
			return saga.StepResult{}, err
		}
		lines = append(lines, DistributionLine{
			DistributionID: dist.ID,
			OwnerID:        o.ID,
			Amount:         amount,
			PaymentMethod:  o.PaymentMethod,
		})
	}
	if len(lines) == 0 {
		return saga.StepResult{}, ErrNoEligibleOwners
	}

	if _, err := d.svc.Outbox.Emit(ctx, outbox.EmitInput{
		OrgID: s.OrgID, EventType: outbox.EventDistributionScheduled,
		AggregateType: "saga", AggregateID: s.ID, TraceID: p.TraceID, SagaID: s.ID,
		Payload: map[string]any{"owner_count": len(lines), "trace_id": p.TraceID, "saga_id": s.ID},
	}); err != nil {
		return saga.StepResult{}, err
	}

	out, _ := json.Marshal(map[string]any{"distributions": lines})
	return saga.StepResult{Output: out, NextStep: stepValidate}, nil
}

// validateReserves refuses to draw trust cash below the payout total.
func (d *DistributionSaga) validateReserves(ctx context.Context, s *saga.Saga, p *DistributionPayload) (saga.StepResult, error) {
	total := decimal.Zero
	for _, line := range p.Distributions {
		total = total.Add(line.Amount)
	}
	trust, err := d.svc.Ledger.Balance(ctx, ledger.OrgID(s.OrgID), d.svc.Chart.TrustBank)
	if err != nil {
		return saga.StepResult{}, err
	}
	if trust.LessThan(total) {
		return saga.StepResult{}, fmt.Errorf("%w: trust %s < payout %s", ErrInsufficientFunds, trust, total)
	}
	return saga.StepResult{NextStep: stepEntries}, nil
}

// createEntries posts one journal entry per distribution:
// Dr owner liability (owner dim), Cr trust cash.
func (d *DistributionSaga) createEntries(ctx context.Context, s *saga.Saga, p *DistributionPayload) (saga.StepResult, error) {
	lines := p.Distributions
	for i, line := range lines {
		entry, err := d.svc.Ledger.CreateEntry(ctx, ledger.EntryInput{
			OrgID:       ledger.OrgID(s.OrgID),
			EntryDate:   d.svc.Periods.Today(),
			Description: fmt.Sprintf("Owner distribution %s", line.OwnerID),
			SourceType:  ledger.SourceDistribution,
			SourceID:    line.DistributionID,
			TraceID:     p.TraceID,
			CreatedBy:   s.InitiatedBy,
			Postings: []ledger.PostingInput{
				{AccountID: d.svc.Chart.OwnerLiability, Amount: line.Amount,
					Dimensions: ledger.Dimensions{OwnerID: line.OwnerID}},
				{AccountID: d.svc.Chart.TrustBank, Amount: line.Amount.Neg()},
			},
		}, fmt.Sprintf("dist-%s-%s", s.ID, line.OwnerID))
		if err != nil {
			return saga.StepResult{}, err
		}
		lines[i].EntryID = string(entry.ID)

		if err := d.svc.Store.UpdateDistribution(ctx, Distribution{
			ID: line.DistributionID, OrgID: s.OrgID, SagaID: s.ID, OwnerID: line.OwnerID,
			Amount: line.Amount, Status: DistributionProcessed, EntryID: string(entry.ID),
		}); err != nil {
			return saga.StepResult{}, err
		}
	}
	out, _ := json.Marshal(map[string]any{"distributions": lines})
	return saga.StepResult{Output: out, NextStep: stepNacha}, nil
}

// generateNacha batches the ACH owners into one file. Check owners get a
// check number and a print-queue event.
func (d *DistributionSaga) generateNacha(ctx context.Context, s *saga.Saga, p *DistributionPayload) (saga.StepResult, error) {
	lines := p.Distributions
	var entries []nacha.Entry
	for i, line := range lines {
		if line.PaymentMethod != PayACH {
			n, err := d.svc.Store.NextCheckNumber(ctx, s.OrgID)
			if err != nil {
				return saga.StepResult{}, err
			}
			lines[i].CheckNumber = n
			if _, err := d.svc.Outbox.Emit(ctx, outbox.EmitInput{
				OrgID: s.OrgID, EventType: outbox.EventCheckPrintQueue,
				AggregateType: "distribution", AggregateID: line.DistributionID,
				TraceID: p.TraceID, SagaID: s.ID,
				Payload: map[string]any{
					"owner_id": line.OwnerID, "amount": line.Amount,
					"check_number": n, "trace_id": p.TraceID, "saga_id": s.ID,
				},
			}); err != nil {
				return saga.StepResult{}, err
			}
			continue
		}
		owner, err := d.svc.Store.GetOwner(ctx, s.OrgID, line.OwnerID)
		if err != nil {
			return saga.StepResult{}, err
		}
		entries = append(entries, nacha.Entry{
			RDFIRouting:   owner.BankRouting,
			AccountNumber: owner.BankAccount,
			AmountCents:   line.Amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart(),
			IndividualID:  owner.ID,
			Name:          owner.Name,
		})
	}

	if len(entries) == 0 {
		out, _ := json.Marshal(map[string]any{"distributions": lines})
		return saga.StepResult{Output: out, NextStep: stepSubmit}, nil
	}

	now := time.Now().UTC()
	file, err := nacha.Build(d.Bank, entries, now, d.svc.Periods.Today().AddDate(0, 0, 1))
	if err != nil {
		return saga.StepResult{}, err
	}
	nf := NachaFile{
		ID:         uuid.NewString(),
		OrgID:      s.OrgID,
		Content:    file.Content,
		Status:     NachaGenerated,
		TotalCents: file.TotalCredits,
		EntryCount: file.EntryCount,
		CreatedAt:  now,
	}
	if err := d.svc.Store.InsertNachaFile(ctx, nf); err != nil {
		return saga.StepResult{}, err
	}
	for i, line := range lines {
		if line.PaymentMethod == PayACH {
			lines[i].CheckNumber = 0
			if err := d.svc.Store.UpdateDistribution(ctx, Distribution{
				ID: line.DistributionID, OrgID: s.OrgID, SagaID: s.ID, OwnerID: line.OwnerID,
				Amount: line.Amount, Status: DistributionProcessed,
				EntryID: line.EntryID, NachaFileID: nf.ID,
			}); err != nil {
				return saga.StepResult{}, err
			}
		}
	}

	out, _ := json.Marshal(map[string]any{"distributions": lines, "nacha_file_id": nf.ID})
	return saga.StepResult{Output: out, NextStep: stepSubmit}, nil
}

// submitToBank hands the file to the bank channel via the outbox.
func (d *DistributionSaga) submitToBank(ctx context.Context, s *saga.Saga, p *DistributionPayload) (saga.StepResult, error) {
	if p.NachaFileID == "" {
		return saga.StepResult{NextStep: stepConfirm}, nil
	}
	if _, err := d.svc.Outbox.Emit(ctx, outbox.EmitInput{
		OrgID: s.OrgID, EventType: outbox.EventNachaSubmit,
		AggregateType: "nacha_file", AggregateID: p.NachaFileID,
		TraceID: p.TraceID, SagaID: s.ID,
		Payload: map[string]any{"nacha_file_id": p.NachaFileID, "trace_id": p.TraceID, "saga_id": s.ID},
	}); err != nil {
		return saga.StepResult{}, err
	}
	if err := d.svc.Store.UpdateNachaFileStatus(ctx, s.OrgID, p.NachaFileID, NachaSubmitted); err != nil {
		return saga.StepResult{}, err
	}
	out, _ := json.Marshal(map[string]any{"submitted": true})
	return saga.StepResult{Output: out, NextStep: stepConfirm}, nil
}

// recordConfirmation finalizes the run and emits the completion event.
func (d *DistributionSaga) recordConfirmation(ctx context.Context, s *saga.Saga, p *DistributionPayload) (saga.StepResult, error) {
	total := decimal.Zero
	for _, line := range p.Distributions {
		total = total.Add(line.Amount)
	}
	if _, err := d.svc.Outbox.Emit(ctx, outbox.EmitInput{
		OrgID: s.OrgID, EventType: outbox.EventDistributionCompleted,
		AggregateType: "saga", AggregateID: s.ID, TraceID: p.TraceID, SagaID: s.ID,
		Payload: map[string]any{
			"owner_count": len(p.Distributions), "total": total,
			"nacha_file_id": p.NachaFileID, "trace_id": p.TraceID, "saga_id": s.ID,
		},
	}); err != nil {
		return saga.StepResult{}, err
	}
	result, _ := json.Marshal(map[string]any{
		"owner_count": len(p.Distributions), "total": total, "nacha_file_id": p.NachaFileID,
	})
	return saga.StepResult{Result: result}, nil
}

// =============================================================================
// COMPENSATION
// =============================================================================

func (d *DistributionSaga) Compensate(ctx context.Context, s *saga.Saga, step string) (json.RawMessage, error) {
	var p DistributionPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode distribution payload: %w", err)
	}
	if p.TraceID == "" {
		p.TraceID = s.TraceID
	}

	switch step {
	case stepEntries:
		// Undo every posted distribution through ledger reversals.
		for _, line := range p.Distributions {
			if line.EntryID == "" {
				continue
			}
			_, err := d.svc.Ledger.ReverseEntry(ctx, ledger.OrgID(s.OrgID),
				ledger.EntryID(line.EntryID), "distribution compensation",
				fmt.Sprintf("dist-comp-%s-%s", s.ID, line.OwnerID))
			if err != nil && !ledger.IsClientError(err) {
				return nil, err
			}
		}
		return nil, nil

	case stepNacha:
		if p.NachaFileID != "" {
			if err := d.svc.Store.UpdateNachaFileStatus(ctx, s.OrgID, p.NachaFileID, NachaCancelled); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case stepSubmit:
		if p.Submitted && p.NachaFileID != "" {
			if _, err := d.svc.Outbox.Emit(ctx, outbox.EmitInput{
				OrgID: s.OrgID, EventType: outbox.EventNachaCancel,
				AggregateType: "nacha_file", AggregateID: p.NachaFileID,
				TraceID: p.TraceID, SagaID: s.ID,
				Payload: map[string]any{"nacha_file_id": p.NachaFileID, "trace_id": p.TraceID, "saga_id": s.ID},
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case stepCalculate:
		// Last compensation step: remove the distribution rows and emit
		// the compensation-completed / failed pair.
		for _, line := range p.Distributions {
			if err := d.svc.Store.DeleteDistribution(ctx, line.DistributionID); err != nil {
				return nil, err
			}
		}
		if _, err := d.svc.Outbox.Emit(ctx, outbox.EmitInput{
			OrgID: s.OrgID, EventType: outbox.EventDistributionCompensated,
			AggregateType: "saga", AggregateID: s.ID, TraceID: p.TraceID, SagaID: s.ID,
			Payload: map[string]any{"saga_id": s.ID, "trace_id": p.TraceID, "error": s.ErrorMessage},
		}); err != nil {
			return nil, err
		}
		if _, err := d.svc.Outbox.Emit(ctx, outbox.EmitInput{
			OrgID: s.OrgID, EventType: "distribution.failed",
			AggregateType: "saga", AggregateID: s.ID, TraceID: p.TraceID, SagaID: s.ID,
			Payload: map[string]any{"saga_id": s.ID, "trace_id": p.TraceID, "error": s.ErrorMessage, "error_step": s.ErrorStep},
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}
	// VALIDATE_RESERVES, RECORD_CONFIRMATION: nothing to undo.
	return nil, nil
}
