package sagas_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propmaster/ledger-engine/compliance"
	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/saga"
	"github.com/propmaster/ledger-engine/sagas"
)

// =============================================================================
// COLLECT
// =============================================================================

func TestDepositCollect_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addRule(t, "CA", compliance.RuleSecurityDeposit, compliance.KeyMaxMonthsRent, "2")
	h.addRule(t, "CA", compliance.RuleSecurityDeposit, compliance.KeySeparateAccount, "true")

	final := h.startAndDrain(t, sagas.SagaDepositCollect, sagas.CollectPayload{
		OrgID: org, TenantID: "ten-1", PropertyID: "prop-1", StateCode: "CA",
		Amount: dec("2000"), MonthlyRent: dec("1500"),
	})
	require.Equal(t, saga.StatusCompleted, final.Status, "error: %s at %s", final.ErrorMessage, final.ErrorStep)

	var result map[string]any
	require.NoError(t, json.Unmarshal(final.Result, &result))
	depositID, _ := result["deposit_id"].(string)
	require.NotEmpty(t, depositID)

	dep, err := h.store.GetSecurityDeposit(ctx, org, depositID)
	require.NoError(t, err)
	assert.Equal(t, sagas.DepositHeld, dep.Status)
	assert.True(t, dep.Amount.Equal(dec("2000")))

	// Ledger: Dr trust cash, Cr deposit liability under the tenant.
	trust, _ := h.svc.Ledger.Balance(ctx, ledger.OrgID(org), h.svc.Chart.TrustBank)
	assert.True(t, trust.Equal(dec("2000")))
	liab, _ := h.svc.Ledger.DimensionalBalanceSubset(ctx, ledger.OrgID(org),
		h.svc.Chart.SecurityDeposit, ledger.Dimensions{TenantID: "ten-1"})
	assert.True(t, liab.Equal(dec("-2000")))
}

func TestDepositCollect_ExceedsStateMax_Compensated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addRule(t, "CA", compliance.RuleSecurityDeposit, compliance.KeyMaxMonthsRent, "2")

	final := h.startAndDrain(t, sagas.SagaDepositCollect, sagas.CollectPayload{
		OrgID: org, TenantID: "ten-1", StateCode: "CA",
		Amount: dec("4000"), MonthlyRent: dec("1500"), // cap is 3000
	})
	assert.Equal(t, saga.StatusCompensated, final.Status)
	assert.Contains(t, final.ErrorMessage, "exceeds state maximum")

	trust, _ := h.svc.Ledger.Balance(ctx, ledger.OrgID(org), h.svc.Chart.TrustBank)
	assert.True(t, trust.IsZero(), "nothing may post when validation fails")
}

// =============================================================================
// RETURN
// =============================================================================

// heldDeposit seeds a held deposit with its collection entry.
func heldDeposit(t *testing.T, h *harness, state, amount, collected string) *sagas.SecurityDeposit {
	t.Helper()
	ctx := context.Background()
	entry, err := h.svc.Ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: org, EntryDate: day(collected), EffectiveDate: day(collected),
		Description: "deposit collected", SourceType: ledger.SourcePayment,
		Postings: []ledger.PostingInput{
			{AccountID: h.svc.Chart.TrustBank, Amount: dec(amount)},
			{AccountID: h.svc.Chart.SecurityDeposit, Amount: dec(amount).Neg(),
				Dimensions: ledger.Dimensions{TenantID: "ten-1"}},
		},
	}, "seed-deposit-"+uuid.NewString()[:8])
	require.NoError(t, err)

	dep := sagas.SecurityDeposit{
		ID: uuid.NewString(), OrgID: org, TenantID: "ten-1", PropertyID: "prop-1",
		StateCode: state, Amount: dec(amount), CollectedAt: day(collected),
		Status: sagas.DepositHeld, EntryID: string(entry.ID), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateSecurityDeposit(ctx, dep))
	return &dep
}

func TestDepositReturn_NC_NoInterest(t *testing.T) {
	// GIVEN: a $1,200 deposit in NC (return within 30 days, no interest
	//        rule), move-out 2025-01-10, one $150 cleaning deduction
	// WHEN: the return saga runs
	// THEN: refund is $1,050, deadline 2025-02-09, no interest entry

	h := newHarness(t)
	ctx := context.Background()
	h.addRule(t, "NC", compliance.RuleSecurityDeposit, compliance.KeyReturnDays, "30")

	dep := heldDeposit(t, h, "NC", "1200", "2024-01-10")

	final := h.startAndDrain(t, sagas.SagaDepositReturn, sagas.ReturnPayload{
		OrgID: org, DepositID: dep.ID, MoveOut: "2025-01-10",
		Deductions: []sagas.Deduction{{Category: "cleaning", Amount: dec("150")}},
	})
	require.Equal(t, saga.StatusCompleted, final.Status, "error: %s at %s", final.ErrorMessage, final.ErrorStep)

	var result struct {
		Refund   string `json:"refund"`
		Interest string `json:"interest"`
		Deadline string `json:"deadline"`
	}
	require.NoError(t, json.Unmarshal(final.Result, &result))
	assert.Equal(t, "1050", result.Refund)
	assert.Equal(t, "0", result.Interest)
	assert.Equal(t, "2025-02-09", result.Deadline)

	// Deposit liability released in full.
	liab, _ := h.svc.Ledger.DimensionalBalanceSubset(ctx, ledger.OrgID(org),
		h.svc.Chart.SecurityDeposit, ledger.Dimensions{TenantID: "ten-1"})
	assert.True(t, liab.IsZero(), "liability must be fully released, got %s", liab)

	// Trust cash: 1200 in, 1050 refunded.
	trust, _ := h.svc.Ledger.Balance(ctx, ledger.OrgID(org), h.svc.Chart.TrustBank)
	assert.True(t, trust.Equal(dec("150")))

	// No interest posting.
	interest, _ := h.svc.Ledger.Balance(ctx, ledger.OrgID(org), h.svc.Chart.InterestExpense)
	assert.True(t, interest.IsZero())

	reloaded, err := h.store.GetSecurityDeposit(ctx, org, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, sagas.DepositReturned, reloaded.Status)
	require.NotNil(t, reloaded.MoveOut)
}

func TestDepositReturn_WithInterest(t *testing.T) {
	// CT-style rules: 2% simple interest, 30-day deadline. One year of
	// accrual on $1,200 is $24.00.
	h := newHarness(t)
	ctx := context.Background()
	h.addRule(t, "CT", compliance.RuleSecurityDeposit, compliance.KeyReturnDays, "30")
	h.addRule(t, "CT", compliance.RuleSecurityDeposit, compliance.KeyInterestRate, "0.02")

	dep := heldDeposit(t, h, "CT", "1200", "2024-01-10")

	final := h.startAndDrain(t, sagas.SagaDepositReturn, sagas.ReturnPayload{
		OrgID: org, DepositID: dep.ID, MoveOut: "2025-01-09",
	})
	require.Equal(t, saga.StatusCompleted, final.Status, "error: %s at %s", final.ErrorMessage, final.ErrorStep)

	interest, _ := h.svc.Ledger.Balance(ctx, ledger.OrgID(org), h.svc.Chart.InterestExpense)
	assert.True(t, interest.Equal(dec("24.00")), "interest %s", interest)

	// Refund = deposit + interest.
	trust, _ := h.svc.Ledger.Balance(ctx, ledger.OrgID(org), h.svc.Chart.TrustBank)
	assert.True(t, trust.Equal(dec("-24.00")), "trust %s", trust)
}

func TestDepositReturn_DeductionsExceedDeposit_ZeroRefundWithResidual(t *testing.T) {
	h := newHarness(t)
	h.addRule(t, "NC", compliance.RuleSecurityDeposit, compliance.KeyReturnDays, "30")
	dep := heldDeposit(t, h, "NC", "500", "2024-01-10")

	final := h.startAndDrain(t, sagas.SagaDepositReturn, sagas.ReturnPayload{
		OrgID: org, DepositID: dep.ID, MoveOut: "2025-01-10",
		Deductions: []sagas.Deduction{{Category: "damage", Amount: dec("800")}},
	})
	require.Equal(t, saga.StatusCompleted, final.Status, "error: %s at %s", final.ErrorMessage, final.ErrorStep)

	var payload sagas.ReturnPayload
	require.NoError(t, json.Unmarshal(final.Payload, &payload))
	assert.True(t, payload.Refund.IsZero())
	assert.True(t, payload.Residual.Equal(dec("300")), "excess leaves a residual balance")
	assert.Contains(t, payload.Statement, "Balance still owed: 300.00")
}

func TestDepositReturn_NotHeld_Compensated(t *testing.T) {
	h := newHarness(t)
	h.addRule(t, "NC", compliance.RuleSecurityDeposit, compliance.KeyReturnDays, "30")
	dep := heldDeposit(t, h, "NC", "500", "2024-01-10")

	// First return succeeds.
	final := h.startAndDrain(t, sagas.SagaDepositReturn, sagas.ReturnPayload{
		OrgID: org, DepositID: dep.ID, MoveOut: "2025-01-10",
	})
	require.Equal(t, saga.StatusCompleted, final.Status)

	// Returning again fails on the held check.
	again := h.startAndDrain(t, sagas.SagaDepositReturn, sagas.ReturnPayload{
		OrgID: org, DepositID: dep.ID, MoveOut: "2025-01-10",
	})
	assert.Equal(t, saga.StatusCompensated, again.Status)
	assert.Contains(t, again.ErrorMessage, "not held")
}

// =============================================================================
// NSF
// =============================================================================

func TestNSF_ReverseFeeNotify(t *testing.T) {
	// GIVEN: a posted rent payment
	// WHEN: the bank bounces it
	// THEN: the payment entry is reversed, the fee re-charges the tenant,
	//       and both entries cross-link correctly

	h := newHarness(t)
	ctx := context.Background()

	payment, err := h.svc.Ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: org, EntryDate: time.Now(), Description: "rent payment",
		SourceType: ledger.SourcePayment,
		Postings: []ledger.PostingInput{
			{AccountID: h.svc.Chart.TrustBank, Amount: dec("1500")},
			{AccountID: h.svc.Chart.AccountsReceivable, Amount: dec("-1500"),
				Dimensions: ledger.Dimensions{TenantID: "ten-1"}},
		},
	}, "nsf-payment")
	require.NoError(t, err)

	final := h.startAndDrain(t, sagas.SagaNSF, sagas.NSFPayload{
		OrgID: org, PaymentEntryID: string(payment.ID), TenantID: "ten-1",
		Fee: dec("35"),
	})
	require.Equal(t, saga.StatusCompleted, final.Status, "error: %s at %s", final.ErrorMessage, final.ErrorStep)

	// Payment undone: trust back to zero, receivable back to its
	// pre-payment balance (zero, no charge was posted) plus the fee.
	trust, _ := h.svc.Ledger.Balance(ctx, ledger.OrgID(org), h.svc.Chart.TrustBank)
	assert.True(t, trust.IsZero())
	ar, _ := h.svc.Ledger.DimensionalBalanceSubset(ctx, ledger.OrgID(org),
		h.svc.Chart.AccountsReceivable, ledger.Dimensions{TenantID: "ten-1"})
	assert.True(t, ar.Equal(dec("35")), "receivable %s", ar)
	feeIncome, _ := h.svc.Ledger.Balance(ctx, ledger.OrgID(org), h.svc.Chart.NSFFeeIncome)
	assert.True(t, feeIncome.Equal(dec("-35")))

	reloaded, err := h.svc.Ledger.GetEntry(ctx, ledger.OrgID(org), payment.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, reloaded.ReversedByEntryID)
}

func TestNSF_DefaultFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payment, err := h.svc.Ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: org, EntryDate: time.Now(),
		SourceType: ledger.SourcePayment,
		Postings: []ledger.PostingInput{
			{AccountID: h.svc.Chart.TrustBank, Amount: dec("100")},
			{AccountID: h.svc.Chart.AccountsReceivable, Amount: dec("-100")},
		},
	}, "nsf-payment-2")
	require.NoError(t, err)

	final := h.startAndDrain(t, sagas.SagaNSF, sagas.NSFPayload{
		OrgID: org, PaymentEntryID: string(payment.ID), TenantID: "ten-2",
	})
	require.Equal(t, saga.StatusCompleted, final.Status)

	feeIncome, _ := h.svc.Ledger.Balance(ctx, ledger.OrgID(org), h.svc.Chart.NSFFeeIncome)
	assert.True(t, feeIncome.Equal(dec("-25")), "default fee applies, got %s", feeIncome)
}
