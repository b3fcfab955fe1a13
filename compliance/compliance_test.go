package compliance_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propmaster/ledger-engine/compliance"
	"github.com/propmaster/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const org = "org-1"

func newService(t *testing.T) *compliance.Service {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return compliance.NewService(store)
}

func rule(state string, rt compliance.RuleType, key, value, effective string) compliance.Rule {
	return compliance.Rule{
		ID: uuid.NewString(), OrgID: org, StateCode: state,
		RuleType: rt, RuleKey: key, RuleValue: value,
		EffectiveDate: day(effective), CreatedAt: time.Now().UTC(),
	}
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// =============================================================================
// TEMPORAL LOOKUPS
// =============================================================================

func TestValue_ActiveVersionByDate(t *testing.T) {
	// GIVEN: two versions of the same rule, 2020 and 2024
	// WHEN: reading at different as-of dates
	// THEN: each date answers with the version that was law at the time

	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, rule("CA", compliance.RuleLateFee, compliance.KeyMaxAmount, "35", "2020-01-01")))
	require.NoError(t, svc.Upsert(ctx, rule("CA", compliance.RuleLateFee, compliance.KeyMaxAmount, "50", "2024-01-01")))

	v, err := svc.Value(ctx, org, "CA", compliance.RuleLateFee, compliance.KeyMaxAmount, day("2022-06-01"))
	require.NoError(t, err)
	assert.Equal(t, "35", v)

	v, err = svc.Value(ctx, org, "CA", compliance.RuleLateFee, compliance.KeyMaxAmount, day("2024-06-01"))
	require.NoError(t, err)
	assert.Equal(t, "50", v)
}

func TestValue_BeforeFirstVersion_NotFound(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Upsert(ctx, rule("CA", compliance.RuleLateFee, compliance.KeyMaxAmount, "50", "2024-01-01")))

	_, err := svc.Value(ctx, org, "CA", compliance.RuleLateFee, compliance.KeyMaxAmount, day("2019-01-01"))
	assert.ErrorIs(t, err, compliance.ErrRuleNotFound)

	var nf *compliance.RuleNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "CA", nf.StateCode)
}

func TestValue_MissingRule_NotFound(t *testing.T) {
	svc := newService(t)
	_, err := svc.Value(context.Background(), org, "WY", compliance.RuleTax, compliance.KeyThreshold1099, day("2024-01-01"))
	assert.ErrorIs(t, err, compliance.ErrRuleNotFound)
}

func TestUpsert_EndDatesPreviousVersion(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, rule("NC", compliance.RuleSecurityDeposit, compliance.KeyReturnDays, "30", "2020-01-01")))
	require.NoError(t, svc.Upsert(ctx, rule("NC", compliance.RuleSecurityDeposit, compliance.KeyReturnDays, "45", "2025-01-01")))

	versions, err := svc.List(ctx, org, "NC", compliance.RuleSecurityDeposit)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.NotNil(t, versions[0].EndDate, "first version must be end-dated")
	assert.Equal(t, day("2025-01-01"), *versions[0].EndDate)
	assert.Nil(t, versions[1].EndDate)
}

// =============================================================================
// DERIVED HELPERS
// =============================================================================

func TestCalculateLateFee_CappedAtMaxAmount(t *testing.T) {
	// max_percent=0.05, max_amount=$50, rent $1,200:
	// 0.05 * 1200 = 60, capped to 50.
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Upsert(ctx, rule("TX", compliance.RuleLateFee, compliance.KeyMaxPercent, "0.05", "2020-01-01")))
	require.NoError(t, svc.Upsert(ctx, rule("TX", compliance.RuleLateFee, compliance.KeyMaxAmount, "50", "2020-01-01")))

	fee, err := svc.CalculateLateFee(ctx, org, "TX", dec("1200"), day("2024-03-01"))
	require.NoError(t, err)
	assert.True(t, fee.Equal(dec("50")), "got %s", fee)
}

func TestCalculateLateFee_UnderCap_UsesPercent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Upsert(ctx, rule("TX", compliance.RuleLateFee, compliance.KeyMaxPercent, "0.05", "2020-01-01")))
	require.NoError(t, svc.Upsert(ctx, rule("TX", compliance.RuleLateFee, compliance.KeyMaxAmount, "50", "2020-01-01")))

	fee, err := svc.CalculateLateFee(ctx, org, "TX", dec("800"), day("2024-03-01"))
	require.NoError(t, err)
	assert.True(t, fee.Equal(dec("40")), "got %s", fee)
}

func TestDepositInterestRate_AbsentRule_Zero(t *testing.T) {
	// NC has no interest rule: absence means no interest is owed.
	svc := newService(t)
	rate, err := svc.DepositInterestRate(context.Background(), org, "NC", day("2024-01-01"))
	require.NoError(t, err)
	assert.True(t, rate.IsZero())
}

func TestRequiresSeparateAccount_AbsentRule_False(t *testing.T) {
	svc := newService(t)
	req, err := svc.RequiresSeparateAccount(context.Background(), org, "NC", day("2024-01-01"))
	require.NoError(t, err)
	assert.False(t, req)
}

func TestMaxDeposit(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Upsert(ctx, rule("CA", compliance.RuleSecurityDeposit, compliance.KeyMaxMonthsRent, "2", "2020-01-01")))

	max, err := svc.MaxDeposit(ctx, org, "CA", dec("1500"), day("2024-01-01"))
	require.NoError(t, err)
	assert.True(t, max.Equal(dec("3000")))
}

func TestAccrueSimpleDailyInterest(t *testing.T) {
	// $1,200 at 2% annual for 365 days = $24.00.
	got := compliance.AccrueSimpleDailyInterest(dec("1200"), dec("0.02"), day("2024-01-10"), day("2025-01-09"))
	assert.True(t, got.Equal(dec("24.00")), "got %s", got)
}

func TestAccrueSimpleDailyInterest_ZeroRate(t *testing.T) {
	got := compliance.AccrueSimpleDailyInterest(dec("1200"), decimal.Zero, day("2024-01-10"), day("2025-01-10"))
	assert.True(t, got.IsZero())
}
