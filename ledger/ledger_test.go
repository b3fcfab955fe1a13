package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/period"
	"github.com/propmaster/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testOrg = ledger.OrgID("org-1")

type fixture struct {
	store   *sqlite.Store
	periods *period.Manager
	ledger  *ledger.Service

	cash   ledger.AccountID
	ar     ledger.AccountID
	income ledger.AccountID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		periods: period.NewManager(store),
	}
	f.ledger = ledger.NewService(store, f.periods)

	ctx := context.Background()
	f.cash = f.account(t, ctx, "1000", "Operating Cash", ledger.AccountAsset, ledger.NormalDebit, "")
	f.ar = f.account(t, ctx, "1050", "Accounts Receivable", ledger.AccountAsset, ledger.NormalDebit, "")
	f.income = f.account(t, ctx, "4000", "Rental Income", ledger.AccountRevenue, ledger.NormalCredit, "")
	return f
}

func (f *fixture) account(t *testing.T, ctx context.Context, code, name string, typ ledger.AccountType, normal ledger.NormalBalance, subtype ledger.AccountSubtype) ledger.AccountID {
	t.Helper()
	a := ledger.Account{
		ID: ledger.AccountID("acct-" + code), OrgID: testOrg, Code: code, Name: name,
		Type: typ, NormalBalance: normal, Subtype: subtype, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateAccount(ctx, a))
	return a.ID
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateDoubleEntry_Balanced_OK(t *testing.T) {
	err := ledger.ValidateDoubleEntry([]ledger.PostingInput{
		{AccountID: "a", Amount: dec("100")},
		{AccountID: "b", Amount: dec("-100")},
	}, ledger.BalanceEpsilon)
	assert.NoError(t, err)
}

func TestValidateDoubleEntry_Unbalanced_Rejected(t *testing.T) {
	err := ledger.ValidateDoubleEntry([]ledger.PostingInput{
		{AccountID: "a", Amount: dec("100")},
		{AccountID: "b", Amount: dec("-99.99")},
	}, ledger.BalanceEpsilon)
	assert.ErrorIs(t, err, ledger.ErrUnbalanced)

	var ub *ledger.UnbalancedError
	require.ErrorAs(t, err, &ub)
	assert.True(t, ub.Residual.Equal(dec("0.01")))
}

func TestValidateDoubleEntry_Empty_Rejected(t *testing.T) {
	assert.ErrorIs(t, ledger.ValidateDoubleEntry(nil, ledger.BalanceEpsilon), ledger.ErrEmptyEntry)
}

func TestValidateDoubleEntry_SubEpsilonResidual_OK(t *testing.T) {
	// Residual below 1e-4 passes.
	err := ledger.ValidateDoubleEntry([]ledger.PostingInput{
		{AccountID: "a", Amount: dec("100.00004")},
		{AccountID: "b", Amount: dec("-100")},
	}, ledger.BalanceEpsilon)
	assert.NoError(t, err)
}

// =============================================================================
// CREATE ENTRY
// =============================================================================

func TestCreateEntry_BalancedRentPayment(t *testing.T) {
	// GIVEN: the rent scenario accounts
	// WHEN: charging $1,500 rent and then receiving payment
	// THEN: A/R nets to zero, cash and income each show 1500, and the
	//       trial balance holds

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: testOrg, EntryDate: time.Now(), Description: "March rent charge",
		SourceType: ledger.SourceCharge,
		Postings: []ledger.PostingInput{
			{AccountID: f.ar, Amount: dec("1500")},
			{AccountID: f.income, Amount: dec("-1500")},
		},
	}, "charge-1")
	require.NoError(t, err)

	_, err = f.ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: testOrg, EntryDate: time.Now(), Description: "March rent payment",
		SourceType: ledger.SourcePayment,
		Postings: []ledger.PostingInput{
			{AccountID: f.cash, Amount: dec("1500")},
			{AccountID: f.ar, Amount: dec("-1500")},
		},
	}, "payment-1")
	require.NoError(t, err)

	arBal, err := f.ledger.Balance(ctx, testOrg, f.ar)
	require.NoError(t, err)
	assert.True(t, arBal.IsZero(), "A/R should net to zero, got %s", arBal)

	cashBal, _ := f.ledger.Balance(ctx, testOrg, f.cash)
	assert.True(t, cashBal.Equal(dec("1500")))

	incomeBal, _ := f.ledger.Balance(ctx, testOrg, f.income)
	assert.True(t, incomeBal.Equal(dec("-1500")))

	tb, err := f.ledger.TrialBalanceAsOf(ctx, testOrg, time.Now())
	require.NoError(t, err)
	assert.True(t, tb.Balanced(), "debits %s != credits %s", tb.TotalDebit, tb.TotalCredit)
}

func TestCreateEntry_Unbalanced_NeverMutates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: testOrg, EntryDate: time.Now(),
		SourceType: ledger.SourceAdjustment,
		Postings: []ledger.PostingInput{
			{AccountID: f.cash, Amount: dec("100")},
			{AccountID: f.ar, Amount: dec("-50")},
		},
	}, "bad-1")
	assert.ErrorIs(t, err, ledger.ErrUnbalanced)

	bal, _ := f.ledger.Balance(ctx, testOrg, f.cash)
	assert.True(t, bal.IsZero(), "failed entry must not touch balances")
}

func TestCreateEntry_UnknownAccount_Rejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateEntry(context.Background(), ledger.EntryInput{
		OrgID: testOrg, EntryDate: time.Now(),
		SourceType: ledger.SourceAdjustment,
		Postings: []ledger.PostingInput{
			{AccountID: "nope", Amount: dec("100")},
			{AccountID: f.ar, Amount: dec("-100")},
		},
	}, "bad-2")
	assert.ErrorIs(t, err, ledger.ErrInvalidAccount)
}

func TestCreateEntry_Idempotent_ReturnsOriginal(t *testing.T) {
	// createEntry called N times with the same key yields exactly one entry.
	f := newFixture(t)
	ctx := context.Background()

	in := ledger.EntryInput{
		OrgID: testOrg, EntryDate: time.Now(), Description: "once",
		SourceType: ledger.SourcePayment,
		Postings: []ledger.PostingInput{
			{AccountID: f.cash, Amount: dec("42")},
			{AccountID: f.income, Amount: dec("-42")},
		},
	}

	first, err := f.ledger.CreateEntry(ctx, in, "idem-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := f.ledger.CreateEntry(ctx, in, "idem-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}

	bal, _ := f.ledger.Balance(ctx, testOrg, f.cash)
	assert.True(t, bal.Equal(dec("42")), "replays must not double-post")
}

func TestCreateEntry_DimensionalBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: testOrg, EntryDate: time.Now(),
		SourceType: ledger.SourceCharge,
		Postings: []ledger.PostingInput{
			{AccountID: f.ar, Amount: dec("900"), Dimensions: ledger.Dimensions{PropertyID: "prop-1", TenantID: "ten-1"}},
			{AccountID: f.income, Amount: dec("-900"), Dimensions: ledger.Dimensions{PropertyID: "prop-1"}},
		},
	}, "dim-1")
	require.NoError(t, err)
	_, err = f.ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: testOrg, EntryDate: time.Now(),
		SourceType: ledger.SourceCharge,
		Postings: []ledger.PostingInput{
			{AccountID: f.ar, Amount: dec("600"), Dimensions: ledger.Dimensions{PropertyID: "prop-2", TenantID: "ten-2"}},
			{AccountID: f.income, Amount: dec("-600"), Dimensions: ledger.Dimensions{PropertyID: "prop-2"}},
		},
	}, "dim-2")
	require.NoError(t, err)

	// Exact tuple.
	b, err := f.ledger.DimensionalBalance(ctx, testOrg, f.ar, ledger.Dimensions{PropertyID: "prop-1", TenantID: "ten-1"})
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("900")))

	// Subset: all A/R for prop-1 regardless of tenant.
	b, err = f.ledger.DimensionalBalanceSubset(ctx, testOrg, f.ar, ledger.Dimensions{PropertyID: "prop-1"})
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("900")))

	// Subset across properties.
	b, err = f.ledger.DimensionalBalanceSubset(ctx, testOrg, f.ar, ledger.Dimensions{})
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("1500")))
}

// =============================================================================
// REVERSALS
// =============================================================================

func TestReverseEntry_MirrorsAndLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original, err := f.ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: testOrg, EntryDate: time.Now(),
		SourceType: ledger.SourcePayment,
		Postings: []ledger.PostingInput{
			{AccountID: f.cash, Amount: dec("250.50")},
			{AccountID: f.income, Amount: dec("-250.50")},
		},
	}, "rev-orig")
	require.NoError(t, err)

	reversal, err := f.ledger.ReverseEntry(ctx, testOrg, original.ID, "posted in error", "rev-1")
	require.NoError(t, err)

	assert.True(t, reversal.IsReversal)
	assert.Equal(t, original.ID, reversal.ReversesEntryID)
	require.Len(t, reversal.Postings, 2)
	assert.True(t, reversal.Postings[0].Amount.Equal(dec("-250.50")))
	assert.True(t, reversal.Postings[1].Amount.Equal(dec("250.50")))

	// Original carries the back-link.
	reloaded, err := f.ledger.GetEntry(ctx, testOrg, original.ID)
	require.NoError(t, err)
	assert.Equal(t, reversal.ID, reloaded.ReversedByEntryID)

	// Balances net out.
	bal, _ := f.ledger.Balance(ctx, testOrg, f.cash)
	assert.True(t, bal.IsZero())
}

func TestReverseEntry_Twice_Refused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original, err := f.ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: testOrg, EntryDate: time.Now(),
		SourceType: ledger.SourcePayment,
		Postings: []ledger.PostingInput{
			{AccountID: f.cash, Amount: dec("10")},
			{AccountID: f.income, Amount: dec("-10")},
		},
	}, "twice-orig")
	require.NoError(t, err)

	_, err = f.ledger.ReverseEntry(ctx, testOrg, original.ID, "first", "twice-1")
	require.NoError(t, err)

	_, err = f.ledger.ReverseEntry(ctx, testOrg, original.ID, "second", "twice-2")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
}

func TestReverseEntry_ClosedPeriod_DatedToday(t *testing.T) {
	// GIVEN: an entry effective 2024-12-15 in a now-closed period
	// WHEN: voiding it today
	// THEN: the reversal's effective date is today, and the rows cross-link

	f := newFixture(t)
	ctx := context.Background()

	original, err := f.ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID: testOrg, EntryDate: day("2024-12-15"),
		SourceType: ledger.SourcePayment,
		Postings: []ledger.PostingInput{
			{AccountID: f.cash, Amount: dec("800")},
			{AccountID: f.income, Amount: dec("-800")},
		},
	}, "closed-orig")
	require.NoError(t, err)
	assert.Equal(t, day("2024-12-15"), original.EffectiveDate)

	_, err = f.periods.Close(ctx, string(testOrg), day("2024-12-15"), "tester")
	require.NoError(t, err)

	reversal, err := f.ledger.ReverseEntry(ctx, testOrg, original.ID, "void", "closed-rev")
	require.NoError(t, err)

	assert.Equal(t, f.periods.Today(), reversal.EffectiveDate,
		"reversal into a closed period must land on today")
	assert.Equal(t, original.ID, reversal.ReversesEntryID)
}
