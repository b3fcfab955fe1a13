package diagnostics_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/propmaster/ledger-engine/diagnostics"
	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/period"
	"github.com/propmaster/ledger-engine/sagas"
	"github.com/propmaster/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const org = "org-1"

type fixture struct {
	store  *sqlite.Store
	canary *diagnostics.Canary
	ledger *ledger.Service
	chart  sagas.ChartRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	periods := period.NewManager(store)
	ledgerSvc := ledger.NewService(store, periods)
	chart, err := sagas.EnsureChart(context.Background(), store, org)
	require.NoError(t, err)

	return &fixture{
		store:  store,
		canary: diagnostics.NewCanary(store, zap.NewNop()),
		ledger: ledgerSvc,
		chart:  chart,
	}
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// seedTrust posts a trust receipt split across owner liability and a
// tenant deposit, keeping I4 true by construction.
func (f *fixture) seedTrust(t *testing.T) {
	t.Helper()
	_, err := f.ledger.CreateEntry(context.Background(), ledger.EntryInput{
		OrgID: org, EntryDate: time.Now(), Description: "trust receipts",
		SourceType: ledger.SourcePayment,
		Postings: []ledger.PostingInput{
			{AccountID: f.chart.TrustBank, Amount: dec("3200")},
			{AccountID: f.chart.OwnerLiability, Amount: dec("-2000"),
				Dimensions: ledger.Dimensions{OwnerID: "o1"}},
			{AccountID: f.chart.SecurityDeposit, Amount: dec("-1200"),
				Dimensions: ledger.Dimensions{TenantID: "t1"}},
		},
	}, "seed-1")
	require.NoError(t, err)
}

// =============================================================================
// CHECKS
// =============================================================================

func TestTrustIntegrity_Holds(t *testing.T) {
	f := newFixture(t)
	f.seedTrust(t)

	res := f.canary.TrustIntegrity(context.Background(), org)
	assert.True(t, res.Passed, "variance %s detail %v", res.Variance, res.Detail)
	assert.True(t, res.Variance.LessThan(dec("0.01")))
}

func TestTrustIntegrity_DollarDrift_Fails(t *testing.T) {
	// Force account_balances[trust_bank] off by $1.00 without postings.
	f := newFixture(t)
	f.seedTrust(t)
	require.NoError(t, f.store.CorruptBalance(context.Background(), org, f.chart.TrustBank, dec("1.00")))

	res := f.canary.TrustIntegrity(context.Background(), org)
	assert.False(t, res.Passed)
	assert.True(t, res.Variance.Equal(dec("1.00")), "variance %s", res.Variance)
}

func TestTrialBalance_Holds(t *testing.T) {
	f := newFixture(t)
	f.seedTrust(t)
	res := f.canary.TrialBalance(context.Background(), org)
	assert.True(t, res.Passed)
}

func TestBalanceConsistency_DetectsDrift(t *testing.T) {
	f := newFixture(t)
	f.seedTrust(t)

	res := f.canary.BalanceConsistency(context.Background(), org)
	assert.True(t, res.Passed)

	require.NoError(t, f.store.CorruptBalance(context.Background(), org, f.chart.TrustBank, dec("0.50")))
	res = f.canary.BalanceConsistency(context.Background(), org)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Detail, string(f.chart.TrustBank))
}

func TestOrphans_CleanBooks(t *testing.T) {
	f := newFixture(t)
	f.seedTrust(t)
	res := f.canary.Orphans(context.Background(), org)
	assert.True(t, res.Passed)
}

// =============================================================================
// COMPOSITION AND GATE
// =============================================================================

func TestRunAll_AllPass(t *testing.T) {
	f := newFixture(t)
	f.seedTrust(t)

	report := f.canary.RunAll(context.Background(), org)
	assert.True(t, report.Passed)
	assert.Len(t, report.Checks, 4)
}

func TestGate_FailureRefusesEmission(t *testing.T) {
	f := newFixture(t)
	f.seedTrust(t)
	require.NoError(t, f.store.CorruptBalance(context.Background(), org, f.chart.TrustBank, dec("1.00")))

	report, err := f.canary.Gate(context.Background(), org)
	assert.ErrorIs(t, err, diagnostics.ErrGateFailed)
	require.NotNil(t, report)
	assert.False(t, report.Passed)

	var gateErr *diagnostics.GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Contains(t, gateErr.Error(), "trust_integrity")
}

func TestGate_CleanBooks_Pass(t *testing.T) {
	f := newFixture(t)
	f.seedTrust(t)
	report, err := f.canary.Gate(context.Background(), org)
	require.NoError(t, err)
	assert.True(t, report.Passed)
}
