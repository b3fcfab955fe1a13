/*
Package diagnostics is the integrity canary gating all reporting.

PURPOSE:

	Four checks over the books, run before any report is emitted:
	  1. Trust integrity: trust bank = owner liabilities + security
	     deposits + outstanding checks, within a cent
	  2. Trial balance: total debits equal total credits
	  3. Orphans: no postings without entries, no entries without postings
	  4. Balance consistency: every materialized balance equals the
	     recomputed posting sum

	RunAll composes the four concurrently. Gate wraps report code paths
	and refuses emission on any failure.

SEE ALSO:
  - api: report endpoints call Gate first
  - sagas/periodclose.go: period close runs the gate as its first step
*/
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/propmaster/ledger-engine/ledger"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrGateFailed is returned by Gate when any check fails. Report APIs map
// it to DIAGNOSTIC_GATE_FAILED.
var ErrGateFailed = errors.New("diagnostic gate failed")

// GateError carries the failing report.
type GateError struct {
	Report *Report
}

func (e *GateError) Error() string {
	var failed []string
	for _, c := range e.Report.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return fmt.Sprintf("diagnostic gate failed: %v", failed)
}

func (e *GateError) Unwrap() error { return ErrGateFailed }

// =============================================================================
// RESULTS
// =============================================================================

// CheckResult is one check's outcome with structured detail.
type CheckResult struct {
	Name     string            `json:"name"`
	Passed   bool              `json:"passed"`
	Variance decimal.Decimal   `json:"variance"`
	Detail   map[string]string `json:"detail,omitempty"`
	Err      string            `json:"error,omitempty"`
}

// Report aggregates a full diagnostics run.
type Report struct {
	OrgID  string        `json:"org_id"`
	RunAt  time.Time     `json:"run_at"`
	Passed bool          `json:"passed"`
	Checks []CheckResult `json:"checks"`
}

// =============================================================================
// STORE
// =============================================================================

// Store is the read surface the checks need beyond the ledger store.
type Store interface {
	// SumBalancesBySubtype sums materialized balances of accounts with the
	// given subtype.
	SumBalancesBySubtype(ctx context.Context, org string, subtype ledger.AccountSubtype) (decimal.Decimal, error)

	// CountOrphanPostings counts postings whose entry row is missing.
	CountOrphanPostings(ctx context.Context, org string) (int, error)

	// CountEmptyEntries counts entries with zero postings.
	CountEmptyEntries(ctx context.Context, org string) (int, error)

	// RecomputeBalances returns SUM(postings.amount) per account.
	RecomputeBalances(ctx context.Context, org string) (map[ledger.AccountID]decimal.Decimal, error)

	// ListBalances returns the materialized balance rows.
	ListBalances(ctx context.Context, org ledger.OrgID) ([]ledger.AccountBalance, error)
}

// =============================================================================
// CANARY
// =============================================================================

// Canary runs the integrity checks.
type Canary struct {
	store Store
	log   *zap.Logger

	// TrustEpsilon is the trust-integrity tolerance
	// (config diagnostics.trust_integrity_epsilon, default one cent).
	TrustEpsilon decimal.Decimal

	// BalanceEpsilon is the balance-consistency and trial-balance tolerance.
	BalanceEpsilon decimal.Decimal
}

func NewCanary(store Store, log *zap.Logger) *Canary {
	return &Canary{
		store:          store,
		log:            log,
		TrustEpsilon:   decimal.New(1, -2),
		BalanceEpsilon: decimal.New(1, -4),
	}
}

// TrustIntegrity verifies
// trust_bank = owner_liabilities + security_deposits + outstanding_checks.
func (c *Canary) TrustIntegrity(ctx context.Context, org string) CheckResult {
	res := CheckResult{Name: "trust_integrity", Variance: decimal.Zero}

	trust, err := c.store.SumBalancesBySubtype(ctx, org, ledger.SubtypeTrustBank)
	if err != nil {
		return checkErr(res, err)
	}
	owners, err := c.store.SumBalancesBySubtype(ctx, org, ledger.SubtypeOwnerLiability)
	if err != nil {
		return checkErr(res, err)
	}
	deposits, err := c.store.SumBalancesBySubtype(ctx, org, ledger.SubtypeSecurityDeposit)
	if err != nil {
		return checkErr(res, err)
	}
	checks, err := c.store.SumBalancesBySubtype(ctx, org, ledger.SubtypeOutstandingChecks)
	if err != nil {
		return checkErr(res, err)
	}

	// Liability balances carry credit (negative) sign in the signed model.
	obligations := owners.Add(deposits).Add(checks).Neg()
	res.Variance = trust.Sub(obligations).Abs()
	res.Passed = res.Variance.LessThan(c.TrustEpsilon)
	res.Detail = map[string]string{
		"trust_bank":         trust.String(),
		"owner_liabilities":  owners.Neg().String(),
		"security_deposits":  deposits.Neg().String(),
		"outstanding_checks": checks.Neg().String(),
	}
	return res
}

// TrialBalance verifies total debits equal total credits across the
// materialized balances.
func (c *Canary) TrialBalance(ctx context.Context, org string) CheckResult {
	res := CheckResult{Name: "trial_balance", Variance: decimal.Zero}
	balances, err := c.store.ListBalances(ctx, ledger.OrgID(org))
	if err != nil {
		return checkErr(res, err)
	}
	sum := decimal.Zero
	for _, b := range balances {
		sum = sum.Add(b.Balance)
	}
	res.Variance = sum.Abs()
	res.Passed = res.Variance.LessThan(c.BalanceEpsilon)
	res.Detail = map[string]string{"residual": sum.String()}
	return res
}

// Orphans verifies referential integrity between entries and postings.
func (c *Canary) Orphans(ctx context.Context, org string) CheckResult {
	res := CheckResult{Name: "orphans", Variance: decimal.Zero}
	orphanPostings, err := c.store.CountOrphanPostings(ctx, org)
	if err != nil {
		return checkErr(res, err)
	}
	emptyEntries, err := c.store.CountEmptyEntries(ctx, org)
	if err != nil {
		return checkErr(res, err)
	}
	res.Passed = orphanPostings == 0 && emptyEntries == 0
	res.Detail = map[string]string{
		"orphan_postings": fmt.Sprint(orphanPostings),
		"empty_entries":   fmt.Sprint(emptyEntries),
	}
	return res
}

// BalanceConsistency verifies every materialized balance against the
// recomputed posting sum.
func (c *Canary) BalanceConsistency(ctx context.Context, org string) CheckResult {
	res := CheckResult{Name: "balance_consistency", Variance: decimal.Zero, Detail: map[string]string{}}
	balances, err := c.store.ListBalances(ctx, ledger.OrgID(org))
	if err != nil {
		return checkErr(res, err)
	}
	recomputed, err := c.store.RecomputeBalances(ctx, org)
	if err != nil {
		return checkErr(res, err)
	}
	res.Passed = true
	worst := decimal.Zero
	for _, b := range balances {
		diff := b.Balance.Sub(recomputed[b.AccountID]).Abs()
		if diff.GreaterThanOrEqual(c.BalanceEpsilon) {
			res.Passed = false
			res.Detail[string(b.AccountID)] = fmt.Sprintf("materialized=%s recomputed=%s",
				b.Balance, recomputed[b.AccountID])
		}
		if diff.GreaterThan(worst) {
			worst = diff
		}
	}
	res.Variance = worst
	return res
}

// =============================================================================
// COMPOSITION
// =============================================================================

// RunAll executes the four checks concurrently and aggregates the report.
func (c *Canary) RunAll(ctx context.Context, org string) *Report {
	checks := []func(context.Context, string) CheckResult{
		c.TrustIntegrity,
		c.TrialBalance,
		c.Orphans,
		c.BalanceConsistency,
	}
	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check func(context.Context, string) CheckResult) {
			defer wg.Done()
			results[i] = check(ctx, org)
		}(i, check)
	}
	wg.Wait()

	report := &Report{OrgID: org, RunAt: time.Now().UTC(), Passed: true, Checks: results}
	for _, r := range results {
		if !r.Passed {
			report.Passed = false
			c.log.Warn("diagnostic check failed",
				zap.String("org", org),
				zap.String("check", r.Name),
				zap.String("variance", r.Variance.String()),
				zap.Any("detail", r.Detail))
		}
	}
	return report
}

// Gate runs all checks and returns a GateError when any fails. Report
// emission must not proceed past a non-nil error.
func (c *Canary) Gate(ctx context.Context, org string) (*Report, error) {
	report := c.RunAll(ctx, org)
	if !report.Passed {
		return report, &GateError{Report: report}
	}
	return report, nil
}

func checkErr(res CheckResult, err error) CheckResult {
	res.Passed = false
	res.Err = err.Error()
	return res
}
