/*
timetravel.go - Historical balances without replaying history

PURPOSE:

	balanceAsOf anchors on the O(1) materialized balance and subtracts the
	delta of postings newer than the as-of date, so the scan is bounded by
	recent activity instead of the full ledger.

ALGORITHM:

 1. read current balance B_now

 2. if D >= today, return B_now

 3. delta = SUM(postings.amount) where effective_date > D

 4. return B_now - delta at posting precision

    Dimensional variants filter the delta by the tag subset. Trial balance
    as-of collects per-account deltas in one pass.

SEE ALSO:
  - ledger.go: current balances
  - store.go: PostingSumSince / PostingSumsSinceAll
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/period"
)

// BalanceAsOf returns the account balance as of the end of day D.
func (s *Service) BalanceAsOf(ctx context.Context, org OrgID, account AccountID, asOf time.Time) (decimal.Decimal, error) {
	current, err := s.store.GetBalance(ctx, org, account)
	if err != nil {
		return decimal.Zero, err
	}
	d := period.DateOnly(asOf)
	if !d.Before(s.periods.Today()) {
		return current.Balance, nil
	}
	delta, err := s.store.PostingSumSince(ctx, org, account, d)
	if err != nil {
		return decimal.Zero, err
	}
	return current.Balance.Sub(delta), nil
}

// DimensionalBalanceAsOf is BalanceAsOf filtered to a tag subset.
func (s *Service) DimensionalBalanceAsOf(ctx context.Context, org OrgID, account AccountID, dims Dimensions, asOf time.Time) (decimal.Decimal, error) {
	current, err := s.store.SumDimensionalBalances(ctx, org, account, dims)
	if err != nil {
		return decimal.Zero, err
	}
	d := period.DateOnly(asOf)
	if !d.Before(s.periods.Today()) {
		return current, nil
	}
	delta, err := s.store.PostingSumSinceByDims(ctx, org, account, dims, d)
	if err != nil {
		return decimal.Zero, err
	}
	return current.Sub(delta), nil
}

// =============================================================================
// TRIAL BALANCE
// =============================================================================

// TrialBalanceLine is one account's as-of balance split into the side it
// normally reports on.
type TrialBalanceLine struct {
	AccountID AccountID
	Code      string
	Name      string
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// TrialBalance is the as-of report. Balanced when total debits equal
// total credits at presentation precision.
type TrialBalance struct {
	AsOf        time.Time
	Lines       []TrialBalanceLine
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
}

// Balanced reports whether debits equal credits.
func (tb TrialBalance) Balanced() bool {
	return tb.TotalDebit.Equal(tb.TotalCredit)
}

// TrialBalanceAsOf builds the trial balance at date D: current balances
// minus one-pass per-account deltas.
func (s *Service) TrialBalanceAsOf(ctx context.Context, org OrgID, asOf time.Time) (*TrialBalance, error) {
	balances, err := s.store.ListBalances(ctx, org)
	if err != nil {
		return nil, err
	}
	d := period.DateOnly(asOf)

	deltas := map[AccountID]decimal.Decimal{}
	if d.Before(s.periods.Today()) {
		deltas, err = s.store.PostingSumsSinceAll(ctx, org, d)
		if err != nil {
			return nil, err
		}
	}

	tb := &TrialBalance{AsOf: d, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	for _, b := range balances {
		asOfBal := b.Balance.Sub(deltas[b.AccountID])
		if asOfBal.IsZero() {
			continue
		}
		acct, err := s.store.GetAccount(ctx, org, b.AccountID)
		if err != nil {
			return nil, err
		}
		line := TrialBalanceLine{AccountID: b.AccountID, Code: acct.Code, Name: acct.Name}
		if asOfBal.IsPositive() {
			line.Debit = Present(asOfBal)
			tb.TotalDebit = tb.TotalDebit.Add(line.Debit)
		} else {
			line.Credit = Present(asOfBal.Neg())
			tb.TotalCredit = tb.TotalCredit.Add(line.Credit)
		}
		tb.Lines = append(tb.Lines, line)
	}
	return tb, nil
}

// =============================================================================
// ACCOUNT ACTIVITY
// =============================================================================

// AccountActivity is the composite statement for an account over a range:
// opening balance as of the day before start, closing as of end, debit and
// credit totals, and a page of postings.
type AccountActivity struct {
	AccountID      AccountID
	From, To       time.Time
	OpeningBalance decimal.Decimal
	ClosingBalance decimal.Decimal
	TotalDebits    decimal.Decimal
	TotalCredits   decimal.Decimal
	Postings       []Posting
}

// Activity assembles the account statement. limit/offset page the postings;
// totals always cover the full range.
func (s *Service) Activity(ctx context.Context, org OrgID, account AccountID, from, to time.Time, limit, offset int) (*AccountActivity, error) {
	from, to = period.DateOnly(from), period.DateOnly(to)

	opening, err := s.BalanceAsOf(ctx, org, account, from.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}
	closing, err := s.BalanceAsOf(ctx, org, account, to)
	if err != nil {
		return nil, err
	}

	// Totals over the whole range, not just the page.
	all, err := s.store.ListPostings(ctx, org, account, from, to, 0, 0)
	if err != nil {
		return nil, err
	}
	debits, credits := decimal.Zero, decimal.Zero
	for _, p := range all {
		if p.IsDebit() {
			debits = debits.Add(p.Amount)
		} else {
			credits = credits.Add(p.Amount.Neg())
		}
	}

	page := all
	if limit > 0 {
		if offset >= len(all) {
			page = nil
		} else {
			end := offset + limit
			if end > len(all) {
				end = len(all)
			}
			page = all[offset:end]
		}
	}

	return &AccountActivity{
		AccountID:      account,
		From:           from,
		To:             to,
		OpeningBalance: opening,
		ClosingBalance: closing,
		TotalDebits:    debits,
		TotalCredits:   credits,
		Postings:       page,
	}, nil
}
