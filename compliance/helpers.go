/*
helpers.go - Derived compliance calculations

PURPOSE:

	Composes raw rule lookups with decimal arithmetic and cap logic. Sagas
	call these instead of reading raw values so the cap rules live in one
	place.

ABSENCE SEMANTICS:

	DepositInterestRate and RequiresSeparateAccount treat a missing rule as
	"not required" (zero rate / no segregation). Every other helper
	propagates ErrRuleNotFound.
*/
package compliance

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// CalculateLateFee returns min(rent * max_percent, max_amount) for the
// state, at presentation precision.
func (s *Service) CalculateLateFee(ctx context.Context, org, state string, monthlyRent decimal.Decimal, asOf time.Time) (decimal.Decimal, error) {
	pct, err := s.Decimal(ctx, org, state, RuleLateFee, KeyMaxPercent, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	maxAmt, err := s.Decimal(ctx, org, state, RuleLateFee, KeyMaxAmount, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	fee := monthlyRent.Mul(pct)
	if fee.GreaterThan(maxAmt) {
		fee = maxAmt
	}
	return fee.RoundBank(2), nil
}

// MaxDeposit returns the state's cap on a security deposit:
// max_months_rent * monthly rent.
func (s *Service) MaxDeposit(ctx context.Context, org, state string, monthlyRent decimal.Decimal, asOf time.Time) (decimal.Decimal, error) {
	months, err := s.Decimal(ctx, org, state, RuleSecurityDeposit, KeyMaxMonthsRent, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return monthlyRent.Mul(months), nil
}

// DepositInterestRate returns the annual interest rate owed on held
// deposits. Absent rule means the state mandates no interest; returns zero.
func (s *Service) DepositInterestRate(ctx context.Context, org, state string, asOf time.Time) (decimal.Decimal, error) {
	rate, err := s.Decimal(ctx, org, state, RuleSecurityDeposit, KeyInterestRate, asOf)
	if errors.Is(err, ErrRuleNotFound) {
		return decimal.Zero, nil
	}
	return rate, err
}

// RequiresSeparateAccount reports whether deposits must sit in a
// segregated account. Absent rule means not required.
func (s *Service) RequiresSeparateAccount(ctx context.Context, org, state string, asOf time.Time) (bool, error) {
	req, err := s.Bool(ctx, org, state, RuleSecurityDeposit, KeySeparateAccount, asOf)
	if errors.Is(err, ErrRuleNotFound) {
		return false, nil
	}
	return req, err
}

// DepositReturnDays returns the statutory deadline (days after move-out)
// for returning a deposit.
func (s *Service) DepositReturnDays(ctx context.Context, org, state string, asOf time.Time) (int, error) {
	return s.Int(ctx, org, state, RuleSecurityDeposit, KeyReturnDays, asOf)
}

// GracePeriodDays returns the late-fee grace period.
func (s *Service) GracePeriodDays(ctx context.Context, org, state string, asOf time.Time) (int, error) {
	return s.Int(ctx, org, state, RuleGracePeriod, KeyGraceDays, asOf)
}

// Threshold1099 returns the reporting threshold for 1099 issuance.
func (s *Service) Threshold1099(ctx context.Context, org, state string, asOf time.Time) (decimal.Decimal, error) {
	return s.Decimal(ctx, org, state, RuleTax, KeyThreshold1099, asOf)
}

// AccrueSimpleDailyInterest computes simple interest on principal at an
// annual rate over [from, to) using actual/365 day count, rounded to
// presentation precision. Zero rate yields zero.
func AccrueSimpleDailyInterest(principal, annualRate decimal.Decimal, from, to time.Time) decimal.Decimal {
	if annualRate.IsZero() || !to.After(from) {
		return decimal.Zero
	}
	days := decimal.NewFromInt(int64(to.Sub(from).Hours() / 24))
	daily := annualRate.Div(decimal.NewFromInt(365))
	return principal.Mul(daily).Mul(days).RoundBank(2)
}
