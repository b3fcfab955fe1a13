/*
Package compliance stores jurisdictional rules as data ("law as data").

PURPOSE:

	Late-fee caps, security-deposit limits, grace periods, notice deadlines,
	and 1099 thresholds vary by state and change over time. Instead of
	encoding them as constants, rules live in temporally-keyed rows: for any
	(state, type, key) the active value at date D is the row with
	effective_date <= D < end_date (open-ended when end_date is null).

VERSIONING:

	Upsert never edits a rule row in place. It end-dates the currently
	active row at the new effective date and inserts the new version, so
	historical queries keep answering with the value that was law at the time.

LOOKUP CONTRACT:

	A missing rule is ErrRuleNotFound. The only documented absence-means-
	not-required cases are the deposit interest rate and the segregated
	account flag; those helpers return zero/false instead of failing.

SEE ALSO:
  - sagas: every saga precondition reads rules through this service
  - helpers.go: derived calculations (late fee caps, deposit maximums)
*/
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE SPACE
// =============================================================================

type RuleType string

const (
	RuleLateFee         RuleType = "late_fee"
	RuleSecurityDeposit RuleType = "security_deposit"
	RuleGracePeriod     RuleType = "grace_period"
	RuleNoticePeriod    RuleType = "notice_period"
	RuleTax             RuleType = "tax"
)

// Well-known rule keys. The key space is open; these are the ones the
// engine reads.
const (
	KeyMaxPercent      = "max_percent"
	KeyMaxAmount       = "max_amount"
	KeyMaxMonthsRent   = "max_months_rent"
	KeyInterestRate    = "interest_rate"
	KeySeparateAccount = "separate_account"
	KeyReturnDays      = "return_days"
	KeyGraceDays       = "grace_period_days"
	KeyDeadlineDays    = "deadline_days"
	KeyThreshold1099   = "threshold_1099"
)

// Rule is one temporal rule version. RuleValue is a string; typed getters
// parse it at read time.
type Rule struct {
	ID             string
	OrgID          string
	StateCode      string
	RuleType       RuleType
	RuleKey        string
	RuleValue      string
	EffectiveDate  time.Time
	EndDate        *time.Time
	SourceCitation string
	CreatedAt      time.Time
}

// ActiveAt reports whether this version is law on date d.
func (r Rule) ActiveAt(d time.Time) bool {
	if d.Before(r.EffectiveDate) {
		return false
	}
	return r.EndDate == nil || d.Before(*r.EndDate)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRuleNotFound is returned when no rule version is active at the
	// requested date.
	ErrRuleNotFound = errors.New("compliance rule not found")
)

// RuleNotFoundError names the missing rule coordinates.
type RuleNotFoundError struct {
	StateCode string
	RuleType  RuleType
	RuleKey   string
	AsOf      time.Time
}

func (e *RuleNotFoundError) Error() string {
	return fmt.Sprintf("compliance rule not found: %s/%s.%s as of %s",
		e.StateCode, e.RuleType, e.RuleKey, e.AsOf.Format("2006-01-02"))
}

func (e *RuleNotFoundError) Unwrap() error { return ErrRuleNotFound }

// =============================================================================
// STORE
// =============================================================================

// Store persists rule versions.
type Store interface {
	// GetActiveRule returns the version active at asOf, or ErrRuleNotFound.
	GetActiveRule(ctx context.Context, org, state string, ruleType RuleType, key string, asOf time.Time) (*Rule, error)

	// EndDateRule sets end_date on the currently open version, if any.
	EndDateRule(ctx context.Context, org, state string, ruleType RuleType, key string, endDate time.Time) error

	// InsertRule inserts a new rule version.
	InsertRule(ctx context.Context, r Rule) error

	// ListRules returns every version for (state, type), all keys,
	// ordered by key then effective date.
	ListRules(ctx context.Context, org, state string, ruleType RuleType) ([]Rule, error)
}

// =============================================================================
// SERVICE
// =============================================================================

// Service answers temporal rule lookups and owns versioned writes.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Value returns the raw rule value active at asOf.
func (s *Service) Value(ctx context.Context, org, state string, ruleType RuleType, key string, asOf time.Time) (string, error) {
	r, err := s.store.GetActiveRule(ctx, org, state, ruleType, key, dateOnly(asOf))
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return "", &RuleNotFoundError{StateCode: state, RuleType: ruleType, RuleKey: key, AsOf: asOf}
		}
		return "", err
	}
	return r.RuleValue, nil
}

// Decimal parses the active value as an exact decimal.
func (s *Service) Decimal(ctx context.Context, org, state string, ruleType RuleType, key string, asOf time.Time) (decimal.Decimal, error) {
	v, err := s.Value(ctx, org, state, ruleType, key, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rule %s/%s.%s: invalid decimal %q: %w", state, ruleType, key, v, err)
	}
	return d, nil
}

// Int parses the active value as an integer.
func (s *Service) Int(ctx context.Context, org, state string, ruleType RuleType, key string, asOf time.Time) (int, error) {
	d, err := s.Decimal(ctx, org, state, ruleType, key, asOf)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("rule %s/%s.%s: expected integer, got %s", state, ruleType, key, d)
	}
	return int(d.IntPart()), nil
}

// Bool parses the active value as true/false.
func (s *Service) Bool(ctx context.Context, org, state string, ruleType RuleType, key string, asOf time.Time) (bool, error) {
	v, err := s.Value(ctx, org, state, ruleType, key, asOf)
	if err != nil {
		return false, err
	}
	switch v {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("rule %s/%s.%s: expected boolean, got %q", state, ruleType, key, v)
}

// Upsert writes a new rule version: the open version for the same
// coordinates is end-dated at effectiveDate, then the new row is inserted.
// History stays queryable.
func (s *Service) Upsert(ctx context.Context, r Rule) error {
	r.EffectiveDate = dateOnly(r.EffectiveDate)
	if r.EndDate != nil {
		d := dateOnly(*r.EndDate)
		r.EndDate = &d
	}
	if err := s.store.EndDateRule(ctx, r.OrgID, r.StateCode, r.RuleType, r.RuleKey, r.EffectiveDate); err != nil {
		return err
	}
	return s.store.InsertRule(ctx, r)
}

// List returns all versions for (state, type).
func (s *Service) List(ctx context.Context, org, state string, ruleType RuleType) ([]Rule, error) {
	return s.store.ListRules(ctx, org, state, ruleType)
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
