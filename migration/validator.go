/*
Package migration pre-validates bulk ledger imports.

PURPOSE:

	Offline checks run before any imported row touches the ledger:
	  1. accounting equation per transaction (postings sum to zero)
	  2. no negative owner cash unless the posting is flagged as a loan
	  3. every account reference exists in the chart
	  4. date sanity (not beyond tomorrow, not absurdly old)
	  5. duplicate detection by (date, total, description) fingerprint
	     (warning only)

	The result document carries per-rule detail; any error aborts the
	import. The operator CLI exposes this as `validate <file>`.
*/
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/ledger"
)

// =============================================================================
// IMPORT SHAPE
// =============================================================================

// ImportPosting is one line of an imported transaction.
type ImportPosting struct {
	AccountCode string          `json:"account_code"`
	Amount      decimal.Decimal `json:"amount"`
	OwnerID     string          `json:"owner_id,omitempty"`
	IsLoan      bool            `json:"is_loan,omitempty"`
}

// ImportTransaction is one transaction of an import file.
type ImportTransaction struct {
	Date        string          `json:"date"` // YYYY-MM-DD
	Description string          `json:"description"`
	Postings    []ImportPosting `json:"postings"`
}

// ImportFile is the bulk import document.
type ImportFile struct {
	OrgID        string              `json:"org_id"`
	Transactions []ImportTransaction `json:"transactions"`
}

// =============================================================================
// RESULT
// =============================================================================

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one rule violation.
type Finding struct {
	Rule        string   `json:"rule"`
	Severity    Severity `json:"severity"`
	Transaction int      `json:"transaction"` // index in the file
	Detail      string   `json:"detail"`
}

// Result is the validation document.
type Result struct {
	Transactions int       `json:"transactions"`
	Findings     []Finding `json:"findings"`
	Errors       int       `json:"errors"`
	Warnings     int       `json:"warnings"`
}

// Passed reports whether the import may proceed.
func (r *Result) Passed() bool { return r.Errors == 0 }

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityError {
		r.Errors++
	} else {
		r.Warnings++
	}
}

// ErrValidationFailed is returned by ValidateFile when errors are found.
type ErrValidationFailed struct {
	Result *Result
}

func (e *ErrValidationFailed) Error() string {
	return fmt.Sprintf("migration validation failed: %d errors, %d warnings", e.Result.Errors, e.Result.Warnings)
}

// =============================================================================
// VALIDATOR
// =============================================================================

// AccountResolver answers whether an account code exists.
type AccountResolver interface {
	GetAccountByCode(ctx context.Context, org ledger.OrgID, code string) (*ledger.Account, error)
}

// Validator runs the pre-import checks.
type Validator struct {
	accounts AccountResolver

	// MaxAge bounds how old an imported date may be.
	MaxAge time.Duration
	// FutureTolerance bounds how far ahead a date may sit.
	FutureTolerance time.Duration

	now func() time.Time
}

func NewValidator(accounts AccountResolver) *Validator {
	return &Validator{
		accounts:        accounts,
		MaxAge:          50 * 365 * 24 * time.Hour,
		FutureTolerance: 24 * time.Hour,
		now:             time.Now,
	}
}

// Validate checks the whole import and returns the result document.
func (v *Validator) Validate(ctx context.Context, file *ImportFile) (*Result, error) {
	res := &Result{Transactions: len(file.Transactions)}
	epsilon := ledger.BalanceEpsilon
	now := v.now().UTC()

	// Running owner cash positions across the whole file.
	ownerCash := map[string]decimal.Decimal{}
	fingerprints := map[string]int{}

	for i, tx := range file.Transactions {
		// Rule 1: accounting equation.
		sum := decimal.Zero
		total := decimal.Zero
		for _, p := range tx.Postings {
			sum = sum.Add(p.Amount)
			if p.Amount.IsPositive() {
				total = total.Add(p.Amount)
			}
		}
		if sum.Abs().GreaterThanOrEqual(epsilon) {
			res.add(Finding{Rule: "accounting_equation", Severity: SeverityError, Transaction: i,
				Detail: fmt.Sprintf("postings sum to %s", sum)})
		}

		// Rule 2: no negative owner cash unless flagged as loan.
		for _, p := range tx.Postings {
			if p.OwnerID == "" {
				continue
			}
			next := ownerCash[p.OwnerID].Add(p.Amount)
			if next.IsNegative() && !p.IsLoan {
				res.add(Finding{Rule: "negative_owner_cash", Severity: SeverityError, Transaction: i,
					Detail: fmt.Sprintf("owner %s would go to %s", p.OwnerID, next)})
			}
			ownerCash[p.OwnerID] = next
		}

		// Rule 3: account references exist.
		for _, p := range tx.Postings {
			if _, err := v.accounts.GetAccountByCode(ctx, ledger.OrgID(file.OrgID), p.AccountCode); err != nil {
				res.add(Finding{Rule: "account_exists", Severity: SeverityError, Transaction: i,
					Detail: fmt.Sprintf("unknown account code %q", p.AccountCode)})
			}
		}

		// Rule 4: date sanity.
		date, err := time.Parse("2006-01-02", tx.Date)
		if err != nil {
			res.add(Finding{Rule: "date_valid", Severity: SeverityError, Transaction: i,
				Detail: fmt.Sprintf("unparseable date %q", tx.Date)})
		} else {
			if date.After(now.Add(v.FutureTolerance)) {
				res.add(Finding{Rule: "date_valid", Severity: SeverityError, Transaction: i,
					Detail: fmt.Sprintf("date %s is in the future", tx.Date)})
			}
			if date.Before(now.Add(-v.MaxAge)) {
				res.add(Finding{Rule: "date_valid", Severity: SeverityError, Transaction: i,
					Detail: fmt.Sprintf("date %s is implausibly old", tx.Date)})
			}
		}

		// Rule 5: duplicate fingerprint (warning).
		fp := fmt.Sprintf("%s|%s|%s", tx.Date, total.StringFixed(4), tx.Description)
		if prev, seen := fingerprints[fp]; seen {
			res.add(Finding{Rule: "duplicate_fingerprint", Severity: SeverityWarning, Transaction: i,
				Detail: fmt.Sprintf("matches transaction %d (%s)", prev, fp)})
		} else {
			fingerprints[fp] = i
		}
	}
	return res, nil
}

// ValidateFile loads a JSON import file from disk and validates it.
// A failing result returns ErrValidationFailed alongside the document.
func (v *Validator) ValidateFile(ctx context.Context, path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read import file: %w", err)
	}
	var file ImportFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse import file: %w", err)
	}
	res, err := v.Validate(ctx, &file)
	if err != nil {
		return nil, err
	}
	if !res.Passed() {
		return res, &ErrValidationFailed{Result: res}
	}
	return res, nil
}
