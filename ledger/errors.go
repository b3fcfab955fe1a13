/*
errors.go - Centralized error types for the ledger core

PURPOSE:

	All ledger error types in one place. Saga and API layers match on the
	sentinels with errors.Is and unwrap the structured types with errors.As.

ERROR CATEGORIES:
 1. Validation errors - unbalanced entries, unknown accounts
 2. Period errors - attempts to post into closed periods
 3. Idempotency - duplicate keys (expected on retries, not a failure)

SEE ALSO:
  - ledger.go: raises these
  - api/handlers.go: maps these to HTTP error codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnbalanced is returned when an entry's postings do not sum to zero
	// within BalanceEpsilon.
	ErrUnbalanced = errors.New("entry postings do not balance")

	// ErrEmptyEntry is returned when an entry has no postings.
	ErrEmptyEntry = errors.New("entry has no postings")

	// ErrInvalidAccount is returned when a posting references an account
	// that does not exist in the org's chart of accounts.
	ErrInvalidAccount = errors.New("invalid account reference")

	// ErrAccountNotFound is returned by balance reads for unknown accounts.
	ErrAccountNotFound = errors.New("account not found")

	// ErrEntryNotFound is returned when an entry id does not exist.
	ErrEntryNotFound = errors.New("journal entry not found")

	// ErrClosedPeriod reports a write into a closed period. CreateEntry and
	// ReverseEntry do not return it: they rewrite a closed-period effective
	// date to today through the period manager. There is no strict mode.
	ErrClosedPeriod = errors.New("accounting period is closed")

	// ErrAlreadyReversed is returned when reversing an entry that already
	// has a reversal.
	ErrAlreadyReversed = errors.New("entry already reversed")

	// ErrDuplicateIdempotencyKey signals that an entry with the same
	// (org, idempotency key) exists. Callers receive the original entry id;
	// this is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnbalancedError reports the residual sum of a rejected entry.
type UnbalancedError struct {
	OrgID    OrgID
	Residual decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("entry postings do not balance: residual %s", e.Residual.String())
}

func (e *UnbalancedError) Unwrap() error { return ErrUnbalanced }

// InvalidAccountError names the offending account reference.
type InvalidAccountError struct {
	OrgID     OrgID
	AccountID AccountID
}

func (e *InvalidAccountError) Error() string {
	return fmt.Sprintf("invalid account reference: %s", e.AccountID)
}

func (e *InvalidAccountError) Unwrap() error { return ErrInvalidAccount }

// AlreadyReversedError names both sides of the existing reversal link.
type AlreadyReversedError struct {
	EntryID    EntryID
	ReversedBy EntryID
}

func (e *AlreadyReversedError) Error() string {
	return fmt.Sprintf("entry %s already reversed by %s", e.EntryID, e.ReversedBy)
}

func (e *AlreadyReversedError) Unwrap() error { return ErrAlreadyReversed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnbalanced) ||
		errors.Is(err, ErrEmptyEntry) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrClosedPeriod)
}

// IsNotFound reports whether the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrEntryNotFound)
}
