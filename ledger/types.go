/*
Package ledger is the double-entry core: immutable journal entries with
balanced postings, materialized current balances, dimensional balances,
and historical (as-of) reads.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: chart-of-accounts row with type and normal balance side
  - JournalEntry: immutable header for a set of postings
  - Posting: signed line (positive = debit, negative = credit)
  - Dimensions: optional property/unit/tenant/vendor/owner tags on a posting

DESIGN PRINCIPLES:
 1. Immutability: entries are never updated or deleted, only reversed
 2. Precision: decimal.Decimal everywhere; binary floats are forbidden
 3. Tenancy: every row carries OrgID and every query is org-scoped
 4. Auditability: idempotency key, trace id, source linkage on every entry

NUMERIC SEMANTICS:

	Postings are stored to 4 decimal places. Balances are reported at
	2 decimal places with banker's rounding applied at presentation only,
	never during accumulation.

SEE ALSO:
  - ledger.go: CreateEntry / ReverseEntry / balance reads
  - timetravel.go: historical balance computation
  - errors.go: sentinel and structured errors
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCALE AND ROUNDING
// =============================================================================

const (
	// PostingScale is the storage precision of posting amounts.
	PostingScale int32 = 4

	// BalanceScale is the presentation precision of reported balances.
	BalanceScale int32 = 2
)

// BalanceEpsilon is the default tolerance for the per-entry zero-sum check.
var BalanceEpsilon = decimal.New(1, -4) // 0.0001

// Quantize rounds an amount (half away from zero) to posting precision for
// storage.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(PostingScale)
}

// Present rounds a balance to reporting precision using banker's rounding.
func Present(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(BalanceScale)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrgID string
type AccountID string
type EntryID string
type PostingID string

// =============================================================================
// ACCOUNTS - Chart of accounts
// =============================================================================

type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

type NormalBalance string

const (
	NormalDebit  NormalBalance = "debit"
	NormalCredit NormalBalance = "credit"
)

// AccountSubtype refines an account's role for trust accounting.
// The diagnostics trust-integrity check selects accounts by subtype.
type AccountSubtype string

const (
	SubtypeTrustBank          AccountSubtype = "trust_bank"
	SubtypeSecurityDeposit    AccountSubtype = "security_deposit"
	SubtypeOwnerLiability     AccountSubtype = "owner_liability"
	SubtypeOutstandingChecks  AccountSubtype = "outstanding_checks"
	SubtypeAccountsReceivable AccountSubtype = "accounts_receivable"
	SubtypeBadDebt            AccountSubtype = "bad_debt"
)

// Account is a chart-of-accounts row. (OrgID, Code) is unique.
// Accounts are immutable once referenced by any posting.
type Account struct {
	ID            AccountID
	OrgID         OrgID
	Code          string
	Name          string
	Type          AccountType
	NormalBalance NormalBalance
	Subtype       AccountSubtype
	CreatedAt     time.Time
}

// =============================================================================
// JOURNAL ENTRIES AND POSTINGS
// =============================================================================

type SourceType string

const (
	SourcePayment      SourceType = "payment"
	SourceInvoice      SourceType = "invoice"
	SourceAdjustment   SourceType = "adjustment"
	SourceClosing      SourceType = "closing"
	SourceReversal     SourceType = "reversal"
	SourceDistribution SourceType = "distribution"
	SourceCharge       SourceType = "charge"
	SourceRefund       SourceType = "refund"
)

// JournalEntry is the immutable header of a balanced posting set.
// Corrections never modify an entry; they append a reversal entry and
// cross-link the two via ReversesEntryID / ReversedByEntryID.
type JournalEntry struct {
	ID                EntryID
	OrgID             OrgID
	EntryDate         time.Time // when the event happened
	EffectiveDate     time.Time // when it lands in the books (period-resolved)
	Description       string
	Memo              string
	SourceType        SourceType
	SourceID          string
	IsReversal        bool
	ReversesEntryID   EntryID
	ReversedByEntryID EntryID
	IdempotencyKey    string
	TraceID           string
	CreatedAt         time.Time
	CreatedBy         string

	Postings []Posting
}

// Dimensions are optional tags scoping a posting to property-management
// entities. Dimensional balances are sums over postings matching a tag subset.
type Dimensions struct {
	PropertyID string
	UnitID     string
	TenantID   string
	VendorID   string
	OwnerID    string
}

// IsZero reports whether no dimension is set.
func (d Dimensions) IsZero() bool {
	return d == Dimensions{}
}

// Posting is one signed line of a journal entry.
// Positive amounts are debits, negative amounts are credits.
type Posting struct {
	ID          PostingID
	EntryID     EntryID
	OrgID       OrgID
	AccountID   AccountID
	Amount      decimal.Decimal
	Dimensions  Dimensions
	Description string
}

// IsDebit reports the side of the posting.
func (p Posting) IsDebit() bool { return p.Amount.IsPositive() }

// =============================================================================
// BALANCES
// =============================================================================

// AccountBalance is the materialized current balance of one account.
// It is updated in the same database transaction as the posting insert,
// so it equals SUM(postings.amount) at all times (invariant audited by
// the diagnostics balance-consistency check).
type AccountBalance struct {
	OrgID       OrgID
	AccountID   AccountID
	Balance     decimal.Decimal
	LastEntryID EntryID
	UpdatedAt   time.Time
}

// DimensionalBalance is the materialized balance of one (account, tag tuple).
// Rows are sparse: only tag combinations that have postings exist.
type DimensionalBalance struct {
	OrgID      OrgID
	AccountID  AccountID
	Dimensions Dimensions
	Balance    decimal.Decimal
	UpdatedAt  time.Time
}

// =============================================================================
// ENTRY INPUT - what callers submit
// =============================================================================

// PostingInput is one line of an entry to be created.
type PostingInput struct {
	AccountID   AccountID
	Amount      decimal.Decimal
	Dimensions  Dimensions
	Description string
}

// EntryInput describes a journal entry to be created.
// EffectiveDate is a request; the period manager may rewrite it to today
// when the requested date falls in a closed period.
type EntryInput struct {
	OrgID         OrgID
	EntryDate     time.Time
	EffectiveDate time.Time
	Description   string
	Memo          string
	SourceType    SourceType
	SourceID      string
	TraceID       string
	CreatedBy     string
	Postings      []PostingInput
}
