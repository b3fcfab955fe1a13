/*
store.go - Persistence interface for the ledger core

PURPOSE:

	Defines the interface between the ledger service and the database.
	The Store keeps journal entries append-only and maintains the
	materialized balance rows in the same transaction as posting inserts.

KEY INTERFACES:

	Store:   entry/posting/balance persistence plus chart-of-accounts reads
	TxStore: transactional composition (entry + balances + outbox in one tx)

APPEND-ONLY CONTRACT:

	Entries and postings have no Update or Delete operations. The only
	mutation of an existing entry row is setting ReversedByEntryID when a
	reversal cross-links to it.

IMPLEMENTATIONS:
  - store/sqlite: production implementation

SEE ALSO:
  - ledger.go: Service built on this interface
  - timetravel.go: historical reads via PostingSumSince
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Persistence for entries, postings, balances, accounts
// =============================================================================

// Store is the persistence surface the ledger service runs on.
type Store interface {
	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, org OrgID, id AccountID) (*Account, error)

	// GetAccountByCode returns the account with the given code.
	GetAccountByCode(ctx context.Context, org OrgID, code string) (*Account, error)

	// ListAccounts returns the org's chart of accounts ordered by code.
	ListAccounts(ctx context.Context, org OrgID) ([]Account, error)

	// CreateAccount inserts a chart-of-accounts row.
	CreateAccount(ctx context.Context, a Account) error

	// InsertEntry persists an entry with its postings and applies the
	// balance deltas to account_balances and dimensional_balances.
	// All of it happens in the surrounding transaction.
	InsertEntry(ctx context.Context, e JournalEntry) error

	// GetEntry loads an entry with its postings, or ErrEntryNotFound.
	GetEntry(ctx context.Context, org OrgID, id EntryID) (*JournalEntry, error)

	// GetEntryByIdempotencyKey returns the entry created under the key,
	// or nil when the key is unused.
	GetEntryByIdempotencyKey(ctx context.Context, org OrgID, key string) (*JournalEntry, error)

	// MarkReversed sets ReversedByEntryID on the original entry.
	// The only permitted mutation of an entry row.
	MarkReversed(ctx context.Context, org OrgID, original, reversal EntryID) error

	// GetBalance returns the materialized balance row, or a zero balance
	// when the account has no postings yet.
	GetBalance(ctx context.Context, org OrgID, account AccountID) (*AccountBalance, error)

	// GetDimensionalBalance returns the materialized balance for the
	// exact tag tuple, zero when absent.
	GetDimensionalBalance(ctx context.Context, org OrgID, account AccountID, dims Dimensions) (*DimensionalBalance, error)

	// SumDimensionalBalances sums materialized rows whose tags contain the
	// given subset (e.g. all balances for one property across units).
	SumDimensionalBalances(ctx context.Context, org OrgID, account AccountID, dims Dimensions) (decimal.Decimal, error)

	// PostingSumSince returns SUM(postings.amount) for an account where the
	// entry's effective date is strictly after `after`. Used by time-travel.
	PostingSumSince(ctx context.Context, org OrgID, account AccountID, after time.Time) (decimal.Decimal, error)

	// PostingSumSinceByDims is PostingSumSince filtered to a tag subset.
	PostingSumSinceByDims(ctx context.Context, org OrgID, account AccountID, dims Dimensions, after time.Time) (decimal.Decimal, error)

	// PostingSumsSinceAll returns per-account posting sums after the cutoff
	// in one pass. Used by trial-balance-as-of.
	PostingSumsSinceAll(ctx context.Context, org OrgID, after time.Time) (map[AccountID]decimal.Decimal, error)

	// ListBalances returns all materialized balance rows for the org.
	ListBalances(ctx context.Context, org OrgID) ([]AccountBalance, error)

	// ListPostings returns postings for an account with effective dates in
	// [from, to], ordered by effective date then creation, paginated.
	ListPostings(ctx context.Context, org OrgID, account AccountID, from, to time.Time, limit, offset int) ([]Posting, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore composes ledger writes with other same-transaction writes, most
// importantly outbox emissions (an emitted event is durable iff the ledger
// write is durable).
type TxStore interface {
	Store

	// WithTx executes fn inside one database transaction. The Store handed
	// to fn shares that transaction; rollback on error, commit on nil.
	WithTx(ctx context.Context, fn func(Store) error) error
}
