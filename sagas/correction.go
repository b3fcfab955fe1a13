/*
correction.go - Correction patterns over the immutable ledger

PURPOSE:

	Every correction is a new balanced entry; nothing is edited in place.

	Void:              ledger reversal, effective-dated by the period manager
	Reclass (account): 2-legged move between accounts
	Reclass (property): 4-legged transfer that moves both the expense and
	                   the trust cash, preserving trust integrity per
	                   property
	Write-off:         Dr bad debt expense, Cr accounts receivable
	Void-and-replace:  void plus replacement under twin idempotency keys

	These run synchronously against the ledger; the idempotency keys make
	retried calls safe without saga durability.
*/
package sagas

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/ledger"
)

// Corrections is the synchronous correction surface.
type Corrections struct {
	svc *Services
}

func NewCorrections(svc *Services) *Corrections {
	return &Corrections{svc: svc}
}

// Void reverses an entry. Closed-period originals reverse dated today.
func (c *Corrections) Void(ctx context.Context, org, entryID, reason, idempotencyKey string) (*ledger.JournalEntry, error) {
	return c.svc.Ledger.ReverseEntry(ctx, ledger.OrgID(org), ledger.EntryID(entryID), reason, idempotencyKey)
}

// ReclassAccount moves an amount between two accounts: Dr to, Cr from.
func (c *Corrections) ReclassAccount(ctx context.Context, org string, from, to ledger.AccountID, amount decimal.Decimal, dims ledger.Dimensions, reason, idempotencyKey string) (*ledger.JournalEntry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("reclass amount must be positive, got %s", amount)
	}
	return c.svc.Ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID:       ledger.OrgID(org),
		EntryDate:   c.svc.Periods.Today(),
		Description: "Reclass: " + reason,
		SourceType:  ledger.SourceAdjustment,
		Postings: []ledger.PostingInput{
			{AccountID: to, Amount: amount, Dimensions: dims},
			{AccountID: from, Amount: amount.Neg(), Dimensions: dims},
		},
	}, idempotencyKey)
}

// ReclassProperty moves an expense between properties with the 4-legged
// transfer: credit the expense and debit trust cash on the source, then
// mirror on the target. Per-property trust integrity holds throughout.
func (c *Corrections) ReclassProperty(ctx context.Context, org string, expense ledger.AccountID, amount decimal.Decimal, fromProperty, toProperty, reason, idempotencyKey string) (*ledger.JournalEntry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("reclass amount must be positive, got %s", amount)
	}
	src := ledger.Dimensions{PropertyID: fromProperty}
	dst := ledger.Dimensions{PropertyID: toProperty}
	return c.svc.Ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID:       ledger.OrgID(org),
		EntryDate:   c.svc.Periods.Today(),
		Description: "Property reclass: " + reason,
		SourceType:  ledger.SourceAdjustment,
		Postings: []ledger.PostingInput{
			{AccountID: expense, Amount: amount.Neg(), Dimensions: src, Description: "move expense off source"},
			{AccountID: c.svc.Chart.TrustBank, Amount: amount, Dimensions: src, Description: "restore source cash"},
			{AccountID: expense, Amount: amount, Dimensions: dst, Description: "land expense on target"},
			{AccountID: c.svc.Chart.TrustBank, Amount: amount.Neg(), Dimensions: dst, Description: "draw target cash"},
		},
	}, idempotencyKey)
}

// WriteOff expenses an uncollectible receivable.
func (c *Corrections) WriteOff(ctx context.Context, org string, amount decimal.Decimal, dims ledger.Dimensions, reason, idempotencyKey string) (*ledger.JournalEntry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("write-off amount must be positive, got %s", amount)
	}
	return c.svc.Ledger.CreateEntry(ctx, ledger.EntryInput{
		OrgID:       ledger.OrgID(org),
		EntryDate:   c.svc.Periods.Today(),
		Description: "Write-off: " + reason,
		SourceType:  ledger.SourceAdjustment,
		Postings: []ledger.PostingInput{
			{AccountID: c.svc.Chart.BadDebtExpense, Amount: amount, Dimensions: dims},
			{AccountID: c.svc.Chart.AccountsReceivable, Amount: amount.Neg(), Dimensions: dims},
		},
	}, idempotencyKey)
}

// VoidAndReplace voids an entry and posts the replacement under twin
// idempotency keys derived from the caller's key, so a retry replays
// both halves consistently.
func (c *Corrections) VoidAndReplace(ctx context.Context, org, entryID string, replacement ledger.EntryInput, reason, idempotencyKey string) (voided, replaced *ledger.JournalEntry, err error) {
	voided, err = c.Void(ctx, org, entryID, reason, idempotencyKey+":void")
	if err != nil {
		return nil, nil, err
	}
	replaced, err = c.svc.Ledger.CreateEntry(ctx, replacement, idempotencyKey+":replace")
	if err != nil {
		return voided, nil, err
	}
	return voided, replaced, nil
}
