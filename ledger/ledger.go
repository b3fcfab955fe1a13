/*
ledger.go - Journal entry creation, reversal, and balance reads

PURPOSE:

	The write path of the double-entry core. CreateEntry validates the
	posting set, resolves the effective date through the period manager,
	and persists entry + postings + balance updates + outbox events in a
	single database transaction. ReverseEntry appends a mirrored entry and
	cross-links both rows.

CRITICAL INVARIANTS:
 1. BALANCED: |sum of posting amounts| < BalanceEpsilon per entry
 2. APPEND-ONLY: entries are never updated; reversal is the only undo
 3. IDEMPOTENT: at most one entry per (org, idempotency key); replays
    return the original entry
 4. CO-TRANSACTION: attached events are durable iff the entry is

SEE ALSO:
  - timetravel.go: historical balances
  - period: effective-date resolution
  - outbox: event rows written in the entry's transaction
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/period"
)

// =============================================================================
// SERVICE
// =============================================================================

// Clock lets tests pin time.
type Clock func() time.Time

// Service is the ledger write/read surface.
type Service struct {
	store   TxStore
	periods *period.Manager
	now     Clock
	epsilon decimal.Decimal
}

// NewService wires the ledger over its store and the period manager.
func NewService(store TxStore, periods *period.Manager) *Service {
	return &Service{
		store:   store,
		periods: periods,
		now:     time.Now,
		epsilon: BalanceEpsilon,
	}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(c Clock) *Service {
	s.now = c
	return s
}

// WithEpsilon overrides the balance tolerance (config
// ledger.balance_variance_epsilon).
func (s *Service) WithEpsilon(eps decimal.Decimal) *Service {
	s.epsilon = eps
	return s
}

// Store exposes the underlying store for read-side collaborators
// (diagnostics, time-travel reports).
func (s *Service) Store() TxStore { return s.store }

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateDoubleEntry checks the zero-sum invariant on a posting set.
// Pure; callers may run it before submission.
func ValidateDoubleEntry(postings []PostingInput, epsilon decimal.Decimal) error {
	if len(postings) == 0 {
		return ErrEmptyEntry
	}
	sum := decimal.Zero
	for _, p := range postings {
		sum = sum.Add(Quantize(p.Amount))
	}
	if sum.Abs().GreaterThanOrEqual(epsilon) {
		return &UnbalancedError{Residual: sum}
	}
	return nil
}

func (s *Service) validateAccounts(ctx context.Context, org OrgID, postings []PostingInput) error {
	seen := make(map[AccountID]bool, len(postings))
	for _, p := range postings {
		if seen[p.AccountID] {
			continue
		}
		seen[p.AccountID] = true
		if _, err := s.store.GetAccount(ctx, org, p.AccountID); err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return &InvalidAccountError{OrgID: org, AccountID: p.AccountID}
			}
			return err
		}
	}
	return nil
}

// =============================================================================
// CREATE ENTRY
// =============================================================================

// CreateEntry validates and persists a journal entry. Attached events are
// written to the outbox in the same transaction; a journal.posted event is
// always appended. Replays under an existing (org, idempotency key) return
// the original entry and write nothing.
func (s *Service) CreateEntry(ctx context.Context, in EntryInput, idempotencyKey string, events ...outbox.EmitInput) (*JournalEntry, error) {
	if idempotencyKey != "" {
		if existing, err := s.store.GetEntryByIdempotencyKey(ctx, in.OrgID, idempotencyKey); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	if err := ValidateDoubleEntry(in.Postings, s.epsilon); err != nil {
		return nil, err
	}
	if err := s.validateAccounts(ctx, in.OrgID, in.Postings); err != nil {
		return nil, err
	}

	requested := in.EffectiveDate
	if requested.IsZero() {
		requested = in.EntryDate
	}
	effective, err := s.periods.ResolveEffectiveDate(ctx, string(in.OrgID), requested)
	if err != nil {
		return nil, err
	}

	entry := s.buildEntry(in, idempotencyKey, effective, false, "")

	err = s.store.WithTx(ctx, func(ts Store) error {
		if err := ts.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return s.emitInTx(ctx, ts, entry, events)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Lost the race; the winner's entry is the result.
			if existing, rerr := s.store.GetEntryByIdempotencyKey(ctx, in.OrgID, idempotencyKey); rerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Service) buildEntry(in EntryInput, key string, effective time.Time, isReversal bool, reverses EntryID) JournalEntry {
	now := s.now().UTC()
	entry := JournalEntry{
		ID:              EntryID(uuid.NewString()),
		OrgID:           in.OrgID,
		EntryDate:       period.DateOnly(in.EntryDate),
		EffectiveDate:   effective,
		Description:     in.Description,
		Memo:            in.Memo,
		SourceType:      in.SourceType,
		SourceID:        in.SourceID,
		IsReversal:      isReversal,
		ReversesEntryID: reverses,
		IdempotencyKey:  key,
		TraceID:         in.TraceID,
		CreatedAt:       now,
		CreatedBy:       in.CreatedBy,
	}
	for _, p := range in.Postings {
		entry.Postings = append(entry.Postings, Posting{
			ID:          PostingID(uuid.NewString()),
			EntryID:     entry.ID,
			OrgID:       in.OrgID,
			AccountID:   p.AccountID,
			Amount:      Quantize(p.Amount),
			Dimensions:  p.Dimensions,
			Description: p.Description,
		})
	}
	return entry
}

// emitInTx writes the journal.posted event plus any attached events using
// the transaction's store. The transactional store must also implement
// outbox.Store; the sqlite store does.
func (s *Service) emitInTx(ctx context.Context, ts Store, entry JournalEntry, events []outbox.EmitInput) error {
	sink, ok := ts.(outbox.Store)
	if !ok {
		return fmt.Errorf("ledger store %T cannot emit outbox events", ts)
	}
	posted := outbox.EmitInput{
		OrgID:         string(entry.OrgID),
		EventType:     outbox.EventJournalPosted,
		AggregateType: "journal_entry",
		AggregateID:   string(entry.ID),
		TraceID:       entry.TraceID,
		Payload: map[string]any{
			"entry_id":       entry.ID,
			"source_type":    entry.SourceType,
			"source_id":      entry.SourceID,
			"effective_date": entry.EffectiveDate.Format("2006-01-02"),
			"is_reversal":    entry.IsReversal,
			"trace_id":       entry.TraceID,
		},
	}
	if _, err := outbox.Emit(ctx, sink, posted); err != nil {
		return err
	}
	for _, ev := range events {
		if ev.TraceID == "" {
			ev.TraceID = entry.TraceID
		}
		if _, err := outbox.Emit(ctx, sink, ev); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// REVERSE ENTRY
// =============================================================================

// ReverseEntry appends a mirror entry with negated amounts and cross-links
// both rows. The reversal's effective date goes through the period manager,
// so reversing into a closed period lands on today. Refuses when the entry
// already has a reversal.
func (s *Service) ReverseEntry(ctx context.Context, org OrgID, entryID EntryID, reason, idempotencyKey string, events ...outbox.EmitInput) (*JournalEntry, error) {
	if idempotencyKey != "" {
		if existing, err := s.store.GetEntryByIdempotencyKey(ctx, org, idempotencyKey); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	original, err := s.store.GetEntry(ctx, org, entryID)
	if err != nil {
		return nil, err
	}
	if original.ReversedByEntryID != "" {
		return nil, &AlreadyReversedError{EntryID: entryID, ReversedBy: original.ReversedByEntryID}
	}

	effective, err := s.periods.ResolveEffectiveDate(ctx, string(org), original.EffectiveDate)
	if err != nil {
		return nil, err
	}

	in := EntryInput{
		OrgID:       org,
		EntryDate:   s.periods.Today(),
		Description: fmt.Sprintf("Reversal of %s: %s", original.ID, reason),
		Memo:        reason,
		SourceType:  SourceReversal,
		SourceID:    string(original.ID),
		TraceID:     original.TraceID,
	}
	for _, p := range original.Postings {
		in.Postings = append(in.Postings, PostingInput{
			AccountID:   p.AccountID,
			Amount:      p.Amount.Neg(),
			Dimensions:  p.Dimensions,
			Description: p.Description,
		})
	}

	reversal := s.buildEntry(in, idempotencyKey, effective, true, original.ID)

	err = s.store.WithTx(ctx, func(ts Store) error {
		if err := ts.InsertEntry(ctx, reversal); err != nil {
			return err
		}
		if err := ts.MarkReversed(ctx, org, original.ID, reversal.ID); err != nil {
			return err
		}
		return s.emitInTx(ctx, ts, reversal, events)
	})
	if err != nil {
		return nil, err
	}
	return &reversal, nil
}

// =============================================================================
// BALANCE READS - O(1) from the materialized rows
// =============================================================================

// Balance returns the current balance of an account.
func (s *Service) Balance(ctx context.Context, org OrgID, account AccountID) (decimal.Decimal, error) {
	b, err := s.store.GetBalance(ctx, org, account)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Balance, nil
}

// DimensionalBalance returns the balance for an exact tag tuple.
func (s *Service) DimensionalBalance(ctx context.Context, org OrgID, account AccountID, dims Dimensions) (decimal.Decimal, error) {
	b, err := s.store.GetDimensionalBalance(ctx, org, account, dims)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Balance, nil
}

// DimensionalBalanceSubset sums all dimensional rows containing the tag
// subset (e.g. one owner across all properties).
func (s *Service) DimensionalBalanceSubset(ctx context.Context, org OrgID, account AccountID, dims Dimensions) (decimal.Decimal, error) {
	return s.store.SumDimensionalBalances(ctx, org, account, dims)
}

// GetEntry returns an entry with postings.
func (s *Service) GetEntry(ctx context.Context, org OrgID, id EntryID) (*JournalEntry, error) {
	return s.store.GetEntry(ctx, org, id)
}
