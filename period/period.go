/*
Package period manages accounting periods and effective-date discipline.

PURPOSE:

	Periods are contiguous, non-overlapping calendar months. A closed period
	is immutable: nothing may post into it. The Manager decides the effective
	date of every write - an open period keeps the requested date, a closed
	period rewrites it to today (corrections to closed periods are reversals
	dated today, never back-dated edits).

INVARIANTS:
 1. Periods never overlap; (org, start) is unique
 2. Closure is terminal; reopening is not supported
 3. Both callers of Close run the diagnostics gate first: the period-close
    saga and the ledgerctl close-period command

SEE ALSO:
  - ledger: calls ResolveEffectiveDate on every write
  - sagas/periodclose.go, cmd/ledgerctl/main.go: the callers of Close
*/
package period

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrPeriodNotFound is returned when no period contains the date.
	ErrPeriodNotFound = errors.New("accounting period not found")

	// ErrPeriodClosed is returned by Close when the period is already closed.
	ErrPeriodClosed = errors.New("accounting period already closed")
)

// =============================================================================
// PERIOD
// =============================================================================

// Period is one accounting period. Start and End are inclusive calendar
// dates at UTC midnight.
type Period struct {
	ID       string
	OrgID    string
	Start    time.Time
	End      time.Time
	Closed   bool
	ClosedAt *time.Time
	ClosedBy string
}

// Contains reports whether the date (truncated to a day) falls inside.
func (p Period) Contains(t time.Time) bool {
	d := DateOnly(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

func (p Period) String() string {
	return fmt.Sprintf("[%s, %s]", p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
}

// MonthOf returns the calendar-month period boundaries containing t.
func MonthOf(t time.Time) (start, end time.Time) {
	d := DateOnly(t)
	start = time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, -1)
	return start, end
}

// DateOnly truncates a timestamp to its UTC calendar date.
// Period and compliance logic runs on calendar dates, not wall clocks.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// STORE
// =============================================================================

// Store persists periods.
type Store interface {
	// GetPeriodContaining returns the period whose range contains the date,
	// or ErrPeriodNotFound.
	GetPeriodContaining(ctx context.Context, org string, date time.Time) (*Period, error)

	// CreatePeriod inserts a period row.
	CreatePeriod(ctx context.Context, p Period) error

	// ClosePeriod marks the period closed. Fails if already closed.
	ClosePeriod(ctx context.Context, org, id, closedBy string, at time.Time) error

	// ListPeriods returns the org's periods ordered by start date.
	ListPeriods(ctx context.Context, org string) ([]Period, error)
}

// =============================================================================
// MANAGER
// =============================================================================

// Clock lets tests pin "today". Production uses time.Now.
type Clock func() time.Time

// Manager resolves effective dates and owns period lifecycle.
type Manager struct {
	store Store
	now   Clock
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// WithClock overrides the clock; returns the manager for chaining in tests.
func (m *Manager) WithClock(c Clock) *Manager {
	m.now = c
	return m
}

// Today returns the current UTC calendar date.
func (m *Manager) Today() time.Time {
	return DateOnly(m.now())
}

// ResolveEffectiveDate returns the date an entry may post on.
// Open period: the requested date. Closed period: today.
// A missing period row is auto-created open for the requested month, so
// writes into months nobody has touched yet just work.
func (m *Manager) ResolveEffectiveDate(ctx context.Context, org string, requested time.Time) (time.Time, error) {
	p, err := m.Ensure(ctx, org, requested)
	if err != nil {
		return time.Time{}, err
	}
	if p.Closed {
		return m.Today(), nil
	}
	return DateOnly(requested), nil
}

// Ensure returns the period containing the date, creating the calendar
// month row when absent.
func (m *Manager) Ensure(ctx context.Context, org string, date time.Time) (*Period, error) {
	p, err := m.store.GetPeriodContaining(ctx, org, date)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPeriodNotFound) {
		return nil, err
	}

	start, end := MonthOf(date)
	np := Period{
		ID:    fmt.Sprintf("%s-%s", org, start.Format("2006-01")),
		OrgID: org,
		Start: start,
		End:   end,
	}
	if err := m.store.CreatePeriod(ctx, np); err != nil {
		// Lost a race with a concurrent Ensure; reread.
		if p, rerr := m.store.GetPeriodContaining(ctx, org, date); rerr == nil {
			return p, nil
		}
		return nil, err
	}
	return &np, nil
}

// Close marks the period containing date as closed.
// Callers run the diagnostics gate first; this method only enforces the
// terminal-transition rule.
func (m *Manager) Close(ctx context.Context, org string, date time.Time, closedBy string) (*Period, error) {
	p, err := m.Ensure(ctx, org, date)
	if err != nil {
		return nil, err
	}
	if p.Closed {
		return nil, ErrPeriodClosed
	}
	at := m.now().UTC()
	if err := m.store.ClosePeriod(ctx, org, p.ID, closedBy, at); err != nil {
		return nil, err
	}
	p.Closed = true
	p.ClosedAt = &at
	p.ClosedBy = closedBy
	return p, nil
}

// IsClosed reports whether the period containing date is closed.
// A missing period counts as open.
func (m *Manager) IsClosed(ctx context.Context, org string, date time.Time) (bool, error) {
	p, err := m.store.GetPeriodContaining(ctx, org, date)
	if errors.Is(err, ErrPeriodNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Closed, nil
}
