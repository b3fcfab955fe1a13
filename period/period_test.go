package period_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propmaster/ledger-engine/period"
	"github.com/propmaster/ledger-engine/store/sqlite"
)

func newManager(t *testing.T) *period.Manager {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return period.NewManager(store)
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestEnsure_CreatesCalendarMonth(t *testing.T) {
	m := newManager(t)
	p, err := m.Ensure(context.Background(), "org-1", day("2025-03-14"))
	require.NoError(t, err)
	assert.Equal(t, day("2025-03-01"), p.Start)
	assert.Equal(t, day("2025-03-31"), p.End)
	assert.False(t, p.Closed)
}

func TestEnsure_Idempotent(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	p1, err := m.Ensure(ctx, "org-1", day("2025-03-01"))
	require.NoError(t, err)
	p2, err := m.Ensure(ctx, "org-1", day("2025-03-31"))
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)
}

func TestResolveEffectiveDate_OpenPeriod_KeepsDate(t *testing.T) {
	m := newManager(t)
	got, err := m.ResolveEffectiveDate(context.Background(), "org-1", day("2025-06-20"))
	require.NoError(t, err)
	assert.Equal(t, day("2025-06-20"), got)
}

func TestResolveEffectiveDate_ClosedPeriod_RewritesToToday(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Close(ctx, "org-1", day("2024-12-15"), "tester")
	require.NoError(t, err)

	got, err := m.ResolveEffectiveDate(ctx, "org-1", day("2024-12-15"))
	require.NoError(t, err)
	assert.Equal(t, m.Today(), got)
}

func TestClose_Twice_Refused(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Close(ctx, "org-1", day("2024-11-01"), "tester")
	require.NoError(t, err)

	_, err = m.Close(ctx, "org-1", day("2024-11-30"), "tester")
	assert.ErrorIs(t, err, period.ErrPeriodClosed)
}

func TestIsClosed_MissingPeriod_CountsOpen(t *testing.T) {
	m := newManager(t)
	closed, err := m.IsClosed(context.Background(), "org-1", day("2030-01-01"))
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestMonthOf_Boundaries(t *testing.T) {
	start, end := period.MonthOf(day("2024-02-10"))
	assert.Equal(t, day("2024-02-01"), start)
	assert.Equal(t, day("2024-02-29"), end) // leap year
}
