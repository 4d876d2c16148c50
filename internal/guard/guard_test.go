package guard

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		MinTransaction:       decimal.RequireFromString("100"),
		MaxSingleTransaction: decimal.RequireFromString("50000"),
		DailyTransferLimit:   decimal.RequireFromString("200000"),
		RateLimitPerMinute:   5,
		MaxPinAttempts:       3,
		LockoutWindow:        30 * time.Minute,
	}
}

func newTestGuard(t *testing.T) (*Guard, *time.Time) {
	t.Helper()

	current := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	g := New(testLimits())
	g.now = func() time.Time { return current }

	return g, &current
}

func TestAllow_SlidingWindow(t *testing.T) {
	g, current := newTestGuard(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Allow("user-1"))
	}
	require.ErrorIs(t, g.Allow("user-1"), ErrRateLimited)

	// other users are unaffected
	require.NoError(t, g.Allow("user-2"))

	// once the window slides past the earlier requests, the user is allowed again
	*current = current.Add(61 * time.Second)
	require.NoError(t, g.Allow("user-1"))
}

func TestCheckAmount_Boundaries(t *testing.T) {
	g, _ := newTestGuard(t)

	require.ErrorIs(t, g.CheckAmount(decimal.RequireFromString("99.99")), ErrAmountTooSmall)
	require.NoError(t, g.CheckAmount(decimal.RequireFromString("100")))

	// exactly the single-transfer limit passes, one kobo more fails
	require.NoError(t, g.CheckAmount(decimal.RequireFromString("50000")))
	require.ErrorIs(t, g.CheckAmount(decimal.RequireFromString("50000.01")), ErrAmountTooLarge)
}

func TestCheckDailyLimit_Boundaries(t *testing.T) {
	g, _ := newTestGuard(t)

	todayTotal := decimal.RequireFromString("150000")

	// landing exactly on the limit is accepted
	require.NoError(t, g.CheckDailyLimit(decimal.RequireFromString("50000"), todayTotal))

	// one kobo above is rejected
	require.ErrorIs(t,
		g.CheckDailyLimit(decimal.RequireFromString("50000.01"), todayTotal),
		ErrDailyLimitExceeded)
}

func TestLockout_ThresholdAndExpiry(t *testing.T) {
	g, current := newTestGuard(t)

	remaining, locked := g.RecordPinFailure("user-1")
	require.Equal(t, 2, remaining)
	require.False(t, locked)

	remaining, locked = g.RecordPinFailure("user-1")
	require.Equal(t, 1, remaining)
	require.False(t, locked)

	_, locked = g.RecordPinFailure("user-1")
	require.True(t, locked)

	isLocked, until := g.IsLockedOut("user-1")
	require.True(t, isLocked)
	require.Equal(t, current.Add(30*time.Minute), until)

	// lockout expires after the window
	*current = current.Add(31 * time.Minute)
	isLocked, _ = g.IsLockedOut("user-1")
	require.False(t, isLocked)
}

func TestLockout_SuccessResetsCounter(t *testing.T) {
	g, _ := newTestGuard(t)

	g.RecordPinFailure("user-1")
	g.RecordPinFailure("user-1")

	g.RecordPinSuccess("user-1")

	// the counter starts over; two more failures still leave one attempt
	remaining, locked := g.RecordPinFailure("user-1")
	require.Equal(t, 2, remaining)
	require.False(t, locked)

	isLocked, _ := g.IsLockedOut("user-1")
	require.False(t, isLocked)
}

func TestSweep_EvictsStaleEntries(t *testing.T) {
	g, current := newTestGuard(t)

	require.NoError(t, g.Allow("user-1"))
	g.RecordPinFailure("user-2")

	*current = current.Add(2 * time.Hour)
	g.sweep()

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Empty(t, g.requests)
	require.Empty(t, g.pins)
}
