// Package guard enforces the safety rails around user-initiated transfers:
// per-user request rate limiting, spend limits, and PIN-failure lockout.
// All state here is process-local and advisory for availability, never for
// ledger correctness; losing it loses at most an in-flight conversation.
package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/maps"
)

var (
	ErrRateLimited        = errors.New("too many requests, slow down")
	ErrLockedOut          = errors.New("account is temporarily locked")
	ErrAmountTooSmall     = errors.New("amount is below the minimum transfer")
	ErrAmountTooLarge     = errors.New("amount exceeds the single transfer limit")
	ErrDailyLimitExceeded = errors.New("daily transfer limit exceeded")
)

type Limits struct {
	MinTransaction       decimal.Decimal
	MaxSingleTransaction decimal.Decimal
	DailyTransferLimit   decimal.Decimal
	RateLimitPerMinute   int
	MaxPinAttempts       int
	LockoutWindow        time.Duration
}

type pinState struct {
	failures    int
	lockedUntil time.Time
	updatedAt   time.Time
}

type Guard struct {
	limits Limits

	mu       sync.Mutex
	requests map[string][]time.Time
	pins     map[string]*pinState

	// now is swappable for tests
	now func() time.Time
}

func New(limits Limits) *Guard {
	return &Guard{
		limits:   limits,
		requests: make(map[string][]time.Time),
		pins:     make(map[string]*pinState),
		now:      time.Now,
	}
}

// Allow records one request for the user and reports whether it fits in
// the sliding one-minute window. Independent of transfer logic; callers
// gate every inbound chat action on it.
func (g *Guard) Allow(userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-time.Minute)

	window := g.requests[userID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= g.limits.RateLimitPerMinute {
		g.requests[userID] = kept
		return ErrRateLimited
	}

	g.requests[userID] = append(kept, now)
	return nil
}

// CheckAmount enforces the per-transaction bounds. A transfer of exactly
// MaxSingleTransaction passes; one kobo more does not.
func (g *Guard) CheckAmount(amount decimal.Decimal) error {
	if amount.LessThan(g.limits.MinTransaction) {
		return ErrAmountTooSmall
	}
	if amount.GreaterThan(g.limits.MaxSingleTransaction) {
		return ErrAmountTooLarge
	}
	return nil
}

// CheckDailyLimit rejects a transfer that would push the day's completed
// total strictly above the daily limit. Landing exactly on the limit is
// accepted.
func (g *Guard) CheckDailyLimit(amount, todayTotal decimal.Decimal) error {
	if todayTotal.Add(amount).GreaterThan(g.limits.DailyTransferLimit) {
		return ErrDailyLimitExceeded
	}
	return nil
}

// IsLockedOut reports whether the user is inside a PIN lockout window.
func (g *Guard) IsLockedOut(userID string) (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.pins[userID]
	if !ok {
		return false, time.Time{}
	}

	if g.now().Before(state.lockedUntil) {
		return true, state.lockedUntil
	}

	return false, time.Time{}
}

// RecordPinFailure counts one wrong PIN. It returns the attempts left
// before lockout; when that reaches zero the lockout window has started.
func (g *Guard) RecordPinFailure(userID string) (remaining int, lockedOut bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	state, ok := g.pins[userID]
	if !ok {
		state = &pinState{}
		g.pins[userID] = state
	}

	state.failures++
	state.updatedAt = now

	if state.failures >= g.limits.MaxPinAttempts {
		state.lockedUntil = now.Add(g.limits.LockoutWindow)
		state.failures = 0
		return 0, true
	}

	return g.limits.MaxPinAttempts - state.failures, false
}

// RecordPinSuccess resets the failure counter. A correct PIN before the
// threshold wipes the slate.
func (g *Guard) RecordPinSuccess(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.pins, userID)
}

// StartSweeper evicts stale rate-limit windows and expired lockout
// entries on an interval, bounding memory. Blocks until ctx is done.
func (g *Guard) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Guard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-time.Minute)

	for _, userID := range maps.Keys(g.requests) {
		window := g.requests[userID]
		kept := window[:0]
		for _, ts := range window {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(g.requests, userID)
		} else {
			g.requests[userID] = kept
		}
	}

	for _, userID := range maps.Keys(g.pins) {
		state := g.pins[userID]
		expired := now.After(state.lockedUntil) && now.Sub(state.updatedAt) > g.limits.LockoutWindow
		if expired {
			delete(g.pins, userID)
		}
	}
}
