// Package quota enforces daily credit allowances. Bucket windows and the
// account-wide cap both reset lazily at the first UTC midnight after they
// were opened; nothing runs on a timer.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-platform/credits/internal/ledger"
)

var ErrDailyLimitExceeded = errors.New("daily limit exceeded")

// Scope names which allowance rejected a request.
const (
	ScopeBucket  = "bucket"
	ScopeAccount = "account"
)

// LimitError describes a rejected reservation.
type LimitError struct {
	Scope     string
	Key       string
	Used      int64
	Limit     int64
	Requested int64
	ResetAt   time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("daily limit exceeded for %s %q: used %d + requested %d > limit %d",
		e.Scope, e.Key, e.Used, e.Requested, e.Limit)
}

func (e *LimitError) Unwrap() error {
	return ErrDailyLimitExceeded
}

// WindowStore is the slice of a ledger transaction the tracker needs.
type WindowStore interface {
	QuotaWindow(ctx context.Context, bucketKey string) (ledger.QuotaWindow, error)
	SaveQuotaWindow(w ledger.QuotaWindow)
}

// Tracker applies the daily allowance policy.
type Tracker struct {
	now func() time.Time
}

// Option configures Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker using the wall clock.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Now returns the tracker's current time in UTC.
func (t *Tracker) Now() time.Time {
	return t.now().UTC()
}

// current returns used and resetAt after applying a lazy reset.
func (t *Tracker) current(used int64, resetAt time.Time) (int64, time.Time) {
	now := t.Now()
	if !now.Before(resetAt) {
		return 0, ledger.NextMidnightUTC(now)
	}
	return used, resetAt
}

// Reserve adds amount to the bucket's window through store. A limit of zero
// means the bucket is tracked but uncapped. The write is staged in the
// caller's ledger transaction, so it is discarded if that transaction fails.
func (t *Tracker) Reserve(ctx context.Context, store WindowStore, bucketKey string, amount, limit int64) (ledger.QuotaWindow, error) {
	w, err := store.QuotaWindow(ctx, bucketKey)
	if err != nil {
		return ledger.QuotaWindow{}, err
	}
	w.BucketKey = bucketKey
	w.UsedToday, w.ResetAt = t.current(w.UsedToday, w.ResetAt)

	if limit > 0 && w.UsedToday+amount > limit {
		return w, &LimitError{
			Scope:     ScopeBucket,
			Key:       bucketKey,
			Used:      w.UsedToday,
			Limit:     limit,
			Requested: amount,
			ResetAt:   w.ResetAt,
		}
	}

	w.UsedToday += amount
	store.SaveQuotaWindow(w)
	return w, nil
}

// ReserveDaily applies the account-wide daily cap and returns the new usage.
// The caller persists the result with ledger.Tx.SetDailyUsage.
func (t *Tracker) ReserveDaily(acct ledger.Account, amount int64) (int64, time.Time, error) {
	used, resetAt := t.current(acct.DailyUsage, acct.DailyUsageResetAt)
	if acct.DailyCap > 0 && used+amount > acct.DailyCap {
		return used, resetAt, &LimitError{
			Scope:     ScopeAccount,
			Key:       acct.UserID,
			Used:      used,
			Limit:     acct.DailyCap,
			Requested: amount,
			ResetAt:   resetAt,
		}
	}
	return used + amount, resetAt, nil
}

// DailyUsage returns the account's usage as of now, without mutating it.
func (t *Tracker) DailyUsage(acct ledger.Account) (int64, time.Time) {
	return t.current(acct.DailyUsage, acct.DailyUsageResetAt)
}

// Remaining returns what is left of limit in w as of now. It returns -1 for
// an uncapped bucket.
func (t *Tracker) Remaining(w ledger.QuotaWindow, limit int64) int64 {
	if limit <= 0 {
		return -1
	}
	used, _ := t.current(w.UsedToday, w.ResetAt)
	if used >= limit {
		return 0
	}
	return limit - used
}
