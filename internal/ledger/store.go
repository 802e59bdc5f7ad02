// Package ledger persists credit accounts, per-bucket quota windows and the
// append-only transaction log.
//
// All mutations of an account's balance or usage go through Store.Update,
// which runs the caller's function while holding that account's lock and
// persists everything the function staged in one atomic write. If the
// function returns an error nothing is written.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient credits")
	ErrInvalidAmount     = errors.New("amount must be positive")
	// ErrWriteConflict means the backend aborted the transaction because of
	// concurrent access. The whole Update may be retried.
	ErrWriteConflict = errors.New("ledger write conflict")
)

// Store is implemented by every ledger backend.
type Store interface {
	// OpenAccount creates the account with an initial grant. It is a no-op
	// returning the existing account (created=false) when one already exists.
	OpenAccount(ctx context.Context, userID string, signupGrant, dailyCap int64) (acct *Account, created bool, err error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	Grant(ctx context.Context, userID string, amount int64, reason string) (*Account, *Grant, error)
	ListTransactions(ctx context.Context, userID string, params ListParams) ([]Transaction, int64, error)
	Update(ctx context.Context, userID string, fn func(ctx context.Context, tx *Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// txReader serves the lookups a Tx cannot answer from its own staged state.
type txReader interface {
	quotaWindow(ctx context.Context, userID, bucketKey string) (*QuotaWindow, error)
	transactionByKey(ctx context.Context, userID, key string) (*Transaction, error)
}

// Tx is the mutable view of one locked account inside Store.Update.
// Writes are staged and only reach the backend when the update function
// returns nil.
type Tx struct {
	reader       txReader
	account      Account
	accountDirty bool
	windows      map[string]QuotaWindow
	windowOrder  []string
	appended     []Transaction
}

func newTx(reader txReader, account Account) *Tx {
	return &Tx{
		reader:  reader,
		account: account,
		windows: make(map[string]QuotaWindow),
	}
}

// Account returns the account as staged so far.
func (tx *Tx) Account() Account {
	return tx.account
}

// Debit removes amount from the balance. The balance never goes below zero.
func (tx *Tx) Debit(amount int64) (int64, error) {
	if amount <= 0 {
		return tx.account.CreditBalance, ErrInvalidAmount
	}
	if tx.account.CreditBalance < amount {
		return tx.account.CreditBalance, fmt.Errorf("%w: balance %d, required %d",
			ErrInsufficientFunds, tx.account.CreditBalance, amount)
	}
	tx.account.CreditBalance -= amount
	tx.accountDirty = true
	return tx.account.CreditBalance, nil
}

// SetDailyUsage records the account-wide usage for the current day.
func (tx *Tx) SetDailyUsage(used int64, resetAt time.Time) {
	tx.account.DailyUsage = used
	tx.account.DailyUsageResetAt = resetAt
	tx.accountDirty = true
}

// QuotaWindow returns the bucket's window. A bucket never used before yields
// a zero window whose reset time has already passed.
func (tx *Tx) QuotaWindow(ctx context.Context, bucketKey string) (QuotaWindow, error) {
	if w, ok := tx.windows[bucketKey]; ok {
		return w, nil
	}
	w, err := tx.reader.quotaWindow(ctx, tx.account.UserID, bucketKey)
	if err != nil {
		return QuotaWindow{}, fmt.Errorf("loading quota window %s: %w", bucketKey, err)
	}
	if w == nil {
		return QuotaWindow{UserID: tx.account.UserID, BucketKey: bucketKey}, nil
	}
	return *w, nil
}

// SaveQuotaWindow stages a window write.
func (tx *Tx) SaveQuotaWindow(w QuotaWindow) {
	w.UserID = tx.account.UserID
	if _, seen := tx.windows[w.BucketKey]; !seen {
		tx.windowOrder = append(tx.windowOrder, w.BucketKey)
	}
	tx.windows[w.BucketKey] = w
}

// FindByIdempotencyKey returns the committed transaction carrying key, or nil.
func (tx *Tx) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	if key == "" {
		return nil, nil
	}
	for i := range tx.appended {
		if tx.appended[i].IdempotencyKey == key {
			t := tx.appended[i]
			return &t, nil
		}
	}
	t, err := tx.reader.transactionByKey(ctx, tx.account.UserID, key)
	if err != nil {
		return nil, fmt.Errorf("looking up idempotency key: %w", err)
	}
	return t, nil
}

// Append stages a committed ledger entry, stamping its id, owner, time and
// the balance after the debits staged so far.
func (tx *Tx) Append(t Transaction) (Transaction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Transaction{}, fmt.Errorf("generating transaction id: %w", err)
	}
	t.ID = id
	t.UserID = tx.account.UserID
	t.Result = ResultCommitted
	t.BalanceAfter = tx.account.CreditBalance
	t.CreatedAt = time.Now().UTC()
	tx.appended = append(tx.appended, t)
	return t, nil
}

func (tx *Tx) stagedWindows() []QuotaWindow {
	out := make([]QuotaWindow, 0, len(tx.windowOrder))
	for _, key := range tx.windowOrder {
		out = append(out, tx.windows[key])
	}
	return out
}

func (tx *Tx) empty() bool {
	return !tx.accountDirty && len(tx.windowOrder) == 0 && len(tx.appended) == 0
}

// NextMidnightUTC returns the first UTC midnight strictly after now.
func NextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

func validateGrant(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
