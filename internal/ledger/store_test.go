package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func newMemory(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore()
}

func newSQLite(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, newMemory)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newSQLite)
}

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, factory storeFactory) {
	t.Run("open account grants once", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		acct, created, err := s.OpenAccount(ctx, "user-1", 100, 50)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(100), acct.CreditBalance)
		assert.Equal(t, int64(100), acct.LifetimeGranted)
		assert.Equal(t, int64(50), acct.DailyCap)
		assert.True(t, acct.DailyUsageResetAt.After(time.Now()))

		again, created, err := s.OpenAccount(ctx, "user-1", 999, 1)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, int64(100), again.CreditBalance)
		assert.Equal(t, int64(50), again.DailyCap)
	})

	t.Run("missing account", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		_, err := s.GetAccount(ctx, "ghost")
		assert.ErrorIs(t, err, ErrAccountNotFound)

		_, _, err = s.Grant(ctx, "ghost", 10, "refund")
		assert.ErrorIs(t, err, ErrAccountNotFound)

		err = s.Update(ctx, "ghost", func(context.Context, *Tx) error { return nil })
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("grant adds to balance and lifetime", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_, _, err := s.OpenAccount(ctx, "user-1", 10, 0)
		require.NoError(t, err)

		acct, g, err := s.Grant(ctx, "user-1", 25, "refund")
		require.NoError(t, err)
		assert.Equal(t, int64(35), acct.CreditBalance)
		assert.Equal(t, int64(35), acct.LifetimeGranted)
		assert.Equal(t, "refund", g.Reason)

		_, _, err = s.Grant(ctx, "user-1", 0, "nothing")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("debit commits balance window and transaction together", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_, _, err := s.OpenAccount(ctx, "user-1", 10, 0)
		require.NoError(t, err)

		reset := NextMidnightUTC(time.Now())
		err = s.Update(ctx, "user-1", func(ctx context.Context, tx *Tx) error {
			w, err := tx.QuotaWindow(ctx, "health_suite")
			if err != nil {
				return err
			}
			assert.Zero(t, w.UsedToday)
			assert.True(t, w.ResetAt.IsZero())

			if _, err := tx.Debit(4); err != nil {
				return err
			}
			w.UsedToday, w.ResetAt = 4, reset
			tx.SaveQuotaWindow(w)
			tx.SetDailyUsage(4, reset)
			_, err = tx.Append(Transaction{ToolID: "health_meal_scan", BucketKey: "health_suite", Amount: 4, IdempotencyKey: "k1"})
			return err
		})
		require.NoError(t, err)

		acct, err := s.GetAccount(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(6), acct.CreditBalance)
		assert.Equal(t, int64(4), acct.DailyUsage)

		txs, total, err := s.ListTransactions(ctx, "user-1", DefaultListParams())
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, txs, 1)
		assert.Equal(t, int64(6), txs[0].BalanceAfter)
		assert.Equal(t, ResultCommitted, txs[0].Result)
		assert.Equal(t, "k1", txs[0].IdempotencyKey)

		err = s.Update(ctx, "user-1", func(ctx context.Context, tx *Tx) error {
			w, err := tx.QuotaWindow(ctx, "health_suite")
			require.NoError(t, err)
			assert.Equal(t, int64(4), w.UsedToday)
			assert.True(t, w.ResetAt.Equal(reset))

			prev, err := tx.FindByIdempotencyKey(ctx, "k1")
			require.NoError(t, err)
			require.NotNil(t, prev)
			assert.Equal(t, txs[0].ID, prev.ID)

			missing, err := tx.FindByIdempotencyKey(ctx, "k2")
			require.NoError(t, err)
			assert.Nil(t, missing)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("failed update persists nothing", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_, _, err := s.OpenAccount(ctx, "user-1", 10, 0)
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.Update(ctx, "user-1", func(ctx context.Context, tx *Tx) error {
			if _, err := tx.Debit(5); err != nil {
				return err
			}
			tx.SaveQuotaWindow(QuotaWindow{BucketKey: "b", UsedToday: 5, ResetAt: NextMidnightUTC(time.Now())})
			if _, err := tx.Append(Transaction{ToolID: "t", BucketKey: "b", Amount: 5}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		acct, err := s.GetAccount(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), acct.CreditBalance)

		_, total, err := s.ListTransactions(ctx, "user-1", DefaultListParams())
		require.NoError(t, err)
		assert.Zero(t, total)

		err = s.Update(ctx, "user-1", func(ctx context.Context, tx *Tx) error {
			w, err := tx.QuotaWindow(ctx, "b")
			require.NoError(t, err)
			assert.Zero(t, w.UsedToday)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("debit never goes negative", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_, _, err := s.OpenAccount(ctx, "user-1", 3, 0)
		require.NoError(t, err)

		err = s.Update(ctx, "user-1", func(_ context.Context, tx *Tx) error {
			_, err := tx.Debit(4)
			return err
		})
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		err = s.Update(ctx, "user-1", func(_ context.Context, tx *Tx) error {
			_, err := tx.Debit(0)
			return err
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)

		acct, err := s.GetAccount(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), acct.CreditBalance)
	})

	t.Run("concurrent debits never overdraw", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_, _, err := s.OpenAccount(ctx, "user-1", 10, 0)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.Update(ctx, "user-1", func(_ context.Context, tx *Tx) error {
					if _, err := tx.Debit(1); err != nil {
						return err
					}
					_, err := tx.Append(Transaction{ToolID: "t", BucketKey: "t", Amount: 1, IdempotencyKey: fmt.Sprintf("k%d", i)})
					return err
				})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ErrInsufficientFunds)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 10, succeeded)
		acct, err := s.GetAccount(ctx, "user-1")
		require.NoError(t, err)
		assert.Zero(t, acct.CreditBalance)

		_, total, err := s.ListTransactions(ctx, "user-1", DefaultListParams())
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)
	})

	t.Run("list transactions paginates newest first", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_, _, err := s.OpenAccount(ctx, "user-1", 100, 0)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			tool := "quiz"
			if i%2 == 0 {
				tool = "scan"
			}
			err := s.Update(ctx, "user-1", func(_ context.Context, tx *Tx) error {
				if _, err := tx.Debit(int64(i + 1)); err != nil {
					return err
				}
				_, err := tx.Append(Transaction{ToolID: tool, BucketKey: tool, Amount: int64(i + 1)})
				return err
			})
			require.NoError(t, err)
		}

		page, total, err := s.ListTransactions(ctx, "user-1", ListParams{Page: 1, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		require.Len(t, page, 2)
		assert.Equal(t, int64(5), page[0].Amount)
		assert.Equal(t, int64(4), page[1].Amount)

		last, _, err := s.ListTransactions(ctx, "user-1", ListParams{Page: 3, PageSize: 2})
		require.NoError(t, err)
		require.Len(t, last, 1)
		assert.Equal(t, int64(1), last[0].Amount)

		scans, total, err := s.ListTransactions(ctx, "user-1", ListParams{ToolID: "scan"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Len(t, scans, 3)

		// reconciliation: lifetime grants minus committed debits equals the balance
		all, _, err := s.ListTransactions(ctx, "user-1", ListParams{PageSize: 100})
		require.NoError(t, err)
		var spent int64
		for _, tr := range all {
			spent += tr.Amount
		}
		acct, err := s.GetAccount(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, acct.LifetimeGranted-spent, acct.CreditBalance)
	})
}

func TestTx_FindByIdempotencyKeySeesStagedEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _, err := s.OpenAccount(ctx, "user-1", 10, 0)
	require.NoError(t, err)

	err = s.Update(ctx, "user-1", func(ctx context.Context, tx *Tx) error {
		_, err := tx.Append(Transaction{ToolID: "t", BucketKey: "t", Amount: 1, IdempotencyKey: "staged"})
		require.NoError(t, err)
		found, err := tx.FindByIdempotencyKey(ctx, "staged")
		require.NoError(t, err)
		assert.NotNil(t, found)

		none, err := tx.FindByIdempotencyKey(ctx, "")
		require.NoError(t, err)
		assert.Nil(t, none)
		return nil
	})
	require.NoError(t, err)
}

func TestNextMidnightUTC(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	now := time.Date(2026, 3, 14, 22, 30, 0, 0, loc) // 01:30 UTC on the 15th

	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), NextMidnightUTC(now))
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		NextMidnightUTC(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)))
}
