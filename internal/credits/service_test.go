package credits

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-platform/credits/internal/catalog"
	"github.com/nexus-platform/credits/internal/ledger"
	"github.com/nexus-platform/credits/internal/quota"
)

func testTools() []catalog.Tool {
	return []catalog.Tool{
		{ID: "flashcards_generate", CostPerTask: 2},
		{ID: "health_metric_scan", CostPerTask: 5, DailyLimit: 50, ContextID: "health_suite"},
		{ID: "health_evolution_report", CostPerTask: 10, DailyLimit: 50, ContextID: "health_suite"},
		{ID: "mestre_ia_chat", CostPerTask: 6},
		{ID: "nexus_quiz", CostPerTask: 5, ExemptFromDailyCap: true},
		{ID: "study_planner", CostPerTask: 0},
	}
}

type fixture struct {
	svc   *Service
	store ledger.Store
	tools *catalog.Catalog

	mu     sync.Mutex
	events []Event
}

func (f *fixture) recorded() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

type fixtureOpt func(*fixtureConfig)

type fixtureConfig struct {
	store   ledger.Store
	limiter Limiter
	tracker *quota.Tracker
	cfg     Config
}

func withStore(s ledger.Store) fixtureOpt { return func(c *fixtureConfig) { c.store = s } }
func withLimiter(l Limiter) fixtureOpt { return func(c *fixtureConfig) { c.limiter = l } }
func withTracker(tr *quota.Tracker) fixtureOpt { return func(c *fixtureConfig) { c.tracker = tr } }
func withConfig(fn func(*Config)) fixtureOpt { return func(c *fixtureConfig) { fn(&c.cfg) } }

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()

	fc := fixtureConfig{
		store:   ledger.NewMemoryStore(),
		tracker: quota.NewTracker(),
		cfg:     Config{CommitRetries: 3},
	}
	for _, opt := range opts {
		opt(&fc)
	}

	cat, err := catalog.New(testTools())
	require.NoError(t, err)

	f := &fixture{store: fc.store, tools: cat}
	f.svc = NewService(fc.store, cat, fc.tracker, fc.limiter, fc.cfg)
	f.svc.Subscribe(ListenerFunc(func(_ context.Context, e Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	}))
	return f
}

func (f *fixture) open(t *testing.T, userID string, balance, dailyCap int64) {
	t.Helper()
	_, _, err := f.store.OpenAccount(context.Background(), userID, balance, dailyCap)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) *Balance {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (f *fixture) transactions(t *testing.T, userID string) []ledger.Transaction {
	t.Helper()
	txs, _, err := f.svc.Transactions(context.Background(), userID, ledger.ListParams{Page: 1, PageSize: 100})
	require.NoError(t, err)
	return txs
}

func TestConsume_QuotedAmountCommits(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 50, 0)

	receipt, err := f.svc.Consume(context.Background(), Request{
		UserID: "user-1", ToolID: "flashcards_generate", Amount: 40, Description: "20 cards",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), receipt.Amount)
	assert.Equal(t, int64(10), receipt.NewBalance)
	assert.Equal(t, "flashcards_generate", receipt.BucketKey)
	assert.Equal(t, int64(10), f.balance(t, "user-1").CreditBalance)

	txs := f.transactions(t, "user-1")
	require.Len(t, txs, 1)
	assert.Equal(t, receipt.TransactionID, txs[0].ID)
	assert.Equal(t, ledger.ResultCommitted, txs[0].Result)
	assert.Equal(t, int64(10), txs[0].BalanceAfter)
}

func TestConsume_InsufficientFundsChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 5, 100)

	_, err := f.svc.Consume(context.Background(), Request{UserID: "user-1", ToolID: "flashcards_generate", Amount: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientFunds))
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assert.True(t, KindOf(err).Rejection())

	b := f.balance(t, "user-1")
	assert.Equal(t, int64(5), b.CreditBalance)
	assert.Equal(t, int64(0), b.DailyUsage)
	assert.Empty(t, f.transactions(t, "user-1"))

	events := f.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, EventRejected, events[0].Type)
	assert.Equal(t, KindInsufficientFunds, events[0].Kind)
	assert.Equal(t, int64(10), events[0].Amount)
}

func TestConsume_SharedBucketLimit(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 500, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "health_metric_scan"})
		require.NoError(t, err, "scan %d", i+1)
	}
	receipt, err := f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "health_evolution_report"})
	require.NoError(t, err)
	assert.Equal(t, "health_suite", receipt.BucketKey)
	assert.Equal(t, int64(25), receipt.BucketUsed)
	assert.Equal(t, int64(50), receipt.BucketLimit)

	_, err = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "health_evolution_report", Amount: 30})
	require.Error(t, err)
	assert.Equal(t, KindDailyLimitExceeded, KindOf(err))

	var limitErr *quota.LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, quota.ScopeBucket, limitErr.Scope)
	assert.Equal(t, "health_suite", limitErr.Key)
	assert.Equal(t, int64(25), limitErr.Used)

	assert.Equal(t, int64(475), f.balance(t, "user-1").CreditBalance)
	assert.Len(t, f.transactions(t, "user-1"), 4)
}

func TestConsume_ContextAndLimitOverrides(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 100, 0)
	ctx := context.Background()

	_, err := f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "flashcards_generate", ContextID: "study", DailyLimit: 8})
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "mestre_ia_chat", ContextID: "study", DailyLimit: 8})
	require.NoError(t, err)

	_, err = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "flashcards_generate", ContextID: "study", DailyLimit: 8})
	assert.Equal(t, KindDailyLimitExceeded, KindOf(err))

	_, err = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "flashcards_generate"})
	assert.NoError(t, err, "the tool's own bucket is separate")
}

func TestConsume_OverridesCannotLoosenCatalog(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 1000, 0)
	ctx := context.Background()

	_, err := f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "health_evolution_report", Amount: 1})
	assert.Equal(t, KindInvalidRequest, KindOf(err), "amount below price")

	_, err = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "health_metric_scan", ContextID: "elsewhere"})
	assert.Equal(t, KindInvalidRequest, KindOf(err), "tool with its own quota cannot change bucket")

	receipt, err := f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "health_evolution_report", DailyLimit: 1000000})
	require.NoError(t, err)
	assert.Equal(t, int64(50), receipt.BucketLimit)
	assert.Equal(t, "health_suite", receipt.BucketKey)

	receipt, err = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "health_evolution_report", DailyLimit: 25})
	require.NoError(t, err)
	assert.Equal(t, int64(25), receipt.BucketLimit, "stricter limit applies")

	loose := Request{UserID: "user-1", ToolID: "health_evolution_report", DailyLimit: 1000000}
	for i := 0; i < 3; i++ {
		_, err = f.svc.Consume(ctx, loose)
		require.NoError(t, err)
	}
	_, err = f.svc.Consume(ctx, loose)
	assert.Equal(t, KindDailyLimitExceeded, KindOf(err))
	assert.Equal(t, int64(950), f.balance(t, "user-1").CreditBalance)
}

func TestConsume_GlobalCapSkipsExemptTools(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 100, 10)
	ctx := context.Background()

	receipt, err := f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "mestre_ia_chat"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), receipt.DailyUsage)
	assert.Equal(t, int64(10), receipt.DailyCap)

	_, err = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "mestre_ia_chat"})
	require.Error(t, err)
	var limitErr *quota.LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, quota.ScopeAccount, limitErr.Scope)

	_, err = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "nexus_quiz"})
	require.NoError(t, err)

	b := f.balance(t, "user-1")
	assert.Equal(t, int64(89), b.CreditBalance)
	assert.Equal(t, int64(6), b.DailyUsage)
	assert.Equal(t, int64(4), b.DailyRemaining)
}

func TestConsume_DailyUsageResetsAtMidnight(t *testing.T) {
	now := time.Now().UTC()
	var offset atomic.Int64
	tracker := quota.NewTracker(quota.WithClock(func() time.Time {
		return now.Add(time.Duration(offset.Load()))
	}))
	f := newFixture(t, withTracker(tracker))
	f.open(t, "user-1", 100, 6)
	ctx := context.Background()

	_, err := f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "mestre_ia_chat"})
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "mestre_ia_chat"})
	assert.Equal(t, KindDailyLimitExceeded, KindOf(err))

	offset.Store(int64(ledger.NextMidnightUTC(now).Sub(now)))

	b := f.balance(t, "user-1")
	assert.Equal(t, int64(0), b.DailyUsage)
	assert.Equal(t, ledger.NextMidnightUTC(now).Add(24*time.Hour), b.DailyUsageResetAt)

	_, err = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "mestre_ia_chat"})
	require.NoError(t, err)
	assert.Equal(t, int64(88), f.balance(t, "user-1").CreditBalance)
}

func TestConsume_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 20, 0)
	ctx := context.Background()
	req := Request{UserID: "user-1", ToolID: "nexus_quiz", IdempotencyKey: "quiz-42"}

	first, err := f.svc.Consume(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.svc.Consume(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.NewBalance, second.NewBalance)

	assert.Equal(t, int64(15), f.balance(t, "user-1").CreditBalance)
	assert.Len(t, f.transactions(t, "user-1"), 1)

	committed := 0
	for _, e := range f.recorded() {
		if e.Type == EventCommitted {
			committed++
		}
	}
	assert.Equal(t, 1, committed)
}

func TestConsume_IdempotencyKeyBoundToCharge(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 100, 0)
	ctx := context.Background()

	first, err := f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "flashcards_generate", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, int64(98), first.NewBalance)

	reused := []Request{
		{UserID: "user-1", ToolID: "mestre_ia_chat", Amount: 50, IdempotencyKey: "k1"},
		{UserID: "user-1", ToolID: "flashcards_generate", Amount: 4, IdempotencyKey: "k1"},
		{UserID: "user-1", ToolID: "flashcards_generate", ContextID: "study", IdempotencyKey: "k1"},
	}
	for _, req := range reused {
		receipt, err := f.svc.Consume(ctx, req)
		require.Error(t, err)
		assert.Nil(t, receipt)
		assert.ErrorIs(t, err, ErrIdempotencyConflict)
		assert.Equal(t, KindIdempotencyReused, KindOf(err))
	}

	again, err := f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: "flashcards_generate", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	assert.Equal(t, int64(98), f.balance(t, "user-1").CreditBalance)
	assert.Len(t, f.transactions(t, "user-1"), 1)
}

func TestConsume_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	backends := map[string]func(t *testing.T) ledger.Store{
		"memory": func(t *testing.T) ledger.Store { return ledger.NewMemoryStore() },
		"sqlite": func(t *testing.T) ledger.Store {
			s, err := ledger.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, withStore(newStore(t)), withConfig(func(c *Config) { c.CommitRetries = 10 }))
			f.open(t, "user-1", 4, 0)

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = f.svc.Consume(context.Background(), Request{
						UserID: "user-1", ToolID: "flashcards_generate", Amount: 3,
					})
				}(i)
			}
			wg.Wait()

			successes, insufficient := 0, 0
			for _, err := range errs {
				switch {
				case err == nil:
					successes++
				case KindOf(err) == KindInsufficientFunds:
					insufficient++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, successes)
			assert.Equal(t, 1, insufficient)
			assert.Equal(t, int64(1), f.balance(t, "user-1").CreditBalance)
		})
	}
}

func TestConsume_Reconciles(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 30, 0)
	ctx := context.Background()

	for _, tool := range []string{"flashcards_generate", "nexus_quiz", "mestre_ia_chat", "nexus_quiz", "nexus_quiz", "nexus_quiz"} {
		_, _ = f.svc.Consume(ctx, Request{UserID: "user-1", ToolID: tool})
	}
	_, err := f.svc.Grant(ctx, GrantRequest{UserID: "user-1", Amount: 7, Reason: "refund"})
	require.NoError(t, err)

	b := f.balance(t, "user-1")
	var spent int64
	for _, tx := range f.transactions(t, "user-1") {
		spent += tx.Amount
	}
	assert.GreaterOrEqual(t, b.CreditBalance, int64(0))
	assert.Equal(t, b.LifetimeGranted-spent, b.CreditBalance)
}

func TestConsume_InvalidRequests(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 30, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		kind Kind
	}{
		{"missing user", Request{ToolID: "nexus_quiz"}, KindInvalidRequest},
		{"missing tool", Request{UserID: "user-1"}, KindInvalidRequest},
		{"negative amount", Request{UserID: "user-1", ToolID: "nexus_quiz", Amount: -1}, KindInvalidRequest},
		{"free tool", Request{UserID: "user-1", ToolID: "study_planner"}, KindInvalidRequest},
		{"unknown tool", Request{UserID: "user-1", ToolID: "teleport"}, KindUnknownTool},
		{"no account", Request{UserID: "ghost", ToolID: "nexus_quiz"}, KindAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Consume(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.False(t, KindOf(err).Rejection())
		})
	}
	assert.Equal(t, int64(30), f.balance(t, "user-1").CreditBalance)
}

type stubLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (l *stubLimiter) Allow(context.Context, string, int) (bool, error) {
	l.calls++
	return l.allowed, l.err
}

func TestConsume_RateLimit(t *testing.T) {
	t.Run("rejects when throttled", func(t *testing.T) {
		lim := &stubLimiter{allowed: false}
		f := newFixture(t, withLimiter(lim), withConfig(func(c *Config) { c.ConsumesPerMinute = 5 }))
		f.open(t, "user-1", 30, 0)

		_, err := f.svc.Consume(context.Background(), Request{UserID: "user-1", ToolID: "nexus_quiz"})
		require.Error(t, err)
		assert.Equal(t, KindRateLimited, KindOf(err))
		assert.Equal(t, int64(30), f.balance(t, "user-1").CreditBalance)
		require.Len(t, f.recorded(), 1)
		assert.Equal(t, KindRateLimited, f.recorded()[0].Kind)
	})

	t.Run("fails open on limiter error", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("redis down")}
		f := newFixture(t, withLimiter(lim), withConfig(func(c *Config) { c.ConsumesPerMinute = 5 }))
		f.open(t, "user-1", 30, 0)

		_, err := f.svc.Consume(context.Background(), Request{UserID: "user-1", ToolID: "nexus_quiz"})
		require.NoError(t, err)
		assert.Equal(t, 1, lim.calls)
	})

	t.Run("disabled without a per minute limit", func(t *testing.T) {
		lim := &stubLimiter{allowed: false}
		f := newFixture(t, withLimiter(lim))
		f.open(t, "user-1", 30, 0)

		_, err := f.svc.Consume(context.Background(), Request{UserID: "user-1", ToolID: "nexus_quiz"})
		require.NoError(t, err)
		assert.Zero(t, lim.calls)
	})
}

// conflictStore reports a write conflict for the first n updates.
type conflictStore struct {
	ledger.Store
	remaining atomic.Int32
	calls     atomic.Int32
}

func (s *conflictStore) Update(ctx context.Context, userID string, fn func(ctx context.Context, tx *ledger.Tx) error) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return ledger.ErrWriteConflict
	}
	return s.Store.Update(ctx, userID, fn)
}

func TestConsume_RetriesWriteConflicts(t *testing.T) {
	t.Run("succeeds within the retry budget", func(t *testing.T) {
		store := &conflictStore{Store: ledger.NewMemoryStore()}
		store.remaining.Store(2)
		f := newFixture(t, withStore(store))
		f.open(t, "user-1", 30, 0)

		receipt, err := f.svc.Consume(context.Background(), Request{UserID: "user-1", ToolID: "nexus_quiz"})
		require.NoError(t, err)
		assert.Equal(t, int64(25), receipt.NewBalance)
		assert.Equal(t, int32(3), store.calls.Load())
	})

	t.Run("surfaces commit failure when exhausted", func(t *testing.T) {
		store := &conflictStore{Store: ledger.NewMemoryStore()}
		store.remaining.Store(100)
		f := newFixture(t, withStore(store), withConfig(func(c *Config) { c.CommitRetries = 2 }))
		f.open(t, "user-1", 30, 0)

		_, err := f.svc.Consume(context.Background(), Request{UserID: "user-1", ToolID: "nexus_quiz"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCommitFailed))
		assert.Equal(t, KindCommitFailed, KindOf(err))
		assert.Equal(t, int32(3), store.calls.Load())
		assert.Equal(t, int64(30), f.balance(t, "user-1").CreditBalance)
	})
}

func TestConsume_EmitsCommittedEvent(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 30, 0)

	receipt, err := f.svc.Consume(context.Background(), Request{
		UserID: "user-1", ToolID: "health_metric_scan", Description: "scale photo",
	})
	require.NoError(t, err)

	events := f.recorded()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, EventCommitted, e.Type)
	assert.Equal(t, "user-1", e.UserID)
	assert.Equal(t, "health_suite", e.BucketKey)
	assert.Equal(t, int64(25), e.Balance)
	assert.Equal(t, receipt.TransactionID.String(), e.TransactionID)
	assert.Equal(t, "scale photo", e.Message)
}

func TestService_OpenAccountAndGrant(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) {
		c.SignupGrant = 50
		c.DefaultDailyCap = 20
	}))
	ctx := context.Background()

	b, created, err := f.svc.OpenAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(50), b.CreditBalance)
	assert.Equal(t, int64(20), b.DailyCap)
	assert.Equal(t, int64(20), b.DailyRemaining)

	_, created, err = f.svc.OpenAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, created)

	b, err = f.svc.Grant(ctx, GrantRequest{UserID: "user-1", Amount: 25, Reason: "purchase"})
	require.NoError(t, err)
	assert.Equal(t, int64(75), b.CreditBalance)
	assert.Equal(t, int64(75), b.LifetimeGranted)

	events := f.recorded()
	require.Len(t, events, 2)
	assert.Equal(t, EventGranted, events[0].Type)
	assert.Equal(t, "signup", events[0].Message)
	assert.Equal(t, EventGranted, events[1].Type)
	assert.Equal(t, int64(75), events[1].Balance)

	_, err = f.svc.Grant(ctx, GrantRequest{UserID: "ghost", Amount: 5, Reason: "x"})
	assert.Equal(t, KindAccountNotFound, KindOf(err))

	_, err = f.svc.Grant(ctx, GrantRequest{UserID: "user-1", Amount: 0, Reason: "x"})
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestService_UncappedBalance(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 10, 0)
	assert.Equal(t, int64(-1), f.balance(t, "user-1").DailyRemaining)
}
