package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Each account has its own lock, so
// updates to different users never wait on each other.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
}

type memAccount struct {
	mu           sync.Mutex
	account      Account
	windows      map[string]QuotaWindow
	transactions []Transaction
	byKey        map[string]int
	grants       []Grant
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*memAccount)}
}

func (s *MemoryStore) lookup(userID string) (*memAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

func (s *MemoryStore) OpenAccount(_ context.Context, userID string, signupGrant, dailyCap int64) (*Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[userID]; ok {
		a.mu.Lock()
		acct := a.account
		a.mu.Unlock()
		return &acct, false, nil
	}

	now := time.Now().UTC()
	a := &memAccount{
		account: Account{
			UserID:            userID,
			CreditBalance:     signupGrant,
			LifetimeGranted:   signupGrant,
			DailyCap:          dailyCap,
			DailyUsageResetAt: NextMidnightUTC(now),
			CreatedAt:         now,
			UpdatedAt:         now,
		},
		windows: make(map[string]QuotaWindow),
		byKey:   make(map[string]int),
	}
	if signupGrant > 0 {
		a.grants = append(a.grants, newGrant(userID, signupGrant, "signup", now))
	}
	s.accounts[userID] = a

	acct := a.account
	return &acct, true, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*Account, error) {
	a, err := s.lookup(userID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	acct := a.account
	return &acct, nil
}

func (s *MemoryStore) Grant(_ context.Context, userID string, amount int64, reason string) (*Account, *Grant, error) {
	if err := validateGrant(amount); err != nil {
		return nil, nil, err
	}
	a, err := s.lookup(userID)
	if err != nil {
		return nil, nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	g := newGrant(userID, amount, reason, now)
	a.account.CreditBalance += amount
	a.account.LifetimeGranted += amount
	a.account.UpdatedAt = now
	a.grants = append(a.grants, g)

	acct := a.account
	return &acct, &g, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, params ListParams) ([]Transaction, int64, error) {
	a, err := s.lookup(userID)
	if err != nil {
		return nil, 0, err
	}
	params = params.normalize()

	a.mu.Lock()
	var matched []Transaction
	for _, t := range a.transactions {
		if params.matches(t) {
			matched = append(matched, t)
		}
	}
	a.mu.Unlock()

	// newest first; v7 ids sort by creation time
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ID.String() > matched[j].ID.String()
	})

	total := int64(len(matched))
	start := params.offset()
	if start >= len(matched) {
		return []Transaction{}, total, nil
	}
	end := start + params.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) Update(ctx context.Context, userID string, fn func(ctx context.Context, tx *Tx) error) error {
	a, err := s.lookup(userID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tx := newTx(memReader{a: a}, a.account)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.empty() {
		return nil
	}

	if tx.accountDirty {
		a.account = tx.account
		a.account.UpdatedAt = time.Now().UTC()
	}
	for _, w := range tx.stagedWindows() {
		a.windows[w.BucketKey] = w
	}
	for _, t := range tx.appended {
		if t.IdempotencyKey != "" {
			a.byKey[t.IdempotencyKey] = len(a.transactions)
		}
		a.transactions = append(a.transactions, t)
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// memReader reads committed state of an account whose lock the caller holds.
type memReader struct {
	a *memAccount
}

func (r memReader) quotaWindow(_ context.Context, _ string, bucketKey string) (*QuotaWindow, error) {
	w, ok := r.a.windows[bucketKey]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (r memReader) transactionByKey(_ context.Context, _ string, key string) (*Transaction, error) {
	i, ok := r.a.byKey[key]
	if !ok {
		return nil, nil
	}
	t := r.a.transactions[i]
	return &t, nil
}
