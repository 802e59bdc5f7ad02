package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore keeps the ledger in a single SQLite file. The connection pool
// is limited to one connection and every write transaction starts with
// BEGIN IMMEDIATE, so SQLite's own file lock serialises Update calls.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	user_id              TEXT PRIMARY KEY,
	credit_balance       INTEGER NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
	lifetime_granted     INTEGER NOT NULL DEFAULT 0,
	daily_usage          INTEGER NOT NULL DEFAULT 0 CHECK (daily_usage >= 0),
	daily_cap            INTEGER NOT NULL DEFAULT 0,
	daily_usage_reset_at INTEGER NOT NULL,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS credit_quota_windows (
	user_id    TEXT NOT NULL,
	bucket_key TEXT NOT NULL,
	used_today INTEGER NOT NULL DEFAULT 0,
	reset_at   INTEGER NOT NULL,
	PRIMARY KEY (user_id, bucket_key)
);
CREATE TABLE IF NOT EXISTS credit_transactions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	tool_id         TEXT NOT NULL,
	bucket_key      TEXT NOT NULL,
	amount          INTEGER NOT NULL CHECK (amount > 0),
	description     TEXT NOT NULL DEFAULT '',
	result          TEXT NOT NULL,
	idempotency_key TEXT,
	balance_after   INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions (user_id, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_idempotency
	ON credit_transactions (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS credit_grants (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	amount     INTEGER NOT NULL CHECK (amount > 0),
	reason     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

// OpenSQLite opens (or creates) the ledger file at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the ledger tables if they don't exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("ensuring sqlite schema: %w", err)
	}
	return nil
}

// timestamps are stored as unix milliseconds
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner) (*Account, error) {
	var a Account
	var resetAt, createdAt, updatedAt int64
	if err := row.Scan(&a.UserID, &a.CreditBalance, &a.LifetimeGranted, &a.DailyUsage, &a.DailyCap,
		&resetAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.DailyUsageResetAt = fromMillis(resetAt)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

func scanSQLiteTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var id string
	var createdAt int64
	if err := row.Scan(&id, &t.UserID, &t.ToolID, &t.BucketKey, &t.Amount, &t.Description,
		&t.Result, &t.IdempotencyKey, &t.BalanceAfter, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing transaction id %q: %w", id, err)
	}
	t.ID = parsed
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

func (s *SQLiteStore) OpenAccount(ctx context.Context, userID string, signupGrant, dailyCap int64) (*Account, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning open account tx: %w", mapSQLiteError(err))
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id, credit_balance, lifetime_granted, daily_usage, daily_cap,
		                              daily_usage_reset_at, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, signupGrant, signupGrant, dailyCap, toMillis(NextMidnightUTC(now)), toMillis(now), toMillis(now))
	if err != nil {
		return nil, false, fmt.Errorf("inserting account: %w", mapSQLiteError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("inserting account: %w", err)
	}
	created := n > 0

	if created && signupGrant > 0 {
		if err := insertSQLiteGrant(ctx, tx, newGrant(userID, signupGrant, "signup", now)); err != nil {
			return nil, false, err
		}
	}

	acct, err := scanSQLiteAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = ?`, userID))
	if err != nil {
		return nil, false, fmt.Errorf("fetching account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing open account: %w", mapSQLiteError(err))
	}
	return acct, created, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct, err := scanSQLiteAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	return acct, nil
}

func (s *SQLiteStore) Grant(ctx context.Context, userID string, amount int64, reason string) (*Account, *Grant, error) {
	if err := validateGrant(amount); err != nil {
		return nil, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning grant tx: %w", mapSQLiteError(err))
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts
		 SET credit_balance = credit_balance + ?, lifetime_granted = lifetime_granted + ?, updated_at = ?
		 WHERE user_id = ?`,
		amount, amount, toMillis(now), userID)
	if err != nil {
		return nil, nil, fmt.Errorf("crediting account: %w", mapSQLiteError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, ErrAccountNotFound
	}

	g := newGrant(userID, amount, reason, now)
	if err := insertSQLiteGrant(ctx, tx, g); err != nil {
		return nil, nil, err
	}

	acct, err := scanSQLiteAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = ?`, userID))
	if err != nil {
		return nil, nil, fmt.Errorf("fetching account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing grant: %w", mapSQLiteError(err))
	}
	return acct, &g, nil
}

func insertSQLiteGrant(ctx context.Context, tx *sql.Tx, g Grant) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_grants (id, user_id, amount, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		g.ID.String(), g.UserID, g.Amount, g.Reason, toMillis(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting grant: %w", mapSQLiteError(err))
	}
	return nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string, params ListParams) ([]Transaction, int64, error) {
	params = params.normalize()

	conditions := []string{"user_id = ?"}
	args := []any{userID}
	if params.ToolID != "" {
		conditions = append(conditions, "tool_id = ?")
		args = append(args, params.ToolID)
	}
	if params.From != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, toMillis(*params.From))
	}
	if params.To != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, toMillis(*params.To))
	}
	where := strings.Join(conditions, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM credit_transactions WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, tool_id, bucket_key, amount, description, result,
		        COALESCE(idempotency_key, ''), balance_after, created_at
		 FROM credit_transactions WHERE `+where+`
		 ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, params.PageSize, params.offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		t, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning transaction: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating transactions: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) Update(ctx context.Context, userID string, fn func(ctx context.Context, tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ledger tx: %w", mapSQLiteError(err))
	}
	defer sqlTx.Rollback()

	acct, err := scanSQLiteAccount(sqlTx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("loading account: %w", mapSQLiteError(err))
	}

	tx := newTx(sqliteReader{tx: sqlTx}, *acct)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.empty() {
		return nil
	}

	if tx.accountDirty {
		a := tx.account
		if _, err := sqlTx.ExecContext(ctx,
			`UPDATE credit_accounts
			 SET credit_balance = ?, daily_usage = ?, daily_usage_reset_at = ?, updated_at = ?
			 WHERE user_id = ?`,
			a.CreditBalance, a.DailyUsage, toMillis(a.DailyUsageResetAt), toMillis(time.Now()), a.UserID,
		); err != nil {
			return fmt.Errorf("updating account: %w", mapSQLiteError(err))
		}
	}
	for _, w := range tx.stagedWindows() {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO credit_quota_windows (user_id, bucket_key, used_today, reset_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (user_id, bucket_key)
			 DO UPDATE SET used_today = excluded.used_today, reset_at = excluded.reset_at`,
			w.UserID, w.BucketKey, w.UsedToday, toMillis(w.ResetAt),
		); err != nil {
			return fmt.Errorf("saving quota window: %w", mapSQLiteError(err))
		}
	}
	for _, t := range tx.appended {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO credit_transactions
			   (id, user_id, tool_id, bucket_key, amount, description, result, idempotency_key, balance_after, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
			t.ID.String(), t.UserID, t.ToolID, t.BucketKey, t.Amount, t.Description, t.Result,
			t.IdempotencyKey, t.BalanceAfter, toMillis(t.CreatedAt),
		); err != nil {
			return fmt.Errorf("appending transaction: %w", mapSQLiteError(err))
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing ledger tx: %w", mapSQLiteError(err))
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteReader struct {
	tx *sql.Tx
}

func (r sqliteReader) quotaWindow(ctx context.Context, userID, bucketKey string) (*QuotaWindow, error) {
	var w QuotaWindow
	var resetAt int64
	err := r.tx.QueryRowContext(ctx,
		`SELECT user_id, bucket_key, used_today, reset_at
		 FROM credit_quota_windows WHERE user_id = ? AND bucket_key = ?`,
		userID, bucketKey,
	).Scan(&w.UserID, &w.BucketKey, &w.UsedToday, &resetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	w.ResetAt = fromMillis(resetAt)
	return &w, nil
}

func (r sqliteReader) transactionByKey(ctx context.Context, userID, key string) (*Transaction, error) {
	t, err := scanSQLiteTransaction(r.tx.QueryRowContext(ctx,
		`SELECT id, user_id, tool_id, bucket_key, amount, description, result,
		        idempotency_key, balance_after, created_at
		 FROM credit_transactions WHERE user_id = ? AND idempotency_key = ?`,
		userID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	return t, nil
}

// mapSQLiteError turns busy and locked results into ErrWriteConflict.
func mapSQLiteError(err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s", ErrWriteConflict, sqlErr.Error())
		}
	}
	return err
}
