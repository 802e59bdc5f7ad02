package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the ledger in PostgreSQL. Update locks the account row
// with SELECT ... FOR UPDATE; under READ COMMITTED every later statement of
// the transaction sees the state left by the previous lock holder.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps a pool. The schema comes from the SQL migrations.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const accountColumns = `user_id, credit_balance, lifetime_granted, daily_usage, daily_cap,
	daily_usage_reset_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.UserID, &a.CreditBalance, &a.LifetimeGranted, &a.DailyUsage, &a.DailyCap,
		&a.DailyUsageResetAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) OpenAccount(ctx context.Context, userID string, signupGrant, dailyCap int64) (*Account, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning open account tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	acct, err := scanAccount(tx.QueryRow(ctx,
		`INSERT INTO credit_accounts (user_id, credit_balance, lifetime_granted, daily_usage, daily_cap,
		                              daily_usage_reset_at, created_at, updated_at)
		 VALUES ($1, $2, $2, 0, $3, $4, $5, $5)
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING `+accountColumns,
		userID, signupGrant, dailyCap, NextMidnightUTC(now), now))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.GetAccount(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inserting account: %w", err)
	}

	if signupGrant > 0 {
		if err := insertGrant(ctx, tx, newGrant(userID, signupGrant, "signup", now)); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing open account: %w", err)
	}
	return acct, true, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	return acct, nil
}

func (s *PostgresStore) Grant(ctx context.Context, userID string, amount int64, reason string) (*Account, *Grant, error) {
	if err := validateGrant(amount); err != nil {
		return nil, nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning grant tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	acct, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE credit_accounts
		 SET credit_balance = credit_balance + $2,
		     lifetime_granted = lifetime_granted + $2,
		     updated_at = $3
		 WHERE user_id = $1
		 RETURNING `+accountColumns,
		userID, amount, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("crediting account: %w", mapPgError(err))
	}

	g := newGrant(userID, amount, reason, now)
	if err := insertGrant(ctx, tx, g); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("committing grant: %w", mapPgError(err))
	}
	return acct, &g, nil
}

func insertGrant(ctx context.Context, tx pgx.Tx, g Grant) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_grants (id, user_id, amount, reason, created_at) VALUES ($1, $2, $3, $4, $5)`,
		g.ID, g.UserID, g.Amount, g.Reason, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, params ListParams) ([]Transaction, int64, error) {
	params = params.normalize()

	conditions := []string{"user_id = $1"}
	args := []any{userID}
	argIdx := 2

	if params.ToolID != "" {
		conditions = append(conditions, fmt.Sprintf("tool_id = $%d", argIdx))
		args = append(args, params.ToolID)
		argIdx++
	}
	if params.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *params.From)
		argIdx++
	}
	if params.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, *params.To)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int64
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM credit_transactions WHERE %s", where), args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, user_id, tool_id, bucket_key, amount, description, result,
		        COALESCE(idempotency_key, ''), balance_after, created_at
		 FROM credit_transactions WHERE %s
		 ORDER BY id DESC
		 LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, params.offset())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.ToolID, &t.BucketKey, &t.Amount, &t.Description,
			&t.Result, &t.IdempotencyKey, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating transactions: %w", err)
	}
	return out, total, nil
}

func (s *PostgresStore) Update(ctx context.Context, userID string, fn func(ctx context.Context, tx *Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("beginning ledger tx: %w", mapPgError(err))
	}
	defer pgTx.Rollback(ctx)

	acct, err := scanAccount(pgTx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("locking account: %w", mapPgError(err))
	}

	tx := newTx(pgReader{tx: pgTx}, *acct)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.empty() {
		return nil
	}

	batch := &pgx.Batch{}
	if tx.accountDirty {
		a := tx.account
		batch.Queue(
			`UPDATE credit_accounts
			 SET credit_balance = $2, daily_usage = $3, daily_usage_reset_at = $4, updated_at = NOW()
			 WHERE user_id = $1`,
			a.UserID, a.CreditBalance, a.DailyUsage, a.DailyUsageResetAt)
	}
	for _, w := range tx.stagedWindows() {
		batch.Queue(
			`INSERT INTO credit_quota_windows (user_id, bucket_key, used_today, reset_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, bucket_key)
			 DO UPDATE SET used_today = EXCLUDED.used_today, reset_at = EXCLUDED.reset_at`,
			w.UserID, w.BucketKey, w.UsedToday, w.ResetAt)
	}
	for _, t := range tx.appended {
		batch.Queue(
			`INSERT INTO credit_transactions
			   (id, user_id, tool_id, bucket_key, amount, description, result, idempotency_key, balance_after, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`,
			t.ID, t.UserID, t.ToolID, t.BucketKey, t.Amount, t.Description, t.Result,
			t.IdempotencyKey, t.BalanceAfter, t.CreatedAt)
	}

	if err := pgTx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("writing ledger changes: %w", mapPgError(err))
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("committing ledger tx: %w", mapPgError(err))
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

type pgReader struct {
	tx pgx.Tx
}

func (r pgReader) quotaWindow(ctx context.Context, userID, bucketKey string) (*QuotaWindow, error) {
	var w QuotaWindow
	err := r.tx.QueryRow(ctx,
		`SELECT user_id, bucket_key, used_today, reset_at
		 FROM credit_quota_windows WHERE user_id = $1 AND bucket_key = $2`,
		userID, bucketKey,
	).Scan(&w.UserID, &w.BucketKey, &w.UsedToday, &w.ResetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgError(err)
	}
	return &w, nil
}

func (r pgReader) transactionByKey(ctx context.Context, userID, key string) (*Transaction, error) {
	var t Transaction
	err := r.tx.QueryRow(ctx,
		`SELECT id, user_id, tool_id, bucket_key, amount, description, result,
		        idempotency_key, balance_after, created_at
		 FROM credit_transactions WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	).Scan(&t.ID, &t.UserID, &t.ToolID, &t.BucketKey, &t.Amount, &t.Description,
		&t.Result, &t.IdempotencyKey, &t.BalanceAfter, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgError(err)
	}
	return &t, nil
}

// mapPgError turns serialization failures and deadlocks into ErrWriteConflict.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrWriteConflict, pgErr.Message)
		case "23514":
			// credit_balance >= 0 check
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, pgErr.ConstraintName)
		}
	}
	return err
}
