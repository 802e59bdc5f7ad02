// Package credits is the only writer of credit balances. Consume charges a
// user for one tool use as a single atomic ledger update.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nexus-platform/credits/internal/catalog"
	"github.com/nexus-platform/credits/internal/ledger"
	"github.com/nexus-platform/credits/internal/metrics"
	"github.com/nexus-platform/credits/internal/quota"
)

// ToolSource resolves tool prices.
type ToolSource interface {
	Get(toolID string) (catalog.Tool, error)
	List() []catalog.Tool
}

// Limiter throttles consume attempts per user.
type Limiter interface {
	Allow(ctx context.Context, userID string, maxPerMinute int) (bool, error)
}

// Service orchestrates catalog lookups, quota checks and ledger writes.
type Service struct {
	Hub

	store   ledger.Store
	tools   ToolSource
	tracker *quota.Tracker
	limiter Limiter
	cfg     Config
}

// NewService creates a new credits Service. limiter may be nil.
func NewService(store ledger.Store, tools ToolSource, tracker *quota.Tracker, limiter Limiter, cfg Config) *Service {
	if cfg.CommitRetries < 0 {
		cfg.CommitRetries = 0
	}
	return &Service{
		store:   store,
		tools:   tools,
		tracker: tracker,
		limiter: limiter,
		cfg:     cfg,
	}
}

// plan is a consumption request resolved against one catalog snapshot.
type plan struct {
	tool   catalog.Tool
	amount int64
	bucket string
	limit  int64
	exempt bool
}

// resolve applies the request's overrides to the tool's catalog entry.
// Overrides may raise the price or tighten the quota, never the reverse.
func resolve(tool catalog.Tool, req Request) (plan, error) {
	p := plan{
		tool:   tool,
		amount: tool.CostPerTask,
		bucket: tool.BucketKey(),
		limit:  tool.DailyLimit,
		exempt: tool.ExemptFromDailyCap,
	}
	if req.Amount > 0 {
		if req.Amount < tool.CostPerTask {
			return plan{}, fmt.Errorf("%w: amount %d is below the price of %q (%d)",
				ErrInvalidRequest, req.Amount, tool.ID, tool.CostPerTask)
		}
		p.amount = req.Amount
	}
	if req.ContextID != "" && req.ContextID != p.bucket {
		// a tool with its own quota cannot move to another bucket
		if tool.ContextID != "" || tool.DailyLimit > 0 {
			return plan{}, fmt.Errorf("%w: tool %q draws from bucket %q", ErrInvalidRequest, tool.ID, p.bucket)
		}
		p.bucket = req.ContextID
	}
	if req.DailyLimit > 0 && (p.limit == 0 || req.DailyLimit < p.limit) {
		p.limit = req.DailyLimit
	}
	return p, nil
}

// Tool returns a snapshot of the tool's definition.
func (s *Service) Tool(toolID string) (catalog.Tool, error) {
	return s.tools.Get(toolID)
}

// Tools returns the full price list.
func (s *Service) Tools() []catalog.Tool {
	return s.tools.List()
}

// Consume charges req.UserID for one use of req.ToolID. Either the balance,
// the quota windows and the ledger entry all change, or none of them do.
// Business rejections come back as errors whose Kind is a Rejection.
func (s *Service) Consume(ctx context.Context, req Request) (*Receipt, error) {
	if req.UserID == "" || req.ToolID == "" {
		return nil, fmt.Errorf("%w: user and tool are required", ErrInvalidRequest)
	}
	if req.Amount < 0 || req.DailyLimit < 0 {
		return nil, fmt.Errorf("%w: amount and daily limit must not be negative", ErrInvalidRequest)
	}

	tool, err := s.tools.Get(req.ToolID)
	if err != nil {
		metrics.ConsumptionsTotal.WithLabelValues(req.ToolID, string(KindUnknownTool)).Inc()
		return nil, err
	}
	p, err := resolve(tool, req)
	if err != nil {
		return nil, err
	}
	if p.amount <= 0 {
		return nil, fmt.Errorf("%w: tool %q has no price and no amount was given", ErrInvalidRequest, tool.ID)
	}

	if err := s.throttle(ctx, req.UserID); err != nil {
		s.reject(ctx, req, p, err)
		return nil, err
	}

	start := time.Now()
	receipt, err := s.commitWithRetry(ctx, req, p)
	metrics.CommitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if KindOf(err).Rejection() {
			s.reject(ctx, req, p, err)
			return nil, err
		}
		metrics.ConsumptionsTotal.WithLabelValues(tool.ID, string(KindOf(err))).Inc()
		slog.Error("credits: consume failed", "user_id", req.UserID, "tool_id", tool.ID, "error", err)
		return nil, err
	}

	if receipt.Replayed {
		metrics.ConsumptionsTotal.WithLabelValues(tool.ID, "replayed").Inc()
		slog.Debug("credits: replayed consumption", "user_id", req.UserID, "tool_id", tool.ID,
			"idempotency_key", req.IdempotencyKey)
		return receipt, nil
	}

	metrics.ConsumptionsTotal.WithLabelValues(tool.ID, "committed").Inc()
	metrics.CreditsDebitedTotal.WithLabelValues(tool.ID).Add(float64(receipt.Amount))
	slog.Info("credits: consumed",
		"user_id", receipt.UserID,
		"tool_id", receipt.ToolID,
		"amount", receipt.Amount,
		"balance", receipt.NewBalance,
		"bucket", receipt.BucketKey,
	)

	s.emit(ctx, Event{
		Type:          EventCommitted,
		UserID:        receipt.UserID,
		ToolID:        receipt.ToolID,
		BucketKey:     receipt.BucketKey,
		Amount:        receipt.Amount,
		Balance:       receipt.NewBalance,
		DailyUsage:    receipt.DailyUsage,
		TransactionID: receipt.TransactionID.String(),
		Message:       req.Description,
		At:            receipt.CommittedAt,
	})
	return receipt, nil
}

// throttle applies the per-minute attempt limit. Redis errors fail open.
func (s *Service) throttle(ctx context.Context, userID string) error {
	if s.limiter == nil || s.cfg.ConsumesPerMinute <= 0 {
		return nil
	}
	allowed, err := s.limiter.Allow(ctx, userID, s.cfg.ConsumesPerMinute)
	if err != nil {
		slog.Warn("credits: rate limiter check failed, allowing request", "error", err)
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w: max %d per minute", ErrRateLimited, s.cfg.ConsumesPerMinute)
	}
	return nil
}

func (s *Service) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 5 * time.Millisecond
	exp.MaxInterval = 100 * time.Millisecond
	exp.MaxElapsedTime = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.cfg.CommitRetries)), ctx)
}

// commitWithRetry repeats the ledger update while the backend reports a
// write conflict. Every other error is final.
func (s *Service) commitWithRetry(ctx context.Context, req Request, p plan) (*Receipt, error) {
	attempt := 0
	receipt, err := backoff.RetryWithData(func() (*Receipt, error) {
		attempt++
		if attempt > 1 {
			metrics.CommitRetriesTotal.Inc()
			slog.Debug("credits: commit retry", "user_id", req.UserID, "attempt", attempt)
		}
		r, err := s.commit(ctx, req, p)
		if err != nil && !errors.Is(err, ledger.ErrWriteConflict) {
			return nil, backoff.Permanent(err)
		}
		return r, err
	}, s.newBackOff(ctx))

	if errors.Is(err, ledger.ErrWriteConflict) {
		return nil, fmt.Errorf("%w: %d attempts: %w", ErrCommitFailed, attempt, err)
	}
	return receipt, err
}

func (s *Service) commit(ctx context.Context, req Request, p plan) (*Receipt, error) {
	var receipt *Receipt
	err := s.store.Update(ctx, req.UserID, func(ctx context.Context, tx *ledger.Tx) error {
		receipt = nil

		if req.IdempotencyKey != "" {
			prev, err := tx.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prev != nil {
				if prev.ToolID != p.tool.ID || prev.Amount != p.amount || prev.BucketKey != p.bucket {
					return fmt.Errorf("%w: key %q charged %d for %s", ErrIdempotencyConflict,
						req.IdempotencyKey, prev.Amount, prev.ToolID)
				}
				receipt = s.replayReceipt(*prev, tx.Account())
				return nil
			}
		}

		acct := tx.Account()
		if acct.CreditBalance < p.amount {
			return fmt.Errorf("%w: balance %d, required %d", ledger.ErrInsufficientFunds, acct.CreditBalance, p.amount)
		}

		window, err := s.tracker.Reserve(ctx, tx, p.bucket, p.amount, p.limit)
		if err != nil {
			return err
		}

		if !p.exempt {
			used, resetAt, err := s.tracker.ReserveDaily(acct, p.amount)
			if err != nil {
				return err
			}
			tx.SetDailyUsage(used, resetAt)
		}

		newBalance, err := tx.Debit(p.amount)
		if err != nil {
			return err
		}

		entry, err := tx.Append(ledger.Transaction{
			ToolID:         p.tool.ID,
			BucketKey:      p.bucket,
			Amount:         p.amount,
			Description:    req.Description,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return err
		}

		dailyUsage, _ := s.tracker.DailyUsage(tx.Account())
		receipt = &Receipt{
			TransactionID: entry.ID,
			UserID:        req.UserID,
			ToolID:        p.tool.ID,
			BucketKey:     p.bucket,
			Amount:        p.amount,
			NewBalance:    newBalance,
			DailyUsage:    dailyUsage,
			DailyCap:      acct.DailyCap,
			BucketUsed:    window.UsedToday,
			BucketLimit:   p.limit,
			CommittedAt:   entry.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *Service) replayReceipt(prev ledger.Transaction, acct ledger.Account) *Receipt {
	dailyUsage, _ := s.tracker.DailyUsage(acct)
	return &Receipt{
		TransactionID: prev.ID,
		UserID:        prev.UserID,
		ToolID:        prev.ToolID,
		BucketKey:     prev.BucketKey,
		Amount:        prev.Amount,
		NewBalance:    prev.BalanceAfter,
		DailyUsage:    dailyUsage,
		DailyCap:      acct.DailyCap,
		Replayed:      true,
		CommittedAt:   prev.CreatedAt,
	}
}

func (s *Service) reject(ctx context.Context, req Request, p plan, err error) {
	kind := KindOf(err)
	metrics.ConsumptionsTotal.WithLabelValues(p.tool.ID, string(kind)).Inc()
	slog.Info("credits: consumption rejected",
		"user_id", req.UserID,
		"tool_id", p.tool.ID,
		"amount", p.amount,
		"kind", kind,
		"reason", err.Error(),
	)
	s.emit(ctx, Event{
		Type:      EventRejected,
		UserID:    req.UserID,
		ToolID:    p.tool.ID,
		BucketKey: p.bucket,
		Amount:    p.amount,
		Kind:      kind,
		Message:   err.Error(),
		At:        s.tracker.Now(),
	})
}

// OpenAccount creates the user's wallet with the configured signup grant.
// Opening an existing account returns it unchanged.
func (s *Service) OpenAccount(ctx context.Context, userID string) (*Balance, bool, error) {
	if userID == "" {
		return nil, false, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	acct, created, err := s.store.OpenAccount(ctx, userID, s.cfg.SignupGrant, s.cfg.DefaultDailyCap)
	if err != nil {
		return nil, false, fmt.Errorf("opening account: %w", err)
	}
	if created {
		slog.Info("credits: account opened", "user_id", userID, "signup_grant", s.cfg.SignupGrant)
		if s.cfg.SignupGrant > 0 {
			metrics.CreditsGrantedTotal.Add(float64(s.cfg.SignupGrant))
			s.emit(ctx, Event{
				Type:    EventGranted,
				UserID:  userID,
				Amount:  s.cfg.SignupGrant,
				Balance: acct.CreditBalance,
				Message: "signup",
				At:      s.tracker.Now(),
			})
		}
	}
	return s.balanceOf(*acct), created, nil
}

// Grant adds credits to an existing account. Refunds are grants; the ledger
// never reverses a committed consumption.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*Balance, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: grant amount must be positive", ErrInvalidRequest)
	}
	acct, g, err := s.store.Grant(ctx, req.UserID, req.Amount, req.Reason)
	if err != nil {
		return nil, fmt.Errorf("granting credits: %w", err)
	}

	metrics.CreditsGrantedTotal.Add(float64(req.Amount))
	slog.Info("credits: granted", "user_id", req.UserID, "amount", req.Amount, "reason", req.Reason,
		"grant_id", g.ID, "balance", acct.CreditBalance)

	s.emit(ctx, Event{
		Type:    EventGranted,
		UserID:  req.UserID,
		Amount:  req.Amount,
		Balance: acct.CreditBalance,
		Message: req.Reason,
		At:      g.CreatedAt,
	})
	return s.balanceOf(*acct), nil
}

// Balance returns the user's current balance and daily usage.
func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("getting balance: %w", err)
	}
	return s.balanceOf(*acct), nil
}

func (s *Service) balanceOf(acct ledger.Account) *Balance {
	used, resetAt := s.tracker.DailyUsage(acct)
	remaining := int64(-1)
	if acct.DailyCap > 0 {
		remaining = acct.DailyCap - used
		if remaining < 0 {
			remaining = 0
		}
	}
	return &Balance{
		UserID:            acct.UserID,
		CreditBalance:     acct.CreditBalance,
		LifetimeGranted:   acct.LifetimeGranted,
		DailyUsage:        used,
		DailyCap:          acct.DailyCap,
		DailyRemaining:    remaining,
		DailyUsageResetAt: resetAt,
	}
}

// Transactions returns the user's ledger, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, params ledger.ListParams) ([]ledger.Transaction, int64, error) {
	txs, total, err := s.store.ListTransactions(ctx, userID, params)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions: %w", err)
	}
	return txs, total, nil
}
