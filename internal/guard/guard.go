// Package guard is the single entry point feature modules call before doing
// metered work. It turns the consumption outcome into a decision the caller
// can render without inspecting errors.
package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nexus-platform/credits/internal/catalog"
	"github.com/nexus-platform/credits/internal/credits"
)

// Reason explains why a consumption was blocked.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonInsufficientFunds  Reason = Reason(credits.KindInsufficientFunds)
	ReasonDailyLimitExceeded Reason = Reason(credits.KindDailyLimitExceeded)
	ReasonRateLimited        Reason = Reason(credits.KindRateLimited)
)

// Action is the UX a blocked caller should show.
type Action string

const (
	ActionNone             Action = ""
	ActionRecharge         Action = "recharge"
	ActionComeBackTomorrow Action = "come_back_tomorrow"
	ActionSlowDown         Action = "slow_down"
)

func (r Reason) Action() Action {
	switch r {
	case ReasonInsufficientFunds:
		return ActionRecharge
	case ReasonDailyLimitExceeded:
		return ActionComeBackTomorrow
	case ReasonRateLimited:
		return ActionSlowDown
	}
	return ActionNone
}

// Decision is the outcome of CheckAndConsume. When Allowed is true the user
// has already been charged Charged credits and Balance is the refreshed
// snapshot to display.
type Decision struct {
	Allowed bool             `json:"allowed"`
	Free    bool             `json:"free,omitempty"`
	ToolID  string           `json:"tool_id"`
	Label   string           `json:"label,omitempty"`
	Charged int64            `json:"charged"`
	Reason  Reason           `json:"reason,omitempty"`
	Action  Action           `json:"action,omitempty"`
	Message string           `json:"message,omitempty"`
	Balance *credits.Balance `json:"balance,omitempty"`
	Receipt *credits.Receipt `json:"receipt,omitempty"`
}

// Consumer is the part of the consumption service the guard needs.
type Consumer interface {
	Tool(toolID string) (catalog.Tool, error)
	Consume(ctx context.Context, req credits.Request) (*credits.Receipt, error)
	Balance(ctx context.Context, userID string) (*credits.Balance, error)
}

type options struct {
	cost           *int64
	dailyLimit     int64
	contextID      string
	idempotencyKey string
}

// Option adjusts a single check.
type Option func(*options)

// WithCost charges more than the catalog price, e.g. for a batch. A cost
// below the price is rejected.
func WithCost(cost int64) Option {
	return func(o *options) { o.cost = &cost }
}

// WithDailyLimit sets a stricter cap for the bucket. It cannot loosen the
// catalog's limit.
func WithDailyLimit(limit int64) Option {
	return func(o *options) { o.dailyLimit = limit }
}

// WithContextID draws from a shared bucket instead of the tool's own. Tools
// whose catalog entry carries a quota keep their bucket.
func WithContextID(contextID string) Option {
	return func(o *options) { o.contextID = contextID }
}

// WithIdempotencyKey makes retries of the same action charge once.
func WithIdempotencyKey(key string) Option {
	return func(o *options) { o.idempotencyKey = key }
}

// Guard composes catalog, quota and ledger into one decision.
type Guard struct {
	svc Consumer
}

func New(svc Consumer) *Guard {
	return &Guard{svc: svc}
}

// CheckAndConsume charges userID for one use of toolID if the balance and
// every quota allow it. Blocked outcomes return a Decision with a Reason and
// a nil error. Errors are reserved for unknown tools, missing accounts and
// storage failures.
func (g *Guard) CheckAndConsume(ctx context.Context, userID, toolID, label string, opts ...Option) (Decision, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tool, err := g.svc.Tool(toolID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolving tool: %w", err)
	}

	// Price is fixed here so a catalog reload cannot change it mid-flight.
	cost := tool.CostPerTask
	if o.cost != nil {
		cost = *o.cost
	}
	if cost < tool.CostPerTask {
		return Decision{}, fmt.Errorf("%w: cost %d is below the price of %s (%d)",
			credits.ErrInvalidRequest, cost, tool.ID, tool.CostPerTask)
	}

	d := Decision{ToolID: tool.ID, Label: label}
	if cost == 0 {
		d.Allowed = true
		d.Free = true
		d.Balance = g.snapshot(ctx, userID)
		return d, nil
	}

	receipt, err := g.svc.Consume(ctx, credits.Request{
		UserID:         userID,
		ToolID:         tool.ID,
		Amount:         cost,
		Description:    label,
		IdempotencyKey: o.idempotencyKey,
		ContextID:      o.contextID,
		DailyLimit:     o.dailyLimit,
	})
	if err != nil {
		kind := credits.KindOf(err)
		if !kind.Rejection() {
			return Decision{}, fmt.Errorf("consuming %s: %w", tool.ID, err)
		}
		d.Reason = Reason(kind)
		d.Action = d.Reason.Action()
		d.Message = err.Error()
		d.Balance = g.snapshot(ctx, userID)
		return d, nil
	}

	d.Allowed = true
	d.Charged = receipt.Amount
	d.Receipt = receipt
	d.Balance = g.snapshot(ctx, userID)
	if d.Balance == nil {
		d.Balance = &credits.Balance{
			UserID:        userID,
			CreditBalance: receipt.NewBalance,
			DailyUsage:    receipt.DailyUsage,
			DailyCap:      receipt.DailyCap,
		}
	}
	return d, nil
}

// snapshot reads the balance for display. A failure only costs the caller a
// stale display, so it is logged and swallowed.
func (g *Guard) snapshot(ctx context.Context, userID string) *credits.Balance {
	b, err := g.svc.Balance(ctx, userID)
	if err != nil {
		slog.Warn("guard: balance snapshot failed", "user_id", userID, "error", err)
		return nil
	}
	return b
}
