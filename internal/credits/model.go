package credits

import (
	"time"

	"github.com/google/uuid"
)

// Request asks the service to charge a user for one tool use.
type Request struct {
	UserID string `json:"-"`
	ToolID string `json:"tool_id" validate:"required,max=64"`
	// Amount overrides the catalog price when positive. It may raise the
	// price, never lower it.
	Amount         int64  `json:"amount,omitempty" validate:"gte=0"`
	Description    string `json:"description,omitempty" validate:"max=256"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=128"`
	// ContextID overrides the quota bucket of a tool that has no quota of
	// its own.
	ContextID string `json:"context_id,omitempty" validate:"max=64"`
	// DailyLimit tightens the bucket limit when positive.
	DailyLimit int64 `json:"daily_limit,omitempty" validate:"gte=0"`
}

// Receipt is the outcome of a committed consumption.
type Receipt struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	ToolID        string    `json:"tool_id"`
	BucketKey     string    `json:"bucket_key"`
	Amount        int64     `json:"amount"`
	NewBalance    int64     `json:"new_balance"`
	DailyUsage    int64     `json:"daily_usage"`
	DailyCap      int64     `json:"daily_cap"`
	BucketUsed    int64     `json:"bucket_used"`
	BucketLimit   int64     `json:"bucket_limit,omitempty"`
	Replayed      bool      `json:"replayed,omitempty"`
	CommittedAt   time.Time `json:"committed_at"`
}

// Balance is what a balance display renders.
type Balance struct {
	UserID          string `json:"user_id"`
	CreditBalance   int64  `json:"credit_balance"`
	LifetimeGranted int64  `json:"lifetime_granted"`
	DailyUsage      int64  `json:"daily_usage"`
	DailyCap        int64  `json:"daily_cap"`
	// DailyRemaining is -1 when the account has no daily cap.
	DailyRemaining    int64     `json:"daily_remaining"`
	DailyUsageResetAt time.Time `json:"daily_usage_reset_at"`
}

// GrantRequest adds credits to an account.
type GrantRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Reason string `json:"reason" validate:"required,max=256"`
}

// Config tunes the service.
type Config struct {
	SignupGrant       int64
	DefaultDailyCap   int64
	CommitRetries     int
	ConsumesPerMinute int
}
