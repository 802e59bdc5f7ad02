package ledger

import (
	"time"

	"github.com/google/uuid"
)

// ResultCommitted marks a transaction that debited the account.
const ResultCommitted = "committed"

// Account is a user's credit wallet.
type Account struct {
	UserID            string    `json:"user_id"`
	CreditBalance     int64     `json:"credit_balance"`
	LifetimeGranted   int64     `json:"lifetime_granted"`
	DailyUsage        int64     `json:"daily_usage"`
	DailyCap          int64     `json:"daily_cap"`
	DailyUsageResetAt time.Time `json:"daily_usage_reset_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID             uuid.UUID `json:"id"`
	UserID         string    `json:"user_id"`
	ToolID         string    `json:"tool_id"`
	BucketKey      string    `json:"bucket_key"`
	Amount         int64     `json:"amount"`
	Description    string    `json:"description,omitempty"`
	Result         string    `json:"result"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	BalanceAfter   int64     `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at"`
}

// Grant records credits added to an account.
type Grant struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// QuotaWindow tracks one bucket's spend for the current day.
type QuotaWindow struct {
	UserID    string    `json:"user_id"`
	BucketKey string    `json:"bucket_key"`
	UsedToday int64     `json:"used_today"`
	ResetAt   time.Time `json:"reset_at"`
}

// ListParams holds pagination and filtering for transaction queries.
type ListParams struct {
	ToolID   string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}

func (p ListParams) normalize() ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > 100 {
		p.PageSize = 20
	}
	return p
}

func (p ListParams) offset() int {
	return (p.Page - 1) * p.PageSize
}

func (p ListParams) matches(t Transaction) bool {
	if p.ToolID != "" && t.ToolID != p.ToolID {
		return false
	}
	if p.From != nil && t.CreatedAt.Before(*p.From) {
		return false
	}
	if p.To != nil && t.CreatedAt.After(*p.To) {
		return false
	}
	return true
}

func newGrant(userID string, amount int64, reason string, now time.Time) Grant {
	return Grant{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: now,
	}
}
