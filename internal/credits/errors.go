package credits

import (
	"errors"

	"github.com/nexus-platform/credits/internal/catalog"
	"github.com/nexus-platform/credits/internal/ledger"
	"github.com/nexus-platform/credits/internal/quota"
)

var (
	ErrInvalidRequest = errors.New("invalid consume request")
	ErrRateLimited    = errors.New("too many consume attempts")
	ErrCommitFailed   = errors.New("ledger commit failed after retries")

	// ErrIdempotencyConflict means the key was already used for a different charge.
	ErrIdempotencyConflict = errors.New("idempotency key reused for a different request")
)

// Kind is the stable classification of a consumption failure.
type Kind string

const (
	KindNone               Kind = ""
	KindUnknownTool        Kind = "unknown_tool"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindDailyLimitExceeded Kind = "daily_limit_exceeded"
	KindRateLimited        Kind = "rate_limited"
	KindInvalidRequest     Kind = "invalid_request"
	KindAccountNotFound    Kind = "account_not_found"
	KindCommitFailed       Kind = "commit_failed"
	KindIdempotencyReused  Kind = "idempotency_conflict"
	KindInternal           Kind = "internal"
)

// KindOf classifies err. A nil error yields KindNone.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, catalog.ErrUnknownTool):
		return KindUnknownTool
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, quota.ErrDailyLimitExceeded):
		return KindDailyLimitExceeded
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrIdempotencyConflict):
		return KindIdempotencyReused
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidAmount):
		return KindInvalidRequest
	case errors.Is(err, ledger.ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(err, ErrCommitFailed), errors.Is(err, ledger.ErrWriteConflict):
		return KindCommitFailed
	default:
		return KindInternal
	}
}

// Rejection reports whether the kind is an expected business outcome rather
// than a fault.
func (k Kind) Rejection() bool {
	switch k {
	case KindInsufficientFunds, KindDailyLimitExceeded, KindRateLimited:
		return true
	}
	return false
}
