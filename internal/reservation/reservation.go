// Package reservation implements quote, confirm and commit. A quote is a
// signed token carrying the amount shown to the user; committing it charges
// exactly that amount, whatever the catalog says by then.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nexus-platform/credits/internal/catalog"
	"github.com/nexus-platform/credits/internal/credits"
)

var (
	ErrQuoteInvalid      = errors.New("invalid quote")
	ErrQuoteExpired      = errors.New("quote expired")
	ErrUnknownDifficulty = errors.New("unknown difficulty")
)

const (
	idempotencyPrefix = "quote:"

	// MaxItems bounds a single quote.
	MaxItems = 1000
)

// Difficulty scales the per-item price.
type Difficulty string

const (
	DifficultyBasic        Difficulty = "basic"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyPro          Difficulty = "pro"
)

// Multiplier returns the price factor. An empty difficulty is basic.
func (d Difficulty) Multiplier() (int64, error) {
	switch d {
	case "", DifficultyBasic:
		return 1, nil
	case DifficultyIntermediate:
		return 2, nil
	case DifficultyPro:
		return 4, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDifficulty, d)
}

// QuoteRequest describes what the user is about to buy.
type QuoteRequest struct {
	ToolID     string     `json:"tool_id" validate:"required,max=64"`
	Items      int64      `json:"items" validate:"required,gte=1,lte=1000"`
	Difficulty Difficulty `json:"difficulty,omitempty" validate:"omitempty,oneof=basic intermediate pro"`
}

// Quote is a priced, signed offer. Token is what the client sends back to
// commit.
type Quote struct {
	ID         uuid.UUID  `json:"id"`
	UserID     string     `json:"user_id"`
	ToolID     string     `json:"tool_id"`
	Items      int64      `json:"items"`
	Difficulty Difficulty `json:"difficulty"`
	UnitCost   int64      `json:"unit_cost"`
	Multiplier int64      `json:"multiplier"`
	Amount     int64      `json:"amount"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Token      string     `json:"token"`
}

type quoteClaims struct {
	ToolID     string     `json:"tool"`
	Items      int64      `json:"items"`
	Difficulty Difficulty `json:"difficulty"`
	Amount     int64      `json:"amount"`
	jwt.RegisteredClaims
}

// Consumer is the part of the consumption service reservations need.
type Consumer interface {
	Tool(toolID string) (catalog.Tool, error)
	Consume(ctx context.Context, req credits.Request) (*credits.Receipt, error)
}

// Service quotes and commits reservations.
type Service struct {
	consumer Consumer
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

func NewService(consumer Consumer, secret string, ttl time.Duration) *Service {
	return &Service{
		consumer: consumer,
		secret:   []byte(secret),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Quote prices req for userID. It changes no state.
func (s *Service) Quote(_ context.Context, userID string, req QuoteRequest) (*Quote, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", credits.ErrInvalidRequest)
	}
	if req.Items < 1 || req.Items > MaxItems {
		return nil, fmt.Errorf("%w: items must be between 1 and %d", credits.ErrInvalidRequest, MaxItems)
	}
	mult, err := req.Difficulty.Multiplier()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", credits.ErrInvalidRequest, err)
	}

	tool, err := s.consumer.Tool(req.ToolID)
	if err != nil {
		return nil, err
	}
	if tool.Free() {
		return nil, fmt.Errorf("%w: tool %q is free and needs no quote", credits.ErrInvalidRequest, tool.ID)
	}

	perItem := tool.CostPerTask * mult
	if tool.CostPerTask > math.MaxInt64/mult || perItem > math.MaxInt64/req.Items {
		return nil, fmt.Errorf("%w: quote for %d items of %q overflows", credits.ErrInvalidRequest, req.Items, tool.ID)
	}

	difficulty := req.Difficulty
	if difficulty == "" {
		difficulty = DifficultyBasic
	}

	now := s.now()
	q := &Quote{
		ID:         uuid.New(),
		UserID:     userID,
		ToolID:     tool.ID,
		Items:      req.Items,
		Difficulty: difficulty,
		UnitCost:   tool.CostPerTask,
		Multiplier: mult,
		Amount:     req.Items * perItem,
		ExpiresAt:  now.Add(s.ttl).UTC(),
	}

	claims := quoteClaims{
		ToolID:     q.ToolID,
		Items:      q.Items,
		Difficulty: q.Difficulty,
		Amount:     q.Amount,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        q.ID.String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(q.ExpiresAt),
		},
	}
	q.Token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("signing quote: %w", err)
	}

	return q, nil
}

// Commit charges the amount carried by token. Committing the same quote twice
// replays the first charge.
func (s *Service) Commit(ctx context.Context, userID, token, description string) (*credits.Receipt, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Subject != userID {
		return nil, fmt.Errorf("%w: issued to another user", ErrQuoteInvalid)
	}

	if description == "" {
		description = fmt.Sprintf("%d items (%s)", claims.Items, claims.Difficulty)
	}

	receipt, err := s.consumer.Consume(ctx, credits.Request{
		UserID:         userID,
		ToolID:         claims.ToolID,
		Amount:         claims.Amount,
		Description:    description,
		IdempotencyKey: idempotencyPrefix + claims.ID,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("reservation: committed", "user_id", userID, "quote_id", claims.ID,
		"amount", claims.Amount, "replayed", receipt.Replayed)
	return receipt, nil
}

func (s *Service) parse(token string) (*quoteClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &quoteClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrQuoteExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrQuoteInvalid, err)
	}

	claims, ok := parsed.Claims.(*quoteClaims)
	if !ok || !parsed.Valid || claims.ID == "" || claims.Amount <= 0 {
		return nil, ErrQuoteInvalid
	}
	return claims, nil
}
