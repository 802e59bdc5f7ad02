package guard

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/nexus-platform/credits/internal/api"
	"github.com/nexus-platform/credits/internal/auth"
	"github.com/nexus-platform/credits/internal/credits"
)

// CheckRequest is the body of POST /credits/check.
type CheckRequest struct {
	ToolID         string `json:"tool_id" validate:"required,max=64"`
	Label          string `json:"label" validate:"max=256"`
	Cost           *int64 `json:"cost,omitempty" validate:"omitempty,gte=0"`
	DailyLimit     int64  `json:"daily_limit,omitempty" validate:"gte=0"`
	ContextID      string `json:"context_id,omitempty" validate:"max=64"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=128"`
}

func (r CheckRequest) options() []Option {
	var opts []Option
	if r.Cost != nil {
		opts = append(opts, WithCost(*r.Cost))
	}
	if r.DailyLimit > 0 {
		opts = append(opts, WithDailyLimit(r.DailyLimit))
	}
	if r.ContextID != "" {
		opts = append(opts, WithContextID(r.ContextID))
	}
	if r.IdempotencyKey != "" {
		opts = append(opts, WithIdempotencyKey(r.IdempotencyKey))
	}
	return opts
}

// Handler exposes the guard over HTTP.
type Handler struct {
	guard    *Guard
	validate *validator.Validate
}

func NewHandler(g *Guard) *Handler {
	return &Handler{
		guard:    g,
		validate: validator.New(),
	}
}

// Check runs CheckAndConsume for the caller. Blocked decisions are a normal
// 200 response; only faults map to error statuses.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	decision, err := h.guard.CheckAndConsume(r.Context(), userID, req.ToolID, req.Label, req.options()...)
	if err != nil {
		api.HandleError(w, credits.AppError(err))
		return
	}

	api.JSON(w, http.StatusOK, decision)
}
