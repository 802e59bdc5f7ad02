package reservation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/nexus-platform/credits/internal/api"
	"github.com/nexus-platform/credits/internal/auth"
	"github.com/nexus-platform/credits/internal/credits"
)

// CommitRequest is the body of POST /credits/quotes/commit.
type CommitRequest struct {
	Token       string `json:"token" validate:"required"`
	Description string `json:"description,omitempty" validate:"max=256"`
}

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

// CreateQuote prices a reservation for the caller.
func (h *Handler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	quote, err := h.svc.Quote(r.Context(), userID, req)
	if err != nil {
		api.HandleError(w, credits.AppError(err))
		return
	}

	api.JSON(w, http.StatusCreated, quote)
}

// CommitQuote charges a confirmed quote. Business rejections use the same
// body as a direct consume.
func (h *Handler) CommitQuote(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	receipt, err := h.svc.Commit(r.Context(), userID, req.Token, req.Description)
	switch {
	case errors.Is(err, ErrQuoteExpired):
		api.HandleError(w, &api.AppError{Code: http.StatusGone, Message: err.Error(), Reason: "quote_expired"})
		return
	case errors.Is(err, ErrQuoteInvalid):
		api.HandleError(w, &api.AppError{Code: http.StatusBadRequest, Message: err.Error(), Reason: "quote_invalid"})
		return
	case err != nil:
		kind := credits.KindOf(err)
		if !kind.Rejection() {
			api.HandleError(w, credits.AppError(err))
			return
		}
		api.JSON(w, credits.AppError(err).Code, credits.ConsumeResult{
			Success: false,
			Error:   kind,
			Message: err.Error(),
		})
		return
	}

	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	api.JSON(w, status, credits.ConsumeResult{
		Success:    true,
		NewBalance: &receipt.NewBalance,
		Receipt:    receipt,
	})
}
