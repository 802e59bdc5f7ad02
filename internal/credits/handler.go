package credits

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nexus-platform/credits/internal/api"
	"github.com/nexus-platform/credits/internal/auth"
	"github.com/nexus-platform/credits/internal/ledger"
)

// Handler provides HTTP handlers for credit endpoints.
type Handler struct {
	svc      *Service
	validate *validator.Validate
}

// NewHandler creates a new credits Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

// ConsumeResult is the body of a consume response. Rejections are not
// faults, so they are reported with Success false and the error kind.
type ConsumeResult struct {
	Success    bool     `json:"success"`
	NewBalance *int64   `json:"new_balance,omitempty"`
	Error      Kind     `json:"error,omitempty"`
	Message    string   `json:"message,omitempty"`
	Receipt    *Receipt `json:"receipt,omitempty"`
}

// Tools lists the price of every tool.
func (h *Handler) Tools(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, h.svc.Tools())
}

// OpenAccount creates the caller's wallet with the signup grant.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	balance, created, err := h.svc.OpenAccount(r.Context(), userID)
	if err != nil {
		api.HandleError(w, AppError(err))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.JSON(w, status, balance)
}

// Balance returns the caller's balance and daily usage.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		api.HandleError(w, AppError(err))
		return
	}

	api.JSON(w, http.StatusOK, balance)
}

// Consume charges the caller for one tool use.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	req.UserID = userID
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	receipt, err := h.svc.Consume(r.Context(), req)
	if err != nil {
		kind := KindOf(err)
		if !kind.Rejection() {
			api.HandleError(w, AppError(err))
			return
		}
		api.JSON(w, AppError(err).Code, ConsumeResult{
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
	api.JSON(w, status, ConsumeResult{
		Success:    true,
		NewBalance: &receipt.NewBalance,
		Receipt:    receipt,
	})
}

// Transactions returns the caller's ledger, newest first.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	params := parseListParams(r)

	txs, total, err := h.svc.Transactions(r.Context(), userID, params)
	if err != nil {
		api.HandleError(w, AppError(err))
		return
	}

	api.JSONPaginated(w, http.StatusOK, txs, total, params.Page, params.PageSize)
}

// Grant adds credits to any account. Mounted behind the admin key.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	balance, err := h.svc.Grant(r.Context(), req)
	if err != nil {
		api.HandleError(w, AppError(err))
		return
	}

	api.JSON(w, http.StatusOK, balance)
}

// AppError maps a service error onto the HTTP error it is reported as.
// Internal failures get a generic message.
func AppError(err error) *api.AppError {
	var appErr *api.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	kind := KindOf(err)
	e := &api.AppError{Message: err.Error(), Reason: string(kind)}
	switch kind {
	case KindUnknownTool, KindAccountNotFound:
		e.Code = http.StatusNotFound
	case KindInsufficientFunds:
		e.Code = http.StatusPaymentRequired
	case KindDailyLimitExceeded, KindRateLimited:
		e.Code = http.StatusTooManyRequests
	case KindInvalidRequest:
		e.Code = http.StatusBadRequest
	case KindCommitFailed, KindIdempotencyReused:
		e.Code = http.StatusConflict
	default:
		e.Code = http.StatusInternalServerError
		e.Message = api.ErrInternalServer.Message
	}
	return e
}

func parseListParams(r *http.Request) ledger.ListParams {
	params := ledger.DefaultListParams()

	if tool := r.URL.Query().Get("tool_id"); tool != "" {
		params.ToolID = tool
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params
}
