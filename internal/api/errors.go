package api

import (
	"errors"
	"net/http"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
	// Reason is a stable machine-readable code clients can switch on.
	Reason string `json:"reason,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest       = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized     = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrForbidden        = &AppError{Code: http.StatusForbidden, Message: "forbidden"}
	ErrNotFound         = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrConflict         = &AppError{Code: http.StatusConflict, Message: "conflict"}
	ErrInternalServer   = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrInvalidToken     = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrInvalidAPIKey    = &AppError{Code: http.StatusUnauthorized, Message: "invalid api key"}
	ErrValidation       = &AppError{Code: http.StatusBadRequest, Message: "validation error"}
	ErrTooManyRequests  = &AppError{Code: http.StatusTooManyRequests, Message: "too many requests"}
	ErrPaymentRequired  = &AppError{Code: http.StatusPaymentRequired, Message: "insufficient credits"}
	ErrServiceUnhealthy = &AppError{Code: http.StatusServiceUnavailable, Message: "service unavailable"}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func NewConflictError(msg string) *AppError {
	return &AppError{Code: http.StatusConflict, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONAppError(w, appErr)
		return
	}
	JSONErrorMessage(w, http.StatusInternalServerError, "internal server error")
}
