package audit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nexus-platform/credits/internal/api"
	"github.com/nexus-platform/credits/internal/auth"
)

// Lister reads a user's audit trail.
type Lister interface {
	ListByUser(ctx context.Context, userID string, params ListParams) ([]AuditLog, int64, error)
}

// Handler provides HTTP handlers for audit endpoints.
type Handler struct {
	logs Lister
}

func NewHandler(logs Lister) *Handler {
	return &Handler{logs: logs}
}

// List returns paginated audit logs for the authenticated user.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	params := parseListParams(r)

	logs, total, err := h.logs.ListByUser(r.Context(), userID, params)
	if err != nil {
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

func parseListParams(r *http.Request) ListParams {
	params := DefaultListParams()
	q := r.URL.Query()

	params.EventType = q.Get("event_type")
	params.Severity = q.Get("severity")
	params.ToolID = q.Get("tool_id")

	if p := q.Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := q.Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params
}
