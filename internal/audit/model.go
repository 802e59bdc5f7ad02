package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditLog matches the audit_logs table schema.
type AuditLog struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"user_id"`
	EventType string          `json:"event_type"`
	Severity  string          `json:"severity"`
	ToolID    string          `json:"tool_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for audit log queries.
type ListParams struct {
	EventType string
	Severity  string
	ToolID    string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}
