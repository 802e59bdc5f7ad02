package nats

import "time"

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// StreamEvents holds every credit event.
const StreamEvents = "CREDITS_EVENTS"

// Subject constants.
const (
	SubjectEvents        = "credits.events.>"
	SubjectBalancePrefix = "credits.events.balance" // credits.events.balance.{user_id}
	SubjectAuditEvent    = "credits.events.audit"
)

// Audit severities.
const (
	SeverityInfo = "info"
	SeverityWarn = "warn"
)

// BalanceEvent tells displays that a user's balance changed.
type BalanceEvent struct {
	UserID        string    `json:"user_id"`
	EventType     string    `json:"event_type"`
	ToolID        string    `json:"tool_id,omitempty"`
	Amount        int64     `json:"amount"`
	Balance       int64     `json:"balance"`
	DailyUsage    int64     `json:"daily_usage"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuditEvent is published for every commit, rejection and grant.
type AuditEvent struct {
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"` // info, warn
	ToolID    string         `json:"tool_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
