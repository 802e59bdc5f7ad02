package nats

import (
	"context"
	"log/slog"
	"time"

	"github.com/nexus-platform/credits/internal/credits"
	"github.com/nexus-platform/credits/internal/metrics"
)

const publishTimeout = 2 * time.Second

// EventPublisher is what the notifier publishes through.
type EventPublisher interface {
	PublishBalanceEvent(ctx context.Context, event BalanceEvent) error
	PublishAuditEvent(ctx context.Context, event AuditEvent) error
}

// Notifier forwards credit events to NATS. Balance changes go to the user's
// subject; every event also lands on the audit subject.
type Notifier struct {
	pub EventPublisher
}

func NewNotifier(pub EventPublisher) *Notifier {
	return &Notifier{pub: pub}
}

// HandleEvent implements credits.Listener. The ledger write has already
// committed, so publish failures are logged and never returned.
func (n *Notifier) HandleEvent(ctx context.Context, e credits.Event) {
	// the request may be cancelled right after the commit
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if e.Type != credits.EventRejected {
		err := n.pub.PublishBalanceEvent(ctx, BalanceEvent{
			UserID:        e.UserID,
			EventType:     string(e.Type),
			ToolID:        e.ToolID,
			Amount:        e.Amount,
			Balance:       e.Balance,
			DailyUsage:    e.DailyUsage,
			TransactionID: e.TransactionID,
			Timestamp:     e.At,
		})
		n.observe("balance", e, err)
	}

	err := n.pub.PublishAuditEvent(ctx, auditEventFrom(e))
	n.observe("audit", e, err)
}

func (n *Notifier) observe(kind string, e credits.Event, err error) {
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(kind, "error").Inc()
		slog.Error("publishing credit event", "kind", kind, "event_type", e.Type, "user_id", e.UserID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(kind, "ok").Inc()
}

func auditEventFrom(e credits.Event) AuditEvent {
	severity := SeverityInfo
	if e.Type == credits.EventRejected {
		severity = SeverityWarn
	}

	details := map[string]any{
		"amount":  e.Amount,
		"balance": e.Balance,
	}
	if e.BucketKey != "" {
		details["bucket_key"] = e.BucketKey
	}
	if e.TransactionID != "" {
		details["transaction_id"] = e.TransactionID
	}
	if e.Kind != credits.KindNone {
		details["kind"] = string(e.Kind)
	}
	if e.Message != "" {
		details["message"] = e.Message
	}

	return AuditEvent{
		UserID:    e.UserID,
		EventType: string(e.Type),
		Severity:  severity,
		ToolID:    e.ToolID,
		Details:   details,
		Timestamp: e.At,
	}
}
