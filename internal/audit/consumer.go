package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/nexus-platform/credits/internal/nats"
)

const consumerName = "credits-audit-persister"

// Inserter persists audit logs.
type Inserter interface {
	Insert(ctx context.Context, log *AuditLog) error
}

// Consumer listens on the audit event NATS subject and persists entries to the database.
type Consumer struct {
	repo        Inserter
	consumerMgr *inats.ConsumerManager
}

func NewConsumer(repo Inserter, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		repo:        repo,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamEvents, consumerName, inats.SubjectAuditEvent)
	if err != nil {
		return err
	}

	slog.Info("audit consumer started", "consumer", consumerName)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	var event inats.AuditEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		// redelivery cannot fix a malformed payload
		slog.Error("audit consumer: unmarshaling event", "error", err)
		_ = msg.Term()
		return
	}

	log := logFromEvent(event)
	if err := c.repo.Insert(ctx, log); err != nil {
		slog.Error("audit consumer: persisting audit log", "error", err, "event_type", event.EventType)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("audit consumer: persisted event",
		"event_type", event.EventType,
		"user_id", event.UserID,
		"tool_id", event.ToolID,
	)
}

func logFromEvent(event inats.AuditEvent) *AuditLog {
	log := &AuditLog{
		ID:        uuid.New(),
		UserID:    event.UserID,
		EventType: event.EventType,
		Severity:  event.Severity,
		ToolID:    event.ToolID,
		CreatedAt: event.Timestamp,
	}
	if log.Severity == "" {
		log.Severity = inats.SeverityInfo
	}

	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	if data, err := json.Marshal(details); err == nil {
		log.Details = data
	}

	return log
}
