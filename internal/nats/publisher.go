package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishBalanceEvent publishes on the user's own balance subject.
func (p *Publisher) PublishBalanceEvent(ctx context.Context, event BalanceEvent) error {
	return p.publish(ctx, BalanceSubject(event.UserID), event)
}

func (p *Publisher) PublishAuditEvent(ctx context.Context, event AuditEvent) error {
	return p.publish(ctx, SubjectAuditEvent, event)
}

// BalanceSubject is the subject a display subscribes to for userID.
func BalanceSubject(userID string) string {
	return fmt.Sprintf("%s.%s", SubjectBalancePrefix, userID)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
