package credits

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened to an account.
type EventType string

const (
	EventCommitted EventType = "consumption_committed"
	EventRejected  EventType = "consumption_rejected"
	EventGranted   EventType = "credits_granted"
)

// Event is emitted after every committed consumption, business rejection and
// grant. Balance is the account balance after the event; it is zero for
// rejections, which change nothing.
type Event struct {
	Type          EventType `json:"type"`
	UserID        string    `json:"user_id"`
	ToolID        string    `json:"tool_id,omitempty"`
	BucketKey     string    `json:"bucket_key,omitempty"`
	Amount        int64     `json:"amount"`
	Balance       int64     `json:"balance"`
	DailyUsage    int64     `json:"daily_usage"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Kind          Kind      `json:"kind,omitempty"`
	Message       string    `json:"message,omitempty"`
	At            time.Time `json:"at"`
}

// Listener receives events synchronously after the ledger write completed.
// Implementations must not block for long and handle their own errors.
type Listener interface {
	HandleEvent(ctx context.Context, e Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, e Event)

func (f ListenerFunc) HandleEvent(ctx context.Context, e Event) { f(ctx, e) }

// Hub fans events out to listeners.
type Hub struct {
	mu        sync.RWMutex
	listeners []Listener
}

// Subscribe registers l for all future events.
func (h *Hub) Subscribe(l Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

func (h *Hub) emit(ctx context.Context, e Event) {
	h.mu.RLock()
	listeners := h.listeners
	h.mu.RUnlock()

	for _, l := range listeners {
		l.HandleEvent(ctx, e)
	}
}
