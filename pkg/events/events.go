// Package events publishes intent lifecycle events after their transaction commits.
// Delivery is best effort. The audit log stays the record of truth.
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

const (
	TypeIntentCreated     = "intent.created"
	TypeIntentTransition  = "intent.transition"
	TypeKnowledgeFlushed  = "kb.invalidated"
	TypeExecutionReported = "intent.execution_reported"
)

type Event struct {
	Type     string          `json:"type"`
	TenantID string          `json:"tenantId,omitempty"`
	IntentID string          `json:"intentId,omitempty"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Actor    string          `json:"actor,omitempty"`
	At       string          `json:"at"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

type Emitter interface {
	Emit(ctx context.Context, e Event)
}

type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Printf("event marshal failed: %v", err)
		return
	}
	log.Printf("intent event: %s", b)
}

// Multi fans one event out to every emitter in order.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}
