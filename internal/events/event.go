// Package events publishes storefront domain events (checkout outcomes,
// identity lifecycle) to a log, Pub/Sub or Kafka sink.
package events

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	TypeCheckoutOutcome  = "checkout.outcome"
	TypeSignedIn         = "identity.signed_in"
	TypeSignedOut        = "identity.signed_out"
	TypeAccountCreated   = "identity.account_created"
	TypeProfileUpdated   = "identity.profile_updated"
	defaultSource        = "storefront"
	attributeEventType   = "eventType"
	attributeEventSource = "source"
)

// Event is the envelope shared by every sink. Payload is marshalled as JSON.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	Key        string            `json:"key,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Payload    any               `json:"payload,omitempty"`
}

// New builds an event with a fresh id. key orders events for the same subject
// (Kafka message key, Pub/Sub ordering attribute).
func New(eventType, key string, payload any) Event {
	return Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		Source:     defaultSource,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// WithAttribute returns a copy of e carrying an extra string attribute.
func (e Event) WithAttribute(name, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	if value != "" {
		attrs[name] = value
	}
	e.Attributes = attrs
	return e
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

func attributes(event Event) map[string]string {
	attrs := make(map[string]string, len(event.Attributes)+2)
	for k, v := range event.Attributes {
		if v != "" {
			attrs[k] = v
		}
	}
	attrs[attributeEventType] = event.Type
	source := event.Source
	if source == "" {
		source = defaultSource
	}
	attrs[attributeEventSource] = source
	return attrs
}
