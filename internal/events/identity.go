package events

import (
	"context"

	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/identity"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

// IdentityPayload is the body of identity lifecycle events.
type IdentityPayload struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Method string `json:"method,omitempty"`
}

// IdentityListener adapts publisher to identity.Manager.Subscribe. Publish
// failures are logged and never block the session change.
func IdentityListener(publisher Publisher) func(context.Context, identity.Event) {
	return func(ctx context.Context, evt identity.Event) {
		if publisher == nil || evt.Session == nil {
			return
		}
		eventType := identityEventType(evt.Kind)
		if eventType == "" {
			return
		}
		payload := IdentityPayload{UserID: evt.Session.UserID, Email: evt.Session.Email, Method: evt.Method}
		event := New(eventType, evt.Session.UserID, payload).WithAttribute("method", evt.Method)
		if err := publisher.Publish(ctx, event); err != nil {
			requestctx.Logger(ctx).Warn("identity event publish failed", zap.String("event_type", eventType), zap.Error(err))
		}
	}
}

func identityEventType(kind identity.EventKind) string {
	switch kind {
	case identity.EventSignedIn:
		return TypeSignedIn
	case identity.EventSignedOut:
		return TypeSignedOut
	case identity.EventAccountCreated:
		return TypeAccountCreated
	case identity.EventProfileUpdated:
		return TypeProfileUpdated
	default:
		return ""
	}
}
