package apiclient

import (
	"context"
	"log/slog"
	"time"
)

// Reasons carried by an AuthEvent.
const (
	// ReasonExpired: the session ended because authentication could not be
	// recovered (refresh rejected, or a request failed again after a retry).
	ReasonExpired = "expired"

	// ReasonLogout: the session ended by an explicit Logout call.
	ReasonLogout = "logout"
)

// AuthEvent signals that the session has ended and the hosting application
// should present its unauthenticated surface. The client publishes events
// instead of forcing navigation so it stays decoupled from any particular
// host mechanism.
type AuthEvent struct {
	Reason     string    `json:"reason"`
	Subject    string    `json:"subject,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher receives session-terminating events. Publish failures are
// logged and swallowed by the client; events are advisory. See the events
// package for a watermill-backed implementation.
type EventPublisher interface {
	PublishAuthEvent(ctx context.Context, event AuthEvent) error
}

// publishAuthEvent delivers an event to an optional publisher, logging and
// swallowing failures.
func publishAuthEvent(ctx context.Context, pub EventPublisher, logger *slog.Logger, reason, subject string) {
	if pub == nil {
		return
	}
	event := AuthEvent{Reason: reason, Subject: subject, OccurredAt: time.Now()}
	if err := pub.PublishAuthEvent(ctx, event); err != nil {
		logger.Warn("auth event publish failed", "reason", reason, "err", err)
	}
}
