// Package events provides publisher adapters for the client's session
// events, so hosting applications can subscribe with their own transport
// instead of the client forcing navigation.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/bskmt/apiclient"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "bskmt.session"

// WatermillPublisher forwards auth events to a watermill topic. Any watermill
// publisher works: gochannel for in-process subscribers, or a broker-backed
// one when several processes share the session surface.
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

var _ apiclient.EventPublisher = (*WatermillPublisher)(nil)

// NewWatermillPublisher creates an adapter publishing to topic. An empty
// topic selects DefaultTopic.
func NewWatermillPublisher(publisher message.Publisher, topic string) *WatermillPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillPublisher{publisher: publisher, topic: topic}
}

// PublishAuthEvent implements apiclient.EventPublisher.
func (p *WatermillPublisher) PublishAuthEvent(ctx context.Context, event apiclient.AuthEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal auth event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("reason", event.Reason)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("events: publish auth event: %w", err)
	}
	return nil
}
