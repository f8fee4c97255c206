package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubPublisher publishes events to a Pub/Sub topic.
type PubSubPublisher struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPublisher dials Pub/Sub for projectID and publishes to topicID.
// The topic must already exist.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubPublisher, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.New("pubsub publisher: project id is required")
	}
	if strings.TrimSpace(topicID) == "" {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher: new client: %w", err)
	}
	publisher, err := NewPubSubPublisherFromTopic(client.Topic(topicID))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	publisher.client = client
	return publisher, nil
}

// NewPubSubPublisherFromTopic wraps an existing topic handle. Close stops the
// topic but leaves the client to its owner.
func NewPubSubPublisherFromTopic(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic, marshal: json.Marshal}, nil
}

// Publish blocks until the server acknowledges the message.
func (p *PubSubPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub publisher: not initialised")
	}
	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	attrs := attributes(event)
	if event.Key != "" {
		attrs["key"] = event.Key
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (p *PubSubPublisher) Close() error {
	if p == nil || p.topic == nil {
		return nil
	}
	p.topic.Stop()
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
