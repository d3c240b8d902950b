// Package pubsub publishes article events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Message attributes set on every event.
const (
	EventAttribute       = "event"
	ContentTypeAttribute = "content_type"
)

// Publisher sends every event to one Pub/Sub topic; the event name rides as
// an attribute so subscribers can filter on it.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Publisher
}

// Dial opens a client for projectID bound to topic.
func Dial(ctx context.Context, projectID, topic string) (*Publisher, error) {
	if projectID == "" || topic == "" {
		return nil, errors.New("publisher.project_id and publisher.topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client for %s: %w", projectID, err)
	}
	return &Publisher{client: client, topic: client.Publisher(topic)}, nil
}

// New wraps an existing topic publisher. The caller keeps ownership of its client.
func New(topic *pubsub.Publisher) *Publisher {
	return &Publisher{topic: topic}
}

// Publish sends payload as JSON and blocks until the server assigns an id.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	if p.topic == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	msg, err := encode(ctx, event, payload)
	if err != nil {
		return "", err
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s event: %w", event, err)
	}
	return id, nil
}

// Close flushes buffered messages, then releases the client if Dial opened it.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// encode builds the wire message and injects the caller's trace context into
// its attributes.
func encode(ctx context.Context, event string, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event, err)
	}
	attrs := propagation.MapCarrier{ContentTypeAttribute: "application/json"}
	if event != "" {
		attrs[EventAttribute] = event
	}
	otel.GetTextMapPropagator().Inject(ctx, attrs)
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}
