package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/greenbasket/api/internal/domain"
)

// PubSubNotifier publishes order events to a Pub/Sub topic. Consumers (the
// realtime gateway) filter on the userId attribute so each client only
// receives events for its own orders; staff subscriptions read the topic
// unfiltered.
type PubSubNotifier struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	now     func() time.Time
}

// NewPubSubNotifier constructs a Pub/Sub backed order event notifier.
func NewPubSubNotifier(topic *pubsub.Topic) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub notifier: topic is required")
	}
	return &PubSubNotifier{
		topic:   topic,
		marshal: json.Marshal,
		now:     time.Now,
	}, nil
}

// PublishOrderEvent enqueues the event on the configured topic.
func (n *PubSubNotifier) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) (string, error) {
	if n == nil || n.topic == nil {
		return "", errors.New("pubsub notifier: not initialised")
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return "", errors.New("pubsub notifier: event order id is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = n.now().UTC()
	}

	data, err := n.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", string(event.Type))
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "userId", event.UserID)
	setAttr(attrs, "status", string(event.Status))

	result := n.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages and releases topic resources.
func (n *PubSubNotifier) Stop() {
	if n != nil && n.topic != nil {
		n.topic.Stop()
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
