package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/gigconnect/api/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic. Messages
// carry the order id as ordering key so consumers observe one order's events in sequence.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// orderEventMessage is the JSON payload written to the topic.
type orderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher and enables
// message ordering on the topic.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent sends the event and waits for the server acknowledgement.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}
	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" {
		return errors.New("pubsub order publisher: order id is required")
	}

	data, err := p.marshal(orderEventMessage{
		Type:           event.Type,
		OrderID:        orderID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", orderID)
	setAttr(attrs, "status", event.CurrentStatus)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderID,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until resumed.
		p.topic.ResumePublish(orderID)
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
