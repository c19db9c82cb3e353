package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gigconnect/api/internal/services"
)

func newTestTopic(t *testing.T, ctx context.Context, srv *pstest.Server) *pubsub.Topic {
	t.Helper()
	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t.Cleanup(topic.Stop)
	return topic
}

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	publisher, err := NewPubSubOrderEventPublisher(newTestTopic(t, ctx, srv))
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	event := services.OrderEvent{
		Type:           "order.disputed",
		OrderID:        "ord_1",
		PreviousStatus: "Delivered",
		CurrentStatus:  "Disputed",
		ActorID:        "buyer-1",
		OccurredAt:     occurredAt,
		Metadata:       map[string]any{"evidenceCount": 2},
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]

	var payload orderEventMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_1" || payload.CurrentStatus != "Disputed" || payload.PreviousStatus != "Delivered" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if !payload.OccurredAt.Equal(occurredAt) {
		t.Fatalf("unexpected occurredAt %s", payload.OccurredAt)
	}
	if payload.Metadata["evidenceCount"] != float64(2) {
		t.Fatalf("unexpected metadata %v", payload.Metadata)
	}
	if msg.OrderingKey != "ord_1" {
		t.Fatalf("expected ordering key ord_1, got %q", msg.OrderingKey)
	}
	if msg.Attributes["eventType"] != "order.disputed" || msg.Attributes["status"] != "Disputed" {
		t.Fatalf("unexpected attributes %v", msg.Attributes)
	}
}

func TestPubSubOrderEventPublisherRequiresOrderID(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	publisher, err := NewPubSubOrderEventPublisher(newTestTopic(t, ctx, srv))
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}
	if err := publisher.PublishOrderEvent(ctx, services.OrderEvent{Type: "order.created"}); err == nil {
		t.Fatalf("expected error for missing order id")
	}
	if len(srv.Messages()) != 0 {
		t.Fatalf("expected no messages")
	}
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
