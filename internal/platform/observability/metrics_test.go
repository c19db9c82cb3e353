package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	domain "github.com/gigconnect/api/internal/domain"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := map[string]metricdata.Sum[int64]{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func TestOrderMetricsRecordsTransitionsAndRejections(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := NewOrderMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewOrderMetrics: %v", err)
	}

	ctx := context.Background()
	metrics.RecordTransition(ctx, domain.OrderStatusPending, domain.OrderStatusInProgress)
	metrics.RecordTransition(ctx, domain.OrderStatusPending, domain.OrderStatusInProgress)
	metrics.RecordRejection(ctx, domain.OrderStatusDelivered, "payment_required")

	sums := collectSums(t, reader)

	transitions := sums["orders.transitions"]
	if len(transitions.DataPoints) != 1 {
		t.Fatalf("expected one transition series, got %d", len(transitions.DataPoints))
	}
	point := transitions.DataPoints[0]
	if point.Value != 2 {
		t.Fatalf("expected 2 transitions, got %d", point.Value)
	}
	if from, _ := point.Attributes.Value(attribute.Key("from")); from.AsString() != "Pending" {
		t.Fatalf("unexpected from attribute %v", from)
	}

	rejections := sums["orders.transition_rejections"]
	if len(rejections.DataPoints) != 1 || rejections.DataPoints[0].Value != 1 {
		t.Fatalf("unexpected rejections %+v", rejections.DataPoints)
	}
	if reason, _ := rejections.DataPoints[0].Attributes.Value(attribute.Key("reason")); reason.AsString() != "payment_required" {
		t.Fatalf("unexpected reason %v", reason)
	}
}

func TestOrderMetricsNilReceiver(t *testing.T) {
	var metrics *OrderMetrics
	metrics.RecordTransition(context.Background(), domain.OrderStatusPending, domain.OrderStatusCancelled)
	metrics.RecordRejection(context.Background(), domain.OrderStatusCancelled, "invalid_edge")
}
