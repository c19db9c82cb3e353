package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gigconnect/api/internal/services"
)

const orderMeterName = "github.com/gigconnect/api/internal/services/orders"

// OrderMetrics counts applied and rejected order status transitions.
type OrderMetrics struct {
	transitions metric.Int64Counter
	rejections  metric.Int64Counter
}

var _ services.TransitionRecorder = (*OrderMetrics)(nil)

// NewOrderMetrics registers the order counters on meter, or on the global provider when nil.
func NewOrderMetrics(meter metric.Meter) (*OrderMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(orderMeterName)
	}
	transitions, err := meter.Int64Counter("orders.transitions",
		metric.WithDescription("Order status transitions applied"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register orders.transitions: %w", err)
	}
	rejections, err := meter.Int64Counter("orders.transition_rejections",
		metric.WithDescription("Order status transitions refused by policy"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register orders.transition_rejections: %w", err)
	}
	return &OrderMetrics{transitions: transitions, rejections: rejections}, nil
}

func (m *OrderMetrics) RecordTransition(ctx context.Context, from, to services.OrderStatus) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *OrderMetrics) RecordRejection(ctx context.Context, target services.OrderStatus, reason string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", string(target)),
		attribute.String("reason", reason),
	))
}
