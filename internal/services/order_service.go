package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/payments"
	"github.com/gigconnect/api/internal/platform/textutil"
	"github.com/gigconnect/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventPaid          = "order.paid"
	orderEventDisputed      = "order.disputed"
	orderEventResolved      = "order.resolved"

	orderIDPrefix = "ord_"

	maxFreeTextLength    = 2000
	priceDecimalPlaces   = 2
	defaultPaymentStatus = "succeeded"
	defaultPaymentMethod = "stripe"
	defaultListPageSize  = 50
	maxListPageSize      = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order or gig could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the actor may not perform the operation on this order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a duplicate payment or a concurrent write that could not be applied.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: repository unavailable")
	// ErrGigNotFound narrows ErrOrderNotFound to a missing catalog entry.
	ErrGigNotFound = fmt.Errorf("%w: gig", ErrOrderNotFound)
)

// PaymentLookup retrieves gateway payment state for reconciliation.
type PaymentLookup interface {
	LookupPayment(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Gigs        repositories.GigRepository
	Payments    PaymentLookup
	// Currency a verified payment must be made in. Defaults to usd.
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Metrics     TransitionRecorder
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	*orderLifecycle
	gigs     repositories.GigRepository
	payments PaymentLookup
	currency string
	newID    func() string
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Gigs == nil {
		return nil, errors.New("order service: gig repository is required")
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultPaymentCurrency
	}

	return &orderService{
		orderLifecycle: newOrderLifecycle(deps.Orders, deps.Clock, deps.Events, deps.Metrics, deps.Logger),
		gigs:           deps.Gigs,
		payments:       deps.Payments,
		currency:       currency,
		newID:          idGen,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	buyerID := strings.TrimSpace(cmd.Actor.ID)
	if buyerID == "" {
		return Order{}, fmt.Errorf("%w: actor is required", ErrOrderInvalidInput)
	}
	if cmd.Actor.Role != domain.RoleBuyer && cmd.Actor.Role != domain.RoleAdmin {
		return Order{}, fmt.Errorf("%w: only buyers can place orders", ErrOrderForbidden)
	}
	gigID := strings.TrimSpace(cmd.GigID)
	if gigID == "" {
		return Order{}, fmt.Errorf("%w: gig id is required", ErrOrderInvalidInput)
	}
	requirements := textutil.SanitizeText(cmd.Requirements)
	if textutil.RuneLen(requirements) > maxFreeTextLength {
		return Order{}, fmt.Errorf("%w: requirements must be at most %d characters", ErrOrderInvalidInput, maxFreeTextLength)
	}

	gig, err := s.gigs.FindByID(ctx, gigID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Order{}, fmt.Errorf("%w %s", ErrGigNotFound, gigID)
		}
		return Order{}, s.mapRepositoryError(err)
	}
	if gig.SellerRef == buyerID {
		return Order{}, fmt.Errorf("%w: sellers cannot order their own gigs", ErrOrderInvalidState)
	}
	if !gig.Price.IsPositive() || gig.DeliveryTimeDays <= 0 {
		return Order{}, fmt.Errorf("%w: gig %s is not purchasable", ErrOrderInvalidState, gigID)
	}
	// Orders are charged in cents; a catalog price finer than that cannot be paid exactly.
	if !gig.Price.Equal(gig.Price.Truncate(priceDecimalPlaces)) {
		return Order{}, fmt.Errorf("%w: gig %s price %s has more than %d decimal places", ErrOrderInvalidState, gigID, gig.Price.String(), priceDecimalPlaces)
	}
	if cmd.Price != nil && !cmd.Price.Equal(gig.Price) {
		return Order{}, fmt.Errorf("%w: price %s does not match the gig price %s", ErrOrderInvalidInput, cmd.Price.String(), gig.Price.String())
	}
	if cmd.DeliveryTimeDays != nil && *cmd.DeliveryTimeDays != gig.DeliveryTimeDays {
		return Order{}, fmt.Errorf("%w: delivery time %d does not match the gig delivery time %d", ErrOrderInvalidInput, *cmd.DeliveryTimeDays, gig.DeliveryTimeDays)
	}

	now := s.now()
	order := Order{
		ID:               orderIDPrefix + s.newID(),
		GigRef:           gig.ID,
		BuyerRef:         buyerID,
		SellerRef:        gig.SellerRef,
		Price:            gig.Price,
		DeliveryTimeDays: gig.DeliveryTimeDays,
		Requirements:     requirements,
		Status:           domain.OrderStatusPending,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	recordStatusChange(&order, cmd.Actor, "", now)

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		CurrentStatus: string(order.Status),
		ActorID:       buyerID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"gigId":    order.GigRef,
			"sellerId": order.SellerRef,
			"price":    order.Price.String(),
		},
	})

	return order, nil
}

func (s *orderService) Get(ctx context.Context, actor Actor, orderID string) (Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := CanView(actor, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	// Fail fast before contacting the gateway; the transaction below re-checks.
	if err := AuthorizeTransition(cmd.Actor, order, domain.OrderStatusInProgress, TriggerPayment); err != nil {
		s.recordRejection(ctx, domain.OrderStatusInProgress, err)
		return Order{}, err
	}

	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	details := PaymentDetails{
		ExternalPaymentID: chooseFirstNonEmpty(strings.TrimSpace(cmd.PaymentID), intentID),
		Status:            chooseFirstNonEmpty(strings.TrimSpace(cmd.Status), defaultPaymentStatus),
		Method:            strings.TrimSpace(cmd.Method),
		IntentID:          intentID,
	}

	if s.payments != nil {
		if intentID == "" {
			return Order{}, fmt.Errorf("%w: paymentIntentId is required", ErrOrderInvalidInput)
		}
		method, err := s.verifyPayment(ctx, cmd.Actor, order, intentID)
		if err != nil {
			return Order{}, err
		}
		details.Status = string(payments.StatusSucceeded)
		if details.Method == "" {
			details.Method = method
		}
	}
	if details.Method == "" {
		details.Method = defaultPaymentMethod
	}

	updated, previous, err := s.transition(ctx, cmd.Actor, order.ID, domain.OrderStatusInProgress, TriggerPayment, func(o *Order, now time.Time) {
		o.IsPaid = true
		o.PaidAt = &now
		paid := details
		o.PaymentDetails = &paid
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventPaid,
		OrderID:        updated.ID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		ActorID:        cmd.Actor.ID,
		OccurredAt:     updated.UpdatedAt,
		Metadata: map[string]any{
			"paymentId": details.ExternalPaymentID,
			"intentId":  details.IntentID,
			"method":    details.Method,
		},
	})
	return updated, nil
}

// verifyPayment checks the gateway's record of the intent against the order.
// Single use of the intent across orders is enforced by the repository when
// the payment is written.
func (s *orderService) verifyPayment(ctx context.Context, actor Actor, order Order, intentID string) (string, error) {
	payment, err := s.payments.LookupPayment(ctx, payments.LookupRequest{IntentID: intentID})
	if err != nil {
		if errors.Is(err, payments.ErrIntentNotFound) {
			return "", fmt.Errorf("%w: payment intent %s not found", ErrOrderInvalidInput, intentID)
		}
		return "", fmt.Errorf("order: verify payment: %w", err)
	}
	if payment.Status != payments.StatusSucceeded {
		return "", fmt.Errorf("%w: payment %s has status %s", ErrOrderInvalidState, intentID, payment.Status)
	}
	if !strings.EqualFold(strings.TrimSpace(payment.Currency), s.currency) {
		return "", fmt.Errorf("%w: payment currency %q does not match %q", ErrOrderInvalidState, payment.Currency, s.currency)
	}
	if expected := order.PriceMinorUnits(); payment.Amount != expected {
		return "", fmt.Errorf("%w: payment amount %d does not match order price %d", ErrOrderInvalidState, payment.Amount, expected)
	}
	if ref := strings.TrimSpace(payment.Metadata["orderId"]); ref != "" && ref != notApplicable && ref != order.ID {
		return "", fmt.Errorf("%w: payment intent belongs to another order", ErrOrderInvalidState)
	}
	if actor.Role != domain.RoleAdmin && strings.TrimSpace(payment.Metadata["userId"]) != order.BuyerRef {
		return "", fmt.Errorf("%w: payment intent was not created by the buyer", ErrOrderInvalidState)
	}
	return payment.Method, nil
}

func (s *orderService) MarkDelivered(ctx context.Context, actor Actor, orderID string) (Order, error) {
	updated, _, err := s.transitionWithEvent(ctx, actor, orderID, domain.OrderStatusDelivered, TriggerDelivery, markDelivered)
	return updated, err
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	raw := strings.TrimSpace(cmd.Status)
	if raw == "" {
		return Order{}, fmt.Errorf("%w: status is required", ErrOrderInvalidInput)
	}
	target, ok := domain.ParseOrderStatus(raw)
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, raw)
	}
	if target == domain.OrderStatusDisputed {
		return Order{}, fmt.Errorf("%w: disputes must be raised with a reason", ErrOrderInvalidInput)
	}

	var apply func(*Order, time.Time)
	if target == domain.OrderStatusDelivered {
		apply = markDelivered
	}
	updated, _, err := s.transitionWithEvent(ctx, cmd.Actor, cmd.OrderID, target, TriggerStatusUpdate, apply)
	return updated, err
}

func (s *orderService) ListMine(ctx context.Context, actor Actor, page Pagination) (domain.CursorPage[Order], error) {
	id := strings.TrimSpace(actor.ID)
	if id == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: actor is required", ErrOrderInvalidInput)
	}
	return s.list(ctx, repositories.OrderListFilter{BuyerRef: id, Pagination: page})
}

func (s *orderService) ListSelling(ctx context.Context, actor Actor, page Pagination) (domain.CursorPage[Order], error) {
	id := strings.TrimSpace(actor.ID)
	if id == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: actor is required", ErrOrderInvalidInput)
	}
	if actor.Role != domain.RoleSeller && actor.Role != domain.RoleAdmin {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: not authorized to view seller orders", ErrOrderForbidden)
	}
	return s.list(ctx, repositories.OrderListFilter{SellerRef: id, Pagination: page})
}

func markDelivered(order *Order, now time.Time) {
	if order.DeliveredAt == nil {
		order.DeliveredAt = &now
	}
}

// orderLifecycle holds the transition plumbing shared by the order and dispute services.
type orderLifecycle struct {
	orders  repositories.OrderRepository
	clock   func() time.Time
	events  OrderEventPublisher
	metrics TransitionRecorder
	logger  func(context.Context, string, map[string]any)
}

func newOrderLifecycle(orders repositories.OrderRepository, clock func() time.Time, events OrderEventPublisher, metrics TransitionRecorder, logger func(context.Context, string, map[string]any)) *orderLifecycle {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	if metrics == nil {
		metrics = noopTransitionRecorder{}
	}
	return &orderLifecycle{
		orders: orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		events:  events,
		metrics: metrics,
		logger:  logger,
	}
}

func (l *orderLifecycle) load(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := l.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, l.mapRepositoryError(err)
	}
	return order, nil
}

// transition applies a policy-checked status change inside the repository's per-order
// transaction. The policy runs against the state read in that transaction, so a concurrent
// writer that won the race causes this call to fail instead of overwriting.
func (l *orderLifecycle) transition(ctx context.Context, actor Actor, orderID string, target OrderStatus, trigger TransitionTrigger, apply func(*Order, time.Time)) (Order, OrderStatus, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, "", fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := l.now()
	var previous OrderStatus
	updated, err := l.orders.Mutate(ctx, id, func(order *Order) error {
		if err := AuthorizeTransition(actor, *order, target, trigger); err != nil {
			return err
		}
		previous = order.Status
		order.Status = target
		order.UpdatedAt = now
		order.Version++
		if apply != nil {
			apply(order, now)
		}
		recordStatusChange(order, actor, previous, now)
		return nil
	})
	if err != nil {
		l.recordRejection(ctx, target, err)
		return Order{}, "", l.mapRepositoryError(err)
	}

	l.metrics.RecordTransition(ctx, previous, target)
	return updated, previous, nil
}

func (l *orderLifecycle) transitionWithEvent(ctx context.Context, actor Actor, orderID string, target OrderStatus, trigger TransitionTrigger, apply func(*Order, time.Time)) (Order, OrderStatus, error) {
	updated, previous, err := l.transition(ctx, actor, orderID, target, trigger, apply)
	if err != nil {
		return Order{}, "", err
	}
	l.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		ActorID:        actor.ID,
		OccurredAt:     updated.UpdatedAt,
	})
	return updated, previous, nil
}

func (l *orderLifecycle) list(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[Order], error) {
	filter.Pagination = normalizePagination(filter.Pagination)
	page, err := l.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, l.mapRepositoryError(err)
	}
	if page.Items == nil {
		page.Items = []Order{}
	}
	return page, nil
}

func (l *orderLifecycle) recordRejection(ctx context.Context, target OrderStatus, err error) {
	if reason := RejectionReason(err); reason != "" {
		l.metrics.RecordRejection(ctx, target, reason)
	}
}

func (l *orderLifecycle) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var denial *TransitionError
	if errors.As(err, &denial) {
		return denial
	}
	if errors.Is(err, repositories.ErrPaymentRefClaimed) {
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func (l *orderLifecycle) now() time.Time {
	return l.clock()
}

func (l *orderLifecycle) publishEvent(ctx context.Context, event OrderEvent) {
	if l.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := l.events.PublishOrderEvent(ctx, event); err != nil {
		l.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopTransitionRecorder struct{}

func (noopTransitionRecorder) RecordTransition(context.Context, OrderStatus, OrderStatus) {}

func (noopTransitionRecorder) RecordRejection(context.Context, OrderStatus, string) {}

func normalizePagination(page Pagination) Pagination {
	switch {
	case page.PageSize <= 0:
		page.PageSize = defaultListPageSize
	case page.PageSize > maxListPageSize:
		page.PageSize = maxListPageSize
	}
	page.PageToken = strings.TrimSpace(page.PageToken)
	return page
}
