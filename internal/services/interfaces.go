package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/gigconnect/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	PaymentDetails     = domain.PaymentDetails
	EvidenceRef        = domain.EvidenceRef
	Gig                = domain.Gig
	Actor              = domain.Actor
	Role               = domain.Role
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService drives the order lifecycle state machine.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Get(ctx context.Context, actor Actor, orderID string) (Order, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	MarkDelivered(ctx context.Context, actor Actor, orderID string) (Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	ListMine(ctx context.Context, actor Actor, page Pagination) (domain.CursorPage[Order], error)
	ListSelling(ctx context.Context, actor Actor, page Pagination) (domain.CursorPage[Order], error)
}

// DisputeService captures disputes and administrator resolutions.
type DisputeService interface {
	RaiseDispute(ctx context.Context, cmd RaiseDisputeCommand) (DisputeResult, error)
	ListDisputed(ctx context.Context, actor Actor, page Pagination) (domain.CursorPage[Order], error)
	Resolve(ctx context.Context, cmd ResolveDisputeCommand) (Order, error)
}

// PaymentService bootstraps client-side payment confirmation.
type PaymentService interface {
	PublishableKey() string
	CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntent, error)
}

// SystemService aggregates utility endpoints (health checks).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CreateOrderCommand carries the buyer's order request. Price and DeliveryTimeDays are optional
// expectations that must agree with the catalog when supplied.
type CreateOrderCommand struct {
	Actor            Actor
	GigID            string
	Requirements     string
	Price            *decimal.Decimal
	DeliveryTimeDays *int
}

// ConfirmPaymentCommand records a client-confirmed payment against an order.
type ConfirmPaymentCommand struct {
	Actor           Actor
	OrderID         string
	PaymentID       string
	Status          string
	Method          string
	PaymentIntentID string
}

// UpdateOrderStatusCommand requests a generic status transition.
type UpdateOrderStatusCommand struct {
	Actor   Actor
	OrderID string
	Status  string
}

// EvidenceFile is a raw evidence payload supplied with a dispute.
type EvidenceFile struct {
	FileName    string
	ContentType string
	Data        []byte
}

// RaiseDisputeCommand freezes an order pending administrator arbitration.
type RaiseDisputeCommand struct {
	Actor    Actor
	OrderID  string
	Reason   string
	Evidence []EvidenceFile
}

// EvidenceFailure reports an evidence file that could not be stored.
type EvidenceFailure struct {
	Index    int
	FileName string
	Reason   string
}

// DisputeResult is the partial-success outcome of raising a dispute.
type DisputeResult struct {
	Order    Order
	Uploaded []EvidenceRef
	Failed   []EvidenceFailure
}

// ResolveDisputeCommand is an administrator decision on a disputed order.
type ResolveDisputeCommand struct {
	Actor     Actor
	OrderID   string
	NewStatus string
}

// CreatePaymentIntentCommand requests a client-confirmable payment intent. Amount is in minor units.
type CreatePaymentIntentCommand struct {
	Actor       Actor
	Amount      *int64
	Currency    string
	OrderID     string
	GigID       string
	Description string
}

// PaymentIntent is what the client needs to confirm a payment.
type PaymentIntent struct {
	ClientSecret    string
	PaymentIntentID string
	Amount          int64
	Currency        string
}

// EvidenceUploader stores dispute evidence in the asset store.
type EvidenceUploader interface {
	UploadEvidence(ctx context.Context, orderID string, file EvidenceFile) (EvidenceRef, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// TransitionRecorder observes applied and rejected transitions.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, from, to OrderStatus)
	RecordRejection(ctx context.Context, target OrderStatus, reason string)
}
