package repositories

import (
	"context"
	"errors"

	domain "github.com/gigconnect/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ErrPaymentRefClaimed reports that a payment reference already settled another order.
var ErrPaymentRefClaimed = errors.New("repositories: payment reference already settled another order")

// OrderMutation edits an order read inside a transaction. Returning an error aborts the
// transaction without writing. Implementations may invoke the mutation more than once when
// the transaction retries, so it must not carry side effects beyond the supplied order.
type OrderMutation func(order *domain.Order) error

// OrderRepository is the sole owner of order documents.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// Mutate serialises read-modify-write cycles per order and returns the persisted result.
	// When the mutation gives the order a payment reference it did not hold before,
	// the reference is claimed in the same write; a reference held by another order
	// fails with ErrPaymentRefClaimed and nothing is written.
	Mutate(ctx context.Context, orderID string, fn OrderMutation) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// GigRepository reads gig snapshots from the catalog.
type GigRepository interface {
	FindByID(ctx context.Context, gigID string) (domain.Gig, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings. Empty fields are ignored; at least one is expected.
type OrderListFilter struct {
	BuyerRef   string
	SellerRef  string
	Status     domain.OrderStatus
	Pagination domain.Pagination
}
