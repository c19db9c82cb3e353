package firestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/gigconnect/api/internal/domain"
	pfirestore "github.com/gigconnect/api/internal/platform/firestore"
	"github.com/gigconnect/api/internal/platform/pagination"
	"github.com/gigconnect/api/internal/repositories"
)

const (
	ordersCollection        = "orders"
	paymentClaimsCollection = "payment_intents"
	defaultOrderPageSize    = 50
)

// OrderRepository persists orders in Firestore. Every status change goes through Mutate,
// which runs a read-modify-write transaction on the order document. A payment reference
// is claimed in payment_intents/{ref} within the same transaction.
type OrderRepository struct {
	docs   *pfirestore.Collection[orderDocument]
	claims *pfirestore.Collection[paymentClaimDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	return &OrderRepository{
		docs:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		claims: pfirestore.NewCollection[paymentClaimDocument](provider, paymentClaimsCollection),
	}, nil
}

// Insert creates the order document; an existing id is reported as a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.docs == nil {
		return errors.New("order repository not initialised")
	}
	return r.docs.Create(ctx, order.ID, newOrderDocument(order))
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.docs == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.docs.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

// Mutate applies fn to the stored order inside a transaction. When the document
// changes underneath, Firestore retries and fn sees the fresh state. Errors
// returned by fn are passed through untouched.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	if r == nil || r.docs == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutation is required")
	}
	id := strings.TrimSpace(orderID)

	var updated domain.Order
	_, err := r.docs.TransformTx(ctx, id, func(ctx context.Context, tx *firestore.Transaction, doc *orderDocument) error {
		order, err := doc.toDomain(id)
		if err != nil {
			return err
		}
		held := order.PaymentDetails.PaymentRef()
		if err := fn(&order); err != nil {
			return err
		}
		if ref := order.PaymentDetails.PaymentRef(); ref != "" && ref != held {
			if err := r.claimPayment(ctx, tx, ref, id, order.UpdatedAt); err != nil {
				return err
			}
		}
		order.ID = id
		*doc = newOrderDocument(order)
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func (r *OrderRepository) claimPayment(ctx context.Context, tx *firestore.Transaction, ref, orderID string, at time.Time) error {
	claimID := url.PathEscape(ref)
	claim, found, err := r.claims.GetTx(ctx, tx, claimID)
	if err != nil {
		return err
	}
	if found {
		if claim.Data.OrderID == orderID {
			return nil
		}
		return fmt.Errorf("%w: %s settled order %s", repositories.ErrPaymentRefClaimed, ref, claim.Data.OrderID)
	}
	return r.claims.CreateTx(ctx, tx, claimID, paymentClaimDocument{OrderID: orderID, PaymentRef: ref, ClaimedAt: at.UTC()})
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.docs == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}

	var (
		startAfter []any
		err        error
	)
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		createdAt, lastID, err := decodeOrderCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		startAfter = []any{createdAt, lastID}
	}

	docs, more, err := r.docs.Page(ctx, pageSize, func(query firestore.Query) firestore.Query {
		if buyer := strings.TrimSpace(filter.BuyerRef); buyer != "" {
			query = query.Where("buyerRef", "==", buyer)
		}
		if seller := strings.TrimSpace(filter.SellerRef); seller != "" {
			query = query.Where("sellerRef", "==", seller)
		}
		if filter.Status != "" {
			query = query.Where("status", "==", string(filter.Status))
		}
		query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if startAfter != nil {
			query = query.StartAfter(startAfter...)
		}
		return query
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		orders = append(orders, order)
	}

	var next string
	if more && len(orders) > 0 {
		last := orders[len(orders)-1]
		next, err = encodeOrderCursor(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
	}
	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: next}, nil
}

func encodeOrderCursor(createdAt time.Time, id string) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), id},
	})
}

func decodeOrderCursor(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}
	rawTime, okTime := cursor.StartAfter[0].(string)
	id, okID := cursor.StartAfter[1].(string)
	if !okTime || !okID || strings.TrimSpace(id) == "" {
		return time.Time{}, "", fmt.Errorf("%w: unexpected cursor values", pagination.ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	return createdAt, id, nil
}

type orderDocument struct {
	GigRef           string                  `firestore:"gigRef"`
	BuyerRef         string                  `firestore:"buyerRef"`
	SellerRef        string                  `firestore:"sellerRef"`
	Price            string                  `firestore:"price"`
	PriceMinor       int64                   `firestore:"priceMinor"`
	DeliveryTimeDays int                     `firestore:"deliveryTimeDays"`
	Requirements     string                  `firestore:"requirements,omitempty"`
	Status           string                  `firestore:"status"`
	IsPaid           bool                    `firestore:"isPaid"`
	PaidAt           *time.Time              `firestore:"paidAt,omitempty"`
	DeliveredAt      *time.Time              `firestore:"deliveredAt,omitempty"`
	PaymentDetails   *paymentDetailsDocument `firestore:"paymentDetails,omitempty"`
	DisputeReason    string                  `firestore:"disputeReason,omitempty"`
	DisputeEvidence  []evidenceDocument      `firestore:"disputeEvidence,omitempty"`
	History          []statusChangeDocument  `firestore:"history,omitempty"`
	Version          int64                   `firestore:"version"`
	CreatedAt        time.Time               `firestore:"createdAt"`
	UpdatedAt        time.Time               `firestore:"updatedAt"`
}

type paymentDetailsDocument struct {
	ExternalPaymentID string `firestore:"paymentId"`
	Status            string `firestore:"status"`
	Method            string `firestore:"method"`
	IntentID          string `firestore:"intentId,omitempty"`
}

type statusChangeDocument struct {
	From    string    `firestore:"from,omitempty"`
	To      string    `firestore:"to"`
	ActorID string    `firestore:"actorId"`
	Party   string    `firestore:"party"`
	At      time.Time `firestore:"at"`
}

type paymentClaimDocument struct {
	OrderID    string    `firestore:"orderId"`
	PaymentRef string    `firestore:"paymentRef"`
	ClaimedAt  time.Time `firestore:"claimedAt"`
}

type evidenceDocument struct {
	AssetID string `firestore:"assetId"`
	URL     string `firestore:"url"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		GigRef:           strings.TrimSpace(order.GigRef),
		BuyerRef:         strings.TrimSpace(order.BuyerRef),
		SellerRef:        strings.TrimSpace(order.SellerRef),
		Price:            order.Price.StringFixed(2),
		PriceMinor:       order.PriceMinorUnits(),
		DeliveryTimeDays: order.DeliveryTimeDays,
		Requirements:     order.Requirements,
		Status:           string(order.Status),
		IsPaid:           order.IsPaid,
		PaidAt:           utcPtr(order.PaidAt),
		DeliveredAt:      utcPtr(order.DeliveredAt),
		DisputeReason:    order.DisputeReason,
		Version:          order.Version,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
	}
	if order.PaymentDetails != nil {
		doc.PaymentDetails = &paymentDetailsDocument{
			ExternalPaymentID: order.PaymentDetails.ExternalPaymentID,
			Status:            order.PaymentDetails.Status,
			Method:            order.PaymentDetails.Method,
			IntentID:          order.PaymentDetails.IntentID,
		}
	}
	if len(order.DisputeEvidence) > 0 {
		doc.DisputeEvidence = make([]evidenceDocument, len(order.DisputeEvidence))
		for i, ref := range order.DisputeEvidence {
			doc.DisputeEvidence[i] = evidenceDocument{AssetID: ref.AssetID, URL: ref.URL}
		}
	}
	if len(order.History) > 0 {
		doc.History = make([]statusChangeDocument, len(order.History))
		for i, change := range order.History {
			doc.History[i] = statusChangeDocument{
				From:    string(change.From),
				To:      string(change.To),
				ActorID: change.ActorID,
				Party:   change.Party.String(),
				At:      change.At.UTC(),
			}
		}
	}
	return doc
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(d.Price))
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s price: %w", id, err)
	}
	status, ok := domain.ParseOrderStatus(d.Status)
	if !ok {
		return domain.Order{}, fmt.Errorf("decode order %s: unknown status %q", id, d.Status)
	}

	order := domain.Order{
		ID:               id,
		GigRef:           d.GigRef,
		BuyerRef:         d.BuyerRef,
		SellerRef:        d.SellerRef,
		Price:            price,
		DeliveryTimeDays: d.DeliveryTimeDays,
		Requirements:     d.Requirements,
		Status:           status,
		IsPaid:           d.IsPaid,
		PaidAt:           d.PaidAt,
		DeliveredAt:      d.DeliveredAt,
		DisputeReason:    d.DisputeReason,
		Version:          d.Version,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	if d.PaymentDetails != nil {
		order.PaymentDetails = &domain.PaymentDetails{
			ExternalPaymentID: d.PaymentDetails.ExternalPaymentID,
			Status:            d.PaymentDetails.Status,
			Method:            d.PaymentDetails.Method,
			IntentID:          d.PaymentDetails.IntentID,
		}
	}
	order.DisputeEvidence = make([]domain.EvidenceRef, len(d.DisputeEvidence))
	for i, ref := range d.DisputeEvidence {
		order.DisputeEvidence[i] = domain.EvidenceRef{AssetID: ref.AssetID, URL: ref.URL}
	}
	for _, change := range d.History {
		order.History = append(order.History, domain.StatusChange{
			From:    domain.OrderStatus(change.From),
			To:      domain.OrderStatus(change.To),
			ActorID: change.ActorID,
			Party:   domain.ParseParty(change.Party),
			At:      change.At,
		})
	}
	return order, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
