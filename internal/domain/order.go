package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusInProgress OrderStatus = "InProgress"
	OrderStatusDelivered  OrderStatus = "Delivered"
	OrderStatusCompleted  OrderStatus = "Completed"
	OrderStatusCancelled  OrderStatus = "Cancelled"
	OrderStatusDisputed   OrderStatus = "Disputed"
)

// OrderStatuses lists every known status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusInProgress,
	OrderStatusDelivered,
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusDisputed,
}

// ParseOrderStatus matches the wire representation exactly; statuses are case sensitive.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	candidate := OrderStatus(strings.TrimSpace(raw))
	for _, status := range OrderStatuses {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions leave the status in normal flow.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Role is the marketplace role carried by the identity token.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// ParseRole normalises a role claim. Unknown roles are rejected rather than mapped to a default.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleBuyer:
		return RoleBuyer, true
	case RoleSeller:
		return RoleSeller, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Party describes how an actor relates to a specific order.
type Party int

const (
	PartyNone Party = iota
	PartyBuyer
	PartySeller
	PartyAdmin
)

// ParseParty is the inverse of Party.String. Unknown values map to PartyNone.
func ParseParty(raw string) Party {
	switch strings.TrimSpace(raw) {
	case "buyer":
		return PartyBuyer
	case "seller":
		return PartySeller
	case "admin":
		return PartyAdmin
	default:
		return PartyNone
	}
}

func (p Party) String() string {
	switch p {
	case PartyBuyer:
		return "buyer"
	case PartySeller:
		return "seller"
	case PartyAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Actor identifies the authenticated caller of an order operation.
type Actor struct {
	ID   string
	Role Role
}

// Order is a buyer's purchase of a gig.
type Order struct {
	ID               string
	GigRef           string
	BuyerRef         string
	SellerRef        string
	Price            decimal.Decimal
	DeliveryTimeDays int
	Requirements     string
	Status           OrderStatus
	IsPaid           bool
	PaidAt           *time.Time
	DeliveredAt      *time.Time
	PaymentDetails   *PaymentDetails
	DisputeReason    string
	DisputeEvidence  []EvidenceRef
	History          []StatusChange
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PriceMinorUnits converts the order price to the smallest currency unit, rounding half away from zero.
func (o Order) PriceMinorUnits() int64 {
	return MinorUnits(o.Price)
}

// PaymentDetails records the gateway outcome captured at payment confirmation.
type PaymentDetails struct {
	ExternalPaymentID string
	Status            string
	Method            string
	IntentID          string
}

// PaymentRef is the gateway reference that settles the order: the intent id
// when known, otherwise the payment id. One reference settles at most one order.
func (d *PaymentDetails) PaymentRef() string {
	if d == nil {
		return ""
	}
	if id := strings.TrimSpace(d.IntentID); id != "" {
		return id
	}
	return strings.TrimSpace(d.ExternalPaymentID)
}

// StatusChange is one entry of an order's status history. From is empty for
// the entry written when the order is placed.
type StatusChange struct {
	From    OrderStatus
	To      OrderStatus
	ActorID string
	Party   Party
	At      time.Time
}

// EvidenceRef points at a dispute evidence object in the asset store.
type EvidenceRef struct {
	AssetID string
	URL     string
}

// Gig is the catalog snapshot an order is created from.
type Gig struct {
	ID               string
	SellerRef        string
	Title            string
	Price            decimal.Decimal
	DeliveryTimeDays int
}

var hundred = decimal.NewFromInt(100)

// MinorUnits converts a major-unit amount into cents.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}
