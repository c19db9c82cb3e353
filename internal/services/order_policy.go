package services

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	domain "github.com/gigconnect/api/internal/domain"
)

// TransitionTrigger names the operation attempting a status change. An edge in the
// transition table is only reachable through the triggers listed on it.
type TransitionTrigger string

const (
	TriggerPayment      TransitionTrigger = "payment"
	TriggerDelivery     TransitionTrigger = "delivery"
	TriggerStatusUpdate TransitionTrigger = "status_update"
	TriggerDispute      TransitionTrigger = "dispute"
	TriggerResolution   TransitionTrigger = "resolution"
)

// Rejection reasons reported by TransitionError.
const (
	ReasonNotParty          = "not_party"
	ReasonPartyNotPermitted = "party_not_permitted"
	ReasonInvalidEdge       = "invalid_edge"
	ReasonPaymentRequired   = "payment_required"
	ReasonAlreadyPaid       = "already_paid"
)

type paymentRequirement int

const (
	paymentAny paymentRequirement = iota
	paymentRequired
	paymentAbsent
)

type transitionKey struct {
	from domain.OrderStatus
	to   domain.OrderStatus
}

type transitionRule struct {
	parties  []domain.Party
	payment  paymentRequirement
	triggers []TransitionTrigger
}

var (
	ownersAndAdmin = []domain.Party{domain.PartyBuyer, domain.PartySeller, domain.PartyAdmin}
	buyerAndAdmin  = []domain.Party{domain.PartyBuyer, domain.PartyAdmin}
	adminOnly      = []domain.Party{domain.PartyAdmin}
)

var orderTransitions = map[transitionKey]transitionRule{
	{domain.OrderStatusPending, domain.OrderStatusInProgress}: {
		parties:  buyerAndAdmin,
		payment:  paymentAbsent,
		triggers: []TransitionTrigger{TriggerPayment},
	},
	{domain.OrderStatusInProgress, domain.OrderStatusDelivered}: {
		parties:  ownersAndAdmin,
		payment:  paymentRequired,
		triggers: []TransitionTrigger{TriggerDelivery, TriggerStatusUpdate},
	},
	{domain.OrderStatusDelivered, domain.OrderStatusCompleted}: {
		parties:  buyerAndAdmin,
		payment:  paymentRequired,
		triggers: []TransitionTrigger{TriggerStatusUpdate},
	},
	{domain.OrderStatusPending, domain.OrderStatusCancelled}: {
		parties:  ownersAndAdmin,
		triggers: []TransitionTrigger{TriggerStatusUpdate},
	},
	{domain.OrderStatusInProgress, domain.OrderStatusCancelled}: {
		parties:  ownersAndAdmin,
		triggers: []TransitionTrigger{TriggerStatusUpdate},
	},
	{domain.OrderStatusInProgress, domain.OrderStatusDisputed}: {
		parties:  ownersAndAdmin,
		triggers: []TransitionTrigger{TriggerDispute},
	},
	{domain.OrderStatusDelivered, domain.OrderStatusDisputed}: {
		parties:  ownersAndAdmin,
		triggers: []TransitionTrigger{TriggerDispute},
	},
	{domain.OrderStatusDisputed, domain.OrderStatusCompleted}: {
		parties:  adminOnly,
		triggers: []TransitionTrigger{TriggerResolution},
	},
	{domain.OrderStatusDisputed, domain.OrderStatusCancelled}: {
		parties:  adminOnly,
		triggers: []TransitionTrigger{TriggerResolution},
	},
}

// TransitionError is the typed denial produced by the policy. It unwraps to
// ErrOrderForbidden, ErrOrderInvalidState or ErrOrderConflict.
type TransitionError struct {
	From    domain.OrderStatus
	To      domain.OrderStatus
	Party   domain.Party
	Reason  string
	Message string
	kind    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s", e.kind, e.Message)
}

func (e *TransitionError) Unwrap() error {
	return e.kind
}

func deny(kind error, order domain.Order, target domain.OrderStatus, party domain.Party, reason, message string) error {
	return &TransitionError{
		From:    order.Status,
		To:      target,
		Party:   party,
		Reason:  reason,
		Message: message,
		kind:    kind,
	}
}

// ResolveParty classifies the actor against the order. The admin role takes precedence over
// ownership; otherwise identity decides, never the role claim.
func ResolveParty(actor domain.Actor, order domain.Order) domain.Party {
	if actor.Role == domain.RoleAdmin {
		return domain.PartyAdmin
	}
	id := strings.TrimSpace(actor.ID)
	switch {
	case id == "":
		return domain.PartyNone
	case id == order.BuyerRef:
		return domain.PartyBuyer
	case id == order.SellerRef:
		return domain.PartySeller
	default:
		return domain.PartyNone
	}
}

// CanView gates read access to a single order.
func CanView(actor domain.Actor, order domain.Order) error {
	if ResolveParty(actor, order) == domain.PartyNone {
		return fmt.Errorf("%w: not authorized to view this order", ErrOrderForbidden)
	}
	return nil
}

// AuthorizeTransition evaluates the transition table for the actor. It never mutates the order.
func AuthorizeTransition(actor domain.Actor, order domain.Order, target domain.OrderStatus, trigger TransitionTrigger) error {
	party := ResolveParty(actor, order)
	if party == domain.PartyNone {
		return deny(ErrOrderForbidden, order, target, party, ReasonNotParty,
			"actor is not a party to this order")
	}
	if !partyMayTarget(party, target) {
		return deny(ErrOrderForbidden, order, target, party, ReasonPartyNotPermitted,
			fmt.Sprintf("not authorized to change order status to %s", target))
	}
	if target == domain.OrderStatusInProgress && order.IsPaid {
		return deny(ErrOrderConflict, order, target, party, ReasonAlreadyPaid, "order is already paid")
	}

	rule, ok := orderTransitions[transitionKey{from: order.Status, to: target}]
	if !ok || !slices.Contains(rule.triggers, trigger) {
		return deny(ErrOrderInvalidState, order, target, party, ReasonInvalidEdge, edgeMessage(order.Status, target))
	}
	if !slices.Contains(rule.parties, party) {
		return deny(ErrOrderForbidden, order, target, party, ReasonPartyNotPermitted,
			fmt.Sprintf("not authorized to move order from %s to %s", order.Status, target))
	}

	switch rule.payment {
	case paymentRequired:
		if !order.IsPaid {
			return deny(ErrOrderInvalidState, order, target, party, ReasonPaymentRequired,
				fmt.Sprintf("order must be paid before it can be %s", strings.ToLower(string(target))))
		}
	case paymentAbsent:
		if order.IsPaid {
			return deny(ErrOrderConflict, order, target, party, ReasonAlreadyPaid, "order is already paid")
		}
	}
	return nil
}

// RejectionReason extracts the policy reason from an error chain, if any.
func RejectionReason(err error) string {
	var denial *TransitionError
	if errors.As(err, &denial) {
		return denial.Reason
	}
	return ""
}

func partyMayTarget(party domain.Party, target domain.OrderStatus) bool {
	for key, rule := range orderTransitions {
		if key.to == target && slices.Contains(rule.parties, party) {
			return true
		}
	}
	return false
}

func edgeMessage(from, to domain.OrderStatus) string {
	switch {
	case from == to:
		return fmt.Sprintf("order is already %s", from)
	case to == domain.OrderStatusDelivered && from == domain.OrderStatusCompleted:
		return "order is already delivered or completed"
	case from.IsTerminal():
		return fmt.Sprintf("order is %s and can no longer change", from)
	default:
		return fmt.Sprintf("cannot move order from %s to %s", from, to)
	}
}
