package services

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/gigconnect/api/internal/domain"
)

var policyActors = map[domain.Party]domain.Actor{
	domain.PartyNone:   {ID: "stranger", Role: domain.RoleBuyer},
	domain.PartyBuyer:  {ID: "buyer-1", Role: domain.RoleBuyer},
	domain.PartySeller: {ID: "seller-1", Role: domain.RoleSeller},
	domain.PartyAdmin:  {ID: "admin-1", Role: domain.RoleAdmin},
}

var allTriggers = []TransitionTrigger{
	TriggerPayment,
	TriggerDelivery,
	TriggerStatusUpdate,
	TriggerDispute,
	TriggerResolution,
}

// allowedTransitions spells out every permitted combination as
// "from>to party paid trigger". "any" in the paid column expands to both values.
var allowedTransitions = []string{
	"Pending>InProgress buyer unpaid payment",
	"Pending>InProgress admin unpaid payment",

	"InProgress>Delivered buyer paid delivery",
	"InProgress>Delivered seller paid delivery",
	"InProgress>Delivered admin paid delivery",
	"InProgress>Delivered buyer paid status_update",
	"InProgress>Delivered seller paid status_update",
	"InProgress>Delivered admin paid status_update",

	"Delivered>Completed buyer paid status_update",
	"Delivered>Completed admin paid status_update",

	"Pending>Cancelled buyer any status_update",
	"Pending>Cancelled seller any status_update",
	"Pending>Cancelled admin any status_update",
	"InProgress>Cancelled buyer any status_update",
	"InProgress>Cancelled seller any status_update",
	"InProgress>Cancelled admin any status_update",

	"InProgress>Disputed buyer any dispute",
	"InProgress>Disputed seller any dispute",
	"InProgress>Disputed admin any dispute",
	"Delivered>Disputed buyer any dispute",
	"Delivered>Disputed seller any dispute",
	"Delivered>Disputed admin any dispute",

	"Disputed>Completed admin any resolution",
	"Disputed>Cancelled admin any resolution",
}

func expandAllowedTransitions(t *testing.T) map[string]bool {
	t.Helper()
	set := make(map[string]bool)
	for _, row := range allowedTransitions {
		fields := strings.Fields(row)
		if len(fields) != 4 {
			t.Fatalf("malformed row %q", row)
		}
		paid := []string{fields[2]}
		if fields[2] == "any" {
			paid = []string{"paid", "unpaid"}
		}
		for _, p := range paid {
			set[strings.Join([]string{fields[0], fields[1], p, fields[3]}, " ")] = true
		}
	}
	return set
}

func policyOrder(status domain.OrderStatus, paid bool) domain.Order {
	return domain.Order{
		ID:        "ord_policy",
		BuyerRef:  "buyer-1",
		SellerRef: "seller-1",
		Price:     decimal.RequireFromString("40"),
		Status:    status,
		IsPaid:    paid,
	}
}

func TestAuthorizeTransitionMatchesAllowedSet(t *testing.T) {
	allowed := expandAllowedTransitions(t)
	parties := []domain.Party{domain.PartyNone, domain.PartyBuyer, domain.PartySeller, domain.PartyAdmin}

	permitted := 0
	for _, from := range domain.OrderStatuses {
		for _, to := range domain.OrderStatuses {
			for _, party := range parties {
				for _, paid := range []bool{false, true} {
					for _, trigger := range allTriggers {
						paidLabel := "unpaid"
						if paid {
							paidLabel = "paid"
						}
						key := fmt.Sprintf("%s>%s %s %s %s", from, to, party, paidLabel, trigger)
						err := AuthorizeTransition(policyActors[party], policyOrder(from, paid), to, trigger)

						if allowed[key] {
							permitted++
							if err != nil {
								t.Errorf("%s: expected allowed, got %v", key, err)
							}
							continue
						}
						if err == nil {
							t.Errorf("%s: expected denial", key)
							continue
						}
						var denial *TransitionError
						if !errors.As(err, &denial) {
							t.Errorf("%s: expected TransitionError, got %T", key, err)
							continue
						}
						if !errors.Is(err, ErrOrderForbidden) && !errors.Is(err, ErrOrderInvalidState) && !errors.Is(err, ErrOrderConflict) {
							t.Errorf("%s: unexpected error kind %v", key, err)
						}
						if denial.From != from || denial.To != to {
							t.Errorf("%s: denial reports %s>%s", key, denial.From, denial.To)
						}
					}
				}
			}
		}
	}
	if permitted != len(allowed) {
		t.Fatalf("expected %d permitted combinations, counted %d", len(allowed), permitted)
	}
}

func TestAuthorizeTransitionErrorKinds(t *testing.T) {
	buyer := policyActors[domain.PartyBuyer]
	seller := policyActors[domain.PartySeller]
	admin := policyActors[domain.PartyAdmin]
	stranger := policyActors[domain.PartyNone]

	tests := []struct {
		name    string
		actor   domain.Actor
		order   domain.Order
		target  domain.OrderStatus
		trigger TransitionTrigger
		want    error
		reason  string
	}{
		{"stranger", stranger, policyOrder(domain.OrderStatusInProgress, true), domain.OrderStatusCancelled, TriggerStatusUpdate, ErrOrderForbidden, ReasonNotParty},
		{"seller completes", seller, policyOrder(domain.OrderStatusDelivered, true), domain.OrderStatusCompleted, TriggerStatusUpdate, ErrOrderForbidden, ReasonPartyNotPermitted},
		{"seller pays", seller, policyOrder(domain.OrderStatusPending, false), domain.OrderStatusInProgress, TriggerPayment, ErrOrderForbidden, ReasonPartyNotPermitted},
		{"buyer resolves", buyer, policyOrder(domain.OrderStatusDisputed, true), domain.OrderStatusCompleted, TriggerResolution, ErrOrderForbidden, ReasonPartyNotPermitted},
		{"reset to pending", admin, policyOrder(domain.OrderStatusInProgress, true), domain.OrderStatusPending, TriggerStatusUpdate, ErrOrderForbidden, ReasonPartyNotPermitted},
		{"double payment", buyer, policyOrder(domain.OrderStatusInProgress, true), domain.OrderStatusInProgress, TriggerPayment, ErrOrderConflict, ReasonAlreadyPaid},
		{"unpaid delivery", seller, policyOrder(domain.OrderStatusInProgress, false), domain.OrderStatusDelivered, TriggerDelivery, ErrOrderInvalidState, ReasonPaymentRequired},
		{"admin skips edge", admin, policyOrder(domain.OrderStatusPending, false), domain.OrderStatusCompleted, TriggerStatusUpdate, ErrOrderInvalidState, ReasonInvalidEdge},
		{"completed is terminal", admin, policyOrder(domain.OrderStatusCompleted, true), domain.OrderStatusCancelled, TriggerStatusUpdate, ErrOrderInvalidState, ReasonInvalidEdge},
		{"dispute pending", buyer, policyOrder(domain.OrderStatusPending, false), domain.OrderStatusDisputed, TriggerDispute, ErrOrderInvalidState, ReasonInvalidEdge},
		{"resolve through update", admin, policyOrder(domain.OrderStatusDisputed, true), domain.OrderStatusCompleted, TriggerStatusUpdate, ErrOrderInvalidState, ReasonInvalidEdge},
		{"deliver twice", seller, policyOrder(domain.OrderStatusDelivered, true), domain.OrderStatusDelivered, TriggerDelivery, ErrOrderInvalidState, ReasonInvalidEdge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := AuthorizeTransition(tc.actor, tc.order, tc.target, tc.trigger)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := RejectionReason(err); got != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, got)
			}
		})
	}
}

func TestResolvePartyPrefersAdminRole(t *testing.T) {
	order := policyOrder(domain.OrderStatusPending, false)

	if got := ResolveParty(domain.Actor{ID: "buyer-1", Role: domain.RoleAdmin}, order); got != domain.PartyAdmin {
		t.Fatalf("expected admin, got %s", got)
	}
	if got := ResolveParty(domain.Actor{ID: "buyer-1", Role: domain.RoleSeller}, order); got != domain.PartyBuyer {
		t.Fatalf("identity should decide ownership, got %s", got)
	}
	if got := ResolveParty(domain.Actor{ID: "  ", Role: domain.RoleBuyer}, order); got != domain.PartyNone {
		t.Fatalf("expected none for blank id, got %s", got)
	}
}

func TestCanView(t *testing.T) {
	order := policyOrder(domain.OrderStatusDisputed, true)
	for party, actor := range policyActors {
		err := CanView(actor, order)
		if party == domain.PartyNone {
			if !errors.Is(err, ErrOrderForbidden) {
				t.Fatalf("expected forbidden for stranger, got %v", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s should view order: %v", party, err)
		}
	}
}
