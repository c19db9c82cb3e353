package services

import (
	"strings"
	"testing"
	"time"

	domain "github.com/gigconnect/api/internal/domain"
)

func TestRecordStatusChangeAppendsWithoutAliasing(t *testing.T) {
	at := time.Date(2026, 3, 2, 21, 0, 0, 0, time.FixedZone("JST", 9*3600))
	order := testOrder(domain.OrderStatusInProgress, true)
	order.History = make([]domain.StatusChange, 1, 4)
	order.History[0] = domain.StatusChange{To: domain.OrderStatusPending, ActorID: testBuyer.ID, Party: domain.PartyBuyer}
	before := order.History

	order.Status = domain.OrderStatusDelivered
	recordStatusChange(&order, domain.Actor{ID: " seller-1\x00\n", Role: domain.RoleSeller}, domain.OrderStatusInProgress, at)

	if before[:2][1] != (domain.StatusChange{}) {
		t.Fatalf("earlier history slice must not observe the new entry")
	}
	got := order.History[len(order.History)-1]
	if got.From != domain.OrderStatusInProgress || got.To != domain.OrderStatusDelivered || got.ActorID != "seller-1" || got.Party != domain.PartySeller {
		t.Fatalf("unexpected entry %+v", got)
	}
	if !got.At.Equal(at) || got.At.Location() != time.UTC {
		t.Fatalf("history timestamp must be %s in UTC, got %s", at, got.At)
	}
}

func TestSanitizeActorIDCapsLength(t *testing.T) {
	if got := sanitizeActorID(strings.Repeat("a", maxHistoryActorLength+40)); len(got) != maxHistoryActorLength {
		t.Fatalf("expected %d characters, got %d", maxHistoryActorLength, len(got))
	}
	if got := sanitizeActorID("  "); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}
