package services

import (
	"slices"
	"strings"
	"time"

	domain "github.com/gigconnect/api/internal/domain"
)

const maxHistoryActorLength = 160

// recordStatusChange appends a history entry for a change to order.Status.
// It runs inside the same repository write as the change itself, so a rejected
// transition never leaves an entry behind.
func recordStatusChange(order *Order, actor Actor, from OrderStatus, at time.Time) {
	change := domain.StatusChange{
		From:    from,
		To:      order.Status,
		ActorID: sanitizeActorID(actor.ID),
		Party:   ResolveParty(actor, *order),
		At:      at.UTC(),
	}
	order.History = append(slices.Clip(order.History), change)
}

func sanitizeActorID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxHistoryActorLength {
			break
		}
	}
	return b.String()
}
