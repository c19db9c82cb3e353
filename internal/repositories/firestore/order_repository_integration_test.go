//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/platform/firestore/firestoretest"
	"github.com/gigconnect/api/internal/repositories"
)

var errLostRace = errors.New("order already moved")

func TestOrderRepositoryIntegration(t *testing.T) {
	provider := firestoretest.Provider(t, "orders-test")

	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		order := domain.Order{
			ID:               fmt.Sprintf("ord_%d", i),
			GigRef:           "gig-1",
			BuyerRef:         "buyer-1",
			SellerRef:        "seller-1",
			Price:            decimal.RequireFromString("40.00"),
			DeliveryTimeDays: 3,
			Status:           domain.OrderStatusInProgress,
			IsPaid:           true,
			Version:          1,
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:        base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Insert(ctx, order); err != nil {
			t.Fatalf("insert %s: %v", order.ID, err)
		}
	}

	err = repo.Insert(ctx, domain.Order{ID: "ord_0", Price: decimal.NewFromInt(1), Status: domain.OrderStatusPending})
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}

	if _, err := repo.FindByID(ctx, "ord_missing"); !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}

	// Concurrent movers: only the first one to commit sees InProgress.
	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			target := domain.OrderStatusDelivered
			if idx%2 == 0 {
				target = domain.OrderStatusCancelled
			}
			_, err := repo.Mutate(ctx, "ord_0", func(order *domain.Order) error {
				if order.Status != domain.OrderStatusInProgress {
					return errLostRace
				}
				order.Status = target
				order.Version++
				return nil
			})
			if err != nil && !errors.Is(err, errLostRace) {
				var re repositories.RepositoryError
				if !errors.As(err, &re) || !re.IsConflict() {
					t.Errorf("mutate %d: %v", idx, err)
				}
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one winning mutation, got %d", successes)
	}
	stored, err := repo.FindByID(ctx, "ord_0")
	if err != nil {
		t.Fatalf("find ord_0: %v", err)
	}
	if stored.Version != 2 {
		t.Fatalf("expected version 2, got %d", stored.Version)
	}

	firstPage, err := repo.List(ctx, repositories.OrderListFilter{
		BuyerRef:   "buyer-1",
		Pagination: domain.Pagination{PageSize: 2},
	})
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(firstPage.Items) != 2 || firstPage.Items[0].ID != "ord_2" || firstPage.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", firstPage)
	}
	secondPage, err := repo.List(ctx, repositories.OrderListFilter{
		BuyerRef:   "buyer-1",
		Pagination: domain.Pagination{PageSize: 2, PageToken: firstPage.NextPageToken},
	})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(secondPage.Items) != 1 || secondPage.Items[0].ID != "ord_0" || secondPage.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", secondPage)
	}
}

func TestOrderRepositoryPaymentClaimIntegration(t *testing.T) {
	provider := firestoretest.Provider(t, "orders-claims-test")
	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"ord_a", "ord_b"} {
		if err := repo.Insert(ctx, domain.Order{
			ID: id, GigRef: "gig-1", BuyerRef: "buyer-1", SellerRef: "seller-1",
			Price: decimal.RequireFromString("40.00"), DeliveryTimeDays: 3,
			Status: domain.OrderStatusPending, Version: 1, CreatedAt: created, UpdatedAt: created,
		}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	pay := func(order *domain.Order) error {
		order.Status = domain.OrderStatusInProgress
		order.IsPaid = true
		order.PaymentDetails = &domain.PaymentDetails{ExternalPaymentID: "pi_shared", Status: "succeeded", Method: "card", IntentID: "pi_shared"}
		order.Version++
		return nil
	}
	if _, err := repo.Mutate(ctx, "ord_a", pay); err != nil {
		t.Fatalf("pay ord_a: %v", err)
	}
	if _, err := repo.Mutate(ctx, "ord_b", pay); !errors.Is(err, repositories.ErrPaymentRefClaimed) {
		t.Fatalf("expected claimed payment reference, got %v", err)
	}
	if stored, _ := repo.FindByID(ctx, "ord_b"); stored.IsPaid || stored.Version != 1 {
		t.Fatalf("ord_b must be unchanged, got %+v", stored)
	}

	// Later writes on the order that holds the reference do not re-claim it.
	if _, err := repo.Mutate(ctx, "ord_a", func(order *domain.Order) error {
		order.Status = domain.OrderStatusDelivered
		order.Version++
		return nil
	}); err != nil {
		t.Fatalf("deliver ord_a: %v", err)
	}
}
