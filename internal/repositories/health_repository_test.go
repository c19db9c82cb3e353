package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/gigconnect/api/internal/domain"
)

func okCheck(context.Context) error { return nil }

func TestDependencyHealthRepositoryAllHealthy(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "orders", Required: true, Check: okCheck},
		{Name: "order-events", Check: okCheck},
	}, WithDependencyClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK || check.CheckedAt != now {
			t.Fatalf("unexpected check %s: %+v", name, check)
		}
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestDependencyHealthRepositoryOptionalFailureDegrades(t *testing.T) {
	boom := errors.New("topic not found")
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "orders", Required: true, Check: okCheck},
		{Name: "order-events", Check: func(context.Context) error { return boom }},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	check := report.Checks["order-events"]
	if check.Status != domain.HealthStatusDegraded || check.Error != boom.Error() || check.Detail != "unreachable" {
		t.Fatalf("unexpected check %+v", check)
	}
}

func TestDependencyHealthRepositoryRequiredTimeoutErrors(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{
			Name:     "orders",
			Required: true,
			Timeout:  5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(time.Second):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
		{Name: "order-events", Check: func(context.Context) error { return errors.New("down") }},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	check := report.Checks["orders"]
	if check.Status != domain.HealthStatusError || check.Detail != "timeout" {
		t.Fatalf("unexpected check %+v", check)
	}
}

func TestNewDependencyHealthRepositoryValidates(t *testing.T) {
	tests := map[string][]DependencyCheck{
		"empty":     nil,
		"no name":   {{Check: okCheck}},
		"no check":  {{Name: "orders"}},
		"duplicate": {{Name: "orders", Check: okCheck}, {Name: " orders ", Check: okCheck}},
	}
	for name, checks := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewDependencyHealthRepository(checks); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
