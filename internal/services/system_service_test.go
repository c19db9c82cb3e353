package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/repositories"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

func TestSystemServiceHealthReportEnrichesMetadata(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
			},
		},
	}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "2.4.0",
			CommitSHA:   "9f1c2e",
			Environment: "prod",
			StartedAt:   start,
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}

	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if report.Version != "2.4.0" {
		t.Fatalf("expected version 2.4.0, got %s", report.Version)
	}
	if report.CommitSHA != "9f1c2e" {
		t.Fatalf("expected commit 9f1c2e, got %s", report.CommitSHA)
	}
	if report.Environment != "prod" {
		t.Fatalf("expected environment prod, got %s", report.Environment)
	}
	if report.Uptime != now.Sub(start) {
		t.Fatalf("expected uptime %s, got %s", now.Sub(start), report.Uptime)
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestSystemServiceHealthReportErrors(t *testing.T) {
	expected := errors.New("collect failed")
	repo := &stubHealthRepository{err: expected}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	_, err = svc.HealthReport(context.Background())
	if !errors.Is(err, expected) {
		t.Fatalf("expected error %v, got %v", expected, err)
	}
}

func TestNewSystemServiceRequiresRepository(t *testing.T) {
	_, err := NewSystemService(SystemServiceDeps{})
	if err == nil {
		t.Fatalf("expected error when repository missing")
	}
}

func TestSystemServiceDerivesStatusWhenMissing(t *testing.T) {
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"pubsub":        {Status: domain.HealthStatusDegraded},
				"secretManager": {Status: domain.HealthStatusOK},
			},
		},
	}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected status degraded, got %s", report.Status)
	}
}

func TestSystemServiceReportsErrorWhenStorageDown(t *testing.T) {
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"firestore":       {Status: domain.HealthStatusOK},
				"evidenceStorage": {Status: domain.HealthStatusError, Error: "bucket missing"},
			},
		},
	}

	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	if repo.calls != 1 {
		t.Fatalf("expected single collect call, got %d", repo.calls)
	}
}

func TestSystemServiceCachesReportWithinTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Status: domain.HealthStatusOK,
			Checks: map[string]domain.SystemHealthCheck{"orders": {Status: domain.HealthStatusOK}},
		},
	}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		CacheTTL:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.HealthReport(context.Background()); err != nil {
			t.Fatalf("HealthReport: %v", err)
		}
	}
	if repo.calls != 1 {
		t.Fatalf("expected cached report, got %d collect calls", repo.calls)
	}

	now = now.Add(6 * time.Second)
	if _, err := svc.HealthReport(context.Background()); err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if repo.calls != 2 {
		t.Fatalf("expected refresh after ttl, got %d collect calls", repo.calls)
	}
}

func TestSystemServiceLogsUnhealthyDependencies(t *testing.T) {
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Status: domain.HealthStatusDegraded,
			Checks: map[string]domain.SystemHealthCheck{
				"orders":       {Status: domain.HealthStatusOK},
				"order-events": {Status: domain.HealthStatusDegraded, Error: "topic missing"},
			},
		},
	}
	var events []string
	var failed []string
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			events = append(events, event)
			failed, _ = fields["failed"].([]string)
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	if _, err := svc.HealthReport(context.Background()); err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if len(events) != 1 || events[0] != "health.dependencies.unhealthy" {
		t.Fatalf("unexpected events %v", events)
	}
	if len(failed) != 1 || failed[0] != "order-events" {
		t.Fatalf("unexpected failed checks %v", failed)
	}
}

var _ repositories.HealthRepository = (*stubHealthRepository)(nil)
