package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// CacheTTL reuses the last dependency report for readiness polls arriving
	// within the window. Zero probes on every call.
	CacheTTL time.Duration
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type systemService struct {
	healthRepo repositories.HealthRepository
	clock      func() time.Time
	build      BuildInfo
	ttl        time.Duration
	logger     func(context.Context, string, map[string]any)

	collect  singleflight.Group
	mu       sync.Mutex
	cached   domain.SystemHealthReport
	cachedAt time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system utility service providing health reports and metadata.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		clock: func() time.Time {
			return clock().UTC()
		},
		build:  build,
		ttl:    deps.CacheTTL,
		logger: logger,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.dependencies(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)
	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}
	return report, nil
}

// dependencies collapses concurrent probes into one Collect call and serves
// the result from cache while it is fresh.
func (s *systemService) dependencies(ctx context.Context) (domain.SystemHealthReport, error) {
	if report, ok := s.fresh(); ok {
		return report, nil
	}

	ch := s.collect.DoChan("collect", func() (any, error) {
		report, err := s.healthRepo.Collect(context.WithoutCancel(ctx))
		if err != nil {
			return domain.SystemHealthReport{}, err
		}
		report.Checks = copyChecks(report.Checks)
		if report.Status != "" && report.Status != domain.HealthStatusOK {
			s.logger(ctx, "health.dependencies.unhealthy", map[string]any{
				"status": report.Status,
				"failed": failedChecks(report.Checks),
			})
		}
		s.mu.Lock()
		s.cached = report
		s.cachedAt = s.clock()
		s.mu.Unlock()
		return report, nil
	})

	select {
	case <-ctx.Done():
		return domain.SystemHealthReport{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.SystemHealthReport{}, res.Err
		}
		report := res.Val.(domain.SystemHealthReport)
		report.Checks = copyChecks(report.Checks)
		return report, nil
	}
}

func (s *systemService) fresh() (domain.SystemHealthReport, bool) {
	if s.ttl <= 0 {
		return domain.SystemHealthReport{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedAt.IsZero() || s.clock().Sub(s.cachedAt) >= s.ttl {
		return domain.SystemHealthReport{}, false
	}
	report := s.cached
	report.Checks = copyChecks(report.Checks)
	return report, true
}

func copyChecks(checks map[string]domain.SystemHealthCheck) map[string]domain.SystemHealthCheck {
	out := make(map[string]domain.SystemHealthCheck, len(checks))
	for name, check := range checks {
		out[name] = check
	}
	return out
}

func failedChecks(checks map[string]domain.SystemHealthCheck) []string {
	var names []string
	for name, check := range checks {
		if check.Status != domain.HealthStatusOK && check.Status != "" {
			names = append(names, name)
		}
	}
	return names
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		status = domain.WorseHealthStatus(status, check.Status)
	}
	return status
}
