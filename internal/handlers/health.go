package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/platform/httpx"
	"github.com/gigconnect/api/internal/services"
)

const defaultReadinessTimeout = 3 * time.Second

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	build   services.BuildInfo
	system  services.SystemService
	clock   func() time.Time
	timeout time.Duration
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthSystemService wires the dependency report used by /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthClock overrides the clock, for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithReadinessTimeout bounds the readiness probe.
func WithReadinessTimeout(timeout time.Duration) HealthOption {
	return func(h *HealthHandlers) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:   time.Now,
		timeout: defaultReadinessTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthzPayload struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type readinessCheckPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type readyzPayload struct {
	Status      string                           `json:"status"`
	Version     string                           `json:"version,omitempty"`
	CommitSHA   string                           `json:"commitSha,omitempty"`
	Environment string                           `json:"environment,omitempty"`
	Uptime      string                           `json:"uptime,omitempty"`
	Checks      map[string]readinessCheckPayload `json:"checks"`
	Details     []string                         `json:"details,omitempty"`
	Timestamp   string                           `json:"timestamp"`
}

// Healthz reports process liveness only.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock()
	httpx.WriteJSON(w, http.StatusOK, healthzPayload{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Truncate(time.Second).String(),
		Timestamp:   formatTime(now),
	})
}

// Readyz probes dependencies. Degraded optional dependencies keep the
// instance in rotation; only an error status answers 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock()
	if h.system == nil {
		httpx.WriteJSON(w, http.StatusOK, readyzPayload{
			Status:    domain.HealthStatusOK,
			Checks:    map[string]readinessCheckPayload{},
			Timestamp: formatTime(now),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, readyzPayload{
			Status:    domain.HealthStatusError,
			Checks:    map[string]readinessCheckPayload{},
			Details:   []string{fmt.Sprintf("health report: %v", err)},
			Timestamp: formatTime(now),
		})
		return
	}

	payload := readyzPayload{
		Status:      report.Status,
		Version:     report.Version,
		CommitSHA:   report.CommitSHA,
		Environment: report.Environment,
		Checks:      make(map[string]readinessCheckPayload, len(report.Checks)),
		Timestamp:   formatTime(now),
	}
	if report.Uptime > 0 {
		payload.Uptime = report.Uptime.Truncate(time.Second).String()
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		payload.Checks[name] = readinessCheckPayload{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Error != "" {
			payload.Details = append(payload.Details, fmt.Sprintf("%s: %s", name, check.Error))
		}
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}
