package domain

import "time"

// Readiness levels, from best to worst. Degraded means an optional dependency such
// as event publishing is down while orders can still be served.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// WorseHealthStatus returns the more severe of a and b. Empty and unknown values
// count as ok and degraded respectively.
func WorseHealthStatus(a, b string) string {
	if healthRank(b) > healthRank(a) {
		return normalizeHealth(b)
	}
	return normalizeHealth(a)
}

func healthRank(status string) int {
	switch status {
	case "", HealthStatusOK:
		return 0
	case HealthStatusError:
		return 2
	default:
		return 1
	}
}

func normalizeHealth(status string) string {
	switch healthRank(status) {
	case 0:
		return HealthStatusOK
	case 2:
		return HealthStatusError
	default:
		return HealthStatusDegraded
	}
}

// SystemHealthCheck is one dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
