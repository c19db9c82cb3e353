package domain

import "testing"

func TestWorseHealthStatus(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"", "", HealthStatusOK},
		{HealthStatusOK, HealthStatusDegraded, HealthStatusDegraded},
		{HealthStatusDegraded, HealthStatusOK, HealthStatusDegraded},
		{HealthStatusDegraded, HealthStatusError, HealthStatusError},
		{HealthStatusError, HealthStatusDegraded, HealthStatusError},
		{HealthStatusOK, "flaky", HealthStatusDegraded},
	}
	for _, tc := range tests {
		if got := WorseHealthStatus(tc.a, tc.b); got != tc.want {
			t.Fatalf("WorseHealthStatus(%q, %q) = %q, want %q", tc.a, tc.b, got, tc.want)
		}
	}
}
