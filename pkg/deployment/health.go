package deployment

import "time"

type HealthStatus string

const (
	HealthPass HealthStatus = "pass"
	HealthWarn HealthStatus = "warn"
	HealthFail HealthStatus = "fail"
)

type HealthCheckResult struct {
	Name         string                 `json:"name"`
	Status       HealthStatus           `json:"status"`
	ResponseTime time.Duration          `json:"responseTime"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Healthy reports whether a set of check results contains no hard failures.
// Warnings do not count against overall health.
func Healthy(results []HealthCheckResult) bool {
	for _, r := range results {
		if r.Status == HealthFail {
			return false
		}
	}
	return true
}
