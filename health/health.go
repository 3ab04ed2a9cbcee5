// Package health generalizes the teacher's app/health/health.go shape
// (HealthResponse/CheckResult, per-dependency checks, uptime) from
// RabbitMQ+Redis-specific pings to the abstract transport.Adapter /
// outbox.Store / inbox.Store contracts a broker.Broker is built from, so a
// host process embedding the broker can expose a health endpoint without
// the health package importing any concrete transport or storage driver.
package health

import (
	"context"
	"time"
)

// HealthResponse mirrors the teacher's JSON shape.
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy" or "unhealthy"
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
	Uptime    string                 `json:"uptime,omitempty"`
}

// CheckResult is the result of one dependency check.
type CheckResult struct {
	Status       string `json:"status"` // "up" or "down"
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Checker is anything the registry can probe: broker transports, outbox
// workers, inbox checkers all satisfy this with a thin adapter, matching
// the teacher's per-dependency check functions generalized into one
// interface instead of one method per concrete dependency.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a plain func to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// Registry aggregates named Checkers and produces a HealthResponse the way
// the teacher's Handler.HealthCheck assembles its checks map.
type Registry struct {
	startTime time.Time
	checks    map[string]Checker
	// criticalNames marks checks whose failure flips overall Status to
	// "unhealthy"; checks not listed here (e.g. an optional downstream
	// sender) are reported but don't fail the aggregate, matching the
	// teacher's "email provider failure doesn't make service unhealthy"
	// comment.
	criticalNames map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		startTime:     time.Now(),
		checks:        make(map[string]Checker),
		criticalNames: make(map[string]bool),
	}
}

// Register adds a named checker. critical controls whether its failure
// flips the aggregate status to unhealthy.
func (r *Registry) Register(name string, c Checker, critical bool) {
	r.checks[name] = c
	r.criticalNames[name] = critical
}

// Check runs every registered checker (each under its own 2s timeout, the
// teacher's per-check budget) and assembles the aggregate response.
func (r *Registry) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]CheckResult, len(r.checks))
	status := "healthy"

	for name, c := range r.checks {
		result := r.runOne(ctx, c)
		checks[name] = result
		if result.Status != "up" && r.criticalNames[name] {
			status = "unhealthy"
		}
	}

	return HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Uptime:    time.Since(r.startTime).String(),
	}
}

func (r *Registry) runOne(ctx context.Context, c Checker) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.CheckHealth(checkCtx); err != nil {
		return CheckResult{
			Status:       "down",
			ResponseTime: time.Since(start).String(),
			Error:        err.Error(),
		}
	}
	return CheckResult{Status: "up", ResponseTime: time.Since(start).String()}
}
