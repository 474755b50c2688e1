// Package health reports liveness and readiness of the service.
package health

import (
	"context"
	"time"
)

// Status is the overall or per-component health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const pingTimeout = 3 * time.Second

// Pinger is a dependency that can be pinged, such as the state store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Providers describes what is configured for the two sides of the sync.
type Providers struct {
	Calendar         string // "google" or "caldav"
	NotionDatabaseID string
	CallbackURL      string // empty disables push channels
}

// Check is the result for one component.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the health response body.
type Report struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Checker builds health reports.
type Checker struct {
	store     Pinger
	providers Providers
	started   time.Time
}

// NewChecker creates a Checker.
func NewChecker(store Pinger, providers Providers) *Checker {
	return &Checker{store: store, providers: providers, started: time.Now()}
}

// Liveness reports that the process is serving requests.
func (c *Checker) Liveness() *Report {
	return &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(c.started).Round(time.Second).String(),
	}
}

// Check pings the state store and reports provider configuration. A store
// failure is unhealthy; a missing callback URL only degrades push delivery.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Checks:    make(map[string]Check),
	}

	report.Checks["store"] = c.checkStore(ctx)

	calendar := Check{Status: StatusHealthy, Message: c.providers.Calendar}
	if c.providers.Calendar == "" {
		calendar = Check{Status: StatusUnhealthy, Message: "no calendar provider configured"}
	}
	report.Checks["calendar"] = calendar

	notion := Check{Status: StatusHealthy}
	if c.providers.NotionDatabaseID == "" {
		notion = Check{Status: StatusUnhealthy, Message: "no database configured"}
	}
	report.Checks["notion"] = notion

	push := Check{Status: StatusHealthy}
	if c.providers.CallbackURL == "" {
		push = Check{Status: StatusDegraded, Message: "BASE_URL not set, relying on polling"}
	}
	report.Checks["push"] = push

	for _, check := range report.Checks {
		switch check.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func (c *Checker) checkStore(ctx context.Context) Check {
	if c.store == nil {
		return Check{Status: StatusUnhealthy, Message: "state store not initialized"}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	if err := c.store.Ping(ctx); err != nil {
		return Check{Status: StatusUnhealthy, Message: err.Error()}
	}
	return Check{Status: StatusHealthy, Latency: time.Since(start).String()}
}
