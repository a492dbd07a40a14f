package http

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH CHECKS
// ══════════════════════════════════════════════════════════════════════════════

// HealthChecker aggregates the service's dependency probes.
type HealthChecker interface {
	// Check runs all registered probes and returns the combined status.
	Check(ctx context.Context) HealthStatus

	// AddCheck registers a named probe.
	AddCheck(name string, check HealthCheckFunc)

	// RemoveCheck unregisters a named probe.
	RemoveCheck(name string)
}

// HealthCheckFunc probes a single dependency. A nil error means healthy.
type HealthCheckFunc func(ctx context.Context) error

// HealthStatus is the combined health of the service.
type HealthStatus struct {
	// Healthy reports whether every probe passed.
	Healthy bool `json:"healthy"`

	// Ready reports whether the service can serve traffic.
	Ready bool `json:"ready"`

	// Message summarizes the result.
	Message string `json:"message,omitempty"`

	// Checks holds the per-probe results.
	Checks map[string]CheckResult `json:"checks,omitempty"`

	// Uptime is how long the service has been up.
	Uptime string `json:"uptime,omitempty"`

	// Timestamp is when the probes ran.
	Timestamp time.Time `json:"timestamp"`

	// Version is the service version.
	Version string `json:"version,omitempty"`
}

// CheckResult is the outcome of a single probe.
type CheckResult struct {
	// Healthy reports whether this probe passed.
	Healthy bool `json:"healthy"`

	// Message carries the probe error, or "OK".
	Message string `json:"message,omitempty"`

	// Duration is how long the probe took.
	Duration string `json:"duration,omitempty"`

	// LastChecked is when this probe last ran.
	LastChecked time.Time `json:"last_checked,omitempty"`
}

// CompositeHealthChecker runs a set of named probes in parallel, each
// bounded by its own timeout.
type CompositeHealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheckFunc
	startTime time.Time
	version   string
	timeout   time.Duration
}

// NewCompositeHealthChecker creates a checker with no probes registered.
func NewCompositeHealthChecker(version string) *CompositeHealthChecker {
	return &CompositeHealthChecker{
		checks:    make(map[string]HealthCheckFunc),
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
	}
}

// SetTimeout overrides the per-probe timeout.
func (c *CompositeHealthChecker) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// AddCheck registers a named probe.
func (c *CompositeHealthChecker) AddCheck(name string, check HealthCheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RemoveCheck unregisters a named probe.
func (c *CompositeHealthChecker) RemoveCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Check runs every probe and aggregates the results. A single failing probe
// marks the whole service unhealthy and not ready.
func (c *CompositeHealthChecker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	status := HealthStatus{
		Healthy:   true,
		Ready:     true,
		Checks:    make(map[string]CheckResult),
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Version:   c.version,
	}

	if len(checks) == 0 {
		status.Message = "no health checks registered"
		return status
	}

	type probeResult struct {
		name   string
		result CheckResult
	}

	var wg sync.WaitGroup
	results := make(chan probeResult, len(checks))

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheckFunc) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			err := check(checkCtx)

			result := CheckResult{
				Healthy:     err == nil,
				Message:     "OK",
				Duration:    time.Since(start).Round(time.Millisecond).String(),
				LastChecked: time.Now().UTC(),
			}
			if err != nil {
				result.Message = err.Error()
			}

			results <- probeResult{name: name, result: result}
		}(name, check)
	}

	wg.Wait()
	close(results)

	var failed []string
	for r := range results {
		status.Checks[r.name] = r.result
		if !r.result.Healthy {
			status.Healthy = false
			status.Ready = false
			failed = append(failed, r.name)
		}
	}

	if status.Healthy {
		status.Message = "all checks passed"
	} else {
		status.Message = "checks failed: " + strings.Join(failed, ", ")
	}

	return status
}

// Pinger is anything with a connectivity probe. Both the postgres pool and
// the redis cache satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingCheck adapts a Pinger into a health probe.
func NewPingCheck(p Pinger) HealthCheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}
