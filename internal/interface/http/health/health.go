// Package health aggregates dependency checks for the /health and /ready
// endpoints.
package health

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// TYPES
// ══════════════════════════════════════════════════════════════════════════════

// CheckFunc performs one check. A non-nil error marks it failed.
type CheckFunc func(ctx context.Context) error

// Pinger is anything with a connectivity probe (postgres, redis).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// Status is the aggregated result.
type Status struct {
	// Healthy is false when any check failed.
	Healthy bool `json:"healthy"`

	// Ready is false only when a critical check failed. A failing optional
	// dependency (the snapshot cache, the event fan-out) leaves the service
	// ready but degraded.
	Ready bool `json:"ready"`

	Message   string                 `json:"message,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type check struct {
	fn       CheckFunc
	critical bool
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECKER
// ══════════════════════════════════════════════════════════════════════════════

// Checker runs registered checks concurrently, each under its own timeout.
type Checker struct {
	mu        sync.RWMutex
	checks    map[string]check
	startTime time.Time
	version   string
	timeout   time.Duration
}

// NewChecker creates a checker.
func NewChecker(version string) *Checker {
	return &Checker{
		checks:    make(map[string]check),
		startTime: time.Now(),
		version:   version,
		timeout:   3 * time.Second,
	}
}

// SetTimeout sets the per-check timeout.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// AddCritical registers a check whose failure makes the service not ready.
func (c *Checker) AddCritical(name string, fn CheckFunc) {
	c.add(name, fn, true)
}

// AddOptional registers a check whose failure only degrades the service.
func (c *Checker) AddOptional(name string, fn CheckFunc) {
	c.add(name, fn, false)
}

func (c *Checker) add(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check{fn: fn, critical: critical}
}

// Remove unregisters a check.
func (c *Checker) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Check runs every check and aggregates the results.
func (c *Checker) Check(ctx context.Context) Status {
	c.mu.RLock()
	checks := make(map[string]check, len(c.checks))
	for name, ch := range c.checks {
		checks[name] = ch
	}
	timeout := c.timeout
	c.mu.RUnlock()

	status := Status{
		Healthy:   true,
		Ready:     true,
		Checks:    make(map[string]CheckResult, len(checks)),
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Version:   c.version,
	}
	if len(checks) == 0 {
		status.Message = "no checks registered"
		return status
	}

	type named struct {
		name   string
		result CheckResult
	}
	results := make(chan named, len(checks))

	var wg sync.WaitGroup
	for name, ch := range checks {
		wg.Add(1)
		go func(name string, ch check) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := ch.fn(checkCtx)
			result := CheckResult{
				Healthy:  err == nil,
				Critical: ch.critical,
				Message:  "OK",
				Duration: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				result.Message = err.Error()
			}
			results <- named{name: name, result: result}
		}(name, ch)
	}
	wg.Wait()
	close(results)

	var failed []string
	for r := range results {
		status.Checks[r.name] = r.result
		if r.result.Healthy {
			continue
		}
		status.Healthy = false
		if r.result.Critical {
			status.Ready = false
		}
		failed = append(failed, r.name)
	}

	if len(failed) == 0 {
		status.Message = "all checks passed"
	} else {
		sort.Strings(failed)
		status.Message = "failing: " + strings.Join(failed, ", ")
	}
	return status
}
