// Package health serves the liveness, readiness and dependency health endpoints.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/segmentio/kafka-go"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const checkTimeout = 5 * time.Second

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// PingFunc reports whether a dependency is reachable.
type PingFunc func(ctx context.Context) error

type dependency struct {
	ping PingFunc
	// optional dependencies degrade instead of failing readiness
	optional bool
}

type Checker struct {
	deps      map[string]dependency
	startTime time.Time
	version   string
	mu        sync.RWMutex
	ready     bool
}

func NewChecker(version string) *Checker {
	return &Checker{
		deps:      map[string]dependency{},
		startTime: time.Now(),
		version:   version,
	}
}

// Require adds a dependency that makes the service unhealthy when it is down.
func (c *Checker) Require(name string, ping PingFunc) *Checker {
	c.deps[name] = dependency{ping: ping}
	return c
}

// Optional adds a dependency that only degrades the service when it is down.
func (c *Checker) Optional(name string, ping PingFunc) *Checker {
	c.deps[name] = dependency{ping: ping, optional: true}
	return c
}

func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// LivenessHandler only reports that the process is serving.
func (c *Checker) LivenessHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, Response{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     c.uptime(),
		ReportedAt: time.Now(),
	})
}

func (c *Checker) ReadinessHandler(ctx echo.Context) error {
	if !c.IsReady() {
		return ctx.JSON(http.StatusServiceUnavailable, Response{
			Status:     StatusUnhealthy,
			Version:    c.version,
			ReportedAt: time.Now(),
			Checks: map[string]CheckResult{
				"startup": {Status: StatusUnhealthy, Message: "service is still starting up"},
			},
		})
	}
	return c.HealthHandler(ctx)
}

func (c *Checker) HealthHandler(ctx echo.Context) error {
	checks := c.Run(ctx.Request().Context())
	overall := Overall(checks)

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return ctx.JSON(statusCode, Response{
		Status:     overall,
		Version:    c.version,
		Uptime:     c.uptime(),
		Checks:     checks,
		ReportedAt: time.Now(),
	})
}

// Run pings every dependency concurrently.
func (c *Checker) Run(ctx context.Context) map[string]CheckResult {
	names := make([]string, 0, len(c.deps))
	for name := range c.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, dep dependency) {
			defer wg.Done()
			results[i] = check(ctx, dep)
		}(i, c.deps[name])
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(names))
	for i, name := range names {
		checks[name] = results[i]
	}
	return checks
}

func check(ctx context.Context, dep dependency) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := dep.ping(ctx); err != nil {
		status := StatusUnhealthy
		if dep.optional {
			status = StatusDegraded
		}
		return CheckResult{Status: status, Message: err.Error(), Latency: time.Since(start).String()}
	}
	return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
}

// Overall is unhealthy if any check is, then degraded if any check is.
func Overall(checks map[string]CheckResult) Status {
	overall := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func (c *Checker) uptime() string {
	return time.Since(c.startTime).Round(time.Second).String()
}

// KafkaPing dials the first reachable broker.
func KafkaPing(brokers []string) PingFunc {
	return func(ctx context.Context) error {
		var lastErr error
		for _, broker := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", broker)
			if err != nil {
				lastErr = err
				continue
			}
			return conn.Close()
		}
		return lastErr
	}
}

func (c *Checker) RegisterRoutes(e *echo.Echo) {
	health := e.Group("/api/v1/health")
	health.GET("", c.HealthHandler)
	health.GET("/live", c.LivenessHandler)
	health.GET("/ready", c.ReadinessHandler)
}
