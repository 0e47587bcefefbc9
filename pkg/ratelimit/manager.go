// Package ratelimit gates outbound provider calls per key (a QuickBooks realm, a
// warehouse project).
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Limit allows Requests per Window. Zero Requests disables limiting.
type Limit struct {
	Requests int64
	Window   time.Duration
}

type CheckResult struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int64
}

// Waiter is what connectors depend on.
type Waiter interface {
	// Wait blocks until a call under key is allowed or ctx is done.
	Wait(ctx context.Context, key string) error
	// Block denies key for d, e.g. after a 429.
	Block(ctx context.Context, key string, d time.Duration)
}

type checker interface {
	Check(ctx context.Context, key string) (*CheckResult, error)
}

// Manager is the Redis-backed limiter shared by every worker.
type Manager struct {
	quota   *redis.Quota
	limit   Limit
	maxWait time.Duration
	logger  ectologger.Logger
}

func NewManager(client *redis.Client, limit Limit, maxWait time.Duration, logger ectologger.Logger) *Manager {
	return &Manager{
		quota:   redis.NewQuota(client, "fern:ratelimit:"),
		limit:   limit,
		maxWait: maxWait,
		logger:  logger,
	}
}

func (m *Manager) Check(ctx context.Context, key string) (*CheckResult, error) {
	ctx, span := tracing.StartSpan(ctx, "RateLimitManager.Check")
	defer span.End()

	decision, err := m.quota.Take(ctx, key, m.limit.Requests, m.limit.Window)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Errorf("Rate limit check failed for %s", key)
		// fail open
		return &CheckResult{Allowed: true}, nil
	}
	return &CheckResult{Allowed: decision.Allowed, RetryAfter: decision.RetryIn, Remaining: decision.Remaining}, nil
}

func (m *Manager) Wait(ctx context.Context, key string) error {
	ctx, span := tracing.StartSpan(ctx, "RateLimitManager.Wait")
	defer span.End()
	return wait(ctx, m, key, m.maxWait, m.logger)
}

func (m *Manager) Block(ctx context.Context, key string, d time.Duration) {
	if err := m.quota.Hold(ctx, key, d); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warnf("Failed to block rate limit key %s", key)
	}
}

// Local is an in-process sliding window for single-node runs and tests.
type Local struct {
	limit   Limit
	maxWait time.Duration
	logger  ectologger.Logger

	mu      sync.Mutex
	hits    map[string][]time.Time
	blocked map[string]time.Time
}

func NewLocal(limit Limit, maxWait time.Duration, logger ectologger.Logger) *Local {
	return &Local{
		limit:   limit,
		maxWait: maxWait,
		logger:  logger,
		hits:    map[string][]time.Time{},
		blocked: map[string]time.Time{},
	}
}

func (l *Local) Check(_ context.Context, key string) (*CheckResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if until, ok := l.blocked[key]; ok {
		if now.Before(until) {
			return &CheckResult{Allowed: false, RetryAfter: until.Sub(now)}, nil
		}
		delete(l.blocked, key)
	}
	if l.limit.Requests <= 0 {
		return &CheckResult{Allowed: true}, nil
	}

	windowStart := now.Add(-l.limit.Window)
	hits := l.hits[key][:0]
	for _, hit := range l.hits[key] {
		if hit.After(windowStart) {
			hits = append(hits, hit)
		}
	}

	if int64(len(hits)) >= l.limit.Requests {
		l.hits[key] = hits
		return &CheckResult{Allowed: false, RetryAfter: hits[0].Add(l.limit.Window).Sub(now)}, nil
	}

	l.hits[key] = append(hits, now)
	return &CheckResult{Allowed: true, Remaining: l.limit.Requests - int64(len(hits)) - 1}, nil
}

func (l *Local) Wait(ctx context.Context, key string) error {
	return wait(ctx, l, key, l.maxWait, l.logger)
}

func (l *Local) Block(_ context.Context, key string, d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[key] = time.Now().Add(d)
}

func wait(ctx context.Context, c checker, key string, maxWait time.Duration, logger ectologger.Logger) error {
	deadline := time.Now().Add(maxWait)

	for {
		result, err := c.Check(ctx, key)
		if err != nil {
			return err
		}
		if result.Allowed {
			return nil
		}

		if maxWait > 0 && time.Now().Add(result.RetryAfter).After(deadline) {
			return fmt.Errorf("rate limit for %s would exceed max wait time of %v", key, maxWait)
		}

		logger.WithContext(ctx).Infof("Rate limited on %s, waiting %v", key, result.RetryAfter)
		metrics.RateLimitWaitTime.WithLabelValues(limitName(key)).Observe(result.RetryAfter.Seconds())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(result.RetryAfter):
		}
	}
}

// limitName is the key's provider prefix, keeping realm ids out of metric labels.
func limitName(key string) string {
	if i := strings.Index(key, ":"); i > 0 {
		return key[:i]
	}
	return key
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		return time.Until(t), nil
	}
	return 0, fmt.Errorf("invalid Retry-After value: %s", value)
}
