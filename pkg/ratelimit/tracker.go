package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Header names read from every response.
const (
	HeaderRemaining  = "X-Rate-Limit-Remaining"
	HeaderRetryAfter = "Retry-After"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drawing_export_rate_limit_remaining",
		Help: "Last request budget reported by the document service",
	})

	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drawing_export_rate_limit_waits_total",
		Help: "Total number of requests delayed by a Retry-After window",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drawing_export_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to a low remaining budget",
	})
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSleep replaces the context-aware sleep used for waits and throttling.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Tracker) { t.sleep = sleep }
}

// Tracker monitors the service rate limit and gates requests.
// With a nil Redis client the state lives in memory; with Redis it is shared
// by every process exporting for the same scope.
type Tracker struct {
	redis  *redis.Client
	scope  string
	logger zerolog.Logger

	mu    sync.Mutex
	local RateLimitState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, scope string, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		redis:  redisClient,
		scope:  scope,
		logger: logger,
		local:  *DefaultState(),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) key(suffix string) string {
	return RedisKeyPrefix + t.scope + ":" + suffix
}

// GetState retrieves the current rate limit state.
// Returns a default state if nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		state := t.local
		return &state, nil
	}

	remaining, err := t.redis.Get(ctx, t.key(redisSuffixRemaining)).Int()
	if errors.Is(err, redis.Nil) {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default state")
		return DefaultState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remaining: %w", err)
	}

	retryAtUnix, err := t.redis.Get(ctx, t.key(redisSuffixRetryAt)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get retry at: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, t.key(redisSuffixLastUpdate)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	state := &RateLimitState{Remaining: remaining}
	if retryAtUnix > 0 {
		state.RetryAt = time.Unix(retryAtUnix, 0)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	return state, nil
}

// UpdateFromHeaders parses the rate limit headers of a response and stores the state.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	retryAfterStr := headers.Get(HeaderRetryAfter)
	if remainStr == "" && retryAfterStr == "" {
		// Not every endpoint reports a budget
		return nil
	}

	now := t.now()

	current, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	state := &RateLimitState{
		Remaining:  current.Remaining,
		RetryAt:    current.RetryAt,
		LastUpdate: now,
	}

	if remainStr != "" {
		remain, err := strconv.Atoi(strings.TrimSpace(remainStr))
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
		}
		state.Remaining = remain
	}

	if retryAfterStr != "" {
		retryAt, err := parseRetryAfter(retryAfterStr, now)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRetryAfter, err)
		}
		state.RetryAt = retryAt
	}

	if err := t.store(ctx, state); err != nil {
		return err
	}

	if state.Remaining != UnknownRemaining {
		rateLimitRemaining.Set(float64(state.Remaining))
	}

	event := t.logger.Debug()
	if state.WaitDuration(now) > 0 {
		event = t.logger.Warn()
	}
	event.
		Int("remaining", state.Remaining).
		Time("retry_at", state.RetryAt).
		Msg("Rate limit state updated")

	return nil
}

func (t *Tracker) store(ctx context.Context, state *RateLimitState) error {
	if t.redis == nil {
		t.mu.Lock()
		t.local = *state
		t.mu.Unlock()
		return nil
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	var retryAtUnix int64
	if !state.RetryAt.IsZero() {
		retryAtUnix = state.RetryAt.Unix()
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, t.key(redisSuffixRemaining), state.Remaining, 0)
	pipe.Set(ctx, t.key(redisSuffixRetryAt), retryAtUnix, 0)
	pipe.Set(ctx, t.key(redisSuffixLastUpdate), lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// Wait blocks until a request may be sent. It sleeps out an active
// Retry-After window and applies a short throttle when a recently reported
// budget is low.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	now := t.now()
	if wait := state.WaitDuration(now); wait > 0 {
		t.logger.Warn().
			Dur("wait_duration", wait).
			Msg("Rate limited - waiting for Retry-After window")

		rateLimitWaitsTotal.Inc()
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}

	if state.NeedsThrottling() && !state.IsStale(now, MaxStateAge) {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Rate limit budget low - throttling request")

		rateLimitThrottlesTotal.Inc()
		if err := t.sleep(ctx, ThrottleDelay); err != nil {
			return err
		}
	}

	return nil
}

// parseRetryAfter accepts delay-seconds or an HTTP-date.
func parseRetryAfter(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return time.Time{}, fmt.Errorf("negative delay %d", seconds)
		}
		return now.Add(time.Duration(seconds) * time.Second), nil
	}
	return http.ParseTime(value)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
