// Package ratelimit implements rate limit tracking and request gating for the
// document service. It monitors the X-Rate-Limit-Remaining and Retry-After
// headers so the exporter backs off instead of burning requests on 429s.
package ratelimit

import (
	"time"
)

// Redis key suffixes for rate limit state storage. Keys are scoped per
// company: drawingexport:rate_limit:<scope>:<suffix>.
const (
	RedisKeyPrefix        = "drawingexport:rate_limit:"
	redisSuffixRemaining  = "remaining"
	redisSuffixRetryAt    = "retry_at"
	redisSuffixLastUpdate = "last_update"
)

// Thresholds for rate limit decisions.
const (
	// ThrottleThreshold applies throttling when the remaining budget falls below this value.
	ThrottleThreshold = 10

	// ThrottleDelay is the pause applied to each request while throttling.
	ThrottleDelay = 1 * time.Second

	// UnknownRemaining marks a state without a reported budget.
	UnknownRemaining = -1

	// MaxStateAge is how long a reported budget is trusted for throttling.
	MaxStateAge = 1 * time.Minute
)

// RateLimitState represents the current rate limit state for one company.
type RateLimitState struct {
	// Remaining is the request budget reported by X-Rate-Limit-Remaining,
	// or UnknownRemaining if the service never reported one.
	Remaining int `json:"remaining"`

	// RetryAt is the earliest time a new request may be sent.
	// Derived from the Retry-After header.
	RetryAt time.Time `json:"retry_at"`

	// LastUpdate is the timestamp when this state was last updated.
	LastUpdate time.Time `json:"last_update"`
}

// DefaultState returns the state assumed before any response was seen.
func DefaultState() *RateLimitState {
	return &RateLimitState{Remaining: UnknownRemaining}
}

// WaitDuration returns how long a request must wait before it may be sent.
// Returns 0 if no Retry-After window is active.
func (s *RateLimitState) WaitDuration(now time.Time) time.Duration {
	if s.RetryAt.IsZero() || !now.Before(s.RetryAt) {
		return 0
	}
	return s.RetryAt.Sub(now)
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining != UnknownRemaining && s.Remaining < ThrottleThreshold
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}
