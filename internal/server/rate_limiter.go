// Package server implements per-connection inbound throttling on top of a
// token bucket.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows capacity events per interval with bursts up to
// capacity. Non-positive arguments fall back to 1 event per second.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(capacity)), capacity)
}
