// Package server throttles inbound frames per connection so one noisy peer
// cannot monopolize the router.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
	burst   int
	period  time.Duration
}

// newRateLimiter allows capacity frames per interval, refilled continuously.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(interval/time.Duration(capacity)), capacity),
		burst:   capacity,
		period:  interval,
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
