package util

import "golang.org/x/time/rate"

// NewRateLimiter returns a limiter allowing perSecond operations per second
// with a burst of one. A non-positive rate means unlimited.
func NewRateLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}
