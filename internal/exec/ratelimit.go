package exec

import "golang.org/x/time/rate"

// rateLimits throttles REST calls per endpoint category. The venue
// enforces separate budgets for order placement, cancellation, and
// data reads; burst sizes match its published 10-second allowances.
type rateLimits struct {
	order  *rate.Limiter
	cancel *rate.Limiter
	data   *rate.Limiter
}

func newRateLimits() *rateLimits {
	return &rateLimits{
		order:  rate.NewLimiter(50, 350),
		cancel: rate.NewLimiter(30, 300),
		data:   rate.NewLimiter(15, 150),
	}
}
