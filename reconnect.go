package relay

import (
	"math"
	"math/rand"
	"time"
)

// reconnector computes backoff delays: base * 2^attempt plus up to 50%
// jitter of base, capped at maxDelay. Each outage starts from attempt zero
// with a full budget. Not safe for concurrent use; only the goroutine
// running a retry sequence touches it after reset.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	jitter      func() float64
}

func newReconnector(cfg *RealtimeConfig, maxAttempts int) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: maxAttempts,
		jitter:      rand.Float64,
	}
}

// shouldReconnect reports whether another attempt fits the budget. A zero
// budget never runs out.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts <= 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(r.jitter() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}
