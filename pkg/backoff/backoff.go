package backoff

import (
	"math"
	"math/rand"
	"time"
)

// maxAttemptExponent keeps multiplier^attempt finite for any realistic multiplier.
const maxAttemptExponent = 62

// DefaultJitterFraction bounds client-side jitter to 30% of the computed delay.
const DefaultJitterFraction = 0.3

// Policy bundles the constants used by one call site.
type Policy struct {
	Base       time.Duration
	Ceiling    time.Duration
	Multiplier float64
}

// ServerPolicy is used by the retry orchestrator.
var ServerPolicy = Policy{
	Base:       time.Minute,
	Ceiling:    time.Hour,
	Multiplier: 2,
}

// ClientPolicy is used by the sync queue.
var ClientPolicy = Policy{
	Base:       5 * time.Second,
	Ceiling:    10 * time.Minute,
	Multiplier: 2,
}

// Next returns the delay for the given attempt under this policy.
func (p Policy) Next(attempt int) time.Duration {
	return NextDelay(attempt, p.Base, p.Ceiling, p.Multiplier)
}

// NextDelay computes min(base * multiplier^attempt, ceiling).
// Non-positive attempts yield base; attempt is clamped so the exponent cannot overflow.
func NextDelay(attempt int, base, ceiling time.Duration, multiplier float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if ceiling > 0 && base >= ceiling {
		return ceiling
	}
	if attempt <= 0 {
		return base
	}
	if attempt > maxAttemptExponent {
		attempt = maxAttemptExponent
	}
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempt))
	if ceiling > 0 && delay > float64(ceiling) {
		return ceiling
	}
	if delay > float64(math.MaxInt64) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Jitter adds a random amount in [0, fraction*d] to d.
func Jitter(d time.Duration, fraction float64, rng *rand.Rand) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	window := int64(float64(d) * fraction)
	if window <= 0 {
		return d
	}
	var extra int64
	if rng != nil {
		extra = rng.Int63n(window + 1)
	} else {
		extra = rand.Int63n(window + 1)
	}
	return d + time.Duration(extra)
}
