package scheduler

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// Backoff returns the delay before retrying after the given failed attempt
// (1-based): min(MaxDelay, InitialDelay * Multiplier^(attempt-1)), then
// randomized by ±Jitter of that value.
func Backoff(policy schema.RetryPolicy, attempt int) time.Duration {
	return backoff(policy, attempt, rand.Float64())
}

func backoff(policy schema.RetryPolicy, attempt int, r float64) time.Duration {
	base := policy.InitialDelayDuration()
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := policy.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(base) * math.Pow(mult, float64(attempt-1))
	if maxDelay := policy.MaxDelayDuration(); maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if delay > math.MaxInt64/2 {
		delay = math.MaxInt64 / 2
	}

	if j := math.Min(math.Max(policy.Jitter, 0), 1); j > 0 {
		delay *= 1 + j*(2*r-1)
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether a failed attempt gets another one. MaxAttempts
// counts the first attempt.
func ShouldRetry(policy schema.RetryPolicy, attempt int, err *schema.NodeError) bool {
	if err == nil || !err.Retryable {
		return false
	}
	return attempt < policy.MaxAttempts
}
