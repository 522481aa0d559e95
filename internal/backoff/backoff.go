// Package backoff computes retry delays for the delivery queue and the
// reconciliation sweep.
package backoff

import (
	"math"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating at the maximum duration.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(int64(base) * multiplier)
}

// Capped is Exponential bounded above by limit. A non-positive limit disables the cap.
func Capped(base time.Duration, attempt int, limit time.Duration) time.Duration {
	d := Exponential(base, attempt)
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
