package queue

import (
	"math"
	"time"
)

// backoffFor returns initial * 2^errorCount, capped at limit when limit > 0.
// Zero failures means no backoff.
func backoffFor(errorCount int, initial, limit time.Duration) time.Duration {
	if errorCount <= 0 || initial <= 0 {
		return 0
	}

	d := time.Duration(math.MaxInt64)
	if errorCount < 63 && initial <= time.Duration(math.MaxInt64)>>uint(errorCount) {
		d = initial << uint(errorCount)
	}

	if limit > 0 && d > limit {
		return limit
	}
	return d
}
