package sync

import "time"

const (
	backoffBase = 15 * time.Second
	backoffCap  = time.Hour
)

// nextRetryIn computes the delay before the next attempt for the given
// number of consecutive failures. The curve doubles per failure and is
// capped, so it is monotonically increasing and bounded.
func nextRetryIn(retries int) time.Duration {
	delay := backoffBase
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	return delay
}
