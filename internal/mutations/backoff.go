package mutations

import "time"

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 5 * time.Minute
)

// Backoff computes min(Base*2^(retryCount-1), Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given retry (1-based).
func (b Backoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBaseDelay
	}
	limit := b.Max
	if limit <= 0 {
		limit = defaultMaxDelay
	}
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for step := 1; step < retryCount; step++ {
		if delay >= limit/2 {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}
