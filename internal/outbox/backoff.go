package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryDelay returns how long to wait before attempt number retryCount+1.
// The delay grows as Base^retryCount seconds and is clamped to
// [MinDelay, MaxDelay], so it never decreases as retryCount grows.
func (c Config) RetryDelay(retryCount int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0,
		Multiplier:          c.Base,
		MaxInterval:         c.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retryCount && delay < c.MaxDelay; i++ {
		delay = b.NextBackOff()
	}

	if delay < c.MinDelay {
		delay = c.MinDelay
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}
