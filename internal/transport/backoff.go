package transport

import (
	"math/rand"
	"time"
)

// MinBackoff/MaxBackoff bound the reconnect backoff schedule (spec §4.3:
// "Reconnect with exponential backoff 1->32 s, +-20% jitter, unlimited
// retries until canceled").
const (
	MinBackoff = 1 * time.Second
	MaxBackoff = 32 * time.Second
	jitterFrac = 0.20
)

// nextBackoff doubles the previous delay (starting at MinBackoff), caps at
// MaxBackoff, then applies symmetric +-20% jitter.
func nextBackoff(attempt int) time.Duration {
	d := MinBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			d = MaxBackoff
			break
		}
	}
	jitter := (rand.Float64()*2 - 1) * jitterFrac
	return time.Duration(float64(d) * (1 + jitter))
}
