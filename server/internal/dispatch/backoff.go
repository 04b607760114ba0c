package dispatch

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = 30 * time.Second
	backoffFactor = 2
	backoffCap    = 15 * time.Minute
	jitterRatio   = 0.2
)

// Delay returns the wait before retry attempt n (1-based): the base
// delay doubled per attempt, capped, with +/-20% jitter.
func Delay(attempt int) time.Duration {
	return delayWithJitter(attempt, rand.Float64())
}

func delayWithJitter(attempt int, unit float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	jitter := time.Duration((unit*2 - 1) * jitterRatio * float64(delay))
	return delay + jitter
}
