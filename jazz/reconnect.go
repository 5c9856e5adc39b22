package jazz

import (
	"math"
	"time"
)

// decides whether a failed or dropped connection is tried again.
// `attempt` counts consecutive failures, starting at 0, and resets once a
// connection comes up
type ReconnectPolicy interface {
	Next(attempt int) (time.Duration, bool)
}

type noReconnect struct{}

// every connection failure is terminal
func NoReconnect() ReconnectPolicy {
	return noReconnect{}
}

func (self noReconnect) Next(attempt int) (time.Duration, bool) {
	return 0, false
}

// exponential backoff, capped at `max`. `maxTries` <= 0 retries forever
type BackoffReconnect struct {
	Base     time.Duration
	Factor   float64
	Max      time.Duration
	MaxTries int
}

func NewBackoffReconnect(base time.Duration, factor float64, max time.Duration, maxTries int) *BackoffReconnect {
	if factor < 1 {
		factor = 1
	}
	if max < base {
		max = base
	}
	return &BackoffReconnect{
		Base:     base,
		Factor:   factor,
		Max:      max,
		MaxTries: maxTries,
	}
}

func (self *BackoffReconnect) Next(attempt int) (time.Duration, bool) {
	if 0 < self.MaxTries && self.MaxTries <= attempt {
		return 0, false
	}
	d := float64(self.Base) * math.Pow(self.Factor, float64(attempt))
	if float64(self.Max) < d {
		return self.Max, true
	}
	return time.Duration(d), true
}
