package reconnect

import (
	"time"

	"github.com/cenkalti/backoff"
)

// DefaultInterval is the wait between a disconnect and the next attempt.
const DefaultInterval = 3 * time.Second

// Policy describes how long to wait before each reconnect attempt.
type Policy struct {
	// Interval is the first (and, with Multiplier <= 1, every) delay.
	Interval time.Duration `yaml:"interval"`
	// Multiplier > 1 grows the delay after each failed attempt.
	Multiplier float64 `yaml:"multiplier"`
	// MaxInterval caps a growing delay.
	MaxInterval time.Duration `yaml:"max_interval"`
	// Jitter randomizes each delay by +/- Jitter*delay. 0 disables it.
	Jitter float64 `yaml:"jitter"`
	// MaxAttempts stops retrying after that many consecutive failures.
	// 0 retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// Default is a fixed 3s wait, retried forever.
func Default() Policy { return Policy{Interval: DefaultInterval} }

// NewBackOff builds the delay sequence for p. NextBackOff returns
// backoff.Stop once MaxAttempts delays were handed out.
func (p Policy) NewBackOff() backoff.BackOff {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	var b backoff.BackOff
	if p.Multiplier <= 1 && p.Jitter <= 0 {
		b = backoff.NewConstantBackOff(interval)
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = interval
		eb.Multiplier = p.Multiplier
		if eb.Multiplier < 1 {
			eb.Multiplier = 1
		}
		eb.RandomizationFactor = p.Jitter
		eb.MaxInterval = p.MaxInterval
		if eb.MaxInterval < interval {
			eb.MaxInterval = interval
			if eb.Multiplier > 1 {
				eb.MaxInterval = 30 * time.Second
			}
		}
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	}
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	b.Reset()
	return b
}
