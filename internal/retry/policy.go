package retry

import (
	"errors"
	"time"
)

// Policy defines the reconnect delays applied after retryable failures.
// Delays are used in order and the last one repeats once the sequence is
// exhausted, so the worst-case wait is bounded by the final element.
type Policy struct {
	Delays []time.Duration
}

// DefaultPolicy returns the standard escalation: 30s, 1m, 2m, 5m, 10m, 30m.
func DefaultPolicy() Policy {
	return Policy{
		Delays: []time.Duration{
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
			300 * time.Second,
			600 * time.Second,
			1800 * time.Second,
		},
	}
}

// NextDelay returns the delay for the given attempt count. The result is
// non-decreasing in attempts when Delays is sorted, which Validate enforces.
func (p Policy) NextDelay(attempts int) time.Duration {
	if len(p.Delays) == 0 {
		return DefaultPolicy().NextDelay(attempts)
	}
	if attempts < 0 {
		attempts = 0
	}
	last := len(p.Delays) - 1
	if attempts > last {
		attempts = last
	}
	return p.Delays[attempts]
}

// MaxDelay returns the plateau delay.
func (p Policy) MaxDelay() time.Duration {
	if len(p.Delays) == 0 {
		return DefaultPolicy().MaxDelay()
	}
	return p.Delays[len(p.Delays)-1]
}

// Validate checks that the policy has at least one positive delay and that
// delays never shrink.
func (p Policy) Validate() error {
	if len(p.Delays) == 0 {
		return errors.New("retry policy needs at least one delay")
	}
	for i, d := range p.Delays {
		if d <= 0 {
			return errors.New("retry delays must be positive")
		}
		if i > 0 && d < p.Delays[i-1] {
			return errors.New("retry delays must be non-decreasing")
		}
	}
	return nil
}
