// Package retry implements the per-account reconnect backoff: a fixed
// escalating delay sequence, an attempt counter, a cooldown window and the
// single timer that fires the next attempt.
package retry

import (
	"sync"
	"time"

	"github.com/Dicklesworthstone/steamboost/internal/clock"
)

// Backoff is the retry state of one session controller. At most one timer
// is armed at a time. The zero value is not usable; call NewBackoff.
type Backoff struct {
	mu     sync.Mutex
	policy Policy
	clock  clock.Clock

	attempts      int
	cooldownUntil time.Time
	timer         clock.Timer
	generation    uint64
}

// NewBackoff creates a Backoff using policy and c. A nil clock means the
// real clock.
func NewBackoff(policy Policy, c clock.Clock) *Backoff {
	if c == nil {
		c = clock.Real()
	}
	return &Backoff{policy: policy, clock: c}
}

// Schedule arms a one-shot timer that clears the cooldown and calls fire.
// The delay is chosen from the attempt count before this failure is
// counted, so the first failure waits the first delay in the policy. Any
// previously armed timer is cancelled first. Schedule returns the delay and
// the new attempt count.
func (b *Backoff) Schedule(fire func()) (time.Duration, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()

	delay := b.policy.NextDelay(b.attempts)
	b.attempts++
	b.cooldownUntil = b.clock.Now().Add(delay)
	b.generation++
	gen := b.generation

	b.timer = b.clock.AfterFunc(delay, func() {
		b.mu.Lock()
		if b.generation != gen || b.timer == nil {
			// Superseded or cancelled while the callback was in flight.
			b.mu.Unlock()
			return
		}
		b.timer = nil
		b.cooldownUntil = time.Time{}
		b.mu.Unlock()

		fire()
	})

	return delay, b.attempts
}

// Cancel disarms the timer and clears the cooldown. The attempt count is
// kept. Cancelling with nothing armed is a no-op.
func (b *Backoff) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

// Reset cancels any armed timer and zeroes the attempt count.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
	b.attempts = 0
}

// Pending reports whether a retry timer is armed.
func (b *Backoff) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timer != nil
}

// Attempts returns the number of failures counted since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// CooldownUntil returns the end of the current cooldown window, or the zero
// time when there is none.
func (b *Backoff) CooldownUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldownUntil
}

// InCooldown reports whether now is before the end of the cooldown window.
func (b *Backoff) InCooldown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.cooldownUntil.IsZero() && b.clock.Now().Before(b.cooldownUntil)
}

func (b *Backoff) stopLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.generation++
	b.cooldownUntil = time.Time{}
}
