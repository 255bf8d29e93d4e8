package steam

import (
	"errors"
	"sync"
)

// ErrChallengeConsumed is returned when a challenge is answered twice.
var ErrChallengeConsumed = errors.New("challenge already answered")

// Challenge is the one-shot second-factor request delivered mid-login.
// Submit may succeed at most once; later calls fail with
// ErrChallengeConsumed.
type Challenge struct {
	// Domain is the e-mail domain the code was sent to, or empty when the
	// code comes from a mobile authenticator.
	Domain string

	// LastCodeWrong is set when this challenge re-asks after a rejected
	// code.
	LastCodeWrong bool

	mu     sync.Mutex
	used   bool
	submit func(code string) error
}

// NewChallenge wraps submit as a one-shot challenge.
func NewChallenge(domain string, lastCodeWrong bool, submit func(code string) error) *Challenge {
	return &Challenge{
		Domain:        domain,
		LastCodeWrong: lastCodeWrong,
		submit:        submit,
	}
}

// Mobile reports whether the code comes from a mobile authenticator.
func (c *Challenge) Mobile() bool {
	return c.Domain == ""
}

// Submit answers the challenge with code.
func (c *Challenge) Submit(code string) error {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return ErrChallengeConsumed
	}
	c.used = true
	submit := c.submit
	c.mu.Unlock()

	if submit == nil {
		return nil
	}
	return submit(code)
}

// Used reports whether Submit has been called.
func (c *Challenge) Used() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}
