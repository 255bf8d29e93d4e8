package steam

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Dicklesworthstone/steamboost/internal/clock"
)

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("client closed")

// SimulatedOptions configures the in-process client driver.
type SimulatedOptions struct {
	// Latency is the delay between a request and its event.
	Latency time.Duration

	// RequireGuard makes every login ask for a second-factor code.
	RequireGuard bool

	// GuardDomain is reported on challenges; empty means mobile codes.
	GuardDomain string

	// AcceptCode decides whether a submitted code is correct. Nil accepts
	// any five-character code.
	AcceptCode func(code string) bool

	// BaseUsageMinutes is the playtime reported before the first login.
	BaseUsageMinutes int64

	// Clock drives latency and usage accrual. Nil means the real clock.
	Clock clock.Clock
}

// Simulated is a deterministic stand-in for the protocol client. It follows
// the same event contract as a real driver and is used for local runs and
// integration tests.
type Simulated struct {
	opts  SimulatedOptions
	sink  EventSink
	clock clock.Clock

	mu         sync.Mutex
	closed     bool
	loggedOn   bool
	loggedOnAt time.Time
	persona    PersonaState
	playing    []uint32
	accrued    int64
	pending    clock.Timer
}

// NewSimulated creates a simulated client delivering events to sink.
func NewSimulated(sink EventSink, opts SimulatedOptions) *Simulated {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Simulated{opts: opts, sink: sink, clock: c}
}

// NewSimulatedFactory returns a Factory producing simulated clients. The
// options function may tailor behaviour per account; nil uses defaults.
func NewSimulatedFactory(options func(accountID string) SimulatedOptions) Factory {
	return FactoryFunc(func(accountID string, sink EventSink) (Client, error) {
		var opts SimulatedOptions
		if options != nil {
			opts = options(accountID)
		}
		return NewSimulated(sink, opts), nil
	})
}

// LogOn implements Client.
func (s *Simulated) LogOn(creds Credentials) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClientClosed
	}
	if creds.Username == "" {
		s.mu.Unlock()
		return errors.New("username is required")
	}
	s.stopPendingLocked()
	s.mu.Unlock()

	s.after(func() {
		if creds.Password == "" {
			s.sink.OnError(Fatal(ResultInvalidPassword, "invalid password"))
			return
		}
		if s.opts.RequireGuard {
			s.requestCode(false)
			return
		}
		s.completeLogOn()
	})
	return nil
}

// LogOff implements Client. It reports a disconnect like a real session.
func (s *Simulated) LogOff() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClientClosed
	}
	wasActive := s.loggedOn || s.pending != nil
	s.stopPendingLocked()
	s.settleUsageLocked()
	s.loggedOn = false
	s.playing = nil
	s.persona = PersonaOffline
	s.mu.Unlock()

	if wasActive {
		s.sink.OnDisconnected()
	}
	return nil
}

// SetPresence implements Client.
func (s *Simulated) SetPresence(state PersonaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClientClosed
	}
	s.persona = state
	return nil
}

// PlayGames implements Client.
func (s *Simulated) PlayGames(appIDs []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClientClosed
	}
	if !s.loggedOn {
		return errors.New("not logged on")
	}
	s.playing = append([]uint32(nil), appIDs...)
	return nil
}

// FetchUsage implements Client. Playtime grows by one minute per minute
// spent logged on with at least one game running.
func (s *Simulated) FetchUsage(ctx context.Context, appIDs []uint32) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Usage{}, ErrClientClosed
	}
	if !s.loggedOn {
		return Usage{}, errors.New("not logged on")
	}

	minutes := s.opts.BaseUsageMinutes + s.accrued
	if len(s.playing) > 0 {
		minutes += int64(s.clock.Now().Sub(s.loggedOnAt) / time.Minute)
	}
	return Usage{Minutes: minutes}, nil
}

// Close implements Client.
func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopPendingLocked()
	s.closed = true
	s.loggedOn = false
	return nil
}

// Disconnect simulates the remote side dropping the session.
func (s *Simulated) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.settleUsageLocked()
	s.loggedOn = false
	s.playing = nil
	s.mu.Unlock()

	s.sink.OnDisconnected()
}

// Fail simulates a runtime error reported by the remote side.
func (s *Simulated) Fail(info ErrorInfo) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.settleUsageLocked()
	s.loggedOn = false
	s.playing = nil
	s.mu.Unlock()

	s.sink.OnError(info)
}

// Persona returns the presence last set.
func (s *Simulated) Persona() PersonaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// Playing returns the app ids currently marked as in use.
func (s *Simulated) Playing() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.playing...)
}

// LoggedOn reports whether the simulated session is up.
func (s *Simulated) LoggedOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOn
}

func (s *Simulated) requestCode(lastCodeWrong bool) {
	challenge := NewChallenge(s.opts.GuardDomain, lastCodeWrong, func(code string) error {
		s.after(func() {
			if s.accept(code) {
				s.completeLogOn()
				return
			}
			s.requestCode(true)
		})
		return nil
	})
	s.sink.OnChallengeRequested(challenge)
}

func (s *Simulated) accept(code string) bool {
	if s.opts.AcceptCode != nil {
		return s.opts.AcceptCode(code)
	}
	return len(code) == guardCodeLength
}

func (s *Simulated) completeLogOn() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.loggedOn = true
	s.loggedOnAt = s.clock.Now()
	s.mu.Unlock()

	s.sink.OnLoggedOn()
}

// after runs f once the configured latency has elapsed, unless the client
// is closed or a newer request replaced it.
func (s *Simulated) after(f func()) {
	var timer clock.Timer
	run := func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if timer != nil && s.pending == timer {
			s.pending = nil
		}
		s.mu.Unlock()
		f()
	}

	if s.opts.Latency <= 0 {
		run()
		return
	}

	s.mu.Lock()
	timer = s.clock.AfterFunc(s.opts.Latency, run)
	s.pending = timer
	s.mu.Unlock()
}

func (s *Simulated) stopPendingLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

func (s *Simulated) settleUsageLocked() {
	if s.loggedOn && len(s.playing) > 0 {
		s.accrued += int64(s.clock.Now().Sub(s.loggedOnAt) / time.Minute)
	}
}
