// Package session runs the per-account login state machine. A Controller
// wraps one protocol client handle, receives its events, drives retries
// through a retry.Backoff and writes every transition to the account
// registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Dicklesworthstone/steamboost/internal/account"
	"github.com/Dicklesworthstone/steamboost/internal/clock"
	"github.com/Dicklesworthstone/steamboost/internal/retry"
	"github.com/Dicklesworthstone/steamboost/internal/steam"
)

var (
	// ErrAlreadyActive is returned by Start while a session is connecting,
	// online or waiting for a code.
	ErrAlreadyActive = errors.New("session already active")
	// ErrCoolingDown is returned by Start inside a retry cooldown window.
	ErrCoolingDown = errors.New("account is cooling down")
	// ErrInvalidOperation is returned when a code is submitted with no
	// challenge pending.
	ErrInvalidOperation = errors.New("no challenge pending")
	// ErrInvalidArgument is returned for an empty challenge code.
	ErrInvalidArgument = errors.New("code is required")
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("session controller closed")

	errRetrySuperseded = errors.New("retry superseded")
)

// DefaultUsageTimeout bounds a single usage fetch.
const DefaultUsageTimeout = 15 * time.Second

// Config holds a controller's collaborators.
type Config struct {
	AccountID string
	Registry  *account.Registry
	Factory   steam.Factory
	Policy    retry.Policy
	Clock     clock.Clock
	Journal   *Journal
	Activity  ActivityRecorder
	Logger    *slog.Logger

	// UsageTimeout bounds each usage fetch. Zero uses DefaultUsageTimeout.
	UsageTimeout time.Duration
	// UsageInterval re-reads usage while online. Zero reads once per login.
	UsageInterval time.Duration
}

// Controller is the state machine for one account. All methods are safe for
// concurrent use. Client calls are made without holding the controller lock
// so a client that delivers events synchronously cannot deadlock it.
type Controller struct {
	id            string
	registry      *account.Registry
	clock         clock.Clock
	backoff       *retry.Backoff
	journal       *Journal
	activity      ActivityRecorder
	logger        *slog.Logger
	usageTimeout  time.Duration
	usageInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	client     steam.Client
	state      account.State
	pending    *steam.Challenge
	autoCode   bool
	retryGen   uint64
	sessionGen uint64
	usageTimer clock.Timer
	closed     bool
}

// New creates a controller for cfg.AccountID and binds a fresh client to it.
// The controller starts offline.
func New(cfg Config) (*Controller, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	if len(cfg.Policy.Delays) == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Journal == nil {
		cfg.Journal = NewJournal(DefaultJournalSize)
	}
	if cfg.Activity == nil {
		cfg.Activity = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UsageTimeout <= 0 {
		cfg.UsageTimeout = DefaultUsageTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:            cfg.AccountID,
		registry:      cfg.Registry,
		clock:         cfg.Clock,
		backoff:       retry.NewBackoff(cfg.Policy, cfg.Clock),
		journal:       cfg.Journal,
		activity:      cfg.Activity,
		logger:        cfg.Logger.With("account", cfg.AccountID),
		usageTimeout:  cfg.UsageTimeout,
		usageInterval: cfg.UsageInterval,
		ctx:           ctx,
		cancel:        cancel,
		state:         account.StateOffline,
	}

	client, err := cfg.Factory.NewClient(cfg.AccountID, c)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create client for %s: %w", cfg.AccountID, err)
	}
	c.client = client
	return c, nil
}

// ID returns the account id.
func (c *Controller) ID() string {
	return c.id
}

// State returns the current connection state.
func (c *Controller) State() account.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChallengePending reports whether a second-factor code is awaited.
func (c *Controller) ChallengePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// RetryPending reports whether an automatic retry is armed.
func (c *Controller) RetryPending() bool {
	return c.backoff.Pending()
}

// Attempts returns the failure count since the last successful login.
func (c *Controller) Attempts() int {
	return c.backoff.Attempts()
}

// CooldownUntil returns the end of the current cooldown, or the zero time.
func (c *Controller) CooldownUntil() time.Time {
	return c.backoff.CooldownUntil()
}

// Start begins a login. It fails with ErrAlreadyActive while a session is
// in progress and with ErrCoolingDown inside a retry cooldown window.
func (c *Controller) Start() error {
	return c.start(false, 0)
}

func (c *Controller) start(fromRetry bool, gen uint64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if fromRetry && (gen != c.retryGen || c.state != account.StateError) {
		c.mu.Unlock()
		return errRetrySuperseded
	}
	if c.state.Active() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyActive, state)
	}
	if c.backoff.InCooldown() {
		until := c.backoff.CooldownUntil()
		c.mu.Unlock()
		return fmt.Errorf("%w until %s", ErrCoolingDown, until.Format(time.RFC3339))
	}
	rec, ok := c.registry.Get(c.id)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", account.ErrNotFound, c.id)
	}

	c.pending = nil
	c.autoCode = false
	c.setStateLocked(account.StateConnecting, account.Patch{
		LastError:             account.Ptr(""),
		AwaitingChallengeCode: account.Ptr(false),
		CooldownUntil:         account.Ptr(time.Time{}),
	})
	c.note(LevelInfo, EventConnecting, "Connecting to Steam...")
	client := c.client
	c.unlock()

	err := client.LogOn(steam.Credentials{Username: rec.Username, Password: rec.Password})
	if err != nil {
		c.OnError(steam.ErrorInfo{Result: steam.ResultNoConnection, Message: err.Error()})
		return fmt.Errorf("log on: %w", err)
	}
	return nil
}

func (c *Controller) retryStart(gen uint64) {
	err := c.start(true, gen)
	switch {
	case err == nil:
		c.logger.Info("retry started")
	case errors.Is(err, errRetrySuperseded), errors.Is(err, ErrClosed):
		c.logger.Debug("retry dropped", "reason", err)
	default:
		c.logger.Warn("retry failed to start", "error", err)
	}
}

// Stop logs off, cancels any pending retry, drops any pending challenge and
// leaves the controller offline. Client errors are ignored.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopLocked()
	client := c.client
	c.unlock()

	if err := client.LogOff(); err != nil {
		c.logger.Debug("log off failed", "error", err)
	}
	return nil
}

func (c *Controller) stopLocked() {
	c.retryGen++
	c.backoff.Reset()
	c.pending = nil
	c.autoCode = false
	c.leaveOnlineLocked()
	c.setStateLocked(account.StateOffline, account.Patch{
		AwaitingChallengeCode: account.Ptr(false),
		SessionStartedAt:      account.Ptr(time.Time{}),
		RetryAttempts:         account.Ptr(0),
		CooldownUntil:         account.Ptr(time.Time{}),
	})
	c.note(LevelInfo, EventStopped, "Stopped")
}

// SubmitChallengeCode answers the pending challenge with code. It fails with
// ErrInvalidArgument for an empty code and ErrInvalidOperation when no
// challenge is pending.
func (c *Controller) SubmitChallengeCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidArgument
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	challenge := c.pending
	if challenge == nil {
		c.mu.Unlock()
		return ErrInvalidOperation
	}
	c.pending = nil
	c.autoCode = false
	c.setStateLocked(account.StateConnecting, account.Patch{
		AwaitingChallengeCode: account.Ptr(false),
		LastError:             account.Ptr(""),
	})
	c.note(LevelInfo, EventCodeSent, "Steam Guard code submitted")
	c.unlock()

	if err := challenge.Submit(code); err != nil {
		if errors.Is(err, steam.ErrChallengeConsumed) {
			return ErrInvalidOperation
		}
		return fmt.Errorf("submit code: %w", err)
	}
	return nil
}

// Close stops the controller for good and releases the client handle. It
// waits for in-flight usage fetches to finish.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.retryGen++
	c.backoff.Reset()
	c.pending = nil
	c.leaveOnlineLocked()
	client := c.client
	c.mu.Unlock()

	c.cancel()
	err := client.Close()
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("close client: %w", err)
	}
	return nil
}

// OnLoggedOn implements steam.EventSink.
func (c *Controller) OnLoggedOn() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.state == account.StateOffline {
		// Stopped while the login was in flight.
		client := c.client
		c.mu.Unlock()
		c.logger.Info("discarding login that completed after stop")
		if err := client.LogOff(); err != nil {
			c.logger.Debug("log off failed", "error", err)
		}
		return
	}

	rec, _ := c.registry.Get(c.id)
	now := c.clock.Now()
	c.retryGen++
	c.backoff.Reset()
	c.pending = nil
	c.autoCode = false
	c.sessionGen++
	c.setStateLocked(account.StateOnline, account.Patch{
		LastError:             account.Ptr(""),
		AwaitingChallengeCode: account.Ptr(false),
		SessionStartedAt:      account.Ptr(now),
		RetryAttempts:         account.Ptr(0),
		CooldownUntil:         account.Ptr(time.Time{}),
	})
	c.note(LevelSuccess, EventLoggedOn, "Logged in successfully")
	c.fetchUsageLocked()
	client := c.client
	c.unlock()

	if err := client.SetPresence(steam.PersonaOnline); err != nil {
		c.logger.Warn("set presence failed", "error", err)
	}
	if len(rec.GameIDs) > 0 {
		if err := client.PlayGames(rec.GameIDs); err != nil {
			c.logger.Warn("play games failed", "error", err)
			return
		}
		c.journal.Add(c.clock.Now(), LevelInfo, fmt.Sprintf("Playing %d game(s)", len(rec.GameIDs)))
	}
}

// OnChallengeRequested implements steam.EventSink.
func (c *Controller) OnChallengeRequested(challenge *steam.Challenge) {
	c.mu.Lock()
	if c.closed || (c.state != account.StateConnecting && c.state != account.StateAwaitingChallenge) {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("ignoring challenge outside a login", "state", state)
		return
	}

	rec, _ := c.registry.Get(c.id)
	auto := rec.SharedSecret != ""
	lastError := ""
	if challenge.LastCodeWrong {
		lastError = "Steam Guard code was rejected"
		if c.autoCode {
			auto = false
			lastError = "Generated Steam Guard code was rejected, enter the code manually"
		}
	}

	c.pending = challenge
	c.autoCode = false
	c.setStateLocked(account.StateAwaitingChallenge, account.Patch{
		AwaitingChallengeCode: account.Ptr(true),
		LastError:             account.Ptr(lastError),
	})

	if !auto {
		where := "mobile authenticator"
		if !challenge.Mobile() {
			where = "email at " + challenge.Domain
		}
		c.note(LevelWarning, EventChallenge, "Steam Guard code required ("+where+")")
		c.unlock()
		return
	}

	code, err := steam.GenerateGuardCode(rec.SharedSecret, c.clock.Now())
	if err != nil {
		c.logger.Warn("generating guard code failed", "error", err)
		c.patchLocked(account.Patch{LastError: account.Ptr("Cannot generate Steam Guard code: " + err.Error())})
		c.note(LevelWarning, EventChallenge, "Steam Guard code required, automatic generation failed")
		c.unlock()
		return
	}

	c.pending = nil
	c.autoCode = true
	c.setStateLocked(account.StateConnecting, account.Patch{
		AwaitingChallengeCode: account.Ptr(false),
	})
	c.note(LevelInfo, EventCodeSent, "Steam Guard code generated and submitted")
	c.unlock()

	if err := challenge.Submit(code); err != nil {
		c.logger.Warn("submitting generated code failed", "error", err)
	}
}

// OnError implements steam.EventSink. Transient failures arm a retry; fatal
// ones wait for an operator.
func (c *Controller) OnError(info steam.ErrorInfo) {
	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return
	}
	if !c.state.Active() {
		c.logger.Debug("ignoring error for inactive session", "error", info.Error())
		return
	}

	c.pending = nil
	c.autoCode = false
	c.leaveOnlineLocked()

	msg := info.Error()
	kind := steam.Classify(info)
	c.logger.Warn("session error", "error", msg, "result", info.Result, "kind", kind)

	if kind == steam.KindFatal {
		c.retryGen++
		c.backoff.Cancel()
		c.setStateLocked(account.StateError, account.Patch{
			LastError:             account.Ptr(msg),
			AwaitingChallengeCode: account.Ptr(false),
			RetryAttempts:         account.Ptr(c.backoff.Attempts()),
			CooldownUntil:         account.Ptr(time.Time{}),
		})
		c.note(LevelError, EventError, "Error: "+msg+". Start the account again once fixed")
		return
	}

	c.retryGen++
	gen := c.retryGen
	delay, attempts := c.backoff.Schedule(func() { c.retryStart(gen) })
	c.setStateLocked(account.StateError, account.Patch{
		LastError:             account.Ptr(msg),
		AwaitingChallengeCode: account.Ptr(false),
		RetryAttempts:         account.Ptr(attempts),
		CooldownUntil:         account.Ptr(c.backoff.CooldownUntil()),
	})
	c.note(LevelWarning, EventError, "Error: "+msg)
	c.note(LevelInfo, EventRetry, fmt.Sprintf("Retrying in %s (attempt %d)", delay, attempts))
}

// OnDisconnected implements steam.EventSink. An active session drops to
// offline; an errored session keeps its error and any armed retry.
func (c *Controller) OnDisconnected() {
	c.mu.Lock()
	defer c.unlock()

	if c.closed || !c.state.Active() {
		return
	}
	if c.backoff.Pending() {
		c.note(LevelWarning, EventDisconnected, "Disconnected, retry pending")
		return
	}

	c.pending = nil
	c.autoCode = false
	c.leaveOnlineLocked()
	c.setStateLocked(account.StateOffline, account.Patch{
		AwaitingChallengeCode: account.Ptr(false),
		SessionStartedAt:      account.Ptr(time.Time{}),
	})
	c.note(LevelWarning, EventDisconnected, "Disconnected from Steam")
}

// fetchUsageLocked reads usage in the background for the current online
// session. The result is dropped if the session has ended meanwhile.
func (c *Controller) fetchUsageLocked() {
	if c.closed || c.state != account.StateOnline {
		return
	}
	rec, ok := c.registry.Get(c.id)
	if !ok {
		return
	}
	gen := c.sessionGen
	client := c.client

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.ctx, c.usageTimeout)
		usage, err := client.FetchUsage(ctx, rec.GameIDs)
		cancel()

		c.mu.Lock()
		defer c.unlock()
		if c.closed || c.sessionGen != gen || c.state != account.StateOnline {
			return
		}
		if err != nil {
			c.logger.Warn("usage fetch failed", "error", err)
			c.journal.Add(c.clock.Now(), LevelWarning, "Could not read playtime: "+err.Error())
		} else {
			updated := c.patchLocked(account.Patch{CurrentUsage: account.Ptr(usage.Minutes)})
			c.activity.RecordActivity(c.id, EventUsage,
				fmt.Sprintf("current=%d accrued=%d", updated.CurrentUsage, updated.AccruedUsage), c.clock.Now())
			c.logger.Debug("usage updated", "current", updated.CurrentUsage, "accrued", updated.AccruedUsage)
		}

		if c.usageInterval > 0 {
			c.usageTimer = c.clock.AfterFunc(c.usageInterval, func() {
				c.mu.Lock()
				defer c.mu.Unlock()
				if c.sessionGen == gen {
					c.fetchUsageLocked()
				}
			})
		}
	}()
}

func (c *Controller) leaveOnlineLocked() {
	c.sessionGen++
	if c.usageTimer != nil {
		c.usageTimer.Stop()
		c.usageTimer = nil
	}
}

func (c *Controller) setStateLocked(state account.State, patch account.Patch) {
	prev := c.state
	c.state = state
	patch.State = account.Ptr(state)
	c.patchLocked(patch)
	if prev != state {
		c.logger.Info("state changed", "from", prev, "to", state)
	}
}

// patchLocked stages patch in the registry. The file write happens in
// unlock, after c.mu is released.
func (c *Controller) patchLocked(patch account.Patch) account.Record {
	rec, err := c.registry.Apply(c.id, patch)
	if err != nil {
		c.logger.Debug("registry update skipped", "error", err)
	}
	return rec
}

// unlock releases c.mu and then writes any staged record changes.
func (c *Controller) unlock() {
	c.mu.Unlock()
	if err := c.registry.Flush(); err != nil {
		c.logger.Warn("failed to persist account state", "error", err)
	}
}

func (c *Controller) note(level Level, event, message string) {
	now := c.clock.Now()
	c.journal.Add(now, level, message)
	c.activity.RecordActivity(c.id, event, message, now)
}
