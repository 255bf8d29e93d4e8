// Package fleet owns the session controllers of all managed accounts. It
// creates them lazily on first start, keeps at most one per account, and
// exposes the control operations used by the API and the CLI.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Dicklesworthstone/steamboost/internal/account"
	"github.com/Dicklesworthstone/steamboost/internal/clock"
	"github.com/Dicklesworthstone/steamboost/internal/retry"
	"github.com/Dicklesworthstone/steamboost/internal/session"
	"github.com/Dicklesworthstone/steamboost/internal/steam"
)

var (
	// ErrNotFound is returned for an unknown account or, for stop and code
	// submission, an account with no live controller.
	ErrNotFound = errors.New("account not found")
	// ErrRateLimited is returned when codes are submitted too quickly.
	ErrRateLimited = errors.New("too many code submissions, slow down")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("fleet manager closed")
	// ErrInvalidArgument is returned for malformed new accounts.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Default code submission limits: a burst of three, then one every five
// seconds.
const (
	DefaultCodeInterval = 5 * time.Second
	DefaultCodeBurst    = 3
)

// Options configures a Manager.
type Options struct {
	Registry *account.Registry
	Factory  steam.Factory
	Policy   retry.Policy
	Clock    clock.Clock
	Activity session.ActivityRecorder
	Logger   *slog.Logger

	JournalSize   int
	UsageTimeout  time.Duration
	UsageInterval time.Duration

	CodeInterval time.Duration
	CodeBurst    int
}

// NewAccount holds the fields supplied when adding an account.
type NewAccount struct {
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	DisplayName  string   `json:"displayName"`
	GameIDs      []uint32 `json:"gameIds"`
	SharedSecret string   `json:"sharedSecret,omitempty"`
}

type entry struct {
	// mu serializes lifecycle operations for one account.
	mu   sync.Mutex
	ctrl *session.Controller
	// removed is set by teardown; a removed entry never gets a controller.
	removed bool
}

// Manager indexes controllers by account id.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	removing map[string]struct{}
	journals map[string]*session.Journal
	limiters map[string]*rate.Limiter
	closed   bool
}

// New creates a manager and registers it as the registry's remove hook so
// removing an account tears its controller down first.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if len(opts.Policy.Delays) == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.JournalSize <= 0 {
		opts.JournalSize = session.DefaultJournalSize
	}
	if opts.CodeInterval <= 0 {
		opts.CodeInterval = DefaultCodeInterval
	}
	if opts.CodeBurst <= 0 {
		opts.CodeBurst = DefaultCodeBurst
	}

	m := &Manager{
		opts:     opts,
		logger:   opts.Logger,
		entries:  make(map[string]*entry),
		removing: make(map[string]struct{}),
		journals: make(map[string]*session.Journal),
		limiters: make(map[string]*rate.Limiter),
	}
	opts.Registry.SetRemoveHook(m.teardown)
	return m
}

// Registry returns the account registry the manager operates on.
func (m *Manager) Registry() *account.Registry {
	return m.opts.Registry
}

// StartOne starts the account, creating its controller if needed.
func (m *Manager) StartOne(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.opts.Registry.Has(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e, err := m.entry(id, true)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.ctrl == nil {
		ctrl, err := session.New(session.Config{
			AccountID:     id,
			Registry:      m.opts.Registry,
			Factory:       m.opts.Factory,
			Policy:        m.opts.Policy,
			Clock:         m.opts.Clock,
			Journal:       m.Journal(id),
			Activity:      m.opts.Activity,
			Logger:        m.logger,
			UsageTimeout:  m.opts.UsageTimeout,
			UsageInterval: m.opts.UsageInterval,
		})
		if err != nil {
			return fmt.Errorf("create controller: %w", err)
		}
		e.ctrl = ctrl
		m.logger.Debug("controller created", "account", id)
	}

	err = e.ctrl.Start()
	if errors.Is(err, account.ErrNotFound) {
		// Removed between the lookup and the start.
		m.destroyLocked(id, e)
		m.dropEntryLocked(id, e)
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// StopOne stops the account and destroys its controller. Any pending retry
// is cancelled.
func (m *Manager) StopOne(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := m.entry(id, false)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctrl == nil {
		return fmt.Errorf("%w: no session for %s", ErrNotFound, id)
	}
	m.destroyLocked(id, e)
	return nil
}

// StartAll starts every account in registry order. Failures are logged per
// account and returned keyed by id; they never abort the batch.
func (m *Manager) StartAll(ctx context.Context) map[string]error {
	return m.batch(ctx, "start", m.StartOne, nil)
}

// StopAll stops every account with a live controller.
func (m *Manager) StopAll(ctx context.Context) map[string]error {
	return m.batch(ctx, "stop", m.StopOne, func(err error) bool {
		return errors.Is(err, ErrNotFound)
	})
}

func (m *Manager) batch(ctx context.Context, op string, fn func(context.Context, string) error, ignore func(error) bool) map[string]error {
	failures := make(map[string]error)
	for _, id := range m.opts.Registry.IDs() {
		if err := ctx.Err(); err != nil {
			failures[id] = err
			continue
		}
		err := fn(ctx, id)
		if err == nil || (ignore != nil && ignore(err)) {
			continue
		}
		failures[id] = err
		m.logger.Warn("batch "+op+" failed", "account", id, "error", err)
	}
	return failures
}

// SubmitChallengeCode hands code to the account's pending challenge.
func (m *Manager) SubmitChallengeCode(ctx context.Context, id, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := m.entry(id, false)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctrl == nil {
		return fmt.Errorf("%w: no session for %s", ErrNotFound, id)
	}
	if !m.limiter(id).Allow() {
		return ErrRateLimited
	}
	return e.ctrl.SubmitChallengeCode(code)
}

// AddAccount registers a new offline account under a generated id. No
// controller is created until the account is started.
func (m *Manager) AddAccount(ctx context.Context, in NewAccount) (account.Record, error) {
	if err := ctx.Err(); err != nil {
		return account.Record{}, err
	}
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return account.Record{}, fmt.Errorf("%w: username is required", ErrInvalidArgument)
	}
	if in.Password == "" {
		return account.Record{}, fmt.Errorf("%w: password is required", ErrInvalidArgument)
	}
	if in.SharedSecret != "" {
		if _, err := steam.GenerateGuardCode(in.SharedSecret, m.opts.Clock.Now()); err != nil {
			return account.Record{}, fmt.Errorf("%w: shared secret: %v", ErrInvalidArgument, err)
		}
	}

	rec := account.Record{
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Username:     in.Username,
		Password:     in.Password,
		SharedSecret: in.SharedSecret,
		GameIDs:      in.GameIDs,
	}

	for range 3 {
		rec.ID = uuid.New().String()[:8]
		added, err := m.opts.Registry.Add(rec)
		if errors.Is(err, account.ErrDuplicate) {
			continue
		}
		if err != nil {
			return account.Record{}, err
		}
		m.logger.Info("account added", "account", added.ID, "username", added.Username)
		return added, nil
	}
	return account.Record{}, fmt.Errorf("could not allocate a unique account id")
}

// RemoveAccount tears down the account's controller and deletes the
// account. Starts that race with the removal fail with ErrNotFound.
func (m *Manager) RemoveAccount(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.removing[id] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.removing, id)
		m.mu.Unlock()
	}()

	if err := m.opts.Registry.Remove(id); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	m.logger.Info("account removed", "account", id)
	return nil
}

// teardown runs from the registry before a record is removed.
func (m *Manager) teardown(id string) {
	m.mu.Lock()
	e := m.entries[id]
	delete(m.entries, id)
	delete(m.journals, id)
	delete(m.limiters, id)
	m.mu.Unlock()

	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	if e.ctrl != nil {
		m.destroyLocked(id, e)
	}
}

// dropEntryLocked unlinks e from the index if it is still current. The
// caller holds e.mu.
func (m *Manager) dropEntryLocked(id string, e *entry) {
	m.mu.Lock()
	if m.entries[id] == e {
		delete(m.entries, id)
	}
	m.mu.Unlock()
}

func (m *Manager) destroyLocked(id string, e *entry) {
	if err := e.ctrl.Stop(); err != nil && !errors.Is(err, session.ErrClosed) {
		m.logger.Warn("stop failed", "account", id, "error", err)
	}
	if err := e.ctrl.Close(); err != nil {
		m.logger.Warn("closing client failed", "account", id, "error", err)
	}
	e.ctrl = nil
	m.logger.Debug("controller destroyed", "account", id)
}

// Close stops every controller. Further operations fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		entries[id] = e
	}
	m.mu.Unlock()

	for id, e := range entries {
		e.mu.Lock()
		if e.ctrl != nil {
			m.destroyLocked(id, e)
		}
		e.mu.Unlock()
	}
}

// Journal returns the account's journal, creating it if needed. Journals
// outlive controllers so the history survives a stop.
func (m *Manager) Journal(id string) *session.Journal {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.journals[id]
	if !ok {
		j = session.NewJournal(m.opts.JournalSize)
		m.journals[id] = j
	}
	return j
}

// Entries returns the account's journal entries, newest first, without
// creating a journal for unknown ids.
func (m *Manager) Entries(id string) []session.Entry {
	m.mu.Lock()
	j := m.journals[id]
	m.mu.Unlock()
	if j == nil {
		return nil
	}
	return j.Entries()
}

// Active returns the ids with a live controller, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		entries[id] = e
	}
	m.mu.Unlock()

	var ids []string
	for id, e := range entries {
		e.mu.Lock()
		if e.ctrl != nil {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) entry(id string, create bool) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[id]
	if !ok {
		if !create {
			return nil, fmt.Errorf("%w: no session for %s", ErrNotFound, id)
		}
		if _, gone := m.removing[id]; gone {
			return nil, fmt.Errorf("%w: %s is being removed", ErrNotFound, id)
		}
		e = &entry{}
		m.entries[id] = e
	}
	return e, nil
}

func (m *Manager) limiter(id string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(m.opts.CodeInterval), m.opts.CodeBurst)
		m.limiters[id] = l
	}
	return l
}
