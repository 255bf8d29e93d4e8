// Package status projects the account registry into the secret-free view
// served to the dashboard, pushes it to subscribers, and renders it for the
// terminal.
package status

import (
	"time"

	"github.com/Dicklesworthstone/steamboost/internal/account"
	"github.com/Dicklesworthstone/steamboost/internal/session"
)

// AccountView is the public view of one account. It never carries the
// username, password or shared secret.
type AccountView struct {
	ID                    string          `json:"id"`
	DisplayName           string          `json:"displayName"`
	ConnectionState       account.State   `json:"connectionState"`
	AwaitingChallengeCode bool            `json:"awaitingChallengeCode"`
	LastError             *string         `json:"lastError"`
	AccruedUsage          int64           `json:"accruedUsage"`
	CurrentUsage          int64           `json:"currentUsage"`
	RetryAttempts         int             `json:"retryAttempts"`
	CooldownUntil         *time.Time      `json:"cooldownUntil,omitempty"`
	SessionStartedAt      *time.Time      `json:"sessionStartedAt,omitempty"`
	GameIDs               []uint32        `json:"gameIds"`
	Log                   []session.Entry `json:"log"`
}

// Snapshot is a point-in-time view of all accounts.
type Snapshot struct {
	GeneratedAt time.Time              `json:"generatedAt"`
	Order       []string               `json:"order"`
	Accounts    map[string]AccountView `json:"accounts"`
}

// Views returns the account views in registry order.
func (s Snapshot) Views() []AccountView {
	out := make([]AccountView, 0, len(s.Order))
	for _, id := range s.Order {
		if v, ok := s.Accounts[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Counts returns how many accounts are in each state.
func (s Snapshot) Counts() map[account.State]int {
	counts := make(map[account.State]int)
	for _, v := range s.Accounts {
		counts[v.ConnectionState]++
	}
	return counts
}

// JournalSource supplies per-account journal entries.
type JournalSource interface {
	Entries(id string) []session.Entry
}

// Projector builds snapshots from the registry. It only reads.
type Projector struct {
	registry *account.Registry
	journals JournalSource
	now      func() time.Time
	logLimit int
}

// NewProjector creates a projector. journals may be nil. logLimit caps the
// entries included per account; zero includes all.
func NewProjector(registry *account.Registry, journals JournalSource, now func() time.Time, logLimit int) *Projector {
	if now == nil {
		now = time.Now
	}
	return &Projector{registry: registry, journals: journals, now: now, logLimit: logLimit}
}

// Snapshot returns the current view of every account.
func (p *Projector) Snapshot() Snapshot {
	records := p.registry.List()
	snap := Snapshot{
		GeneratedAt: p.now(),
		Order:       make([]string, 0, len(records)),
		Accounts:    make(map[string]AccountView, len(records)),
	}
	for _, rec := range records {
		snap.Order = append(snap.Order, rec.ID)
		snap.Accounts[rec.ID] = p.view(rec)
	}
	return snap
}

func (p *Projector) view(rec account.Record) AccountView {
	v := AccountView{
		ID:                    rec.ID,
		DisplayName:           rec.DisplayName,
		ConnectionState:       rec.State,
		AwaitingChallengeCode: rec.AwaitingChallengeCode,
		AccruedUsage:          rec.AccruedUsage,
		CurrentUsage:          rec.CurrentUsage,
		RetryAttempts:         rec.RetryAttempts,
		GameIDs:               rec.GameIDs,
		Log:                   []session.Entry{},
	}
	if v.GameIDs == nil {
		v.GameIDs = []uint32{}
	}
	if rec.LastError != "" {
		msg := rec.LastError
		v.LastError = &msg
	}
	if !rec.CooldownUntil.IsZero() {
		until := rec.CooldownUntil
		v.CooldownUntil = &until
	}
	if !rec.SessionStartedAt.IsZero() {
		started := rec.SessionStartedAt
		v.SessionStartedAt = &started
	}
	if p.journals != nil {
		entries := p.journals.Entries(rec.ID)
		if p.logLimit > 0 && len(entries) > p.logLimit {
			entries = entries[:p.logLimit]
		}
		if entries != nil {
			v.Log = entries
		}
	}
	return v
}
