package account

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the connection state of an account's session.
type State string

const (
	StateOffline           State = "offline"
	StateConnecting        State = "connecting"
	StateOnline            State = "online"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateError             State = "error"
)

// Active reports whether a session attempt is in progress or established.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateOnline, StateAwaitingChallenge:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateOffline, StateConnecting, StateOnline, StateAwaitingChallenge, StateError:
		return true
	default:
		return false
	}
}

// UnmarshalJSON maps unknown or empty values to offline.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}
	st := State(str)
	if !st.Valid() {
		st = StateOffline
	}
	*s = st
	return nil
}

// Record is one managed account: static identity plus the mutable session
// fields owned by that account's controller.
type Record struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName"`
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	SharedSecret string   `json:"sharedSecret,omitempty"`
	GameIDs      []uint32 `json:"gameIds"`

	State                 State     `json:"connectionState"`
	LastError             string    `json:"lastError,omitempty"`
	AwaitingChallengeCode bool      `json:"awaitingChallengeCode"`
	SessionStartedAt      time.Time `json:"sessionStartedAt,omitempty"`
	RetryAttempts         int       `json:"retryAttempts,omitempty"`
	CooldownUntil         time.Time `json:"cooldownUntil,omitempty"`

	// Usage is total playtime in minutes across GameIDs. The baseline is
	// the first reading taken for this record and never moves.
	BaselineUsage   int64     `json:"baselineUsage"`
	CurrentUsage    int64     `json:"currentUsage"`
	AccruedUsage    int64     `json:"accruedUsage"`
	UsageCapturedAt time.Time `json:"usageCapturedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.GameIDs = append([]uint32(nil), r.GameIDs...)
	return r
}

// resetSession clears everything that cannot outlive the process.
func (r *Record) resetSession() {
	r.State = StateOffline
	r.AwaitingChallengeCode = false
	r.SessionStartedAt = time.Time{}
	r.RetryAttempts = 0
	r.CooldownUntil = time.Time{}
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	DisplayName  *string
	Password     *string
	SharedSecret *string
	GameIDs      []uint32

	State                 *State
	LastError             *string
	AwaitingChallengeCode *bool
	SessionStartedAt      *time.Time
	RetryAttempts         *int
	CooldownUntil         *time.Time
	CurrentUsage          *int64
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

func (p Patch) apply(r *Record, now time.Time) {
	if p.DisplayName != nil {
		r.DisplayName = *p.DisplayName
	}
	if p.Password != nil {
		r.Password = *p.Password
	}
	if p.SharedSecret != nil {
		r.SharedSecret = *p.SharedSecret
	}
	if p.GameIDs != nil {
		r.GameIDs = append([]uint32(nil), p.GameIDs...)
	}
	if p.State != nil {
		r.State = *p.State
	}
	if p.LastError != nil {
		r.LastError = *p.LastError
	}
	if p.AwaitingChallengeCode != nil {
		r.AwaitingChallengeCode = *p.AwaitingChallengeCode
	}
	if p.SessionStartedAt != nil {
		r.SessionStartedAt = *p.SessionStartedAt
	}
	if p.RetryAttempts != nil {
		r.RetryAttempts = *p.RetryAttempts
	}
	if p.CooldownUntil != nil {
		r.CooldownUntil = *p.CooldownUntil
	}
	if p.CurrentUsage != nil {
		if r.UsageCapturedAt.IsZero() {
			r.BaselineUsage = *p.CurrentUsage
		}
		r.CurrentUsage = *p.CurrentUsage
		r.UsageCapturedAt = now
		r.AccruedUsage = r.CurrentUsage - r.BaselineUsage
		if r.AccruedUsage < 0 {
			r.AccruedUsage = 0
		}
	}
}
