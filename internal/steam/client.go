// Package steam defines the boundary to the remote-protocol client: the
// operations a session controller drives, the events it receives, the error
// taxonomy used to decide whether to retry, and the one-shot second-factor
// challenge handle.
package steam

import "context"

// PersonaState is the presence shown to friends once logged on.
type PersonaState int

const (
	PersonaOffline PersonaState = iota
	PersonaOnline
	PersonaBusy
	PersonaAway
)

func (p PersonaState) String() string {
	switch p {
	case PersonaOffline:
		return "offline"
	case PersonaOnline:
		return "online"
	case PersonaBusy:
		return "busy"
	case PersonaAway:
		return "away"
	default:
		return "unknown"
	}
}

// Credentials are handed to LogOn and never stored by the client.
type Credentials struct {
	Username string
	Password string
}

// Usage is a point-in-time playtime reading for a set of games.
type Usage struct {
	// Minutes is the total playtime across the requested games.
	Minutes int64
}

// EventSink receives the events of one client handle. A client delivers
// events for a handle one at a time, never concurrently with itself.
type EventSink interface {
	OnLoggedOn()
	OnChallengeRequested(challenge *Challenge)
	OnError(info ErrorInfo)
	OnDisconnected()
}

// Client is one session with the remote service.
type Client interface {
	// LogOn starts an asynchronous login. The outcome arrives through the
	// EventSink. A non-nil error means the attempt could not be started.
	LogOn(creds Credentials) error

	// LogOff ends the session.
	LogOff() error

	// SetPresence changes the persona state.
	SetPresence(state PersonaState) error

	// PlayGames marks the given app ids as in use. An empty slice clears it.
	PlayGames(appIDs []uint32) error

	// FetchUsage reads accumulated playtime for appIDs.
	FetchUsage(ctx context.Context, appIDs []uint32) (Usage, error)

	// Close releases the handle. The client delivers no events afterwards.
	Close() error
}

// Factory creates one client per account, bound to sink.
type Factory interface {
	NewClient(accountID string, sink EventSink) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(accountID string, sink EventSink) (Client, error)

// NewClient calls f.
func (f FactoryFunc) NewClient(accountID string, sink EventSink) (Client, error) {
	return f(accountID, sink)
}
