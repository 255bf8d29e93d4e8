package session

import "time"

// Activity event types written to the activity log.
const (
	EventConnecting   = "connecting"
	EventLoggedOn     = "logged_on"
	EventChallenge    = "challenge"
	EventCodeSent     = "code_submitted"
	EventError        = "error"
	EventRetry        = "retry_scheduled"
	EventDisconnected = "disconnected"
	EventStopped      = "stopped"
	EventUsage        = "usage"
)

// ActivityRecorder receives one event per session transition. Implementations
// must not block; the controller calls it with its lock held.
type ActivityRecorder interface {
	RecordActivity(accountID, eventType, details string, at time.Time)
}

type nopRecorder struct{}

func (nopRecorder) RecordActivity(string, string, string, time.Time) {}
