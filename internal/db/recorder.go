package db

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRecorderBuffer is the number of events a Recorder queues before it
// starts dropping.
const DefaultRecorderBuffer = 256

// Recorder writes activity events to the database from a single background
// goroutine. RecordActivity never blocks: when the queue is full the event
// is dropped and counted.
type Recorder struct {
	db     *DB
	logger *slog.Logger
	events chan Event

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewRecorder starts a recorder writing to d. A non-positive buffer uses
// DefaultRecorderBuffer.
func NewRecorder(d *DB, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		db:     d,
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// RecordActivity queues one event.
func (r *Recorder) RecordActivity(accountID, eventType, details string, at time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.events <- Event{Timestamp: at, AccountID: accountID, EventType: eventType, Details: details}:
	default:
		n := r.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			r.logger.Warn("activity queue full, dropping event",
				"account_id", accountID,
				"event_type", eventType,
				"dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events, writes everything already queued, and
// waits for the writer to finish. It does not close the database.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.events {
		if err := r.db.LogEvent(e); err != nil {
			r.logger.Warn("failed to record activity",
				"account_id", e.AccountID,
				"event_type", e.EventType,
				"error", err)
		}
	}
}
