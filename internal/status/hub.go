package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultBroadcastInterval is how often the hub pushes a snapshot.
const DefaultBroadcastInterval = time.Second

// subscriberBuffer is the number of frames a subscriber may lag behind
// before frames are dropped for it.
const subscriberBuffer = 4

// Update is the push envelope.
type Update struct {
	Type     string                 `json:"type"`
	Accounts map[string]AccountView `json:"accounts"`
}

// Hub periodically encodes a snapshot once and fans it out to every
// subscriber. A slow subscriber loses frames; it never blocks the others.
type Hub struct {
	projector *Projector
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	ch      chan []byte
	dropped int
}

// NewHub creates a hub. A non-positive interval uses
// DefaultBroadcastInterval.
func NewHub(projector *Projector, interval time.Duration, logger *slog.Logger) *Hub {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		projector: projector,
		interval:  interval,
		logger:    logger,
		subs:      make(map[*subscription]struct{}),
	}
}

// Interval returns the broadcast interval.
func (h *Hub) Interval() time.Duration {
	return h.interval
}

// Subscribe registers a subscriber. The returned channel receives encoded
// Update frames and is closed by cancel or when the hub stops. The first
// frame is queued immediately.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	sub := &subscription{ch: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	if frame, err := h.Frame(); err == nil {
		h.deliver(sub, frame)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Frame encodes the current snapshot as an Update.
func (h *Hub) Frame() ([]byte, error) {
	snap := h.projector.Snapshot()
	return json.Marshal(Update{Type: "update", Accounts: snap.Accounts})
}

// Publish broadcasts the current snapshot now.
func (h *Hub) Publish() {
	h.mu.Lock()
	if len(h.subs) == 0 || h.closed {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	frame, err := h.Frame()
	if err != nil {
		h.logger.Error("encoding status update", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.deliverLocked(sub, frame)
	}
}

// Run broadcasts every interval until ctx is done, then closes all
// subscriber channels.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-ticker.C:
			h.Publish()
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

func (h *Hub) deliver(sub *subscription, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		h.deliverLocked(sub, frame)
	}
}

func (h *Hub) deliverLocked(sub *subscription, frame []byte) {
	select {
	case sub.ch <- frame:
	default:
		sub.dropped++
		if sub.dropped == 1 || sub.dropped%100 == 0 {
			h.logger.Debug("subscriber too slow, dropping status frame", "dropped", sub.dropped)
		}
	}
}
