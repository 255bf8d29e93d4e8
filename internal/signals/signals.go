// Package signals maps process signals onto daemon actions and guards the
// daemon with a PID file.
package signals

import (
	"os"
	"os/signal"
	"sync"
)

// Handler fans incoming signals out to per-action channels. Each channel
// holds at most one pending event; repeats are coalesced.
type Handler struct {
	reload   chan struct{}
	shutdown chan os.Signal
	dump     chan struct{}

	sigCh     chan os.Signal
	stop      func()
	closeOnce sync.Once
}

func newHandler(sigs ...os.Signal) *Handler {
	h := &Handler{
		reload:   make(chan struct{}, 1),
		shutdown: make(chan os.Signal, 1),
		dump:     make(chan struct{}, 1),
		sigCh:    make(chan os.Signal, 4),
	}
	done := make(chan struct{})
	signal.Notify(h.sigCh, sigs...)
	go h.loop(done)
	h.stop = func() {
		signal.Stop(h.sigCh)
		close(done)
	}
	return h
}

func (h *Handler) loop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig := <-h.sigCh:
			switch classify(sig) {
			case actionReload:
				notify(h.reload)
			case actionDump:
				notify(h.dump)
			case actionShutdown:
				select {
				case h.shutdown <- sig:
				default:
				}
			}
		}
	}
}

type action int

const (
	actionNone action = iota
	actionReload
	actionDump
	actionShutdown
)

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Reload fires when the config should be re-read.
func (h *Handler) Reload() <-chan struct{} {
	if h == nil {
		return nil
	}
	return h.reload
}

// Shutdown delivers the signal that asked the daemon to exit.
func (h *Handler) Shutdown() <-chan os.Signal {
	if h == nil {
		return nil
	}
	return h.shutdown
}

// DumpStats fires when the daemon should log a status summary.
func (h *Handler) DumpStats() <-chan struct{} {
	if h == nil {
		return nil
	}
	return h.dump
}

// Close stops signal delivery. It is safe to call on a nil Handler and
// more than once.
func (h *Handler) Close() error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		if h.stop != nil {
			h.stop()
		}
	})
	return nil
}
