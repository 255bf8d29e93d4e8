package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounceDelay = 250 * time.Millisecond
	defaultChangesBuffer = 4
	defaultErrorsBuffer  = 10
)

// Watcher reloads the config file whenever it changes on disk and emits
// the parsed result. Editors that save by rename are handled by watching
// the parent directory.
type Watcher struct {
	path string

	fsWatcher *fsnotify.Watcher
	changes   chan *Config
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once

	debouncer *debouncer

	wg sync.WaitGroup
}

// Watch starts watching the config file at path with the default debounce
// delay.
func Watch(path string) (*Watcher, error) {
	return WatchWithDebounceDelay(path, defaultDebounceDelay)
}

// WatchWithDebounceDelay starts a watcher that reloads at most once per
// burst of writes, delay after the last one.
func WatchWithDebounceDelay(path string, delay time.Duration) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("abs config path: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ensure config dir exists: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:      abs,
		fsWatcher: fsw,
		changes:   make(chan *Config, defaultChangesBuffer),
		errors:    make(chan error, defaultErrorsBuffer),
		done:      make(chan struct{}),
	}
	w.debouncer = newDebouncer(delay, w.reload)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()

	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.debouncer.Trigger()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.emitError(err)
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	if _, err := os.Stat(w.path); errors.Is(err, os.ErrNotExist) {
		// Renamed away mid-save; the following create triggers again.
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		w.emitError(err)
		return
	}
	select {
	case w.changes <- cfg:
	default:
		// Consumer is stalled; drop the oldest pending config.
		select {
		case <-w.changes:
		default:
		}
		select {
		case w.changes <- cfg:
		default:
		}
	}
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Changes returns reloaded configs. The channel is never closed.
func (w *Watcher) Changes() <-chan *Config { return w.changes }

// Errors returns load and watch errors. The channel is never closed.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Close stops the watcher and releases OS resources.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.debouncer.Stop()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) emitError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// debouncer runs fn once, delay after the last Trigger.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	if delay <= 0 {
		delay = defaultDebounceDelay
	}
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
