// Package account holds the managed accounts: their static configuration,
// the mutable session record each controller writes, and the snapshot file
// that keeps both across restarts.
package account

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for an unknown account id.
	ErrNotFound = errors.New("account not found")
	// ErrDuplicate is returned when adding an id that already exists.
	ErrDuplicate = errors.New("account already exists")
	// ErrInvalid is returned for records missing required fields.
	ErrInvalid = errors.New("invalid account")
)

// LoadSource tells where Load took the accounts from.
type LoadSource string

const (
	SourceStore    LoadSource = "store"
	SourceDefaults LoadSource = "defaults"
)

// Registry is the set of managed accounts in insertion order. Every
// mutation except Apply rewrites the backing store; a failed write is
// logged and the in-memory state stays authoritative. Concurrent writers
// coalesce: a flush whose change is already covered by a newer snapshot
// skips the write.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	seq     uint64 // bumped on every mutation, guarded by mu

	saveMu   sync.Mutex
	savedSeq uint64 // seq of the last stored snapshot, guarded by saveMu
	store    Store

	defaults []Record
	logger   *slog.Logger
	now      func() time.Time

	hookMu   sync.RWMutex
	onRemove func(id string)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaults sets the built-in accounts used when no saved state exists
// or the saved state is unreadable.
func WithDefaults(defaults []Record) RegistryOption {
	return func(r *Registry) {
		r.defaults = make([]Record, 0, len(defaults))
		for _, d := range defaults {
			r.defaults = append(r.defaults, d.Clone())
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithNow sets the time source used for timestamps.
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry persisting to store. A nil store
// keeps state in memory only.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		records: make(map[string]*Record),
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRemoveHook registers fn to run before a record is removed. The fleet
// manager uses it to tear down the account's controller first.
func (r *Registry) SetRemoveHook(fn func(id string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onRemove = fn
}

// Load replaces the registry contents with the saved snapshot, or with the
// defaults when nothing usable is saved. It never fails: unreadable state
// is logged and skipped. Session fields are reset because no session
// survives a restart.
func (r *Registry) Load() LoadSource {
	source := SourceDefaults
	var snapshot *Snapshot

	if r.store != nil {
		loaded, err := r.store.Load()
		switch {
		case err == nil:
			snapshot = loaded
			source = SourceStore
		case errors.Is(err, ErrNoSnapshot):
			r.logger.Info("no saved account state, using defaults", "defaults", len(r.defaults))
		case errors.Is(err, ErrCorruptSnapshot):
			r.logger.Warn("saved account state is corrupt, using defaults", "error", err)
		default:
			r.logger.Warn("cannot read saved account state, using defaults", "error", err)
		}
	}

	r.mu.Lock()
	r.records = make(map[string]*Record)
	r.order = nil
	if snapshot != nil {
		r.restoreLocked(snapshot)
	} else {
		for _, d := range r.defaults {
			if err := validate(d); err != nil {
				r.logger.Warn("skipping invalid default account", "id", d.ID, "error", err)
				continue
			}
			rec := d.Clone()
			r.prepareNewLocked(&rec)
			r.insertLocked(&rec)
		}
	}
	count := len(r.order)
	r.seq++
	r.mu.Unlock()

	r.logger.Info("accounts loaded", "source", source, "count", count)
	if source == SourceDefaults {
		r.persist()
	}
	return source
}

func (r *Registry) restoreLocked(snapshot *Snapshot) {
	seen := make(map[string]bool, len(snapshot.Accounts))
	add := func(id string) {
		rec, ok := snapshot.Accounts[id]
		if !ok || rec == nil || seen[id] {
			return
		}
		seen[id] = true
		cp := rec.Clone()
		cp.ID = id
		cp.resetSession()
		r.insertLocked(&cp)
	}
	for _, id := range snapshot.Order {
		add(id)
	}
	// Records missing from the order list (hand-edited files) go last.
	for id := range snapshot.Accounts {
		add(id)
	}
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// List returns copies of all records in insertion order.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Clone())
	}
	return out
}

// IDs returns the account ids in insertion order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Add inserts a new record in state offline and persists.
func (r *Registry) Add(rec Record) (Record, error) {
	if err := validate(rec); err != nil {
		return Record{}, err
	}

	r.mu.Lock()
	if _, exists := r.records[rec.ID]; exists {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	cp := rec.Clone()
	r.prepareNewLocked(&cp)
	r.insertLocked(&cp)
	r.seq++
	out := cp.Clone()
	r.mu.Unlock()

	r.persist()
	return out, nil
}

// Merge adds every record from defaults whose id is not yet registered and
// returns how many were added. Existing records are left untouched.
func (r *Registry) Merge(defaults []Record) int {
	added := 0

	r.mu.Lock()
	for _, d := range defaults {
		if _, exists := r.records[d.ID]; exists {
			continue
		}
		if err := validate(d); err != nil {
			r.logger.Warn("skipping invalid account", "id", d.ID, "error", err)
			continue
		}
		rec := d.Clone()
		r.prepareNewLocked(&rec)
		r.insertLocked(&rec)
		added++
	}
	if added > 0 {
		r.seq++
	}
	r.mu.Unlock()

	if added > 0 {
		r.persist()
	}
	return added
}

// Upsert merges patch into the record for id and persists. The returned
// record is the state after the patch.
func (r *Registry) Upsert(id string, patch Patch) (Record, error) {
	out, err := r.Apply(id, patch)
	if err != nil {
		return Record{}, err
	}
	r.persist()
	return out, nil
}

// Apply merges patch into the record for id in memory only. The change
// reaches the store on the next Flush, Save or persisting mutation.
func (r *Registry) Apply(id string, patch Patch) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	patch.apply(rec, r.now())
	r.seq++
	return rec.Clone(), nil
}

// Remove runs the remove hook for id, then deletes the record and persists.
func (r *Registry) Remove(id string) error {
	if !r.Has(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.hookMu.RLock()
	hook := r.onRemove
	r.hookMu.RUnlock()
	if hook != nil {
		hook(id)
	}

	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.records, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.seq++
	r.mu.Unlock()

	r.persist()
	return nil
}

// Save writes the current state to the store and returns any error.
func (r *Registry) Save() error {
	if r.store == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	return r.writeLocked()
}

// Flush writes the state if any mutation made so far is not yet stored.
// Callers that find their change already written by another flush return
// without touching the store.
func (r *Registry) Flush() error {
	if r.store == nil {
		return nil
	}
	r.mu.RLock()
	want := r.seq
	r.mu.RUnlock()

	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if r.savedSeq >= want {
		return nil
	}
	return r.writeLocked()
}

// writeLocked stores a fresh snapshot. The snapshot is taken under saveMu
// so a slower writer can never overwrite newer state with older state.
func (r *Registry) writeLocked() error {
	snap, seq := r.snapshot()
	if err := r.store.Save(snap); err != nil {
		return err
	}
	if seq > r.savedSeq {
		r.savedSeq = seq
	}
	return nil
}

// persist flushes and logs failures.
func (r *Registry) persist() {
	if err := r.Flush(); err != nil {
		r.logger.Warn("failed to persist account state", "error", err)
	}
}

func (r *Registry) snapshot() (*Snapshot, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &Snapshot{
		Version:   SnapshotVersion,
		UpdatedAt: r.now(),
		Order:     append([]string(nil), r.order...),
		Accounts:  make(map[string]*Record, len(r.records)),
	}
	for id, rec := range r.records {
		cp := rec.Clone()
		s.Accounts[id] = &cp
	}
	return s, r.seq
}

func (r *Registry) prepareNewLocked(rec *Record) {
	rec.resetSession()
	rec.LastError = ""
	if rec.DisplayName == "" {
		rec.DisplayName = rec.Username
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
}

func (r *Registry) insertLocked(rec *Record) {
	r.records[rec.ID] = rec
	r.order = append(r.order, rec.ID)
}

func validate(rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if strings.ContainsAny(rec.ID, "/ \t\n") {
		return fmt.Errorf("%w: id %q contains whitespace or '/'", ErrInvalid, rec.ID)
	}
	if strings.TrimSpace(rec.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrInvalid)
	}
	return nil
}
