package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SnapshotVersion is the current state file format version.
const SnapshotVersion = 1

var (
	// ErrNoSnapshot is returned by Store.Load when nothing has been saved.
	ErrNoSnapshot = errors.New("no saved account state")
	// ErrCorruptSnapshot is returned by Store.Load when the saved state
	// cannot be parsed.
	ErrCorruptSnapshot = errors.New("account state is corrupt")
)

// Snapshot is the serialized form of a Registry: a keyed mapping of
// records plus their insertion order.
type Snapshot struct {
	Version   int                `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
	Order     []string           `json:"order"`
	Accounts  map[string]*Record `json:"accounts"`
}

// Store persists registry snapshots.
type Store interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

// FileStore keeps the snapshot in a single JSON file that is rewritten
// completely on every save.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

// Save writes the snapshot atomically: temp file, fsync, rename.
func (s *FileStore) Save(snapshot *Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "accounts.*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing state: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("chmod state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}

	success = true
	return nil
}

// Load reads the snapshot. A missing file yields ErrNoSnapshot. A file that
// does not parse is moved aside to <path>.corrupt.<timestamp> and
// ErrCorruptSnapshot is returned.
func (s *FileStore) Load() (*Snapshot, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("opening state file: %w", err)
	}
	data, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	snapshot, parseErr := decodeSnapshot(data)
	if parseErr == nil {
		return snapshot, nil
	}

	backup := s.path + ".corrupt." + s.now().UTC().Format("20060102T150405Z")
	if err := os.Rename(s.path, backup); err != nil {
		return nil, fmt.Errorf("%w: %v (and moving it aside failed: %v)", ErrCorruptSnapshot, parseErr, err)
	}
	return nil, fmt.Errorf("%w: %v (moved to %s)", ErrCorruptSnapshot, parseErr, backup)
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	if snapshot.Version > SnapshotVersion {
		return nil, fmt.Errorf("state version %d is newer than supported version %d", snapshot.Version, SnapshotVersion)
	}
	if snapshot.Accounts == nil {
		snapshot.Accounts = make(map[string]*Record)
	}
	return &snapshot, nil
}

// MemoryStore keeps the last snapshot in memory. Used in tests and when
// persistence is disabled.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot []byte
	saves    int
	failWith error
}

// Load implements Store.
func (m *MemoryStore) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil, ErrNoSnapshot
	}
	return decodeSnapshot(m.snapshot)
}

// Save implements Store.
func (m *MemoryStore) Save(snapshot *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	m.snapshot = data
	m.saves++
	return nil
}

// Saves returns the number of successful saves.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FailWith makes subsequent saves return err; nil restores normal saves.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}
