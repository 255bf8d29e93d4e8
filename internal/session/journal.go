package session

import (
	"sync"
	"time"
)

// DefaultJournalSize is how many entries a journal keeps per account.
const DefaultJournalSize = 50

// Level grades a journal entry for display.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Entry is one line of an account's journal.
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Level   Level     `json:"level"`
}

// Journal is a bounded ring of recent entries for one account. It outlives
// the controller that writes to it, so the history survives a stop.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewJournal creates a journal keeping the last size entries. A size below
// one uses DefaultJournalSize.
func NewJournal(size int) *Journal {
	if size < 1 {
		size = DefaultJournalSize
	}
	return &Journal{entries: make([]Entry, size)}
}

// Add appends an entry, overwriting the oldest one when full.
func (j *Journal) Add(at time.Time, level Level, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries[j.next] = Entry{Time: at, Message: message, Level: level}
	j.next++
	if j.next == len(j.entries) {
		j.next = 0
		j.full = true
	}
}

// Entries returns the kept entries, newest first.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := j.next
	if j.full {
		n = len(j.entries)
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (j.next - i + len(j.entries)) % len(j.entries)
		out = append(out, j.entries[idx])
	}
	return out
}

// Len returns the number of kept entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.full {
		return len(j.entries)
	}
	return j.next
}
