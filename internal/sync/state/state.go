// Package state persists the sync coordinator's durable bookkeeping: which
// books are dirty, whether ledger activity is dirty, and when the last
// successful flush happened.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// CurrentVersion is the current version of the sync state format
	CurrentVersion = "2.0"
	// DefaultStateFile is the default path for the sync state file
	DefaultStateFile = "./data/sync_state.json"
)

// State is the durable sync bookkeeping. Invariant: a non-empty pending set
// or PendingActivity=true means a flush is owed.
type State struct {
	Version         string          `json:"version"`
	LastSync        int64           `json:"lastSync"`
	LocalVersion    int64           `json:"localVersion"`
	PendingBooks    map[string]bool `json:"pendingBooks,omitempty"`
	PendingActivity bool            `json:"pendingActivity"`
	mu              sync.RWMutex    `json:"-"`
}

// NewState creates a new empty state with current version
func NewState() *State {
	return &State{
		Version:      CurrentVersion,
		PendingBooks: make(map[string]bool),
	}
}

// LoadState loads the sync state from a file, migrating if necessary
func LoadState(path string) (*State, error) {
	if path == "" {
		path = DefaultStateFile
	}

	targetDir := filepath.Dir(path)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %q: %w", targetDir, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			state := NewState()
			// Save the new state file to ensure the directory is writable
			if err := state.Save(path); err != nil {
				return nil, fmt.Errorf("failed to initialize new state file at %q: %w", path, err)
			}
			return state, nil
		}
		return nil, fmt.Errorf("failed to read state file at %q: %w", path, err)
	}

	var version struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("invalid state file format: %w", err)
	}

	var state *State
	switch version.Version {
	case "", "1.0":
		var v1 v1State
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, fmt.Errorf("failed to parse v1 state: %w", err)
		}
		state = migrateV1ToV2(v1)
	case CurrentVersion:
		state = NewState()
		if err := json.Unmarshal(data, state); err != nil {
			return nil, fmt.Errorf("failed to parse state: %w", err)
		}
		if state.PendingBooks == nil {
			state.PendingBooks = make(map[string]bool)
		}
	default:
		return nil, fmt.Errorf("unsupported state version: %s", version.Version)
	}

	return state, nil
}

// Save writes the state to a file via a temp file and rename.
func (s *State) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path == "" {
		path = DefaultStateFile
	}

	targetDir := filepath.Dir(path)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %q: %w", targetDir, err)
	}

	tmpFile, err := os.CreateTemp(targetDir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %q: %w", targetDir, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file: %w", err)
	}

	// Close the file before renaming (required on Windows)
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove existing state file: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %q: %w", path, err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		return fmt.Errorf("failed to set permissions on state file: %w", err)
	}

	return nil
}

// MarkBook flags a book as needing a flush. Duplicate marks collapse.
// Returns true when the mark changed the pending set.
func (s *State) MarkBook(bookID string) bool {
	if bookID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.PendingBooks[bookID] {
		return false
	}
	s.PendingBooks[bookID] = true
	s.LocalVersion++
	return true
}

// MarkActivity flags the ledger as needing a flush. Duplicate marks
// collapse. Returns true when the mark changed the flag.
func (s *State) MarkActivity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.PendingActivity {
		return false
	}
	s.PendingActivity = true
	s.LocalVersion++
	return true
}

// HasPending reports whether a flush is owed.
func (s *State) HasPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.PendingBooks) > 0 || s.PendingActivity
}

// PendingBookIDs returns the dirty book ids in stable order.
func (s *State) PendingBookIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.PendingBooks))
	for id := range s.PendingBooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClearPending drops all dirty flags and stamps the last sync time. Called
// after a successful flush.
func (s *State) ClearPending(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.PendingBooks = make(map[string]bool)
	s.PendingActivity = false
	s.LastSync = at.Unix()
}

// ChangeVersion returns the monotonic mutation counter. Capture it before
// serializing a snapshot and pass it to ClearPendingIfUnchanged afterwards.
func (s *State) ChangeVersion() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LocalVersion
}

// ClearPendingIfUnchanged stamps the last sync time and drops the dirty
// flags only when no mark landed after version was captured. Marks that
// raced the flush stay pending; the flush they owe is still owed. Reports
// whether the flags were cleared.
func (s *State) ClearPendingIfUnchanged(version int64, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LastSync = at.Unix()
	if s.LocalVersion != version {
		return false
	}
	s.PendingBooks = make(map[string]bool)
	s.PendingActivity = false
	return true
}

// LastSyncTime returns the time of the last successful flush, or the zero
// time when no flush has happened yet.
func (s *State) LastSyncTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.LastSync == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastSync, 0)
}

// v1State represents the version 1.0 state format
// This is used for migration purposes only
type v1State struct {
	LastSyncTimestamp int64    `json:"lastSyncTimestamp"`
	PendingBooks      []string `json:"pendingBooks"`
	Version           string   `json:"version"`
}

// migrateV1ToV2 migrates a v1 state to v2
func migrateV1ToV2(v1 v1State) *State {
	state := NewState()
	state.LastSync = v1.LastSyncTimestamp / 1000 // Convert ms to s
	for _, id := range v1.PendingBooks {
		if id != "" {
			state.PendingBooks[id] = true
		}
	}
	return state
}
