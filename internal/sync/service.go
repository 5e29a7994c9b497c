// Package sync keeps exactly one authoritative remote JSON snapshot
// consistent with the local catalog and ledger, minimizing write frequency
// while bounding staleness.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/bookblue/bookblue-sync/internal/catalog"
	"github.com/bookblue/bookblue-sync/internal/dropbox"
	"github.com/bookblue/bookblue-sync/internal/identity"
	"github.com/bookblue/bookblue-sync/internal/ledger"
	"github.com/bookblue/bookblue-sync/internal/logger"
	"github.com/bookblue/bookblue-sync/internal/models"
	"github.com/bookblue/bookblue-sync/internal/storage"
	"github.com/bookblue/bookblue-sync/internal/sync/state"
)

// DefaultDebounce is the quiescence window for the trailing-edge debounced
// flush.
const DefaultDebounce = 2 * time.Second

// RemoteStore is the remote snapshot transport. Download returns
// dropbox.ErrNotFound when the path does not exist.
type RemoteStore interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte) error
}

// Options configures a Coordinator.
type Options struct {
	// SnapshotPath is the remote path of the JSON snapshot.
	SnapshotPath string
	// StatePath is the local sync bookkeeping file.
	StatePath string
	// Debounce overrides the quiescence window. Zero means DefaultDebounce.
	Debounce time.Duration
}

// Coordinator reconciles catalog + ledger state with the remote snapshot:
// merge on load, debounced push on mutation, immediate push on demand.
type Coordinator struct {
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	store   storage.Store
	remote  RemoteStore
	state   *state.State
	logger  *logger.Logger

	snapshotPath string
	statePath    string
	debounce     time.Duration

	mu    gosync.Mutex
	timer *time.Timer
}

// New creates a coordinator, loading (or initializing) the local sync state
// file.
func New(cat *catalog.Catalog, led *ledger.Ledger, store storage.Store, remote RemoteStore, opts Options, log *logger.Logger) (*Coordinator, error) {
	if opts.SnapshotPath == "" {
		return nil, errors.New("sync: snapshot path is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	st, err := state.LoadState(opts.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	return &Coordinator{
		catalog:      cat,
		ledger:       led,
		store:        store,
		remote:       remote,
		state:        st,
		logger:       log,
		snapshotPath: opts.SnapshotPath,
		statePath:    opts.StatePath,
		debounce:     opts.Debounce,
	}, nil
}

// MarkBookChanged flags a book as dirty and schedules a debounced flush.
// Duplicate marks collapse.
func (c *Coordinator) MarkBookChanged(bookID string) {
	c.state.MarkBook(bookID)
	c.scheduleFlush()
}

// MarkActivityChanged flags the ledger as dirty and schedules a debounced
// flush. Duplicate marks collapse.
func (c *Coordinator) MarkActivityChanged() {
	c.state.MarkActivity()
	c.scheduleFlush()
}

// HasPendingChanges reports whether a flush is owed.
func (c *Coordinator) HasPendingChanges() bool {
	return c.state.HasPending()
}

// LastSyncTime returns the time of the last successful flush.
func (c *Coordinator) LastSyncTime() time.Time {
	return c.state.LastSyncTime()
}

// scheduleFlush arms the trailing-edge debounce: each call replaces any
// pending timer, so a burst of mutations produces one flush after the
// quiescence window.
func (c *Coordinator) scheduleFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		if err := c.Flush(context.Background()); err != nil {
			// The next mutation reschedules; that is the only retry.
			c.logger.Error("Debounced flush failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})
}

// Flush serializes the catalog + ledger and uploads the snapshot now,
// absorbing any pending debounced flush. A failed flush leaves the dirty
// flags set and is not retried automatically.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	// Marks can land while the upload is in flight; only flags captured in
	// this snapshot may be cleared afterwards.
	version := c.state.ChangeVersion()
	snap := c.buildSnapshot()
	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	if err := c.remote.Upload(ctx, c.snapshotPath, data); err != nil {
		return fmt.Errorf("failed to upload snapshot: %w", err)
	}

	if !c.state.ClearPendingIfUnchanged(version, time.Now()) {
		c.logger.Debug("Mutations arrived during flush, flags stay pending", nil)
	}
	if err := c.state.Save(c.statePath); err != nil {
		c.logger.Error("Failed to persist sync state", map[string]interface{}{
			"error": err.Error(),
		})
	}

	c.logger.Debug("Snapshot flushed", map[string]interface{}{
		"path":  c.snapshotPath,
		"bytes": len(data),
	})
	return nil
}

// Close stops any pending debounced flush without firing it.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) buildSnapshot() *models.Snapshot {
	snap := models.NewSnapshot()
	snap.Books = c.catalog.Books()
	snap.Notes = c.loadNotes()
	snap.ReadingStats.ActivityData = c.ledger.ActivityData()
	snap.ReadingStats.FinishedBooks = finishedIDs(snap.Books)
	snap.CurrentBookID = c.catalog.CurrentBookID()
	snap.LastUpdated = time.Now()
	return snap
}

func (c *Coordinator) loadNotes() map[string]string {
	notes := make(map[string]string)
	pairs, err := c.store.ListPrefix(storage.NotePrefix)
	if err != nil {
		c.logger.Error("Failed to load notes for snapshot", map[string]interface{}{
			"error": err.Error(),
		})
		return notes
	}
	for key, value := range pairs {
		notes[strings.TrimPrefix(key, storage.NotePrefix)] = string(value)
	}
	return notes
}

func finishedIDs(books map[string]models.Book) []string {
	var ids []string
	for id, book := range books {
		if book.IsFinished {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	return ids
}

// Load fetches the remote snapshot and merges it into local state. An absent
// snapshot is a first run, not an error. A present snapshot fully replaces
// the local books, notes, reading stats, and current-book pointer (whole
// document last-write-wins; no cross-device conflict resolution).
func (c *Coordinator) Load(ctx context.Context) error {
	data, err := c.remote.Download(ctx, c.snapshotPath)
	if errors.Is(err, dropbox.ErrNotFound) {
		c.logger.Info("No remote snapshot, starting with local state", map[string]interface{}{
			"path": c.snapshotPath,
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to download snapshot: %w", err)
	}

	snap, err := parseSnapshot(data)
	if err != nil {
		// A corrupt snapshot is self-healed: keep local state and overwrite
		// the remote on the next flush.
		c.logger.Error("Remote snapshot is corrupt, keeping local state", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	c.apply(snap)
	c.logger.Info("Remote snapshot merged", map[string]interface{}{
		"books":        len(snap.Books),
		"notes":        len(snap.Notes),
		"active_days":  len(snap.ReadingStats.ActivityData),
		"current_book": snap.CurrentBookID,
	})
	return nil
}

func (c *Coordinator) apply(snap *models.Snapshot) {
	snap.Normalize()

	// finishedBooks may name books whose record predates the flag.
	for _, id := range snap.ReadingStats.FinishedBooks {
		if book, ok := snap.Books[id]; ok && !book.IsFinished {
			book.IsFinished = true
			snap.Books[id] = book
		}
	}

	current := snap.CurrentBookID
	if _, ok := snap.Books[current]; !ok {
		current = ""
	}

	c.catalog.ReplaceAll(snap.Books, current)
	c.ledger.ReplaceActivity(snap.ReadingStats.ActivityData)

	// Notes are replaced as a whole document too: a note absent from the
	// snapshot was deleted elsewhere and must not be resurrected by the next
	// upload.
	if existing, err := c.store.ListPrefix(storage.NotePrefix); err != nil {
		c.logger.Error("Failed to list notes for merge", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		for key := range existing {
			if _, ok := snap.Notes[strings.TrimPrefix(key, storage.NotePrefix)]; ok {
				continue
			}
			if err := c.store.Delete(key); err != nil {
				c.logger.Error("Failed to delete stale note", map[string]interface{}{
					"key":   key,
					"error": err.Error(),
				})
			}
		}
	}
	for id, text := range snap.Notes {
		if err := c.store.Set(storage.NotePrefix+id, []byte(text)); err != nil {
			c.logger.Error("Failed to store merged note", map[string]interface{}{
				"book_id": id,
				"error":   err.Error(),
			})
		}
	}
}

// parseSnapshot decodes a remote snapshot, accepting both the current
// versioned format and the legacy unversioned one.
func parseSnapshot(data []byte) (*models.Snapshot, error) {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}

	if probe.Version == models.SnapshotVersion {
		snap := models.NewSnapshot()
		if err := json.Unmarshal(data, snap); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot: %w", err)
		}
		return snap, nil
	}
	return parseLegacySnapshot(data)
}

// parseLegacySnapshot handles the pre-versioning format: a flat
// filename -> "location" map with _currentBook and _readingStats side keys.
// It is read once and never written back.
func parseLegacySnapshot(data []byte) (*models.Snapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse legacy snapshot: %w", err)
	}

	snap := models.NewSnapshot()
	today := models.Today()

	for key, value := range raw {
		switch key {
		case "_currentBook":
			var current string
			if err := json.Unmarshal(value, &current); err == nil {
				snap.CurrentBookID = current
			}
		case "_readingStats":
			// Legacy producers were known to leak non-plain values here;
			// sanitize before decoding into the typed form.
			var loose interface{}
			if err := json.Unmarshal(value, &loose); err != nil {
				continue
			}
			cleaned, err := json.Marshal(models.Sanitize(loose))
			if err != nil {
				continue
			}
			var stats models.SnapshotStats
			if err := json.Unmarshal(cleaned, &stats); err == nil {
				snap.ReadingStats = stats
			}
		case "version", "lastUpdated":
			// ignore
		default:
			location, ok := legacyLocation(value)
			if !ok {
				continue
			}
			filename := key
			id := identity.FilePrefix + filename
			snap.Books[id] = models.Book{
				ID:       id,
				Title:    identity.TitleFromFilename(filename),
				Filename: filename,
				Progress: models.Progress{
					Location:    location,
					LastUpdated: time.Now(),
				},
				AddedDate: today,
				LastRead:  today,
			}
		}
	}

	// The legacy current pointer, finished list, and per-day activity
	// buckets were all keyed by filename; remap them to catalog ids so they
	// line up with the books parsed above.
	if snap.CurrentBookID != "" {
		if id, book := identity.Find(snap.Books, snap.CurrentBookID); book != nil {
			snap.CurrentBookID = id
		} else {
			snap.CurrentBookID = ""
		}
	}
	for i, name := range snap.ReadingStats.FinishedBooks {
		if id, book := identity.Find(snap.Books, name); book != nil {
			snap.ReadingStats.FinishedBooks[i] = id
		}
	}
	for date, day := range snap.ReadingStats.ActivityData {
		books := make(map[string]float64, len(day.Books))
		for name, minutes := range day.Books {
			if id, book := identity.Find(snap.Books, name); book != nil {
				name = id
			}
			books[name] += minutes
		}
		day.Books = books
		snap.ReadingStats.ActivityData[date] = day
	}

	snap.Normalize()
	return snap, nil
}

func legacyLocation(value json.RawMessage) (int64, bool) {
	var asString string
	if err := json.Unmarshal(value, &asString); err == nil {
		loc, err := strconv.ParseInt(strings.TrimSpace(asString), 10, 64)
		return loc, err == nil
	}
	var asNumber int64
	if err := json.Unmarshal(value, &asNumber); err == nil {
		return asNumber, true
	}
	return 0, false
}
