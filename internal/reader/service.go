// Package reader is the consumer-facing surface of the core: the reading UI
// (out of scope here) talks to a Service and never to the catalog, ledger,
// cache, or sync coordinator directly.
package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bookblue/bookblue-sync/internal/blobcache"
	"github.com/bookblue/bookblue-sync/internal/catalog"
	"github.com/bookblue/bookblue-sync/internal/dropbox"
	"github.com/bookblue/bookblue-sync/internal/identity"
	"github.com/bookblue/bookblue-sync/internal/ledger"
	"github.com/bookblue/bookblue-sync/internal/logger"
	"github.com/bookblue/bookblue-sync/internal/models"
	"github.com/bookblue/bookblue-sync/internal/storage"
	syncsvc "github.com/bookblue/bookblue-sync/internal/sync"
)

const (
	// DefaultMinDwell rejects reading-time credits from page flips faster
	// than a human could read.
	DefaultMinDwell = 3 * time.Second
	// DefaultMaxEvent caps a single page's dwell credit so an idle tab
	// cannot bank hours.
	DefaultMaxEvent = 300 * time.Second
)

// Options tunes the dwell gate.
type Options struct {
	MinDwell time.Duration
	MaxEvent time.Duration
}

// Service wires the core components behind the small API the reading
// surface calls. bookRef arguments accept an id, a path, or a bare
// filename; unknown references are auto-created so a progress write can
// never be lost to a missing record.
type Service struct {
	catalog     *catalog.Catalog
	ledger      *ledger.Ledger
	cache       *blobcache.Cache
	store       storage.Store
	remote      syncsvc.RemoteStore
	coordinator *syncsvc.Coordinator
	logger      *logger.Logger

	minDwell time.Duration
	maxEvent time.Duration
}

// New creates the service. opts fields at zero take the defaults.
func New(cat *catalog.Catalog, led *ledger.Ledger, cache *blobcache.Cache, store storage.Store, remote syncsvc.RemoteStore, coord *syncsvc.Coordinator, opts Options, log *logger.Logger) *Service {
	if opts.MinDwell <= 0 {
		opts.MinDwell = DefaultMinDwell
	}
	if opts.MaxEvent <= 0 {
		opts.MaxEvent = DefaultMaxEvent
	}
	return &Service{
		catalog:     cat,
		ledger:      led,
		cache:       cache,
		store:       store,
		remote:      remote,
		coordinator: coord,
		logger:      log,
		minDwell:    opts.MinDwell,
		maxEvent:    opts.MaxEvent,
	}
}

// resolve maps a loose book reference to a catalog id, creating a record
// when nothing matches.
func (s *Service) resolve(bookRef string) (string, bool) {
	if bookRef == "" {
		return "", false
	}
	if id, book := s.catalog.FindBook(bookRef); book != nil {
		return id, true
	}

	meta := models.BookMetadata{}
	switch {
	case strings.HasPrefix(bookRef, identity.ISBNPrefix):
		meta.ID = bookRef
	case strings.HasPrefix(bookRef, identity.FilePrefix):
		meta.Filename = strings.TrimPrefix(bookRef, identity.FilePrefix)
	case strings.Contains(bookRef, "/"):
		meta.Path = bookRef
	default:
		meta.Filename = bookRef
	}
	return s.catalog.AddBook(meta), true
}

// AddBook registers a book from its metadata and returns its id.
func (s *Service) AddBook(meta models.BookMetadata) string {
	return s.catalog.AddBook(meta)
}

// RecordProgress moves the progress cursor for bookRef.
func (s *Service) RecordProgress(bookRef string, location int64) bool {
	return s.RecordProgressPercent(bookRef, location, nil)
}

// RecordProgressPercent is RecordProgress with an optional percentage.
func (s *Service) RecordProgressPercent(bookRef string, location int64, percentage *float64) bool {
	id, ok := s.resolve(bookRef)
	if !ok {
		return false
	}
	return s.catalog.UpdateProgress(id, location, percentage)
}

// RecordReadingMinutes credits one page's dwell time to bookRef. Dwell
// below the minimum is rejected outright; dwell above the per-event cap is
// clamped to the cap. Returns whether anything was credited.
func (s *Service) RecordReadingMinutes(bookRef string, dwell time.Duration) bool {
	if dwell < s.minDwell {
		s.logger.Debug("Dwell below minimum, not recording", map[string]interface{}{
			"book_ref": bookRef,
			"dwell":    dwell.String(),
		})
		return false
	}
	if dwell > s.maxEvent {
		dwell = s.maxEvent
	}

	id, ok := s.resolve(bookRef)
	if !ok {
		return false
	}

	minutes := dwell.Minutes()
	if !s.ledger.RecordActivity(id, minutes) {
		return false
	}
	s.catalog.AddReadingTime(id, minutes)
	return true
}

// MarkFinished flips the one-way finished flag for bookRef.
func (s *Service) MarkFinished(bookRef string) bool {
	id, ok := s.resolve(bookRef)
	if !ok {
		return false
	}
	return s.catalog.MarkAsFinished(id)
}

// SetCurrentBook points the current-book pointer at bookRef, creating the
// record if needed.
func (s *Service) SetCurrentBook(bookRef string) bool {
	id, ok := s.resolve(bookRef)
	if !ok {
		return false
	}
	return s.catalog.SetCurrentBook(id)
}

// GetCurrentBook returns the book the current pointer refers to.
func (s *Service) GetCurrentBook() (models.Book, bool) {
	return s.catalog.GetCurrentBook()
}

// GetBook returns the catalog record for bookRef without creating one.
func (s *Service) GetBook(bookRef string) (models.Book, bool) {
	_, book := s.catalog.FindBook(bookRef)
	if book == nil {
		return models.Book{}, false
	}
	return *book, true
}

// GetBookBytes returns the EPUB payload for bookRef: cache hit if resident,
// otherwise fetched from the remote store and cached. A missing remote file
// returns (nil, nil); transport failures return an error.
func (s *Service) GetBookBytes(ctx context.Context, bookRef string) ([]byte, error) {
	id, book := s.catalog.FindBook(bookRef)
	if book == nil {
		s.logger.Info("Book bytes requested for unknown book", map[string]interface{}{
			"book_ref": bookRef,
		})
		return nil, nil
	}

	if blob, ok := s.cache.GetBook(book.Filename); ok {
		return blob, nil
	}

	path := book.Path
	if path == "" {
		path = "/" + book.Filename
	}
	blob, err := s.remote.Download(ctx, path)
	if errors.Is(err, dropbox.ErrNotFound) {
		s.logger.Info("Book not present in remote store", map[string]interface{}{
			"book_id": id,
			"path":    path,
		})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch book: %w", err)
	}

	// A failed cache fill is a performance loss, not an error.
	s.cache.CacheBook(book.Filename, blob)
	return blob, nil
}

// CacheCover stores an opaque cover reference for bookRef.
func (s *Service) CacheCover(bookRef, ref string) bool {
	id, ok := s.resolve(bookRef)
	if !ok {
		return false
	}
	if book, found := s.catalog.GetBook(id); found {
		return s.cache.CacheCover(book.Filename, ref)
	}
	return false
}

// GetCover returns the cached cover reference for bookRef, if resident.
func (s *Service) GetCover(bookRef string) (string, bool) {
	_, book := s.catalog.FindBook(bookRef)
	if book == nil {
		return "", false
	}
	return s.cache.GetCover(book.Filename)
}

// SaveNote stores the note text for bookRef. Notes ride along with the next
// snapshot flush.
func (s *Service) SaveNote(bookRef, text string) bool {
	id, ok := s.resolve(bookRef)
	if !ok {
		return false
	}
	if err := s.store.Set(storage.NotePrefix+id, []byte(text)); err != nil {
		s.logger.Error("Failed to save note", map[string]interface{}{
			"book_id": id,
			"error":   err.Error(),
		})
		return false
	}
	s.coordinator.MarkBookChanged(id)
	return true
}

// GetNote returns the note text for bookRef, if any.
func (s *Service) GetNote(bookRef string) (string, bool) {
	_, book := s.catalog.FindBook(bookRef)
	if book == nil {
		return "", false
	}
	data, ok, err := s.store.Get(storage.NotePrefix + book.ID)
	if err != nil {
		s.logger.Error("Failed to load note", map[string]interface{}{
			"book_id": book.ID,
			"error":   err.Error(),
		})
		return "", false
	}
	if !ok {
		return "", false
	}
	return string(data), true
}

// GetStats returns the derived reading statistics.
func (s *Service) GetStats() models.ReadingStats {
	return s.ledger.GetStats()
}

// GetRecentBooks returns up to limit books by last-read descending.
func (s *Service) GetRecentBooks(limit int) []models.Book {
	return s.catalog.GetRecentBooks(limit)
}

// GetFinishedBooks returns the finished books.
func (s *Service) GetFinishedBooks() []models.Book {
	return s.catalog.GetFinishedBooks()
}
