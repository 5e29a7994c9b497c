// Package catalog holds the authoritative record of every known book:
// metadata, progress cursor, finished flag, cumulative reading time, and the
// current-book pointer.
package catalog

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/bookblue/bookblue-sync/internal/identity"
	"github.com/bookblue/bookblue-sync/internal/logger"
	"github.com/bookblue/bookblue-sync/internal/models"
	"github.com/bookblue/bookblue-sync/internal/storage"
)

// maxEventMinutes caps a single reading-time credit at 24 hours. Anything
// larger is treated as a corrupt input, not a reading session.
const maxEventMinutes = 24 * 60

// timeNow is swapped out in tests.
var timeNow = time.Now

// Catalog is the book registry. All mutations go through its methods; reads
// return copies so callers can never alias internal state.
type Catalog struct {
	mu            sync.RWMutex
	books         map[string]models.Book
	currentBookID string

	store  storage.Store
	logger *logger.Logger

	// writeMu serializes the async persist writes; writeGen orders them so
	// the last marshaled state is also the last one written, even when the
	// goroutines are scheduled out of order. writeGen is bumped under mu,
	// lastWrite is guarded by writeMu.
	writeMu   sync.Mutex
	writeGen  uint64
	lastWrite uint64

	// onChange, when set, is invoked with the mutated book id after every
	// successful mutation.
	onChange func(bookID string)
}

// New creates a catalog backed by store, loading any previously persisted
// collection. A corrupt library record is replaced with an empty one.
func New(store storage.Store, log *logger.Logger) *Catalog {
	c := &Catalog{
		books:  make(map[string]models.Book),
		store:  store,
		logger: log,
	}
	c.load()
	return c
}

// OnChange registers the change listener. Must be called before the catalog
// is shared across goroutines.
func (c *Catalog) OnChange(fn func(bookID string)) {
	c.onChange = fn
}

func (c *Catalog) load() {
	data, ok, err := c.store.Get(storage.KeyLibrary)
	if err != nil {
		c.logger.Error("Failed to load library", map[string]interface{}{
			"error": err.Error(),
		})
	} else if ok {
		var books map[string]models.Book
		if err := json.Unmarshal(data, &books); err != nil {
			c.logger.Error("Library record is corrupt, starting empty", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			c.books = books
		}
	}
	if c.books == nil {
		c.books = make(map[string]models.Book)
	}

	cur, ok, err := c.store.Get(storage.KeyCurrentBook)
	if err != nil {
		c.logger.Error("Failed to load current book pointer", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if ok {
		c.currentBookID = string(cur)
	}
}

// persist writes the full collection without blocking the caller. Write
// failures are logged, never propagated.
func (c *Catalog) persist() {
	data, err := json.Marshal(c.books)
	if err != nil {
		c.logger.Error("Failed to serialize library", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	cur := c.currentBookID
	c.writeGen++
	gen := c.writeGen
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if gen < c.lastWrite {
			// A newer state already committed; writing this one would
			// regress the durable copy.
			return
		}
		c.lastWrite = gen
		if err := c.store.Set(storage.KeyLibrary, data); err != nil {
			c.logger.Error("Failed to persist library", map[string]interface{}{
				"error": err.Error(),
			})
		}
		if err := c.store.Set(storage.KeyCurrentBook, []byte(cur)); err != nil {
			c.logger.Error("Failed to persist current book pointer", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

func (c *Catalog) notify(bookID string) {
	if c.onChange != nil {
		c.onChange(bookID)
	}
}

// AddBook constructs a book with zeroed progress from the given metadata and
// returns its id. Re-adding an existing id refreshes metadata fields that
// were previously empty and returns the same id.
func (c *Catalog) AddBook(meta models.BookMetadata) string {
	id := identity.Resolve(meta)
	filename := identity.Filename(meta)

	c.mu.Lock()
	if existing, ok := c.books[id]; ok {
		if existing.Title == "" {
			existing.Title = meta.Title
		}
		if existing.Author == "" {
			existing.Author = meta.Author
		}
		if existing.CoverURL == "" {
			existing.CoverURL = meta.CoverURL
		}
		c.books[id] = existing
		c.persist()
		c.mu.Unlock()
		c.notify(id)
		return id
	}

	title := meta.Title
	if title == "" {
		title = identity.TitleFromFilename(filename)
	}
	today := models.Today()
	c.books[id] = models.Book{
		ID:        id,
		Title:     title,
		Author:    meta.Author,
		Path:      meta.Path,
		Filename:  filename,
		CoverURL:  meta.CoverURL,
		AddedDate: today,
		LastRead:  today,
	}
	c.persist()
	c.mu.Unlock()

	c.logger.Debug("Book added", map[string]interface{}{
		"book_id":  id,
		"filename": filename,
	})
	c.notify(id)
	return id
}

// UpdateProgress sets the progress cursor for id. percentage is optional;
// pass nil to leave it untouched. Location units are consumer-defined and
// not bounds-checked. Last write wins.
func (c *Catalog) UpdateProgress(id string, location int64, percentage *float64) bool {
	c.mu.Lock()
	book, ok := c.books[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Info("Progress update for unknown book", map[string]interface{}{
			"book_id": id,
		})
		return false
	}
	book.Progress.Location = location
	if percentage != nil {
		book.Progress.Percentage = *percentage
	}
	now := models.CoerceDate(timeNow())
	book.Progress.LastUpdated = now
	book.LastRead = models.DateKey(now)
	c.books[id] = book
	c.persist()
	c.mu.Unlock()

	c.notify(id)
	return true
}

// SetCurrentBook points the singleton current-book pointer at id. Unknown
// ids are rejected.
func (c *Catalog) SetCurrentBook(id string) bool {
	c.mu.Lock()
	if _, ok := c.books[id]; !ok {
		c.mu.Unlock()
		c.logger.Info("Cannot set unknown book as current", map[string]interface{}{
			"book_id": id,
		})
		return false
	}
	c.currentBookID = id
	c.persist()
	c.mu.Unlock()

	c.notify(id)
	return true
}

// MarkAsFinished flips the one-way finished flag. Re-invocation is a no-op.
func (c *Catalog) MarkAsFinished(id string) bool {
	c.mu.Lock()
	book, ok := c.books[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Info("Cannot finish unknown book", map[string]interface{}{
			"book_id": id,
		})
		return false
	}
	if book.IsFinished {
		c.mu.Unlock()
		return true
	}
	book.IsFinished = true
	book.LastRead = models.Today()
	c.books[id] = book
	c.persist()
	c.mu.Unlock()

	c.logger.Info("Book finished", map[string]interface{}{
		"book_id": id,
	})
	c.notify(id)
	return true
}

// AddReadingTime credits minutes to id's cumulative total. Negative values
// are rejected and a single credit is capped at 24 hours.
func (c *Catalog) AddReadingTime(id string, minutes float64) bool {
	if minutes < 0 {
		c.logger.Warn("Rejecting negative reading time", map[string]interface{}{
			"book_id": id,
			"minutes": minutes,
		})
		return false
	}
	if minutes > maxEventMinutes {
		c.logger.Warn("Clamping oversized reading time credit", map[string]interface{}{
			"book_id": id,
			"minutes": minutes,
		})
		minutes = maxEventMinutes
	}

	c.mu.Lock()
	book, ok := c.books[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Info("Reading time for unknown book", map[string]interface{}{
			"book_id": id,
		})
		return false
	}
	book.TotalReadingTime += minutes
	book.LastRead = models.Today()
	c.books[id] = book
	c.persist()
	c.mu.Unlock()

	c.notify(id)
	return true
}

// GetBook returns a copy of the book with the given id.
func (c *Catalog) GetBook(id string) (models.Book, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	book, ok := c.books[id]
	return book, ok
}

// FindBook resolves a loose reference (id, path, or bare filename) to a
// catalog entry.
func (c *Catalog) FindBook(key string) (string, *models.Book) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return identity.Find(c.books, key)
}

// GetCurrentBook returns the book the current-book pointer refers to.
func (c *Catalog) GetCurrentBook() (models.Book, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.currentBookID == "" {
		return models.Book{}, false
	}
	book, ok := c.books[c.currentBookID]
	return book, ok
}

// CurrentBookID returns the current-book pointer, possibly empty.
func (c *Catalog) CurrentBookID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentBookID
}

// GetFinishedBooks returns every finished book, most recently read first.
func (c *Catalog) GetFinishedBooks() []models.Book {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Book
	for _, book := range c.books {
		if book.IsFinished {
			out = append(out, book)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastRead > out[j].LastRead
	})
	return out
}

// GetRecentBooks returns up to limit books ordered by last-read descending.
func (c *Catalog) GetRecentBooks(limit int) []models.Book {
	c.mu.RLock()
	out := make([]models.Book, 0, len(c.books))
	for _, book := range c.books {
		out = append(out, book)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastRead > out[j].LastRead
	})
	return clip(out, limit)
}

// GetMostReadBooks returns up to limit books ordered by cumulative reading
// time descending.
func (c *Catalog) GetMostReadBooks(limit int) []models.Book {
	c.mu.RLock()
	out := make([]models.Book, 0, len(c.books))
	for _, book := range c.books {
		out = append(out, book)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].TotalReadingTime > out[j].TotalReadingTime
	})
	return clip(out, limit)
}

// Books returns a copy of the full collection, keyed by id. Used by the sync
// coordinator when serializing the snapshot.
func (c *Catalog) Books() map[string]models.Book {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.Book, len(c.books))
	for id, book := range c.books {
		out[id] = book
	}
	return out
}

// ReplaceAll swaps in a new collection and current-book pointer. Used by
// merge-on-load, where the remote snapshot fully replaces local state.
func (c *Catalog) ReplaceAll(books map[string]models.Book, currentBookID string) {
	c.mu.Lock()
	c.books = make(map[string]models.Book, len(books))
	for id, book := range books {
		c.books[id] = book
	}
	c.currentBookID = currentBookID
	c.persist()
	c.mu.Unlock()
}

func clip(books []models.Book, limit int) []models.Book {
	if limit > 0 && len(books) > limit {
		return books[:limit]
	}
	return books
}
