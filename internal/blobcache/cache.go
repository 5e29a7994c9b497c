// Package blobcache is the tiered local cache for large assets: book blobs
// and cover references live in independently budgeted partitions of one
// bbolt database, with LRU-by-last-access eviction and sliding expiry.
// The cache is a rebuildable performance layer and is never synchronized.
package blobcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bookblue/bookblue-sync/internal/logger"
)

// Bucket names. Each partition keeps payloads and metadata separately so
// eviction scans never page payload bytes in.
var (
	bucketBookBlobs  = []byte("book_blobs")
	bucketBookMeta   = []byte("book_meta")
	bucketCoverBlobs = []byte("cover_blobs")
	bucketCoverMeta  = []byte("cover_meta")
)

// Config sets the per-partition byte budgets and expiry horizons.
type Config struct {
	BookBudget  int64
	CoverBudget int64
	BookExpiry  time.Duration
	CoverExpiry time.Duration
}

// DefaultConfig mirrors the long-standing cache tuning: books are large and
// evicted sooner, covers are tiny and kept longer.
func DefaultConfig() Config {
	return Config{
		BookBudget:  500 * 1024 * 1024,
		CoverBudget: 50 * 1024 * 1024,
		BookExpiry:  30 * 24 * time.Hour,
		CoverExpiry: 90 * 24 * time.Hour,
	}
}

// entryMeta is the per-entry bookkeeping record.
type entryMeta struct {
	SizeBytes    int64  `json:"sizeBytes"`
	LastAccessed int64  `json:"lastAccessed"`
	Name         string `json:"name,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
}

// partition binds a payload bucket, its metadata bucket, a budget, and an
// expiry horizon.
type partition struct {
	name   string
	blobs  []byte
	meta   []byte
	budget int64
	expiry time.Duration
}

// CleanupResult reports the effect of an expiry sweep.
type CleanupResult struct {
	BooksRemoved  int
	CoversRemoved int
	BytesFreed    int64
}

// Stats is a point-in-time view of the partition accounting.
type Stats struct {
	BookCount  int
	BookBytes  int64
	CoverCount int
	CoverBytes int64
}

// timeNow is swapped out in tests.
var timeNow = time.Now

// Cache is the tiered blob cache. Safe for concurrent use; bucket setup is
// idempotent under concurrent first-open.
type Cache struct {
	db     *bolt.DB
	logger *logger.Logger

	book  partition
	cover partition

	// mu guards the incremental byte accounting.
	mu    sync.Mutex
	sizes map[string]int64
}

// Open opens (creating if necessary) the cache database at path.
func Open(path string, cfg Config, log *logger.Logger) (*Cache, error) {
	def := DefaultConfig()
	if cfg.BookBudget <= 0 {
		cfg.BookBudget = def.BookBudget
	}
	if cfg.CoverBudget <= 0 {
		cfg.CoverBudget = def.CoverBudget
	}
	if cfg.BookExpiry <= 0 {
		cfg.BookExpiry = def.BookExpiry
	}
	if cfg.CoverExpiry <= 0 {
		cfg.CoverExpiry = def.CoverExpiry
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBookBlobs, bucketBookMeta, bucketCoverBlobs, bucketCoverMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache buckets: %w", err)
	}

	c := &Cache{
		db:     db,
		logger: log,
		book: partition{
			name:   "book",
			blobs:  bucketBookBlobs,
			meta:   bucketBookMeta,
			budget: cfg.BookBudget,
			expiry: cfg.BookExpiry,
		},
		cover: partition{
			name:   "cover",
			blobs:  bucketCoverBlobs,
			meta:   bucketCoverMeta,
			budget: cfg.CoverBudget,
			expiry: cfg.CoverExpiry,
		},
		sizes: make(map[string]int64),
	}
	c.Reconcile()
	return c, nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// CacheBook stores a book blob under key, evicting least-recently-accessed
// entries first when the partition budget would be exceeded. Returns false
// when the blob cannot fit at all or the write fails.
func (c *Cache) CacheBook(key string, blob []byte) bool {
	return c.put(c.book, key, blob, "application/epub+zip")
}

// GetBook returns the cached blob for key, refreshing its last-access time.
// A miss returns (nil, false); the caller falls back to the remote store.
func (c *Cache) GetBook(key string) ([]byte, bool) {
	return c.get(c.book, key)
}

// CacheCover stores an opaque cover reference under key.
func (c *Cache) CacheCover(key, ref string) bool {
	return c.put(c.cover, key, []byte(ref), "")
}

// GetCover returns the cached cover reference for key.
func (c *Cache) GetCover(key string) (string, bool) {
	data, ok := c.get(c.cover, key)
	if !ok {
		return "", false
	}
	return string(data), true
}

func (c *Cache) put(p partition, key string, payload []byte, mime string) bool {
	size := int64(len(payload))
	if size > p.budget {
		c.logger.Warn("Cache entry exceeds partition budget, not storing", map[string]interface{}{
			"partition": p.name,
			"key":       key,
			"size":      size,
			"budget":    p.budget,
		})
		return false
	}

	meta := entryMeta{
		SizeBytes:    size,
		LastAccessed: timeNow().Unix(),
		Name:         key,
		MimeType:     mime,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		c.logger.Error("Failed to encode cache metadata", map[string]interface{}{
			"partition": p.name,
			"key":       key,
			"error":     err.Error(),
		})
		return false
	}

	var freed int64
	var stored int64
	err = c.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(p.blobs)
		metas := tx.Bucket(p.meta)

		// Replacing an entry releases its old bytes first.
		if old, ok := readMeta(metas, key); ok {
			freed += old.SizeBytes
		}

		resident := c.residentBytes(p) - freed
		if resident+size > p.budget {
			evicted, err := evictUntil(blobs, metas, key, resident+size-p.budget)
			if err != nil {
				return err
			}
			freed += evicted
			resident -= evicted
			if resident+size > p.budget {
				return errWontFit
			}
		}

		if err := blobs.Put([]byte(key), payload); err != nil {
			return err
		}
		if err := metas.Put([]byte(key), metaData); err != nil {
			return err
		}
		stored = size
		return nil
	})
	// The transaction rolls back on failure, so no accounting changed.
	if err == errWontFit {
		c.logger.Warn("Cache entry does not fit even after eviction", map[string]interface{}{
			"partition": p.name,
			"key":       key,
			"size":      size,
		})
		return false
	}
	if err != nil {
		c.logger.Error("Cache write failed", map[string]interface{}{
			"partition": p.name,
			"key":       key,
			"error":     err.Error(),
		})
		return false
	}

	c.adjustSize(p, stored-freed)
	return true
}

var errWontFit = fmt.Errorf("entry does not fit in partition budget")

func (c *Cache) get(p partition, key string) ([]byte, bool) {
	var payload []byte
	err := c.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(p.blobs)
		metas := tx.Bucket(p.meta)

		v := blobs.Get([]byte(key))
		if v == nil {
			return nil
		}
		payload = make([]byte, len(v))
		copy(payload, v)

		// Sliding expiry: a read refreshes the access stamp.
		meta, ok := readMeta(metas, key)
		if !ok {
			meta = entryMeta{SizeBytes: int64(len(v)), Name: key}
		}
		meta.LastAccessed = timeNow().Unix()
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return metas.Put([]byte(key), data)
	})
	if err != nil {
		c.logger.Error("Cache read failed", map[string]interface{}{
			"partition": p.name,
			"key":       key,
			"error":     err.Error(),
		})
		return nil, false
	}
	if payload == nil {
		c.logger.Debug("Cache miss", map[string]interface{}{
			"partition": p.name,
			"key":       key,
		})
		return nil, false
	}
	return payload, true
}

// CleanupExpired sweeps both partitions, evicting entries whose last access
// predates the partition horizon. Safe to call concurrently with get/put.
func (c *Cache) CleanupExpired() CleanupResult {
	var result CleanupResult
	result.BooksRemoved, result.BytesFreed = c.sweep(c.book)
	removed, freed := c.sweep(c.cover)
	result.CoversRemoved = removed
	result.BytesFreed += freed

	if result.BooksRemoved > 0 || result.CoversRemoved > 0 {
		c.logger.Info("Expired cache entries swept", map[string]interface{}{
			"books_removed":  result.BooksRemoved,
			"covers_removed": result.CoversRemoved,
			"bytes_freed":    result.BytesFreed,
		})
	}
	return result
}

func (c *Cache) sweep(p partition) (int, int64) {
	cutoff := timeNow().Add(-p.expiry).Unix()
	removed := 0
	var freed int64

	err := c.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(p.blobs)
		metas := tx.Bucket(p.meta)

		var stale [][]byte
		cur := metas.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var meta entryMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				// Unreadable metadata is corruption; sweep it too.
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if meta.LastAccessed < cutoff {
				stale = append(stale, append([]byte(nil), k...))
				freed += meta.SizeBytes
			}
		}
		for _, k := range stale {
			if err := blobs.Delete(k); err != nil {
				return err
			}
			if err := metas.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		c.logger.Error("Cache sweep failed", map[string]interface{}{
			"partition": p.name,
			"error":     err.Error(),
		})
		return 0, 0
	}

	c.adjustSize(p, -freed)
	return removed, freed
}

// GetStats returns the current partition accounting.
func (c *Cache) GetStats() Stats {
	var stats Stats
	c.db.View(func(tx *bolt.Tx) error {
		stats.BookCount = tx.Bucket(c.book.meta).Stats().KeyN
		stats.CoverCount = tx.Bucket(c.cover.meta).Stats().KeyN
		return nil
	})
	c.mu.Lock()
	stats.BookBytes = c.sizes[c.book.name]
	stats.CoverBytes = c.sizes[c.cover.name]
	c.mu.Unlock()
	return stats
}

// Reconcile recomputes the byte accounting from the resident entries,
// correcting any drift in the incremental counters.
func (c *Cache) Reconcile() {
	for _, p := range []partition{c.book, c.cover} {
		var total int64
		c.db.View(func(tx *bolt.Tx) error {
			cur := tx.Bucket(p.meta).Cursor()
			for k, v := cur.First(); k != nil; k, v = cur.Next() {
				var meta entryMeta
				if err := json.Unmarshal(v, &meta); err == nil {
					total += meta.SizeBytes
				}
			}
			return nil
		})

		c.mu.Lock()
		if prev, ok := c.sizes[p.name]; ok && prev != total {
			c.logger.Warn("Cache size accounting drifted, corrected", map[string]interface{}{
				"partition": p.name,
				"tracked":   prev,
				"actual":    total,
			})
		}
		c.sizes[p.name] = total
		c.mu.Unlock()
	}
}

func (c *Cache) residentBytes(p partition) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizes[p.name]
}

func (c *Cache) adjustSize(p partition, delta int64) {
	if delta == 0 {
		return
	}
	c.mu.Lock()
	c.sizes[p.name] += delta
	if c.sizes[p.name] < 0 {
		c.sizes[p.name] = 0
	}
	c.mu.Unlock()
}

func readMeta(bucket *bolt.Bucket, key string) (entryMeta, bool) {
	v := bucket.Get([]byte(key))
	if v == nil {
		return entryMeta{}, false
	}
	var meta entryMeta
	if err := json.Unmarshal(v, &meta); err != nil {
		return entryMeta{}, false
	}
	return meta, true
}

// evictUntil removes entries in ascending last-access order until at least
// need bytes are freed or the partition is empty, skipping the key being
// inserted. Returns the bytes actually freed.
func evictUntil(blobs, metas *bolt.Bucket, skipKey string, need int64) (int64, error) {
	type candidate struct {
		key  []byte
		meta entryMeta
	}
	var candidates []candidate
	cur := metas.Cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		if string(k) == skipKey {
			continue
		}
		var meta entryMeta
		if err := json.Unmarshal(v, &meta); err != nil {
			meta = entryMeta{}
		}
		candidates = append(candidates, candidate{key: append([]byte(nil), k...), meta: meta})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].meta.LastAccessed < candidates[j].meta.LastAccessed
	})

	var freed int64
	for _, cand := range candidates {
		if freed >= need {
			break
		}
		if err := blobs.Delete(cand.key); err != nil {
			return freed, err
		}
		if err := metas.Delete(cand.key); err != nil {
			return freed, err
		}
		freed += cand.meta.SizeBytes
	}
	return freed, nil
}
