// Package storage provides the small-record persistence substrate behind a
// narrow key-value interface, so the catalog, ledger, and notes do not care
// what holds their bytes.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	applogger "github.com/bookblue/bookblue-sync/internal/logger"
)

// Store is the key-value persistence contract. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key and whether the key exists.
	Get(key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// ListPrefix returns all key/value pairs whose key starts with prefix.
	ListPrefix(prefix string) (map[string][]byte, error)
	// Close releases the backing resources.
	Close() error
}

// Well-known record keys. Legacy keys are read once during migration and
// then retired.
const (
	KeyLibrary         = "bookblue/library"
	KeyCurrentBook     = "bookblue/current-book"
	KeyDailyActivity   = "bookblue/daily-activity"
	KeyMonthlyActivity = "bookblue/monthly-activity"
	KeyReadingStats    = "bookblue/reading-stats"
	KeyMigrationDone   = "bookblue/migration-done"
	NotePrefix         = "bookblue/note/"

	LegacyProgressSuffix  = "-progress"
	LegacyCurrentBookKey  = "_currentReadingBook"
	LegacyActivityKey     = "reading-activity-data"
	LegacyFinishedKey     = "finished-books"
)

// record is the single-table schema backing the store.
type record struct {
	Key       string `gorm:"primaryKey;column:key"`
	Value     []byte `gorm:"column:value"`
	UpdatedAt time.Time
}

func (record) TableName() string { return "records" }

// SQLiteStore implements Store on a GORM-managed SQLite database.
type SQLiteStore struct {
	db     *gorm.DB
	logger *applogger.Logger
}

// Open opens (creating if necessary) the store at dbPath.
func Open(dbPath string, log *applogger.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// SQLite supports a single writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate storage schema: %w", err)
	}

	if log != nil {
		log.Debug("Storage opened", map[string]interface{}{
			"path": dbPath,
		})
	}

	return &SQLiteStore{db: db, logger: log}, nil
}

// Get returns the value for key and whether the key exists.
func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	var rec record
	err := s.db.First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read record %q: %w", key, err)
	}
	return rec.Value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *SQLiteStore) Set(key string, value []byte) error {
	rec := record{Key: key, Value: value, UpdatedAt: time.Now()}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to write record %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(key string) error {
	if err := s.db.Delete(&record{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("failed to delete record %q: %w", key, err)
	}
	return nil
}

// ListPrefix returns all key/value pairs whose key starts with prefix.
func (s *SQLiteStore) ListPrefix(prefix string) (map[string][]byte, error) {
	var recs []record
	q := s.db.Model(&record{})
	if prefix != "" {
		q = q.Where(`key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list records with prefix %q: %w", prefix, err)
	}
	out := make(map[string][]byte, len(recs))
	for _, rec := range recs {
		out[rec.Key] = rec.Value
	}
	return out, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
