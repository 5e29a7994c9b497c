package reader

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bookblue/bookblue-sync/internal/models"
	"github.com/bookblue/bookblue-sync/internal/storage"
)

// MigrateLegacyData imports the pre-snapshot storage layout: per-book
// progress markers keyed by "<filename>-progress", one blob of daily
// activity, a finished-filename list, and the old current-book pointer.
// It runs once, is best-effort, and tolerates absent or malformed inputs.
func (s *Service) MigrateLegacyData() {
	if _, done, err := s.store.Get(storage.KeyMigrationDone); err != nil || done {
		return
	}

	migrated := 0
	migrated += s.migrateProgressKeys()
	migrated += s.migrateActivity()
	migrated += s.migrateFinished()
	s.migrateCurrentBook()

	if err := s.store.Set(storage.KeyMigrationDone, []byte("1")); err != nil {
		s.logger.Error("Failed to record migration completion", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if migrated > 0 {
		s.logger.Info("Legacy data migrated", map[string]interface{}{
			"records": migrated,
		})
	}
}

// migrateProgressKeys converts "<filename>-progress" -> "450" markers into
// catalog entries with the location set.
func (s *Service) migrateProgressKeys() int {
	pairs, err := s.store.ListPrefix("")
	if err != nil {
		s.logger.Error("Failed to scan for legacy progress keys", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}

	migrated := 0
	for key, value := range pairs {
		if !strings.HasSuffix(key, storage.LegacyProgressSuffix) || strings.HasPrefix(key, "bookblue/") {
			continue
		}
		filename := strings.TrimSuffix(key, storage.LegacyProgressSuffix)
		location, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
		if err != nil {
			s.logger.Warn("Skipping unparseable legacy progress value", map[string]interface{}{
				"key": key,
			})
			continue
		}

		id, _ := s.resolve(filename)
		if s.catalog.UpdateProgress(id, location, nil) {
			migrated++
		}
		if err := s.store.Delete(key); err != nil {
			s.logger.Error("Failed to remove legacy progress key", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return migrated
}

// migrateActivity imports the date -> book -> minutes blob into the ledger.
func (s *Service) migrateActivity() int {
	data, ok, err := s.store.Get(storage.LegacyActivityKey)
	if err != nil || !ok {
		return 0
	}

	var activity map[string]map[string]float64
	if err := json.Unmarshal(data, &activity); err != nil {
		s.logger.Warn("Legacy activity blob is malformed, skipping", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}

	migrated := 0
	for date, books := range activity {
		at, err := time.Parse(models.DateLayout, date)
		if err != nil {
			continue
		}
		for bookRef, minutes := range books {
			id, found := s.resolve(bookRef)
			if !found {
				continue
			}
			if s.ledger.RecordActivityAt(id, minutes, at) {
				migrated++
			}
		}
	}

	if err := s.store.Delete(storage.LegacyActivityKey); err != nil {
		s.logger.Error("Failed to remove legacy activity blob", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return migrated
}

// migrateFinished imports the finished-filename list.
func (s *Service) migrateFinished() int {
	data, ok, err := s.store.Get(storage.LegacyFinishedKey)
	if err != nil || !ok {
		return 0
	}

	var filenames []string
	if err := json.Unmarshal(data, &filenames); err != nil {
		s.logger.Warn("Legacy finished list is malformed, skipping", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}

	migrated := 0
	for _, filename := range filenames {
		if filename == "" {
			continue
		}
		if s.MarkFinished(filename) {
			migrated++
		}
	}

	if err := s.store.Delete(storage.LegacyFinishedKey); err != nil {
		s.logger.Error("Failed to remove legacy finished list", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return migrated
}

func (s *Service) migrateCurrentBook() {
	data, ok, err := s.store.Get(storage.LegacyCurrentBookKey)
	if err != nil || !ok {
		return
	}
	if ref := strings.TrimSpace(string(data)); ref != "" {
		s.SetCurrentBook(strings.Trim(ref, `"`))
	}
	if err := s.store.Delete(storage.LegacyCurrentBookKey); err != nil {
		s.logger.Error("Failed to remove legacy current book key", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
