// Package ledger accumulates per-day, per-book reading minutes and derives
// aggregate statistics (streaks, totals) and monthly rollups from them.
package ledger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/bookblue/bookblue-sync/internal/logger"
	"github.com/bookblue/bookblue-sync/internal/models"
	"github.com/bookblue/bookblue-sync/internal/storage"
)

const (
	// maxEventMinutes caps a single activity credit at 24 hours.
	maxEventMinutes = 24 * 60

	// maxStreakScan bounds the backward day-by-day streak scan so corrupted
	// dates can never send it spinning. Hitting the cap truncates the
	// reported streak.
	maxStreakScan = 1000
)

// timeNow is swapped out in tests.
var timeNow = time.Now

// Ledger is the day-indexed reading-activity accumulator. Stats are derived,
// recomputed after every mutation, and never hand-edited.
type Ledger struct {
	mu      sync.RWMutex
	daily   map[string]models.DailyRecord
	monthly map[string]models.MonthlySummary
	stats   models.ReadingStats

	store  storage.Store
	logger *logger.Logger

	// writeMu serializes the async persist writes; writeGen orders them so
	// the last marshaled state is also the last one written. writeGen is
	// bumped under mu, lastWrite is guarded by writeMu.
	writeMu   sync.Mutex
	writeGen  uint64
	lastWrite uint64

	// onChange, when set, is invoked after every successful mutation.
	onChange func()
}

// New creates a ledger backed by store, loading any previously persisted
// records. Corrupt records are replaced with empty ones.
func New(store storage.Store, log *logger.Logger) *Ledger {
	l := &Ledger{
		daily:   make(map[string]models.DailyRecord),
		monthly: make(map[string]models.MonthlySummary),
		store:   store,
		logger:  log,
	}
	l.load()
	l.recomputeStatsLocked()
	return l
}

// OnChange registers the change listener. Must be called before the ledger
// is shared across goroutines.
func (l *Ledger) OnChange(fn func()) {
	l.onChange = fn
}

func (l *Ledger) load() {
	loadJSON(l.store, storage.KeyDailyActivity, &l.daily, l.logger)
	loadJSON(l.store, storage.KeyMonthlyActivity, &l.monthly, l.logger)
	if l.daily == nil {
		l.daily = make(map[string]models.DailyRecord)
	}
	if l.monthly == nil {
		l.monthly = make(map[string]models.MonthlySummary)
	}
}

func loadJSON(store storage.Store, key string, out interface{}, log *logger.Logger) {
	data, ok, err := store.Get(key)
	if err != nil {
		log.Error("Failed to load ledger record", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return
	}
	if !ok {
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Error("Ledger record is corrupt, starting empty", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// persist writes the ledger collections without blocking the caller. Write
// failures are logged, never propagated.
func (l *Ledger) persist() {
	payload := map[string]interface{}{
		storage.KeyDailyActivity:   l.daily,
		storage.KeyMonthlyActivity: l.monthly,
		storage.KeyReadingStats:    l.stats,
	}
	encoded := make(map[string][]byte, len(payload))
	for key, v := range payload {
		data, err := json.Marshal(v)
		if err != nil {
			l.logger.Error("Failed to serialize ledger record", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return
		}
		encoded[key] = data
	}
	l.writeGen++
	gen := l.writeGen
	go func() {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		if gen < l.lastWrite {
			// A newer state already committed.
			return
		}
		l.lastWrite = gen
		for key, data := range encoded {
			if err := l.store.Set(key, data); err != nil {
				l.logger.Error("Failed to persist ledger record", map[string]interface{}{
					"key":   key,
					"error": err.Error(),
				})
			}
		}
	}()
}

// RecordActivity adds minutes to today's total and today's per-book bucket.
// Calls are additive, not idempotent; double-count protection is the
// caller's job. Negative values are rejected and a single credit is capped
// at 24 hours.
func (l *Ledger) RecordActivity(bookID string, minutes float64) bool {
	return l.RecordActivityAt(bookID, minutes, timeNow())
}

// RecordActivityAt is RecordActivity against an explicit timestamp. Used by
// legacy migration and tests.
func (l *Ledger) RecordActivityAt(bookID string, minutes float64, at time.Time) bool {
	if bookID == "" || minutes <= 0 {
		if minutes < 0 {
			l.logger.Warn("Rejecting negative reading activity", map[string]interface{}{
				"book_id": bookID,
				"minutes": minutes,
			})
		}
		return false
	}
	if minutes > maxEventMinutes {
		l.logger.Warn("Clamping oversized reading activity", map[string]interface{}{
			"book_id": bookID,
			"minutes": minutes,
		})
		minutes = maxEventMinutes
	}

	dateKey := models.DateKey(at)
	monthKey := models.MonthKey(at)

	l.mu.Lock()
	day := l.daily[dateKey]
	if day.Books == nil {
		day.Books = make(map[string]float64)
	}
	day.Books[bookID] += minutes
	day.TotalMinutes += minutes
	l.daily[dateKey] = day

	month := l.monthly[monthKey]
	if month.Books == nil {
		month.Books = make(map[string]float64)
	}
	month.Books[bookID] += minutes
	month.TotalMinutes += minutes
	month.DaysRead = l.daysReadInMonthLocked(monthKey)
	l.monthly[monthKey] = month

	l.recomputeStatsLocked()
	l.persist()
	l.mu.Unlock()

	if l.onChange != nil {
		l.onChange()
	}
	return true
}

func (l *Ledger) daysReadInMonthLocked(monthKey string) int {
	count := 0
	for date, day := range l.daily {
		if len(date) >= len(monthKey) && date[:len(monthKey)] == monthKey && day.TotalMinutes > 0 {
			count++
		}
	}
	return count
}

// recomputeStatsLocked rebuilds the derived stats from the daily records.
// Caller holds l.mu.
func (l *Ledger) recomputeStatsLocked() {
	var total float64
	booksSeen := make(map[string]struct{})
	for _, day := range l.daily {
		total += day.TotalMinutes
		for bookID := range day.Books {
			booksSeen[bookID] = struct{}{}
		}
	}

	var average float64
	if len(l.daily) > 0 {
		average = total / float64(len(l.daily))
	}

	current, longest := l.streaksLocked()

	l.stats = models.ReadingStats{
		TotalBooksRead:      len(booksSeen),
		TotalReadingTime:    total,
		AverageDailyReading: average,
		CurrentStreak:       current,
		LongestStreak:       longest,
	}
}

// streaksLocked computes the current streak (consecutive days ending today,
// or at the most recent recorded day when today is empty) and the longest
// streak on record. Both scans walk backward one day at a time under a hard
// iteration cap.
func (l *Ledger) streaksLocked() (current, longest int) {
	if len(l.daily) == 0 {
		return 0, 0
	}

	today := models.CoerceDate(timeNow())
	start := today
	if !l.hasActivityLocked(start) {
		start = start.AddDate(0, 0, -1)
	}

	for i := 0; i < maxStreakScan; i++ {
		day := start.AddDate(0, 0, -i)
		if !l.hasActivityLocked(day) {
			break
		}
		current++
		if current == maxStreakScan {
			l.logger.Warn("Streak scan hit iteration cap, reported streak is truncated", map[string]interface{}{
				"cap": maxStreakScan,
			})
		}
	}

	// Longest streak: walk the recorded range once, capped the same way.
	earliest := today
	for date := range l.daily {
		if t, err := time.Parse(models.DateLayout, date); err == nil && t.Before(earliest) {
			earliest = t
		}
	}
	run := 0
	for i := 0; i < maxStreakScan; i++ {
		day := today.AddDate(0, 0, -i)
		if l.hasActivityLocked(day) {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
		if day.Before(earliest) {
			break
		}
	}
	if longest < current {
		longest = current
	}
	return current, longest
}

func (l *Ledger) hasActivityLocked(day time.Time) bool {
	rec, ok := l.daily[day.Format(models.DateLayout)]
	return ok && rec.TotalMinutes > 0
}

// GetDayData returns the record for an ISO date key, or nil if absent.
func (l *Ledger) GetDayData(date string) *models.DailyRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	day, ok := l.daily[date]
	if !ok {
		return nil
	}
	out := day
	out.Books = copyMinutes(day.Books)
	return &out
}

// GetMonthData returns the rollup for a YYYY-MM key, or nil if absent.
func (l *Ledger) GetMonthData(month string) *models.MonthlySummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	summary, ok := l.monthly[month]
	if !ok {
		return nil
	}
	out := summary
	out.Books = copyMinutes(summary.Books)
	return &out
}

// GetStats returns the current derived statistics.
func (l *Ledger) GetStats() models.ReadingStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// ActivityData returns a copy of the daily records, keyed by date. Used by
// the sync coordinator when serializing the snapshot.
func (l *Ledger) ActivityData() map[string]models.DailyRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]models.DailyRecord, len(l.daily))
	for date, day := range l.daily {
		cp := day
		cp.Books = copyMinutes(day.Books)
		out[date] = cp
	}
	return out
}

// ReplaceActivity swaps in a new set of daily records and rebuilds rollups
// and stats. Used by merge-on-load.
func (l *Ledger) ReplaceActivity(daily map[string]models.DailyRecord) {
	l.mu.Lock()
	l.daily = make(map[string]models.DailyRecord, len(daily))
	for date, day := range daily {
		cp := day
		cp.Books = copyMinutes(day.Books)
		if cp.Books == nil {
			cp.Books = make(map[string]float64)
		}
		l.daily[date] = cp
	}
	l.rebuildMonthlyLocked()
	l.recomputeStatsLocked()
	l.persist()
	l.mu.Unlock()
}

func (l *Ledger) rebuildMonthlyLocked() {
	l.monthly = make(map[string]models.MonthlySummary)
	for date, day := range l.daily {
		if len(date) < len(models.MonthLayout) {
			continue
		}
		monthKey := date[:len(models.MonthLayout)]
		month := l.monthly[monthKey]
		if month.Books == nil {
			month.Books = make(map[string]float64)
		}
		month.TotalMinutes += day.TotalMinutes
		if day.TotalMinutes > 0 {
			month.DaysRead++
		}
		for bookID, minutes := range day.Books {
			month.Books[bookID] += minutes
		}
		l.monthly[monthKey] = month
	}
}

// CleanupOldData deletes daily records older than the rolling cutoff (first
// day of the month, retentionMonths back) and returns how many were removed.
// Monthly rollups and already-derived stats are not retroactively adjusted.
func (l *Ledger) CleanupOldData(retentionMonths int) int {
	if retentionMonths <= 0 {
		retentionMonths = 6
	}
	now := models.CoerceDate(timeNow())
	cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).
		AddDate(0, -retentionMonths, 0)

	l.mu.Lock()
	removed := 0
	for date := range l.daily {
		t, err := time.Parse(models.DateLayout, date)
		if err != nil {
			// Unparseable keys are corruption; sweep them too.
			delete(l.daily, date)
			removed++
			continue
		}
		if t.Before(cutoff) {
			delete(l.daily, date)
			removed++
		}
	}
	if removed > 0 {
		l.persist()
	}
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Info("Ledger retention cleanup complete", map[string]interface{}{
			"removed": removed,
			"cutoff":  cutoff.Format(models.DateLayout),
		})
	}
	return removed
}

func copyMinutes(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
