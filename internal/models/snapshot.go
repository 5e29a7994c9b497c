package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// SnapshotVersion is the current remote snapshot format version.
const SnapshotVersion = "2.0"

// Snapshot is the single remote JSON document the sync coordinator keeps
// consistent with local state. It must round-trip losslessly.
type Snapshot struct {
	Version       string            `json:"version"`
	Books         map[string]Book   `json:"books"`
	Notes         map[string]string `json:"notes,omitempty"`
	ReadingStats  SnapshotStats     `json:"readingStats"`
	CurrentBookID string            `json:"currentBookId,omitempty"`
	LastUpdated   time.Time         `json:"lastUpdated"`
}

// SnapshotStats is the ledger portion of the remote snapshot.
type SnapshotStats struct {
	ActivityData  map[string]DailyRecord `json:"activityData"`
	FinishedBooks []string               `json:"finishedBooks"`
}

// NewSnapshot returns an empty snapshot at the current version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version: SnapshotVersion,
		Books:   make(map[string]Book),
		Notes:   make(map[string]string),
		ReadingStats: SnapshotStats{
			ActivityData:  make(map[string]DailyRecord),
			FinishedBooks: []string{},
		},
	}
}

// Normalize ensures the snapshot marshals cleanly: nil maps become empty and
// float fields that would not serialize (NaN, Inf) are clamped to zero.
func (s *Snapshot) Normalize() {
	if s.Books == nil {
		s.Books = make(map[string]Book)
	}
	if s.Notes == nil {
		s.Notes = make(map[string]string)
	}
	if s.ReadingStats.ActivityData == nil {
		s.ReadingStats.ActivityData = make(map[string]DailyRecord)
	}
	if s.ReadingStats.FinishedBooks == nil {
		s.ReadingStats.FinishedBooks = []string{}
	}

	for id, book := range s.Books {
		book.Progress.Percentage = safeFloat(book.Progress.Percentage)
		book.TotalReadingTime = safeFloat(book.TotalReadingTime)
		s.Books[id] = book
	}
	for date, day := range s.ReadingStats.ActivityData {
		day.TotalMinutes = safeFloat(day.TotalMinutes)
		for id, minutes := range day.Books {
			day.Books[id] = safeFloat(minutes)
		}
		s.ReadingStats.ActivityData[date] = day
	}
}

// Marshal normalizes and serializes the snapshot with indentation, the
// format the remote store has always held.
func (s *Snapshot) Marshal() ([]byte, error) {
	s.Normalize()
	return json.MarshalIndent(s, "", "  ")
}

func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Sanitize deep-copies a decoded JSON value, collapsing anything that is not
// plainly representable to its string form. Used when ingesting legacy
// snapshots whose producers were known to leak non-plain values.
func Sanitize(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, bool, string:
		return val
	case float64:
		return safeFloat(val)
	case json.Number:
		return val.String()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = Sanitize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return fmt.Sprintf("%v", val)
	}
}
