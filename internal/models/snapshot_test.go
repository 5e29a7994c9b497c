package models

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	snap := NewSnapshot()
	snap.Books["file:moby-dick.epub"] = Book{
		ID:       "file:moby-dick.epub",
		Title:    "moby-dick",
		Filename: "moby-dick.epub",
		Progress: Progress{Location: 1500, Percentage: 0.25, LastUpdated: time.Now().UTC()},
	}
	snap.Notes["file:moby-dick.epub"] = "call me ishmael"
	snap.ReadingStats.ActivityData["2026-08-31"] = DailyRecord{
		TotalMinutes: 12,
		Books:        map[string]float64{"file:moby-dick.epub": 12},
	}
	snap.ReadingStats.FinishedBooks = []string{"file:dracula.epub"}
	snap.CurrentBookID = "file:moby-dick.epub"

	data, err := snap.Marshal()
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, SnapshotVersion, decoded.Version)
	assert.Equal(t, snap.Books["file:moby-dick.epub"].Progress.Location, decoded.Books["file:moby-dick.epub"].Progress.Location)
	assert.Equal(t, snap.Notes, decoded.Notes)
	assert.Equal(t, snap.ReadingStats.ActivityData, decoded.ReadingStats.ActivityData)
	assert.Equal(t, snap.ReadingStats.FinishedBooks, decoded.ReadingStats.FinishedBooks)
	assert.Equal(t, snap.CurrentBookID, decoded.CurrentBookID)
}

func TestSnapshot_MarshalClampsNonFiniteFloats(t *testing.T) {
	t.Parallel()

	snap := NewSnapshot()
	snap.Books["b1"] = Book{ID: "b1", TotalReadingTime: math.NaN(), Progress: Progress{Percentage: math.Inf(1)}}
	snap.ReadingStats.ActivityData["2026-01-01"] = DailyRecord{
		TotalMinutes: math.NaN(),
		Books:        map[string]float64{"b1": math.Inf(-1)},
	}

	data, err := snap.Marshal()
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Zero(t, decoded.Books["b1"].TotalReadingTime)
	assert.Zero(t, decoded.Books["b1"].Progress.Percentage)
	assert.Zero(t, decoded.ReadingStats.ActivityData["2026-01-01"].TotalMinutes)
}

func TestSnapshot_NormalizeFillsNilMaps(t *testing.T) {
	t.Parallel()

	var snap Snapshot
	snap.Normalize()
	assert.NotNil(t, snap.Books)
	assert.NotNil(t, snap.Notes)
	assert.NotNil(t, snap.ReadingStats.ActivityData)
	assert.NotNil(t, snap.ReadingStats.FinishedBooks)
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	in := map[string]interface{}{
		"plain":  "text",
		"number": 3.5,
		"nan":    math.NaN(),
		"nested": map[string]interface{}{
			"list": []interface{}{true, nil, math.Inf(1)},
		},
	}

	out, ok := Sanitize(in).(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "text", out["plain"])
	assert.Equal(t, 3.5, out["number"])
	assert.Equal(t, float64(0), out["nan"])

	// The result must always be marshallable.
	_, err := json.Marshal(out)
	assert.NoError(t, err)
}

func TestCoerceDate(t *testing.T) {
	t.Parallel()

	sane := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, sane, CoerceDate(sane))

	skewed := time.Date(1970, 3, 15, 8, 30, 0, 0, time.UTC)
	coerced := CoerceDate(skewed)
	assert.Equal(t, time.Now().Year(), coerced.Year())
	assert.Equal(t, time.March, coerced.Month())
	assert.Equal(t, 15, coerced.Day())

	future := time.Date(3001, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Now().Year(), CoerceDate(future).Year())
}

func TestDateKeys(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2026-08-31", DateKey(at))
	assert.Equal(t, "2026-08", MonthKey(at))
}
