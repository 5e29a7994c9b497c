package models

import "time"

// DateLayout is the day key format used by the ledger and the snapshot.
const DateLayout = "2006-01-02"

// MonthLayout is the month key format used by the monthly rollups.
const MonthLayout = "2006-01"

// yearBand bounds how far a clock-derived year may drift before we treat it
// as skew and coerce it.
const (
	minSaneYear = 2020
	maxSaneYear = 2100
)

// CoerceDate guards a system-clock timestamp against gross skew: a year
// outside the sane band is moved into the current year so streak and heatmap
// math keeps working.
func CoerceDate(t time.Time) time.Time {
	year := t.Year()
	if year >= minSaneYear && year <= maxSaneYear {
		return t
	}
	return time.Date(time.Now().Year(), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, t.Location())
}

// DateKey formats a timestamp as a ledger day key, coercing skewed clocks.
func DateKey(t time.Time) string {
	return CoerceDate(t).Format(DateLayout)
}

// MonthKey formats a timestamp as a rollup month key.
func MonthKey(t time.Time) string {
	return CoerceDate(t).Format(MonthLayout)
}

// Today returns today's ledger day key.
func Today() string {
	return DateKey(time.Now())
}
