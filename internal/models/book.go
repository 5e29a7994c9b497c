package models

import "time"

// Progress is a book's reading cursor. Location units are defined by the
// consumer (EPUB CFI step, character offset, or page index); the core treats
// the value as opaque.
type Progress struct {
	Location    int64     `json:"location"`
	Percentage  float64   `json:"percentage"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Book is the catalog record for one EPUB.
type Book struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Author           string   `json:"author"`
	Path             string   `json:"path,omitempty"`
	Filename         string   `json:"filename"`
	CoverURL         string   `json:"coverUrl,omitempty"`
	AddedDate        string   `json:"addedDate"`
	LastRead         string   `json:"lastRead"`
	Progress         Progress `json:"progress"`
	IsFinished       bool     `json:"isFinished"`
	TotalReadingTime float64  `json:"totalReadingTime"`
}

// BookMetadata carries the fields a caller may know about a book before it
// has a catalog record. Everything is optional; missing fields get defaults.
type BookMetadata struct {
	ID       string
	Title    string
	Author   string
	Path     string
	Filename string
	CoverURL string
	// Identifiers are raw embedded identifier strings (dc:identifier values
	// from the EPUB package document), searched for an ISBN.
	Identifiers []string
}

// DailyRecord accumulates reading minutes for a single calendar day.
// TotalMinutes always equals the sum of the per-book values.
type DailyRecord struct {
	TotalMinutes float64            `json:"totalMinutes"`
	Books        map[string]float64 `json:"books"`
}

// MonthlySummary is the rollup for one YYYY-MM month.
type MonthlySummary struct {
	TotalMinutes float64            `json:"totalMinutes"`
	DaysRead     int                `json:"daysRead"`
	Books        map[string]float64 `json:"books"`
}

// ReadingStats are derived from the daily records and recomputed after every
// ledger mutation, never hand-edited.
type ReadingStats struct {
	TotalBooksRead      int     `json:"totalBooksRead"`
	TotalReadingTime    float64 `json:"totalReadingTime"`
	AverageDailyReading float64 `json:"averageDailyReading"`
	CurrentStreak       int     `json:"currentStreak"`
	LongestStreak       int     `json:"longestStreak"`
}
