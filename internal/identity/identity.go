// Package identity derives stable book identifiers and resolves loose book
// references (id, path, or bare filename) back to catalog entries.
package identity

import (
	"path"
	"strings"

	"github.com/bookblue/bookblue-sync/internal/models"
)

// ID prefixes. Content-derived ids survive renames and re-imports; path
// derived ids are the fallback when no ISBN is embedded.
const (
	ISBNPrefix = "isbn:"
	FilePrefix = "file:"
)

// ExtractISBN strips everything but digits and a check-digit X from a raw
// identifier string and accepts the result if it is 10 or 13 characters.
func ExtractISBN(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= '0' && r <= '9') || r == 'X' {
			b.WriteRune(r)
		}
	}
	isbn := b.String()
	if len(isbn) != 10 && len(isbn) != 13 {
		return "", false
	}
	// X is only valid as an ISBN-10 check digit.
	if i := strings.IndexByte(isbn, 'X'); i >= 0 && (len(isbn) != 10 || i != 9) {
		return "", false
	}
	return isbn, true
}

// ISBNFromIdentifiers returns the first extractable ISBN from a list of
// embedded identifier strings.
func ISBNFromIdentifiers(identifiers []string) (string, bool) {
	for _, raw := range identifiers {
		if isbn, ok := ExtractISBN(raw); ok {
			return isbn, true
		}
	}
	return "", false
}

// Resolve derives a stable id for a book. Content-derived (isbn:) when an
// embedded identifier yields an ISBN, otherwise path-derived (file:). The
// same file content always maps to the same id, which is what lets the sync
// merge avoid duplicating books across sessions and devices.
func Resolve(meta models.BookMetadata) string {
	if meta.ID != "" {
		return meta.ID
	}
	if isbn, ok := ISBNFromIdentifiers(meta.Identifiers); ok {
		return ISBNPrefix + isbn
	}
	return FilePrefix + Filename(meta)
}

// Filename returns the cache key for a book: the explicit filename if set,
// else the basename of its path.
func Filename(meta models.BookMetadata) string {
	if meta.Filename != "" {
		return meta.Filename
	}
	if meta.Path != "" {
		return path.Base(meta.Path)
	}
	return "unknown.epub"
}

// Find resolves a loose reference against a set of books: (1) exact id
// match, (2) path equality ignoring a leading separator, (3) exact filename
// match, (4) path-shaped keys ending in "/<filename>". Returns ("", nil) when
// nothing matches; callers decide whether that means "create one".
func Find(books map[string]models.Book, key string) (string, *models.Book) {
	if key == "" {
		return "", nil
	}

	if book, ok := books[key]; ok {
		return key, &book
	}

	trimmed := strings.TrimPrefix(key, "/")
	for id, book := range books {
		if book.Path == key || book.Path == trimmed || strings.TrimPrefix(book.Path, "/") == trimmed {
			b := book
			return id, &b
		}
	}

	for id, book := range books {
		if book.Filename == key {
			b := book
			return id, &b
		}
	}

	// Path-shaped keys only: the separator boundary keeps "mybook.epub" from
	// resolving to a book named "book.epub".
	for id, book := range books {
		if book.Filename != "" && strings.HasSuffix(trimmed, "/"+book.Filename) {
			b := book
			return id, &b
		}
	}

	return "", nil
}

// TitleFromFilename derives a display title when no embedded metadata is
// available.
func TitleFromFilename(filename string) string {
	return strings.TrimSuffix(filename, ".epub")
}
