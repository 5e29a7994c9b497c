package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookblue/bookblue-sync/internal/logger"
)

// stores returns one of each Store implementation so both run the same
// contract checks.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := Open(filepath.Join(t.TempDir(), "test.db"), logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Set("k1", []byte("v1")))
			got, ok, err := store.Get("k1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("v1"), got)

			// Overwrite.
			require.NoError(t, store.Set("k1", []byte("v2")))
			got, _, err = store.Get("k1")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			require.NoError(t, store.Delete("k1"))
			_, ok, err = store.Get("k1")
			require.NoError(t, err)
			assert.False(t, ok)

			// Deleting a missing key is not an error.
			assert.NoError(t, store.Delete("k1"))
		})
	}
}

func TestStore_ListPrefix(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(NotePrefix+"b1", []byte("note one")))
			require.NoError(t, store.Set(NotePrefix+"b2", []byte("note two")))
			require.NoError(t, store.Set(KeyLibrary, []byte("{}")))

			notes, err := store.ListPrefix(NotePrefix)
			require.NoError(t, err)
			assert.Len(t, notes, 2)
			assert.Equal(t, []byte("note one"), notes[NotePrefix+"b1"])

			all, err := store.ListPrefix("")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestSQLiteStore_ListPrefixEscapesWildcards(t *testing.T) {
	t.Parallel()

	store, err := Open(filepath.Join(t.TempDir(), "test.db"), logger.Get())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set("a_c", []byte("underscore")))
	require.NoError(t, store.Set("abc", []byte("plain")))

	// "_" must match literally, not as a single-character wildcard.
	got, err := store.ListPrefix("a_")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("underscore"), got["a_c"])
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")

	store, err := Open(path, logger.Get())
	require.NoError(t, err)
	require.NoError(t, store.Set("k", []byte("v")))
	require.NoError(t, store.Close())

	reopened, err := Open(path, logger.Get())
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}
