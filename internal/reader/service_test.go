package reader

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookblue/bookblue-sync/internal/blobcache"
	"github.com/bookblue/bookblue-sync/internal/catalog"
	"github.com/bookblue/bookblue-sync/internal/dropbox"
	"github.com/bookblue/bookblue-sync/internal/ledger"
	"github.com/bookblue/bookblue-sync/internal/logger"
	"github.com/bookblue/bookblue-sync/internal/models"
	"github.com/bookblue/bookblue-sync/internal/storage"
	syncsvc "github.com/bookblue/bookblue-sync/internal/sync"
)

// fakeRemote serves book files by path and counts uploads.
type fakeRemote struct {
	files   map[string][]byte
	uploads int
}

func (f *fakeRemote) Download(ctx context.Context, path string) ([]byte, error) {
	if data, ok := f.files[path]; ok {
		return data, nil
	}
	return nil, dropbox.ErrNotFound
}

func (f *fakeRemote) Upload(ctx context.Context, path string, data []byte) error {
	f.uploads++
	return nil
}

type fixture struct {
	svc    *Service
	cat    *catalog.Catalog
	led    *ledger.Ledger
	store  *storage.MemoryStore
	remote *fakeRemote
	coord  *syncsvc.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.Get()
	store := storage.NewMemoryStore()
	cat := catalog.New(store, log)
	led := ledger.New(store, log)
	remote := &fakeRemote{files: make(map[string][]byte)}

	cache, err := blobcache.Open(filepath.Join(t.TempDir(), "cache.db"), blobcache.Config{}, log)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	coord, err := syncsvc.New(cat, led, store, remote, syncsvc.Options{
		SnapshotPath: "/BookBlue_Progress.json",
		StatePath:    filepath.Join(t.TempDir(), "sync_state.json"),
		Debounce:     time.Hour,
	}, log)
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	cat.OnChange(coord.MarkBookChanged)
	led.OnChange(coord.MarkActivityChanged)

	svc := New(cat, led, cache, store, remote, coord, Options{}, log)
	return &fixture{svc: svc, cat: cat, led: led, store: store, remote: remote, coord: coord}
}

func TestReadingSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.svc.AddBook(models.BookMetadata{Filename: "moby-dick.epub"})

	require.True(t, f.svc.RecordProgress(id, 1500))
	require.True(t, f.svc.RecordReadingMinutes(id, 12*time.Minute))
	require.True(t, f.svc.SetCurrentBook(id))

	current, ok := f.svc.GetCurrentBook()
	require.True(t, ok)
	assert.Equal(t, int64(1500), current.Progress.Location)
	assert.Equal(t, float64(12), current.TotalReadingTime)

	day := f.led.GetDayData(models.Today())
	require.NotNil(t, day)
	assert.Equal(t, float64(12), day.Books[id])

	assert.True(t, f.coord.HasPendingChanges())
}

func TestRecordProgress_AutoCreatesBook(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.True(t, f.svc.RecordProgress("new-book.epub", 77))

	book, ok := f.svc.GetBook("new-book.epub")
	require.True(t, ok)
	assert.Equal(t, "file:new-book.epub", book.ID)
	assert.Equal(t, int64(77), book.Progress.Location)
}

func TestRecordReadingMinutes_DwellGate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.svc.AddBook(models.BookMetadata{Filename: "moby-dick.epub"})

	// A 1s dwell is below the 3s minimum and must not change the ledger.
	assert.False(t, f.svc.RecordReadingMinutes(id, time.Second))
	assert.Nil(t, f.led.GetDayData(models.Today()))

	require.True(t, f.svc.RecordReadingMinutes(id, 10*time.Second))
	day := f.led.GetDayData(models.Today())
	require.NotNil(t, day)
	before := day.TotalMinutes

	assert.False(t, f.svc.RecordReadingMinutes(id, time.Second))
	day = f.led.GetDayData(models.Today())
	assert.Equal(t, before, day.TotalMinutes)
}

func TestRecordReadingMinutes_CapsDwell(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.svc.AddBook(models.BookMetadata{Filename: "moby-dick.epub"})

	// An idle tab left open for an hour credits at most the per-event cap.
	require.True(t, f.svc.RecordReadingMinutes(id, time.Hour))
	day := f.led.GetDayData(models.Today())
	require.NotNil(t, day)
	assert.Equal(t, DefaultMaxEvent.Minutes(), day.TotalMinutes)
}

func TestMarkFinished_ByFilename(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.svc.AddBook(models.BookMetadata{Filename: "moby-dick.epub"})

	require.True(t, f.svc.MarkFinished("moby-dick.epub"))
	finished := f.svc.GetFinishedBooks()
	require.Len(t, finished, 1)
	assert.Equal(t, "file:moby-dick.epub", finished[0].ID)
}

func TestGetBookBytes_CacheFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.svc.AddBook(models.BookMetadata{Path: "/library/moby-dick.epub"})
	f.remote.files["/library/moby-dick.epub"] = []byte("epub payload")

	// First read comes from the remote store and fills the cache.
	data, err := f.svc.GetBookBytes(context.Background(), "moby-dick.epub")
	require.NoError(t, err)
	assert.Equal(t, "epub payload", string(data))

	// Second read is served locally even if the remote file disappears.
	delete(f.remote.files, "/library/moby-dick.epub")
	data, err = f.svc.GetBookBytes(context.Background(), "moby-dick.epub")
	require.NoError(t, err)
	assert.Equal(t, "epub payload", string(data))
}

func TestGetBookBytes_MissingIsNotAnError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.svc.AddBook(models.BookMetadata{Filename: "ghost.epub"})

	data, err := f.svc.GetBookBytes(context.Background(), "ghost.epub")
	assert.NoError(t, err)
	assert.Nil(t, data)

	data, err = f.svc.GetBookBytes(context.Background(), "never-added.epub")
	assert.NoError(t, err)
	assert.Nil(t, data)
}

func TestCovers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.svc.AddBook(models.BookMetadata{Filename: "moby-dick.epub"})

	require.True(t, f.svc.CacheCover("moby-dick.epub", "data:image/jpeg;base64,abc"))
	ref, ok := f.svc.GetCover("moby-dick.epub")
	require.True(t, ok)
	assert.Equal(t, "data:image/jpeg;base64,abc", ref)

	_, ok = f.svc.GetCover("unknown.epub")
	assert.False(t, ok)
}

func TestNotes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.True(t, f.svc.SaveNote("moby-dick.epub", "call me ishmael"))

	note, ok := f.svc.GetNote("moby-dick.epub")
	require.True(t, ok)
	assert.Equal(t, "call me ishmael", note)

	_, ok = f.svc.GetNote("unknown.epub")
	assert.False(t, ok)

	assert.True(t, f.coord.HasPendingChanges())
}

func TestEvents_DriveTheService(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.svc.OnBookOpened(BookOpenedEvent{BookRef: "moby-dick.epub"})
	pct := 0.5
	f.svc.OnLocationChanged(LocationEvent{BookRef: "moby-dick.epub", Location: 2000, Percentage: &pct})
	f.svc.OnPageTurn(PageTurnEvent{BookRef: "moby-dick.epub", Dwell: 30 * time.Second})
	f.svc.OnBookClosed(BookClosedEvent{BookRef: "moby-dick.epub"})

	current, ok := f.svc.GetCurrentBook()
	require.True(t, ok)
	assert.Equal(t, int64(2000), current.Progress.Location)
	assert.Equal(t, 0.5, current.Progress.Percentage)
	assert.Equal(t, 0.5, current.TotalReadingTime)

	// Book close flushes immediately.
	assert.Equal(t, 1, f.remote.uploads)
	assert.False(t, f.coord.HasPendingChanges())
}

func TestMigrateLegacyData(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	require.NoError(t, f.store.Set("mybook.epub-progress", []byte("450")))
	require.NoError(t, f.store.Set(storage.LegacyCurrentBookKey, []byte("mybook.epub")))
	activity, err := json.Marshal(map[string]map[string]float64{
		"2026-07-01": {"mybook.epub": 30},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Set(storage.LegacyActivityKey, activity))
	finished, err := json.Marshal([]string{"done.epub"})
	require.NoError(t, err)
	require.NoError(t, f.store.Set(storage.LegacyFinishedKey, finished))

	f.svc.MigrateLegacyData()

	book, ok := f.svc.GetBook("mybook.epub")
	require.True(t, ok)
	assert.Equal(t, "file:mybook.epub", book.ID)
	assert.Equal(t, int64(450), book.Progress.Location)
	assert.Equal(t, "mybook.epub", book.Filename)

	current, ok := f.svc.GetCurrentBook()
	require.True(t, ok)
	assert.Equal(t, "file:mybook.epub", current.ID)

	day := f.led.GetDayData("2026-07-01")
	require.NotNil(t, day)
	assert.Equal(t, float64(30), day.TotalMinutes)

	finishedBooks := f.svc.GetFinishedBooks()
	require.Len(t, finishedBooks, 1)
	assert.Equal(t, "file:done.epub", finishedBooks[0].ID)

	// Legacy keys are consumed.
	_, ok, err = f.store.Get("mybook.epub-progress")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.store.Get(storage.LegacyActivityKey)
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-running is a no-op.
	require.NoError(t, f.store.Set("other.epub-progress", []byte("99")))
	f.svc.MigrateLegacyData()
	_, ok = f.svc.GetBook("other.epub")
	assert.False(t, ok)
}
