package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookblue/bookblue-sync/internal/logger"
	"github.com/bookblue/bookblue-sync/internal/models"
	"github.com/bookblue/bookblue-sync/internal/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(storage.NewMemoryStore(), logger.Get())
}

func TestRecordActivity_Additive(t *testing.T) {
	t.Parallel()

	led := newTestLedger(t)
	require.True(t, led.RecordActivity("b1", 5))
	require.True(t, led.RecordActivity("b1", 3))

	day := led.GetDayData(models.Today())
	require.NotNil(t, day)
	assert.Equal(t, float64(8), day.TotalMinutes)
	assert.Equal(t, float64(8), day.Books["b1"])
}

func TestRecordActivity_TotalEqualsPerBookSum(t *testing.T) {
	t.Parallel()

	led := newTestLedger(t)
	led.RecordActivity("b1", 5)
	led.RecordActivity("b2", 2.5)
	led.RecordActivity("b1", 1.5)
	led.RecordActivity("b3", 7)

	day := led.GetDayData(models.Today())
	require.NotNil(t, day)
	var sum float64
	for _, minutes := range day.Books {
		sum += minutes
	}
	assert.Equal(t, sum, day.TotalMinutes)
}

func TestRecordActivity_RejectsBadInput(t *testing.T) {
	t.Parallel()

	led := newTestLedger(t)
	assert.False(t, led.RecordActivity("b1", -5))
	assert.False(t, led.RecordActivity("b1", 0))
	assert.False(t, led.RecordActivity("", 5))
	assert.Nil(t, led.GetDayData(models.Today()))
}

func TestRecordActivity_ClampsOversizedEvent(t *testing.T) {
	t.Parallel()

	led := newTestLedger(t)
	require.True(t, led.RecordActivity("b1", 1e6))

	day := led.GetDayData(models.Today())
	require.NotNil(t, day)
	assert.Equal(t, float64(maxEventMinutes), day.TotalMinutes)
}

func TestStats_StreakAndTotals(t *testing.T) {
	t.Parallel()

	led := newTestLedger(t)
	now := time.Now()
	led.RecordActivityAt("b1", 10, now)
	led.RecordActivityAt("b1", 10, now.AddDate(0, 0, -1))
	led.RecordActivityAt("b2", 10, now.AddDate(0, 0, -2))
	// Gap at -3, then one more day.
	led.RecordActivityAt("b1", 10, now.AddDate(0, 0, -4))

	stats := led.GetStats()
	assert.Equal(t, 3, stats.CurrentStreak)
	assert.Equal(t, 3, stats.LongestStreak)
	assert.Equal(t, float64(40), stats.TotalReadingTime)
	assert.Equal(t, 2, stats.TotalBooksRead)
	assert.Equal(t, float64(10), stats.AverageDailyReading)
}

func TestStats_StreakWithoutTodayEndsAtMostRecentDay(t *testing.T) {
	t.Parallel()

	led := newTestLedger(t)
	now := time.Now()
	led.RecordActivityAt("b1", 10, now.AddDate(0, 0, -1))
	led.RecordActivityAt("b1", 10, now.AddDate(0, 0, -2))

	stats := led.GetStats()
	assert.Equal(t, 2, stats.CurrentStreak)
}

func TestGetMonthData(t *testing.T) {
	t.Parallel()

	led := newTestLedger(t)
	now := time.Now()
	led.RecordActivityAt("b1", 10, now)
	led.RecordActivityAt("b1", 20, now)

	month := led.GetMonthData(models.MonthKey(now))
	require.NotNil(t, month)
	assert.Equal(t, float64(30), month.TotalMinutes)
	assert.Equal(t, 1, month.DaysRead)
	assert.Equal(t, float64(30), month.Books["b1"])

	assert.Nil(t, led.GetMonthData("1999-01"))
}

func TestCleanupOldData(t *testing.T) {
	t.Parallel()

	led := newTestLedger(t)
	now := time.Now()
	led.RecordActivityAt("b1", 10, now)
	led.RecordActivityAt("b1", 10, now.AddDate(0, -8, 0))
	led.RecordActivityAt("b1", 10, now.AddDate(-1, 0, 0))

	removed := led.CleanupOldData(6)
	assert.Equal(t, 2, removed)
	require.NotNil(t, led.GetDayData(models.DateKey(now)))
	assert.Nil(t, led.GetDayData(models.DateKey(now.AddDate(-1, 0, 0))))
}

func TestReplaceActivity_RebuildsRollupsAndStats(t *testing.T) {
	t.Parallel()

	led := newTestLedger(t)
	led.RecordActivity("old", 100)

	today := models.Today()
	led.ReplaceActivity(map[string]models.DailyRecord{
		today: {TotalMinutes: 12, Books: map[string]float64{"b1": 12}},
	})

	day := led.GetDayData(today)
	require.NotNil(t, day)
	assert.Equal(t, float64(12), day.TotalMinutes)

	month := led.GetMonthData(today[:7])
	require.NotNil(t, month)
	assert.Equal(t, float64(12), month.TotalMinutes)

	stats := led.GetStats()
	assert.Equal(t, float64(12), stats.TotalReadingTime)
	assert.Equal(t, 1, stats.TotalBooksRead)
}

func TestOnChange_Fires(t *testing.T) {
	t.Parallel()

	led := newTestLedger(t)
	fired := 0
	led.OnChange(func() { fired++ })

	led.RecordActivity("b1", 5)
	led.RecordActivity("b1", -1)
	assert.Equal(t, 1, fired)
}

func TestPersistence_SurvivesReload(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	led := New(store, logger.Get())
	require.True(t, led.RecordActivity("b1", 15))

	assert.Eventually(t, func() bool {
		reloaded := New(store, logger.Get())
		day := reloaded.GetDayData(models.Today())
		return day != nil && day.TotalMinutes == 15
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersistence_BurstKeepsLatestState(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	led := New(store, logger.Get())

	// Each credit spawns its own write; an out-of-order commit must never
	// leave a stale ledger as the durable one.
	for i := 0; i < 50; i++ {
		require.True(t, led.RecordActivity("b1", 1))
	}

	require.Eventually(t, func() bool {
		reloaded := New(store, logger.Get())
		day := reloaded.GetDayData(models.Today())
		return day != nil && day.TotalMinutes == 50
	}, 2*time.Second, 10*time.Millisecond)

	// And it stays the durable state once the writes have drained.
	time.Sleep(50 * time.Millisecond)
	reloaded := New(store, logger.Get())
	day := reloaded.GetDayData(models.Today())
	require.NotNil(t, day)
	assert.Equal(t, float64(50), day.TotalMinutes)
}
