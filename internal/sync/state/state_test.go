package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState(t *testing.T) {
	t.Parallel()

	state := NewState()
	assert.Equal(t, CurrentVersion, state.Version)
	assert.NotNil(t, state.PendingBooks)
	assert.False(t, state.HasPending())
}

func TestLoadState_NewFile(t *testing.T) {
	t.Parallel()

	statePath := filepath.Join(t.TempDir(), "nonexistent.json")

	state, err := LoadState(statePath)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, state.Version)

	// The file is created eagerly to prove the directory is writable.
	_, err = os.Stat(statePath)
	assert.NoError(t, err)
}

func TestLoadState_V1(t *testing.T) {
	t.Parallel()

	statePath := filepath.Join(t.TempDir(), "state_v1.json")

	v1State := `{
		"lastSyncTimestamp": 1751108977166,
		"pendingBooks": ["file:moby-dick.epub", ""],
		"version": "1.0"
	}`
	require.NoError(t, os.WriteFile(statePath, []byte(v1State), 0644))

	state, err := LoadState(statePath)
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, state.Version)
	assert.Equal(t, int64(1751108977), state.LastSync) // ms converted to s
	assert.Equal(t, []string{"file:moby-dick.epub"}, state.PendingBookIDs())
	assert.True(t, state.HasPending())
}

func TestLoadState_InvalidJSON(t *testing.T) {
	t.Parallel()

	statePath := filepath.Join(t.TempDir(), "invalid.json")
	require.NoError(t, os.WriteFile(statePath, []byte("invalid json"), 0644))

	_, err := LoadState(statePath)
	assert.Error(t, err)
}

func TestLoadState_UnsupportedVersion(t *testing.T) {
	t.Parallel()

	statePath := filepath.Join(t.TempDir(), "future.json")
	require.NoError(t, os.WriteFile(statePath, []byte(`{"version":"9.9"}`), 0644))

	_, err := LoadState(statePath)
	assert.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	statePath := filepath.Join(t.TempDir(), "test_state.json")

	state1 := NewState()
	state1.MarkBook("file:moby-dick.epub")
	state1.MarkActivity()
	require.NoError(t, state1.Save(statePath))

	state2, err := LoadState(statePath)
	require.NoError(t, err)
	assert.Equal(t, state1.PendingBookIDs(), state2.PendingBookIDs())
	assert.True(t, state2.PendingActivity)
	assert.Equal(t, state1.LocalVersion, state2.LocalVersion)
}

func TestMarks_Collapse(t *testing.T) {
	t.Parallel()

	state := NewState()
	assert.True(t, state.MarkBook("b1"))
	assert.False(t, state.MarkBook("b1"))
	assert.False(t, state.MarkBook(""))
	assert.True(t, state.MarkActivity())
	assert.False(t, state.MarkActivity())

	assert.Equal(t, int64(2), state.LocalVersion)
	assert.Equal(t, []string{"b1"}, state.PendingBookIDs())
}

func TestClearPending(t *testing.T) {
	t.Parallel()

	state := NewState()
	state.MarkBook("b1")
	state.MarkActivity()
	require.True(t, state.HasPending())

	now := time.Now()
	state.ClearPending(now)

	assert.False(t, state.HasPending())
	assert.Empty(t, state.PendingBookIDs())
	assert.Equal(t, now.Unix(), state.LastSyncTime().Unix())
}

func TestClearPendingIfUnchanged(t *testing.T) {
	t.Parallel()

	state := NewState()
	state.MarkBook("b1")
	version := state.ChangeVersion()

	// A mark after the capture means the captured snapshot is stale; the
	// flags stay, only the sync time is stamped.
	state.MarkBook("b2")
	now := time.Now()
	assert.False(t, state.ClearPendingIfUnchanged(version, now))
	assert.True(t, state.HasPending())
	assert.Equal(t, []string{"b1", "b2"}, state.PendingBookIDs())
	assert.Equal(t, now.Unix(), state.LastSyncTime().Unix())

	// With no marks in between, the clear goes through.
	assert.True(t, state.ClearPendingIfUnchanged(state.ChangeVersion(), now))
	assert.False(t, state.HasPending())
}

func TestLastSyncTime_ZeroBeforeFirstFlush(t *testing.T) {
	t.Parallel()

	assert.True(t, NewState().LastSyncTime().IsZero())
}
