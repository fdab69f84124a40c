package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shopcap/internal/capture"
)

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	st := State{
		Profile:   "br-account-1",
		Status:    StatusTripped,
		Reason:    capture.BlockCaptcha,
		TrippedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Save(st))

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, st.Profile, loaded[0].Profile)
	assert.Equal(t, StatusTripped, loaded[0].Status)
	assert.Equal(t, capture.BlockCaptcha, loaded[0].Reason)

	require.NoError(t, store.Delete(st.Profile))
	loaded, err = store.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFileStore_DeleteMissingIsNoop(t *testing.T) {
	t.Parallel()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Delete("never-saved"))
}

func TestBreaker_PersistedTripSurvivesRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	b, err := New(Config{}, store, zap.NewNop())
	require.NoError(t, err)
	b.Report(Observation{Profile: "a", Block: capture.BlockStatusCode})

	// Fresh breaker over the same directory sees the profile as unsafe.
	restarted, err := New(Config{}, store, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, restarted.IsTripped("a"))

	// Reset clears the marker for subsequent runs as well.
	require.NoError(t, restarted.Reset("a"))
	third, err := New(Config{}, store, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, third.IsTripped("a"))
}
