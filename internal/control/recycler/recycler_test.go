package recycler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordPageFiresOncePerBudget(t *testing.T) {
	t.Parallel()

	r := New(Config{}, zap.NewNop())
	r.SetBudget("shopee-br", 3)

	recycles := 0
	for i := 0; i < 9; i++ {
		if r.RecordPage("shopee-br") == Recycle {
			recycles++
		}
	}
	assert.Equal(t, 3, recycles)
	assert.Equal(t, 0, r.Pages("shopee-br"))
}

func TestRecordPageResetsCounterOnRecycle(t *testing.T) {
	t.Parallel()

	r := New(Config{}, zap.NewNop())
	r.SetBudget("shopee-br", 2)

	require.Equal(t, KeepSession, r.RecordPage("shopee-br"))
	require.Equal(t, Recycle, r.RecordPage("shopee-br"))
	require.Equal(t, KeepSession, r.RecordPage("shopee-br"))
	assert.Equal(t, 1, r.Pages("shopee-br"))
}

func TestProfilesCountedIndependently(t *testing.T) {
	t.Parallel()

	r := New(Config{}, zap.NewNop())
	r.SetBudget("shopee-br", 2)
	r.SetBudget("shopee-mx", 2)

	require.Equal(t, KeepSession, r.RecordPage("shopee-br"))
	require.Equal(t, KeepSession, r.RecordPage("shopee-mx"))
	require.Equal(t, Recycle, r.RecordPage("shopee-br"))
	assert.Equal(t, 1, r.Pages("shopee-mx"))
}

func TestZeroBudgetNeverRecycles(t *testing.T) {
	t.Parallel()

	r := New(Config{}, zap.NewNop())
	r.SetBudget("shopee-br", 0)

	for i := 0; i < 50; i++ {
		require.Equal(t, KeepSession, r.RecordPage("shopee-br"))
	}
}

func TestResetPages(t *testing.T) {
	t.Parallel()

	r := New(Config{}, zap.NewNop())
	r.SetBudget("shopee-br", 5)

	r.RecordPage("shopee-br")
	r.RecordPage("shopee-br")
	r.ResetPages("shopee-br")
	assert.Equal(t, 0, r.Pages("shopee-br"))
}

func TestCooldownStaysWithinBounds(t *testing.T) {
	t.Parallel()

	min, max := 100*time.Millisecond, 500*time.Millisecond
	r := New(Config{CooldownMin: min, CooldownMax: max}, zap.NewNop())

	seen := make(map[time.Duration]struct{})
	for i := 0; i < 200; i++ {
		d := r.Cooldown()
		require.GreaterOrEqual(t, d, min)
		require.Less(t, d, max)
		seen[d] = struct{}{}
	}
	// Uniform draws over a 400ms nanosecond range should essentially
	// never repeat; a constant here means the jitter is broken.
	assert.Greater(t, len(seen), 1)
}

func TestCooldownDegenerateWindow(t *testing.T) {
	t.Parallel()

	r := New(Config{CooldownMin: time.Second, CooldownMax: time.Second}, zap.NewNop())
	assert.Equal(t, time.Second, r.Cooldown())
}
