package config

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvSourceDefaults(t *testing.T) {
	snap, err := NewEnvSource().LoadSnapshot()
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, snap.StuckTimeout)
	assert.Equal(t, 30*time.Second, snap.PollInterval)
	assert.Equal(t, 15*time.Second, snap.CallTimeout)
	assert.Equal(t, 3, snap.MaxSubmitRetries)
	assert.True(t, snap.RiskPercent.Equal(decimal.NewFromFloat(1.0)))
	assert.False(t, snap.LoadedAt.IsZero())
}

func TestEnvSourceOverrides(t *testing.T) {
	t.Setenv("STUCK_TIMEOUT", "45s")
	t.Setenv("CONCURRENCY_LIMIT", "3")

	snap, err := NewEnvSource().LoadSnapshot()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, snap.StuckTimeout)
	assert.Equal(t, 3, snap.ConcurrencyLimit)
}

type failingSource struct {
	snap  *Snapshot
	fail  bool
	calls int
}

func (f *failingSource) LoadSnapshot() (*Snapshot, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("source unavailable")
	}
	return f.snap, nil
}

func TestCachingSourceRetainsPrevious(t *testing.T) {
	src := &failingSource{snap: &Snapshot{StuckTimeout: time.Minute, LoadedAt: time.Now()}}
	caching := NewCachingSource(src)

	first, err := caching.LoadSnapshot()
	require.NoError(t, err)

	src.fail = true
	second, err := caching.LoadSnapshot()
	require.NoError(t, err, "a failed reload must not surface while a previous snapshot exists")
	assert.Same(t, first, second)
}

func TestCachingSourceFailsWithoutAnySnapshot(t *testing.T) {
	caching := NewCachingSource(&failingSource{fail: true})

	_, err := caching.LoadSnapshot()
	assert.Error(t, err)
}
