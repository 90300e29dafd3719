package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerpulse/ledgerpulse/internal/sales"
)

type mockMaintainer struct {
	removed    int64
	pruneErr   error
	lastMaxAge time.Duration
	stats      sales.CacheStats
	statsErr   error
}

func (m *mockMaintainer) PruneOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	m.lastMaxAge = maxAge
	return m.removed, m.pruneErr
}

func (m *mockMaintainer) Stats(ctx context.Context) (sales.CacheStats, error) {
	return m.stats, m.statsErr
}

func TestCachePrune(t *testing.T) {
	cache := &mockMaintainer{removed: 42}
	job := NewCachePruneJob(cache, 30*24*time.Hour, testLogger(), nil)

	require.NoError(t, job.Handle(context.Background(), NewCachePruneTask()))
	assert.Equal(t, 30*24*time.Hour, cache.lastMaxAge)
}

func TestCachePruneDefaultRetention(t *testing.T) {
	cache := &mockMaintainer{}
	job := NewCachePruneJob(cache, 0, testLogger(), nil)

	require.NoError(t, job.Handle(context.Background(), NewCachePruneTask()))
	assert.Equal(t, 90*24*time.Hour, cache.lastMaxAge)
}

func TestCachePruneSurfacesError(t *testing.T) {
	cache := &mockMaintainer{pruneErr: errors.New("deadlock detected")}
	job := NewCachePruneJob(cache, time.Hour, testLogger(), nil)

	assert.Error(t, job.Handle(context.Background(), NewCachePruneTask()))
}

func TestCacheStatsJob(t *testing.T) {
	cache := &mockMaintainer{stats: sales.CacheStats{TotalEntries: 12}}
	job := NewCacheStatsJob(cache, testLogger(), nil)

	assert.NoError(t, job.Handle(context.Background(), NewCacheStatsTask()))
}

func TestCacheStatsJobSurfacesError(t *testing.T) {
	cache := &mockMaintainer{statsErr: errors.New("connection refused")}
	job := NewCacheStatsJob(cache, testLogger(), nil)

	assert.Error(t, job.Handle(context.Background(), NewCacheStatsTask()))
}
