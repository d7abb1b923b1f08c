package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ordo/internal/store"
)

type countingEvictor struct{ calls atomic.Int32 }

func (c *countingEvictor) EvictIdleLocks(time.Duration) int {
	c.calls.Add(1)
	return 0
}

type countingRefresher struct{ calls atomic.Int32 }

func (c *countingRefresher) Refresh() { c.calls.Add(1) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewMaintenance_BadCron(t *testing.T) {
	_, err := NewMaintenance(store.NewMemoryRepository(), nil, nil, "not a cron", testLogger())
	require.Error(t, err)
}

func TestRunOnce_RunsAllTasks(t *testing.T) {
	evictor := &countingEvictor{}
	refresher := &countingRefresher{}
	m, err := NewMaintenance(store.NewMemoryRepository(), evictor, refresher, "", testLogger())
	require.NoError(t, err)

	m.RunOnce(context.Background())

	assert.Equal(t, int32(1), evictor.calls.Load())
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestTick_OnlyWhenDue(t *testing.T) {
	evictor := &countingEvictor{}
	m, err := NewMaintenance(store.NewMemoryRepository(), evictor, nil, "", testLogger())
	require.NoError(t, err)

	now := time.Now()
	m.nextRun = now.Add(time.Hour)
	m.tick(context.Background(), now)
	assert.Equal(t, int32(0), evictor.calls.Load())

	m.nextRun = now.Add(-time.Minute)
	m.tick(context.Background(), now)
	assert.Equal(t, int32(1), evictor.calls.Load())
	// nextRun advanced past now.
	assert.True(t, m.nextRun.After(now))
}

func TestStartStop(t *testing.T) {
	m, err := NewMaintenance(store.NewMemoryRepository(), nil, nil, "", testLogger())
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background())) // double start
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop()) // idempotent
}
