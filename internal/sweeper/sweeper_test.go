package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-lifecycle/internal/lifecycle"
	"github.com/t77yq/agent-lifecycle/internal/model"
	"github.com/t77yq/agent-lifecycle/internal/storage"
)

func newSweepFixture(t *testing.T, config Config) (*lifecycle.Engine, *storage.MemoryStore, *Sweeper) {
	t.Helper()

	store := storage.NewMemoryStore()
	engine := lifecycle.NewEngine(store, store, storage.NewMemoryDirectory(), zap.NewNop())
	janitor := NewSweeper(engine, store, config, zap.NewNop())
	return engine, store, janitor
}

func TestSweepCancelsStaleRunningTasks(t *testing.T) {
	engine, store, janitor := newSweepFixture(t, Config{MaxRunning: time.Hour})
	ctx := context.Background()

	stale, err := engine.Create(ctx, lifecycle.CreateRequest{Title: "stuck"})
	require.NoError(t, err)
	_, err = engine.Start(ctx, stale.ID)
	require.NoError(t, err)

	// Backdate the start beyond the cutoff.
	task, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	past := time.Now().Add(-2 * time.Hour)
	task.StartedAt = &past
	require.NoError(t, store.Update(ctx, task, nil))

	fresh, err := engine.Create(ctx, lifecycle.CreateRequest{Title: "healthy"})
	require.NoError(t, err)
	_, err = engine.Start(ctx, fresh.ID)
	require.NoError(t, err)

	janitor.Sweep(ctx)

	got, err := engine.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, got.Status)

	got, err = engine.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, got.Status)
}

func TestSweepPrunesOldEvents(t *testing.T) {
	_, store, janitor := newSweepFixture(t, Config{EventRetention: 24 * time.Hour})
	ctx := context.Background()

	old := model.NewEvent("t-1", "", model.EventCreated, "old")
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Append(ctx, old))
	require.NoError(t, store.Append(ctx, model.NewEvent("t-1", "", model.EventStarted, "recent")))

	janitor.Sweep(ctx)

	events, err := store.QueryByTask(ctx, "t-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventStarted, events[0].Type)
}

func TestSweepDisabledByZeroConfig(t *testing.T) {
	engine, store, janitor := newSweepFixture(t, Config{})
	ctx := context.Background()

	task, err := engine.Create(ctx, lifecycle.CreateRequest{Title: "left alone"})
	require.NoError(t, err)
	_, err = engine.Start(ctx, task.ID)
	require.NoError(t, err)

	stored, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	past := time.Now().Add(-240 * time.Hour)
	stored.StartedAt = &past
	require.NoError(t, store.Update(ctx, stored, nil))

	janitor.Sweep(ctx)

	got, err := engine.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, got.Status)
}
