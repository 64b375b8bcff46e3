package monitor

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
	"github.com/t77yq/agent-lifecycle/internal/testutil"
)

func TestStatsCollector(t *testing.T) {
	js := testutil.StartJetStream(t)
	ctx := context.Background()

	store := storage.NewMemoryStore()
	engine := lifecycle.NewEngine(store, store, storage.NewMemoryDirectory(), zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := engine.Create(ctx, lifecycle.CreateRequest{
			Title:    "pending work",
			Priority: model.TaskPriorityMedium,
		})
		require.NoError(t, err)
	}
	running, err := engine.Create(ctx, lifecycle.CreateRequest{
		Title:    "active work",
		Priority: model.TaskPriorityHigh,
	})
	require.NoError(t, err)
	_, err = engine.Start(ctx, running.ID)
	require.NoError(t, err)

	collector := NewStatsCollector(js, engine, time.Minute, zap.NewNop())
	require.NoError(t, collector.Start(ctx))
	defer collector.Stop()

	t.Run("Setup", func(t *testing.T) {
		stream, err := js.StreamInfo("STATS")
		require.NoError(t, err)
		assert.Equal(t, []string{"stats.*"}, stream.Config.Subjects)
	})

	t.Run("Collect", func(t *testing.T) {
		snapshot, err := collector.Collect(ctx)
		require.NoError(t, err)
		require.NotNil(t, snapshot.Tasks)
		assert.Equal(t, 3, snapshot.Tasks.Total)
		assert.Equal(t, 2, snapshot.Tasks.ByStatus[model.TaskStatusPending])
		assert.Equal(t, 1, snapshot.Tasks.ByStatus[model.TaskStatusRunning])
		assert.False(t, snapshot.Timestamp.IsZero())
	})
}
