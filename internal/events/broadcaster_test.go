package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-lifecycle/internal/model"
	"github.com/t77yq/agent-lifecycle/internal/testutil"
)

func TestNATSBroadcaster(t *testing.T) {
	js := testutil.StartJetStream(t)

	logger := zap.NewNop()
	broadcaster, err := NewNATSBroadcaster(js, logger)
	require.NoError(t, err)

	t.Run("Setup", func(t *testing.T) {
		stream, err := js.StreamInfo("EVENTS")
		require.NoError(t, err)
		assert.Equal(t, []string{"task.event.*"}, stream.Config.Subjects)
	})

	t.Run("Broadcast Publishes Per Type Subject", func(t *testing.T) {
		ev := model.NewEvent("task-1", "agent-1", model.EventStarted, "Task started")
		require.NoError(t, broadcaster.Broadcast(context.Background(), ev))

		got := testutil.CollectEvents(t, js, "task.event.started", 2*time.Second)
		require.Len(t, got, 1)
		assert.Equal(t, ev.ID, got[0].ID)
		assert.Equal(t, "task-1", got[0].TaskID)
		assert.Equal(t, model.EventStarted, got[0].Type)
	})

	t.Run("Subscribe Receives All Event Types", func(t *testing.T) {
		received := make(chan *model.Event, 10)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, broadcaster.Subscribe(ctx, func(ev *model.Event) {
			received <- ev
		}))

		failed := model.NewEvent("task-2", "", model.EventFailed, "Task failed permanently (0/0): boom")
		require.NoError(t, broadcaster.Broadcast(context.Background(), failed))

		deadline := time.After(5 * time.Second)
		for {
			select {
			case <-deadline:
				t.Fatal("timed out waiting for broadcast event")
			case ev := <-received:
				// Events from the earlier subtest replay first.
				if ev.TaskID != "task-2" {
					continue
				}
				assert.Equal(t, model.EventFailed, ev.Type)
				assert.Equal(t, model.EventLevelError, ev.Level)
				return
			}
		}
	})
}
