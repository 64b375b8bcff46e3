package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-lifecycle/internal/model"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTask(title string) *model.Task {
	return &model.Task{
		ID:        uuid.New().String(),
		Title:     title,
		Status:    model.TaskStatusPending,
		Priority:  model.TaskPriorityMedium,
		CreatedAt: time.Now(),
	}
}

func TestSQLiteStoreTasks(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	t.Run("Create And Get Round Trip", func(t *testing.T) {
		confidence := 0.75
		started := time.Now().Add(-time.Minute)
		task := newTask("round trip")
		task.Description = "full field round trip"
		task.AgentID = "agent-1"
		task.Input = json.RawMessage(`{"query":"trends"}`)
		task.Retry = model.RetryPolicy{Count: 1, Max: 3}
		task.Confidence = &confidence
		task.RequiresReview = true
		task.StartedAt = &started

		ev := model.NewEvent(task.ID, task.AgentID, model.EventCreated, "Task created")
		require.NoError(t, store.Create(ctx, task, ev))

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, task.Title, got.Title)
		assert.Equal(t, task.Description, got.Description)
		assert.Equal(t, task.AgentID, got.AgentID)
		assert.Empty(t, got.ParentID)
		assert.Equal(t, task.Input, got.Input)
		assert.Equal(t, task.Retry, got.Retry)
		assert.Equal(t, confidence, *got.Confidence)
		assert.True(t, got.RequiresReview)
		require.NotNil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("Get Missing Returns Nil", func(t *testing.T) {
		got, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Update Persists State And Event Together", func(t *testing.T) {
		task := newTask("updatable")
		require.NoError(t, store.Create(ctx, task,
			model.NewEvent(task.ID, "", model.EventCreated, "Task created")))

		task.Status = model.TaskStatusRunning
		require.NoError(t, store.Update(ctx, task,
			model.NewEvent(task.ID, "", model.EventStarted, "Task started")))

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusRunning, got.Status)

		events, err := store.QueryByTask(ctx, task.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, model.EventCreated, events[0].Type)
		assert.Equal(t, model.EventStarted, events[1].Type)
	})

	t.Run("Update Missing Task Fails", func(t *testing.T) {
		ghost := newTask("ghost")
		err := store.Update(ctx, ghost, nil)
		assert.Error(t, err)
	})

	t.Run("Delete Reports Existence", func(t *testing.T) {
		task := newTask("deletable")
		require.NoError(t, store.Create(ctx, task, nil))

		deleted, err := store.Delete(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.Delete(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestSQLiteStoreList(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	parent := newTask("parent")
	require.NoError(t, store.Create(ctx, parent, nil))

	base := time.Now()
	statuses := []model.TaskStatus{
		model.TaskStatusQueued,
		model.TaskStatusQueued,
		model.TaskStatusRunning,
		model.TaskStatusCompleted,
	}
	var created []*model.Task
	for i, status := range statuses {
		task := newTask("child")
		task.Status = status
		task.ParentID = parent.ID
		task.AgentID = "agent-1"
		task.Priority = model.TaskPriority(i%2 + 1)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Create(ctx, task, nil))
		created = append(created, task)
	}

	t.Run("Filter By Status", func(t *testing.T) {
		tasks, err := store.List(ctx, TaskFilters{
			Status: []model.TaskStatus{model.TaskStatusQueued},
		})
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
	})

	t.Run("Filter By Multiple Statuses", func(t *testing.T) {
		tasks, err := store.List(ctx, TaskFilters{
			Status: []model.TaskStatus{model.TaskStatusQueued, model.TaskStatusRunning},
		})
		require.NoError(t, err)
		assert.Len(t, tasks, 3)
	})

	t.Run("Filter By Agent And Parent", func(t *testing.T) {
		tasks, err := store.List(ctx, TaskFilters{AgentID: "agent-1", ParentID: parent.ID})
		require.NoError(t, err)
		assert.Len(t, tasks, 4)
	})

	t.Run("Newest First With Limit And Offset", func(t *testing.T) {
		tasks, err := store.List(ctx, TaskFilters{ParentID: parent.ID, Limit: 2})
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, created[3].ID, tasks[0].ID)
		assert.Equal(t, created[2].ID, tasks[1].ID)

		tasks, err = store.List(ctx, TaskFilters{ParentID: parent.ID, Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, created[1].ID, tasks[0].ID)
	})

	t.Run("Count Non Terminal Children", func(t *testing.T) {
		count, err := store.CountNonTerminalChildren(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("Counts By Status And Priority", func(t *testing.T) {
		byStatus, err := store.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, byStatus[model.TaskStatusQueued])
		assert.Equal(t, 1, byStatus[model.TaskStatusPending]) // the parent

		byPriority, err := store.CountByPriority(ctx)
		require.NoError(t, err)
		total := 0
		for _, count := range byPriority {
			total += count
		}
		assert.Equal(t, 5, total)
	})
}

func TestSQLiteStoreEvents(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	taskID := uuid.New().String()
	old := model.NewEvent(taskID, "", model.EventCreated, "Task created")
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	recent := model.NewEvent(taskID, "agent-1", model.EventStarted, "Task started")

	require.NoError(t, store.Append(ctx, old))
	require.NoError(t, store.Append(ctx, recent))

	t.Run("Chronological Order", func(t *testing.T) {
		events, err := store.QueryByTask(ctx, taskID, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, model.EventCreated, events[0].Type)
		assert.Equal(t, model.EventStarted, events[1].Type)
		assert.Equal(t, "agent-1", events[1].AgentID)
	})

	t.Run("Prune Deletes Only Old Events", func(t *testing.T) {
		deleted, err := store.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		events, err := store.QueryByTask(ctx, taskID, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, model.EventStarted, events[0].Type)
	})
}

func TestSQLiteStoreAgents(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	agent := &model.Agent{
		ID:          "agent-analyzer",
		Name:        "Data Analyzer",
		Description: "Processes data feeds",
		Status:      model.AgentStatusIdle,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.PutAgent(ctx, agent))

	t.Run("Exists", func(t *testing.T) {
		ok, err := store.Exists(ctx, agent.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Exists(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("GetSummary", func(t *testing.T) {
		summary, err := store.GetSummary(ctx, agent.ID)
		require.NoError(t, err)
		require.NotNil(t, summary)
		assert.Equal(t, "Data Analyzer", summary.Name)
		assert.Equal(t, model.AgentStatusIdle, summary.Status)

		summary, err = store.GetSummary(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, summary)
	})

	t.Run("Put Replaces Existing", func(t *testing.T) {
		agent.Status = model.AgentStatusRunning
		require.NoError(t, store.PutAgent(ctx, agent))

		agents, err := store.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, model.AgentStatusRunning, agents[0].Status)
	})
}
