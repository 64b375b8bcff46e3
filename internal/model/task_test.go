package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy(t *testing.T) {
	t.Run("Zero Budget Is Exhausted", func(t *testing.T) {
		p := RetryPolicy{}
		assert.True(t, p.Exhausted())
	})

	t.Run("Next Consumes One Retry", func(t *testing.T) {
		p := RetryPolicy{Max: 2}
		assert.False(t, p.Exhausted())

		p = p.Next()
		assert.Equal(t, RetryPolicy{Count: 1, Max: 2}, p)
		assert.False(t, p.Exhausted())

		p = p.Next()
		assert.Equal(t, RetryPolicy{Count: 2, Max: 2}, p)
		assert.True(t, p.Exhausted())
	})
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		TaskStatusPending:   false,
		TaskStatusQueued:    false,
		TaskStatusRunning:   false,
		TaskStatusPaused:    false,
		TaskStatusCompleted: true,
		TaskStatusFailed:    false,
		TaskStatusCancelled: true,
	}
	for status, want := range terminal {
		assert.Equal(t, want, status.IsTerminal(), "status %s", status)
	}
}

func TestEventTypeLevel(t *testing.T) {
	assert.Equal(t, EventLevelError, EventFailed.Level())
	for _, typ := range []EventType{EventCreated, EventStarted, EventCompleted, EventRetrying, EventCancelled, EventPaused, EventSystemInfo} {
		assert.Equal(t, EventLevelInfo, typ.Level(), "type %s", typ)
	}
}

func TestTaskClone(t *testing.T) {
	confidence := 0.8
	started := time.Now()
	task := &Task{
		ID:         "t-1",
		Title:      "original",
		Status:     TaskStatusRunning,
		Input:      json.RawMessage(`{"a":1}`),
		Confidence: &confidence,
		StartedAt:  &started,
	}

	clone := task.Clone()
	clone.Title = "mutated"
	clone.Input[0] = 'X'
	*clone.Confidence = 0.1
	*clone.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "original", task.Title)
	assert.Equal(t, json.RawMessage(`{"a":1}`), task.Input)
	assert.Equal(t, 0.8, *task.Confidence)
	assert.Equal(t, started, *task.StartedAt)
}
