package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of a lifecycle event
type EventType string

const (
	EventCreated    EventType = "created"
	EventStarted    EventType = "started"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventRetrying   EventType = "retrying"
	EventCancelled  EventType = "cancelled"
	EventPaused     EventType = "paused"
	EventSystemInfo EventType = "system_info"
)

// EventLevel represents the severity of an event
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelError EventLevel = "error"
)

// Level derives the severity from the event type.
func (t EventType) Level() EventLevel {
	if t == EventFailed {
		return EventLevelError
	}
	return EventLevelInfo
}

// Event is an immutable audit record of one lifecycle transition.
// Events are never mutated or deleted once written, except by retention pruning.
type Event struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	AgentID   string     `json:"agent_id,omitempty"`
	Type      EventType  `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewEvent creates an event for a task, deriving the level from the type.
func NewEvent(taskID, agentID string, typ EventType, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AgentID:   agentID,
		Type:      typ,
		Level:     typ.Level(),
		Message:   message,
		Timestamp: time.Now(),
	}
}
