package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status has no outgoing transitions.
// A failed task is not terminal: it can re-enter the queue on retry.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// TaskPriority represents the priority level of a task
type TaskPriority int

const (
	TaskPriorityLow      TaskPriority = 1
	TaskPriorityMedium   TaskPriority = 2
	TaskPriorityHigh     TaskPriority = 3
	TaskPriorityCritical TaskPriority = 4
)

// RetryPolicy is the bounded retry budget for a task. Count never exceeds Max.
type RetryPolicy struct {
	Count int `json:"count"`
	Max   int `json:"max"`
}

// Exhausted reports whether the retry budget has been used up.
func (p RetryPolicy) Exhausted() bool {
	return p.Count >= p.Max
}

// Next returns the policy after consuming one retry.
func (p RetryPolicy) Next() RetryPolicy {
	return RetryPolicy{Count: p.Count + 1, Max: p.Max}
}

// ReviewThreshold is the confidence score below which a completed task
// is flagged for human review.
const ReviewThreshold = 0.5

// Task represents a unit of work driven through the status lifecycle
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`

	// AgentID references the assigned agent; empty means unassigned.
	AgentID string `json:"agent_id,omitempty"`
	// ParentID references the parent task; empty for root tasks.
	ParentID string `json:"parent_id,omitempty"`

	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	Retry RetryPolicy `json:"retry"`

	// Confidence is reported by the agent at completion, in [0,1].
	Confidence     *float64 `json:"confidence,omitempty"`
	RequiresReview bool     `json:"requires_review"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Input != nil {
		c.Input = append(json.RawMessage(nil), t.Input...)
	}
	if t.Output != nil {
		c.Output = append(json.RawMessage(nil), t.Output...)
	}
	if t.Confidence != nil {
		v := *t.Confidence
		c.Confidence = &v
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}
