package storage

import (
	"context"
	"time"

	"github.com/t77yq/agent-lifecycle/internal/model"
)

// TaskFilters defines the filters for listing tasks
type TaskFilters struct {
	Status   []model.TaskStatus
	Priority []model.TaskPriority
	AgentID  string
	ParentID string
	Limit    int
	Offset   int
}

// TaskRepository is the ownership boundary for task records. Implementations
// must provide read-your-writes consistency and atomic write of a task state
// together with its lifecycle event.
type TaskRepository interface {
	// Get retrieves a task by ID. Returns (nil, nil) when the task does not exist.
	Get(ctx context.Context, id string) (*model.Task, error)

	// Create persists a new task and its creation event atomically.
	Create(ctx context.Context, task *model.Task, ev *model.Event) error

	// Update persists a task state change and its event atomically.
	// A nil event writes the state only.
	Update(ctx context.Context, task *model.Task, ev *model.Event) error

	// Delete removes a task record. Returns false when the task does not exist.
	Delete(ctx context.Context, id string) (bool, error)

	// List retrieves tasks matching the filters, newest first.
	List(ctx context.Context, filters TaskFilters) ([]*model.Task, error)

	// ListChildren retrieves the direct subtasks of a task.
	ListChildren(ctx context.Context, parentID string) ([]*model.Task, error)

	// CountNonTerminalChildren counts subtasks that have not reached a
	// terminal status.
	CountNonTerminalChildren(ctx context.Context, parentID string) (int, error)

	// CountByStatus returns task counts grouped by status.
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error)

	// CountByPriority returns task counts grouped by priority.
	CountByPriority(ctx context.Context) (map[model.TaskPriority]int, error)
}

// EventLog is the append-only record of lifecycle events.
type EventLog interface {
	// Append records an event.
	Append(ctx context.Context, ev *model.Event) error

	// QueryByTask retrieves events for a task in chronological order,
	// up to limit. A non-positive limit returns all events.
	QueryByTask(ctx context.Context, taskID string, limit int) ([]*model.Event, error)

	// PruneBefore deletes events older than the cutoff and returns the
	// number of deleted records.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AgentDirectory resolves external agent references. The engine reads
// agent existence and summaries only; it never writes through this interface.
type AgentDirectory interface {
	// Exists reports whether the agent is registered.
	Exists(ctx context.Context, id string) (bool, error)

	// GetSummary retrieves the denormalized agent view.
	// Returns (nil, nil) when the agent does not exist.
	GetSummary(ctx context.Context, id string) (*model.AgentSummary, error)
}
