package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-lifecycle/internal/model"
	"github.com/t77yq/agent-lifecycle/internal/storage"
)

// Broadcaster fans out committed lifecycle events to monitoring consumers.
// Broadcast failures never affect the committed transition.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev *model.Event) error
}

// CreateRequest carries the caller-supplied fields for a new task.
type CreateRequest struct {
	Title          string
	Description    string
	Priority       model.TaskPriority
	AgentID        string
	ParentID       string
	Input          json.RawMessage
	MaxRetries     int
	RequiresReview bool
}

// Stats is the aggregate view of the task population.
type Stats struct {
	Total      int                        `json:"total"`
	ByStatus   map[model.TaskStatus]int   `json:"by_status"`
	ByPriority map[model.TaskPriority]int `json:"by_priority"`
}

// Engine drives tasks through the status lifecycle. All mutating operations
// on the same task identifier are serialized; operations on distinct tasks
// proceed independently. Every committed transition writes exactly one event
// atomically with the task state.
type Engine struct {
	logger    *zap.Logger
	tasks     storage.TaskRepository
	events    storage.EventLog
	agents    storage.AgentDirectory
	broadcast Broadcaster
	locks     *keyedLocks
}

// NewEngine creates a lifecycle engine on top of the given collaborators.
func NewEngine(tasks storage.TaskRepository, events storage.EventLog, agents storage.AgentDirectory, logger *zap.Logger) *Engine {
	return &Engine{
		logger: logger.Named("lifecycle"),
		tasks:  tasks,
		events: events,
		agents: agents,
		locks:  newKeyedLocks(),
	}
}

// WithBroadcaster attaches a post-commit event broadcaster.
func (e *Engine) WithBroadcaster(b Broadcaster) *Engine {
	e.broadcast = b
	return e
}

// Create validates references and persists a new task in Pending status.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*model.Task, error) {
	if req.Title == "" {
		return nil, &PreconditionFailedError{Reason: "title is required"}
	}
	if req.MaxRetries < 0 {
		return nil, &PreconditionFailedError{Reason: "max retries must be non-negative"}
	}

	// Resolve references before any write
	if req.AgentID != "" {
		ok, err := e.agents.Exists(ctx, req.AgentID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve agent: %w", err)
		}
		if !ok {
			return nil, &NotFoundError{Kind: KindAgent, ID: req.AgentID}
		}
	}
	if req.ParentID != "" {
		parent, err := e.tasks.Get(ctx, req.ParentID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve parent task: %w", err)
		}
		if parent == nil {
			return nil, &NotFoundError{Kind: KindParentTask, ID: req.ParentID}
		}
	}

	task := &model.Task{
		ID:             uuid.New().String(),
		Title:          req.Title,
		Description:    req.Description,
		Status:         model.TaskStatusPending,
		Priority:       req.Priority,
		AgentID:        req.AgentID,
		ParentID:       req.ParentID,
		Input:          req.Input,
		Retry:          model.RetryPolicy{Max: req.MaxRetries},
		RequiresReview: req.RequiresReview,
		CreatedAt:      time.Now(),
	}

	ev := model.NewEvent(task.ID, task.AgentID, model.EventCreated,
		fmt.Sprintf("Task created: %s", task.Title))

	if err := e.tasks.Create(ctx, task, ev); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	e.publish(ctx, ev)

	e.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title),
		zap.String("agent_id", task.AgentID))

	return task, nil
}

// Enqueue hands a pending task to the execution queue.
func (e *Engine) Enqueue(ctx context.Context, id string) (*model.Task, error) {
	return e.transition(ctx, id, func(task *model.Task) (*model.Event, error) {
		if task.Status != model.TaskStatusPending {
			return nil, &InvalidTransitionError{From: string(task.Status), To: string(model.TaskStatusQueued)}
		}
		task.Status = model.TaskStatusQueued
		return model.NewEvent(task.ID, task.AgentID, model.EventSystemInfo,
			"Task queued for execution"), nil
	})
}

// Start moves a pending or queued task into Running. The start timestamp is
// recorded on the first start only.
func (e *Engine) Start(ctx context.Context, id string) (*model.Task, error) {
	return e.transition(ctx, id, func(task *model.Task) (*model.Event, error) {
		if task.Status != model.TaskStatusPending && task.Status != model.TaskStatusQueued {
			return nil, &InvalidTransitionError{From: string(task.Status), To: string(model.TaskStatusRunning)}
		}
		if err := ValidateTransition(task.Status, model.TaskStatusRunning); err != nil {
			return nil, err
		}
		task.Status = model.TaskStatusRunning
		if task.StartedAt == nil {
			now := time.Now()
			task.StartedAt = &now
		}
		return model.NewEvent(task.ID, task.AgentID, model.EventStarted, "Task started"), nil
	})
}

// Complete records a successful execution outcome. A confidence score below
// the review threshold flags the task for review; an absent score leaves the
// creation-time flag untouched.
func (e *Engine) Complete(ctx context.Context, id string, output json.RawMessage, confidence *float64) (*model.Task, error) {
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		return nil, &PreconditionFailedError{Reason: "confidence must be in [0,1]"}
	}
	return e.transition(ctx, id, func(task *model.Task) (*model.Event, error) {
		if err := ValidateTransition(task.Status, model.TaskStatusCompleted); err != nil {
			return nil, err
		}
		task.Status = model.TaskStatusCompleted
		task.Output = output
		task.Confidence = confidence
		if confidence != nil && *confidence < model.ReviewThreshold {
			task.RequiresReview = true
		}
		if task.CompletedAt == nil {
			now := time.Now()
			task.CompletedAt = &now
		}

		msg := "Task completed"
		if task.RequiresReview && confidence != nil {
			msg = fmt.Sprintf("Task completed, flagged for review (confidence %.2f)", *confidence)
		}
		return model.NewEvent(task.ID, task.AgentID, model.EventCompleted, msg), nil
	})
}

// Fail records a failed execution attempt. While the retry budget lasts the
// task re-enters the queue with the error cleared; once exhausted it settles
// in Failed with the error stored. Fail itself never returns a retry error:
// exhaustion is reflected in the resulting status and the event log.
func (e *Engine) Fail(ctx context.Context, id string, errorMessage string) (*model.Task, error) {
	return e.transition(ctx, id, func(task *model.Task) (*model.Event, error) {
		if err := ValidateTransition(task.Status, model.TaskStatusFailed); err != nil {
			return nil, err
		}

		if !task.Retry.Exhausted() {
			// Retry path: the re-queue is the Failed->Queued edge.
			if err := ValidateTransition(model.TaskStatusFailed, model.TaskStatusQueued); err != nil {
				return nil, err
			}
			task.Retry = task.Retry.Next()
			task.Status = model.TaskStatusQueued
			task.ErrorMessage = ""
			return model.NewEvent(task.ID, task.AgentID, model.EventRetrying,
				fmt.Sprintf("Task failed, retrying (%d/%d): %s",
					task.Retry.Count, task.Retry.Max, errorMessage)), nil
		}

		task.Status = model.TaskStatusFailed
		task.ErrorMessage = errorMessage
		if task.CompletedAt == nil {
			now := time.Now()
			task.CompletedAt = &now
		}
		return model.NewEvent(task.ID, task.AgentID, model.EventFailed,
			fmt.Sprintf("Task failed permanently (%d/%d): %s",
				task.Retry.Count, task.Retry.Max, errorMessage)), nil
	})
}

// Cancel terminates a task from any non-terminal status. Cancelling an
// already-terminal task is rejected, never silently absorbed.
func (e *Engine) Cancel(ctx context.Context, id string) (*model.Task, error) {
	return e.transition(ctx, id, func(task *model.Task) (*model.Event, error) {
		if task.Status.IsTerminal() {
			return nil, &InvalidStateError{Op: "cancel", Status: string(task.Status)}
		}
		if err := ValidateTransition(task.Status, model.TaskStatusCancelled); err != nil {
			return nil, err
		}
		task.Status = model.TaskStatusCancelled
		if task.CompletedAt == nil {
			now := time.Now()
			task.CompletedAt = &now
		}
		return model.NewEvent(task.ID, task.AgentID, model.EventCancelled, "Task cancelled"), nil
	})
}

// Pause suspends a running task.
func (e *Engine) Pause(ctx context.Context, id string) (*model.Task, error) {
	return e.transition(ctx, id, func(task *model.Task) (*model.Event, error) {
		if err := ValidateTransition(task.Status, model.TaskStatusPaused); err != nil {
			return nil, err
		}
		task.Status = model.TaskStatusPaused
		return model.NewEvent(task.ID, task.AgentID, model.EventPaused, "Task paused"), nil
	})
}

// Resume re-enters Running from Paused. Resumption is modeled as re-entering
// Running, so it emits a Started event.
func (e *Engine) Resume(ctx context.Context, id string) (*model.Task, error) {
	return e.transition(ctx, id, func(task *model.Task) (*model.Event, error) {
		if task.Status != model.TaskStatusPaused {
			return nil, &InvalidTransitionError{From: string(task.Status), To: string(model.TaskStatusRunning)}
		}
		task.Status = model.TaskStatusRunning
		return model.NewEvent(task.ID, task.AgentID, model.EventStarted, "Task resumed"), nil
	})
}

// Assign sets or clears the task's agent reference. Reassignment is permitted
// in any non-terminal status; assigning the current value is a no-op.
func (e *Engine) Assign(ctx context.Context, id string, agentID string) (*model.Task, error) {
	// Resolve the agent before entering the per-task critical section.
	var agentName string
	if agentID != "" {
		summary, err := e.agents.GetSummary(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve agent: %w", err)
		}
		if summary == nil {
			return nil, &NotFoundError{Kind: KindAgent, ID: agentID}
		}
		agentName = summary.Name
	}

	unlock := e.locks.acquire(id)
	defer unlock()

	task, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, &InvalidStateError{Op: "assign", Status: string(task.Status)}
	}
	if task.AgentID == agentID {
		return task, nil
	}

	task.AgentID = agentID
	msg := "Task unassigned"
	if agentID != "" {
		msg = fmt.Sprintf("Task assigned to agent %s", agentName)
	}
	ev := model.NewEvent(task.ID, agentID, model.EventSystemInfo, msg)

	if err := e.tasks.Update(ctx, task, ev); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	e.publish(ctx, ev)

	e.logger.Info("Task assignment changed",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agentID))

	return task, nil
}

// Delete removes a task record. The task must not be running and must have
// no non-terminal subtasks. Deletion bypasses the transition table but not
// these preconditions, and writes no event.
func (e *Engine) Delete(ctx context.Context, id string) error {
	unlock := e.locks.acquire(id)
	defer unlock()

	task, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == model.TaskStatusRunning {
		return &PreconditionFailedError{Reason: "task is running"}
	}

	children, err := e.tasks.CountNonTerminalChildren(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count subtasks: %w", err)
	}
	if children > 0 {
		return &PreconditionFailedError{
			Reason: fmt.Sprintf("task has %d non-terminal subtasks", children),
		}
	}

	if _, err := e.tasks.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	e.logger.Info("Task deleted", zap.String("task_id", id))
	return nil
}

// Get retrieves a task by ID.
func (e *Engine) Get(ctx context.Context, id string) (*model.Task, error) {
	return e.load(ctx, id)
}

// List retrieves tasks matching the filters.
func (e *Engine) List(ctx context.Context, filters storage.TaskFilters) ([]*model.Task, error) {
	return e.tasks.List(ctx, filters)
}

// Subtasks retrieves the direct children of a task.
func (e *Engine) Subtasks(ctx context.Context, id string) ([]*model.Task, error) {
	if _, err := e.load(ctx, id); err != nil {
		return nil, err
	}
	return e.tasks.ListChildren(ctx, id)
}

// Events retrieves the lifecycle history of a task in chronological order.
func (e *Engine) Events(ctx context.Context, id string, limit int) ([]*model.Event, error) {
	return e.events.QueryByTask(ctx, id, limit)
}

// Stats returns task counts grouped by status and by priority.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	byStatus, err := e.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	byPriority, err := e.tasks.CountByPriority(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count by priority: %w", err)
	}

	stats := &Stats{ByStatus: byStatus, ByPriority: byPriority}
	for _, count := range byStatus {
		stats.Total += count
	}
	return stats, nil
}

// transition runs apply on the task under its lock and commits the mutated
// state together with the returned event. A rejected apply leaves the task
// and the event log untouched.
func (e *Engine) transition(ctx context.Context, id string, apply func(*model.Task) (*model.Event, error)) (*model.Task, error) {
	unlock := e.locks.acquire(id)
	defer unlock()

	task, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	ev, err := apply(task)
	if err != nil {
		return nil, err
	}

	if err := e.tasks.Update(ctx, task, ev); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	e.publish(ctx, ev)

	e.logger.Info("Task transition committed",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("event", string(ev.Type)))

	return task, nil
}

func (e *Engine) load(ctx context.Context, id string) (*model.Task, error) {
	task, err := e.tasks.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return nil, &NotFoundError{Kind: KindTask, ID: id}
	}
	return task, nil
}

func (e *Engine) publish(ctx context.Context, ev *model.Event) {
	if e.broadcast == nil {
		return
	}
	if err := e.broadcast.Broadcast(ctx, ev); err != nil {
		e.logger.Warn("Failed to broadcast event",
			zap.String("task_id", ev.TaskID),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
	}
}
