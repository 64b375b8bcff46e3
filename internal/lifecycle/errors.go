package lifecycle

import "fmt"

// Reference kinds for NotFoundError.
const (
	KindTask       = "task"
	KindAgent      = "agent"
	KindParentTask = "parent task"
)

// NotFoundError is returned when a referenced task, agent, or parent task
// does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidTransitionError is returned when a requested status change is not
// an edge in the transition table.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// InvalidStateError is returned when an operation is rejected because the
// task is in a state the operation does not accept, such as cancelling an
// already-terminal task.
type InvalidStateError struct {
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s task in status %s", e.Op, e.Status)
}

// PreconditionFailedError is returned when a lifecycle precondition outside
// the transition table is violated, such as deleting a task with
// non-terminal subtasks.
type PreconditionFailedError struct {
	Reason string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}
