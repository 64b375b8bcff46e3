package lifecycle

import "github.com/t77yq/agent-lifecycle/internal/model"

// transitions is the canonical table of legal status edges. Completed and
// Cancelled have no outgoing edges. Failed re-enters the queue on the retry
// path only; Fail validates both the Running->Failed and Failed->Queued
// edges before re-queueing.
var transitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskStatusPending: {
		model.TaskStatusQueued,
		model.TaskStatusRunning,
		model.TaskStatusCancelled,
	},
	model.TaskStatusQueued: {
		model.TaskStatusRunning,
		model.TaskStatusCancelled,
	},
	model.TaskStatusRunning: {
		model.TaskStatusCompleted,
		model.TaskStatusFailed,
		model.TaskStatusPaused,
		model.TaskStatusCancelled,
	},
	model.TaskStatusPaused: {
		model.TaskStatusRunning,
		model.TaskStatusCancelled,
	},
	model.TaskStatusFailed: {
		model.TaskStatusQueued,
	},
	model.TaskStatusCompleted: {},
	model.TaskStatusCancelled: {},
}

// CanTransition reports whether from -> to is an edge in the table.
// Self-transitions are never valid.
func CanTransition(from, to model.TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError unless from -> to is
// an edge in the table.
func ValidateTransition(from, to model.TaskStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: string(from), To: string(to)}
	}
	return nil
}
