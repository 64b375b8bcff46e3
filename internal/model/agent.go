package model

import "time"

// AgentStatus represents the reported status of an external agent.
// The engine reads agent state for assignment validation only and
// never mutates it.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusError   AgentStatus = "error"
)

// AgentSummary is the denormalized view of an agent used for
// event enrichment and display.
type AgentSummary struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Status AgentStatus `json:"status"`
}

// Agent is an external executor registered in the directory.
type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      AgentStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Summary returns the denormalized view of the agent.
func (a *Agent) Summary() *AgentSummary {
	return &AgentSummary{ID: a.ID, Name: a.Name, Status: a.Status}
}
