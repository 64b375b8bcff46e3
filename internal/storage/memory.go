package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/agent-lifecycle/internal/model"
)

// MemoryStore is an in-memory TaskRepository and EventLog. It mirrors the
// SQLite store's semantics and is used by tests and embedded deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*model.Task
	events []*model.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*model.Task),
	}
}

// Get implements TaskRepository.Get
func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return task.Clone(), nil
}

// Create implements TaskRepository.Create
func (s *MemoryStore) Create(ctx context.Context, task *model.Task, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = task.Clone()
	if ev != nil {
		s.events = append(s.events, ev)
	}
	return nil
}

// Update implements TaskRepository.Update
func (s *MemoryStore) Update(ctx context.Context, task *model.Task, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = task.Clone()
	if ev != nil {
		s.events = append(s.events, ev)
	}
	return nil
}

// Delete implements TaskRepository.Delete
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

// List implements TaskRepository.List
func (s *MemoryStore) List(ctx context.Context, filters TaskFilters) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*model.Task
	for _, task := range s.tasks {
		if matchesFilters(task, filters) {
			tasks = append(tasks, task.Clone())
		}
	}

	// Newest first, matching the SQLite ordering
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[filters.Offset:]
	}
	if filters.Limit > 0 && len(tasks) > filters.Limit {
		tasks = tasks[:filters.Limit]
	}
	return tasks, nil
}

// ListChildren implements TaskRepository.ListChildren
func (s *MemoryStore) ListChildren(ctx context.Context, parentID string) ([]*model.Task, error) {
	return s.List(ctx, TaskFilters{ParentID: parentID})
}

// CountNonTerminalChildren implements TaskRepository.CountNonTerminalChildren
func (s *MemoryStore) CountNonTerminalChildren(ctx context.Context, parentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, task := range s.tasks {
		if task.ParentID == parentID && !task.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// CountByStatus implements TaskRepository.CountByStatus
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.TaskStatus]int)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

// CountByPriority implements TaskRepository.CountByPriority
func (s *MemoryStore) CountByPriority(ctx context.Context) (map[model.TaskPriority]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.TaskPriority]int)
	for _, task := range s.tasks {
		counts[task.Priority]++
	}
	return counts, nil
}

// Append implements EventLog.Append
func (s *MemoryStore) Append(ctx context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	return nil
}

// QueryByTask implements EventLog.QueryByTask
func (s *MemoryStore) QueryByTask(ctx context.Context, taskID string, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*model.Event
	for _, ev := range s.events {
		if ev.TaskID == taskID {
			events = append(events, ev)
		}
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// PruneBefore implements EventLog.PruneBefore
func (s *MemoryStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for _, ev := range s.events {
		if ev.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return deleted, nil
}

func matchesFilters(task *model.Task, filters TaskFilters) bool {
	if len(filters.Status) > 0 {
		match := false
		for _, status := range filters.Status {
			if task.Status == status {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(filters.Priority) > 0 {
		match := false
		for _, priority := range filters.Priority {
			if task.Priority == priority {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if filters.AgentID != "" && task.AgentID != filters.AgentID {
		return false
	}
	if filters.ParentID != "" && task.ParentID != filters.ParentID {
		return false
	}
	return true
}

// MemoryDirectory is an in-memory AgentDirectory.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]*model.Agent
}

// NewMemoryDirectory creates an empty in-memory agent directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		agents: make(map[string]*model.Agent),
	}
}

// Put registers an agent.
func (d *MemoryDirectory) Put(agent *model.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agent.ID] = agent
}

// Exists implements AgentDirectory.Exists
func (d *MemoryDirectory) Exists(ctx context.Context, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.agents[id]
	return ok, nil
}

// GetSummary implements AgentDirectory.GetSummary
func (d *MemoryDirectory) GetSummary(ctx context.Context, id string) (*model.AgentSummary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[id]
	if !ok {
		return nil, nil
	}
	return agent.Summary(), nil
}
