// Package memory holds in-process stores for development and tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/JakeFAU/company-research/internal/research"
)

// TaskStore keeps tasks and their transition history in memory.
type TaskStore struct {
	mu      sync.RWMutex
	tasks   map[string]research.Task
	history map[string][]research.StateChange
}

var _ research.TaskStore = (*TaskStore)(nil)

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:   make(map[string]research.Task),
		history: make(map[string][]research.StateChange),
	}
}

// CreateTask stores a new task and records its creation.
func (s *TaskStore) CreateTask(_ context.Context, task research.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return eris.Wrapf(research.ErrDuplicate, "task %s", task.ID)
	}
	s.tasks[task.ID] = task
	s.history[task.ID] = []research.StateChange{research.NewStateChange(research.Task{}, task)}
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, id string) (research.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return research.Task{}, eris.Wrapf(research.ErrNotFound, "task %s", id)
	}
	return task, nil
}

// SwapTask replaces prev with next if the stored state and attempts still
// match prev.
func (s *TaskStore) SwapTask(_ context.Context, prev, next research.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[prev.ID]
	if !ok {
		return eris.Wrapf(research.ErrNotFound, "task %s", prev.ID)
	}
	if current.State != prev.State || current.Attempts != prev.Attempts {
		return eris.Wrapf(research.ErrConflict, "task %s is %s/%d, expected %s/%d",
			prev.ID, current.State, current.Attempts, prev.State, prev.Attempts)
	}
	s.tasks[prev.ID] = next
	s.history[prev.ID] = append(s.history[prev.ID], research.NewStateChange(current, next))
	return nil
}

// ListTasks returns tasks matching filter, oldest first.
func (s *TaskStore) ListTasks(_ context.Context, filter research.TaskFilter) ([]research.Task, error) {
	s.mu.RLock()
	out := make([]research.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if matches(task, filter) {
			out = append(out, task)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b research.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListStateChanges returns a copy of the history of a task.
func (s *TaskStore) ListStateChanges(_ context.Context, id string) ([]research.StateChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, eris.Wrapf(research.ErrNotFound, "task %s", id)
	}
	return slices.Clone(s.history[id]), nil
}

func matches(task research.Task, filter research.TaskFilter) bool {
	if len(filter.States) > 0 && !slices.Contains(filter.States, task.State) {
		return false
	}
	if filter.Kind != "" && task.Subject.Kind != filter.Kind {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !task.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	return true
}
