package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// HistoryLoader resolves a task id to its persisted HistoryItem. It must
// return an error wrapping ErrTaskNotFound for unknown ids.
type HistoryLoader func(ctx context.Context, id string) (*HistoryItem, error)

// TaskFactory builds a live Task from a persisted HistoryItem.
type TaskFactory func(ctx context.Context, item *HistoryItem) (*Task, error)

// ModeSwitcher activates a mode for the task now on top of the stack.
type ModeSwitcher func(ctx context.Context, slug string) error

// TaskStack is the live root-to-leaf chain of active tasks. Only the top
// task is unpaused; every task beneath it is paused until the task above
// it is removed.
type TaskStack struct {
	mu      sync.Mutex
	tasks   []*Task
	load    HistoryLoader
	factory TaskFactory
	switchM ModeSwitcher
	logger  *slog.Logger
}

// NewTaskStack creates an empty stack. switcher may be nil.
func NewTaskStack(load HistoryLoader, factory TaskFactory, switcher ModeSwitcher, logger *slog.Logger) *TaskStack {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskStack{load: load, factory: factory, switchM: switcher, logger: logger}
}

// AddToStack pushes t, pausing the previous top with its current mode.
func (s *TaskStack) AddToStack(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.tasks); n > 0 {
		prev := s.tasks[n-1]
		prev.pause(prev.Mode())
	}
	s.tasks = append(s.tasks, t)
	s.logger.Debug("task pushed", "task_id", t.ID, "depth", len(s.tasks))
}

// RemoveFromStack pops the top task, aborting it as abandoned. The new top
// is switched back to the mode it was paused in and un-paused.
func (s *TaskStack) RemoveFromStack(ctx context.Context) *Task {
	s.mu.Lock()
	n := len(s.tasks)
	if n == 0 {
		s.mu.Unlock()
		return nil
	}
	popped := s.tasks[n-1]
	s.tasks = s.tasks[:n-1]
	var top *Task
	if n > 1 {
		top = s.tasks[n-2]
	}
	s.mu.Unlock()

	popped.Abort(true)
	s.logger.Debug("task popped", "task_id", popped.ID, "depth", n-1)

	if top == nil {
		return popped
	}
	if mode := top.PausedMode(); mode != "" && s.switchM != nil && mode != popped.Mode() {
		if err := s.switchM(ctx, mode); err != nil {
			s.logger.Warn("restore mode", "task_id", top.ID, "mode", mode, "error", err)
		}
	}
	top.unpause()
	return popped
}

// ReplaceTop swaps the top task for t without touching the pause state of
// the tasks beneath it. The replaced task is aborted as abandoned.
func (s *TaskStack) ReplaceTop(t *Task) *Task {
	s.mu.Lock()
	var old *Task
	if n := len(s.tasks); n > 0 {
		old = s.tasks[n-1]
		s.tasks[n-1] = t
	} else {
		s.tasks = append(s.tasks, t)
	}
	s.mu.Unlock()
	if old != nil && old != t {
		old.Abort(true)
	}
	return old
}

// Clear aborts every task as abandoned and empties the stack.
func (s *TaskStack) Clear() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for i := len(tasks) - 1; i >= 0; i-- {
		tasks[i].Abort(true)
	}
}

// Current returns the top task, or nil.
func (s *TaskStack) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return nil
	}
	return s.tasks[len(s.tasks)-1]
}

// Find returns the active task with id, or nil.
func (s *TaskStack) Find(id string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Tasks returns a root-first copy of the stack.
func (s *TaskStack) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

// Size returns the number of tasks on the stack.
func (s *TaskStack) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// BuildHierarchy walks ParentTaskID pointers from leaf to the root and
// returns the chain root first. A parent chain that loops back on itself
// is cut at the first repeated id.
func (s *TaskStack) BuildHierarchy(ctx context.Context, leaf *HistoryItem) ([]*HistoryItem, error) {
	chain := []*HistoryItem{leaf}
	visited := map[string]bool{leaf.ID: true}

	cur := leaf
	for cur.ParentTaskID != "" {
		if visited[cur.ParentTaskID] {
			s.logger.Warn("cycle in task hierarchy", "task_id", cur.ID, "parent_task_id", cur.ParentTaskID)
			break
		}
		parent, err := s.load(ctx, cur.ParentTaskID)
		if err != nil {
			return nil, fmt.Errorf("load parent %s of task %s: %w", cur.ParentTaskID, cur.ID, err)
		}
		visited[parent.ID] = true
		chain = append(chain, parent)
		cur = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ReconstructStack rebuilds the stack so that the task with leafID is the
// unpaused top and each of its ancestors sits paused beneath it, root
// first. A task with no parent is loaded on its own.
func (s *TaskStack) ReconstructStack(ctx context.Context, leafID string) (*Task, error) {
	if cur := s.Current(); cur != nil && cur.ID == leafID {
		return cur, nil
	}

	leaf, err := s.load(ctx, leafID)
	if err != nil {
		return nil, err
	}

	if leaf.ParentTaskID == "" {
		t, err := s.factory(ctx, leaf)
		if err != nil {
			return nil, err
		}
		s.Clear()
		s.AddToStack(t)
		return t, nil
	}

	chain, err := s.BuildHierarchy(ctx, leaf)
	if err != nil {
		return nil, err
	}

	// Build every task before touching the stack so a failure leaves the
	// current stack intact.
	tasks := make([]*Task, 0, len(chain))
	for _, item := range chain {
		t, err := s.factory(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("rebuild task %s: %w", item.ID, err)
		}
		tasks = append(tasks, t)
	}

	s.Clear()
	for _, t := range tasks {
		s.AddToStack(t)
	}
	s.logger.Info("task stack reconstructed", "leaf_task_id", leafID, "depth", len(tasks))
	return tasks[len(tasks)-1], nil
}
