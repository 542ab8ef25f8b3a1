package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/martinemde/boomerang/unifiedllm"
)

// cancelSettleTimeout bounds how long CancelTask waits for the aborted
// task to persist its state before reloading it.
const cancelSettleTimeout = 3 * time.Second

// ControllerDeps are the collaborators shared by every task.
type ControllerDeps struct {
	Store   Store
	Backend Backend
	UI      UI
	Env     ExecutionEnvironment
	Tools   *ToolRegistry
	Modes   *ModeRegistry
	Logger  *slog.Logger
}

// Controller owns the task stack and implements Host for its tasks. Task
// loops run on goroutines tracked by the controller.
type Controller struct {
	store   Store
	backend Backend
	ui      UI
	env     ExecutionEnvironment
	tools   *ToolRegistry
	modes   *ModeRegistry
	cfg     ControllerConfig
	logger  *slog.Logger
	stack   *TaskStack

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	mode string
}

// NewController creates a controller. Nil tools and modes fall back to the
// defaults.
func NewController(cfg ControllerConfig, deps ControllerDeps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = DefaultMode
	}
	if deps.Tools == nil {
		deps.Tools = DefaultToolRegistry(int(cfg.CommandTimeout.Milliseconds()))
	}
	if deps.Modes == nil {
		deps.Modes = NewModeRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:   deps.Store,
		backend: deps.Backend,
		ui:      deps.UI,
		env:     deps.Env,
		tools:   deps.Tools,
		modes:   deps.Modes,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		mode:    cfg.DefaultMode,
	}
	c.stack = NewTaskStack(c.loadHistoryItem, c.taskFromHistory, c.SwitchMode, logger)
	return c
}

// Stack returns the controller's task stack.
func (c *Controller) Stack() *TaskStack {
	return c.stack
}

// Modes returns the mode registry.
func (c *Controller) Modes() *ModeRegistry {
	return c.modes
}

func (c *Controller) deps() TaskDeps {
	return TaskDeps{
		Host:    c,
		UI:      c.ui,
		Backend: c.backend,
		Env:     c.env,
		Tools:   c.tools,
		Modes:   c.modes,
		Config:  c.cfg,
		Logger:  c.logger,
	}
}

// launch runs fn for t on a tracked goroutine. The task's Done channel is
// closed when fn returns; the goroutine then waits for its drains.
func (c *Controller) launch(t *Task, fn func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := fn(c.ctx)
		t.markDone()
		if err != nil && !IsAborted(err) && !errors.Is(err, context.Canceled) {
			t.logger.Error("task loop failed", "error", err)
		}
		t.WaitDrains()
	}()
}

// StartTask clears the stack and starts a new root task.
func (c *Controller) StartTask(ctx context.Context, text string, images []string) (*Task, error) {
	if _, err := c.modes.Resolve(c.CurrentMode()); err != nil {
		return nil, err
	}
	c.stack.Clear()
	t := NewTask(TaskParams{Text: text, Mode: c.CurrentMode(), Number: 1}, c.deps())
	c.stack.AddToStack(t)
	c.logger.Info("task started", "task_id", t.ID, "mode", t.Mode())
	c.launch(t, func(ctx context.Context) error {
		return t.StartTask(ctx, text, images)
	})
	c.PostStateUpdate(ctx)
	return t, nil
}

// StartSubtask pushes a child of parent, pausing the parent, switches to
// the child's mode and runs the child.
func (c *Controller) StartSubtask(ctx context.Context, parent *Task, mode, message string) (*Task, error) {
	if _, err := c.modes.Resolve(mode); err != nil {
		return nil, err
	}
	if cur := c.stack.Current(); cur != parent {
		return nil, fmt.Errorf("task %s is not the active task", parent.ID)
	}
	root := parent.RootTaskID
	if root == "" {
		root = parent.ID
	}
	child := NewTask(TaskParams{
		Text:         message,
		Mode:         mode,
		ParentTaskID: parent.ID,
		RootTaskID:   root,
		Number:       c.stack.Size() + 1,
	}, c.deps())

	c.stack.AddToStack(child)
	if err := c.SwitchMode(ctx, mode); err != nil {
		c.logger.Warn("switch to subtask mode", "mode", mode, "error", err)
	}
	c.logger.Info("subtask started", "task_id", child.ID, "parent_task_id", parent.ID, "mode", mode)
	c.launch(child, func(ctx context.Context) error {
		return child.StartTask(ctx, message, nil)
	})
	c.PostStateUpdate(ctx)
	return child, nil
}

// FinishSubtask hands child's result to its parent and pops child. A
// parent whose loop is waiting receives the result in its next turn; a
// parent rebuilt from history gets a new loop.
func (c *Controller) FinishSubtask(ctx context.Context, child *Task, result string) error {
	tasks := c.stack.Tasks()
	n := len(tasks)
	if n == 0 || tasks[n-1] != child {
		return fmt.Errorf("task %s is not the active task", child.ID)
	}
	if n < 2 {
		return fmt.Errorf("task %s has no parent on the stack", child.ID)
	}
	parent := tasks[n-2]

	parent.say(ctx, SaySubtaskResult, result, nil, false)
	running := parent.LoopRunning()
	if running {
		parent.setPendingSubtaskResult(result)
	}
	c.stack.RemoveFromStack(ctx)
	c.logger.Info("subtask finished", "task_id", child.ID, "parent_task_id", parent.ID)
	if !running {
		c.launch(parent, func(ctx context.Context) error {
			return parent.ResumeAfterSubtask(ctx, result)
		})
	}
	c.PostStateUpdate(ctx)
	return nil
}

// CancelTask aborts the active task, waits briefly for it to persist its
// state and reloads it from history so the user can resume it.
func (c *Controller) CancelTask(ctx context.Context) error {
	t := c.stack.Current()
	if t == nil {
		return nil
	}
	c.logger.Info("cancelling task", "task_id", t.ID)
	t.Abort(false)

	timer := time.NewTimer(cancelSettleTimeout)
	defer timer.Stop()
	select {
	case <-t.StreamAborted():
	case <-t.Done():
	case <-timer.C:
		c.logger.Warn("task did not settle after cancel", "task_id", t.ID)
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.stack.Current() != t {
		return nil
	}
	return c.ReloadTask(ctx, t)
}

// ReloadTask replaces the active instance of t with a fresh one rebuilt
// from its persisted history and resumes it.
func (c *Controller) ReloadTask(ctx context.Context, t *Task) error {
	if c.stack.Current() != t {
		return nil
	}
	item, err := c.loadHistoryItem(ctx, t.ID)
	if err != nil {
		return err
	}
	fresh, err := c.taskFromHistory(ctx, item)
	if err != nil {
		return err
	}
	c.stack.ReplaceTop(fresh)
	c.logger.Info("task reloaded", "task_id", fresh.ID, "instance", fresh.InstanceID)
	c.launch(fresh, fresh.ResumeFromHistory)
	c.PostStateUpdate(ctx)
	return nil
}

// ShowTask makes the task with id active. A task that is not on the stack
// is rebuilt with its ancestors and resumed.
func (c *Controller) ShowTask(ctx context.Context, id string) (*Task, error) {
	if cur := c.stack.Current(); cur != nil && cur.ID == id {
		return cur, nil
	}
	t, err := c.stack.ReconstructStack(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.SwitchMode(ctx, t.Mode()); err != nil {
		c.logger.Warn("switch to task mode", "mode", t.Mode(), "error", err)
	}
	c.launch(t, t.ResumeFromHistory)
	c.PostStateUpdate(ctx)
	return t, nil
}

// History lists persisted tasks, newest first.
func (c *Controller) History(ctx context.Context, limit int) ([]HistoryItem, error) {
	return c.store.ListHistoryItems(ctx, limit)
}

// Wait blocks until every task goroutine has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Shutdown aborts every task and waits for their goroutines until ctx is
// done.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.stack.Clear()
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot for the UI.
func (c *Controller) State() State {
	st := State{Mode: c.CurrentMode()}
	tasks := c.stack.Tasks()
	for _, t := range tasks {
		st.Stack = append(st.Stack, StackEntry{ID: t.ID, Mode: t.Mode(), Paused: t.IsPaused()})
	}
	if n := len(tasks); n > 0 {
		item := tasks[n-1].HistoryItem()
		st.CurrentTask = &item
		st.Messages = tasks[n-1].Messages()
	}
	return st
}

// Host implementation.

// SaveMessages persists t's message log and its HistoryItem.
func (c *Controller) SaveMessages(ctx context.Context, t *Task) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveHistoryItem(ctx, t.HistoryItem()); err != nil {
		return fmt.Errorf("save history of %s: %w", t.ID, err)
	}
	if err := c.store.SaveUIMessages(ctx, t.ID, t.Messages()); err != nil {
		return fmt.Errorf("save messages of %s: %w", t.ID, err)
	}
	return nil
}

// AddToConversationHistory appends msg to t's conversation and persists it.
func (c *Controller) AddToConversationHistory(ctx context.Context, t *Task, msg unifiedllm.Message) error {
	t.AppendConversation(msg)
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveConversation(ctx, t.ID, t.Conversation()); err != nil {
		return fmt.Errorf("save conversation of %s: %w", t.ID, err)
	}
	return nil
}

// GetTaskByID returns the persisted HistoryItem of id.
func (c *Controller) GetTaskByID(ctx context.Context, id string) (*HistoryItem, error) {
	return c.loadHistoryItem(ctx, id)
}

// PostStateUpdate posts the current state to the UI.
func (c *Controller) PostStateUpdate(ctx context.Context) {
	if c.ui != nil {
		c.ui.PostState(c.State())
	}
}

// CurrentMode returns the active mode slug.
func (c *Controller) CurrentMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SwitchMode activates slug and records it on the active task.
func (c *Controller) SwitchMode(ctx context.Context, slug string) error {
	if _, err := c.modes.Resolve(slug); err != nil {
		return err
	}
	c.mu.Lock()
	changed := c.mode != slug
	c.mode = slug
	c.mu.Unlock()

	if t := c.stack.Current(); t != nil && t.Mode() != slug {
		t.setMode(slug)
		t.say(ctx, SayModeChanged, slug, nil, false)
		changed = true
	}
	if changed {
		c.logger.Debug("mode switched", "mode", slug)
		c.PostStateUpdate(ctx)
	}
	return nil
}

func (c *Controller) loadHistoryItem(ctx context.Context, id string) (*HistoryItem, error) {
	if c.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	item, err := c.store.GetHistoryItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// taskFromHistory rebuilds a task with its persisted conversation and
// message log.
func (c *Controller) taskFromHistory(ctx context.Context, item *HistoryItem) (*Task, error) {
	conv, err := c.store.LoadConversation(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("load conversation of %s: %w", item.ID, err)
	}
	msgs, err := c.store.LoadUIMessages(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("load messages of %s: %w", item.ID, err)
	}
	return NewTask(TaskParams{
		ID:           item.ID,
		RootTaskID:   item.RootTaskID,
		ParentTaskID: item.ParentTaskID,
		Number:       item.Number,
		Mode:         item.Mode,
		Text:         item.Task,
		CreatedAt:    time.UnixMilli(item.Ts),
		Conversation: conv,
		Messages:     msgs,
	}, c.deps()), nil
}
