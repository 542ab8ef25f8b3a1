package agentloop

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/boomerang/unifiedllm"
)

// AutoApprove lists the tool groups that run without asking the user.
type AutoApprove struct {
	Read     bool
	Edit     bool
	Command  bool
	Modes    bool
	Subtasks bool
}

func (a AutoApprove) allows(group ToolGroup) bool {
	switch group {
	case GroupRead:
		return a.Read
	case GroupEdit:
		return a.Edit
	case GroupCommand:
		return a.Command
	case GroupModes:
		return a.Modes
	case groupSubtasks:
		return a.Subtasks
	}
	return false
}

// ControllerConfig holds the engine settings shared by every task.
type ControllerConfig struct {
	Model                   string
	Provider                string
	Workspace               string
	DefaultMode             string
	CustomInstructions      string
	ConsecutiveMistakeLimit int
	DrainTimeout            time.Duration
	CommandTimeout          time.Duration
	RepetitionWindow        int
	Retry                   unifiedllm.RetryPolicy
	AutoApprove             AutoApprove
}

// DefaultControllerConfig returns the default engine settings.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		DefaultMode:             DefaultMode,
		ConsecutiveMistakeLimit: 3,
		DrainTimeout:            DefaultDrainTimeout,
		CommandTimeout:          120 * time.Second,
		RepetitionWindow:        DefaultRepetitionWindow,
		Retry:                   unifiedllm.DefaultRetryPolicy(),
	}
}

// Task is one conversational agent instance. Its conversation and message
// log are mutated by its own loop; the stack only pauses and resumes it.
type Task struct {
	ID           string
	InstanceID   string
	RootTaskID   string
	ParentTaskID string
	Number       int
	Workspace    string

	createdAt time.Time
	text      string

	host    Host
	ui      UI
	backend Backend
	env     ExecutionEnvironment
	tools   *ToolRegistry
	modes   *ModeRegistry
	cfg     ControllerConfig
	logger  *slog.Logger
	model   *unifiedllm.ModelInfo
	vocab   Vocabulary

	edit       *EditSession
	repetition *RepetitionDetector

	mu                   sync.Mutex
	mode                 string
	paused               bool
	pausedMode           string
	resumeCh             chan struct{}
	pendingSubtaskResult *string
	conversation         []unifiedllm.Message
	messages             []UIMessage
	lastTs               int64
	aborted              bool
	abandoned            bool
	consecutiveMistakes  int

	abortCh     chan struct{}
	abortOnce   sync.Once
	cleanupDone chan struct{}
	cleanupOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	loopRunning atomic.Bool
	drains      sync.WaitGroup

	turn turnState
}

// TaskParams describe a task to create.
type TaskParams struct {
	ID           string
	RootTaskID   string
	ParentTaskID string
	Number       int
	Mode         string
	Text         string
	CreatedAt    time.Time

	Conversation []unifiedllm.Message
	Messages     []UIMessage
}

// TaskDeps are the collaborators a task calls into.
type TaskDeps struct {
	Host    Host
	UI      UI
	Backend Backend
	Env     ExecutionEnvironment
	Tools   *ToolRegistry
	Modes   *ModeRegistry
	Config  ControllerConfig
	Logger  *slog.Logger
}

// NewTask creates a task. A fresh id is generated when p.ID is empty;
// every call gets a new InstanceID.
func NewTask(p TaskParams, deps TaskDeps) *Task {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	mode := p.Mode
	if mode == "" {
		mode = deps.Config.DefaultMode
	}
	if mode == "" {
		mode = DefaultMode
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tools := deps.Tools
	if tools == nil {
		tools = DefaultToolRegistry(int(deps.Config.CommandTimeout.Milliseconds()))
	}
	modes := deps.Modes
	if modes == nil {
		modes = NewModeRegistry()
	}
	model := unifiedllm.GetModelInfo(deps.Config.Model)

	t := &Task{
		ID:           id,
		InstanceID:   uuid.NewString()[:8],
		RootTaskID:   p.RootTaskID,
		ParentTaskID: p.ParentTaskID,
		Number:       p.Number,
		Workspace:    deps.Config.Workspace,
		createdAt:    created,
		text:         p.Text,
		host:         deps.Host,
		ui:           deps.UI,
		backend:      deps.Backend,
		env:          deps.Env,
		tools:        tools,
		modes:        modes,
		cfg:          deps.Config,
		model:        model,
		vocab:        tools.Vocabulary(),
		repetition:   NewRepetitionDetector(deps.Config.RepetitionWindow),
		mode:         mode,
		conversation: append([]unifiedllm.Message(nil), p.Conversation...),
		messages:     append([]UIMessage(nil), p.Messages...),
		abortCh:      make(chan struct{}),
		cleanupDone:  make(chan struct{}),
		done:         make(chan struct{}),
	}
	if t.Workspace == "" && deps.Env != nil {
		t.Workspace = deps.Env.WorkingDirectory()
	}
	if deps.Env != nil {
		t.edit = NewEditSession(deps.Env)
	}
	if n := len(t.messages); n > 0 {
		t.lastTs = t.messages[n-1].Ts
	}
	t.logger = logger.With("task_id", id, "instance", t.InstanceID)
	return t
}

// Mode returns the task's declared mode.
func (t *Task) Mode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

func (t *Task) setMode(slug string) {
	t.mu.Lock()
	t.mode = slug
	t.mu.Unlock()
}

func (t *Task) currentMode() Mode {
	if m, ok := t.modes.Get(t.Mode()); ok {
		return m
	}
	m, _ := t.modes.Get(DefaultMode)
	return m
}

// IsPaused reports whether a descendant currently controls the
// conversation.
func (t *Task) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// PausedMode returns the mode recorded when the task was paused.
func (t *Task) PausedMode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pausedMode
}

func (t *Task) pause(mode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		return
	}
	t.paused = true
	t.pausedMode = mode
	t.resumeCh = make(chan struct{})
}

func (t *Task) unpause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return
	}
	t.paused = false
	close(t.resumeCh)
}

// WaitForResume blocks until the task is un-paused. It returns an
// *AbortedTaskError if the task is aborted while waiting.
func (t *Task) WaitForResume(ctx context.Context) error {
	t.mu.Lock()
	if !t.paused {
		t.mu.Unlock()
		return nil
	}
	ch := t.resumeCh
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-t.abortCh:
		return t.abortedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort stops the task at its next suspension point. An abandoned task has
// been superseded and skips its stream cleanup.
func (t *Task) Abort(abandoned bool) {
	t.mu.Lock()
	t.aborted = true
	if abandoned {
		t.abandoned = true
	}
	t.mu.Unlock()
	t.abortOnce.Do(func() { close(t.abortCh) })
}

// Aborted reports whether Abort has been called.
func (t *Task) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *Task) isAbandoned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abandoned
}

func (t *Task) abortedErr() error {
	return &AbortedTaskError{TaskID: t.ID, InstanceID: t.InstanceID}
}

// DidFinishAbortingStream reports whether the abort cleanup has persisted
// the task's state.
func (t *Task) DidFinishAbortingStream() bool {
	select {
	case <-t.cleanupDone:
		return true
	default:
		return false
	}
}

// StreamAborted is closed once the abort cleanup has persisted state.
func (t *Task) StreamAborted() <-chan struct{} {
	return t.cleanupDone
}

func (t *Task) setDidFinishAbortingStream() {
	t.cleanupOnce.Do(func() { close(t.cleanupDone) })
}

// Done is closed when the task's loop goroutine exits.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// LoopRunning reports whether a loop is driving this task.
func (t *Task) LoopRunning() bool {
	return t.loopRunning.Load()
}

// WaitDrains blocks until every background drain has finished.
func (t *Task) WaitDrains() {
	t.drains.Wait()
}

// withAbort returns a context that is cancelled when the task aborts.
func (t *Task) withAbort(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-t.abortCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (t *Task) setPendingSubtaskResult(result string) {
	t.mu.Lock()
	t.pendingSubtaskResult = &result
	t.mu.Unlock()
}

func (t *Task) takePendingSubtaskResult() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingSubtaskResult == nil {
		return "", false
	}
	r := *t.pendingSubtaskResult
	t.pendingSubtaskResult = nil
	return r, true
}

func (t *Task) mistakes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveMistakes
}

func (t *Task) addMistake() {
	t.mu.Lock()
	t.consecutiveMistakes++
	t.mu.Unlock()
}

func (t *Task) resetMistakes() {
	t.mu.Lock()
	t.consecutiveMistakes = 0
	t.mu.Unlock()
}

// Conversation returns a copy of the conversation sent to the model.
func (t *Task) Conversation() []unifiedllm.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]unifiedllm.Message(nil), t.conversation...)
}

// AppendConversation adds msg to the conversation. Hosts call it from
// AddToConversationHistory before persisting.
func (t *Task) AppendConversation(msg unifiedllm.Message) {
	t.mu.Lock()
	t.conversation = append(t.conversation, msg)
	t.mu.Unlock()
}

// Messages returns a copy of the UI message log.
func (t *Task) Messages() []UIMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]UIMessage(nil), t.messages...)
}

// Usage aggregates the usage records of the message log.
func (t *Task) Usage() UsageTotals {
	return AggregateUsage(t.Messages())
}

// Text returns the task's initial request.
func (t *Task) Text() string {
	return t.text
}

// HistoryItem returns the durable summary of the task.
func (t *Task) HistoryItem() HistoryItem {
	u := t.Usage()
	return HistoryItem{
		ID:           t.ID,
		RootTaskID:   t.RootTaskID,
		ParentTaskID: t.ParentTaskID,
		Number:       t.Number,
		Ts:           t.lastActivity(),
		Task:         t.text,
		TokensIn:     u.TokensIn,
		TokensOut:    u.TokensOut,
		CacheWrites:  u.CacheWrites,
		CacheReads:   u.CacheReads,
		TotalCost:    u.TotalCost(),
		Workspace:    t.Workspace,
		Mode:         t.Mode(),
	}
}

func (t *Task) lastActivity() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastTs > 0 {
		return t.lastTs
	}
	return t.createdAt.UnixMilli()
}

func (t *Task) nextTsLocked() int64 {
	ts := time.Now().UnixMilli()
	if ts <= t.lastTs {
		ts = t.lastTs + 1
	}
	t.lastTs = ts
	return ts
}

// say appends or updates a say message and presents it. A partial message
// of the same kind is updated in place; complete messages are persisted.
func (t *Task) say(ctx context.Context, kind SayKind, text string, images []string, partial bool) int64 {
	t.mu.Lock()
	var msg UIMessage
	if n := len(t.messages); n > 0 && t.messages[n-1].Partial && t.messages[n-1].Type == MessageSay && t.messages[n-1].Say == kind {
		last := &t.messages[n-1]
		last.Text = text
		last.Images = images
		last.Partial = partial
		msg = *last
	} else {
		msg = UIMessage{Ts: t.nextTsLocked(), Type: MessageSay, Say: kind, Text: text, Images: images, Partial: partial}
		t.messages = append(t.messages, msg)
	}
	t.mu.Unlock()

	if t.ui != nil {
		t.ui.Present(t, msg)
	}
	if !partial {
		t.save(ctx)
	}
	return msg.Ts
}

// ask appends an ask message and blocks for the user's answer. A partial
// tool preview directly before it is replaced by the ask.
func (t *Task) ask(ctx context.Context, kind AskKind, text string) (AskResponse, error) {
	if t.Aborted() {
		return AskResponse{}, t.abortedErr()
	}
	t.dropToolPreview()
	t.mu.Lock()
	msg := UIMessage{Ts: t.nextTsLocked(), Type: MessageAsk, Ask: kind, Text: text}
	t.messages = append(t.messages, msg)
	t.mu.Unlock()
	t.save(ctx)

	if t.ui == nil {
		return AskResponse{Response: ResponseYes}, nil
	}
	askCtx, cancel := t.withAbort(ctx)
	defer cancel()
	resp, err := t.ui.Ask(askCtx, t, msg)
	if t.Aborted() {
		return AskResponse{}, t.abortedErr()
	}
	if err != nil {
		return AskResponse{}, err
	}
	return resp, nil
}

// dropToolPreview removes a trailing partial tool preview; the tool's own
// say or ask replaces it.
func (t *Task) dropToolPreview() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.messages); n > 0 && t.messages[n-1].Partial && t.messages[n-1].Say == SayTool {
		t.messages = t.messages[:n-1]
	}
}

// finalizePartialMessage marks a trailing partial message complete.
func (t *Task) finalizePartialMessage(ctx context.Context) {
	t.mu.Lock()
	n := len(t.messages)
	if n == 0 || !t.messages[n-1].Partial {
		t.mu.Unlock()
		return
	}
	t.messages[n-1].Partial = false
	msg := t.messages[n-1]
	t.mu.Unlock()
	if t.ui != nil {
		t.ui.Present(t, msg)
	}
	t.save(ctx)
}

// updateAPIRequest rewrites the api_req_started record with timestamp ts.
func (t *Task) updateAPIRequest(ts int64, update func(APIRequestInfo) APIRequestInfo) {
	t.mu.Lock()
	var (
		msg   UIMessage
		found bool
	)
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Ts != ts {
			continue
		}
		info, _ := parseAPIRequestInfo(t.messages[i].Text)
		t.messages[i].Text = update(info).String()
		msg, found = t.messages[i], true
		break
	}
	t.mu.Unlock()
	if found && t.ui != nil {
		t.ui.Present(t, msg)
	}
}

// save persists the message log. Persistence outlives cancellation of the
// task's context.
func (t *Task) save(ctx context.Context) {
	if t.host == nil {
		return
	}
	if err := t.host.SaveMessages(context.WithoutCancel(ctx), t); err != nil {
		t.logger.Error("save task messages", "error", err)
	}
}

func (t *Task) addToConversation(ctx context.Context, msg unifiedllm.Message) {
	if t.host == nil {
		t.AppendConversation(msg)
		return
	}
	if err := t.host.AddToConversationHistory(context.WithoutCancel(ctx), t, msg); err != nil {
		t.logger.Error("save conversation", "error", err)
	}
}

func (t *Task) postState(ctx context.Context) {
	if t.host != nil {
		t.host.PostStateUpdate(context.WithoutCancel(ctx))
	}
}
