package agentloop

import (
	"context"

	"github.com/martinemde/boomerang/unifiedllm"
)

// HistoryItem is the durable summary of a task. Tasks form a forest via
// ParentTaskID; a root task has empty ParentTaskID and RootTaskID.
type HistoryItem struct {
	ID           string  `json:"id"`
	RootTaskID   string  `json:"root_task_id,omitempty"`
	ParentTaskID string  `json:"parent_task_id,omitempty"`
	Number       int     `json:"number"`
	Ts           int64   `json:"ts"`
	Task         string  `json:"task"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CacheWrites  int     `json:"cache_writes"`
	CacheReads   int     `json:"cache_reads"`
	TotalCost    float64 `json:"total_cost"`
	Workspace    string  `json:"workspace,omitempty"`
	Mode         string  `json:"mode,omitempty"`
}

// Store persists task history, conversations and UI message logs.
type Store interface {
	SaveHistoryItem(ctx context.Context, item HistoryItem) error
	GetHistoryItem(ctx context.Context, id string) (*HistoryItem, error)
	ListHistoryItems(ctx context.Context, limit int) ([]HistoryItem, error)
	SaveConversation(ctx context.Context, taskID string, msgs []unifiedllm.Message) error
	LoadConversation(ctx context.Context, taskID string) ([]unifiedllm.Message, error)
	SaveUIMessages(ctx context.Context, taskID string, msgs []UIMessage) error
	LoadUIMessages(ctx context.Context, taskID string) ([]UIMessage, error)
}

// Backend opens streamed completions. *unifiedllm.Client satisfies it.
type Backend interface {
	Stream(ctx context.Context, req unifiedllm.Request) (unifiedllm.Stream, error)
}

// Host is the persistence and orchestration collaborator a task calls
// back into. The loop never retries a Host call itself.
type Host interface {
	SaveMessages(ctx context.Context, t *Task) error
	AddToConversationHistory(ctx context.Context, t *Task, msg unifiedllm.Message) error
	GetTaskByID(ctx context.Context, id string) (*HistoryItem, error)
	PostStateUpdate(ctx context.Context)

	CurrentMode() string
	SwitchMode(ctx context.Context, slug string) error

	StartSubtask(ctx context.Context, parent *Task, mode, message string) (*Task, error)
	FinishSubtask(ctx context.Context, child *Task, result string) error
	ReloadTask(ctx context.Context, t *Task) error
}

// UI is the user-facing collaborator. Ask blocks until the user answers
// or ctx is done; Present is fire-and-forget and is called for every new
// or updated message.
type UI interface {
	Ask(ctx context.Context, t *Task, msg UIMessage) (AskResponse, error)
	Present(t *Task, msg UIMessage)
	PostState(state State)
}

// State is the snapshot posted to the UI after significant transitions.
type State struct {
	Mode        string       `json:"mode"`
	CurrentTask *HistoryItem `json:"current_task,omitempty"`
	Stack       []StackEntry `json:"stack"`
	Messages    []UIMessage  `json:"messages,omitempty"`
}

// StackEntry describes one task of the active stack.
type StackEntry struct {
	ID     string `json:"id"`
	Mode   string `json:"mode"`
	Paused bool   `json:"paused"`
}
