package agentloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/boomerang/unifiedllm"
)

// scriptedBackend hands out streams in order, one per request.
type scriptedBackend struct {
	mu       sync.Mutex
	streams  []unifiedllm.Stream
	errs     []error
	requests []unifiedllm.Request
	called   chan struct{}
}

func newScriptedBackend(streams ...unifiedllm.Stream) *scriptedBackend {
	return &scriptedBackend{streams: streams, called: make(chan struct{}, 64)}
}

// failNext makes the next request fail with err before any stream is used.
func (b *scriptedBackend) failNext(err error) {
	b.mu.Lock()
	b.errs = append(b.errs, err)
	b.mu.Unlock()
}

func (b *scriptedBackend) Stream(ctx context.Context, req unifiedllm.Request) (unifiedllm.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	select {
	case b.called <- struct{}{}:
	default:
	}
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		return nil, err
	}
	if len(b.streams) == 0 {
		return nil, errors.New("no scripted stream left")
	}
	s := b.streams[0]
	b.streams = b.streams[1:]
	return s, nil
}

func (b *scriptedBackend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// blockingStream yields first, then blocks until its context is done.
func blockingStream(first string) *unifiedllm.FuncStream {
	sent := false
	return unifiedllm.NewFuncStream(func(ctx context.Context) (unifiedllm.Chunk, error) {
		if !sent {
			sent = true
			return unifiedllm.TextChunk(first), nil
		}
		<-ctx.Done()
		return unifiedllm.Chunk{}, ctx.Err()
	}, nil)
}

// fakeUI answers asks from per-kind queues, defaulting to "yes". Kinds in
// block wait for the ask's context instead.
type fakeUI struct {
	mu        sync.Mutex
	answers   map[AskKind][]AskResponse
	block     map[AskKind]bool
	asks      []UIMessage
	presented []UIMessage
	states    []State
	asked     chan UIMessage
}

func newFakeUI() *fakeUI {
	return &fakeUI{
		answers: make(map[AskKind][]AskResponse),
		block:   make(map[AskKind]bool),
		asked:   make(chan UIMessage, 64),
	}
}

func (u *fakeUI) answer(kind AskKind, resp AskResponse) {
	u.mu.Lock()
	u.answers[kind] = append(u.answers[kind], resp)
	u.mu.Unlock()
}

func (u *fakeUI) Ask(ctx context.Context, t *Task, msg UIMessage) (AskResponse, error) {
	u.mu.Lock()
	u.asks = append(u.asks, msg)
	blocked := u.block[msg.Ask]
	var resp AskResponse
	if q := u.answers[msg.Ask]; len(q) > 0 {
		resp = q[0]
		u.answers[msg.Ask] = q[1:]
	} else {
		resp = AskResponse{Response: ResponseYes}
	}
	u.mu.Unlock()

	select {
	case u.asked <- msg:
	default:
	}
	if blocked {
		<-ctx.Done()
		return AskResponse{}, ctx.Err()
	}
	return resp, nil
}

func (u *fakeUI) Present(t *Task, msg UIMessage) {
	u.mu.Lock()
	u.presented = append(u.presented, msg)
	u.mu.Unlock()
}

func (u *fakeUI) PostState(state State) {
	u.mu.Lock()
	u.states = append(u.states, state)
	u.mu.Unlock()
}

func (u *fakeUI) askKinds() []AskKind {
	u.mu.Lock()
	defer u.mu.Unlock()
	var kinds []AskKind
	for _, m := range u.asks {
		kinds = append(kinds, m.Ask)
	}
	return kinds
}

// memStore is an in-memory Store.
type memStore struct {
	mu    sync.Mutex
	items map[string]HistoryItem
	convs map[string][]unifiedllm.Message
	msgs  map[string][]UIMessage
}

func newMemStore() *memStore {
	return &memStore{
		items: make(map[string]HistoryItem),
		convs: make(map[string][]unifiedllm.Message),
		msgs:  make(map[string][]UIMessage),
	}
}

func (s *memStore) SaveHistoryItem(ctx context.Context, item HistoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

func (s *memStore) GetHistoryItem(ctx context.Context, id string) (*HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &item, nil
}

func (s *memStore) ListHistoryItems(ctx context.Context, limit int) ([]HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryItem
	for _, item := range s.items {
		out = append(out, item)
	}
	return out, nil
}

func (s *memStore) SaveConversation(ctx context.Context, taskID string, msgs []unifiedllm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[taskID] = append([]unifiedllm.Message(nil), msgs...)
	return nil
}

func (s *memStore) LoadConversation(ctx context.Context, taskID string) ([]unifiedllm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]unifiedllm.Message(nil), s.convs[taskID]...), nil
}

func (s *memStore) SaveUIMessages(ctx context.Context, taskID string, msgs []UIMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[taskID] = append([]UIMessage(nil), msgs...)
	return nil
}

func (s *memStore) LoadUIMessages(ctx context.Context, taskID string) ([]UIMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UIMessage(nil), s.msgs[taskID]...), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() ControllerConfig {
	cfg := DefaultControllerConfig()
	cfg.Retry = unifiedllm.RetryPolicy{MaxRetries: 0}
	cfg.DrainTimeout = 200 * time.Millisecond
	cfg.CommandTimeout = 5 * time.Second
	return cfg
}

// newTestTask creates a host-less task over a temp workspace.
func newTestTask(t *testing.T, backend Backend, ui UI, cfg ControllerConfig) *Task {
	t.Helper()
	env := NewLocalExecutionEnvironment(t.TempDir())
	return NewTask(TaskParams{Text: "test task"}, TaskDeps{
		UI:      ui,
		Backend: backend,
		Env:     env,
		Config:  cfg,
		Logger:  quietLogger(),
	})
}

func writeWorkspaceFile(t *testing.T, task *Task, name, content string) {
	t.Helper()
	path := filepath.Join(task.env.WorkingDirectory(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func lastAPIRequest(t *testing.T, msgs []UIMessage) APIRequestInfo {
	t.Helper()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == MessageSay && msgs[i].Say == SayAPIReqStarted {
			info, ok := parseAPIRequestInfo(msgs[i].Text)
			if !ok {
				t.Fatalf("unparseable api_req_started: %q", msgs[i].Text)
			}
			return info
		}
	}
	t.Fatalf("no api_req_started message")
	return APIRequestInfo{}
}

func apiRequests(t *testing.T, msgs []UIMessage) []APIRequestInfo {
	t.Helper()
	var out []APIRequestInfo
	for _, m := range msgs {
		if m.Type == MessageSay && m.Say == SayAPIReqStarted {
			info, ok := parseAPIRequestInfo(m.Text)
			if !ok {
				t.Fatalf("unparseable api_req_started: %q", m.Text)
			}
			out = append(out, info)
		}
	}
	return out
}

func hasSay(msgs []UIMessage, kind SayKind, substr string) bool {
	for _, m := range msgs {
		if m.Type == MessageSay && m.Say == kind && strings.Contains(m.Text, substr) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
