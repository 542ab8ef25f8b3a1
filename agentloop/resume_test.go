package agentloop

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/boomerang/unifiedllm"
)

func TestTrimForResume(t *testing.T) {
	cost := 0.1
	task := NewTask(TaskParams{
		ID: "t",
		Messages: []UIMessage{
			{Ts: 1, Type: MessageSay, Say: SayText, Text: "task"},
			{Ts: 2, Type: MessageSay, Say: SayAPIReqStarted, Text: APIRequestInfo{Cost: &cost}.String()},
			{Ts: 3, Type: MessageSay, Say: SayText, Text: "partial", Partial: true},
			{Ts: 4, Type: MessageSay, Say: SayAPIReqStarted, Text: APIRequestInfo{Request: "Loading..."}.String()},
			{Ts: 5, Type: MessageAsk, Ask: AskResumeTask},
		},
	}, TaskDeps{Logger: quietLogger()})

	lastTs, completed := task.trimForResume()
	if completed {
		t.Error("expected an incomplete task")
	}
	msgs := task.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after trimming, got %d", len(msgs))
	}
	if lastTs != 3 {
		t.Errorf("expected last ts 3, got %d", lastTs)
	}
	if msgs[2].Partial {
		t.Error("expected partial messages to be completed")
	}
	if msgs[1].Ts != 2 {
		t.Error("expected the finished request record to be kept")
	}
}

func TestTrimForResumeCompleted(t *testing.T) {
	task := NewTask(TaskParams{
		ID: "t",
		Messages: []UIMessage{
			{Ts: 1, Type: MessageSay, Say: SayText, Text: "task"},
			{Ts: 2, Type: MessageAsk, Ask: AskCompletionResult},
			{Ts: 3, Type: MessageAsk, Ask: AskResumeCompletedTask},
		},
	}, TaskDeps{Logger: quietLogger()})
	if _, completed := task.trimForResume(); !completed {
		t.Error("expected a completed task")
	}
}

func TestTakeTrailingUserContent(t *testing.T) {
	task := NewTask(TaskParams{
		ID: "t",
		Conversation: []unifiedllm.Message{
			unifiedllm.AssistantMessage("hi"),
			{Role: unifiedllm.RoleUser, Content: []unifiedllm.ContentPart{
				unifiedllm.TextPart("[read_file] Result:\nok"),
				unifiedllm.TextPart("<environment_details>\nstale\n</environment_details>"),
			}},
		},
	}, TaskDeps{Logger: quietLogger()})

	content := task.takeTrailingUserContent()
	if len(content) != 1 || content[0].Text != "[read_file] Result:\nok" {
		t.Errorf("unexpected content %+v", content)
	}
	if n := len(task.Conversation()); n != 1 {
		t.Errorf("expected the trailing user message removed, got %d messages", n)
	}
	if task.takeTrailingUserContent() != nil {
		t.Error("expected nothing after an assistant message")
	}
}

func TestResumptionNotice(t *testing.T) {
	notice := resumptionNotice(time.Now().Add(-2*time.Hour), "/work", false)
	if !strings.Contains(notice, "2 hours ago") || !strings.Contains(notice, "'/work'") {
		t.Errorf("unexpected notice %q", notice)
	}
	if !strings.Contains(resumptionNotice(time.Now(), "/w", true), "It was completed") {
		t.Error("expected the completed wording")
	}
}

func TestResumeFromHistoryDeclined(t *testing.T) {
	ui := newFakeUI()
	ui.answer(AskResumeTask, AskResponse{Response: ResponseNo})
	backend := newScriptedBackend()
	task := NewTask(TaskParams{
		ID:       "t",
		Messages: []UIMessage{{Ts: 1, Type: MessageSay, Say: SayText, Text: "task"}},
	}, TaskDeps{UI: ui, Backend: backend, Env: NewLocalExecutionEnvironment(t.TempDir()), Config: testConfig(), Logger: quietLogger()})

	if err := task.ResumeFromHistory(context.Background()); err != nil {
		t.Fatalf("ResumeFromHistory: %v", err)
	}
	if backend.requestCount() != 0 {
		t.Error("expected no request after declining")
	}
}

func TestInitiateLoopRejectsSecondLoop(t *testing.T) {
	task := bareTask("t", "code")
	task.loopRunning.Store(true)
	if err := task.initiateLoop(context.Background(), nil); err != ErrLoopRunning {
		t.Errorf("expected ErrLoopRunning, got %v", err)
	}
}
