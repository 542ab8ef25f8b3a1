package agentloop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/martinemde/boomerang/unifiedllm"
)

// StartTask records the user's request and runs the task's loop until it
// ends or is aborted.
func (t *Task) StartTask(ctx context.Context, text string, images []string) error {
	t.say(ctx, SayText, text, images, false)
	content := []unifiedllm.ContentPart{unifiedllm.TextPart("<task>\n" + text + "\n</task>")}
	content = append(content, imageParts(images)...)
	return t.initiateLoop(ctx, content)
}

// ResumeAfterSubtask continues a task rebuilt from history whose subtask
// has just finished.
func (t *Task) ResumeAfterSubtask(ctx context.Context, result string) error {
	return t.initiateLoop(ctx, []unifiedllm.ContentPart{unifiedllm.TextPart(subtaskCompletedText(result))})
}

// ResumeFromHistory asks the user whether to continue a task rebuilt from
// its persisted messages and, if so, runs its loop with a resumption
// notice. Answering "no" leaves the task idle.
func (t *Task) ResumeFromHistory(ctx context.Context) error {
	lastTs, completed := t.trimForResume()
	t.save(ctx)

	kind := AskResumeTask
	if completed {
		kind = AskResumeCompletedTask
	}
	resp, err := t.ask(ctx, kind, "")
	if err != nil {
		if IsAborted(err) {
			return nil
		}
		return err
	}
	if resp.Response == ResponseNo && resp.Text == "" {
		return nil
	}
	if resp.Text != "" || len(resp.Images) > 0 {
		t.say(ctx, SayUserFeedback, resp.Text, resp.Images, false)
	}

	content := t.takeTrailingUserContent()
	content = append(content, unifiedllm.TextPart(resumptionNotice(time.UnixMilli(lastTs), t.Workspace, completed)))
	if resp.Text != "" {
		content = append(content, unifiedllm.TextPart(
			"New instructions for task continuation:\n<user_message>\n"+resp.Text+"\n</user_message>"))
	}
	content = append(content, imageParts(resp.Images)...)
	return t.initiateLoop(ctx, content)
}

// trimForResume drops trailing resume asks and an unfinished request
// record, and completes any partial message. It returns the timestamp of
// the last remaining message and whether the task had completed.
func (t *Task) trimForResume() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := t.messages
	for n := len(msgs); n > 0; n = len(msgs) {
		last := msgs[n-1]
		if last.Type == MessageAsk && (last.Ask == AskResumeTask || last.Ask == AskResumeCompletedTask) {
			msgs = msgs[:n-1]
			continue
		}
		break
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type != MessageSay || msgs[i].Say != SayAPIReqStarted {
			continue
		}
		if info, ok := parseAPIRequestInfo(msgs[i].Text); !ok || !info.Finished() {
			msgs = append(msgs[:i:i], msgs[i+1:]...)
		}
		break
	}
	for i := range msgs {
		msgs[i].Partial = false
	}
	t.messages = msgs

	completed := false
	lastTs := t.createdAt.UnixMilli()
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		lastTs = last.Ts
		completed = last.Say == SayCompletionResult || last.Ask == AskCompletionResult
	}
	return lastTs, completed
}

// takeTrailingUserContent removes a trailing user message from the
// conversation and returns its content without the stale environment
// details, so it can be merged into the resumed turn.
func (t *Task) takeTrailingUserContent() []unifiedllm.ContentPart {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.conversation)
	if n == 0 || t.conversation[n-1].Role != unifiedllm.RoleUser {
		return nil
	}
	var content []unifiedllm.ContentPart
	for _, p := range t.conversation[n-1].Content {
		if p.Kind == unifiedllm.ContentText && strings.HasPrefix(p.Text, "<environment_details>") {
			continue
		}
		content = append(content, p)
	}
	t.conversation = t.conversation[:n-1]
	return content
}

func resumptionNotice(last time.Time, workspace string, completed bool) string {
	state := "It may or may not be complete, so please reassess the task context."
	if completed {
		state = "It was completed, but the user wants to continue it."
	}
	return fmt.Sprintf("[TASK RESUMPTION] This task was interrupted %s. %s "+
		"Be aware that the project state may have changed since then. The current working directory is now '%s'. "+
		"If the task has not been completed, retry the last step before interruption and proceed with completing the task.\n\n"+
		"Note: If you previously attempted a tool use that the user did not provide a result for, "+
		"you should assume the tool use was not successful and assess whether you should retry.",
		humanize.Time(last), state, workspace)
}

// initiateLoop drives Run until the task ends. A turn that ends without
// using a tool is answered with a reminder and counts as a mistake.
func (t *Task) initiateLoop(ctx context.Context, content []unifiedllm.ContentPart) error {
	if !t.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer t.loopRunning.Store(false)

	includeEnv := true
	for !t.Aborted() {
		end, err := t.Run(ctx, content, includeEnv)
		if err != nil {
			if IsAborted(err) {
				return nil
			}
			return err
		}
		if end {
			return nil
		}
		includeEnv = false
		content = []unifiedllm.ContentPart{unifiedllm.TextPart(noToolsUsedText())}
		t.addMistake()
	}
	return nil
}
