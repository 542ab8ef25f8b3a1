package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/martinemde/boomerang/unifiedllm"
)

// Stage is the position of a StackFrame in its turn.
type Stage int

const (
	StageStart Stage = iota
	StageAfterAPICall
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageAfterAPICall:
		return "after_api_call"
	case StageComplete:
		return "complete"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// StackFrame is the activation record of one turn. Run keeps an explicit
// list of frames instead of recursing, so a long tool chain never grows
// the goroutine stack and cancellation just stops processing frames.
type StackFrame struct {
	Content            []unifiedllm.ContentPart
	IncludeEnvironment bool
	Stage              Stage

	assistantText string
	reqTs         int64
	endLoop       bool
}

// turnState is the per-turn streaming state. It is owned by the goroutine
// running the task's loop.
type turnState struct {
	assistantText     string
	reasoning         string
	blocks            []ContentBlock
	cursor            int
	userContent       []unifiedllm.ContentPart
	didRejectTool     bool
	didAlreadyUseTool bool
	didCompleteTask   bool
}

// Run processes turns starting with content until the task should stop
// or the chain of tool results ends. It reports whether the task's outer
// loop should terminate. Run fails only when the task is already aborted,
// returning an *AbortedTaskError; the caller must discard the task.
func (t *Task) Run(ctx context.Context, content []unifiedllm.ContentPart, includeEnv bool) (bool, error) {
	if t.Aborted() {
		return true, t.abortedErr()
	}

	frames := []*StackFrame{{Content: content, IncludeEnvironment: includeEnv, Stage: StageStart}}
	for len(frames) > 0 {
		frame := frames[len(frames)-1]
		frames = frames[:len(frames)-1]

		if t.Aborted() {
			return true, t.abortedErr()
		}

		next, err := t.processFrame(ctx, frame)
		if err != nil {
			if IsAborted(err) {
				return true, err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true, nil
			}
			t.logger.Error("turn failed", "stage", frame.Stage, "error", err)
			return true, nil
		}
		if frame.endLoop {
			return true, nil
		}
		if next != nil {
			frames = append(frames, next)
		}
	}
	return false, nil
}

// processFrame drives one frame to StageComplete. A panic escaping the
// frame ends the task's loop instead of crashing the host.
func (t *Task) processFrame(ctx context.Context, f *StackFrame) (next *StackFrame, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in request loop", "stage", f.Stage, "panic", r, "stack", string(debug.Stack()))
			f.Stage = StageComplete
			f.endLoop = true
			next, err = nil, nil
		}
	}()

	for {
		switch f.Stage {
		case StageStart:
			if err := t.startTurn(ctx, f); err != nil {
				return nil, err
			}
			end, err := t.streamTurn(ctx, f)
			if err != nil {
				return nil, err
			}
			if end {
				f.endLoop = true
				f.Stage = StageComplete
			} else {
				f.Stage = StageAfterAPICall
			}
		case StageAfterAPICall:
			next, f.endLoop = t.afterAPICall(ctx, f)
			f.Stage = StageComplete
		case StageComplete:
			return next, nil
		}
	}
}

// startTurn resolves the mistake limit and any pause, then persists the
// outbound turn and its api_req_started placeholder.
func (t *Task) startTurn(ctx context.Context, f *StackFrame) error {
	if limit := t.cfg.ConsecutiveMistakeLimit; limit > 0 && t.mistakes() >= limit {
		resp, err := t.ask(ctx, AskMistakeLimitReached,
			"This may indicate a failure in the model's thought process or an inability to use tools properly. Provide guidance to help it continue.")
		if err != nil {
			return err
		}
		if resp.Text != "" || len(resp.Images) > 0 {
			t.say(ctx, SayUserFeedback, resp.Text, resp.Images, false)
			f.Content = append(f.Content, unifiedllm.TextPart(tooManyMistakesText(resp.Text)))
			f.Content = append(f.Content, imageParts(resp.Images)...)
		}
		t.resetMistakes()
	}

	if t.IsPaused() {
		mode := t.PausedMode()
		t.logger.Debug("waiting for subtask")
		if err := t.WaitForResume(ctx); err != nil {
			return err
		}
		if t.host != nil && mode != "" && t.host.CurrentMode() != mode {
			if err := t.host.SwitchMode(ctx, mode); err != nil {
				t.logger.Warn("restore mode after subtask", "mode", mode, "error", err)
			}
		}
	}
	if result, ok := t.takePendingSubtaskResult(); ok {
		f.Content = append(f.Content, unifiedllm.TextPart(subtaskCompletedText(result)))
	}

	texts := contentTexts(f.Content)
	f.reqTs = t.say(ctx, SayAPIReqStarted,
		APIRequestInfo{Request: formatUserContentPreview(texts) + "\n\nLoading..."}.String(), nil, false)

	details := BuildEnvironmentDetails(t.env, t.currentMode(), time.Now(), f.IncludeEnvironment)
	f.Content = append(f.Content, unifiedllm.TextPart(details))
	t.addToConversation(ctx, unifiedllm.Message{Role: unifiedllm.RoleUser, Content: f.Content})

	request := formatUserContentPreview(contentTexts(f.Content))
	t.updateAPIRequest(f.reqTs, func(info APIRequestInfo) APIRequestInfo {
		info.Request = request
		return info
	})
	t.save(ctx)
	t.postState(ctx)
	return nil
}

// streamTurn issues the request and consumes the stream until it ends or
// a stop condition is met. It reports whether the task's loop must end.
func (t *Task) streamTurn(ctx context.Context, f *StackFrame) (bool, error) {
	t.turn = turnState{}
	acct := NewUsageAccountant(t.model)

	stream, err := t.openStream(ctx)
	if err != nil {
		if t.Aborted() || IsAborted(err) {
			if !t.isAbandoned() {
				t.abortStream(ctx, f, acct, CancelUserCancelled, "")
			}
			return true, nil
		}
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		t.failStream(ctx, f, acct, err)
		return true, nil
	}

	streamCtx, cancel := t.withAbort(ctx)
	defer cancel()

	handedOff := false
	defer func() {
		if !handedOff {
			if err := stream.Close(); err != nil {
				t.logger.Debug("close stream", "error", err)
			}
		}
	}()

	eof := false
	var streamErr error
	for {
		if t.Aborted() {
			break
		}
		chunk, err := stream.Next(streamCtx)
		if err == io.EOF {
			eof = true
			break
		}
		if err != nil {
			if !t.Aborted() {
				streamErr = err
			}
			break
		}

		switch chunk.Type {
		case unifiedllm.ChunkUsage:
			if chunk.Usage != nil {
				acct.Add(*chunk.Usage)
			}
		case unifiedllm.ChunkReasoning:
			t.turn.reasoning += chunk.Text
			t.say(ctx, SayReasoning, t.turn.reasoning, nil, true)
		case unifiedllm.ChunkText:
			t.turn.assistantText += chunk.Text
			t.turn.blocks = ParseAssistantMessage(t.turn.assistantText, t.vocab)
			t.presentBlocks(ctx)
		}

		if t.Aborted() {
			break
		}
		if t.turn.didRejectTool {
			t.turn.assistantText += "\n\n" + interruptedByFeedback
			break
		}
		if t.turn.didAlreadyUseTool {
			t.turn.assistantText += "\n\n" + interruptedByToolUse
			break
		}
	}

	if t.turn.reasoning != "" {
		t.finalizeSay(ctx, SayReasoning)
	}

	if streamErr != nil && ctx.Err() != nil && !t.Aborted() {
		return true, ctx.Err()
	}

	if streamErr != nil {
		t.failStream(ctx, f, acct, streamErr)
		return true, nil
	}

	totals, observed := acct.Snapshot()
	if t.Aborted() {
		if t.isAbandoned() {
			return true, nil
		}
		t.abortStream(ctx, f, acct, CancelUserCancelled, "")
	} else {
		// A drained turn is rewritten when its drain finishes.
		t.updateAPIRequest(f.reqTs, func(info APIRequestInfo) APIRequestInfo {
			return info.withUsage(totals, observed)
		})
		t.save(ctx)
	}

	if !eof {
		handedOff = true
		t.startDrain(ctx, stream, acct, f.reqTs)
	}

	if t.Aborted() {
		return true, nil
	}
	f.assistantText = t.turn.assistantText
	return false, nil
}

// openStream opens the request and pulls its first chunk, retrying
// retryable failures. When retries are exhausted the user decides whether
// to try again.
func (t *Task) openStream(ctx context.Context) (unifiedllm.Stream, error) {
	retryCtx, cancel := t.withAbort(ctx)
	defer cancel()

	for {
		req := t.buildRequest()
		policy := t.cfg.Retry
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			t.logger.Warn("retrying request", "attempt", attempt, "delay", delay, "error", err)
			t.say(ctx, SayAPIReqRetried, fmt.Sprintf("%v\n\nRetrying in %s...", err, delay.Round(time.Second)), nil, false)
		}

		stream, err := unifiedllm.Retry(retryCtx, policy, func(context.Context) (unifiedllm.Stream, error) {
			return t.connect(ctx, req)
		})
		if err == nil {
			return stream, nil
		}
		if t.Aborted() {
			return nil, t.abortedErr()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, askErr := t.ask(ctx, AskAPIReqFailed, err.Error())
		if askErr != nil {
			return nil, askErr
		}
		if resp.Response != ResponseYes {
			return nil, err
		}
		t.say(ctx, SayAPIReqRetried, "", nil, false)
	}
}

// connect opens req and waits for its first chunk. An abort cancels the
// request while it is connecting. Once connected the stream lives on ctx,
// so a BackgroundDrain can keep reading it after the turn; closing the
// stream releases it.
func (t *Task) connect(ctx context.Context, req unifiedllm.Request) (unifiedllm.Stream, error) {
	connCtx, cancel := context.WithCancel(ctx)
	connected := make(chan struct{})
	go func() {
		select {
		case <-t.abortCh:
			cancel()
		case <-connected:
		case <-connCtx.Done():
		}
	}()

	s, err := t.backend.Stream(connCtx, req)
	var peeked *unifiedllm.PeekStream
	if err == nil {
		peeked, err = unifiedllm.Peek(connCtx, s)
	}
	close(connected)
	if err != nil {
		cancel()
		return nil, err
	}
	return unifiedllm.NewFuncStream(peeked.Next, func() error {
		defer cancel()
		return peeked.Close()
	}), nil
}

func (t *Task) buildRequest() unifiedllm.Request {
	system := BuildSystemPrompt(t.env, t.currentMode(), t.tools, t.modes, t.cfg.CustomInstructions)
	msgs := append([]unifiedllm.Message{unifiedllm.SystemMessage(system)}, t.Conversation()...)
	return unifiedllm.Request{
		Model:    t.cfg.Model,
		Provider: t.cfg.Provider,
		Messages: msgs,
		Metadata: map[string]string{"task_id": t.ID},
	}
}

// startDrain hands the stream to a BackgroundDrain that completes the
// turn's usage record after the loop has moved on.
func (t *Task) startDrain(ctx context.Context, stream unifiedllm.Stream, acct *UsageAccountant, reqTs int64) {
	drain := &BackgroundDrain{
		Stream:     stream,
		Accountant: acct,
		Timeout:    t.cfg.DrainTimeout,
		Logger:     t.logger,
		OnComplete: func(totals UsageTotals, usageMissing bool) {
			if t.isAbandoned() {
				return
			}
			t.updateAPIRequest(reqTs, func(info APIRequestInfo) APIRequestInfo {
				return info.withUsage(totals, !usageMissing)
			})
			t.save(ctx)
			t.postState(ctx)
		},
	}
	t.drains.Add(1)
	go func() {
		defer t.drains.Done()
		drain.Run(ctx)
	}()
}

// abortStream records an interrupted turn: it reverts any open edit,
// finalizes partial messages, snapshots usage into the request record and
// appends the interrupted assistant text to the conversation.
func (t *Task) abortStream(ctx context.Context, f *StackFrame, acct *UsageAccountant, reason CancelReason, failure string) {
	if t.edit != nil && t.edit.Active() {
		if err := t.edit.Revert(); err != nil {
			t.logger.Warn("revert edit", "path", t.edit.Path(), "error", err)
		}
	}
	t.finalizePartialMessage(ctx)

	totals, observed := acct.Snapshot()
	t.updateAPIRequest(f.reqTs, func(info APIRequestInfo) APIRequestInfo {
		info = info.withUsage(totals, observed)
		info.CancelReason = reason
		info.StreamingFailedMessage = failure
		return info
	})
	t.save(ctx)

	notice := interruptedByUser
	if reason == CancelStreamingFailed {
		notice = interruptedByAPIError
	}
	text := strings.TrimSpace(t.turn.assistantText + "\n\n" + notice)
	t.addToConversation(ctx, unifiedllm.AssistantMessage(text))

	t.setDidFinishAbortingStream()
}

// failStream handles a provider or network failure: the turn is recorded
// as interrupted, this instance is aborted and the host reloads the task
// from its persisted history.
func (t *Task) failStream(ctx context.Context, f *StackFrame, acct *UsageAccountant, err error) {
	t.logger.Warn("stream failed", "error", err)
	if t.isAbandoned() {
		return
	}
	t.Abort(false)
	t.abortStream(ctx, f, acct, CancelStreamingFailed, err.Error())
	if t.host == nil {
		return
	}
	if rerr := t.host.ReloadTask(context.WithoutCancel(ctx), t); rerr != nil {
		t.logger.Error("reload task after stream failure", "error", rerr)
	}
}

// afterAPICall finalizes the turn's blocks, records the assistant message
// and builds the next frame from the tool results.
func (t *Task) afterAPICall(ctx context.Context, f *StackFrame) (*StackFrame, bool) {
	if FinalizeBlocks(t.turn.blocks) {
		t.presentBlocks(ctx)
	}
	t.finalizePartialMessage(ctx)

	if strings.TrimSpace(f.assistantText) == "" {
		t.say(ctx, SayError, noResponseErrorText, nil, false)
		t.addToConversation(ctx, unifiedllm.AssistantMessage(noResponseAssistantText))
		return nil, false
	}

	t.addToConversation(ctx, unifiedllm.AssistantMessage(f.assistantText))
	if t.turn.didCompleteTask {
		return nil, true
	}

	content := t.turn.userContent
	if !HasToolUse(t.turn.blocks) {
		content = append(content, unifiedllm.TextPart(noToolsUsedText()))
		t.addMistake()
	}
	return &StackFrame{Content: content, Stage: StageStart}, false
}

// finalizeSay completes a trailing partial say of kind.
func (t *Task) finalizeSay(ctx context.Context, kind SayKind) {
	t.mu.Lock()
	n := len(t.messages)
	ok := n > 0 && t.messages[n-1].Partial && t.messages[n-1].Say == kind
	t.mu.Unlock()
	if ok {
		t.finalizePartialMessage(ctx)
	}
}

func contentTexts(parts []unifiedllm.ContentPart) []string {
	var texts []string
	for _, p := range parts {
		switch p.Kind {
		case unifiedllm.ContentText:
			texts = append(texts, p.Text)
		case unifiedllm.ContentImage:
			texts = append(texts, "[image]")
		}
	}
	return texts
}

func subtaskCompletedText(result string) string {
	return "[new_task completed] Result: " + result
}
