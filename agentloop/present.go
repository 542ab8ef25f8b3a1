package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/martinemde/boomerang/unifiedllm"
)

// presentBlocks presents every block from the cursor on. A partial block
// is presented (or updated) but the cursor stays on it until it is
// complete, so it is presented again as more text arrives.
func (t *Task) presentBlocks(ctx context.Context) {
	for t.turn.cursor < len(t.turn.blocks) {
		block := t.turn.blocks[t.turn.cursor]
		t.presentBlock(ctx, block)
		if block.Partial || t.Aborted() {
			return
		}
		t.turn.cursor++
	}
}

func (t *Task) presentBlock(ctx context.Context, block ContentBlock) {
	switch block.Kind {
	case BlockText:
		if t.turn.didRejectTool || t.turn.didAlreadyUseTool {
			return
		}
		text := block.Text
		if block.Partial {
			text = strings.TrimSpace(trimPartialTag(text))
		}
		if text == "" {
			return
		}
		t.say(ctx, SayText, text, nil, block.Partial)

	case BlockReasoning:
		if block.Text != "" {
			t.say(ctx, SayReasoning, block.Text, nil, block.Partial)
		}

	case BlockToolUse:
		t.presentTool(ctx, block)
	}
}

func (t *Task) presentTool(ctx context.Context, block ContentBlock) {
	use := block.Tool
	reg := t.tools.Get(use.Name)
	if reg == nil {
		return
	}
	desc := describeTool(reg.Definition, use)

	if t.turn.didRejectTool {
		if !block.Partial {
			t.pushToolResult(desc, skippedAfterRejectionText(desc))
		}
		return
	}
	if t.turn.didAlreadyUseTool {
		if !block.Partial {
			t.pushText(skippedAfterToolUseText(use.Name))
		}
		return
	}
	if block.Partial {
		t.say(ctx, SayTool, toolPreview(use), nil, true)
		return
	}

	t.dropToolPreview()
	t.executeTool(ctx, reg, use, desc)
	t.turn.didAlreadyUseTool = true
}

// executeTool validates and runs the one decisive tool of the turn and
// records its result for the next turn.
func (t *Task) executeTool(ctx context.Context, reg *RegisteredTool, use *ToolUse, desc string) {
	mode := t.currentMode()
	if !mode.Allows(*reg) {
		msg := fmt.Sprintf("Tool %q is not allowed in %s mode.", use.Name, mode.Slug)
		t.say(ctx, SayError, msg, nil, false)
		t.pushToolResult(desc, toolErrorText(msg))
		return
	}

	for _, p := range reg.Definition.Params {
		if p.Required && strings.TrimSpace(use.Params[p.Name]) == "" {
			t.recordMissingParam(ctx, desc, &MissingParamError{Tool: use.Name, Param: p.Name})
			return
		}
	}

	if t.repetition.Check(use) {
		t.addMistake()
		t.say(ctx, SayError, toolRepetitionText(use.Name), nil, false)
		t.pushToolResult(desc, toolErrorText(toolRepetitionText(use.Name)))
		return
	}

	call := &ToolCall{Task: t, Name: use.Name, Params: use.Params}
	result, err := t.runExecutor(ctx, reg, call)

	var denied *ToolDeniedError
	var missing *MissingParamError
	switch {
	case errors.As(err, &denied):
		t.turn.didRejectTool = true
		if denied.Feedback != "" {
			t.pushToolResult(desc, toolDeniedWithFeedbackText(denied.Feedback))
		} else {
			t.pushToolResult(desc, toolDeniedText())
		}
		t.turn.userContent = append(t.turn.userContent, imageParts(denied.Images)...)
	case errors.As(err, &missing):
		t.recordMissingParam(ctx, desc, missing)
	case IsAborted(err):
		return
	case err != nil:
		t.logger.Warn("tool failed", "tool", use.Name, "error", err)
		t.say(ctx, SayError, fmt.Sprintf("Error %s:\n%v", desc, err), nil, false)
		t.pushToolResult(desc, toolErrorText(err.Error()))
	default:
		t.resetMistakes()
		result = limitToolResult(use.Name, result)
		if call.feedback != "" {
			result += "\n\n" + toolApprovedWithFeedbackText(call.feedback)
		}
		t.pushToolResult(desc, result)
		t.turn.userContent = append(t.turn.userContent, imageParts(call.images)...)
		if call.endLoop {
			t.turn.didCompleteTask = true
		}
	}
}

// runExecutor runs the executor, converting a panic into an error so one
// faulty tool cannot take down the loop.
func (t *Task) runExecutor(ctx context.Context, reg *RegisteredTool, call *ToolCall) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	return reg.Executor(ctx, call)
}

func (t *Task) recordMissingParam(ctx context.Context, desc string, err *MissingParamError) {
	t.addMistake()
	t.say(ctx, SayError, fmt.Sprintf("The model tried to use %s without value for required parameter '%s'. Retrying...", err.Tool, err.Param), nil, false)
	t.pushToolResult(desc, toolErrorText(missingParamText(err.Tool, err.Param)))
}

func (t *Task) pushToolResult(desc, result string) {
	if result == "" {
		result = "(tool did not return anything)"
	}
	t.pushText(fmt.Sprintf("[%s] Result:\n%s", desc, result))
}

func (t *Task) pushText(text string) {
	t.turn.userContent = append(t.turn.userContent, unifiedllm.TextPart(text))
}

// toolPreview renders the JSON body of a tool say message.
func toolPreview(use *ToolUse) string {
	body := map[string]string{"tool": use.Name}
	for k, v := range use.Params {
		body[k] = v
	}
	data, _ := json.Marshal(body)
	return string(data)
}
