package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// groupSubtasks gates approval of new_task and of finishing a subtask. It
// is never part of a mode's groups.
const groupSubtasks ToolGroup = "subtasks"

// RegisterOrchestrationTools registers the tools that steer the task
// itself: completion, follow-up questions, mode switches and subtasks.
func RegisterOrchestrationTools(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Group: GroupAlways,
		Definition: ToolDefinition{
			Name: "attempt_completion",
			Description: "Present the result of your work to the user once the task is complete. " +
				"Only use this after confirming that every previous tool use succeeded.",
			Params: []ToolParam{
				{Name: "result", Description: "The final result of the task, phrased so it does not require further input.", Required: true},
			},
			Example: "<attempt_completion>\n<result>I updated the CSS so the header is centered.</result>\n</attempt_completion>",
		},
		Executor: attemptCompletion,
	})

	reg.Register(RegisteredTool{
		Group: GroupAlways,
		Definition: ToolDefinition{
			Name:        "ask_followup_question",
			Description: "Ask the user a question to gather information needed to complete the task.",
			Params: []ToolParam{
				{Name: "question", Description: "A clear, specific question.", Required: true},
				{Name: "follow_up", Description: "Suggested answers, one per line."},
			},
			Example: "<ask_followup_question>\n<question>Which database should I use?</question>\n</ask_followup_question>",
		},
		Executor: askFollowupQuestion,
	})

	reg.Register(RegisteredTool{
		Group: GroupModes,
		Definition: ToolDefinition{
			Name:        "switch_mode",
			Description: "Request to switch to a different mode.",
			Params: []ToolParam{
				{Name: "mode_slug", Description: "Slug of the mode to switch to.", Required: true},
				{Name: "reason", Description: "Why the switch is needed."},
			},
			Example: "<switch_mode>\n<mode_slug>code</mode_slug>\n<reason>Ready to implement the plan.</reason>\n</switch_mode>",
		},
		Executor: switchMode,
	})

	reg.Register(RegisteredTool{
		Group: GroupModes,
		Definition: ToolDefinition{
			Name: "new_task",
			Description: "Create a subtask in the given mode. This task pauses until the subtask completes, " +
				"and the subtask's result is then handed back to it.",
			Params: []ToolParam{
				{Name: "mode", Description: "Slug of the mode the subtask starts in.", Required: true},
				{Name: "message", Description: "The instructions for the subtask.", Required: true},
			},
			Example: "<new_task>\n<mode>code</mode>\n<message>Implement the login form.</message>\n</new_task>",
		},
		Executor: newTask,
	})
}

func attemptCompletion(ctx context.Context, call *ToolCall) (string, error) {
	t := call.Task
	result := call.Param("result")
	call.Say(ctx, SayCompletionResult, result)

	if t.ParentTaskID != "" && t.host != nil {
		if err := call.Approve(ctx, groupSubtasks, AskTool, toolMessage(map[string]string{"tool": "finishTask", "content": result})); err != nil {
			return "", err
		}
		call.EndLoop()
		if err := t.host.FinishSubtask(ctx, t, result); err != nil {
			return "", fmt.Errorf("finish subtask: %w", err)
		}
		return "", nil
	}

	resp, err := call.Ask(ctx, AskCompletionResult, "")
	if err != nil {
		return "", err
	}
	if resp.Response == ResponseYes && resp.Text == "" {
		call.EndLoop()
		return "", nil
	}
	call.Say(ctx, SayUserFeedback, resp.Text)
	call.images = resp.Images
	return fmt.Sprintf("The user has provided feedback on the results. Consider their input to continue the task, and then attempt completion again.\n<feedback>\n%s\n</feedback>", resp.Text), nil
}

func askFollowupQuestion(ctx context.Context, call *ToolCall) (string, error) {
	question := call.Param("question")
	var suggestions []string
	for _, line := range strings.Split(call.Param("follow_up"), "\n") {
		if s := strings.TrimSpace(line); s != "" {
			suggestions = append(suggestions, s)
		}
	}
	text := question
	if len(suggestions) > 0 {
		text = question + "\n\n- " + strings.Join(suggestions, "\n- ")
	}

	resp, err := call.Ask(ctx, AskFollowup, text)
	if err != nil {
		return "", err
	}
	call.Task.say(ctx, SayUserFeedback, resp.Text, resp.Images, false)
	call.images = resp.Images
	return fmt.Sprintf("<answer>\n%s\n</answer>", resp.Text), nil
}

func switchMode(ctx context.Context, call *ToolCall) (string, error) {
	t := call.Task
	slug := strings.TrimSpace(call.Param("mode_slug"))
	target, err := t.modes.Resolve(slug)
	if err != nil {
		return "", err
	}
	from := t.Mode()
	if from == slug {
		return fmt.Sprintf("Already in %s mode.", target.Name), nil
	}
	if err := call.Approve(ctx, GroupModes, AskTool, toolMessage(map[string]string{"tool": "switchMode", "mode": slug, "reason": call.Param("reason")})); err != nil {
		return "", err
	}
	if t.host == nil {
		t.setMode(slug)
	} else if err := t.host.SwitchMode(ctx, slug); err != nil {
		return "", err
	}
	out := fmt.Sprintf("Successfully switched from %s mode to %s mode", from, target.Name)
	if reason := call.Param("reason"); reason != "" {
		out += " because: " + reason
	}
	return out + ".", nil
}

func newTask(ctx context.Context, call *ToolCall) (string, error) {
	t := call.Task
	slug := strings.TrimSpace(call.Param("mode"))
	target, err := t.modes.Resolve(slug)
	if err != nil {
		return "", err
	}
	message := call.Param("message")
	if err := call.Approve(ctx, groupSubtasks, AskTool, toolMessage(map[string]string{"tool": "newTask", "mode": target.Name, "content": message})); err != nil {
		return "", err
	}
	if t.host == nil {
		return "", errors.New("subtasks are not supported without a host")
	}
	if _, err := t.host.StartSubtask(ctx, t, slug, message); err != nil {
		return "", fmt.Errorf("start subtask: %w", err)
	}
	return fmt.Sprintf("Successfully created new task in %s mode with message: %s", target.Name, message), nil
}
