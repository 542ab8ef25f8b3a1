package agentloop

import (
	"fmt"
	"strings"
)

// MessageType discriminates UI messages.
type MessageType string

const (
	MessageAsk MessageType = "ask"
	MessageSay MessageType = "say"
)

// AskKind identifies what an ask message is waiting for.
type AskKind string

const (
	AskFollowup            AskKind = "followup"
	AskCommand             AskKind = "command"
	AskTool                AskKind = "tool"
	AskCompletionResult    AskKind = "completion_result"
	AskAPIReqFailed        AskKind = "api_req_failed"
	AskResumeTask          AskKind = "resume_task"
	AskResumeCompletedTask AskKind = "resume_completed_task"
	AskMistakeLimitReached AskKind = "mistake_limit_reached"
)

// SayKind identifies the content of a say message.
type SayKind string

const (
	SayText             SayKind = "text"
	SayReasoning        SayKind = "reasoning"
	SayError            SayKind = "error"
	SayAPIReqStarted    SayKind = "api_req_started"
	SayAPIReqRetried    SayKind = "api_req_retried"
	SayUserFeedback     SayKind = "user_feedback"
	SayCompletionResult SayKind = "completion_result"
	SaySubtaskResult    SayKind = "subtask_result"
	SayCommandOutput    SayKind = "command_output"
	SayTool             SayKind = "tool"
	SayModeChanged      SayKind = "mode_changed"
)

// UIMessage is one entry of a task's durable message log. Ts is a
// millisecond timestamp, strictly increasing within a task, and serves as
// the message's identity.
type UIMessage struct {
	Ts      int64       `json:"ts"`
	Type    MessageType `json:"type"`
	Ask     AskKind     `json:"ask,omitempty"`
	Say     SayKind     `json:"say,omitempty"`
	Text    string      `json:"text,omitempty"`
	Images  []string    `json:"images,omitempty"`
	Partial bool        `json:"partial,omitempty"`
}

// ResponseKind is how the user answered an ask.
type ResponseKind string

const (
	ResponseYes     ResponseKind = "yes"
	ResponseNo      ResponseKind = "no"
	ResponseMessage ResponseKind = "message"
)

// AskResponse is the user's answer to an ask.
type AskResponse struct {
	Response ResponseKind `json:"response"`
	Text     string       `json:"text,omitempty"`
	Images   []string     `json:"images,omitempty"`
}

// Texts fed back to the model.

func noToolsUsedText() string {
	return `[ERROR] You did not use a tool in your previous response! Please retry with a tool use.

# Reminder: Instructions for Tool Use

Tool uses are formatted using XML-style tags. The tool name is enclosed in opening and closing tags, and each parameter is similarly enclosed within its own set of tags:

<tool_name>
<parameter1_name>value1</parameter1_name>
</tool_name>

Always adhere to this format for all tool uses to ensure proper parsing and execution.

# Next Steps

If you have completed the user's task, use the attempt_completion tool.
If you require additional information from the user, use the ask_followup_question tool.
Otherwise, if you have not completed the task and do not need additional information, then proceed with the next step of the task.
(This is an automated message, so do not respond to it conversationally.)`
}

func tooManyMistakesText(feedback string) string {
	return fmt.Sprintf("You seem to be having trouble proceeding. The user has provided the following feedback to help guide you:\n<feedback>\n%s\n</feedback>", feedback)
}

func toolDeniedText() string {
	return "The user denied this operation."
}

func toolDeniedWithFeedbackText(feedback string) string {
	return fmt.Sprintf("The user denied this operation and provided the following feedback:\n<feedback>\n%s\n</feedback>", feedback)
}

func toolApprovedWithFeedbackText(feedback string) string {
	return fmt.Sprintf("The user approved this operation and provided the following context:\n<feedback>\n%s\n</feedback>", feedback)
}

func toolErrorText(err string) string {
	return fmt.Sprintf("The tool execution failed with the following error:\n<error>\n%s\n</error>", err)
}

func missingParamText(tool, param string) string {
	return fmt.Sprintf("Missing value for required parameter '%s'. Please retry with complete response.\n\n%s", param, toolUseReminder(tool))
}

func toolUseReminder(tool string) string {
	return fmt.Sprintf("# Reminder: Instructions for Tool Use\n\nTool uses are formatted using XML-style tags:\n\n<%s>\n<parameter_name>value</parameter_name>\n</%s>", tool, tool)
}

func toolRepetitionText(tool string) string {
	return fmt.Sprintf("Tool call %s was refused: the recent tool calls repeat the same pattern without making progress. Try a different approach or ask the user for guidance.", tool)
}

func skippedAfterRejectionText(desc string) string {
	return fmt.Sprintf("Skipping tool %s due to user rejecting a previous tool.", desc)
}

func skippedAfterToolUseText(name string) string {
	return fmt.Sprintf("Tool [%s] was not executed because a tool has already been used in this message. Only one tool may be used per message. You must assess the first tool's result before proceeding to use the next tool.", name)
}

const (
	interruptedByFeedback = "[Response interrupted by user feedback]"
	interruptedByToolUse  = "[Response interrupted by a tool use result. Only one tool may be used at a time and should be placed at the end of the message.]"
	interruptedByUser     = "[Response interrupted by user]"
	interruptedByAPIError = "[Response interrupted by API Error]"

	noResponseAssistantText = "Failure: I did not provide a response."
	noResponseErrorText     = "Unexpected API Response: The language model did not provide any assistant messages. This may indicate an issue with the API or the model's output."
)

// formatUserContentPreview renders outbound text parts for the
// api_req_started record.
func formatUserContentPreview(parts []string) string {
	return strings.Join(parts, "\n\n")
}
