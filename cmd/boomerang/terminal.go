package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/martinemde/boomerang/agentloop"
)

const (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// autoFollowup answers followup questions when nobody is at the keyboard.
const autoFollowup = "No one is available to answer. Proceed with your best judgement."

// terminal renders EventUI events as plain lines and answers asks from
// stdin, or automatically when stdin is not a terminal or --yes is set.
type terminal struct {
	ui          *agentloop.EventUI
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	autoApprove bool
	color       bool

	// streaming state of the last partial text message
	lastTs   int64
	lastText string
	open     bool
}

func newTerminal(ui *agentloop.EventUI, in io.Reader, out io.Writer, autoApprove bool) *terminal {
	t := &terminal{ui: ui, in: bufio.NewReader(in), out: out, autoApprove: autoApprove}
	if f, ok := in.(*os.File); ok {
		t.interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if f, ok := out.(*os.File); ok {
		t.color = isatty.IsTerminal(f.Fd())
	}
	return t
}

// run renders events until the UI is closed.
func (t *terminal) run() {
	for ev := range t.ui.Events() {
		t.handle(ev)
	}
	t.endLine()
}

func (t *terminal) handle(ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventMessage:
		t.render(*ev.Message)
	case agentloop.EventAsk:
		msg := *ev.Message
		t.renderAsk(msg)
		resp := t.answer(msg.Ask)
		if !t.ui.Respond(msg.Ts, resp) {
			t.printf("%s(question no longer pending)%s\n", colorDim, colorReset)
		}
	}
}

func (t *terminal) paint(color, s string) string {
	if !t.color {
		return s
	}
	return color + s + colorReset
}

func (t *terminal) printf(format string, args ...any) {
	if !t.color {
		format = strings.NewReplacer(colorDim, "", colorReset, "").Replace(format)
	}
	fmt.Fprintf(t.out, format, args...)
}

// endLine terminates an open streaming line.
func (t *terminal) endLine() {
	if t.open {
		fmt.Fprintln(t.out)
		t.open = false
	}
}

func (t *terminal) render(msg agentloop.UIMessage) {
	switch msg.Say {
	case agentloop.SayText, agentloop.SayReasoning:
		t.stream(msg)
		return
	}
	if msg.Partial {
		return
	}
	t.endLine()
	switch msg.Say {
	case agentloop.SayAPIReqStarted:
		if line := apiRequestLine(msg.Text); line != "" {
			fmt.Fprintln(t.out, t.paint(colorDim, line))
		}
	case agentloop.SayAPIReqRetried:
		fmt.Fprintln(t.out, t.paint(colorYellow, "retrying api request"))
	case agentloop.SayError:
		fmt.Fprintln(t.out, t.paint(colorRed, "error: "+msg.Text))
	case agentloop.SayUserFeedback:
		fmt.Fprintln(t.out, "> "+msg.Text)
	case agentloop.SayCompletionResult:
		fmt.Fprintln(t.out, t.paint(colorGreen, "task completed"))
		fmt.Fprintln(t.out, msg.Text)
	case agentloop.SaySubtaskResult:
		fmt.Fprintln(t.out, t.paint(colorCyan, "subtask result: ")+msg.Text)
	case agentloop.SayCommandOutput:
		fmt.Fprintln(t.out, strings.TrimRight(msg.Text, "\n"))
	case agentloop.SayTool:
		fmt.Fprintln(t.out, t.paint(colorCyan, "tool: ")+msg.Text)
	case agentloop.SayModeChanged:
		fmt.Fprintln(t.out, t.paint(colorCyan, "mode: ")+msg.Text)
	default:
		fmt.Fprintln(t.out, msg.Text)
	}
}

// stream prints text as it grows. Updates of the same message print only
// the new suffix.
func (t *terminal) stream(msg agentloop.UIMessage) {
	text := msg.Text
	if msg.Ts == t.lastTs && t.open && strings.HasPrefix(text, t.lastText) {
		io.WriteString(t.out, text[len(t.lastText):])
	} else {
		t.endLine()
		if msg.Say == agentloop.SayReasoning {
			io.WriteString(t.out, t.paint(colorDim, "thinking: "))
		}
		io.WriteString(t.out, text)
		t.open = true
	}
	t.lastTs, t.lastText = msg.Ts, text
	if !msg.Partial {
		t.endLine()
	}
}

func apiRequestLine(text string) string {
	var info agentloop.APIRequestInfo
	if err := json.Unmarshal([]byte(text), &info); err != nil || !info.Finished() {
		return ""
	}
	line := fmt.Sprintf("api request: %s in, %s out", humanize.Comma(int64(info.TokensIn)), humanize.Comma(int64(info.TokensOut)))
	if info.Cost != nil {
		line += fmt.Sprintf(", $%.4f", *info.Cost)
	}
	if info.UsageMissing {
		line += " (usage not reported)"
	}
	if info.CancelReason != "" {
		line += " [" + string(info.CancelReason) + "]"
	}
	return line
}

var askPrompts = map[agentloop.AskKind]string{
	agentloop.AskFollowup:            "answer> ",
	agentloop.AskCommand:             "run this command? [Y/n/feedback] ",
	agentloop.AskTool:                "approve? [Y/n/feedback] ",
	agentloop.AskCompletionResult:    "accept the result? [Y/feedback] ",
	agentloop.AskAPIReqFailed:        "retry? [Y/n] ",
	agentloop.AskResumeTask:          "resume this task? [Y/n/message] ",
	agentloop.AskResumeCompletedTask: "continue this completed task? [Y/n/message] ",
	agentloop.AskMistakeLimitReached: "keep going? [Y/n/guidance] ",
}

func (t *terminal) renderAsk(msg agentloop.UIMessage) {
	t.endLine()
	if msg.Text != "" {
		fmt.Fprintln(t.out, t.paint(colorYellow, "? ")+msg.Text)
	}
	io.WriteString(t.out, askPrompts[msg.Ask])
}

// answer reads the user's reply, or decides automatically.
func (t *terminal) answer(kind agentloop.AskKind) agentloop.AskResponse {
	if t.autoApprove || !t.interactive {
		resp := autoAnswer(kind)
		fmt.Fprintf(t.out, "(auto) %s\n", resp.Response)
		return resp
	}
	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(t.out)
		return agentloop.AskResponse{Response: agentloop.ResponseNo}
	}
	return parseAnswer(kind, line)
}

// autoAnswer approves tools and completion, but declines to retry failed
// requests or to continue past the mistake limit so unattended runs end.
func autoAnswer(kind agentloop.AskKind) agentloop.AskResponse {
	switch kind {
	case agentloop.AskFollowup:
		return agentloop.AskResponse{Response: agentloop.ResponseMessage, Text: autoFollowup}
	case agentloop.AskAPIReqFailed, agentloop.AskMistakeLimitReached:
		return agentloop.AskResponse{Response: agentloop.ResponseNo}
	default:
		return agentloop.AskResponse{Response: agentloop.ResponseYes}
	}
}

func parseAnswer(kind agentloop.AskKind, line string) agentloop.AskResponse {
	text := strings.TrimSpace(line)
	switch strings.ToLower(text) {
	case "", "y", "yes":
		if kind == agentloop.AskFollowup && text == "" {
			return agentloop.AskResponse{Response: agentloop.ResponseMessage, Text: autoFollowup}
		}
		return agentloop.AskResponse{Response: agentloop.ResponseYes}
	case "n", "no":
		return agentloop.AskResponse{Response: agentloop.ResponseNo}
	}
	return agentloop.AskResponse{Response: agentloop.ResponseMessage, Text: text}
}
