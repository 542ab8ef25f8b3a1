package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/martinemde/boomerang/agentloop"
)

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		kind agentloop.AskKind
		line string
		want agentloop.AskResponse
	}{
		{agentloop.AskTool, "\n", agentloop.AskResponse{Response: agentloop.ResponseYes}},
		{agentloop.AskTool, "Y\n", agentloop.AskResponse{Response: agentloop.ResponseYes}},
		{agentloop.AskCommand, "no\n", agentloop.AskResponse{Response: agentloop.ResponseNo}},
		{agentloop.AskTool, "use tabs instead\n", agentloop.AskResponse{Response: agentloop.ResponseMessage, Text: "use tabs instead"}},
		{agentloop.AskFollowup, "\n", agentloop.AskResponse{Response: agentloop.ResponseMessage, Text: autoFollowup}},
		{agentloop.AskFollowup, "the second one\n", agentloop.AskResponse{Response: agentloop.ResponseMessage, Text: "the second one"}},
	}
	for _, tt := range tests {
		got := parseAnswer(tt.kind, tt.line)
		if got.Response != tt.want.Response || got.Text != tt.want.Text {
			t.Errorf("parseAnswer(%s, %q) = %+v, want %+v", tt.kind, tt.line, got, tt.want)
		}
	}
}

func TestAutoAnswerEndsUnattendedRuns(t *testing.T) {
	if got := autoAnswer(agentloop.AskTool); got.Response != agentloop.ResponseYes {
		t.Errorf("expected tools to be approved, got %+v", got)
	}
	if got := autoAnswer(agentloop.AskAPIReqFailed); got.Response != agentloop.ResponseNo {
		t.Errorf("expected failed requests not to be retried, got %+v", got)
	}
	if got := autoAnswer(agentloop.AskMistakeLimitReached); got.Response != agentloop.ResponseNo {
		t.Errorf("expected the mistake limit to stop the run, got %+v", got)
	}
	if got := autoAnswer(agentloop.AskFollowup); got.Response != agentloop.ResponseMessage || got.Text == "" {
		t.Errorf("expected a followup message, got %+v", got)
	}
}

func TestAPIRequestLine(t *testing.T) {
	cost := 0.0123
	line := apiRequestLine(agentloop.APIRequestInfo{TokensIn: 12345, TokensOut: 67, Cost: &cost}.String())
	if line != "api request: 12,345 in, 67 out, $0.0123" {
		t.Errorf("unexpected line %q", line)
	}
	cancelled := apiRequestLine(agentloop.APIRequestInfo{CancelReason: agentloop.CancelUserCancelled}.String())
	if !strings.HasSuffix(cancelled, "[user_cancelled]") {
		t.Errorf("expected the cancel reason, got %q", cancelled)
	}
	if apiRequestLine(agentloop.APIRequestInfo{Request: "Loading..."}.String()) != "" {
		t.Error("expected no line for an unfinished request")
	}
}

func TestTerminalStreamsPartialText(t *testing.T) {
	var out bytes.Buffer
	term := newTerminal(agentloop.NewEventUI(8), strings.NewReader(""), &out, false)

	term.render(agentloop.UIMessage{Ts: 1, Type: agentloop.MessageSay, Say: agentloop.SayText, Text: "Hel", Partial: true})
	term.render(agentloop.UIMessage{Ts: 1, Type: agentloop.MessageSay, Say: agentloop.SayText, Text: "Hello", Partial: true})
	term.render(agentloop.UIMessage{Ts: 1, Type: agentloop.MessageSay, Say: agentloop.SayText, Text: "Hello there"})
	term.render(agentloop.UIMessage{Ts: 2, Type: agentloop.MessageSay, Say: agentloop.SayError, Text: "boom"})

	if got := out.String(); got != "Hello there\nerror: boom\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestTerminalAnswersAsks(t *testing.T) {
	ui := agentloop.NewEventUI(8)
	var out bytes.Buffer
	term := newTerminal(ui, strings.NewReader("n\n"), &out, false)
	term.interactive = true

	msg := agentloop.UIMessage{Ts: 7, Type: agentloop.MessageAsk, Ask: agentloop.AskCommand, Text: "rm -rf build"}
	resp := term.answer(msg.Ask)
	if resp.Response != agentloop.ResponseNo {
		t.Errorf("expected no, got %+v", resp)
	}
	// Input is exhausted; further asks are declined.
	if resp := term.answer(agentloop.AskTool); resp.Response != agentloop.ResponseNo {
		t.Errorf("expected no at end of input, got %+v", resp)
	}

	term.interactive = false
	if resp := term.answer(agentloop.AskTool); resp.Response != agentloop.ResponseYes {
		t.Errorf("expected auto approval without a terminal, got %+v", resp)
	}
	if !strings.Contains(out.String(), "(auto) yes") {
		t.Errorf("expected the auto answer to be shown, got %q", out.String())
	}
}
