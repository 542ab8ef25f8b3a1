package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestMessageConstructors(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		role Role
		text string
	}{
		{"system", SystemMessage("You are helpful."), RoleSystem, "You are helpful."},
		{"user", UserMessage("Hello"), RoleUser, "Hello"},
		{"assistant", AssistantMessage("Hi there"), RoleAssistant, "Hi there"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.msg.Role != tt.role {
				t.Errorf("expected role %q, got %q", tt.role, tt.msg.Role)
			}
			if tt.msg.TextContent() != tt.text {
				t.Errorf("expected text %q, got %q", tt.text, tt.msg.TextContent())
			}
		})
	}
}

func TestMessageTextContentSkipsImages(t *testing.T) {
	msg := Message{Role: RoleUser, Content: []ContentPart{
		TextPart("look at "),
		ImageDataPart([]byte{1, 2, 3}, ""),
		TextPart("this"),
	}}
	if got := msg.TextContent(); got != "look at this" {
		t.Errorf("expected %q, got %q", "look at this", got)
	}
	if msg.Content[1].Image.MediaType != "image/png" {
		t.Errorf("expected default media type image/png, got %q", msg.Content[1].Image.MediaType)
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	in := Message{Role: RoleUser, Content: []ContentPart{TextPart("hi"), ImageURLPart("https://example.com/a.png", "image/png")}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Role != RoleUser || len(out.Content) != 2 || out.Content[1].Image == nil || out.Content[1].Image.URL != "https://example.com/a.png" {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 20}
	b := Usage{InputTokens: 5, OutputTokens: 15}
	result := a.Add(b)

	if result.InputTokens != 15 || result.OutputTokens != 35 {
		t.Errorf("unexpected sums: %+v", result)
	}
	if result.CacheReadTokens != nil || result.CacheWriteTokens != nil || result.TotalCost != nil {
		t.Errorf("expected absent optionals to stay nil: %+v", result)
	}
}

func TestUsageAddOptionalFields(t *testing.T) {
	a := Usage{CacheReadTokens: IntPtr(5), TotalCost: FloatPtr(0.25)}
	b := Usage{CacheReadTokens: IntPtr(10), CacheWriteTokens: IntPtr(3)}
	result := a.Add(b)

	if result.CacheReadTokens == nil || *result.CacheReadTokens != 15 {
		t.Errorf("expected cache_read_tokens 15, got %v", result.CacheReadTokens)
	}
	if result.CacheWriteTokens == nil || *result.CacheWriteTokens != 3 {
		t.Errorf("expected cache_write_tokens 3, got %v", result.CacheWriteTokens)
	}
	if result.TotalCost == nil || *result.TotalCost != 0.25 {
		t.Errorf("expected total_cost 0.25, got %v", result.TotalCost)
	}
}

func TestRequestSystemPrompt(t *testing.T) {
	req := Request{Messages: []Message{
		SystemMessage("one"),
		UserMessage("hello"),
		SystemMessage("two"),
	}}
	if got := req.SystemPrompt(); got != "one\n\ntwo" {
		t.Errorf("expected joined system prompt, got %q", got)
	}
}
