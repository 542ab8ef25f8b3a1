package unifiedllm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name   string
	err    error
	chunks []Chunk
	last   Request
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return NewSliceStream(m.chunks...), nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name:   name,
		chunks: []Chunk{TextChunk(text), UsageChunk(Usage{InputTokens: 10, OutputTokens: 20})},
	}
}

func collectText(t *testing.T, c *Client, req Request) string {
	t.Helper()
	s, err := c.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acc, err := collect(context.Background(), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return acc.Text()
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")
	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	if got := collectText(t, client, Request{Model: "x"}); got != "OpenAI response" {
		t.Errorf("default routing: got %q", got)
	}
	if got := collectText(t, client, Request{Model: "x", Provider: "anthropic"}); got != "Anthropic response" {
		t.Errorf("explicit routing: got %q", got)
	}
	if openai.last.Provider != "openai" {
		t.Errorf("expected provider filled in on request, got %q", openai.last.Provider)
	}
}

func TestClientRoutesByModelCatalog(t *testing.T) {
	client := NewClient()
	client.providers["anthropic"] = newMockAdapter("anthropic", "from catalog")
	if got := collectText(t, client, Request{Model: "claude-sonnet-4-5"}); got != "from catalog" {
		t.Errorf("got %q", got)
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Stream(context.Background(), Request{Model: "test-model"})
	if KindOf(err) != KindConfig {
		t.Fatalf("expected a config error, got %v", err)
	}

	client = NewClient(WithProvider("a", newMockAdapter("a", "")))
	_, err = client.Stream(context.Background(), Request{Provider: "b"})
	if KindOf(err) != KindConfig {
		t.Fatalf("expected a config error for an unregistered provider, got %v", err)
	}
}

func TestClientStreamMiddlewareOrder(t *testing.T) {
	var order []int
	mw := func(n int) StreamMiddleware {
		return func(ctx context.Context, req Request, next StreamFunc) (Stream, error) {
			order = append(order, n)
			s, err := next(ctx, req)
			order = append(order, -n)
			return s, err
		}
	}
	client := NewClient(
		WithProvider("test", newMockAdapter("test", "response")),
		WithStreamMiddleware(mw(1), mw(2)),
	)
	collectText(t, client, Request{Model: "m"})

	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientCloseJoinsAdapterErrors(t *testing.T) {
	client := NewClient(
		WithProvider("a", &closingAdapter{mockAdapter: newMockAdapter("a", ""), err: nil}),
		WithProvider("b", &closingAdapter{mockAdapter: newMockAdapter("b", ""), err: io.ErrClosedPipe}),
	)
	if err := client.Close(); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected the adapter error, got %v", err)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := NewClient(
		WithProvider("test", newMockAdapter("test", "hi")),
		WithStreamMiddleware(LoggingMiddleware(logger)),
	)

	if got := collectText(t, client, Request{Model: "m"}); got != "hi" {
		t.Errorf("expected passthrough text, got %q", got)
	}
	out := buf.String()
	if !strings.Contains(out, "llm stream opened") {
		t.Errorf("missing open log: %s", out)
	}
	if !strings.Contains(out, "llm stream finished") || !strings.Contains(out, "output_tokens=20") || !strings.Contains(out, "text_chars=2") {
		t.Errorf("missing finish log with usage: %s", out)
	}
}

func TestLoggingMiddlewareOpenFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mock := &mockAdapter{name: "test", err: newError(KindServer, "down", nil)}
	client := NewClient(WithProvider("test", mock), WithStreamMiddleware(LoggingMiddleware(logger)))

	if _, err := client.Stream(context.Background(), Request{Model: "m"}); err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(buf.String(), "llm stream open failed") {
		t.Errorf("missing failure log: %s", buf.String())
	}
}

type closingAdapter struct {
	*mockAdapter
	err error
}

func (a *closingAdapter) Close() error { return a.err }
