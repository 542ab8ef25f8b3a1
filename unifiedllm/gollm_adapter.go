package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// Tool use travels inside the message text, so no tool definitions are
// sent to the provider.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string

	// gollm options live on the shared LLM and are copied when a request is
	// prepared. mu guards setting them; it is never held across a request,
	// so requests with differing options must not overlap.
	mu sync.Mutex
}

// GollmConfig configures a GollmAdapter. Zero fields take defaults: the
// API key from the environment, the newest catalog model for the
// provider, and 8192 max tokens.
type GollmConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	// Extra is appended to the gollm options the adapter derives.
	Extra []gollm.ConfigOption
}

// NewGollmAdapter builds an adapter for provider.
func NewGollmAdapter(provider string, cfg GollmConfig) (*GollmAdapter, error) {
	if cfg.Model == "" {
		info := GetLatestModel(provider)
		if info == nil {
			return nil, newError(KindConfig, fmt.Sprintf("no model configured and none known for provider %q", provider), nil)
		}
		cfg.Model = info.ID
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(cfg.Model),
		gollm.SetMaxTokens(cfg.MaxTokens),
		gollm.SetTemperature(cfg.Temperature),
		// The request loop owns retries.
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(cfg.APIKey))
	}
	llm, err := gollm.NewLLM(append(opts, cfg.Extra...)...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for provider %s: %w", provider, err)
	}
	return &GollmAdapter{provider: provider, llm: llm, model: cfg.Model}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Stream opens a streamed completion. Text tokens are yielded as they
// arrive; an estimated usage chunk follows the last token because gollm
// does not surface provider usage on streams. Providers without streaming
// support are served by a single Generate call on the first pull.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	prompt := a.translateRequest(req)
	inputTokens := estimateTokens(req)

	if !a.llm.SupportsStreaming() {
		var rest *SliceStream
		return NewFuncStream(func(ctx context.Context) (Chunk, error) {
			if rest == nil {
				a.applyRequestOptions(req)
				text, err := a.llm.Generate(ctx, prompt)
				if err != nil {
					return Chunk{}, a.translateError(err)
				}
				rest = NewSliceStream(
					TextChunk(text),
					UsageChunk(Usage{InputTokens: inputTokens, OutputTokens: len(text) / 4}),
				)
			}
			return rest.Next(ctx)
		}, nil), nil
	}

	a.applyRequestOptions(req)
	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	pull := func(ctx context.Context) (string, error) {
		token, err := stream.Next(ctx)
		if err != nil {
			return "", err
		}
		if token == nil {
			return "", nil
		}
		return token.Text, nil
	}
	closeFn := func() error {
		stream.Close()
		return nil
	}
	return newTokenStream(pull, closeFn, inputTokens, a.translateError), nil
}

// newTokenStream adapts a token pull function to Stream. Empty tokens are
// skipped. After the source reports io.EOF one usage chunk estimated from
// the streamed text is yielded, then io.EOF.
func newTokenStream(pull func(ctx context.Context) (string, error), closeFn func() error, inputTokens int, translate func(error) error) Stream {
	var (
		outputChars int
		done        bool
		usageSent   bool
	)
	return NewFuncStream(func(ctx context.Context) (Chunk, error) {
		for !done {
			text, err := pull(ctx)
			if err == io.EOF {
				done = true
				break
			}
			if err != nil {
				return Chunk{}, translate(err)
			}
			if text == "" {
				continue
			}
			outputChars += len(text)
			return TextChunk(text), nil
		}
		if !usageSent {
			usageSent = true
			return UsageChunk(Usage{InputTokens: inputTokens, OutputTokens: outputChars / 4}), nil
		}
		return Chunk{}, io.EOF
	}, closeFn)
}

// translateRequest flattens the conversation into a gollm Prompt. System
// messages become the cached system prompt; earlier assistant turns are
// labelled so the model can tell them apart from user turns.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var parts []string
	for _, msg := range req.Messages {
		text := msg.TextContent()
		if text == "" {
			continue
		}
		switch msg.Role {
		case RoleUser:
			parts = append(parts, "[User]: "+text)
		case RoleAssistant:
			parts = append(parts, "[Assistant]: "+text)
		}
	}

	promptText := strings.Join(parts, "\n\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if system := req.SystemPrompt(); system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	return gollm.NewPrompt(promptText, promptOpts...)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// gollm reports HTTP failures only as text, so the status code and any
// retry-after hint are recovered from the message.
var (
	statusInMessage     = regexp.MustCompile(`\b([45]\d\d)\b`)
	retryAfterInMessage = regexp.MustCompile(`(?i)retry[- ]after:?\s*(\d+)`)
)

// errorHints classify a failure that carries no recognizable status code,
// first match wins.
var errorHints = []struct {
	kind  ErrorKind
	words []string
}{
	{KindAuth, []string{"unauthorized", "invalid key", "invalid api key"}},
	{KindAccessDenied, []string{"forbidden"}},
	{KindRateLimit, []string{"rate limit"}},
	{KindQuota, []string{"quota", "insufficient credit", "billing"}},
	{KindContextLength, []string{"context length", "too many tokens", "prompt is too long"}},
	{KindNotFound, []string{"not found"}},
	{KindServer, []string{"internal server", "overloaded"}},
	{KindTimeout, []string{"timeout"}},
	{KindNetwork, []string{"connection reset", "connection refused", "eof", "broken pipe"}},
	{KindContentFilter, []string{"content filter", "safety"}},
}

// translateError classifies a gollm error.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindAborted, "request cancelled", err)
	}
	msg := err.Error()
	if m := statusInMessage.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		if _, known := statusKinds[code]; known {
			var retryAfter time.Duration
			if ra := retryAfterInMessage.FindStringSubmatch(msg); ra != nil {
				secs, _ := strconv.Atoi(ra[1])
				retryAfter = time.Duration(secs) * time.Second
			}
			out := ErrorFromStatusCode(code, msg, a.provider, retryAfter)
			out.Cause = err
			return out
		}
	}

	lower := strings.ToLower(msg)
	out := &Error{Kind: KindUnknown, Provider: a.provider, Message: msg, Cause: err}
	for _, hint := range errorHints {
		for _, w := range hint.words {
			if strings.Contains(lower, w) {
				out.Kind = hint.kind
				return out
			}
		}
	}
	return out
}

// estimateTokens approximates prompt size at four characters per token.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.Kind == ContentText {
				total += len(part.Text) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
