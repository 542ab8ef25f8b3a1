package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// StreamFunc opens a stream for a request.
type StreamFunc func(ctx context.Context, req Request) (Stream, error)

// StreamMiddleware wraps the call that opens a stream. It may decorate
// the request, the returned stream, or both.
type StreamMiddleware func(ctx context.Context, req Request, next StreamFunc) (Stream, error)

// Client routes requests to provider adapters by name. It is fixed at
// construction and safe for concurrent use.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []StreamMiddleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers adapter under name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[name] = adapter }
}

// WithDefaultProvider names the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithStreamMiddleware appends middleware. The first one added runs
// outermost.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// NewClient builds a Client. With a single provider and no explicit
// default, that provider is the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: map[string]ProviderAdapter{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// adapterFor picks the adapter for req: its Provider, else the default,
// else the provider the catalog lists for its model.
func (c *Client) adapterFor(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, newError(KindConfig, "no provider specified and no default provider configured", nil)
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, newError(KindConfig, fmt.Sprintf("provider %q is not registered", name), nil)
	}
	return adapter, nil
}

// Stream opens a stream on the adapter chosen for req, through the
// middleware chain.
func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	open := StreamFunc(adapter.Stream)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw, next := c.middleware[i], open
		open = func(ctx context.Context, r Request) (Stream, error) { return mw(ctx, r, next) }
	}
	return open(ctx, req)
}

// Close closes every adapter that holds resources.
func (c *Client) Close() error {
	var errs []error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

// LoggingMiddleware logs each stream's open, failure and completion with
// the usage it reported.
func LoggingMiddleware(logger *slog.Logger) StreamMiddleware {
	return func(ctx context.Context, req Request, next StreamFunc) (Stream, error) {
		log := logger.With("provider", req.Provider, "model", req.Model)
		start := time.Now()
		s, err := next(ctx, req)
		if err != nil {
			log.Warn("llm stream open failed", "error", err)
			return nil, err
		}
		log.Debug("llm stream opened", "messages", len(req.Messages))

		var acc StreamAccumulator
		return NewFuncStream(func(ctx context.Context) (Chunk, error) {
			c, err := s.Next(ctx)
			switch {
			case err == io.EOF:
				u, _ := acc.Usage()
				log.Debug("llm stream finished",
					"elapsed", time.Since(start).Round(time.Millisecond),
					"text_chars", len(acc.Text()),
					"reasoning_chars", len(acc.Reasoning()),
					"input_tokens", u.InputTokens,
					"output_tokens", u.OutputTokens,
				)
			case err != nil:
				log.Warn("llm stream failed", "error", err, "text_chars", len(acc.Text()))
			default:
				acc.Process(c)
			}
			return c, err
		}, s.Close), nil
	}
}
