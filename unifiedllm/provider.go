package unifiedllm

import "context"

// ProviderAdapter is the interface every provider backend implements.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Stream sends a request and returns a pull-model Stream. Errors that
	// occur before any chunk is produced may be returned either here or
	// from the first Next call.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}
