// Package unifiedllm is the backend client used by the agent loop. It wraps
// the gollm library (github.com/teilomillet/gollm) behind a
// provider-agnostic, pull-model streaming interface.
//
// # Streams
//
// A Stream yields text, reasoning and usage chunks through an explicit
// Next call and returns io.EOF after the last one. Because the cursor is
// explicit, a caller may stop reading and hand the same Stream to another
// goroutine that keeps pulling, for example to pick up usage reported
// after the content:
//
//	s, err := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "claude-sonnet-4-5",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	for {
//	    c, err := s.Next(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
//
// # Errors and retry
//
// Every failure surfaces as an *Error whose Kind says what went wrong
// (rate limit, server, auth and so on). IsRetryable and Retry apply an
// exponential backoff policy to the kinds worth retrying.
//
// # Model catalog
//
// A built-in catalog maps model ids and aliases to providers and pricing;
// CalculateCost prices a Usage report against it.
package unifiedllm
