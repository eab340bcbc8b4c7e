// Package llm is the control plane's seam to language models. Monitoring
// components depend on the narrow Client interface; the Anthropic adapter is
// the production implementation.
package llm

import "context"

// Request is a single completion request.
type Request struct {
	System    string
	Prompt    string
	Model     string // empty uses the client default
	MaxTokens int    // zero uses the client default
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is a completion result.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Client issues completions. Implementations must be safe for concurrent
// use.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
