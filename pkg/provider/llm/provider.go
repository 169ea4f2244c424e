// Package llm defines the Provider interface used by the post-conversation
// pipeline's Title & Summary and Memory Extraction jobs (C9, spec.md §6): a
// single-shot, prompt-in/text-out completion call. Streaming, tool calling,
// and token counting have no caller in this system and are not part of the
// contract.
package llm

import "context"

// Request carries a single completion request.
type Request struct {
	// Prompt is the full prompt text, already composed by the caller (the
	// jobs in this system build their own prompts from transcripts, not
	// multi-turn message histories).
	Prompt string

	// MaxTokens caps the generated response length. Zero means the
	// provider's default.
	MaxTokens int

	// Temperature controls output randomness, in [0.0, 2.0]. Zero requests
	// the provider default.
	Temperature float64
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly.
type Provider interface {
	// Complete sends req to the model and returns the full response text.
	Complete(ctx context.Context, req Request) (string, error)
}
