// Package llm wraps the text-completion service used by the agents. Every
// caller is expected to have a deterministic fallback for a failed call.
package llm

import (
	"context"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrService marks failures of the completion service (transport, auth,
// empty or unparsable responses).
var ErrService = errors.New("llm service error")

// CompleteOptions holds options for LLM completion.
type CompleteOptions struct {
	CacheSystemPrompt bool               // Enable prompt caching for the system prompt
	ResponseSchema    *jsonschema.Schema // JSON schema the response must satisfy
	Temperature       *float64
	MaxTokens         int64
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl marks the system prompt as cacheable.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

// WithResponseSchema asks for a JSON response conforming to schema.
func WithResponseSchema(schema *jsonschema.Schema) CompleteOption {
	return func(o *CompleteOptions) {
		o.ResponseSchema = schema
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) CompleteOption {
	return func(o *CompleteOptions) {
		o.Temperature = &t
	}
}

// WithMaxTokens caps the response length for a single call.
func WithMaxTokens(n int64) CompleteOption {
	return func(o *CompleteOptions) {
		o.MaxTokens = n
	}
}

// ApplyOptions folds opts into a CompleteOptions value.
func ApplyOptions(opts ...CompleteOption) CompleteOptions {
	var o CompleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client is the interface for interacting with an LLM.
type Client interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)

func (f ClientFunc) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	return f(ctx, systemPrompt, userPrompt, opts...)
}
