package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/malbeclabs/auditlens/internal/metrics"
)

// AnthropicClient implements Client using the Anthropic API.
type AnthropicClient struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicClient creates a new Anthropic-based LLM client. The API key is
// read from ANTHROPIC_API_KEY unless passed as a request option.
func NewAnthropicClient(log *slog.Logger, model anthropic.Model, maxTokens int64, opts ...option.RequestOption) *AnthropicClient {
	return &AnthropicClient{
		log:       log,
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Complete sends a prompt to Claude and returns the response text.
func (c *AnthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	o := ApplyOptions(opts...)

	system, err := withSchemaInstructions(systemPrompt, o)
	if err != nil {
		return "", err
	}

	maxTokens := c.maxTokens
	if o.MaxTokens > 0 {
		maxTokens = o.MaxTokens
	}

	systemBlock := anthropic.TextBlockParam{Text: system}
	if o.CacheSystemPrompt {
		systemBlock.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{systemBlock},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if o.Temperature != nil {
		params.Temperature = anthropic.Float(*o.Temperature)
	}

	start := time.Now()
	c.log.Debug("llm: anthropic call starting", "model", c.model, "maxTokens", maxTokens, "userPromptLen", len(userPrompt))

	msg, err := c.client.Messages.New(ctx, params)

	duration := time.Since(start)
	metrics.LLMCallDuration.Observe(duration.Seconds())
	if err != nil {
		metrics.LLMCalls.WithLabelValues("error").Inc()
		c.log.Warn("llm: anthropic call failed", "duration", duration, "error", err)
		return "", fmt.Errorf("%w: anthropic API error: %w", ErrService, err)
	}
	c.log.Debug("llm: anthropic call completed", "duration", duration, "stopReason", msg.StopReason)

	for _, block := range msg.Content {
		if block.Type == "text" {
			metrics.LLMCalls.WithLabelValues("ok").Inc()
			return block.Text, nil
		}
	}

	metrics.LLMCalls.WithLabelValues("empty").Inc()
	return "", fmt.Errorf("%w: no text content in response", ErrService)
}

// withSchemaInstructions appends the response schema to the system prompt.
func withSchemaInstructions(systemPrompt string, o CompleteOptions) (string, error) {
	if o.ResponseSchema == nil {
		return systemPrompt, nil
	}
	schema, err := json.MarshalIndent(o.ResponseSchema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal response schema: %w", err)
	}
	return systemPrompt + "\n\nRespond with a single JSON value and nothing else. It must validate against this JSON schema:\n```json\n" + string(schema) + "\n```", nil
}
