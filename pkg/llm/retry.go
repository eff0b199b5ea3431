package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultRetryMaxTries     = 3
	defaultRetryInitialDelay = 500 * time.Millisecond
	defaultRetryMaxElapsed   = 30 * time.Second
)

type RetryConfig struct {
	Logger *slog.Logger
	Client Client

	// Optional with defaults.
	MaxTries     uint
	InitialDelay time.Duration
	MaxElapsed   time.Duration
}

func (c *RetryConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Client == nil {
		return errors.New("client is required")
	}
	if c.MaxTries == 0 {
		c.MaxTries = defaultRetryMaxTries
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = defaultRetryInitialDelay
	}
	if c.MaxElapsed == 0 {
		c.MaxElapsed = defaultRetryMaxElapsed
	}
	return nil
}

// RetryingClient retries failed completions with exponential backoff.
// Context cancellation is never retried.
type RetryingClient struct {
	log *slog.Logger
	cfg *RetryConfig
}

func NewRetryingClient(cfg *RetryConfig) (*RetryingClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &RetryingClient{log: cfg.Logger, cfg: cfg}, nil
}

func (c *RetryingClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	attempt := 0
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialDelay

	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		out, err := c.cfg.Client.Complete(ctx, systemPrompt, userPrompt, opts...)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", backoff.Permanent(err)
		}
		c.log.Debug("llm: completion failed, retrying", "attempt", attempt, "error", err)
		return "", err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithMaxElapsedTime(c.cfg.MaxElapsed),
	)
}
