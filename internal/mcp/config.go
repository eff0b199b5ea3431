package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/auditlens/internal/chat"
	"github.com/malbeclabs/auditlens/pkg/catalog"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	// Asks wait on the pipeline, so writes must outlast the join timeout.
	defaultWriteTimeout = 90 * time.Second
)

// Asker answers one question in a conversation.
type Asker interface {
	Ask(ctx context.Context, conversationID, message string) (*chat.Answer, error)
}

type Config struct {
	Logger  *slog.Logger
	Asker   Asker
	Catalog *catalog.Catalog

	// Health, when set, gates /readyz on the query service.
	Health func(ctx context.Context) error

	Version           string
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	AllowedTokens     []string // Bearer tokens allowed for MCP endpoint authentication
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Asker == nil {
		return fmt.Errorf("asker is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
