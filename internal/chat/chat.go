// Package chat is the synchronous front door of the pipeline: it publishes a
// question and waits for the composed answer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/auditlens/internal/conversation"
	"github.com/malbeclabs/auditlens/internal/mailbox"
	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/bus"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

const (
	DefaultJoinTimeout = 60 * time.Second

	// TimeoutNarrative is returned to the user when the pipeline did not
	// answer within the join timeout.
	TimeoutNarrative = "Sorry, answering that took longer than expected. Please try again in a moment."
)

// ErrJoinTimeout is returned by Ask when no response arrived in time. The
// answer returned alongside it carries TimeoutNarrative.
var ErrJoinTimeout = errors.New("timed out waiting for response")

// Waiter blocks until the response for a pipeline session is available.
type Waiter interface {
	Wait(ctx context.Context, sessionID string, timeout time.Duration) (knowledge.FinalResponse, error)
}

type Config struct {
	Logger    *slog.Logger
	Publisher bus.Publisher
	Mailbox   Waiter
	History   conversation.Store

	// Optional with defaults.
	JoinTimeout time.Duration
	Clock       clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.Mailbox == nil {
		return errors.New("mailbox is required")
	}
	if c.History == nil {
		return errors.New("history is required")
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.JoinTimeout < 0 {
		return errors.New("join timeout must be > 0")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Service struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// Answer is the result of one question. ConversationID groups the turns of
// a chat; Response.SessionID identifies the single pipeline run.
type Answer struct {
	ConversationID string                  `json:"conversation_id"`
	Response       knowledge.FinalResponse `json:"response"`
}

// Ask runs one question through the pipeline. An empty conversationID starts
// a new conversation. Every question gets its own pipeline session so a
// follow-up never collides with an earlier, already composed run.
func (s *Service) Ask(ctx context.Context, conversationID, message string) (*Answer, error) {
	start := s.cfg.Clock.Now()
	defer func() {
		metrics.AskDuration.Observe(s.cfg.Clock.Since(start).Seconds())
	}()

	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	sessionID := uuid.NewString()
	log := s.log.With("conversation", conversationID, "session", sessionID)

	history, err := s.cfg.History.Recent(ctx, conversationID, conversation.ContextTurns)
	if err != nil {
		log.Warn("chat: failed to load history, continuing without it", "error", err)
		history = nil
	}
	s.record(ctx, log, conversationID, knowledge.RoleUser, message)

	if err := s.cfg.Publisher.Publish(ctx, knowledge.UserQuery{
		Header:  knowledge.NewHeader(sessionID, s.cfg.Clock.Now()),
		Message: message,
		Context: history,
	}); err != nil {
		return nil, fmt.Errorf("failed to publish user query: %w", err)
	}
	log.Info("chat: question published", "historyTurns", len(history))

	resp, err := s.cfg.Mailbox.Wait(ctx, sessionID, s.cfg.JoinTimeout)
	switch {
	case errors.Is(err, mailbox.ErrTimeout):
		metrics.JoinTimeouts.Inc()
		log.Warn("chat: no response within join timeout", "timeout", s.cfg.JoinTimeout)
		return &Answer{
			ConversationID: conversationID,
			Response: knowledge.FinalResponse{
				SessionID: sessionID,
				Narrative: TimeoutNarrative,
				FollowUps: []string{},
				Timestamp: s.cfg.Clock.Now().UTC(),
			},
		}, ErrJoinTimeout
	case err != nil:
		return nil, fmt.Errorf("failed to wait for response: %w", err)
	}

	s.record(ctx, log, conversationID, knowledge.RoleAssistant, resp.Narrative)
	log.Info("chat: response delivered", "rejected", resp.Rejected)
	return &Answer{ConversationID: conversationID, Response: resp}, nil
}

func (s *Service) record(ctx context.Context, log *slog.Logger, conversationID string, role knowledge.Role, content string) {
	if err := s.cfg.History.Append(ctx, conversationID, knowledge.Turn{Role: role, Content: content}); err != nil {
		log.Warn("chat: failed to record turn", "role", role, "error", err)
	}
}
