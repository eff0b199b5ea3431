package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/auditlens/internal/chat"
	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

const askToolName = "ask"

type AskInput struct {
	Question       string `json:"question" jsonschema:"natural-language question about the radiology audit data"`
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"id returned by an earlier ask, to continue that conversation"`
}

type AskOutput struct {
	ConversationID string               `json:"conversation_id"`
	SessionID      string               `json:"session_id"`
	Narrative      string               `json:"narrative"`
	Chart          *knowledge.ChartSpec `json:"chart,omitempty"`
	FollowUps      []string             `json:"follow_ups"`
	Rejected       bool                 `json:"is_rejected"`
	TimedOut       bool                 `json:"timed_out,omitempty"`
}

func RegisterAskTool(log *slog.Logger, server *gomcp.Server, asker Asker) error {
	req, err := jsonschema.For[AskInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask input schema: %w", err)
	}

	gomcp.AddTool(server, &gomcp.Tool{
		Name: askToolName,
		Description: `
			Ask a question about radiology audit data (quality, safety and star scores,
			CAT1-CAT5 ratings, radiologists, modalities, body parts, turnaround times).
			Returns a narrative answer, a chart specification and suggested follow-up questions.
			Pass conversation_id from a previous answer to ask a follow-up in the same conversation.
		`,
		InputSchema: req,
	}, func(ctx context.Context, _ *gomcp.CallToolRequest, in AskInput) (*gomcp.CallToolResult, AskOutput, error) {
		start := time.Now()
		out, err := handleAsk(ctx, log, asker, in)
		metrics.ToolCallDuration.WithLabelValues(askToolName).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues(askToolName, "error").Inc()
			return nil, AskOutput{}, err
		}
		metrics.ToolCallsTotal.WithLabelValues(askToolName, "success").Inc()
		return nil, out, nil
	})
	return nil
}

func handleAsk(ctx context.Context, log *slog.Logger, asker Asker, in AskInput) (AskOutput, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return AskOutput{}, errors.New("question is required")
	}
	log.Debug("mcp/tool: handling ask", "conversation", in.ConversationID, "question", question)

	answer, err := asker.Ask(ctx, in.ConversationID, question)
	timedOut := errors.Is(err, chat.ErrJoinTimeout)
	if err != nil && !timedOut {
		return AskOutput{}, fmt.Errorf("failed to answer question: %w", err)
	}

	resp := answer.Response
	followUps := resp.FollowUps
	if followUps == nil {
		followUps = []string{}
	}
	return AskOutput{
		ConversationID: answer.ConversationID,
		SessionID:      resp.SessionID,
		Narrative:      resp.Narrative,
		Chart:          resp.Chart,
		FollowUps:      followUps,
		Rejected:       resp.Rejected,
		TimedOut:       timedOut,
	}, nil
}
