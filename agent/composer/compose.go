package composer

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
	"github.com/malbeclabs/auditlens/pkg/llm"
)

const (
	maxFollowUps = 3

	narrativeMaxTokens = 800
	followUpsMaxTokens = 200

	defaultRejectionReason = "Query out of scope"

	outcomeRejected = "rejected"
	outcomeError    = "error"
	outcomeLLM      = "llm"
	outcomeFallback = "fallback"
)

// ErrorNarrative is the answer given when the query behind a session failed
// and the narrative could not be generated.
const ErrorNarrative = "I couldn't retrieve the data for this question because the audit data service did not respond as expected. Please try again in a moment."

var (
	// FallbackFollowUps are suggested when follow-up generation fails.
	FallbackFollowUps = []string{
		"Compare quality scores between CT and MRI",
		"Show the CAT rating distribution",
		"How many male vs female patients?",
	}

	// RejectionFollowUps steer an out-of-scope user back to the data.
	RejectionFollowUps = []string{
		"What's the average quality score by modality?",
		"Show me the CAT rating distribution",
	}
)

// RejectionNarrative explains what the assistant can answer.
func RejectionNarrative(reason string) string {
	if strings.TrimSpace(reason) == "" {
		reason = defaultRejectionReason
	}
	return "I can only answer questions about medical radiology audit data. " + reason + "\n\n" +
		"Please ask about:\n" +
		"• Quality Metrics (Quality Scores, Safety Scores, Star Ratings)\n" +
		"• CAT Ratings (CAT1-CAT5)\n" +
		"• Radiologist Performance\n" +
		"• Modality Analysis (CT, MRI)\n" +
		"• Turnaround Times"
}

type followUpsResponse struct {
	FollowUps []string `json:"follow_ups"`
}

var followUpsSchema = llm.SchemaFor[followUpsResponse]()

// Compose builds the final response for a completed accumulator. Rejected
// sessions never reach the LLM. Sessions whose query failed are narrated with
// the error type in the prompt and fall back to ErrorNarrative.
func (c *Composer) Compose(ctx context.Context, sessionID string, acc Accumulator) knowledge.FinalResponse {
	resp := knowledge.FinalResponse{
		SessionID: sessionID,
		Timestamp: c.cfg.Clock.Now().UTC(),
	}

	if rejected, reason := acc.Rejected(); rejected {
		resp.Rejected = true
		resp.Narrative = RejectionNarrative(reason)
		resp.FollowUps = append([]string(nil), RejectionFollowUps...)
		metrics.ResponsesComposed.WithLabelValues(outcomeRejected).Inc()
		c.log.Info("composer: composed rejection", "session", sessionID, "reason", reason)
		return resp
	}

	var chart knowledge.ChartSpec
	if acc.Chart != nil {
		chart = acc.Chart.Chart
	}
	resp.Chart = &chart

	var insights knowledge.InsightBundle
	if acc.Insights != nil {
		insights = acc.Insights.Insights
	}
	errType := acc.ErrorType()

	outcome := outcomeLLM
	narrative, err := c.narrative(ctx, chart, insights, errType)
	if err != nil {
		c.log.Warn("composer: narrative generation failed, using fallback", "session", sessionID, "errorType", errType, "error", err)
		metrics.LLMFallbacks.WithLabelValues("narrative").Inc()
		if errType != "" {
			narrative = ErrorNarrative
			outcome = outcomeError
		} else {
			narrative = FallbackNarrative(insights)
			outcome = outcomeFallback
		}
	}
	resp.Narrative = narrative

	followUps, err := c.followUps(ctx, narrative, chart, insights, acc.Dimensions(), errType)
	if err != nil {
		c.log.Warn("composer: follow-up generation failed, using fallback", "session", sessionID, "error", err)
		metrics.LLMFallbacks.WithLabelValues("follow_ups").Inc()
		followUps = append([]string(nil), FallbackFollowUps...)
	}
	resp.FollowUps = followUps

	metrics.ResponsesComposed.WithLabelValues(outcome).Inc()
	c.log.Info("composer: composed response", "session", sessionID, "outcome", outcome, "chart", chart.Type, "errorType", errType)
	return resp
}

func (c *Composer) narrative(ctx context.Context, chart knowledge.ChartSpec, insights knowledge.InsightBundle, errType knowledge.ErrorType) (string, error) {
	response, err := c.cfg.LLM.Complete(ctx, c.cfg.Prompts.Narrative, narrativePrompt(chart, insights, errType),
		llm.WithCacheControl(),
		llm.WithTemperature(0.3),
		llm.WithMaxTokens(narrativeMaxTokens),
	)
	if err != nil {
		return "", err
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return "", fmt.Errorf("%w: empty narrative", llm.ErrService)
	}
	return response, nil
}

func (c *Composer) followUps(ctx context.Context, narrative string, chart knowledge.ChartSpec, insights knowledge.InsightBundle, dimensions []string, errType knowledge.ErrorType) ([]string, error) {
	response, err := c.cfg.LLM.Complete(ctx, c.cfg.Prompts.FollowUps, followUpsPrompt(narrative, chart, insights, dimensions, c.available, errType),
		llm.WithCacheControl(),
		llm.WithResponseSchema(followUpsSchema),
		llm.WithTemperature(0.4),
		llm.WithMaxTokens(followUpsMaxTokens),
	)
	if err != nil {
		return nil, err
	}
	parsed, err := llm.Decode[followUpsResponse](response)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, maxFollowUps)
	for _, q := range parsed.FollowUps {
		if q = strings.TrimSpace(q); q == "" {
			continue
		}
		out = append(out, q)
		if len(out) == maxFollowUps {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no follow-up questions", llm.ErrService)
	}
	return out, nil
}

func dataPoints(chart knowledge.ChartSpec) int {
	switch {
	case chart.Data != nil:
		return len(chart.Data.Labels)
	case chart.Table != nil:
		return len(chart.Table.Rows)
	case chart.KPI != nil:
		return 1
	}
	return 0
}

func narrativePrompt(chart knowledge.ChartSpec, insights knowledge.InsightBundle, errType knowledge.ErrorType) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Chart Type: %s\n", chart.Type)
	fmt.Fprintf(&sb, "Number of Data Points: %d\n", dataPoints(chart))
	if errType != "" {
		fmt.Fprintf(&sb, "Data Status: query failed (%s)\n", errType)
	}
	sb.WriteString("\n")

	sb.WriteString("Insights:\n")
	fmt.Fprintf(&sb, "Observations (%d):\n", len(insights.Observations))
	if len(insights.Observations) == 0 {
		sb.WriteString("  None\n")
	}
	for i, o := range insights.Observations {
		fmt.Fprintf(&sb, "  %d. %s (confidence: %.2f)\n", i+1, o.Text, o.Confidence)
	}

	fmt.Fprintf(&sb, "\nAnomalies (%d):\n", len(insights.Anomalies))
	if len(insights.Anomalies) == 0 {
		sb.WriteString("  None\n")
	}
	for i, a := range insights.Anomalies {
		fmt.Fprintf(&sb, "  %d. [%s] %s - %s: %s\n", i+1, strings.ToUpper(string(a.Severity)), a.Entity, a.Metric, a.Description)
	}

	fmt.Fprintf(&sb, "\nRoot Causes (%d):\n", len(insights.RootCauses))
	if len(insights.RootCauses) == 0 {
		sb.WriteString("  None\n")
	}
	for i, rc := range insights.RootCauses {
		fmt.Fprintf(&sb, "  %d. %s (confidence: %.2f)\n", i+1, rc.Hypothesis, rc.Confidence)
		if rc.RecommendedAction != "" {
			fmt.Fprintf(&sb, "     → Action: %s\n", rc.RecommendedAction)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func followUpsPrompt(narrative string, chart knowledge.ChartSpec, insights knowledge.InsightBundle, dimensions, available []string, errType knowledge.ErrorType) string {
	var sb strings.Builder
	if errType != "" {
		fmt.Fprintf(&sb, "Data status: query failed (%s)\n", errType)
	}
	if n := len(insights.Observations); n > 0 {
		texts := make([]string, 0, 2)
		for _, o := range insights.Observations[:min(n, 2)] {
			texts = append(texts, o.Text)
		}
		fmt.Fprintf(&sb, "Key observations: %s\n", strings.Join(texts, "; "))
	}
	if n := len(insights.RootCauses); n > 0 {
		hyps := make([]string, 0, 2)
		for _, rc := range insights.RootCauses[:min(n, 2)] {
			hyps = append(hyps, rc.Hypothesis)
		}
		fmt.Fprintf(&sb, "Root causes identified: %s\n", strings.Join(hyps, "; "))
	}
	fmt.Fprintf(&sb, "Chart type shown: %s\n", chart.Type)
	if len(dimensions) > 0 {
		fmt.Fprintf(&sb, "Dimensions in this analysis: %s\n", strings.Join(dimensions, ", "))
	} else {
		sb.WriteString("Dimensions in this analysis: None\n")
	}
	fmt.Fprintf(&sb, "Available dimensions: %s\n", strings.Join(available, ", "))
	fmt.Fprintf(&sb, "\nNarrative:\n%s", narrative)
	return sb.String()
}

// FallbackNarrative renders the insight bundle as plain bullets.
func FallbackNarrative(insights knowledge.InsightBundle) string {
	lines := []string{"🔍 Key Findings:"}
	if len(insights.Observations) == 0 {
		lines = append(lines, "• Data retrieved successfully")
	}
	for _, o := range insights.Observations[:min(len(insights.Observations), 3)] {
		lines = append(lines, "• "+o.Text)
	}

	if len(insights.RootCauses) > 0 {
		lines = append(lines, "\n🔧 Root Causes:")
		for _, rc := range insights.RootCauses[:min(len(insights.RootCauses), 2)] {
			lines = append(lines, "• "+rc.Hypothesis)
		}
	}

	if len(insights.Anomalies) > 0 {
		lines = append(lines, "\n⚠️ Anomalies Detected:")
		for _, a := range insights.Anomalies[:min(len(insights.Anomalies), 2)] {
			lines = append(lines, "• "+a.Description)
		}
	}
	return strings.Join(lines, "\n")
}
