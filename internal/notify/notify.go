// Package notify posts critical anomalies to a Slack channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	slackutil "github.com/takara2314/slack-go-util"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/bus"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

// Poster is satisfied by *slack.Client.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type Config struct {
	Logger  *slog.Logger
	Slack   Poster
	Channel string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Slack == nil {
		return errors.New("slack client is required")
	}
	if c.Channel == "" {
		return errors.New("channel is required")
	}
	return nil
}

type Notifier struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Notifier{log: cfg.Logger, cfg: cfg}, nil
}

func (n *Notifier) Register(s bus.Subscriber) {
	s.Subscribe(knowledge.KindAnomalyDetected, "notify.slack", bus.On(n.HandleAnomaly))
}

// HandleAnomaly posts the anomaly. Slack failures are counted and logged, and
// the handler still succeeds.
func (n *Notifier) HandleAnomaly(ctx context.Context, a knowledge.AnomalyDetected) error {
	text := Format(a.Anomaly)
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if blocks := markdownBlocks(text, n.log); len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}

	_, ts, err := n.cfg.Slack.PostMessageContext(ctx, n.cfg.Channel, opts...)
	if err != nil {
		metrics.NotifyOutcomes.WithLabelValues("error").Inc()
		n.log.Error("notify: failed to post anomaly", "session", a.SessionID, "channel", n.cfg.Channel, "error", err)
		return nil
	}
	metrics.NotifyOutcomes.WithLabelValues("ok").Inc()
	n.log.Info("notify: anomaly posted", "session", a.SessionID, "channel", n.cfg.Channel, "ts", ts)
	return nil
}

// Format renders an anomaly as Slack markdown.
func Format(a knowledge.Anomaly) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*🚨 %s anomaly*\n", strings.ToUpper(string(a.Severity)))
	if a.Entity != "" {
		fmt.Fprintf(&sb, "- Entity: %s\n", a.Entity)
	}
	if a.Metric != "" {
		fmt.Fprintf(&sb, "- Metric: %s\n", a.Metric)
	}
	if a.Description != "" {
		fmt.Fprintf(&sb, "\n%s", a.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// markdownBlocks converts text to section blocks with expand set so Slack
// does not collapse them. Nil means post the plain text only.
func markdownBlocks(text string, log *slog.Logger) []slack.Block {
	converted, err := slackutil.ConvertMarkdownTextToBlocks(text)
	if err != nil {
		log.Debug("notify: failed to convert markdown to blocks, using plain text", "error", err)
		return nil
	}
	out := make([]slack.Block, 0, len(converted))
	for _, b := range converted {
		if s, ok := b.(*slack.SectionBlock); ok {
			expanded := *s
			expanded.Expand = true
			out = append(out, &expanded)
			continue
		}
		out = append(out, b)
	}
	return out
}
