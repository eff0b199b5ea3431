package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

func TestAuditLens_Notify_Format(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		anomaly knowledge.Anomaly
		want    string
	}{
		{
			name: "full anomaly",
			anomaly: knowledge.Anomaly{
				Entity:      "Dr. Rao",
				Metric:      "avgQualityScore",
				Severity:    knowledge.SeverityCritical,
				Description: "Quality score 41 against a mean of 80.",
			},
			want: "*🚨 CRITICAL anomaly*\n- Entity: Dr. Rao\n- Metric: avgQualityScore\n\nQuality score 41 against a mean of 80.",
		},
		{
			name:    "description only",
			anomaly: knowledge.Anomaly{Severity: knowledge.SeverityCritical, Description: "CAT5 spike"},
			want:    "*🚨 CRITICAL anomaly*\n\nCAT5 spike",
		},
		{
			name:    "no details",
			anomaly: knowledge.Anomaly{Severity: knowledge.SeverityHigh},
			want:    "*🚨 HIGH anomaly*",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Format(tt.anomaly))
		})
	}
}

func TestAuditLens_Notify_HandleAnomaly_Posts(t *testing.T) {
	t.Parallel()

	var channel string
	var values map[string][]string
	poster := &mockPoster{PostFunc: func(ctx context.Context, ch string, opts ...slack.MsgOption) (string, string, error) {
		channel = ch
		_, v, err := slack.UnsafeApplyMsgOptions("token", ch, "https://slack.test/api/", opts...)
		require.NoError(t, err)
		values = v
		return ch, "1717243200.000100", nil
	}}
	n := newTestNotifier(t, poster)

	ok := metrics.NotifyOutcomes.WithLabelValues("ok")
	before := testutil.ToFloat64(ok)
	err := n.HandleAnomaly(context.Background(), knowledge.AnomalyDetected{
		Header:  knowledge.NewHeader("sess-1", time.Now()),
		Anomaly: knowledge.Anomaly{Entity: "MRI", Metric: "cat5Count", Severity: knowledge.SeverityCritical, Description: "CAT5 count tripled"},
	})
	require.NoError(t, err)
	require.Equal(t, "C0ALERTS", channel)
	require.Contains(t, values["text"][0], "CRITICAL anomaly")
	require.Contains(t, values["text"][0], "CAT5 count tripled")
	require.GreaterOrEqual(t, testutil.ToFloat64(ok), before+1)
}

func TestAuditLens_Notify_HandleAnomaly_SlackErrorIsCounted(t *testing.T) {
	t.Parallel()

	poster := &mockPoster{PostFunc: func(context.Context, string, ...slack.MsgOption) (string, string, error) {
		return "", "", errors.New("channel_not_found")
	}}
	n := newTestNotifier(t, poster)

	failed := metrics.NotifyOutcomes.WithLabelValues("error")
	before := testutil.ToFloat64(failed)
	err := n.HandleAnomaly(context.Background(), knowledge.AnomalyDetected{
		Header:  knowledge.NewHeader("sess-2", time.Now()),
		Anomaly: knowledge.Anomaly{Severity: knowledge.SeverityCritical},
	})
	require.NoError(t, err)
	require.Equal(t, before+1, testutil.ToFloat64(failed))
}

func TestAuditLens_Notify_Config_Validate(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "missing logger", cfg: Config{}, wantErr: "logger is required"},
		{name: "missing slack", cfg: Config{Logger: logger}, wantErr: "slack client is required"},
		{name: "missing channel", cfg: Config{Logger: logger, Slack: &mockPoster{}}, wantErr: "channel is required"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.EqualError(t, tt.cfg.Validate(), tt.wantErr)
		})
	}
}

type mockPoster struct {
	PostFunc func(ctx context.Context, channel string, opts ...slack.MsgOption) (string, string, error)
}

func (m *mockPoster) PostMessageContext(ctx context.Context, channel string, opts ...slack.MsgOption) (string, string, error) {
	if m.PostFunc != nil {
		return m.PostFunc(ctx, channel, opts...)
	}
	return channel, "", nil
}

func newTestNotifier(t *testing.T, poster Poster) *Notifier {
	t.Helper()
	n, err := New(&Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
		Slack:   poster,
		Channel: "C0ALERTS",
	})
	require.NoError(t, err)
	return n
}
