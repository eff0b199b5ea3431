package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/auditlens/internal/chat"
	"github.com/malbeclabs/auditlens/pkg/catalog"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

func TestAuditLens_CLI_PrintAnswer_BarChart(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printAnswer(&buf, &chat.Answer{
		ConversationID: "conv-1",
		Response: knowledge.FinalResponse{
			Narrative: "CT leads MRI on quality.",
			Chart: &knowledge.ChartSpec{
				Type:  knowledge.ArchetypeBar,
				Title: "Avg Quality Score by Modality",
				Axes:  &knowledge.Axes{X: "Modality", Y: "Avg Quality Score"},
				Data: &knowledge.SeriesData{
					Labels:   []string{"CT", "MRI"},
					Datasets: []knowledge.Dataset{{Label: "Avg Quality Score", Values: []float64{82.5, 79.1}}},
				},
			},
			FollowUps: []string{"Break CT down by body part"},
		},
	})

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "CT leads MRI on quality.\n"))
	require.Contains(t, out, "Avg Quality Score by Modality (bar)")
	require.Contains(t, out, "Modality")
	require.Contains(t, out, "82.5")
	require.Contains(t, out, "79.1")
	require.Contains(t, out, "  - Break CT down by body part")
	require.Contains(t, out, "Conversation: conv-1")
}

func TestAuditLens_CLI_PrintChart_Archetypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chart *knowledge.ChartSpec
		want  []string
	}{
		{
			name:  "empty",
			chart: &knowledge.ChartSpec{Type: knowledge.ArchetypeEmpty, Message: "No data found"},
			want:  []string{"No data found"},
		},
		{
			name: "kpi percent",
			chart: &knowledge.ChartSpec{
				Type: knowledge.ArchetypeKPI,
				KPI:  &knowledge.KPI{Value: 12.34, Label: "Cat5 Rate", Format: knowledge.FormatPercent},
			},
			want: []string{"Cat5 Rate", "12.3%"},
		},
		{
			name: "table",
			chart: &knowledge.ChartSpec{
				Type: knowledge.ArchetypeTable,
				Table: &knowledge.Table{
					Columns: []knowledge.TableColumn{{Key: "originalRadiologist", Label: "Radiologist"}, {Key: "count", Label: "Count"}},
					Rows: []knowledge.Row{
						{"RadiologyAudits.originalRadiologist": "Dr. Rao", "RadiologyAudits.count": float64(42)},
					},
				},
			},
			want: []string{"Radiologist", "Dr. Rao", "42"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			printChart(&buf, tt.chart)
			for _, want := range tt.want {
				require.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestAuditLens_CLI_FormatValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v      float64
		format knowledge.ValueFormat
		want   string
	}{
		{v: 1250, format: knowledge.FormatNumber, want: "1250"},
		{v: 82.5, format: knowledge.FormatNumber, want: "82.5"},
		{v: 4.26, format: knowledge.FormatPercent, want: "4.3%"},
		{v: 19.5, format: knowledge.FormatCurrency, want: "$19.50"},
		{v: 3.04, format: knowledge.FormatTime, want: "3.0"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, formatValue(tt.v, tt.format), "%v as %s", tt.v, tt.format)
	}
}

func TestAuditLens_CLI_Interactive_KeepsConversation(t *testing.T) {
	t.Parallel()

	var seen []string
	asker := &mockAsker{AskFunc: func(ctx context.Context, conversationID, message string) (*chat.Answer, error) {
		seen = append(seen, conversationID+"|"+message)
		return &chat.Answer{
			ConversationID: "conv-1",
			Response:       knowledge.FinalResponse{Narrative: "answer to " + message},
		}, nil
	}}

	in := strings.NewReader("Quality by modality?\n\nAnd for MRI only?\nexit\nnever asked\n")
	var out bytes.Buffer
	err := interactive(context.Background(), in, &out, asker, askFlags{})
	require.NoError(t, err)

	require.Equal(t, []string{"|Quality by modality?", "conv-1|And for MRI only?"}, seen)
	require.Contains(t, out.String(), "answer to And for MRI only?")
}

func TestAuditLens_CLI_Ask(t *testing.T) {
	t.Parallel()

	t.Run("timeout still prints the answer", func(t *testing.T) {
		t.Parallel()
		asker := &mockAsker{AskFunc: func(ctx context.Context, conversationID, message string) (*chat.Answer, error) {
			return &chat.Answer{
				ConversationID: "conv-9",
				Response:       knowledge.FinalResponse{Narrative: chat.TimeoutNarrative},
			}, chat.ErrJoinTimeout
		}}
		var out bytes.Buffer
		id, err := ask(context.Background(), &out, asker, "", "slow", false)
		require.NoError(t, err)
		require.Equal(t, "conv-9", id)
		require.Contains(t, out.String(), chat.TimeoutNarrative)
	})

	t.Run("json output", func(t *testing.T) {
		t.Parallel()
		asker := &mockAsker{AskFunc: func(ctx context.Context, conversationID, message string) (*chat.Answer, error) {
			return &chat.Answer{
				ConversationID: "conv-3",
				Response:       knowledge.FinalResponse{SessionID: "sess-3", Narrative: "ok"},
			}, nil
		}}
		var out bytes.Buffer
		_, err := ask(context.Background(), &out, asker, "", "count audits", true)
		require.NoError(t, err)
		require.Contains(t, out.String(), `"conversation_id": "conv-3"`)
		require.Contains(t, out.String(), `"session_id": "sess-3"`)
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		asker := &mockAsker{AskFunc: func(ctx context.Context, conversationID, message string) (*chat.Answer, error) {
			return nil, errors.New("bus is closed")
		}}
		var out bytes.Buffer
		_, err := ask(context.Background(), &out, asker, "conv-1", "anything", false)
		require.ErrorContains(t, err, "bus is closed")
		require.Empty(t, out.String())
	})
}

func TestAuditLens_CLI_PrintSchema(t *testing.T) {
	t.Parallel()

	cat, err := catalog.Default()
	require.NoError(t, err)

	var buf bytes.Buffer
	printSchema(&buf, cat)
	out := buf.String()
	require.True(t, strings.HasPrefix(out, "Cube: RadiologyAudits\n"))
	require.Contains(t, out, "avgQualityScore")
	require.Contains(t, out, "Average quality score (0-100)")
	require.Contains(t, out, "reportDate")
}

type mockAsker struct {
	AskFunc func(ctx context.Context, conversationID, message string) (*chat.Answer, error)
}

func (m *mockAsker) Ask(ctx context.Context, conversationID, message string) (*chat.Answer, error) {
	return m.AskFunc(ctx, conversationID, message)
}
