package insight

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/auditlens/pkg/knowledge"
	"github.com/malbeclabs/auditlens/pkg/llm"
)

func TestAuditLens_Insight_Analyze_PromptCarriesAllRowsAndStatistics(t *testing.T) {
	t.Parallel()

	var user string
	client := llm.ClientFunc(func(ctx context.Context, system, u string, opts ...llm.CompleteOption) (string, error) {
		user = u
		require.Contains(t, system, "ANTI-HALLUCINATION")
		o := llm.ApplyOptions(opts...)
		require.True(t, o.CacheSystemPrompt)
		require.NotNil(t, o.ResponseSchema)
		return `{"observations":[{"type":"comparative","text":"CT scores higher than MRI","confidence":0.9}],"anomalies":[],"root_causes":[]}`, nil
	})
	g := newTestGenerator(t, client, &recordingPublisher{})

	rs := knowledge.ResultSet{
		Columns: []string{"modality", "avgQualityScore"},
		Rows: []knowledge.Row{
			{"modality": "CT", "avgQualityScore": 82.5},
			{"modality": "MRI", "avgQualityScore": 79.1},
			{"modality": "XR", "avgQualityScore": "n/a"},
		},
	}
	bundle := g.Analyze(context.Background(), rs, []string{"avgQualityScore"}, []string{"modality"})
	require.Len(t, bundle.Observations, 1)
	require.Equal(t, "CT scores higher than MRI", bundle.Observations[0].Text)
	require.NotNil(t, bundle.Anomalies)
	require.NotNil(t, bundle.RootCauses)

	for _, want := range []string{
		"Total rows: 3",
		"COMPLETE DATA (all rows):",
		"  1. modality: CT, avgQualityScore: 82.5",
		"  2. modality: MRI, avgQualityScore: 79.1",
		"  3. modality: XR, avgQualityScore: n/a",
		"  avgQualityScore:\n    Min: 79.10\n    Max: 82.50\n    Mean: 80.80\n    Total: 161.60",
		"Measures: avgQualityScore",
		"Dimensions: modality",
	} {
		require.Contains(t, user, want)
	}
}

func TestAuditLens_Insight_Summarize_SingleRowHasNoStatistics(t *testing.T) {
	t.Parallel()

	rs := knowledge.ResultSet{Rows: []knowledge.Row{{"count": 1250, "RadiologyAudits.modality": "CT"}}}
	got := Summarize(rs, []string{"count"})
	require.Contains(t, got, "  1. RadiologyAudits.modality: CT, count: 1250")
	require.NotContains(t, got, "Statistics")
}

func TestAuditLens_Insight_Analyze_EmptyRowsSkipLLM(t *testing.T) {
	t.Parallel()

	g := newTestGenerator(t, unexpectedLLM(t), &recordingPublisher{})
	bundle := g.Analyze(context.Background(), knowledge.ResultSet{Rows: []knowledge.Row{}}, []string{"count"}, nil)
	require.True(t, bundle.Empty())
	require.NotNil(t, bundle.Observations)
}

func TestAuditLens_Insight_Analyze_FailuresYieldEmptyBundle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		client llm.Client
	}{
		{name: "service error", client: failingLLM()},
		{name: "unparsable", client: staticLLM("the data looks fine")},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := newTestGenerator(t, tt.client, &recordingPublisher{})
			rs := knowledge.ResultSet{Rows: []knowledge.Row{{"count": 10}}}
			bundle := g.Analyze(context.Background(), rs, []string{"count"}, nil)
			require.True(t, bundle.Empty())
		})
	}
}

func TestAuditLens_Insight_Analyze_Normalizes(t *testing.T) {
	t.Parallel()

	client := staticLLM(`{
		"observations":[{"type":"pattern","text":"  ","confidence":0.5},{"type":"trend","text":"rising","confidence":1.7}],
		"anomalies":[{"entity":"Dr. X","metric":"avgQualityScore","severity":"CRITICAL","description":"far below peers"}],
		"root_causes":[{"hypothesis":"","confidence":0.3},{"hypothesis":"staffing","confidence":-1,"evidence":["night shifts"],"recommended_action":"review rota"}]
	}`)
	g := newTestGenerator(t, client, &recordingPublisher{})
	bundle := g.Analyze(context.Background(), knowledge.ResultSet{Rows: []knowledge.Row{{"count": 1}}}, []string{"count"}, nil)

	require.Len(t, bundle.Observations, 1)
	require.Equal(t, 1.0, bundle.Observations[0].Confidence)
	require.Len(t, bundle.Anomalies, 1)
	require.Equal(t, knowledge.SeverityCritical, bundle.Anomalies[0].Severity)
	require.Len(t, bundle.RootCauses, 1)
	require.Zero(t, bundle.RootCauses[0].Confidence)
	require.Equal(t, "review rota", bundle.RootCauses[0].RecommendedAction)
}

func TestAuditLens_Insight_HandleDataReady(t *testing.T) {
	t.Parallel()

	t.Run("critical anomaly", func(t *testing.T) {
		t.Parallel()

		pub := &recordingPublisher{}
		g := newTestGenerator(t, staticLLM(`{
			"observations":[],
			"anomalies":[
				{"entity":"Dr. X","metric":"avgQualityScore","severity":"critical","description":"far below peers"},
				{"entity":"Dr. Y","metric":"avgQualityScore","severity":"moderate","description":"slightly low"}
			],
			"root_causes":[]
		}`), pub)
		require.NoError(t, g.HandleDataReady(context.Background(), knowledge.DataReady{
			Header: knowledge.Header{SessionID: "s1"},
			Query: knowledge.Descriptor{
				Cube:       "RadiologyAudits",
				Measures:   []string{"avgQualityScore"},
				Dimensions: []string{"radiologist"},
			},
			Result: knowledge.ResultSet{Rows: []knowledge.Row{
				{"radiologist": "Dr. X", "avgQualityScore": 41.0},
				{"radiologist": "Dr. Y", "avgQualityScore": 76.0},
			}},
		}))

		units := pub.Units()
		require.Len(t, units, 2)
		anomaly := units[0].(knowledge.AnomalyDetected)
		require.Equal(t, "s1", anomaly.SessionID)
		require.Equal(t, "Dr. X", anomaly.Anomaly.Entity)

		ready := units[1].(knowledge.InsightsReady)
		require.Equal(t, "s1", ready.SessionID)
		require.Len(t, ready.Insights.Anomalies, 2)
		require.Equal(t, []string{"avgQualityScore"}, ready.Metrics)
		require.Equal(t, []string{"radiologist"}, ready.Dimensions)
		require.False(t, ready.Rejected)
	})

	t.Run("anomaly publish failure still publishes insights", func(t *testing.T) {
		t.Parallel()

		pub := &recordingPublisher{PublishFunc: func(ctx context.Context, unit knowledge.Unit) error {
			if unit.Kind() == knowledge.KindAnomalyDetected {
				return errors.New("bus is closed")
			}
			return nil
		}}
		g := newTestGenerator(t, staticLLM(`{
			"observations":[],
			"anomalies":[{"entity":"Dr. X","metric":"avgQualityScore","severity":"critical","description":"far below peers"}],
			"root_causes":[]
		}`), pub)
		require.NoError(t, g.HandleDataReady(context.Background(), knowledge.DataReady{
			Header: knowledge.Header{SessionID: "s1"},
			Query:  knowledge.Descriptor{Cube: "RadiologyAudits", Measures: []string{"avgQualityScore"}, Dimensions: []string{"radiologist"}},
			Result: knowledge.ResultSet{Rows: []knowledge.Row{
				{"radiologist": "Dr. X", "avgQualityScore": 41.0},
				{"radiologist": "Dr. Y", "avgQualityScore": 76.0},
			}},
		}))

		units := pub.Units()
		require.Len(t, units, 1)
		ready := units[0].(knowledge.InsightsReady)
		require.Equal(t, "s1", ready.SessionID)
		require.Len(t, ready.Insights.Anomalies, 1)
	})

	t.Run("cube name in prompt", func(t *testing.T) {
		t.Parallel()

		var user string
		client := llm.ClientFunc(func(ctx context.Context, system, u string, opts ...llm.CompleteOption) (string, error) {
			user = u
			return `{"observations":[],"anomalies":[],"root_causes":[]}`, nil
		})
		pub := &recordingPublisher{}
		g := newTestGenerator(t, client, pub)
		require.NoError(t, g.HandleDataReady(context.Background(), knowledge.DataReady{
			Header: knowledge.Header{SessionID: "s1"},
			Query:  knowledge.Descriptor{Cube: "RadiologyAudits", Measures: []string{"count"}},
			Result: knowledge.ResultSet{Rows: []knowledge.Row{{"count": 1250}}},
		}))
		require.True(t, strings.Contains(user, "Cube Queried: RadiologyAudits"))
		require.Len(t, pub.Units(), 1)
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()

		pub := &recordingPublisher{}
		g := newTestGenerator(t, unexpectedLLM(t), pub)
		require.NoError(t, g.HandleDataReady(context.Background(), knowledge.DataReady{
			Header:          knowledge.Header{SessionID: "s1"},
			Rejected:        true,
			RejectionReason: "weather is out of scope",
		}))

		units := pub.Units()
		require.Len(t, units, 1)
		ready := units[0].(knowledge.InsightsReady)
		require.True(t, ready.Rejected)
		require.Equal(t, "weather is out of scope", ready.RejectionReason)
		require.True(t, ready.Insights.Empty())
	})

	t.Run("query error", func(t *testing.T) {
		t.Parallel()

		pub := &recordingPublisher{}
		g := newTestGenerator(t, unexpectedLLM(t), pub)
		require.NoError(t, g.HandleDataReady(context.Background(), knowledge.DataReady{
			Header:    knowledge.Header{SessionID: "s1"},
			Error:     "cube: 400 bad request",
			ErrorType: knowledge.ErrorTypeQuery,
		}))

		units := pub.Units()
		require.Len(t, units, 1)
		ready := units[0].(knowledge.InsightsReady)
		require.False(t, ready.Rejected)
		require.Equal(t, knowledge.ErrorTypeQuery, ready.ErrorType)
		require.True(t, ready.Insights.Empty())
	})
}

func TestAuditLens_Insight_Config_Validate(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "missing logger", cfg: Config{LLM: failingLLM(), Publisher: &recordingPublisher{}}, wantErr: "logger is required"},
		{name: "missing llm", cfg: Config{Logger: logger, Publisher: &recordingPublisher{}}, wantErr: "llm client is required"},
		{name: "missing publisher", cfg: Config{Logger: logger, LLM: failingLLM()}, wantErr: "publisher is required"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.EqualError(t, tt.cfg.Validate(), tt.wantErr)
		})
	}

	cfg := Config{Logger: logger, LLM: failingLLM(), Publisher: &recordingPublisher{}}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Prompts)
	require.NotNil(t, cfg.Clock)
}

type recordingPublisher struct {
	PublishFunc func(ctx context.Context, unit knowledge.Unit) error

	mu    sync.Mutex
	units []knowledge.Unit
}

func (r *recordingPublisher) Publish(ctx context.Context, unit knowledge.Unit) error {
	if r.PublishFunc != nil {
		if err := r.PublishFunc(ctx, unit); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, unit)
	return nil
}

func (r *recordingPublisher) Units() []knowledge.Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]knowledge.Unit(nil), r.units...)
}

func staticLLM(response string) llm.Client {
	return llm.ClientFunc(func(ctx context.Context, system, user string, opts ...llm.CompleteOption) (string, error) {
		return response, nil
	})
}

func failingLLM() llm.Client {
	return llm.ClientFunc(func(ctx context.Context, system, user string, opts ...llm.CompleteOption) (string, error) {
		return "", llm.ErrService
	})
}

func unexpectedLLM(t *testing.T) llm.Client {
	return llm.ClientFunc(func(ctx context.Context, system, user string, opts ...llm.CompleteOption) (string, error) {
		t.Errorf("unexpected LLM call")
		return "", llm.ErrService
	})
}

func newTestGenerator(t *testing.T, client llm.Client, pub *recordingPublisher) *Generator {
	t.Helper()
	g, err := New(&Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
		LLM:       client,
		Publisher: pub,
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return g
}
