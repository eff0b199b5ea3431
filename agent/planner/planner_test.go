package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/cube"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
	"github.com/malbeclabs/auditlens/pkg/llm"
)

func TestAuditLens_Planner_Interpret(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		want     knowledge.Descriptor
		wantIn   Interpretation
	}{
		{
			name:     "age filter",
			response: `{"is_rejected":false,"intent":"count young patients","metrics":["count"],"dimensions":[],"filters":{"age":{"operator":"lt","value":25}}}`,
			want: knowledge.Descriptor{
				Cube:     "RadiologyAudits",
				Measures: []string{"count"},
				Filters:  []knowledge.Filter{{Field: "age", Operator: knowledge.OperatorLt, Values: []string{"25"}}},
				Limit:    cube.DefaultLimit,
			},
			wantIn: Interpretation{Intent: "count young patients"},
		},
		{
			name:     "aliases resolve",
			response: "```json\n{\"metrics\":[\"quality\",\"RadiologyAudits.avgSafetyScore\"],\"dimensions\":[\"sex\",\"Modality\"]}\n```",
			want: knowledge.Descriptor{
				Cube:       "RadiologyAudits",
				Measures:   []string{"avgQualityScore", "avgSafetyScore"},
				Dimensions: []string{"gender", "modality"},
				Limit:      cube.DefaultLimit,
			},
		},
		{
			name:     "unknown names dropped and count defaulted",
			response: `{"metrics":["happiness"],"dimensions":["modality","weather","modality"]}`,
			want: knowledge.Descriptor{
				Cube:       "RadiologyAudits",
				Measures:   []string{"count"},
				Dimensions: []string{"modality"},
				Limit:      cube.DefaultLimit,
			},
		},
		{
			name:     "filter shapes",
			response: `{"metrics":["count"],"filters":{"modality":["CT","MRI"],"gender":"Female","cat":{"operator":"between","value":"CAT5"},"planet":"Mars","reviewer":null}}`,
			want: knowledge.Descriptor{
				Cube:     "RadiologyAudits",
				Measures: []string{"count"},
				Filters: []knowledge.Filter{
					{Field: "finalOutput", Operator: knowledge.OperatorEquals, Values: []string{"CAT5"}},
					{Field: "gender", Operator: knowledge.OperatorEquals, Values: []string{"Female"}},
					{Field: "modality", Operator: knowledge.OperatorEquals, Values: []string{"CT", "MRI"}},
				},
				Limit: cube.DefaultLimit,
			},
		},
		{
			name:     "time range on unknown dimension uses default",
			response: `{"metrics":["avgQualityScore"],"time_range":{"dimension":"when","start":"2024-01-01","end":"2024-12-31"}}`,
			want: knowledge.Descriptor{
				Cube:      "RadiologyAudits",
				Measures:  []string{"avgQualityScore"},
				TimeRange: &knowledge.TimeRange{Dimension: "reportDate", Start: "2024-01-01", End: "2024-12-31"},
				Limit:     cube.DefaultLimit,
			},
		},
		{
			name:     "time series without range",
			response: `{"metrics":["avgQualityScore"],"time_range":{"dimension":"scan_date","granularity":"Month"}}`,
			want: knowledge.Descriptor{
				Cube:      "RadiologyAudits",
				Measures:  []string{"avgQualityScore"},
				TimeRange: &knowledge.TimeRange{Dimension: "scanDate", Granularity: "month"},
				Limit:     cube.DefaultLimit,
			},
		},
		{
			name:     "open ended time range dropped",
			response: `{"metrics":["count"],"time_range":{"dimension":"reportDate","start":"2024-01-01"}}`,
			want: knowledge.Descriptor{
				Cube:     "RadiologyAudits",
				Measures: []string{"count"},
				Limit:    cube.DefaultLimit,
			},
		},
		{
			name:     "rejected",
			response: `{"is_rejected":true,"rejection_reason":"Weather is not audit data.","metrics":[]}`,
			want: knowledge.Descriptor{
				Cube:     "RadiologyAudits",
				Measures: []string{"count"},
				Limit:    cube.DefaultLimit,
			},
			wantIn: Interpretation{Rejected: true, RejectionReason: "Weather is not audit data."},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := newTestPlanner(t, staticLLM(tt.response), &mockQuerier{})
			d, in := p.Interpret(context.Background(), "question", nil)
			require.Equal(t, tt.want, d)
			require.Equal(t, tt.wantIn, in)
		})
	}
}

func TestAuditLens_Planner_Interpret_FallsBackToCount(t *testing.T) {
	t.Parallel()

	for name, client := range map[string]llm.Client{
		"service error": llm.ClientFunc(func(ctx context.Context, system, user string, opts ...llm.CompleteOption) (string, error) {
			return "", llm.ErrService
		}),
		"unparsable": staticLLM("I think you want the count of patients."),
	} {
		client := client
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			p := newTestPlanner(t, client, &mockQuerier{})
			d, in := p.Interpret(context.Background(), "How many audits?", nil)
			require.Equal(t, []string{"count"}, d.Measures)
			require.Equal(t, "RadiologyAudits", d.Cube)
			require.False(t, in.Rejected)
			require.True(t, in.Fallback)
		})
	}
}

func TestAuditLens_Planner_Interpret_Prompt(t *testing.T) {
	t.Parallel()

	var gotSystem, gotUser string
	var gotOpts llm.CompleteOptions
	client := llm.ClientFunc(func(ctx context.Context, system, user string, opts ...llm.CompleteOption) (string, error) {
		gotSystem, gotUser, gotOpts = system, user, llm.ApplyOptions(opts...)
		return `{"metrics":["count"]}`, nil
	})
	p := newTestPlanner(t, client, &mockQuerier{})

	var history []knowledge.Turn
	for i := range 7 {
		history = append(history, knowledge.Turn{Role: knowledge.RoleUser, Content: "turn " + string(rune('a'+i))})
	}
	p.Interpret(context.Background(), "What about MRI?", history)

	require.Contains(t, gotSystem, "Cube: RadiologyAudits")
	require.Contains(t, gotSystem, "- sex -> gender")
	require.NotContains(t, gotSystem, "{{SCHEMA}}")
	require.NotContains(t, gotUser, "turn b")
	require.Contains(t, gotUser, "user: turn c")
	require.Contains(t, gotUser, "user: turn g")
	require.True(t, strings.HasSuffix(gotUser, `User question: "What about MRI?"`))
	require.NotNil(t, gotOpts.ResponseSchema)
	require.True(t, gotOpts.CacheSystemPrompt)
	require.NotNil(t, gotOpts.Temperature)
	require.InDelta(t, 0.2, *gotOpts.Temperature, 1e-9)
}

func TestAuditLens_Planner_HandleUserQuery(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	p := newTestPlannerWithPublisher(t, staticLLM(`{"metrics":["avgQualityScore"],"dimensions":["modality"]}`), &mockQuerier{}, pub)

	err := p.HandleUserQuery(context.Background(), knowledge.UserQuery{
		Header:  knowledge.Header{SessionID: "s1"},
		Message: "Compare quality scores between CT and MRI",
	})
	require.NoError(t, err)

	units := pub.Units()
	require.Len(t, units, 1)
	req, ok := units[0].(knowledge.DomainEnrichedRequest)
	require.True(t, ok)
	require.Equal(t, "s1", req.SessionID)
	require.Equal(t, "Compare quality scores between CT and MRI", req.Intent)
	require.Equal(t, []string{"avgQualityScore"}, req.Query.Measures)
	require.Equal(t, []string{"modality"}, req.Query.Dimensions)
	require.False(t, req.Rejected)
}

func TestAuditLens_Planner_Execute_LeavesQueryTimingToQuerier(t *testing.T) {
	t.Parallel()

	q := &mockQuerier{LoadFunc: func(ctx context.Context, query cube.Query) (*cube.Result, error) {
		return &cube.Result{Rows: []knowledge.Row{{"count": 1250.0}}}, nil
	}}
	p := newTestPlanner(t, staticLLM(""), q)

	before := queryDurationSamples(t)
	res, err := p.Execute(context.Background(), knowledge.Descriptor{Cube: "RadiologyAudits", Measures: []string{"count"}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, before, queryDurationSamples(t))
}

func queryDurationSamples(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.QueryDuration.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestAuditLens_Planner_HandleEnrichedRequest_Success(t *testing.T) {
	t.Parallel()

	var gotQuery cube.Query
	q := &mockQuerier{LoadFunc: func(ctx context.Context, query cube.Query) (*cube.Result, error) {
		gotQuery = query
		return &cube.Result{
			Columns: []string{"modality", "avgQualityScore"},
			Rows: []knowledge.Row{
				{"modality": "CT", "avgQualityScore": 82.5},
				{"modality": "MRI", "avgQualityScore": 79.1},
			},
		}, nil
	}}
	pub := &recordingPublisher{}
	p := newTestPlannerWithPublisher(t, staticLLM(""), q, pub)

	err := p.HandleEnrichedRequest(context.Background(), knowledge.DomainEnrichedRequest{
		Header: knowledge.Header{SessionID: "s1"},
		Query: knowledge.Descriptor{
			Cube:       "RadiologyAudits",
			Measures:   []string{"avgQualityScore"},
			Dimensions: []string{"modality"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"RadiologyAudits.avgQualityScore"}, gotQuery.Measures)

	units := pub.Units()
	require.Len(t, units, 1)
	data := units[0].(knowledge.DataReady)
	require.False(t, data.Failed())
	require.False(t, data.Rejected)
	require.Len(t, data.Result.Rows, 2)
	require.Equal(t, knowledge.Shape{
		RowCount:             2,
		ColumnCount:          2,
		DimensionCardinality: map[string]int{"modality": 2},
		DataShape:            knowledge.DataShapeTable,
	}, data.Result.Shape)
}

func TestAuditLens_Planner_HandleEnrichedRequest_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want knowledge.ErrorType
	}{
		{name: "connection", err: cube.ErrConnection, want: knowledge.ErrorTypeConnection},
		{name: "client", err: cube.ErrClient, want: knowledge.ErrorTypeQuery},
		{name: "internal", err: errors.New("decode failed"), want: knowledge.ErrorTypeInternal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := &mockQuerier{LoadFunc: func(ctx context.Context, query cube.Query) (*cube.Result, error) {
				return nil, tt.err
			}}
			pub := &recordingPublisher{}
			p := newTestPlannerWithPublisher(t, staticLLM(""), q, pub)

			err := p.HandleEnrichedRequest(context.Background(), knowledge.DomainEnrichedRequest{
				Header: knowledge.Header{SessionID: "s1"},
				Query:  knowledge.Descriptor{Cube: "RadiologyAudits", Measures: []string{"count"}},
			})
			require.NoError(t, err)

			units := pub.Units()
			require.Len(t, units, 2)
			data := units[0].(knowledge.DataReady)
			require.True(t, data.Failed())
			require.Equal(t, tt.want, data.ErrorType)
			require.Empty(t, data.Result.Rows)
			require.Equal(t, knowledge.DataShapeEmpty, data.Result.Shape.DataShape)

			execErr := units[1].(knowledge.QueryExecutionError)
			require.Equal(t, "s1", execErr.SessionID)
			require.Equal(t, tt.want, execErr.ErrorType)
			require.Equal(t, data.Error, execErr.Error)
		})
	}
}

func TestAuditLens_Planner_HandleEnrichedRequest_RejectedSkipsQuery(t *testing.T) {
	t.Parallel()

	q := &mockQuerier{LoadFunc: func(ctx context.Context, query cube.Query) (*cube.Result, error) {
		t.Fatal("rejected request must not be executed")
		return nil, nil
	}}
	pub := &recordingPublisher{}
	p := newTestPlannerWithPublisher(t, staticLLM(""), q, pub)

	err := p.HandleEnrichedRequest(context.Background(), knowledge.DomainEnrichedRequest{
		Header:          knowledge.Header{SessionID: "s1"},
		Rejected:        true,
		RejectionReason: "Not about radiology.",
	})
	require.NoError(t, err)

	units := pub.Units()
	require.Len(t, units, 1)
	data := units[0].(knowledge.DataReady)
	require.True(t, data.Rejected)
	require.Equal(t, "Not about radiology.", data.RejectionReason)
	require.False(t, data.Failed())
	require.Equal(t, 0, data.Result.Shape.RowCount)
}

func TestAuditLens_Planner_HandleRefinementNeeded_IsNoop(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	p := newTestPlannerWithPublisher(t, staticLLM(""), &mockQuerier{}, pub)
	require.NoError(t, p.HandleRefinementNeeded(context.Background(), knowledge.QueryRefinementNeeded{
		Header:          knowledge.Header{SessionID: "s1"},
		Reason:          "too many rows",
		CurrentRowCount: 5000,
	}))
	require.Empty(t, pub.Units())
}

func TestAuditLens_Planner_Shape(t *testing.T) {
	t.Parallel()

	isTime := func(name string) bool { return name == "reportDate" }
	rows := []knowledge.Row{
		{"RadiologyAudits.modality": "CT", "gender": "F", "count": 3},
		{"RadiologyAudits.modality": "CT", "gender": "M", "count": 4},
		{"RadiologyAudits.modality": "MRI", "gender": "F", "count": 5},
	}

	tests := []struct {
		name string
		rows []knowledge.Row
		d    knowledge.Descriptor
		want knowledge.Shape
	}{
		{
			name: "empty",
			d:    knowledge.Descriptor{Measures: []string{"count"}, Dimensions: []string{"modality"}},
			want: knowledge.Shape{ColumnCount: 2, DataShape: knowledge.DataShapeEmpty},
		},
		{
			name: "two dimensions",
			rows: rows,
			d:    knowledge.Descriptor{Measures: []string{"count"}, Dimensions: []string{"modality", "gender"}},
			want: knowledge.Shape{
				RowCount:              3,
				ColumnCount:           3,
				HasMultipleDimensions: true,
				DimensionCardinality:  map[string]int{"modality": 2, "gender": 2},
				DataShape:             knowledge.DataShapeTable,
			},
		},
		{
			name: "granularity makes a time series",
			rows: []knowledge.Row{{"reportDate": "2024-01-01", "count": 1}, {"reportDate": "2024-02-01", "count": 2}},
			d: knowledge.Descriptor{
				Measures:  []string{"count"},
				TimeRange: &knowledge.TimeRange{Dimension: "reportDate", Granularity: "month"},
			},
			want: knowledge.Shape{
				RowCount:             2,
				ColumnCount:          2,
				HasTimeSeries:        true,
				DimensionCardinality: map[string]int{"reportDate": 2},
				DataShape:            knowledge.DataShapeTimeSeries,
			},
		},
		{
			name: "time dimension grouping",
			rows: []knowledge.Row{{"reportDate": "2024-01-01", "count": 1}},
			d:    knowledge.Descriptor{Measures: []string{"count"}, Dimensions: []string{"reportDate"}},
			want: knowledge.Shape{
				RowCount:             1,
				ColumnCount:          2,
				HasTimeSeries:        true,
				DimensionCardinality: map[string]int{"reportDate": 1},
				DataShape:            knowledge.DataShapeTimeSeries,
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Shape(tt.rows, tt.d, isTime))
		})
	}
}

func TestAuditLens_Planner_Config_Validate(t *testing.T) {
	t.Parallel()

	require.EqualError(t, (&Config{}).Validate(), "logger is required")
	require.EqualError(t, (&Config{Logger: newLogger()}).Validate(), "llm client is required")
	require.EqualError(t, (&Config{Logger: newLogger(), LLM: staticLLM("")}).Validate(), "querier is required")
	require.EqualError(t, (&Config{Logger: newLogger(), LLM: staticLLM(""), Querier: &mockQuerier{}}).Validate(), "publisher is required")

	cfg := &Config{Logger: newLogger(), LLM: staticLLM(""), Querier: &mockQuerier{}, Publisher: &recordingPublisher{}}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Catalog)
	require.NotNil(t, cfg.Prompts)
	require.NotNil(t, cfg.Clock)
}

type mockQuerier struct {
	LoadFunc func(ctx context.Context, q cube.Query) (*cube.Result, error)
}

func (m *mockQuerier) Load(ctx context.Context, q cube.Query) (*cube.Result, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, q)
	}
	return &cube.Result{}, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	units []knowledge.Unit
}

func (r *recordingPublisher) Publish(ctx context.Context, unit knowledge.Unit) error {
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

func newTestPlanner(t *testing.T, client llm.Client, q cube.Querier) *Planner {
	return newTestPlannerWithPublisher(t, client, q, &recordingPublisher{})
}

func newTestPlannerWithPublisher(t *testing.T, client llm.Client, q cube.Querier, pub *recordingPublisher) *Planner {
	t.Helper()
	p, err := New(&Config{
		Logger:    newLogger(),
		LLM:       client,
		Querier:   q,
		Publisher: pub,
		Clock:     clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return p
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}
