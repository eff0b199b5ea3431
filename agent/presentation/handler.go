package presentation

import (
	"context"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/bus"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

// Register subscribes the selector to data-ready units.
func (s *Selector) Register(sub bus.Subscriber) {
	sub.Subscribe(knowledge.KindDataReady, "presentation.chart", bus.On(s.HandleDataReady))
}

// HandleDataReady builds and publishes the chart for a session. Rejected and
// failed queries get an empty chart without an LLM call.
func (s *Selector) HandleDataReady(ctx context.Context, data knowledge.DataReady) error {
	measures := data.Query.Measures
	dimensions := data.Query.GroupBy()
	out := knowledge.ChartReady{
		Header:          knowledge.NewHeader(data.SessionID, s.cfg.Clock.Now()),
		Metrics:         measures,
		Dimensions:      dimensions,
		Rejected:        data.Rejected,
		RejectionReason: data.RejectionReason,
		ErrorType:       data.ErrorType,
	}

	switch {
	case data.Rejected || data.Failed():
		out.Chart = EmptySpec(MessageNoData)
		metrics.ChartsBuilt.WithLabelValues(string(knowledge.ArchetypeEmpty), sourceShortCircuit).Inc()
	default:
		shape := data.Result.Shape
		archetype, source := s.selectChartType(ctx, data.Result, measures, dimensions, shape)
		out.Chart = s.buildSpec(data.Result, measures, dimensions, archetype, shape)
		metrics.ChartsBuilt.WithLabelValues(string(out.Chart.Type), source).Inc()
		s.log.Info("presentation: chart built", "session", data.SessionID, "archetype", out.Chart.Type, "source", source, "rows", shape.RowCount)
	}

	return s.cfg.Publisher.Publish(ctx, out)
}

// buildSpec is BuildSpec with a placeholder chart if spec generation panics.
func (s *Selector) buildSpec(rs knowledge.ResultSet, measures, dimensions []string, a knowledge.Archetype, shape knowledge.Shape) (spec knowledge.ChartSpec) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("presentation: chart spec generation panicked", "archetype", a, "panic", r)
			spec = EmptySpec(MessageChartFailed)
		}
	}()
	return BuildSpec(rs, measures, dimensions, a, shape)
}
