package insight

import (
	"context"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/bus"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

// Register subscribes the generator to data-ready units.
func (g *Generator) Register(s bus.Subscriber) {
	s.Subscribe(knowledge.KindDataReady, "insight.analyze", bus.On(g.HandleDataReady))
}

// HandleDataReady analyzes the result and publishes insights-ready. Each
// critical anomaly is also published on its own as anomaly-detected; a failed
// anomaly publish never holds back insights-ready.
func (g *Generator) HandleDataReady(ctx context.Context, data knowledge.DataReady) error {
	header := knowledge.NewHeader(data.SessionID, g.cfg.Clock.Now())
	measures := data.Query.Measures
	dimensions := data.Query.GroupBy()
	out := knowledge.InsightsReady{
		Header:          header,
		Metrics:         measures,
		Dimensions:      dimensions,
		Rejected:        data.Rejected,
		RejectionReason: data.RejectionReason,
		ErrorType:       data.ErrorType,
	}

	if data.Rejected || data.Failed() {
		g.log.Info("insight: skipping analysis", "session", data.SessionID, "rejected", data.Rejected, "errorType", data.ErrorType)
		out.Insights = emptyBundle()
		return g.cfg.Publisher.Publish(ctx, out)
	}

	out.Insights = g.analyze(ctx, data.Query.Cube, data.Result, measures, dimensions)
	for _, a := range out.Insights.Anomalies {
		metrics.AnomaliesDetected.WithLabelValues(string(a.Severity)).Inc()
	}
	for _, a := range out.Insights.Critical() {
		g.log.Warn("insight: critical anomaly detected", "session", data.SessionID, "entity", a.Entity, "metric", a.Metric)
		if err := g.cfg.Publisher.Publish(ctx, knowledge.AnomalyDetected{Header: header, Anomaly: a}); err != nil {
			g.log.Error("insight: failed to publish anomaly_detected", "session", data.SessionID, "entity", a.Entity, "error", err)
		}
	}

	g.log.Info("insight: analysis complete",
		"session", data.SessionID,
		"observations", len(out.Insights.Observations),
		"anomalies", len(out.Insights.Anomalies),
		"rootCauses", len(out.Insights.RootCauses),
	)
	return g.cfg.Publisher.Publish(ctx, out)
}
