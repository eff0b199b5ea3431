package knowledge

import "time"

// ObservationType classifies an observation.
type ObservationType string

const (
	ObservationComparative ObservationType = "comparative"
	ObservationPattern     ObservationType = "pattern"
	ObservationTrend       ObservationType = "trend"
	ObservationSummary     ObservationType = "summary"
)

// Severity ranks an anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Observation is a statement about the data with the figures it cites.
type Observation struct {
	Type       ObservationType `json:"type"`
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	DataPoints map[string]any  `json:"data_points,omitempty"`
}

// Anomaly is an unusual value for an entity and metric.
type Anomaly struct {
	Entity      string   `json:"entity"`
	Metric      string   `json:"metric"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// RootCause is a hypothesis explaining observed patterns.
type RootCause struct {
	Hypothesis        string   `json:"hypothesis"`
	Confidence        float64  `json:"confidence"`
	Evidence          []string `json:"evidence"`
	RecommendedAction string   `json:"recommended_action"`
}

// InsightBundle is the output of insight generation. All lists may be empty;
// an empty bundle is a valid result.
type InsightBundle struct {
	Observations []Observation `json:"observations"`
	Anomalies    []Anomaly     `json:"anomalies"`
	RootCauses   []RootCause   `json:"root_causes"`
}

// Empty reports whether the bundle has no content.
func (b InsightBundle) Empty() bool {
	return len(b.Observations) == 0 && len(b.Anomalies) == 0 && len(b.RootCauses) == 0
}

// Critical returns the anomalies with critical severity.
func (b InsightBundle) Critical() []Anomaly {
	var out []Anomaly
	for _, a := range b.Anomalies {
		if a.Severity == SeverityCritical {
			out = append(out, a)
		}
	}
	return out
}

// FinalResponse is the composed answer handed back to the caller. Chart is
// nil for rejected questions.
type FinalResponse struct {
	SessionID string     `json:"session_id"`
	Narrative string     `json:"narrative"`
	Chart     *ChartSpec `json:"chart_spec"`
	FollowUps []string   `json:"follow_ups"`
	Rejected  bool       `json:"is_rejected,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
