// Package knowledge defines the typed units exchanged on the knowledge bus and
// the data model they carry. Every unit kind is its own struct; consumers
// switch on the concrete type rather than inspecting a discriminator string.
package knowledge

import (
	"time"
)

// Kind identifies the type of a knowledge unit.
type Kind string

const (
	KindUserQuery             Kind = "user_query"
	KindDomainEnrichedRequest Kind = "domain_enriched_request"
	KindDataReady             Kind = "data_ready"
	KindChartReady            Kind = "chart_ready"
	KindInsightsReady         Kind = "insights_ready"
	KindFinalResponseReady    Kind = "final_response_ready"
	KindQueryRefinementNeeded Kind = "query_refinement_needed"
	KindAnomalyDetected       Kind = "anomaly_detected"
	KindQueryExecutionError   Kind = "query_execution_error"
)

// Unit is an immutable message published on the knowledge bus. The set of
// implementations is closed to this package.
type Unit interface {
	Kind() Kind
	Session() string
	unit()
}

// Header carries the fields shared by every unit.
type Header struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHeader returns a header for the given session stamped with now.
func NewHeader(sessionID string, now time.Time) Header {
	return Header{SessionID: sessionID, Timestamp: now.UTC()}
}

func (h Header) Session() string { return h.SessionID }

func (Header) unit() {}

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of prior conversation passed along with a question.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserQuery is published when a user asks a question.
type UserQuery struct {
	Header
	Message string `json:"message"`
	Context []Turn `json:"context,omitempty"`
}

func (UserQuery) Kind() Kind { return KindUserQuery }

// DomainEnrichedRequest is the planner's interpretation of a user query.
type DomainEnrichedRequest struct {
	Header
	Intent          string     `json:"user_intent"`
	Query           Descriptor `json:"query"`
	Rejected        bool       `json:"is_rejected"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

func (DomainEnrichedRequest) Kind() Kind { return KindDomainEnrichedRequest }

// DataReady carries an executed (or synthesized empty) result set. It is
// always published for a planned question, even when execution failed.
type DataReady struct {
	Header
	Query           Descriptor    `json:"query"`
	Result          ResultSet     `json:"result"`
	QueryTime       time.Duration `json:"query_time_ns"`
	Rejected        bool          `json:"is_rejected"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	Error           string        `json:"error,omitempty"`
	ErrorType       ErrorType     `json:"error_type,omitempty"`
}

func (DataReady) Kind() Kind { return KindDataReady }

// Failed reports whether the result is an error placeholder.
func (d DataReady) Failed() bool { return d.Error != "" }

// ChartReady carries the chart built for a session.
type ChartReady struct {
	Header
	Chart           ChartSpec `json:"chart_spec"`
	Metrics         []string  `json:"metrics,omitempty"`
	Dimensions      []string  `json:"dimensions,omitempty"`
	Rejected        bool      `json:"is_rejected"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	// ErrorType is set when the chart stands in for a failed query.
	ErrorType       ErrorType `json:"error_type,omitempty"`
}

func (ChartReady) Kind() Kind { return KindChartReady }

// InsightsReady carries the insight bundle generated for a session.
type InsightsReady struct {
	Header
	Insights        InsightBundle `json:"insights"`
	Metrics         []string      `json:"metrics,omitempty"`
	Dimensions      []string      `json:"dimensions,omitempty"`
	Rejected        bool          `json:"is_rejected"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	// ErrorType is set when analysis was skipped because the query failed.
	ErrorType       ErrorType     `json:"error_type,omitempty"`
}

func (InsightsReady) Kind() Kind { return KindInsightsReady }

// FinalResponseReady carries the composed answer for a session.
type FinalResponseReady struct {
	Header
	Response FinalResponse `json:"response"`
}

func (FinalResponseReady) Kind() Kind { return KindFinalResponseReady }

// QueryRefinementNeeded signals that a result set should be narrowed.
type QueryRefinementNeeded struct {
	Header
	Reason              string `json:"reason"`
	CurrentRowCount     int    `json:"current_row_count"`
	SuggestedRefinement string `json:"suggested_refinement"`
}

func (QueryRefinementNeeded) Kind() Kind { return KindQueryRefinementNeeded }

// AnomalyDetected is the high-urgency signal raised for critical anomalies.
type AnomalyDetected struct {
	Header
	Anomaly Anomaly `json:"anomaly"`
}

func (AnomalyDetected) Kind() Kind { return KindAnomalyDetected }

// QueryExecutionError reports a failed query execution.
type QueryExecutionError struct {
	Header
	Error     string    `json:"error"`
	ErrorType ErrorType `json:"error_type"`
}

func (QueryExecutionError) Kind() Kind { return KindQueryExecutionError }
