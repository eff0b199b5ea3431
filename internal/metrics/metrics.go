package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "auditlens_build_info",
		Help: "Build information of the auditlens service",
	}, []string{"version", "commit", "date"})

	// Knowledge bus.
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_bus_published_total", Help: "Knowledge units published, by kind.",
	}, []string{"kind"})
	BusDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_bus_deliveries_total", Help: "Handler deliveries by kind and result (ok, error, panic, dropped).",
	}, []string{"kind", "result"})
	BusHandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditlens_bus_handler_duration_seconds",
		Help:    "Duration of handler invocations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"handler"})

	// LLM calls.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_llm_calls_total", Help: "LLM completion calls by result.",
	}, []string{"result"})
	LLMCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditlens_llm_call_duration_seconds",
		Help:    "Duration of LLM completion calls.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	LLMFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_llm_fallbacks_total", Help: "Deterministic fallbacks taken after an LLM failure, by step.",
	}, []string{"step"})

	// Query planning and execution.
	PlannerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_planner_requests_total", Help: "Interpreted questions by outcome (accepted, rejected).",
	}, []string{"outcome"})
	PlannerDroppedNames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_planner_dropped_names_total", Help: "Unknown measure or dimension names dropped during validation.",
	}, []string{"kind"})
	QueryExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_query_executions_total", Help: "Query executions by result (ok, connection_error, query_error, internal_error).",
	}, []string{"result"})
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditlens_query_duration_seconds",
		Help:    "Duration of query service calls.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	QueryCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_query_cache_total", Help: "Query result cache lookups by result (hit, miss).",
	}, []string{"result"})

	// Presentation and insights.
	ChartsBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_charts_built_total", Help: "Charts built by archetype and selection source (llm, fallback, short_circuit).",
	}, []string{"archetype", "source"})
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_anomalies_detected_total", Help: "Anomalies reported by severity.",
	}, []string{"severity"})

	// Composition and correlation.
	ResponsesComposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_responses_composed_total", Help: "Final responses composed by outcome (rejected, error, llm, fallback).",
	}, []string{"outcome"})
	ComposerLateUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_composer_late_units_total", Help: "Units dropped because their session was already composed.",
	}, []string{"kind"})
	ComposerPendingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditlens_composer_pending_sessions", Help: "Sessions awaiting both chart and insights.",
	})

	// Mailbox.
	MailboxOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_mailbox_operations_total", Help: "Mailbox operations by op (put, take, miss, expired).",
	}, []string{"op"})
	JoinTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditlens_join_timeouts_total", Help: "Callers that gave up waiting for a final response.",
	})
	AskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditlens_ask_duration_seconds",
		Help:    "End-to-end duration of synchronous asks.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// Sinks.
	ForwardProduceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_forward_kafka_produce_outcomes_total", Help: "Units forwarded to Kafka by result.",
	}, []string{"kind", "result"})
	NotifyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_notify_slack_outcomes_total", Help: "Slack anomaly notifications by result.",
	}, []string{"result"})

	// MCP surface.
	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_mcp_tool_calls_total", Help: "Total number of tool calls",
	}, []string{"tool_name", "status"})
	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditlens_mcp_tool_call_duration_seconds",
		Help:    "Duration of tool calls",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tool_name"})
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_mcp_http_requests_total", Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})
	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditlens_mcp_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	})
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlens_mcp_auth_failures_total", Help: "Total number of authentication failures",
	}, []string{"reason"})
)
