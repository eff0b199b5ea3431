// Package planner turns natural-language questions into validated query
// descriptors and executes them against the query service.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/auditlens/agent/prompts"
	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/bus"
	"github.com/malbeclabs/auditlens/pkg/catalog"
	"github.com/malbeclabs/auditlens/pkg/cube"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
	"github.com/malbeclabs/auditlens/pkg/llm"
)

const (
	defaultMetric = "count"

	// Number of earlier turns included in the interpret prompt.
	maxContextTurns      = 5
	maxContextTurnLength = 500
)

var granularities = map[string]bool{"day": true, "week": true, "month": true, "year": true}

type Config struct {
	Logger    *slog.Logger
	LLM       llm.Client
	Querier   cube.Querier
	Publisher bus.Publisher

	// Optional with defaults.
	Catalog *catalog.Catalog
	Prompts *prompts.Prompts
	Clock   clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.Querier == nil {
		return errors.New("querier is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.Catalog == nil {
		cat, err := catalog.Default()
		if err != nil {
			return fmt.Errorf("failed to load default catalog: %w", err)
		}
		c.Catalog = cat
	}
	if c.Prompts == nil {
		p, err := prompts.Load()
		if err != nil {
			return err
		}
		c.Prompts = p
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Interpretation is what the planner understood of a question beyond the
// descriptor itself.
type Interpretation struct {
	Intent          string
	Rejected        bool
	RejectionReason string
	// Fallback is set when the LLM call or its parsing failed and the
	// default count descriptor was used.
	Fallback bool
}

type Planner struct {
	log    *slog.Logger
	cfg    *Config
	system string
}

func New(cfg *Config) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Planner{
		log:    cfg.Logger,
		cfg:    cfg,
		system: cfg.Prompts.WithCatalog(cfg.Catalog.SchemaPrompt(), cfg.Catalog.AliasPrompt()),
	}, nil
}

// interpretResponse is the JSON document the LLM is asked to produce.
type interpretResponse struct {
	IsRejected      bool                 `json:"is_rejected"`
	RejectionReason string               `json:"rejection_reason,omitempty"`
	Intent          string               `json:"intent,omitempty"`
	Metrics         []string             `json:"metrics"`
	Dimensions      []string             `json:"dimensions"`
	Filters         map[string]any       `json:"filters,omitempty"`
	TimeRange       *knowledge.TimeRange `json:"time_range,omitempty"`
}

var interpretSchema = llm.SchemaFor[interpretResponse]()

// Interpret asks the LLM to map message onto the catalog and validates the
// answer. It never fails: on LLM or parse errors it returns a plain count
// descriptor that is not rejected.
func (p *Planner) Interpret(ctx context.Context, message string, history []knowledge.Turn) (knowledge.Descriptor, Interpretation) {
	response, err := p.cfg.LLM.Complete(ctx, p.system, formatUserPrompt(message, history),
		llm.WithCacheControl(),
		llm.WithResponseSchema(interpretSchema),
		llm.WithTemperature(0.2),
	)
	if err == nil {
		var parsed interpretResponse
		if parsed, err = llm.Decode[interpretResponse](response); err == nil {
			return p.validate(parsed)
		}
	}

	p.log.Warn("planner: interpretation failed, using count fallback", "error", err)
	metrics.LLMFallbacks.WithLabelValues("interpret").Inc()
	metrics.PlannerRequests.WithLabelValues("accepted").Inc()
	return p.fallbackDescriptor(), Interpretation{Intent: message, Fallback: true}
}

func (p *Planner) fallbackDescriptor() knowledge.Descriptor {
	return knowledge.Descriptor{
		Cube:     p.cfg.Catalog.Cube(),
		Measures: []string{defaultMetric},
		Limit:    cube.DefaultLimit,
	}
}

// validate resolves every name in r through the catalog. Unknown names are
// dropped with a warning.
func (p *Planner) validate(r interpretResponse) (knowledge.Descriptor, Interpretation) {
	in := Interpretation{
		Intent:          strings.TrimSpace(r.Intent),
		Rejected:        r.IsRejected,
		RejectionReason: strings.TrimSpace(r.RejectionReason),
	}
	d := p.fallbackDescriptor()
	if r.IsRejected {
		metrics.PlannerRequests.WithLabelValues("rejected").Inc()
		return d, in
	}
	metrics.PlannerRequests.WithLabelValues("accepted").Inc()

	cat := p.cfg.Catalog
	d.Measures = p.resolveAll("measure", r.Metrics, cat.ResolveMeasure)
	if len(d.Measures) == 0 {
		d.Measures = []string{defaultMetric}
	}
	d.Dimensions = p.resolveAll("dimension", r.Dimensions, cat.ResolveDimension)
	d.Filters = p.buildFilters(r.Filters)
	d.TimeRange = p.buildTimeRange(r.TimeRange)
	return d, in
}

func (p *Planner) resolveAll(kind string, names []string, resolve func(string) (string, bool)) []string {
	var out []string
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		canonical, ok := resolve(name)
		if !ok {
			p.dropped(kind, name)
			continue
		}
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, canonical)
	}
	return out
}

// buildFilters converts the LLM's filter map into query filters. A value may
// be {operator, value}, a list (any of) or a scalar (exact match).
func (p *Planner) buildFilters(raw map[string]any) []knowledge.Filter {
	fields := make([]string, 0, len(raw))
	for field := range raw {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var filters []knowledge.Filter
	for _, field := range fields {
		dim, ok := p.cfg.Catalog.ResolveDimension(field)
		if !ok {
			p.dropped("filter", field)
			continue
		}

		op := knowledge.OperatorEquals
		value := raw[field]
		if spec, ok := value.(map[string]any); ok {
			op = knowledge.Operator(knowledge.Text(spec["operator"]))
			if !op.Valid() {
				p.log.Warn("planner: unknown filter operator, using equals", "field", dim, "operator", op)
				op = knowledge.OperatorEquals
			}
			value = spec["value"]
			if value == nil {
				value = spec["values"]
			}
		}

		values := filterValues(value)
		if len(values) == 0 {
			p.dropped("filter", field)
			continue
		}
		filters = append(filters, knowledge.Filter{Field: dim, Operator: op, Values: values})
	}
	return filters
}

func filterValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			out = append(out, knowledge.Text(item))
		}
		return out
	default:
		return []string{knowledge.Text(t)}
	}
}

// buildTimeRange keeps a time range only when it names a period. A missing or
// non-time dimension falls back to the catalog's default time dimension.
func (p *Planner) buildTimeRange(tr *knowledge.TimeRange) *knowledge.TimeRange {
	if tr == nil {
		return nil
	}
	cat := p.cfg.Catalog
	out := &knowledge.TimeRange{
		Start:       strings.TrimSpace(tr.Start),
		End:         strings.TrimSpace(tr.End),
		Granularity: strings.ToLower(strings.TrimSpace(tr.Granularity)),
	}
	if dim, ok := cat.ResolveDimension(tr.Dimension); ok && cat.IsTimeDimension(dim) {
		out.Dimension = dim
	} else {
		out.Dimension = cat.DefaultTimeDimension()
	}
	if out.Granularity != "" && !granularities[out.Granularity] {
		p.log.Warn("planner: unsupported granularity dropped", "granularity", out.Granularity)
		out.Granularity = ""
	}
	if (out.Start == "") != (out.End == "") {
		p.log.Warn("planner: open-ended time range dropped", "start", out.Start, "end", out.End)
		out.Start, out.End = "", ""
	}
	if out.Dimension == "" || (out.Start == "" && out.Granularity == "") {
		p.dropped("time_range", tr.Dimension)
		return nil
	}
	return out
}

func (p *Planner) dropped(kind, name string) {
	metrics.PlannerDroppedNames.WithLabelValues(kind).Inc()
	p.log.Warn("planner: dropping unknown name", "kind", kind, "name", name)
}

func formatUserPrompt(message string, history []knowledge.Turn) string {
	var sb strings.Builder
	if len(history) > maxContextTurns {
		history = history[len(history)-maxContextTurns:]
	}
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, turn := range history {
			fmt.Fprintf(&sb, "%s: %s\n", turn.Role, llm.Truncate(turn.Content, maxContextTurnLength))
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "User question: %q", message)
	return sb.String()
}
