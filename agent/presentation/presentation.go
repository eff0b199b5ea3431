// Package presentation picks a chart archetype for a result set and builds
// its chart specification.
package presentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/auditlens/agent/prompts"
	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/bus"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
	"github.com/malbeclabs/auditlens/pkg/llm"
)

type Config struct {
	Logger    *slog.Logger
	LLM       llm.Client
	Publisher bus.Publisher

	// Optional with defaults.
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
	if c.Publisher == nil {
		return errors.New("publisher is required")
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

type Selector struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Selector{log: cfg.Logger, cfg: cfg}, nil
}

type chartChoice struct {
	ChartType string `json:"chart_type"`
	Reasoning string `json:"reasoning,omitempty"`
}

var chartChoiceSchema = llm.SchemaFor[chartChoice]()

const (
	sourceLLM          = "llm"
	sourceFallback     = "fallback"
	sourceShortCircuit = "short_circuit"
)

// SelectChartType picks the archetype for rs. Empty results never reach the
// LLM. The LLM only sees the shape summary and at most two sample rows.
func (s *Selector) SelectChartType(ctx context.Context, rs knowledge.ResultSet, measures, dimensions []string, shape knowledge.Shape) knowledge.Archetype {
	a, _ := s.selectChartType(ctx, rs, measures, dimensions, shape)
	return a
}

func (s *Selector) selectChartType(ctx context.Context, rs knowledge.ResultSet, measures, dimensions []string, shape knowledge.Shape) (knowledge.Archetype, string) {
	if shape.RowCount == 0 || len(rs.Rows) == 0 {
		return knowledge.ArchetypeEmpty, sourceShortCircuit
	}

	response, err := s.cfg.LLM.Complete(ctx, s.cfg.Prompts.SelectChart, summarize(rs.Rows, measures, dimensions, shape),
		llm.WithCacheControl(),
		llm.WithResponseSchema(chartChoiceSchema),
		llm.WithTemperature(0.2),
	)
	if err == nil {
		var choice chartChoice
		if choice, err = llm.Decode[chartChoice](response); err == nil {
			a := knowledge.Archetype(strings.ToLower(strings.TrimSpace(choice.ChartType)))
			if a.Selectable() {
				s.log.Debug("presentation: chart type selected", "archetype", a, "reasoning", choice.Reasoning)
				return fitArchetype(a, shape.RowCount, dimensions), sourceLLM
			}
			err = fmt.Errorf("%w: unknown chart type %q", llm.ErrService, choice.ChartType)
		}
	}

	s.log.Warn("presentation: chart selection failed, using fallback", "error", err)
	metrics.LLMFallbacks.WithLabelValues("select_chart").Inc()
	return fitArchetype(FallbackArchetype(shape.RowCount), shape.RowCount, dimensions), sourceFallback
}

// FallbackArchetype is the row-count heuristic used when the LLM cannot pick.
func FallbackArchetype(rowCount int) knowledge.Archetype {
	switch {
	case rowCount == 0:
		return knowledge.ArchetypeEmpty
	case rowCount == 1:
		return knowledge.ArchetypeKPI
	case rowCount <= 10:
		return knowledge.ArchetypeBar
	default:
		return knowledge.ArchetypeTable
	}
}

// fitArchetype degrades archetypes the data cannot fill: grouped bars need
// two dimensions and category charts need at least one.
func fitArchetype(a knowledge.Archetype, rowCount int, dimensions []string) knowledge.Archetype {
	if rowCount == 0 {
		return knowledge.ArchetypeEmpty
	}
	if a == knowledge.ArchetypeGroupedBar && len(dimensions) < 2 {
		a = knowledge.ArchetypeBar
	}
	switch a {
	case knowledge.ArchetypeBar, knowledge.ArchetypeGroupedBar, knowledge.ArchetypeDonut, knowledge.ArchetypeLine:
		if len(dimensions) == 0 {
			if rowCount == 1 {
				return knowledge.ArchetypeKPI
			}
			return knowledge.ArchetypeTable
		}
	}
	return a
}

// summarize renders the shape fingerprint shown to the LLM.
func summarize(rows []knowledge.Row, measures, dimensions []string, shape knowledge.Shape) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rows: %d, Columns: %d\n", shape.RowCount, shape.ColumnCount)
	fmt.Fprintf(&sb, "Measures: %s\n", strings.Join(measures, ", "))
	if len(dimensions) > 0 {
		fmt.Fprintf(&sb, "Dimensions: %s\n", strings.Join(dimensions, ", "))
	} else {
		sb.WriteString("Dimensions: None\n")
	}
	fmt.Fprintf(&sb, "Time series: %s\n", yesNo(shape.HasTimeSeries))
	fmt.Fprintf(&sb, "Multi-dimensional: %s\n", yesNo(shape.HasMultipleDimensions))
	for _, dim := range dimensions {
		if n, ok := shape.DimensionCardinality[dim]; ok {
			fmt.Fprintf(&sb, "Distinct %s values: %d\n", dim, n)
		}
	}
	if len(measures) > 0 && strings.Contains(strings.ToLower(measures[0]), "score") {
		sb.WriteString("Metric appears to be a score (0-100).\n")
	}
	if len(dimensions) > 0 && strings.Contains(strings.ToLower(dimensions[0]), "gender") {
		sb.WriteString("Dimension matches gender.\n")
	}

	if len(rows) > 0 {
		fmt.Fprintf(&sb, "\nSample row: %s\n", encodeRow(rows[0]))
		if len(rows) > 1 {
			fmt.Fprintf(&sb, "Last row: %s\n", encodeRow(rows[len(rows)-1]))
		}
	}
	return strings.TrimSpace(sb.String())
}

func encodeRow(r knowledge.Row) string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprint(map[string]any(r))
	}
	return string(b)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
