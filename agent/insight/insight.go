// Package insight generates observations, anomalies and root-cause
// hypotheses from a query result.
package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
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

type Generator struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Generator{log: cfg.Logger, cfg: cfg}, nil
}

var bundleSchema = llm.SchemaFor[knowledge.InsightBundle]()

// Analyze asks the LLM for insights over the complete result set. Any failure
// yields an empty bundle. Empty results are not sent to the LLM.
func (g *Generator) Analyze(ctx context.Context, rs knowledge.ResultSet, measures, dimensions []string) knowledge.InsightBundle {
	return g.analyze(ctx, "", rs, measures, dimensions)
}

func (g *Generator) analyze(ctx context.Context, cube string, rs knowledge.ResultSet, measures, dimensions []string) knowledge.InsightBundle {
	if len(rs.Rows) == 0 {
		return emptyBundle()
	}

	response, err := g.cfg.LLM.Complete(ctx, g.cfg.Prompts.Insights, userPrompt(cube, rs, measures, dimensions),
		llm.WithCacheControl(),
		llm.WithResponseSchema(bundleSchema),
		llm.WithTemperature(0.2),
	)
	if err == nil {
		var bundle knowledge.InsightBundle
		if bundle, err = llm.Decode[knowledge.InsightBundle](response); err == nil {
			return normalize(bundle)
		}
	}

	g.log.Warn("insight: analysis failed, returning empty bundle", "error", err)
	metrics.LLMFallbacks.WithLabelValues("insights").Inc()
	return emptyBundle()
}

func emptyBundle() knowledge.InsightBundle {
	return knowledge.InsightBundle{
		Observations: []knowledge.Observation{},
		Anomalies:    []knowledge.Anomaly{},
		RootCauses:   []knowledge.RootCause{},
	}
}

// normalize drops blank entries, lowercases severities and clamps
// confidences to [0, 1].
func normalize(b knowledge.InsightBundle) knowledge.InsightBundle {
	out := emptyBundle()
	for _, o := range b.Observations {
		if strings.TrimSpace(o.Text) == "" {
			continue
		}
		o.Confidence = clamp(o.Confidence)
		out.Observations = append(out.Observations, o)
	}
	for _, a := range b.Anomalies {
		if strings.TrimSpace(a.Description) == "" && strings.TrimSpace(a.Entity) == "" {
			continue
		}
		a.Severity = knowledge.Severity(strings.ToLower(strings.TrimSpace(string(a.Severity))))
		out.Anomalies = append(out.Anomalies, a)
	}
	for _, rc := range b.RootCauses {
		if strings.TrimSpace(rc.Hypothesis) == "" {
			continue
		}
		rc.Confidence = clamp(rc.Confidence)
		out.RootCauses = append(out.RootCauses, rc)
	}
	return out
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

func userPrompt(cube string, rs knowledge.ResultSet, measures, dimensions []string) string {
	var sb strings.Builder
	sb.WriteString("Data Summary:\n")
	sb.WriteString(Summarize(rs, measures))
	sb.WriteString("\n\n")
	if cube != "" {
		fmt.Fprintf(&sb, "Cube Queried: %s\n", cube)
	}
	fmt.Fprintf(&sb, "Measures: %s\n", strings.Join(measures, ", "))
	fmt.Fprintf(&sb, "Dimensions: %s", strings.Join(dimensions, ", "))
	return sb.String()
}

// Summarize renders every row of rs and, for more than one row, per-measure
// statistics.
func Summarize(rs knowledge.ResultSet, measures []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Total rows: %d\n", len(rs.Rows))
	sb.WriteString("\n*** IMPORTANT: ONLY analyze the data shown below. DO NOT make up numbers or infer patterns not visible in this data. ***\n")
	sb.WriteString("\nCOMPLETE DATA (all rows):\n")
	for i, row := range rs.Rows {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, formatRow(row, rs.Columns))
	}

	if len(rs.Rows) > 1 {
		sb.WriteString("\nStatistics (calculated from above data):\n")
		for _, m := range measures {
			st, ok := stats(rs.Rows, m)
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "  %s:\n", m)
			fmt.Fprintf(&sb, "    Min: %.2f\n", st.min)
			fmt.Fprintf(&sb, "    Max: %.2f\n", st.max)
			fmt.Fprintf(&sb, "    Mean: %.2f\n", st.total/float64(st.n))
			fmt.Fprintf(&sb, "    Total: %.2f\n", st.total)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

type measureStats struct {
	min, max, total float64
	n               int
}

func stats(rows []knowledge.Row, measure string) (measureStats, bool) {
	st := measureStats{min: math.Inf(1), max: math.Inf(-1)}
	for _, row := range rows {
		v, ok := row.Lookup(measure)
		if !ok {
			continue
		}
		f, ok := knowledge.Float(v)
		if !ok {
			continue
		}
		st.min = math.Min(st.min, f)
		st.max = math.Max(st.max, f)
		st.total += f
		st.n++
	}
	return st, st.n > 0
}

// formatRow prints a row as "k: v, ..." in column order, followed by any
// keys not listed as columns in sorted order.
func formatRow(row knowledge.Row, columns []string) string {
	seen := make(map[string]bool, len(row))
	parts := make([]string, 0, len(row))
	for _, c := range columns {
		if v, ok := row[c]; ok {
			parts = append(parts, c+": "+knowledge.Text(v))
			seen[c] = true
		}
	}
	rest := make([]string, 0, len(row))
	for k := range row {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		parts = append(parts, k+": "+knowledge.Text(row[k]))
	}
	return strings.Join(parts, ", ")
}
