// Package prompts holds the system prompts used by the agents.
package prompts

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed *.md
var PromptsFS embed.FS

const (
	SchemaPlaceholder  = "{{SCHEMA}}"
	AliasesPlaceholder = "{{ALIASES}}"
)

// Prompts contains all the agent prompts loaded from embedded files.
type Prompts struct {
	Interpret   string // Query planner; carries schema and alias placeholders
	SelectChart string // Presentation selector
	Insights    string // Insight generator
	Narrative   string // Response composer narrative
	FollowUps   string // Response composer follow-up questions
}

// Load loads all prompts from the embedded filesystem.
func Load() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Interpret, err = loadPrompt("INTERPRET.md"); err != nil {
		return nil, fmt.Errorf("failed to load INTERPRET: %w", err)
	}
	if p.SelectChart, err = loadPrompt("SELECT_CHART.md"); err != nil {
		return nil, fmt.Errorf("failed to load SELECT_CHART: %w", err)
	}
	if p.Insights, err = loadPrompt("INSIGHTS.md"); err != nil {
		return nil, fmt.Errorf("failed to load INSIGHTS: %w", err)
	}
	if p.Narrative, err = loadPrompt("NARRATIVE.md"); err != nil {
		return nil, fmt.Errorf("failed to load NARRATIVE: %w", err)
	}
	if p.FollowUps, err = loadPrompt("FOLLOWUPS.md"); err != nil {
		return nil, fmt.Errorf("failed to load FOLLOWUPS: %w", err)
	}
	return p, nil
}

// MustLoad is Load for callers that cannot proceed without prompts.
func MustLoad() *Prompts {
	p, err := Load()
	if err != nil {
		panic(err)
	}
	return p
}

// WithCatalog injects the schema description and alias table into the
// interpret prompt.
func (p *Prompts) WithCatalog(schema, aliases string) string {
	out := strings.Replace(p.Interpret, SchemaPlaceholder, schema, 1)
	return strings.Replace(out, AliasesPlaceholder, aliases, 1)
}

func loadPrompt(path string) (string, error) {
	data, err := PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
