package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditLens_Prompts_Load(t *testing.T) {
	t.Parallel()

	p, err := Load()
	require.NoError(t, err)
	for name, text := range map[string]string{
		"interpret":    p.Interpret,
		"select_chart": p.SelectChart,
		"insights":     p.Insights,
		"narrative":    p.Narrative,
		"follow_ups":   p.FollowUps,
	} {
		require.NotEmpty(t, text, name)
		require.Equal(t, strings.TrimSpace(text), text, name)
	}
	require.Contains(t, p.Insights, "ANTI-HALLUCINATION")
	require.Contains(t, p.FollowUps, `"follow_ups"`)
}

func TestAuditLens_Prompts_WithCatalog(t *testing.T) {
	t.Parallel()

	p := MustLoad()
	require.Contains(t, p.Interpret, SchemaPlaceholder)
	require.Contains(t, p.Interpret, AliasesPlaceholder)

	out := p.WithCatalog("Cube: RadiologyAudits", "- quality -> avgQualityScore")
	require.NotContains(t, out, SchemaPlaceholder)
	require.NotContains(t, out, AliasesPlaceholder)
	require.Contains(t, out, "Cube: RadiologyAudits")
	require.Contains(t, out, "- quality -> avgQualityScore")

	// The stored prompt is left untouched.
	require.Contains(t, p.Interpret, SchemaPlaceholder)
}

