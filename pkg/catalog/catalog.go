// Package catalog describes the queryable cube: its dimensions, measures and
// the free-text aliases the interpreter may use for them.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed radiology.yaml
var radiologyYAML []byte

// Member is one dimension or measure of the cube.
type Member struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Time        bool   `yaml:"time,omitempty"`
}

type catalogFile struct {
	Cube             string            `yaml:"cube"`
	Description      string            `yaml:"description"`
	Dimensions       []Member          `yaml:"dimensions"`
	Measures         []Member          `yaml:"measures"`
	MeasureAliases   map[string]string `yaml:"measure_aliases"`
	DimensionAliases map[string]string `yaml:"dimension_aliases"`
}

// Catalog resolves free-text metric and dimension names to canonical member
// names. It is immutable after construction and safe for concurrent use.
type Catalog struct {
	cube        string
	description string
	dimensions  []Member
	measures    []Member

	measureIndex   map[string]string
	dimensionIndex map[string]string
	timeDimensions map[string]bool
}

var (
	defaultCatalog     *Catalog
	defaultCatalogOnce sync.Once
	defaultCatalogErr  error
)

// Default returns the embedded radiology catalog. It's safe to call
// concurrently.
func Default() (*Catalog, error) {
	defaultCatalogOnce.Do(func() {
		defaultCatalog, defaultCatalogErr = Parse(radiologyYAML)
	})
	return defaultCatalog, defaultCatalogErr
}

// Load reads a catalog from path, or returns the embedded one when path is
// empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from its YAML form.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if f.Cube == "" {
		return nil, fmt.Errorf("catalog cube is required")
	}
	if len(f.Measures) == 0 {
		return nil, fmt.Errorf("catalog must define at least one measure")
	}

	c := &Catalog{
		cube:           f.Cube,
		description:    f.Description,
		dimensions:     f.Dimensions,
		measures:       f.Measures,
		measureIndex:   make(map[string]string, len(f.Measures)+len(f.MeasureAliases)),
		dimensionIndex: make(map[string]string, len(f.Dimensions)+len(f.DimensionAliases)),
		timeDimensions: make(map[string]bool),
	}
	for _, m := range f.Measures {
		c.measureIndex[m.Name] = m.Name
	}
	for _, d := range f.Dimensions {
		c.dimensionIndex[d.Name] = d.Name
		if d.Time {
			c.timeDimensions[d.Name] = true
		}
	}
	for alias, target := range f.MeasureAliases {
		if _, ok := c.measureIndex[target]; !ok {
			return nil, fmt.Errorf("measure alias %q targets unknown measure %q", alias, target)
		}
		c.measureIndex[alias] = target
	}
	for alias, target := range f.DimensionAliases {
		if _, ok := c.dimensionIndex[target]; !ok {
			return nil, fmt.Errorf("dimension alias %q targets unknown dimension %q", alias, target)
		}
		c.dimensionIndex[alias] = target
	}
	return c, nil
}

// Cube returns the cube name.
func (c *Catalog) Cube() string { return c.cube }

func (c *Catalog) Dimensions() []Member { return c.dimensions }

func (c *Catalog) Measures() []Member { return c.measures }

// ResolveMeasure maps a free-text metric name to its canonical measure name.
func (c *Catalog) ResolveMeasure(name string) (string, bool) {
	return c.resolve(c.measureIndex, name)
}

// ResolveDimension maps a free-text grouping or filter field to its canonical
// dimension name.
func (c *Catalog) ResolveDimension(name string) (string, bool) {
	return c.resolve(c.dimensionIndex, name)
}

func (c *Catalog) resolve(index map[string]string, name string) (string, bool) {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, c.cube+".")
	if canonical, ok := index[name]; ok {
		return canonical, true
	}
	canonical, ok := index[strings.ToLower(name)]
	return canonical, ok
}

// IsTimeDimension reports whether the canonical dimension is a timestamp.
func (c *Catalog) IsTimeDimension(name string) bool {
	return c.timeDimensions[name]
}

// DefaultTimeDimension returns the first time dimension in catalog order, or
// "" when the cube has none.
func (c *Catalog) DefaultTimeDimension() string {
	for _, d := range c.dimensions {
		if d.Time {
			return d.Name
		}
	}
	return ""
}

// Member returns the fully qualified member name, e.g. RadiologyAudits.count.
func (c *Catalog) Member(name string) string {
	return c.cube + "." + name
}

// SchemaPrompt renders the cube description for inclusion in an LLM prompt.
func (c *Catalog) SchemaPrompt() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Available Data Schema:\n\nCube: %s (%s)\n\nDimensions (group by / filter):\n", c.cube, c.description)
	for _, d := range c.dimensions {
		fmt.Fprintf(&sb, "- %s: %s", d.Name, d.Description)
		if d.Time {
			sb.WriteString(" (time dimension)")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nMeasures (metrics to calculate):\n")
	for _, m := range c.measures {
		fmt.Fprintf(&sb, "- %s: %s\n", m.Name, m.Description)
	}
	return sb.String()
}

// AliasPrompt renders the alias tables, sorted for stable prompts.
func (c *Catalog) AliasPrompt() string {
	var sb strings.Builder
	sb.WriteString("Metric aliases:\n")
	writeAliases(&sb, c.measureIndex)
	sb.WriteString("\nDimension aliases:\n")
	writeAliases(&sb, c.dimensionIndex)
	return sb.String()
}

func writeAliases(sb *strings.Builder, index map[string]string) {
	aliases := make([]string, 0, len(index))
	for alias, target := range index {
		if alias != target {
			aliases = append(aliases, alias)
		}
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		fmt.Fprintf(sb, "- %s -> %s\n", alias, index[alias])
	}
}
