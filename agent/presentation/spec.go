package presentation

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

const (
	MessageNoData      = "No data available for this query"
	MessageChartFailed = "Chart generation failed"

	tablePageSize   = 10
	lineBorderColor = "rgba(75, 192, 192, 1)"
	barAlpha        = "0.8"
	groupedAlpha    = "0.7"
)

var palette = [12]string{
	"255, 99, 132",
	"54, 162, 235",
	"255, 206, 86",
	"75, 192, 192",
	"153, 102, 255",
	"255, 159, 64",
	"46, 204, 113",
	"142, 68, 173",
	"241, 196, 15",
	"231, 76, 60",
	"52, 73, 94",
	"26, 188, 156",
}

func color(i int, alpha string) string {
	return "rgba(" + palette[i%len(palette)] + ", " + alpha + ")"
}

// BuildSpec turns rs into a chart specification. It is pure: identical
// inputs produce identical specs. Values that are missing or not numeric
// are drawn as 0.
func BuildSpec(rs knowledge.ResultSet, measures, dimensions []string, archetype knowledge.Archetype, shape knowledge.Shape) knowledge.ChartSpec {
	rowCount := len(rs.Rows)
	if archetype == knowledge.ArchetypeEmpty || rowCount == 0 || len(measures) == 0 {
		return EmptySpec(MessageNoData)
	}

	switch fitArchetype(archetype, rowCount, dimensions) {
	case knowledge.ArchetypeKPI:
		return kpiSpec(rs.Rows, measures)
	case knowledge.ArchetypeBar:
		return barSpec(rs.Rows, measures, dimensions)
	case knowledge.ArchetypeGroupedBar:
		return groupedBarSpec(rs.Rows, measures, dimensions)
	case knowledge.ArchetypeLine:
		return lineSpec(rs.Rows, measures, dimensions)
	case knowledge.ArchetypeDonut:
		return donutSpec(rs.Rows, measures, dimensions)
	default:
		return tableSpec(rs.Rows, measures, dimensions)
	}
}

// EmptySpec is the placeholder chart for results with nothing to draw.
func EmptySpec(message string) knowledge.ChartSpec {
	return knowledge.ChartSpec{Type: knowledge.ArchetypeEmpty, Message: message}
}

func kpiSpec(rows []knowledge.Row, measures []string) knowledge.ChartSpec {
	m := measures[0]
	label := MeasureLabel(m)
	return knowledge.ChartSpec{
		Type:  knowledge.ArchetypeKPI,
		Title: label,
		KPI: &knowledge.KPI{
			Value:  number(rows[0], m),
			Label:  label,
			Format: FormatFor(m),
		},
	}
}

func barSpec(rows []knowledge.Row, measures, dimensions []string) knowledge.ChartSpec {
	labels, values := series(rows, dimensions[0], measures[0])
	backgrounds := make([]string, len(values))
	borders := make([]string, len(values))
	for i := range values {
		backgrounds[i] = color(i, barAlpha)
		borders[i] = color(i, "1")
	}

	m, d := MeasureLabel(measures[0]), DimensionLabel(dimensions[0])
	return knowledge.ChartSpec{
		Type:  knowledge.ArchetypeBar,
		Title: m + " by " + d,
		Data: &knowledge.SeriesData{
			Labels: labels,
			Datasets: []knowledge.Dataset{{
				Label:            m,
				Values:           values,
				BackgroundColors: backgrounds,
				BorderColors:     borders,
			}},
		},
		Axes: &knowledge.Axes{X: d, Y: m, BeginAtZero: true},
	}
}

func donutSpec(rows []knowledge.Row, measures, dimensions []string) knowledge.ChartSpec {
	labels, values := series(rows, dimensions[0], measures[0])
	backgrounds := make([]string, len(values))
	for i := range values {
		backgrounds[i] = color(i, barAlpha)
	}

	m, d := MeasureLabel(measures[0]), DimensionLabel(dimensions[0])
	return knowledge.ChartSpec{
		Type:  knowledge.ArchetypeDonut,
		Title: m + " by " + d,
		Data: &knowledge.SeriesData{
			Labels: labels,
			Datasets: []knowledge.Dataset{{
				Label:            m,
				Values:           values,
				BackgroundColors: backgrounds,
			}},
		},
		Axes: &knowledge.Axes{Legend: true, LegendPosition: "right"},
	}
}

// groupedBarSpec builds one dataset per distinct secondary value. Labels and
// datasets are sorted; missing (primary, secondary) pairs are drawn as 0.
func groupedBarSpec(rows []knowledge.Row, measures, dimensions []string) knowledge.ChartSpec {
	primary, secondary, measure := dimensions[0], dimensions[1], measures[0]

	cells := make(map[string]map[string]float64)
	groups := make(map[string]struct{})
	for _, row := range rows {
		x := text(row, primary)
		g := text(row, secondary)
		if cells[x] == nil {
			cells[x] = make(map[string]float64)
		}
		cells[x][g] = number(row, measure)
		groups[g] = struct{}{}
	}

	labels := sortedKeys(cells)
	groupNames := sortedKeys(groups)
	datasets := make([]knowledge.Dataset, 0, len(groupNames))
	for i, g := range groupNames {
		values := make([]float64, len(labels))
		for j, x := range labels {
			values[j] = cells[x][g]
		}
		datasets = append(datasets, knowledge.Dataset{
			Label:  g,
			Values: values,
			Color:  color(i, groupedAlpha),
		})
	}

	m := MeasureLabel(measure)
	d1, d2 := DimensionLabel(primary), DimensionLabel(secondary)
	return knowledge.ChartSpec{
		Type:  knowledge.ArchetypeGroupedBar,
		Title: fmt.Sprintf("%s by %s and %s", m, d1, d2),
		Data:  &knowledge.SeriesData{Labels: labels, Datasets: datasets},
		Axes:  &knowledge.Axes{X: d1, Y: m, Legend: true, LegendPosition: "top", BeginAtZero: true},
	}
}

// lineSpec plots the first measure against the first dimension, which is the
// bucketed time dimension for time series.
func lineSpec(rows []knowledge.Row, measures, dimensions []string) knowledge.ChartSpec {
	labels, values := series(rows, dimensions[0], measures[0])
	m := MeasureLabel(measures[0])
	return knowledge.ChartSpec{
		Type:  knowledge.ArchetypeLine,
		Title: m + " over Time",
		Data: &knowledge.SeriesData{
			Labels: labels,
			Datasets: []knowledge.Dataset{{
				Label:  m,
				Values: values,
				Color:  lineBorderColor,
				Fill:   true,
			}},
		},
		Axes: &knowledge.Axes{X: "Time", Y: m, BeginAtZero: true},
	}
}

func tableSpec(rows []knowledge.Row, measures, dimensions []string) knowledge.ChartSpec {
	columns := make([]knowledge.TableColumn, 0, len(dimensions)+len(measures))
	for _, d := range dimensions {
		columns = append(columns, knowledge.TableColumn{Key: shortName(d), Label: DimensionLabel(d)})
	}
	for _, m := range measures {
		columns = append(columns, knowledge.TableColumn{Key: shortName(m), Label: MeasureLabel(m)})
	}

	title := MeasureLabel(measures[0])
	if len(dimensions) > 0 {
		title += " by " + DimensionLabel(dimensions[0])
	}
	return knowledge.ChartSpec{
		Type:  knowledge.ArchetypeTable,
		Title: title,
		Table: &knowledge.Table{
			Columns:  columns,
			Rows:     rows,
			Sortable: true,
			PageSize: tablePageSize,
		},
	}
}

func series(rows []knowledge.Row, dimension, measure string) ([]string, []float64) {
	labels := make([]string, len(rows))
	values := make([]float64, len(rows))
	for i, row := range rows {
		labels[i] = text(row, dimension)
		values[i] = number(row, measure)
	}
	return labels, values
}

func text(row knowledge.Row, column string) string {
	v, _ := row.Lookup(column)
	return knowledge.Text(v)
}

func number(row knowledge.Row, column string) float64 {
	v, _ := row.Lookup(column)
	f, _ := knowledge.Float(v)
	return f
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

var measureWords = map[string]string{
	"avg": "Average",
	"tat": "TAT",
	"pct": "%",
}

// MeasureLabel turns a measure name into a display label, e.g.
// avgQualityScore -> "Average Quality Score", avgAssignTat -> "Average Assign TAT".
func MeasureLabel(name string) string {
	words := splitWords(shortName(name))
	for i, w := range words {
		if full, ok := measureWords[strings.ToLower(w)]; ok {
			words[i] = full
			continue
		}
		words[i] = title(w)
	}
	return strings.Join(words, " ")
}

// DimensionLabel turns a dimension name into a display label, e.g.
// bodyPartCategory -> "Body Part Category".
func DimensionLabel(name string) string {
	words := splitWords(shortName(name))
	for i, w := range words {
		words[i] = title(w)
	}
	return strings.Join(words, " ")
}

// FormatFor infers how a measure's values should be displayed.
func FormatFor(name string) knowledge.ValueFormat {
	key := strings.ToLower(shortName(name))
	switch {
	case strings.Contains(key, "rate") || strings.Contains(key, "pct") || strings.Contains(key, "percentage"):
		return knowledge.FormatPercent
	case strings.Contains(key, "cost"):
		return knowledge.FormatCurrency
	case strings.Contains(key, "tat") || strings.Contains(key, "time"):
		return knowledge.FormatTime
	default:
		return knowledge.FormatNumber
	}
}

// splitWords splits camelCase and snake_case identifiers.
func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	var prev rune
	for _, r := range s {
		switch {
		case r == '_' || r == ' ' || r == '.':
			flush()
		case unicode.IsUpper(r) && prev != 0 && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
		prev = r
	}
	flush()
	return words
}

func title(w string) string {
	if w == "" {
		return w
	}
	r := []rune(w)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
