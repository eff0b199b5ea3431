package knowledge

// Archetype selects the shape a chart specification takes.
type Archetype string

const (
	ArchetypeKPI        Archetype = "kpi"
	ArchetypeBar        Archetype = "bar"
	ArchetypeGroupedBar Archetype = "grouped_bar"
	ArchetypeLine       Archetype = "line"
	ArchetypeDonut      Archetype = "donut"
	ArchetypeTable      Archetype = "table"
	ArchetypeEmpty      Archetype = "empty"
)

// Selectable reports whether a is one of the archetypes a selector may pick.
// Empty is reserved for results without rows.
func (a Archetype) Selectable() bool {
	switch a {
	case ArchetypeKPI, ArchetypeBar, ArchetypeGroupedBar, ArchetypeLine, ArchetypeDonut, ArchetypeTable:
		return true
	}
	return false
}

// ValueFormat hints how a KPI value should be displayed.
type ValueFormat string

const (
	FormatNumber   ValueFormat = "number"
	FormatPercent  ValueFormat = "percent"
	FormatCurrency ValueFormat = "currency"
	FormatTime     ValueFormat = "time"
)

// ChartSpec is a renderer-agnostic chart. Exactly one of Data, KPI or Table is
// set for non-empty archetypes; Empty charts carry only Message.
type ChartSpec struct {
	Type    Archetype   `json:"type"`
	Title   string      `json:"title,omitempty"`
	Data    *SeriesData `json:"data,omitempty"`
	Axes    *Axes       `json:"axes,omitempty"`
	KPI     *KPI        `json:"kpi,omitempty"`
	Table   *Table      `json:"table,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Labels returns the category labels of a series chart, or nil.
func (c ChartSpec) Labels() []string {
	if c.Data == nil {
		return nil
	}
	return c.Data.Labels
}

// SeriesData holds the labels and datasets of bar, grouped bar, line and
// donut charts.
type SeriesData struct {
	Labels   []string  `json:"labels"`
	Datasets []Dataset `json:"datasets"`
}

// Dataset is one series. Bar and donut series colour each point; grouped
// bar and line series use a single Color.
type Dataset struct {
	Label            string    `json:"label"`
	Values           []float64 `json:"data"`
	BackgroundColors []string  `json:"backgroundColor,omitempty"`
	BorderColors     []string  `json:"borderColor,omitempty"`
	Color            string    `json:"color,omitempty"`
	Fill             bool      `json:"fill,omitempty"`
}

// Axes is the axis and legend metadata for series charts.
type Axes struct {
	X              string `json:"x,omitempty"`
	Y              string `json:"y,omitempty"`
	Legend         bool   `json:"legend"`
	LegendPosition string `json:"legendPosition,omitempty"`
	BeginAtZero    bool   `json:"beginAtZero"`
}

// KPI is a single headline value.
type KPI struct {
	Value  float64     `json:"value"`
	Label  string      `json:"label"`
	Format ValueFormat `json:"format"`
}

// Table is a tabular fallback for results that do not chart well.
type Table struct {
	Columns  []TableColumn `json:"columns"`
	Rows     []Row         `json:"data"`
	Sortable bool          `json:"sortable"`
	PageSize int           `json:"pageSize"`
}

// TableColumn names a column and its display label.
type TableColumn struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}
