package knowledge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Operator is a filter comparison understood by the query service.
type Operator string

const (
	OperatorEquals    Operator = "equals"
	OperatorNotEquals Operator = "notEquals"
	OperatorContains  Operator = "contains"
	OperatorGt        Operator = "gt"
	OperatorGte       Operator = "gte"
	OperatorLt        Operator = "lt"
	OperatorLte       Operator = "lte"
)

// Valid reports whether o is a supported operator.
func (o Operator) Valid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorGt, OperatorGte, OperatorLt, OperatorLte:
		return true
	}
	return false
}

// Filter restricts the rows of a query. Field is a canonical dimension name.
type Filter struct {
	Field    string   `json:"member"`
	Operator Operator `json:"operator"`
	Values   []string `json:"values"`
}

// TimeRange restricts a time dimension to [Start, End]. Dates are ISO-8601.
type TimeRange struct {
	Dimension   string `json:"dimension"`
	Start       string `json:"start"`
	End         string `json:"end"`
	// Granularity buckets the dimension (day, week, month, year) and turns
	// the result into a time series.
	Granularity string `json:"granularity,omitempty"`
}

// Descriptor is a validated query against the catalog. Measures and
// dimensions hold canonical short names; the query service adds the cube
// prefix.
type Descriptor struct {
	Cube       string     `json:"cube"`
	Measures   []string   `json:"measures"`
	Dimensions []string   `json:"dimensions"`
	Filters    []Filter   `json:"filters,omitempty"`
	TimeRange  *TimeRange `json:"time_range,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// GroupBy returns the dimensions the result is grouped by. A time dimension
// bucketed by granularity comes first.
func (d Descriptor) GroupBy() []string {
	var dims []string
	if tr := d.TimeRange; tr != nil && tr.Granularity != "" && tr.Dimension != "" {
		dims = append(dims, tr.Dimension)
	}
	for _, dim := range d.Dimensions {
		if len(dims) > 0 && dim == dims[0] {
			continue
		}
		dims = append(dims, dim)
	}
	return dims
}

// ErrorType classifies a failed query execution.
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection_error"
	ErrorTypeQuery      ErrorType = "query_error"
	ErrorTypeInternal   ErrorType = "internal_error"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Lookup returns the value for name, accepting either the short member name
// or any "Cube.name" qualified form.
func (r Row) Lookup(name string) (any, bool) {
	if v, ok := r[name]; ok {
		return v, true
	}
	suffix := "." + name
	for k, v := range r {
		if strings.HasSuffix(k, suffix) {
			return v, true
		}
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if v, ok := r[name[i+1:]]; ok {
			return v, true
		}
	}
	return nil, false
}

// Float coerces a scalar to float64. Nil, booleans and unparsable text
// coerce to zero; the second result reports whether coercion succeeded.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Text renders a scalar as a label. Nil renders as "".
func Text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// DataShape summarizes whether a result carries data.
type DataShape string

const (
	DataShapeEmpty      DataShape = "empty"
	DataShapeTable      DataShape = "table"
	DataShapeTimeSeries DataShape = "time_series"
)

// Shape is metadata computed once when a query executes.
type Shape struct {
	RowCount              int            `json:"row_count"`
	ColumnCount           int            `json:"column_count"`
	HasTimeSeries         bool           `json:"has_time_series"`
	HasMultipleDimensions bool           `json:"has_multiple_dimensions"`
	DimensionCardinality  map[string]int `json:"category_counts,omitempty"`
	DataShape             DataShape      `json:"data_shape"`
}

// ResultSet is an immutable query result shared by downstream agents.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
	Shape   Shape    `json:"shape"`
}
