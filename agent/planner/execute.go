package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/cube"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

// Execute runs d against the query service. Errors keep the cube error class
// so callers can tell connection failures from bad queries.
func (p *Planner) Execute(ctx context.Context, d knowledge.Descriptor) (knowledge.ResultSet, error) {
	res, err := p.cfg.Querier.Load(ctx, cube.FromDescriptor(d))
	if err != nil {
		metrics.QueryExecutions.WithLabelValues(string(ErrorType(err))).Inc()
		return emptyResult(), fmt.Errorf("failed to execute query: %w", err)
	}
	metrics.QueryExecutions.WithLabelValues("ok").Inc()

	rows := res.Rows
	if rows == nil {
		rows = []knowledge.Row{}
	}
	return knowledge.ResultSet{
		Columns: res.Columns,
		Rows:    rows,
		Shape:   Shape(rows, d, p.cfg.Catalog.IsTimeDimension),
	}, nil
}

// ErrorType maps an execution error onto the error_type reported downstream.
func ErrorType(err error) knowledge.ErrorType {
	switch {
	case errors.Is(err, cube.ErrConnection):
		return knowledge.ErrorTypeConnection
	case errors.Is(err, cube.ErrClient):
		return knowledge.ErrorTypeQuery
	default:
		return knowledge.ErrorTypeInternal
	}
}

// Shape computes the metadata downstream agents use to pick a presentation.
// isTime reports whether a dimension holds timestamps.
func Shape(rows []knowledge.Row, d knowledge.Descriptor, isTime func(string) bool) knowledge.Shape {
	dims := d.GroupBy()
	timeSeries := false
	for _, dim := range dims {
		if isTime(dim) {
			timeSeries = true
		}
	}

	s := knowledge.Shape{
		RowCount:              len(rows),
		ColumnCount:           len(dims) + len(d.Measures),
		HasTimeSeries:         timeSeries,
		HasMultipleDimensions: len(dims) > 1,
	}
	switch {
	case len(rows) == 0:
		s.DataShape = knowledge.DataShapeEmpty
	case timeSeries:
		s.DataShape = knowledge.DataShapeTimeSeries
	default:
		s.DataShape = knowledge.DataShapeTable
	}
	if len(rows) == 0 || len(dims) == 0 {
		return s
	}

	s.DimensionCardinality = make(map[string]int, len(dims))
	for _, dim := range dims {
		distinct := make(map[string]struct{})
		for _, row := range rows {
			v, _ := row.Lookup(dim)
			distinct[knowledge.Text(v)] = struct{}{}
		}
		s.DimensionCardinality[dim] = len(distinct)
	}
	return s
}
