// Package cube talks to the tabular query service. Two backends implement
// Querier: a Cube.js REST client and a ClickHouse client that translates the
// same query shape to SQL.
package cube

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

const (
	DefaultLimit = 1000
)

var (
	// ErrClient is returned when the service rejects the query shape.
	ErrClient = errors.New("query rejected by query service")
	// ErrConnection is returned when the service cannot be reached.
	ErrConnection = errors.New("query service unreachable")
)

// Filter is a Cube.js member filter. Member is fully qualified.
type Filter struct {
	Member   string   `json:"member"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

type TimeDimension struct {
	Dimension   string   `json:"dimension"`
	DateRange   []string `json:"dateRange,omitempty"`
	Granularity string   `json:"granularity,omitempty"`
}

// Query is the Cube.js /load query document. Members are fully qualified
// ("Cube.member").
type Query struct {
	Measures       []string        `json:"measures,omitempty"`
	Dimensions     []string        `json:"dimensions,omitempty"`
	Filters        []Filter        `json:"filters,omitempty"`
	TimeDimensions []TimeDimension `json:"timeDimensions,omitempty"`
	Limit          int             `json:"limit,omitempty"`
}

// Key returns a stable cache key for the query.
func (q Query) Key() string {
	b, _ := json.Marshal(q)
	return string(b)
}

// Cube returns the cube name the query targets, taken from its first member.
func (q Query) Cube() string {
	for _, members := range [][]string{q.Measures, q.Dimensions} {
		for _, m := range members {
			if i := strings.IndexByte(m, '.'); i > 0 {
				return m[:i]
			}
		}
	}
	return ""
}

// FromDescriptor qualifies a descriptor's canonical names with its cube.
func FromDescriptor(d knowledge.Descriptor) Query {
	qualify := func(name string) string { return d.Cube + "." + name }

	q := Query{Limit: d.Limit}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	for _, m := range d.Measures {
		q.Measures = append(q.Measures, qualify(m))
	}
	for _, dim := range d.Dimensions {
		q.Dimensions = append(q.Dimensions, qualify(dim))
	}
	for _, f := range d.Filters {
		q.Filters = append(q.Filters, Filter{
			Member:   qualify(f.Field),
			Operator: string(f.Operator),
			Values:   f.Values,
		})
	}
	if tr := d.TimeRange; tr != nil && tr.Dimension != "" {
		td := TimeDimension{Dimension: qualify(tr.Dimension), Granularity: tr.Granularity}
		if tr.Start != "" && tr.End != "" {
			td.DateRange = []string{tr.Start, tr.End}
		}
		q.TimeDimensions = append(q.TimeDimensions, td)
	}
	return q
}

// Result holds rows keyed by short member names. Columns lists dimensions
// first, then measures, in query order.
type Result struct {
	Columns []string        `json:"columns"`
	Rows    []knowledge.Row `json:"rows"`
}

// Querier executes queries against the query service. Errors wrap ErrClient
// or ErrConnection when the failure class is known.
type Querier interface {
	Load(ctx context.Context, q Query) (*Result, error)
}

// HealthChecker is implemented by queriers that can probe the service.
type HealthChecker interface {
	Health(ctx context.Context) error
}

func shortName(member string) string {
	if i := strings.LastIndexByte(member, '.'); i >= 0 {
		return member[i+1:]
	}
	return member
}

func columnsOf(q Query) []string {
	cols := make([]string, 0, len(q.Dimensions)+len(q.TimeDimensions)+len(q.Measures))
	for _, d := range q.Dimensions {
		cols = append(cols, shortName(d))
	}
	for _, td := range q.TimeDimensions {
		if td.Granularity != "" {
			cols = append(cols, shortName(td.Dimension))
		}
	}
	for _, m := range q.Measures {
		cols = append(cols, shortName(m))
	}
	return cols
}
