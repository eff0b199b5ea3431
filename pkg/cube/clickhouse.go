package cube

import (
	"context"
	"crypto/tls"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultMaxExecutionTime = 60
)

// Conn is the subset of the ClickHouse driver used by ClickHouseClient.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (chdriver.Rows, error)
	Ping(ctx context.Context) error
}

// ClickHouseClient implements Querier by translating queries to SQL.
type ClickHouseClient struct {
	conn   Conn
	schema SQLSchema
	log    *slog.Logger
}

// ClickHouseOption configures the ClickHouseClient.
type ClickHouseOption func(*clickHouseConfig)

type clickHouseConfig struct {
	addr     string
	database string
	username string
	password string
	secure   bool
	schema   SQLSchema
	conn     Conn
	logger   *slog.Logger
}

// WithAddr sets the ClickHouse address.
func WithAddr(addr string) ClickHouseOption {
	return func(c *clickHouseConfig) { c.addr = addr }
}

// WithDatabase sets the ClickHouse database.
func WithDatabase(database string) ClickHouseOption {
	return func(c *clickHouseConfig) { c.database = database }
}

// WithUser sets the ClickHouse username.
func WithUser(username string) ClickHouseOption {
	return func(c *clickHouseConfig) { c.username = username }
}

// WithPassword sets the ClickHouse password.
func WithPassword(password string) ClickHouseOption {
	return func(c *clickHouseConfig) { c.password = password }
}

// WithSecure enables TLS for the connection.
func WithSecure(secure bool) ClickHouseOption {
	return func(c *clickHouseConfig) { c.secure = secure }
}

// WithSQLSchema overrides the member to SQL mapping.
func WithSQLSchema(schema SQLSchema) ClickHouseOption {
	return func(c *clickHouseConfig) { c.schema = schema }
}

// WithConn uses an existing connection instead of dialing.
func WithConn(conn Conn) ClickHouseOption {
	return func(c *clickHouseConfig) { c.conn = conn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClickHouseOption {
	return func(c *clickHouseConfig) { c.logger = logger }
}

// NewClickHouseClient creates a new ClickHouse client.
func NewClickHouseClient(opts ...ClickHouseOption) (*ClickHouseClient, error) {
	cfg := &clickHouseConfig{
		addr:     "localhost:9000",
		database: "default",
		username: "default",
		schema:   RadiologySQLSchema,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	conn := cfg.conn
	if conn == nil {
		chOpts := &clickhouse.Options{
			Addr: []string{cfg.addr},
			Auth: clickhouse.Auth{
				Database: cfg.database,
				Username: cfg.username,
				Password: cfg.password,
			},
			Settings: clickhouse.Settings{
				"max_execution_time": defaultMaxExecutionTime,
			},
			DialTimeout: defaultDialTimeout,
		}
		if cfg.secure {
			chOpts.TLS = &tls.Config{}
		}
		c, err := clickhouse.Open(chOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		conn = c
	}

	return &ClickHouseClient{conn: conn, schema: cfg.schema, log: cfg.logger}, nil
}

// Health pings the server.
func (c *ClickHouseClient) Health(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return nil
}

// Load runs q as a single aggregate SELECT.
func (c *ClickHouseClient) Load(ctx context.Context, q Query) (*Result, error) {
	built, err := buildSQL(c.schema, q)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.QueryDuration.Observe(time.Since(start).Seconds()) }()
	rows, err := c.conn.Query(ctx, built.query, built.args...)
	if err != nil {
		return nil, classifyClickHouseError(err)
	}
	defer rows.Close()

	result := &Result{Columns: built.columns}
	for rows.Next() {
		dims := make([]string, built.numDims)
		meas := make([]float64, len(built.columns)-built.numDims)
		dest := make([]any, 0, len(built.columns))
		for i := range dims {
			dest = append(dest, &dims[i])
		}
		for i := range meas {
			dest = append(dest, &meas[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(knowledge.Row, len(built.columns))
		for i, d := range dims {
			row[built.columns[i]] = d
		}
		for i, m := range meas {
			row[built.columns[built.numDims+i]] = m
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyClickHouseError(err)
	}

	c.log.Info("cube: clickhouse query executed", "rows", len(result.Rows), "duration", time.Since(start))
	return result, nil
}

func classifyClickHouseError(err error) error {
	var exc *clickhouse.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("%w: %w", ErrClient, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return fmt.Errorf("failed to execute query: %w", err)
}

type builtSQL struct {
	query   string
	args    []any
	columns []string
	numDims int
}

var granularityFuncs = map[string]string{
	"day":   "toStartOfDay",
	"week":  "toStartOfWeek",
	"month": "toStartOfMonth",
	"year":  "toStartOfYear",
}

// buildSQL translates q into parameterized SQL. Unknown cubes, members and
// operators are query-shape errors.
func buildSQL(schema SQLSchema, q Query) (*builtSQL, error) {
	if cube := q.Cube(); cube != "" && cube != schema.Cube {
		return nil, fmt.Errorf("%w: unknown cube %q", ErrClient, cube)
	}
	if len(q.Measures) == 0 && len(q.Dimensions) == 0 {
		return nil, fmt.Errorf("%w: query has no members", ErrClient)
	}

	b := &builtSQL{}
	var selects, groupBy, where []string

	for _, member := range q.Dimensions {
		name := shortName(member)
		col, ok := schema.Dimensions[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown dimension %q", ErrClient, member)
		}
		selects = append(selects, fmt.Sprintf("ifNull(toString(%s), '') AS `%s`", col, name))
		groupBy = append(groupBy, "`"+name+"`")
		b.columns = append(b.columns, name)
	}

	for _, td := range q.TimeDimensions {
		name := shortName(td.Dimension)
		col, ok := schema.Dimensions[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown time dimension %q", ErrClient, td.Dimension)
		}
		if td.Granularity != "" {
			fn, ok := granularityFuncs[td.Granularity]
			if !ok {
				return nil, fmt.Errorf("%w: unsupported granularity %q", ErrClient, td.Granularity)
			}
			selects = append(selects, fmt.Sprintf("toString(%s(%s)) AS `%s`", fn, col, name))
			groupBy = append(groupBy, "`"+name+"`")
			b.columns = append(b.columns, name)
		}
		if len(td.DateRange) == 2 {
			where = append(where, fmt.Sprintf("%s >= parseDateTimeBestEffort(?) AND %s <= parseDateTimeBestEffort(?)", col, col))
			b.args = append(b.args, td.DateRange[0], endOfDay(td.DateRange[1]))
		}
	}
	b.numDims = len(b.columns)

	for _, member := range q.Measures {
		name := shortName(member)
		expr, ok := schema.Measures[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown measure %q", ErrClient, member)
		}
		selects = append(selects, fmt.Sprintf("toFloat64(ifNotFinite(coalesce(%s, 0), 0)) AS `%s`", expr, name))
		b.columns = append(b.columns, name)
	}

	for _, f := range q.Filters {
		col, ok := schema.Dimensions[shortName(f.Member)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown filter member %q", ErrClient, f.Member)
		}
		clause, args, err := filterClause(col, f)
		if err != nil {
			return nil, err
		}
		if clause != "" {
			where = append(where, clause)
			b.args = append(b.args, args...)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(selects, ", "), schema.Table)
	if len(where) > 0 {
		fmt.Fprintf(&sb, " WHERE %s", strings.Join(where, " AND "))
	}
	if len(groupBy) > 0 {
		fmt.Fprintf(&sb, " GROUP BY %s ORDER BY %s", strings.Join(groupBy, ", "), strings.Join(groupBy, ", "))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	fmt.Fprintf(&sb, " LIMIT %d", limit)
	b.query = sb.String()
	return b, nil
}

func filterClause(col string, f Filter) (string, []any, error) {
	if len(f.Values) == 0 {
		return "", nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Values)), ", ")
	args := make([]any, len(f.Values))
	for i, v := range f.Values {
		args[i] = v
	}

	switch knowledge.Operator(f.Operator) {
	case knowledge.OperatorEquals:
		return fmt.Sprintf("toString(%s) IN (%s)", col, placeholders), args, nil
	case knowledge.OperatorNotEquals:
		return fmt.Sprintf("toString(%s) NOT IN (%s)", col, placeholders), args, nil
	case knowledge.OperatorContains:
		parts := make([]string, len(f.Values))
		for i := range f.Values {
			parts[i] = fmt.Sprintf("positionCaseInsensitive(toString(%s), ?) > 0", col)
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	case knowledge.OperatorGt, knowledge.OperatorGte, knowledge.OperatorLt, knowledge.OperatorLte:
		op := map[knowledge.Operator]string{
			knowledge.OperatorGt:  ">",
			knowledge.OperatorGte: ">=",
			knowledge.OperatorLt:  "<",
			knowledge.OperatorLte: "<=",
		}[knowledge.Operator(f.Operator)]
		v, err := strconv.ParseFloat(f.Values[0], 64)
		if err != nil {
			return "", nil, fmt.Errorf("%w: operator %s needs a numeric value, got %q", ErrClient, f.Operator, f.Values[0])
		}
		return fmt.Sprintf("toFloat64OrNull(toString(%s)) %s ?", col, op), []any{v}, nil
	}
	return "", nil, fmt.Errorf("%w: unsupported operator %q", ErrClient, f.Operator)
}

// endOfDay widens a bare date to the end of that day so ranges are inclusive.
func endOfDay(date string) string {
	if len(date) == len("2006-01-02") {
		return date + " 23:59:59"
	}
	return date
}
