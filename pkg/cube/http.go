package cube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzhttp"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultMaxTries    = 3
	defaultRetryDelay  = 500 * time.Millisecond

	// Cube.js answers long-running queries with this error until the result
	// is ready.
	continueWait = "Continue wait"
)

var errContinueWait = errors.New("query still running")

type HTTPConfig struct {
	Logger  *slog.Logger
	BaseURL string // e.g. http://localhost:4000/cubejs-api/v1

	// Optional with defaults.
	Secret     string
	Timeout    time.Duration
	MaxTries   uint
	RetryDelay time.Duration
	HTTPClient *http.Client
}

func (c *HTTPConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.BaseURL == "" {
		return errors.New("base url is required")
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout == 0 {
		c.Timeout = defaultHTTPTimeout
	}
	if c.MaxTries == 0 {
		c.MaxTries = defaultMaxTries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Transport: gzhttp.Transport(http.DefaultTransport),
			Timeout:   c.Timeout,
		}
	}
	return nil
}

// HTTPClient queries a Cube.js REST API.
type HTTPClient struct {
	log *slog.Logger
	cfg *HTTPConfig
}

func NewHTTPClient(cfg *HTTPConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &HTTPClient{log: cfg.Logger, cfg: cfg}, nil
}

type loadRequest struct {
	Query Query `json:"query"`
}

type loadResponse struct {
	Data  []map[string]any `json:"data"`
	Error string           `json:"error"`
}

// Load executes q. Connection failures and "Continue wait" responses are
// retried with exponential backoff; rejected queries are not.
func (c *HTTPClient) Load(ctx context.Context, q Query) (*Result, error) {
	body, err := json.Marshal(loadRequest{Query: q})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryDelay

	start := time.Now()
	resp, err := backoff.Retry(ctx, func() (*loadResponse, error) {
		resp, err := c.load(ctx, body)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrConnection) || errors.Is(err, errContinueWait) {
			c.log.Debug("cube: load failed, retrying", "error", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.cfg.MaxTries),
	)
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, errContinueWait) {
			return nil, fmt.Errorf("%w: %w", ErrConnection, err)
		}
		return nil, err
	}

	result := normalize(q, resp.Data)
	c.log.Info("cube: query executed", "measures", q.Measures, "dimensions", q.Dimensions, "rows", len(result.Rows), "duration", time.Since(start))
	return result, nil
}

func (c *HTTPClient) load(ctx context.Context, body []byte) (*loadResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/load", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var out loadResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", ErrClient, err)
	}
	if out.Error == continueWait {
		return nil, errContinueWait
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrClient, out.Error)
	}
	return &out, nil
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	if c.cfg.Secret != "" {
		req.Header.Set("Authorization", c.cfg.Secret)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, fmt.Errorf("%w: failed to read response: %w", ErrConnection, err)
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrClient, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// MetaMember is a measure or dimension advertised by /meta.
type MetaMember struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type MetaCube struct {
	Name       string       `json:"name"`
	Title      string       `json:"title"`
	Measures   []MetaMember `json:"measures"`
	Dimensions []MetaMember `json:"dimensions"`
}

type Meta struct {
	Cubes []MetaCube `json:"cubes"`
}

// Meta fetches the cubes, measures and dimensions the service exposes.
func (c *HTTPClient) Meta(ctx context.Context) (*Meta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/meta", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	return &meta, nil
}

// Health reports whether /meta is reachable.
func (c *HTTPClient) Health(ctx context.Context) error {
	_, err := c.Meta(ctx)
	return err
}

// normalize keys rows by short member name and coerces numeric measure text.
func normalize(q Query, data []map[string]any) *Result {
	keys := make(map[string]string)
	for _, d := range q.Dimensions {
		keys[d] = shortName(d)
	}
	for _, td := range q.TimeDimensions {
		if td.Granularity != "" {
			keys[td.Dimension+"."+td.Granularity] = shortName(td.Dimension)
			keys[td.Dimension] = shortName(td.Dimension)
		}
	}
	measures := make(map[string]bool, len(q.Measures))
	for _, m := range q.Measures {
		keys[m] = shortName(m)
		measures[shortName(m)] = true
	}

	rows := make([]knowledge.Row, 0, len(data))
	for _, raw := range data {
		row := make(knowledge.Row, len(raw))
		for k, v := range raw {
			name, ok := keys[k]
			if !ok {
				name = shortName(k)
			}
			if measures[name] {
				if f, ok := knowledge.Float(v); ok {
					v = f
				}
			}
			row[name] = v
		}
		rows = append(rows, row)
	}
	return &Result{Columns: columnsOf(q), Rows: rows}
}
