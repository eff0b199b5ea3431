package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/auditlens/internal/metrics"
	"github.com/malbeclabs/auditlens/pkg/catalog"
)

const schemaToolName = "schema"

type SchemaInput struct{}

type SchemaMember struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Time        bool   `json:"time,omitempty"`
}

type SchemaOutput struct {
	Cube       string         `json:"cube"`
	Dimensions []SchemaMember `json:"dimensions"`
	Measures   []SchemaMember `json:"measures"`
}

func RegisterSchemaTool(log *slog.Logger, server *gomcp.Server, cat *catalog.Catalog) error {
	req, err := jsonschema.For[SchemaInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create schema input schema: %w", err)
	}
	res, err := jsonschema.For[SchemaOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create schema output schema: %w", err)
	}

	gomcp.AddTool(server, &gomcp.Tool{
		Name:         schemaToolName,
		Description:  "List the dimensions and measures that questions passed to ask can refer to.",
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *gomcp.CallToolRequest, _ SchemaInput) (*gomcp.CallToolResult, SchemaOutput, error) {
		start := time.Now()
		log.Debug("mcp/tool: handling schema")
		out := SchemaOutput{
			Cube:       cat.Cube(),
			Dimensions: members(cat.Dimensions()),
			Measures:   members(cat.Measures()),
		}
		metrics.ToolCallsTotal.WithLabelValues(schemaToolName, "success").Inc()
		metrics.ToolCallDuration.WithLabelValues(schemaToolName).Observe(time.Since(start).Seconds())
		return nil, out, nil
	})
	return nil
}

func members(in []catalog.Member) []SchemaMember {
	out := make([]SchemaMember, 0, len(in))
	for _, m := range in {
		out = append(out, SchemaMember{Name: m.Name, Description: m.Description, Time: m.Time})
	}
	return out
}
