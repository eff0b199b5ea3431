package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/malbeclabs/auditlens/internal/chat"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

func printAnswer(w io.Writer, answer *chat.Answer) {
	resp := answer.Response
	fmt.Fprintln(w, resp.Narrative)

	if resp.Chart != nil {
		fmt.Fprintln(w)
		printChart(w, resp.Chart)
	}

	if len(resp.FollowUps) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Follow-up questions:")
		for _, q := range resp.FollowUps {
			fmt.Fprintln(w, "  -", q)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Conversation:", answer.ConversationID)
}

func printChart(w io.Writer, chart *knowledge.ChartSpec) {
	if chart.Title != "" {
		fmt.Fprintf(w, "%s (%s)\n", chart.Title, chart.Type)
	}

	switch {
	case chart.Type == knowledge.ArchetypeEmpty:
		fmt.Fprintln(w, chart.Message)
	case chart.KPI != nil:
		table := newTable(w)
		table.SetHeader([]string{chart.KPI.Label})
		table.Append([]string{formatValue(chart.KPI.Value, chart.KPI.Format)})
		table.Render()
	case chart.Table != nil:
		table := newTable(w)
		header := make([]string, 0, len(chart.Table.Columns))
		for _, col := range chart.Table.Columns {
			header = append(header, col.Label)
		}
		table.SetHeader(header)
		for _, row := range chart.Table.Rows {
			cells := make([]string, 0, len(chart.Table.Columns))
			for _, col := range chart.Table.Columns {
				v, _ := row.Lookup(col.Key)
				cells = append(cells, formatCell(v))
			}
			table.Append(cells)
		}
		table.Render()
	case chart.Data != nil:
		table := newTable(w)
		x := ""
		if chart.Axes != nil {
			x = chart.Axes.X
		}
		header := []string{x}
		for _, ds := range chart.Data.Datasets {
			header = append(header, ds.Label)
		}
		table.SetHeader(header)
		for i, label := range chart.Data.Labels {
			cells := []string{label}
			for _, ds := range chart.Data.Datasets {
				cell := ""
				if i < len(ds.Values) {
					cell = formatValue(ds.Values[i], knowledge.FormatNumber)
				}
				cells = append(cells, cell)
			}
			table.Append(cells)
		}
		table.Render()
	}
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	return table
}

func formatValue(v float64, format knowledge.ValueFormat) string {
	switch format {
	case knowledge.FormatPercent:
		return fmt.Sprintf("%.1f%%", v)
	case knowledge.FormatCurrency:
		return fmt.Sprintf("$%.2f", v)
	case knowledge.FormatTime:
		return fmt.Sprintf("%.1f", v)
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
