package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/auditlens/pkg/catalog"
)

type SchemaCmd struct{}

func NewSchemaCmd() *SchemaCmd {
	return &SchemaCmd{}
}

func (c *SchemaCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "List the dimensions and measures questions can refer to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(cmd)
			if err != nil {
				return err
			}
			printSchema(os.Stdout, cat)
			return nil
		},
	}
	return cmd
}

func printSchema(w io.Writer, cat *catalog.Catalog) {
	fmt.Fprintln(w, "Cube:", cat.Cube())

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Kind", "Name", "Description"})

	for _, d := range cat.Dimensions() {
		kind := "dimension"
		if d.Time {
			kind = "time"
		}
		table.Append([]string{kind, d.Name, d.Description})
	}
	for _, m := range cat.Measures() {
		table.Append([]string{"measure", m.Name, m.Description})
	}
	table.Render()
}
